package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/oscarsailing/scontrini/internal/bundle"
	"github.com/oscarsailing/scontrini/internal/quality"
	"github.com/oscarsailing/scontrini/internal/session"
	"github.com/oscarsailing/scontrini/internal/store"
	"github.com/oscarsailing/scontrini/internal/upload"
)

func TestApp(t *testing.T) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	RegisterFailHandler(Fail)
	RunSpecs(t, "App Suite")
}

// mockRemote is a mock implementation of drive.Store.
type mockRemote struct {
	nextID  int
	uploads []string
	deleted []string
}

func (m *mockRemote) UploadFile(ctx context.Context, name, mimeType, parentID string, data []byte) (string, error) {
	m.nextID++
	m.uploads = append(m.uploads, name)
	return fmt.Sprintf("file-%d", m.nextID), nil
}

func (m *mockRemote) FindFolder(ctx context.Context, name, parentID string) (string, error) {
	return "", nil
}

func (m *mockRemote) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	m.nextID++
	return fmt.Sprintf("folder-%d", m.nextID), nil
}

func (m *mockRemote) CopyFile(ctx context.Context, fileID, parentID string) (string, error) {
	m.nextID++
	return fmt.Sprintf("copy-%d", m.nextID), nil
}

func (m *mockRemote) DeleteFile(ctx context.Context, fileID string) error {
	m.deleted = append(m.deleted, fileID)
	return nil
}

func (m *mockRemote) ShareAnyone(ctx context.Context, fileID string) (string, error) {
	return "https://drive.google.com/drive/folders/" + fileID, nil
}

// fixedResolver pins the monthly folder.
type fixedResolver struct{}

func (f *fixedResolver) ResolveMonthly(ctx context.Context, user store.User) (string, error) {
	return "month-folder", nil
}

func (f *fixedResolver) ResolveRoot(ctx context.Context) (string, error) {
	return "root-id", nil
}

// acceptAllGate lets everything through.
type acceptAllGate struct{}

func (g *acceptAllGate) Check(img image.Image) quality.Report {
	return quality.Report{Verdict: quality.Accepted}
}

// alwaysOnline is a Connectivity that never goes offline.
type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }

func testJPEG() []byte {
	img := image.NewGray(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			if (x+y)%2 == 0 {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func multipartCapture(user string, data []byte) (io.Reader, string) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "capture.jpg")
	Expect(err).NotTo(HaveOccurred())
	_, err = part.Write(data)
	Expect(err).NotTo(HaveOccurred())
	Expect(w.WriteField("user", user)).To(Succeed())
	Expect(w.Close()).To(Succeed())
	return &buf, w.FormDataContentType()
}

var _ = Describe("Server", func() {
	var (
		tempDir  string
		db       *store.BoltDB
		remote   *mockRemote
		sessions *session.Manager
		server   *Server
		err      error
	)

	users := []store.User{
		{ID: "papa", Label: "Papà"},
		{ID: "tiziana", Label: "Tiziana"},
	}

	newServer := func(auth BasicAuth) *Server {
		orchestrator := upload.NewOrchestrator(sessions, &fixedResolver{}, remote, db, &acceptAllGate{}, alwaysOnline{}, users)
		workflow := bundle.NewWorkflow(db, remote, &fixedResolver{}, users)
		return NewServer(orchestrator, workflow, db, sessions, auth)
	}

	BeforeEach(func() {
		tempDir, err = os.MkdirTemp("", "scontrini-app-*")
		Expect(err).NotTo(HaveOccurred())
		db, err = store.NewBoltDB(filepath.Join(tempDir, "test.db"), 40, 30)
		Expect(err).NotTo(HaveOccurred())

		remote = &mockRemote{}
		sessions = session.NewManager("client-123", "http://localhost:8080/")
		server = newServer(BasicAuth{})
	})

	AfterEach(func() {
		db.Close()
		os.RemoveAll(tempDir)
	})

	do := func(req *http.Request) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		server.ServeHTTP(w, req)
		return w
	}

	Describe("GET /api/status", func() {
		It("reports queue length and session validity", func() {
			w := do(httptest.NewRequest("GET", "/api/status", nil))
			Expect(w.Code).To(Equal(http.StatusOK))

			var status map[string]any
			Expect(json.Unmarshal(w.Body.Bytes(), &status)).To(Succeed())
			Expect(status["queue_len"]).To(BeEquivalentTo(0))
			Expect(status["session_valid"]).To(BeFalse())
		})
	})

	Describe("POST /api/session", func() {
		It("rejects a body without a token", func() {
			req := httptest.NewRequest("POST", "/api/session", strings.NewReader(`{}`))
			Expect(do(req).Code).To(Equal(http.StatusBadRequest))
		})

		It("installs the token so the session becomes valid", func() {
			req := httptest.NewRequest("POST", "/api/session", strings.NewReader(`{"access_token": "tok-1", "expires_in": 3600}`))
			Expect(do(req).Code).To(Equal(http.StatusNoContent))
			Expect(sessions.Valid()).To(BeTrue())
		})
	})

	Describe("GET /api/auth/url", func() {
		It("returns the interactive login URL by default", func() {
			w := do(httptest.NewRequest("GET", "/api/auth/url", nil))
			Expect(w.Code).To(Equal(http.StatusOK))

			var resp map[string]string
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp["auth_url"]).To(ContainSubstring("prompt=select_account"))
		})

		It("honors an explicit prompt", func() {
			w := do(httptest.NewRequest("GET", "/api/auth/url?prompt=none", nil))

			var resp map[string]string
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp["auth_url"]).To(ContainSubstring("prompt=none"))
		})
	})

	Describe("POST /api/receipts", func() {
		It("rejects a request without a file", func() {
			var buf bytes.Buffer
			w := multipart.NewWriter(&buf)
			Expect(w.WriteField("user", "papa")).To(Succeed())
			Expect(w.Close()).To(Succeed())

			req := httptest.NewRequest("POST", "/api/receipts", &buf)
			req.Header.Set("Content-Type", w.FormDataContentType())
			Expect(do(req).Code).To(Equal(http.StatusBadRequest))
		})

		When("no session exists", func() {
			It("responds 401 with the login URL; the capture is abandoned", func() {
				body, contentType := multipartCapture("papa", testJPEG())
				req := httptest.NewRequest("POST", "/api/receipts", body)
				req.Header.Set("Content-Type", contentType)

				w := do(req)
				Expect(w.Code).To(Equal(http.StatusUnauthorized))

				var resp map[string]string
				Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
				Expect(resp["auth_url"]).To(ContainSubstring("prompt=select_account"))
				Expect(remote.uploads).To(BeEmpty())
			})
		})

		When("a session is live", func() {
			BeforeEach(func() {
				sessions.Accept("tok-1", time.Hour)
			})

			It("uploads and records history", func() {
				body, contentType := multipartCapture("papa", testJPEG())
				req := httptest.NewRequest("POST", "/api/receipts", body)
				req.Header.Set("Content-Type", contentType)

				w := do(req)
				Expect(w.Code).To(Equal(http.StatusCreated))
				Expect(remote.uploads).To(HaveLen(1))

				entries, err := db.ListHistory()
				Expect(err).NotTo(HaveOccurred())
				Expect(entries).To(HaveLen(1))
				Expect(entries[0].OwnerUserID).To(Equal("papa"))
			})

			It("rejects an unknown user", func() {
				body, contentType := multipartCapture("nonna", testJPEG())
				req := httptest.NewRequest("POST", "/api/receipts", body)
				req.Header.Set("Content-Type", contentType)

				Expect(do(req).Code).To(Equal(http.StatusBadRequest))
			})
		})
	})

	Describe("DELETE /api/history/{index}", func() {
		BeforeEach(func() {
			Expect(db.AppendHistory(store.HistoryEntry{
				ID:           "h1",
				DisplayName:  "Scontrino_h1.jpg",
				RemoteFileID: "remote-h1",
				OwnerUserID:  "papa",
			})).To(Succeed())
		})

		It("removes the entry and best-effort deletes the remote file", func() {
			sessions.Accept("tok-1", time.Hour)

			w := do(httptest.NewRequest("DELETE", "/api/history/0", nil))
			Expect(w.Code).To(Equal(http.StatusNoContent))
			Expect(remote.deleted).To(ConsistOf("remote-h1"))

			entries, _ := db.ListHistory()
			Expect(entries).To(BeEmpty())
		})

		It("still removes the local entry without a session", func() {
			w := do(httptest.NewRequest("DELETE", "/api/history/0", nil))
			Expect(w.Code).To(Equal(http.StatusNoContent))
			Expect(remote.deleted).To(BeEmpty())

			entries, _ := db.ListHistory()
			Expect(entries).To(BeEmpty())
		})

		It("responds 404 for an out-of-range index", func() {
			Expect(do(httptest.NewRequest("DELETE", "/api/history/5", nil)).Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("bundle workflow", func() {
		It("reports nothing to send as a friendly notice", func() {
			w := do(httptest.NewRequest("POST", "/api/bundle", nil))
			Expect(w.Code).To(Equal(http.StatusOK))

			var resp map[string]upload.Notice
			Expect(json.Unmarshal(w.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp["notice"].Title).To(Equal("Niente da inviare"))
		})

		It("rejects execute without a confirmed plan", func() {
			Expect(do(httptest.NewRequest("POST", "/api/bundle/execute", nil)).Code).To(Equal(http.StatusConflict))
		})

		It("runs initiate, execute, cancel end to end", func() {
			Expect(db.AppendHistory(store.HistoryEntry{
				ID:           "h1",
				RemoteFileID: "remote-h1",
				OwnerUserID:  "papa",
			})).To(Succeed())

			w := do(httptest.NewRequest("POST", "/api/bundle", nil))
			Expect(w.Code).To(Equal(http.StatusOK))

			var plan bundle.Plan
			Expect(json.Unmarshal(w.Body.Bytes(), &plan)).To(Succeed())
			Expect(plan.Total).To(Equal(1))

			w = do(httptest.NewRequest("POST", "/api/bundle/execute", nil))
			Expect(w.Code).To(Equal(http.StatusOK))

			var outcome bundle.Outcome
			Expect(json.Unmarshal(w.Body.Bytes(), &outcome)).To(Succeed())
			Expect(outcome.SentCount).To(Equal(1))
			Expect(outcome.Draft.MailtoURL).To(HavePrefix("mailto:?subject="))

			Expect(do(httptest.NewRequest("DELETE", "/api/bundle", nil)).Code).To(Equal(http.StatusNoContent))
		})
	})

	Describe("POST /api/config", func() {
		It("persists overrides", func() {
			req := httptest.NewRequest("POST", "/api/config", strings.NewReader(`{"client_id": "cid-9", "accountant": "studio@example.it"}`))
			Expect(do(req).Code).To(Equal(http.StatusNoContent))

			cid, _ := db.ConfigValue(ConfigClientID)
			Expect(cid).To(Equal("cid-9"))
			email, _ := db.ConfigValue(ConfigAccountant)
			Expect(email).To(Equal("studio@example.it"))
		})

		It("rejects malformed bodies", func() {
			req := httptest.NewRequest("POST", "/api/config", strings.NewReader("not json"))
			Expect(do(req).Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("basic auth", func() {
		BeforeEach(func() {
			server = newServer(BasicAuth{Username: "papa", Password: "segreto"})
		})

		It("rejects requests without credentials", func() {
			w := do(httptest.NewRequest("GET", "/api/status", nil))
			Expect(w.Code).To(Equal(http.StatusUnauthorized))
			Expect(w.Header().Get("WWW-Authenticate")).To(ContainSubstring("Scontrini"))
		})

		It("accepts the configured credentials", func() {
			req := httptest.NewRequest("GET", "/api/status", nil)
			req.SetBasicAuth("papa", "segreto")
			Expect(do(req).Code).To(Equal(http.StatusOK))
		})

		It("rejects wrong credentials", func() {
			req := httptest.NewRequest("GET", "/api/status", nil)
			req.SetBasicAuth("papa", "sbagliata")
			Expect(do(req).Code).To(Equal(http.StatusUnauthorized))
		})
	})
})
