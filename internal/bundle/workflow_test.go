package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/oscarsailing/scontrini/internal/store"
)

func TestBundle(t *testing.T) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	RegisterFailHandler(Fail)
	RunSpecs(t, "Bundle Suite")
}

// mockRemote is a mock implementation of drive.Store covering the calls
// the workflow makes.
type mockRemote struct {
	nextID    int
	folders   []string          // created folder names, in order
	copies    map[string]string // file id -> destination folder id
	copyErr   map[string]error  // file id -> injected failure
	shareErr  error
	createErr error
	shared    []string
}

func newMockRemote() *mockRemote {
	return &mockRemote{
		copies:  make(map[string]string),
		copyErr: make(map[string]error),
	}
}

func (m *mockRemote) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	if m.createErr != nil {
		return "", m.createErr
	}
	m.nextID++
	m.folders = append(m.folders, name)
	return fmt.Sprintf("folder-%d", m.nextID), nil
}

func (m *mockRemote) CopyFile(ctx context.Context, fileID, parentID string) (string, error) {
	if err := m.copyErr[fileID]; err != nil {
		return "", err
	}
	m.copies[fileID] = parentID
	return "copy-of-" + fileID, nil
}

func (m *mockRemote) ShareAnyone(ctx context.Context, fileID string) (string, error) {
	if m.shareErr != nil {
		return "", m.shareErr
	}
	m.shared = append(m.shared, fileID)
	return "https://drive.google.com/drive/folders/" + fileID + "?usp=sharing", nil
}

func (m *mockRemote) FindFolder(ctx context.Context, name, parentID string) (string, error) {
	return "", errors.New("not implemented")
}

func (m *mockRemote) UploadFile(ctx context.Context, name, mimeType, parentID string, data []byte) (string, error) {
	return "", errors.New("not implemented")
}

func (m *mockRemote) DeleteFile(ctx context.Context, fileID string) error {
	return errors.New("not implemented")
}

// fixedRoot is a RootResolver pinned to one id.
type fixedRoot struct {
	id  string
	err error
}

func (f *fixedRoot) ResolveRoot(ctx context.Context) (string, error) {
	return f.id, f.err
}

// fixedClock is a TimeSource pinned to one instant.
type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	return c.now
}

var _ = Describe("Workflow", func() {
	var (
		tempDir  string
		db       *store.BoltDB
		remote   *mockRemote
		workflow *Workflow
		now      time.Time
		err      error
	)

	users := []store.User{
		{ID: "papa", Label: "Papà"},
		{ID: "tiziana", Label: "Tiziana"},
	}

	entry := func(id, owner, monthKey string) store.HistoryEntry {
		return store.HistoryEntry{
			ID:           id,
			DisplayName:  "Scontrino_" + id + ".jpg",
			RemoteFileID: "remote-" + id,
			OwnerUserID:  owner,
			CapturedAt:   time.Date(2026, 1, 20, 10, 0, 0, 0, time.UTC),
			MonthKey:     monthKey,
		}
	}

	BeforeEach(func() {
		tempDir, err = os.MkdirTemp("", "scontrini-bundle-*")
		Expect(err).NotTo(HaveOccurred())
		db, err = store.NewBoltDB(filepath.Join(tempDir, "test.db"), 40, 30)
		Expect(err).NotTo(HaveOccurred())

		remote = newMockRemote()
		now = time.Date(2026, 2, 5, 15, 0, 0, 0, time.UTC)
		workflow = NewWorkflowWithClock(db, remote, &fixedRoot{id: "root-id"}, users, &fixedClock{now: now})
	})

	AfterEach(func() {
		db.Close()
		os.RemoveAll(tempDir)
	})

	seedHistory := func() {
		// papa: one unsent, one already sent; tiziana: two unsent spread
		// across months.
		Expect(db.AppendHistory(entry("p1", "papa", "2026-01"))).To(Succeed())
		sent := entry("p2", "papa", "2026-01")
		Expect(db.AppendHistory(sent)).To(Succeed())
		Expect(db.MarkSent([]string{"p2"}, now.Add(-24*time.Hour))).To(Succeed())
		Expect(db.AppendHistory(entry("t1", "tiziana", "2026-01"))).To(Succeed())
		Expect(db.AppendHistory(entry("t2", "tiziana", "2026-02"))).To(Succeed())
	}

	Describe("Initiate", func() {
		When("there is nothing to send", func() {
			It("fails with ErrNothingToSend and stays Idle", func() {
				_, err := workflow.Initiate()
				Expect(err).To(MatchError(ErrNothingToSend))
				Expect(workflow.State()).To(Equal(StateIdle))
			})
		})

		When("entries without a remote file exist", func() {
			BeforeEach(func() {
				local := entry("l1", "papa", "2026-02")
				local.RemoteFileID = ""
				Expect(db.AppendHistory(local)).To(Succeed())
			})

			It("ignores them", func() {
				_, err := workflow.Initiate()
				Expect(err).To(MatchError(ErrNothingToSend))
			})
		})

		When("unsent entries exist", func() {
			BeforeEach(func() {
				seedHistory()
			})

			It("tallies unsent entries per user regardless of month", func() {
				plan, err := workflow.Initiate()
				Expect(err).NotTo(HaveOccurred())
				Expect(plan.Total).To(Equal(3))
				Expect(plan.Tallies).To(HaveLen(2))
				Expect(plan.Tallies[0].User.ID).To(Equal("papa"))
				Expect(plan.Tallies[0].Count).To(Equal(1))
				Expect(plan.Tallies[1].User.ID).To(Equal("tiziana"))
				Expect(plan.Tallies[1].Count).To(Equal(2))
			})

			It("moves to Confirming", func() {
				_, err := workflow.Initiate()
				Expect(err).NotTo(HaveOccurred())
				Expect(workflow.State()).To(Equal(StateConfirming))
			})

			It("rejects a second initiation while confirming", func() {
				_, err := workflow.Initiate()
				Expect(err).NotTo(HaveOccurred())
				_, err = workflow.Initiate()
				Expect(err).To(MatchError(ErrWrongState))
			})
		})
	})

	Describe("Cancel", func() {
		It("returns a confirmed plan to Idle", func() {
			seedHistory()
			_, err := workflow.Initiate()
			Expect(err).NotTo(HaveOccurred())

			workflow.Cancel()
			Expect(workflow.State()).To(Equal(StateIdle))

			// Nothing was sent; a new initiation sees the same entries.
			plan, err := workflow.Initiate()
			Expect(err).NotTo(HaveOccurred())
			Expect(plan.Total).To(Equal(3))
		})
	})

	Describe("Execute", func() {
		It("rejects execution without a confirmed plan", func() {
			_, err := workflow.Execute(context.Background())
			Expect(err).To(MatchError(ErrWrongState))
		})

		When("a plan is confirmed", func() {
			var outcome *Outcome

			BeforeEach(func() {
				seedHistory()
				_, err = workflow.Initiate()
				Expect(err).NotTo(HaveOccurred())
			})

			JustBeforeEach(func() {
				outcome, err = workflow.Execute(context.Background())
			})

			It("creates one dated bundle folder per user under the root", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(remote.folders).To(Equal([]string{
					"Scontrini Papà – 5 febbraio 2026",
					"Scontrini Tiziana – 5 febbraio 2026",
				}))
			})

			It("copies every selected file into its user's folder", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(remote.copies).To(HaveLen(3))
				Expect(remote.copies["remote-p1"]).To(Equal("folder-1"))
				Expect(remote.copies["remote-t1"]).To(Equal("folder-2"))
				Expect(remote.copies["remote-t2"]).To(Equal("folder-2"))
			})

			It("shares each folder and reports the link", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(remote.shared).To(ConsistOf("folder-1", "folder-2"))
				Expect(outcome.Bundles[0].Link).To(ContainSubstring("folder-1"))
			})

			It("composes a no-recipient draft naming the month and users", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(outcome.Draft.Recipient).To(BeEmpty())
				Expect(outcome.Draft.Subject).To(Equal("Scontrini febbraio 2026 – Papà e Tiziana"))
				Expect(outcome.Draft.Body).To(ContainSubstring("- Papà: 1 scontrino: "))
				Expect(outcome.Draft.Body).To(ContainSubstring("- Tiziana: 2 scontrini: "))
				Expect(outcome.Draft.Body).NotTo(ContainSubstring("mailto:"))
				Expect(outcome.Draft.MailtoURL).To(HavePrefix("mailto:?subject="))
				Expect(outcome.Draft.MailtoURL).NotTo(ContainSubstring("+"))
			})

			It("marks all selected entries sent with one shared timestamp", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(outcome.SentCount).To(Equal(3))
				Expect(outcome.SentAt.Equal(now)).To(BeTrue())

				entries, err := db.ListHistory()
				Expect(err).NotTo(HaveOccurred())
				for _, e := range entries {
					Expect(e.Sent).To(BeTrue())
					if e.ID == "p2" {
						// Sent in a previous run; its timestamp is untouched.
						Expect(e.SentAt.Equal(now)).To(BeFalse())
						continue
					}
					Expect(e.SentAt.Equal(now)).To(BeTrue())
				}
			})

			It("returns to Idle with nothing left to send", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(workflow.State()).To(Equal(StateIdle))
				_, err = workflow.Initiate()
				Expect(err).To(MatchError(ErrNothingToSend))
			})

			When("a copy fails", func() {
				BeforeEach(func() {
					remote.copyErr["remote-t1"] = errors.New("copy failed")
				})

				It("still marks the entry sent and reports the shortfall", func() {
					Expect(err).NotTo(HaveOccurred())
					Expect(outcome.SentCount).To(Equal(3))
					Expect(outcome.Bundles[1].Count).To(Equal(2))
					Expect(outcome.Bundles[1].Copied).To(Equal(1))
				})
			})

			When("sharing fails", func() {
				BeforeEach(func() {
					remote.shareErr = errors.New("permission denied")
				})

				It("falls back to the plain folder link", func() {
					Expect(err).NotTo(HaveOccurred())
					Expect(outcome.Bundles[0].Link).To(Equal("https://drive.google.com/drive/folders/folder-1"))
				})
			})

			When("no bundle folder can be created", func() {
				BeforeEach(func() {
					remote.createErr = errors.New("quota exceeded")
				})

				It("fails, leaving every entry unsent for the next run", func() {
					Expect(err).To(HaveOccurred())
					Expect(workflow.State()).To(Equal(StateIdle))

					plan, err := workflow.Initiate()
					Expect(err).NotTo(HaveOccurred())
					Expect(plan.Total).To(Equal(3))
				})
			})
		})
	})
})
