package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/oscarsailing/scontrini/internal/bundle"
	"github.com/oscarsailing/scontrini/internal/session"
	"github.com/oscarsailing/scontrini/internal/upload"
)

// Config override keys, persisted in the local store.
const (
	ConfigClientID   = "google_client_id"
	ConfigAccountant = "accountant_email"
)

// maxUploadSize caps capture uploads at 50MB to handle high-resolution
// phone photos.
const maxUploadSize = int64(50 << 20)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeNotice(w http.ResponseWriter, code int, n upload.Notice) {
	writeJSON(w, code, map[string]any{"notice": n})
}

// handleCapture runs one photo through the pipeline: decode, quality gate
// (unless override=1), then direct upload or offline queue.
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Error parsing form"})
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "No file provided"})
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Error reading file"})
		return
	}

	req := upload.Request{
		Data:     data,
		MimeType: header.Header.Get("Content-Type"),
		UserID:   r.FormValue("user"),
		Override: r.FormValue("override") == "1",
	}

	result, err := s.orchestrator.Capture(r.Context(), req)
	if err != nil {
		s.writeCaptureError(w, err)
		return
	}

	switch result.Status {
	case upload.StatusRejected:
		writeJSON(w, http.StatusUnprocessableEntity, result)
	case upload.StatusQueued:
		writeJSON(w, http.StatusAccepted, result)
	default:
		writeJSON(w, http.StatusCreated, result)
	}
}

// writeCaptureError maps pipeline errors onto HTTP responses. Auth errors
// carry the redirect URL the page must follow; from that point the failed
// operation never resumes.
func (s *Server) writeCaptureError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrAuthMissing):
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error":    "login required",
			"auth_url": s.sessions.AuthURL("select_account"),
		})
	case errors.Is(err, session.ErrReauthRequired):
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error":    "silent reauthentication required",
			"auth_url": s.sessions.AuthURL("none"),
		})
	case errors.Is(err, upload.ErrDecodeFailed):
		writeJSON(w, http.StatusBadRequest, map[string]any{"notice": upload.DecodeFailedNotice})
	case errors.Is(err, upload.ErrUnknownUser):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		slog.Error("Upload failed", "error", err)
		writeNotice(w, http.StatusBadGateway, upload.UploadFailedNotice)
	}
}

// handleListHistory returns all history entries, newest first.
func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.db.ListHistory()
	if err != nil {
		slog.Error("Error listing history", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleDeleteHistory attempts the remote delete best-effort, then removes
// the local entry unconditionally so history never wedges on a failed
// remote call.
func (s *Server) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid history index"})
		return
	}

	entries, err := s.db.ListHistory()
	if err != nil || index < 0 || index >= len(entries) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "history entry not found"})
		return
	}

	entry := entries[index]
	if entry.RemoteFileID != "" && s.sessions.Valid() {
		if err := s.orchestrator.DeleteRemote(r.Context(), entry.RemoteFileID); err != nil {
			slog.Warn("Failed to delete remote file", "file_id", entry.RemoteFileID, "error", err)
		}
	}

	if _, err := s.db.RemoveHistory(index); err != nil {
		slog.Error("Error removing history entry", "index", index, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAcceptToken installs the token the landing page extracted from the
// OAuth redirect fragment, then drains any queued photos.
func (s *Server) handleAcceptToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AccessToken == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "access_token required"})
		return
	}
	if req.ExpiresIn <= 0 {
		req.ExpiresIn = 3600
	}

	s.sessions.Accept(req.AccessToken, time.Duration(req.ExpiresIn)*time.Second)
	s.triggerDrain()
	w.WriteHeader(http.StatusNoContent)
}

// handleAuthURL returns the authorization redirect URL. prompt=none asks
// for a silent refresh.
func (s *Server) handleAuthURL(w http.ResponseWriter, r *http.Request) {
	prompt := r.URL.Query().Get("prompt")
	if prompt == "" {
		prompt = "select_account"
	}
	writeJSON(w, http.StatusOK, map[string]string{"auth_url": s.sessions.AuthURL(prompt)})
}

// handleOnline reacts to a network-online transition by draining the
// offline queue in order.
func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	s.triggerDrain()
	w.WriteHeader(http.StatusAccepted)
}

// triggerDrain starts a queue drain when a session is live. A concurrent
// drain makes this a no-op inside the orchestrator.
func (s *Server) triggerDrain() {
	if !s.sessions.Valid() {
		return
	}
	go func() {
		if err := s.orchestrator.Drain(context.Background()); err != nil {
			slog.Warn("Queue drain stopped", "error", err)
		}
	}()
}

// handleStatus reports queue length and session validity.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	queueLen, err := s.db.QueueLen()
	if err != nil {
		slog.Error("Error reading queue length", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"queue_len":     queueLen,
		"session_valid": s.sessions.Valid(),
		"draining":      s.orchestrator.Draining(),
	})
}

// handleBundleInitiate tallies unsent entries per user and moves the
// workflow to Confirming.
func (s *Server) handleBundleInitiate(w http.ResponseWriter, r *http.Request) {
	plan, err := s.workflow.Initiate()
	if err != nil {
		if errors.Is(err, bundle.ErrNothingToSend) {
			writeNotice(w, http.StatusOK, upload.Notice{
				Title:   "Niente da inviare",
				Message: "Non ci sono scontrini da inviare. Sono già stati spediti tutti!",
			})
			return
		}
		slog.Error("Error initiating bundle", "error", err)
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// handleBundleExecute runs the confirmed plan.
func (s *Server) handleBundleExecute(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.workflow.Execute(r.Context())
	if err != nil {
		if errors.Is(err, bundle.ErrWrongState) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		slog.Error("Error executing bundle", "error", err)
		writeNotice(w, http.StatusBadGateway, upload.Notice{
			Title:   "Errore invio",
			Message: "Non riesco a preparare le cartelle su Drive. Riprova più tardi.",
		})
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// handleBundleCancel abandons a confirmed plan.
func (s *Server) handleBundleCancel(w http.ResponseWriter, r *http.Request) {
	s.workflow.Cancel()
	w.WriteHeader(http.StatusNoContent)
}

// handleConfig persists developer overrides delivered via URL query
// params (client id, accountant email) before the page strips them.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID   string `json:"client_id"`
		Accountant string `json:"accountant"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if req.ClientID != "" {
		if err := s.db.PutConfigValue(ConfigClientID, req.ClientID); err != nil {
			slog.Error("Error persisting client id", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
			return
		}
	}
	if req.Accountant != "" {
		if err := s.db.PutConfigValue(ConfigAccountant, req.Accountant); err != nil {
			slog.Error("Error persisting accountant email", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
