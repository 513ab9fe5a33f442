package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// DriveScope limits the credential to files the app itself creates.
const DriveScope = "https://www.googleapis.com/auth/drive.file"

// ExpiryMargin is subtracted from the provider-declared lifetime so the
// manager refreshes before the true deadline.
const ExpiryMargin = 5 * time.Minute

// ErrAuthMissing means no credential exists at all; the caller must send
// the user through interactive login.
var ErrAuthMissing = errors.New("no session: interactive login required")

// ErrReauthRequired means the credential expired and a silent refresh has
// been handed to the browser. Control does not come back to the failed
// operation; callers treat this like a process restart boundary.
var ErrReauthRequired = errors.New("session expired: silent reauthentication in progress")

// Manager holds the single process-wide bearer credential and produces a
// valid one on demand. It satisfies oauth2.TokenSource so the Drive client
// attaches the bearer header on every call.
type Manager struct {
	cfg oauth2.Config

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewManager creates a Manager for the given OAuth client.
func NewManager(clientID, redirectURI string) *Manager {
	return &Manager{
		cfg: oauth2.Config{
			ClientID:    clientID,
			RedirectURL: redirectURI,
			Scopes:      []string{DriveScope},
			Endpoint:    google.Endpoint,
		},
	}
}

// Accept installs a token delivered via the landing URL fragment after a
// login or silent refresh. The declared lifetime is shortened by the
// safety margin.
func (m *Manager) Accept(token string, expiresIn time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	m.expiry = time.Now().Add(expiresIn - ExpiryMargin)
	slog.Info("Session established", "expires_in", expiresIn)
}

// AuthURL builds the authorization redirect URL. prompt is
// "select_account" for interactive login or "none" for a silent refresh
// that succeeds transparently when the provider session is still active.
func (m *Manager) AuthURL(prompt string) string {
	return m.cfg.AuthCodeURL("",
		oauth2.SetAuthURLParam("response_type", "token"),
		oauth2.SetAuthURLParam("prompt", prompt),
	)
}

// EnsureValid fails with ErrAuthMissing when no session exists and with
// ErrReauthRequired when the margin-adjusted expiry has passed. In the
// latter case the session is invalidated, not destroyed: the token stays
// until a fresh one replaces it.
func (m *Manager) EnsureValid() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token == "" {
		return ErrAuthMissing
	}
	if time.Now().After(m.expiry) {
		slog.Info("Token expired, silent refresh required")
		return ErrReauthRequired
	}
	return nil
}

// Valid reports whether a usable credential is present.
func (m *Manager) Valid() bool {
	return m.EnsureValid() == nil
}

// Invalidate marks the session expired, forcing the next EnsureValid into
// the refresh path. Used when the remote store answers 401.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiry = time.Time{}
}

// Token implements oauth2.TokenSource.
func (m *Manager) Token() (*oauth2.Token, error) {
	if err := m.EnsureValid(); err != nil {
		return nil, fmt.Errorf("token source: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return &oauth2.Token{
		AccessToken: m.token,
		TokenType:   "Bearer",
		Expiry:      m.expiry,
	}, nil
}
