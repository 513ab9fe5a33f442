package bundle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oscarsailing/scontrini/internal/drive"
	"github.com/oscarsailing/scontrini/internal/folders"
	"github.com/oscarsailing/scontrini/internal/store"
)

// State is the workflow's position in Idle → Confirming → Executing.
type State int

const (
	StateIdle State = iota
	StateConfirming
	StateExecuting
)

// ErrNothingToSend means no user has unsent entries with a remote file.
var ErrNothingToSend = errors.New("nothing to send")

// ErrWrongState means the requested transition is not legal from the
// current state.
var ErrWrongState = errors.New("workflow is not in the right state")

// RootResolver resolves the app's root folder in the remote store.
type RootResolver interface {
	ResolveRoot(ctx context.Context) (string, error)
}

// TimeSource provides the current time.
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// UserTally is the per-user count shown on the confirmation screen.
type UserTally struct {
	User  store.User `json:"user"`
	Count int        `json:"count"`
}

// Plan is the snapshot presented for confirmation.
type Plan struct {
	Tallies []UserTally `json:"tallies"`
	Total   int         `json:"total"`
}

// Bundle is one user's dated remote folder of copied receipts.
type Bundle struct {
	ID         string     `json:"id"`
	User       store.User `json:"user"`
	FolderID   string     `json:"folder_id"`
	FolderName string     `json:"folder_name"`
	Link       string     `json:"link"`
	Count      int        `json:"count"`
	Copied     int        `json:"copied"`
}

// EmailDraft is the no-recipient draft handed to the mail client. The
// recipient stays empty; the user picks the accountant in their mailer.
type EmailDraft struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	MailtoURL string `json:"mailto_url"`
}

// Outcome reports one completed execute run.
type Outcome struct {
	Bundles   []Bundle   `json:"bundles"`
	Draft     EmailDraft `json:"draft"`
	SentCount int        `json:"sent_count"`
	SentAt    time.Time  `json:"sent_at"`
}

// Workflow drives the send-to-accountant operation: snapshot unsent
// entries per user, create dated bundle folders, copy files, grant share
// links, compose an email draft, and mark everything sent atomically.
type Workflow struct {
	db       store.DB
	remote   drive.Store
	resolver RootResolver
	users    []store.User

	timeSource TimeSource

	mu      sync.Mutex
	state   State
	pending map[string][]store.HistoryEntry
}

// NewWorkflow creates a Workflow over the given user registry.
func NewWorkflow(db store.DB, remote drive.Store, resolver RootResolver, users []store.User) *Workflow {
	return NewWorkflowWithClock(db, remote, resolver, users, &defaultTimeSource{})
}

// NewWorkflowWithClock creates a Workflow with a custom time source for
// testing.
func NewWorkflowWithClock(db store.DB, remote drive.Store, resolver RootResolver, users []store.User, ts TimeSource) *Workflow {
	return &Workflow{
		db:         db,
		remote:     remote,
		resolver:   resolver,
		users:      users,
		timeSource: ts,
		state:      StateIdle,
	}
}

// State returns the workflow's current state.
func (w *Workflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Initiate snapshots every unsent entry that has a remote file, grouped by
// owner, regardless of month. With nothing to send the workflow stays
// Idle; otherwise it moves to Confirming and returns the per-user tallies.
func (w *Workflow) Initiate() (*Plan, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateIdle {
		return nil, fmt.Errorf("%w: initiate from %d", ErrWrongState, w.state)
	}

	entries, err := w.db.ListHistory()
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}

	pending := make(map[string][]store.HistoryEntry)
	for _, e := range entries {
		if e.Sent || e.RemoteFileID == "" {
			continue
		}
		pending[e.OwnerUserID] = append(pending[e.OwnerUserID], e)
	}
	if len(pending) == 0 {
		return nil, ErrNothingToSend
	}

	plan := &Plan{}
	for _, u := range w.users {
		set := pending[u.ID]
		if len(set) == 0 {
			continue
		}
		plan.Tallies = append(plan.Tallies, UserTally{User: u, Count: len(set)})
		plan.Total += len(set)
	}

	w.pending = pending
	w.state = StateConfirming
	return plan, nil
}

// Cancel abandons a confirmed plan and returns to Idle.
func (w *Workflow) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateConfirming {
		w.pending = nil
		w.state = StateIdle
	}
}

// Execute creates one dated bundle folder per user, copies that user's
// files into it, shares the folder read-only, composes the email draft,
// and finally marks every bundled entry sent with one shared timestamp.
// Per-file copy and permission failures are logged and skipped; the
// bundle folders are the source of truth the accountant opens, so marking
// happens unconditionally once the draft exists.
func (w *Workflow) Execute(ctx context.Context) (*Outcome, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateConfirming {
		return nil, fmt.Errorf("%w: execute from %d", ErrWrongState, w.state)
	}
	w.state = StateExecuting

	now := w.timeSource.Now()
	var bundles []Bundle
	var sentIDs []string

	for _, u := range w.users {
		set := w.pending[u.ID]
		if len(set) == 0 {
			continue
		}

		b, err := w.buildBundle(ctx, u, set, now)
		if err != nil {
			// The bundle folder never came to exist, so this user's
			// entries stay unsent for the next run.
			slog.Error("Skipping user bundle", "user", u.ID, "error", err)
			continue
		}
		bundles = append(bundles, *b)
		for _, e := range set {
			sentIDs = append(sentIDs, e.ID)
		}
	}

	if len(bundles) == 0 {
		w.pending = nil
		w.state = StateIdle
		return nil, fmt.Errorf("no bundle could be created")
	}

	draft := composeDraft(bundles, w.users, now)

	if err := w.db.MarkSent(sentIDs, now); err != nil {
		w.pending = nil
		w.state = StateIdle
		return nil, fmt.Errorf("marking entries sent: %w", err)
	}

	w.pending = nil
	w.state = StateIdle
	slog.Info("Bundles sent to accountant", "bundles", len(bundles), "entries", len(sentIDs))
	return &Outcome{
		Bundles:   bundles,
		Draft:     draft,
		SentCount: len(sentIDs),
		SentAt:    now,
	}, nil
}

// buildBundle creates the dated folder, copies the user's files into it
// and grants the share link. Copy and permission failures are per-file /
// best-effort; only a missing folder fails the bundle.
func (w *Workflow) buildBundle(ctx context.Context, u store.User, set []store.HistoryEntry, now time.Time) (*Bundle, error) {
	rootID, err := w.resolver.ResolveRoot(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}

	name := folders.BundleFolderName(u.Label, now)
	folderID, err := w.remote.CreateFolder(ctx, name, rootID)
	if err != nil {
		return nil, fmt.Errorf("creating bundle folder: %w", err)
	}

	copied := 0
	for _, e := range set {
		if _, err := w.remote.CopyFile(ctx, e.RemoteFileID, folderID); err != nil {
			slog.Warn("Failed to copy file into bundle", "file_id", e.RemoteFileID, "bundle", name, "error", err)
			continue
		}
		copied++
	}

	// Owner access survives a failed grant, so the link is still usable.
	link, err := w.remote.ShareAnyone(ctx, folderID)
	if err != nil {
		slog.Warn("Failed to share bundle folder", "bundle", name, "error", err)
		link = drive.FolderLink(folderID)
	}

	return &Bundle{
		ID:         uuid.NewString(),
		User:       u,
		FolderID:   folderID,
		FolderName: name,
		Link:       link,
		Count:      len(set),
		Copied:     copied,
	}, nil
}
