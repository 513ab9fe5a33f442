package upload

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/oscarsailing/scontrini/internal/drive"
	"github.com/oscarsailing/scontrini/internal/folders"
	"github.com/oscarsailing/scontrini/internal/imaging"
	"github.com/oscarsailing/scontrini/internal/netx"
	"github.com/oscarsailing/scontrini/internal/quality"
	"github.com/oscarsailing/scontrini/internal/store"
)

// SuccessResetDelay is how long the success screen stays up before the UI
// returns to idle. Surfaced to the client in upload results.
const SuccessResetDelay = 3 * time.Second

// ErrDecodeFailed means the captured bytes could not be read as an image.
var ErrDecodeFailed = errors.New("captured image unreadable")

// ErrUnknownUser means the capture referenced a user outside the registry.
var ErrUnknownUser = errors.New("unknown user")

// IDGenerator generates unique IDs for history entries and queue items.
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time.
type TimeSource interface {
	Now() time.Time
}

type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Sessions is the slice of the session manager the orchestrator needs.
type Sessions interface {
	EnsureValid() error
	Invalidate()
}

// FolderResolver resolves the monthly destination folder for a user.
type FolderResolver interface {
	ResolveMonthly(ctx context.Context, user store.User) (string, error)
}

// Status classifies the outcome of a capture.
type Status int

const (
	// StatusUploaded means the photo reached the remote store.
	StatusUploaded Status = iota
	// StatusQueued means the photo was stored in the offline queue.
	StatusQueued
	// StatusRejected means the quality gate refused the photo; the
	// caller may re-submit with Override set.
	StatusRejected
)

// Request is one captured photo entering the pipeline.
type Request struct {
	Data     []byte
	MimeType string
	UserID   string
	// Override bypasses the quality gate for this one image only.
	Override bool
}

// Result reports what happened to a capture.
type Result struct {
	Status     Status
	Entry      *store.HistoryEntry
	Report     quality.Report
	Warning    Notice
	QueueLen   int
	ResetAfter time.Duration
}

// Orchestrator sequences quality gate → session → folder resolution →
// upload → thumbnail → history, and owns the offline queue drain loop.
type Orchestrator struct {
	sessions Sessions
	resolver FolderResolver
	remote   drive.Store
	db       store.DB
	gate     quality.Gate
	online   netx.Connectivity
	users    map[string]store.User

	idGenerator IDGenerator
	timeSource  TimeSource

	draining atomic.Bool
}

// NewOrchestrator creates an Orchestrator with default ID generator and
// time source.
func NewOrchestrator(sessions Sessions, resolver FolderResolver, remote drive.Store, db store.DB, gate quality.Gate, online netx.Connectivity, users []store.User) *Orchestrator {
	return NewOrchestratorWithDeps(sessions, resolver, remote, db, gate, online, users, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewOrchestratorWithDeps creates an Orchestrator with custom dependencies
// for testing.
func NewOrchestratorWithDeps(sessions Sessions, resolver FolderResolver, remote drive.Store, db store.DB, gate quality.Gate, online netx.Connectivity, users []store.User, idGen IDGenerator, timeSrc TimeSource) *Orchestrator {
	byID := make(map[string]store.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	return &Orchestrator{
		sessions:    sessions,
		resolver:    resolver,
		remote:      remote,
		db:          db,
		gate:        gate,
		online:      online,
		users:       byID,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// FileName builds the fixed remote file name for a capture instant:
// Scontrino_{ISO8601 with ":" and "." replaced by "-"}.jpg.
func FileName(t time.Time) string {
	stamp := t.UTC().Format("2006-01-02T15:04:05.000Z")
	stamp = strings.NewReplacer(":", "-", ".", "-").Replace(stamp)
	return "Scontrino_" + stamp + ".jpg"
}

// Capture runs a photo through the full pipeline: decode, quality gate
// (unless overridden), then routing to a direct upload or the offline
// queue.
func (o *Orchestrator) Capture(ctx context.Context, req Request) (*Result, error) {
	user, ok := o.users[req.UserID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownUser, req.UserID)
	}

	img, err := imaging.Decode(req.Data, req.MimeType)
	if err != nil {
		slog.Error("Failed to decode capture", "mime_type", req.MimeType, "size", len(req.Data), "error", err)
		return nil, fmt.Errorf("%w: %s", ErrDecodeFailed, err)
	}

	if !req.Override {
		report := o.gate.Check(img)
		if report.Verdict != quality.Accepted {
			slog.Info("Quality gate rejected photo", "verdict", report.Verdict.String(), "luma", report.Luma, "sharpness", report.Sharpness)
			return &Result{
				Status:  StatusRejected,
				Report:  report,
				Warning: qualityNotice(report.Verdict),
			}, nil
		}
	}

	return o.route(ctx, img, req, user)
}

// route enqueues the photo when offline, otherwise uploads it directly.
func (o *Orchestrator) route(ctx context.Context, img image.Image, req Request, user store.User) (*Result, error) {
	if !o.online.Online() {
		item := store.QueueItem{
			ID:          o.idGenerator.Generate(),
			ImageData:   req.Data,
			MimeType:    req.MimeType,
			EnqueuedAt:  o.timeSource.Now(),
			OwnerUserID: user.ID,
		}
		if err := o.db.Enqueue(item); err != nil {
			return nil, fmt.Errorf("enqueueing offline capture: %w", err)
		}
		n, err := o.db.QueueLen()
		if err != nil {
			n = 0
		}
		slog.Info("Offline, capture queued", "queue_len", n, "user", user.ID)
		return &Result{Status: StatusQueued, QueueLen: n, Warning: offlineNotice(n)}, nil
	}

	entry, err := o.uploadOne(ctx, img, req.Data, req.MimeType, user)
	if err != nil {
		return nil, err
	}
	return &Result{Status: StatusUploaded, Entry: entry, ResetAfter: SuccessResetDelay}, nil
}

// uploadOne performs the full online sequence for one photo. img may be
// nil (queued items that no longer decode); the thumbnail is then skipped.
func (o *Orchestrator) uploadOne(ctx context.Context, img image.Image, data []byte, mimeType string, user store.User) (*store.HistoryEntry, error) {
	if err := o.sessions.EnsureValid(); err != nil {
		return nil, err
	}

	folderID, err := o.resolver.ResolveMonthly(ctx, user)
	if err != nil {
		return nil, err
	}

	now := o.timeSource.Now()
	name := FileName(now)
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	fileID, err := o.remote.UploadFile(ctx, name, mimeType, folderID, data)
	if err != nil {
		if errors.Is(err, drive.ErrUnauthorized) {
			o.sessions.Invalidate()
		}
		return nil, err
	}

	// Thumbnail generation is best-effort; history works without one.
	thumb := ""
	if img != nil {
		thumb, err = imaging.Thumbnail(img)
		if err != nil {
			slog.Warn("Failed to generate thumbnail", "file", name, "error", err)
			thumb = ""
		}
	}

	entry := store.HistoryEntry{
		ID:           o.idGenerator.Generate(),
		Thumbnail:    thumb,
		DisplayName:  name,
		CapturedAt:   now,
		RemoteFileID: fileID,
		RemoteFolder: folderID,
		OwnerUserID:  user.ID,
		OwnerLabel:   user.Label,
		MonthKey:     folders.MonthKey(now),
	}
	if err := o.db.AppendHistory(entry); err != nil {
		return nil, fmt.Errorf("appending history: %w", err)
	}

	slog.Info("Uploaded receipt", "file", name, "file_id", fileID, "user", user.ID)
	return &entry, nil
}

// Drain uploads queued items strictly in enqueue order, removing each one
// only after its upload succeeds. The first failure halts the loop and
// leaves the rest of the queue intact for the next trigger. A second
// trigger while a drain is running is a no-op.
func (o *Orchestrator) Drain(ctx context.Context) error {
	if !o.draining.CompareAndSwap(false, true) {
		return nil
	}
	defer o.draining.Store(false)

	for {
		item, err := o.db.PeekQueue()
		if err != nil {
			return fmt.Errorf("reading queue head: %w", err)
		}
		if item == nil {
			return nil
		}

		user, ok := o.users[item.OwnerUserID]
		if !ok {
			return fmt.Errorf("%w: queued item %s owned by %q", ErrUnknownUser, item.ID, item.OwnerUserID)
		}

		// Queued bytes were validated at capture time; a decode failure
		// here only costs the thumbnail.
		img, err := imaging.Decode(item.ImageData, item.MimeType)
		if err != nil {
			slog.Warn("Queued item no longer decodes, uploading without thumbnail", "item", item.ID, "error", err)
			img = nil
		}

		if _, err := o.uploadOne(ctx, img, item.ImageData, item.MimeType, user); err != nil {
			slog.Warn("Queue drain halted", "item", item.ID, "error", err)
			return err
		}

		if err := o.db.RemoveQueueItem(item.ID); err != nil {
			return fmt.Errorf("removing drained item: %w", err)
		}
		slog.Info("Drained queued receipt", "item", item.ID)
	}
}

// DeleteRemote removes a file from the remote store. Callers treat
// failures as best-effort; local history is cleaned up regardless.
func (o *Orchestrator) DeleteRemote(ctx context.Context, fileID string) error {
	if err := o.sessions.EnsureValid(); err != nil {
		return err
	}
	return o.remote.DeleteFile(ctx, fileID)
}

// Draining reports whether a drain loop currently owns the queue.
func (o *Orchestrator) Draining() bool {
	return o.draining.Load()
}
