package folders

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oscarsailing/scontrini/internal/drive"
	"github.com/oscarsailing/scontrini/internal/store"
)

// Italian month names, January first.
var monthNames = [12]string{
	"gennaio", "febbraio", "marzo", "aprile", "maggio", "giugno",
	"luglio", "agosto", "settembre", "ottobre", "novembre", "dicembre",
}

// MonthKey returns the YYYY-MM key for a point in time.
func MonthKey(t time.Time) string {
	return t.Format("2006-01")
}

// MonthName returns the lowercase Italian month name.
func MonthName(t time.Time) string {
	return monthNames[t.Month()-1]
}

// MonthFolderName builds the per-user monthly folder name,
// e.g. "Febbraio 2026 – Papà". The separator is an en-dash.
func MonthFolderName(label string, t time.Time) string {
	name := MonthName(t)
	return fmt.Sprintf("%s%s %d – %s", strings.ToUpper(name[:1]), name[1:], t.Year(), label)
}

// BundleFolderName builds the dated bundle folder name used by the
// send-to-accountant workflow, e.g. "Scontrini Papà – 5 febbraio 2026".
func BundleFolderName(label string, t time.Time) string {
	return fmt.Sprintf("Scontrini %s – %d %s %d", label, t.Day(), MonthName(t), t.Year())
}

// cacheKey is the persisted folder-cache key for a (user, month) pair.
func cacheKey(userID, monthKey string) string {
	return userID + "|" + monthKey
}

const rootCacheKey = "root"

// Resolver resolves and creates remote folders idempotently. Resolutions
// are memoized in the local folder cache and never invalidated; if the
// remote folder is renamed or trashed externally an operator clears the
// cache by hand.
type Resolver struct {
	remote   drive.Store
	db       store.DB
	rootName string
	now      func() time.Time

	mu sync.Mutex
}

// NewResolver creates a Resolver for the given root folder name.
func NewResolver(remote drive.Store, db store.DB, rootName string) *Resolver {
	return &Resolver{
		remote:   remote,
		db:       db,
		rootName: rootName,
		now:      time.Now,
	}
}

// NewResolverWithClock creates a Resolver with a custom clock for testing.
func NewResolverWithClock(remote drive.Store, db store.DB, rootName string, now func() time.Time) *Resolver {
	r := NewResolver(remote, db, rootName)
	r.now = now
	return r
}

// findOrCreate searches for an exact-name, non-trashed folder and creates
// it only when the search comes back empty. Searching before creating is
// what keeps duplicate concurrent resolutions from producing duplicate
// folders.
func (r *Resolver) findOrCreate(ctx context.Context, name, parentID string) (string, error) {
	id, err := r.remote.FindFolder(ctx, name, parentID)
	if err != nil {
		return "", fmt.Errorf("resolving folder %q: %w", name, err)
	}
	if id != "" {
		return id, nil
	}

	id, err = r.remote.CreateFolder(ctx, name, parentID)
	if err != nil {
		return "", fmt.Errorf("creating folder %q: %w", name, err)
	}
	slog.Info("Created remote folder", "name", name, "id", id)
	return id, nil
}

// ResolveRoot returns the app's single root folder id, creating the folder
// on first use.
func (r *Resolver) ResolveRoot(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveRootLocked(ctx)
}

func (r *Resolver) resolveRootLocked(ctx context.Context) (string, error) {
	cached, err := r.db.FolderID(rootCacheKey)
	if err != nil {
		return "", fmt.Errorf("reading root folder cache: %w", err)
	}
	if cached != "" {
		return cached, nil
	}

	id, err := r.findOrCreate(ctx, r.rootName, "")
	if err != nil {
		return "", err
	}
	if err := r.db.PutFolderID(rootCacheKey, id); err != nil {
		return "", fmt.Errorf("caching root folder id: %w", err)
	}
	return id, nil
}

// ResolveMonthly returns the folder id for the user's current calendar
// month, creating root and monthly folders as needed. The month is taken
// from the wall clock at call time, not from any photo timestamp.
func (r *Resolver) ResolveMonthly(ctx context.Context, user store.User) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	key := cacheKey(user.ID, MonthKey(now))

	cached, err := r.db.FolderID(key)
	if err != nil {
		return "", fmt.Errorf("reading folder cache: %w", err)
	}
	if cached != "" {
		return cached, nil
	}

	rootID, err := r.resolveRootLocked(ctx)
	if err != nil {
		return "", err
	}

	id, err := r.findOrCreate(ctx, MonthFolderName(user.Label, now), rootID)
	if err != nil {
		return "", err
	}
	if err := r.db.PutFolderID(key, id); err != nil {
		return "", fmt.Errorf("caching folder id: %w", err)
	}
	return id, nil
}
