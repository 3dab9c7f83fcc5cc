package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/wjurkowlaniec/gdrive/internal/logging"
	"github.com/wjurkowlaniec/gdrive/internal/metrics"
	"github.com/wjurkowlaniec/gdrive/internal/model"
	"github.com/wjurkowlaniec/gdrive/internal/provider"
)

// DefaultCacheTTL bounds how long a cached listing is served.
const DefaultCacheTTL = 5 * time.Minute

// ListingCache persists one-level directory listings per remote so that
// repeated completion requests do not hit the remote every time.
// Entries older than the TTL are treated as missing.
type ListingCache struct {
	db  *sql.DB
	ttl time.Duration
	mu  sync.RWMutex
	now func() time.Time
}

// NewListingCache creates a listing cache on db. A ttl <= 0 uses DefaultCacheTTL.
func NewListingCache(db *sql.DB, ttl time.Duration) *ListingCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &ListingCache{db: db, ttl: ttl, now: time.Now}
}

// TTL returns the configured time to live.
func (lc *ListingCache) TTL() time.Duration {
	return lc.ttl
}

// Get returns the cached listing of dir on remote. ok is false if
// nothing fresh is cached.
func (lc *ListingCache) Get(ctx context.Context, remote, dir string) ([]*model.Entry, bool, error) {
	lc.mu.RLock()
	defer lc.mu.RUnlock()

	query := `SELECT payload, fetched_at FROM listing_cache WHERE remote = ? AND path = ?`
	var payload, fetchedAt string
	err := lc.db.QueryRowContext(ctx, query, remote, model.CleanPath(dir)).Scan(&payload, &fetchedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read listing cache: %w", err)
	}

	fetched, err := time.Parse(time.RFC3339Nano, fetchedAt)
	if err != nil || lc.now().Sub(fetched) > lc.ttl {
		return nil, false, nil
	}

	var entries []*model.Entry
	if err := json.Unmarshal([]byte(payload), &entries); err != nil {
		// A payload we cannot read is as good as a miss.
		logging.Debug("discarding unreadable cached listing",
			logging.String("remote", remote),
			logging.String("path", dir),
			logging.Err(err))
		return nil, false, nil
	}
	return entries, true, nil
}

// Put stores the listing of dir on remote, replacing any previous one.
func (lc *ListingCache) Put(ctx context.Context, remote, dir string, entries []*model.Entry) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	payload, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode listing: %w", err)
	}

	query := `
		INSERT INTO listing_cache (remote, path, payload, fetched_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(remote, path) DO UPDATE SET
			payload = excluded.payload,
			fetched_at = excluded.fetched_at
	`
	_, err = lc.db.ExecContext(ctx, query, remote, model.CleanPath(dir), string(payload),
		lc.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to write listing cache: %w", err)
	}
	return nil
}

// Invalidate drops the cached listings of dir and its parent on remote.
// Called after anything under dir was created or removed.
func (lc *ListingCache) Invalidate(ctx context.Context, remote, dir string) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	dir = model.CleanPath(dir)
	query := `DELETE FROM listing_cache WHERE remote = ? AND path IN (?, ?)`
	if _, err := lc.db.ExecContext(ctx, query, remote, dir, model.ParentPath(dir)); err != nil {
		return fmt.Errorf("failed to invalidate listing cache: %w", err)
	}
	return nil
}

// Clear drops every cached listing of remote, or of all remotes when
// remote is empty. It returns the number of listings removed.
func (lc *ListingCache) Clear(ctx context.Context, remote string) (int64, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	var res sql.Result
	var err error
	if remote == "" {
		res, err = lc.db.ExecContext(ctx, `DELETE FROM listing_cache`)
	} else {
		res, err = lc.db.ExecContext(ctx, `DELETE FROM listing_cache WHERE remote = ?`, remote)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to clear listing cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CachedLister serves List from a ListingCache and falls back to the
// remote on a miss. Stat always goes to the remote.
type CachedLister struct {
	inner  provider.Lister
	cache  *ListingCache
	remote string
}

// NewCachedLister wraps inner, caching its listings under remote.
func NewCachedLister(inner provider.Lister, cache *ListingCache, remote string) *CachedLister {
	return &CachedLister{inner: inner, cache: cache, remote: remote}
}

// Stat returns the entry at p from the remote.
func (cl *CachedLister) Stat(ctx context.Context, p string) (*model.Entry, error) {
	return cl.inner.Stat(ctx, p)
}

// List returns the children of p, from the cache when fresh.
func (cl *CachedLister) List(ctx context.Context, p string) ([]*model.Entry, error) {
	entries, ok, err := cl.cache.Get(ctx, cl.remote, p)
	if err != nil {
		logging.Debug("listing cache unavailable", logging.Err(err))
	}
	metrics.RecordCacheLookup(ok)
	if ok {
		return entries, nil
	}

	entries, err = cl.inner.List(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := cl.cache.Put(ctx, cl.remote, p, entries); err != nil {
		logging.Debug("listing cache write failed", logging.Err(err))
	}
	return entries, nil
}
