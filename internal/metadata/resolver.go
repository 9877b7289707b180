package metadata

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"tools.zach/dev/ps4cord/internal/catalog"
)

// Fetcher looks up display metadata for a title id.
type Fetcher interface {
	Fetch(ctx context.Context, titleID string) (Info, error)
}

// Store is the catalog surface the resolver reads and writes through.
type Store interface {
	Lookup(titleID string) (catalog.GameRecord, bool)
	Store(rec catalog.GameRecord) (catalog.GameRecord, error)
}

// Options tune resolution.
type Options struct {
	// Disabled skips the service entirely; misses become fallback records.
	Disabled bool
	// RetryFallback is how long a fallback record is trusted before the
	// service is asked again. Zero keeps fallbacks forever.
	RetryFallback time.Duration
}

// Resolver turns title ids into catalog records, consulting the service
// only on a cache miss or a stale fallback. Resolve never fails: when the
// service cannot answer, a fallback record built from the id is returned.
//
// A Resolver is not safe for concurrent use; the engine calls it from its
// cycle goroutine only.
type Resolver struct {
	fetch Fetcher
	store Store
	opts  Options
	now   func() time.Time
}

// NewResolver returns a Resolver writing through to store.
func NewResolver(fetch Fetcher, store Store, opts Options) *Resolver {
	return &Resolver{fetch: fetch, store: store, opts: opts, now: time.Now}
}

// SetOptions replaces the resolver options, e.g. after a config reload.
func (r *Resolver) SetOptions(opts Options) { r.opts = opts }

// Resolve returns the record for titleID.
func (r *Resolver) Resolve(ctx context.Context, titleID string) catalog.GameRecord {
	cached, ok := r.store.Lookup(titleID)
	if titleID == catalog.HomeTitleID {
		return cached
	}
	now := r.now()
	if ok && !catalog.NeedsRefresh(cached, now, r.opts.RetryFallback) {
		return cached
	}

	rec := catalog.Fallback(titleID, now)
	if r.opts.Disabled || r.fetch == nil {
		if ok {
			return cached
		}
	} else if info, err := r.fetch.Fetch(ctx, titleID); err != nil {
		if ctx.Err() != nil {
			// Abandoned lookups say nothing about the title; leave the catalog alone.
			slog.Debug("metadata lookup cancelled", "title_id", titleID, "error", err)
			if ok {
				return cached
			}
			return rec
		}
		slog.Warn("metadata lookup failed, using fallback", "title_id", titleID, "error", err)
	} else {
		rec = catalog.GameRecord{
			TitleID:   titleID,
			Name:      info.Name,
			Image:     imageKey(titleID, info.Icon),
			Source:    catalog.SourceResolved,
			UpdatedAt: now,
		}
		slog.Info("metadata resolved", "title_id", titleID, "name", info.Name)
	}

	stored, err := r.store.Store(rec)
	if err != nil {
		slog.Warn("failed to persist catalog record", "title_id", titleID, "error", err)
		return rec
	}
	return stored
}

// imageKey uses the service icon when present, else the lowercased id.
func imageKey(titleID, icon string) string {
	if icon = strings.TrimSpace(icon); icon != "" {
		return icon
	}
	return strings.ToLower(titleID)
}
