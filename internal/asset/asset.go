// SPDX-License-Identifier: MIT

// Package asset registers finished audio files under short-leased ids.
//
// The pipeline never accepts raw file paths from outside the core — only
// asset ids registered here. An asset is consumed by at most one task and
// removed on consumption; unconsumed assets past their lease are reclaimed
// by the cache janitor, which also deletes the file on disk.
package asset

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/voxtype/voxtype/internal/fault"
)

const (
	// DefaultLease is how long an unconsumed asset survives.
	DefaultLease = 3 * time.Minute

	// sweepInterval is how often the janitor reclaims expired entries.
	sweepInterval = 30 * time.Second
)

// entry is one registered audio file.
type entry struct {
	path string
	ext  string

	mu       sync.Mutex
	consumed bool
}

// Registry maps asset ids to leased audio files.
type Registry struct {
	cache  *gocache.Cache
	logger *slog.Logger
}

// NewRegistry creates a registry whose janitor removes expired, unconsumed
// asset files from disk.
func NewRegistry(lease time.Duration, logger *slog.Logger) *Registry {
	if lease <= 0 {
		lease = DefaultLease
	}
	r := &Registry{
		cache:  gocache.New(lease, sweepInterval),
		logger: logger,
	}
	r.cache.OnEvicted(func(id string, v any) {
		e, ok := v.(*entry)
		if !ok {
			return
		}
		e.mu.Lock()
		consumed := e.consumed
		e.mu.Unlock()
		if consumed {
			return // the consuming task owns the file now
		}
		if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
			if logger != nil {
				logger.Warn("expired asset file not removed", "asset_path", e.path, "error", err)
			}
			return
		}
		if logger != nil {
			logger.Debug("expired asset reclaimed", "asset_id", id, "asset_path", e.path)
		}
	})
	return r
}

// Register leases path under a fresh asset id.
func (r *Registry) Register(path, ext string) string {
	id := uuid.NewString()
	r.cache.SetDefault(id, &entry{path: path, ext: ext})
	return id
}

// Consume delivers the audio file to its one task and retires the id. The
// file is not deleted here: ownership transfers to the task, which removes
// it when the pipeline is done with it.
func (r *Registry) Consume(id string) (path, ext string, err error) {
	v, ok := r.cache.Get(id)
	if !ok {
		return "", "", fault.Newf(fault.CodeAssetNotFound, "recording asset %s not found or lease expired", id)
	}
	e := v.(*entry)

	e.mu.Lock()
	if e.consumed {
		e.mu.Unlock()
		return "", "", fault.Newf(fault.CodeAssetNotFound, "recording asset %s already consumed", id)
	}
	e.consumed = true
	e.mu.Unlock()

	r.cache.Delete(id)
	return e.path, e.ext, nil
}

// Abort discards an asset and removes its file. Unknown ids are a no-op.
func (r *Registry) Abort(id string) {
	// Delete triggers the evicted handler, which unlinks the file.
	r.cache.Delete(id)
}

// Len reports the number of live assets.
func (r *Registry) Len() int {
	return r.cache.ItemCount()
}
