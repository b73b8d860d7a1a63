// Package batchread implements the bounded, cancellable parallel metadata
// reader used to warm the cache for an entire folder's children in one
// pass.
package batchread

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/charon-vfx/charon/pkg/charon/cache"
	"github.com/charon-vfx/charon/pkg/charon/metadata"
)

const (
	// DefaultMaxWorkers bounds the number of concurrent metadata reads
	// issued for one folder's children.
	DefaultMaxWorkers = 8
	// CacheTTL is how long a batch-read result stays valid in the general
	// cache tier.
	CacheTTL = 300 * time.Second

	cacheKeyPrefix = "batch_metadata:"
)

// Reader performs bounded-parallel `.charon.json` reads across a folder's
// immediate, non-dot-prefixed subdirectories.
type Reader struct {
	fs         afero.Fs
	store      *cache.Store
	maxWorkers int
}

// Option configures a Reader at construction time.
type Option func(*Reader)

// WithMaxWorkers overrides DefaultMaxWorkers.
func WithMaxWorkers(n int) Option {
	return func(r *Reader) { r.maxWorkers = n }
}

// New constructs a Reader backed by fs, warming entries into store.
func New(fs afero.Fs, store *cache.Store, opts ...Option) *Reader {
	r := &Reader{fs: fs, store: store, maxWorkers: DefaultMaxWorkers}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CacheKey returns the general-cache key a batch read for folder is stored
// under.
func CacheKey(folder string) string {
	return cacheKeyPrefix + folder
}

// StopFunc is polled between the directory scan and each individual read;
// returning true aborts the remaining work without error.
type StopFunc func() bool

// BatchReadMetadata scans folder's non-dot subdirectories, reads each
// child's `.charon.json` in parallel (bounded by maxWorkers), and caches
// the aggregated subfolder-name → metadata mapping under
// CacheKey(folder) with CacheTTL. A subfolder whose metadata is absent or
// malformed is silently omitted from the result, matching the original's
// "parse failure returns none, not an error" contract.
//
// If a cached result already exists for folder, it is returned without
// re-scanning.
func (r *Reader) BatchReadMetadata(ctx context.Context, folder string, stop StopFunc) (map[string]*metadata.Metadata, error) {
	key := CacheKey(folder)
	if cached, ok := r.store.GetCachedData(key, CacheTTL); ok {
		if typed, ok := cached.(map[string]*metadata.Metadata); ok {
			return typed, nil
		}
	}

	entries, err := afero.ReadDir(r.fs, folder)
	if err != nil {
		return nil, nil //nolint:nilerr // unreadable folder yields empty, not fatal
	}

	var subfolders []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if stop != nil && stop() {
			return map[string]*metadata.Metadata{}, nil
		}
		subfolders = append(subfolders, e.Name())
	}
	sort.Strings(subfolders)

	result := make(map[string]*metadata.Metadata, len(subfolders))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxWorkers)

	for _, name := range subfolders {
		name := name
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if stop != nil && stop() {
				return nil
			}
			m, err := metadata.Load(r.fs, path.Join(folder, name))
			if err != nil || m == nil {
				return nil //nolint:nilerr // absent/malformed metadata is omitted, not an error
			}
			mu.Lock()
			result[name] = m
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // worker bodies never return non-nil errors

	r.store.CacheData(key, result, CacheTTL)
	return result, nil
}
