// Package folderlist implements the asynchronous folder lister: it scans a
// base repository path, emits the sorted folder listing, and optionally
// probes each folder's host compatibility in parallel.
package folderlist

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/crossplane/crossplane-runtime/pkg/logging"

	"github.com/charon-vfx/charon/pkg/charon/cache"
	"github.com/charon-vfx/charon/pkg/charon/metadata"
)

const (
	// ListingTTL is how long a plain folder listing stays valid.
	ListingTTL = 300 * time.Second
	// CompatTTL is how long a per-folder compatibility result stays valid.
	CompatTTL = 600 * time.Second

	// BookmarksPseudoFolder is prepended to the listing when the caller has
	// any bookmarks.
	BookmarksPseudoFolder = "Bookmarks"

	defaultCompatWorkers = 4
)

// CancelFunc is polled between scan steps and between completed compat
// probes. Returning true aborts the remaining, unpublished work.
type CancelFunc func() bool

// CompatibilityChecker reports whether a given folder is relevant to host.
// The default, metadata.IsCompatibleWithHost, is used when none is
// supplied.
type CompatibilityChecker func(fs afero.Fs, folder, host string) bool

// Lister scans a repository base path for workflow folders.
type Lister struct {
	fs           afero.Fs
	store        *cache.Store
	log          logging.Logger
	compatWorkers int
	checker      CompatibilityChecker
}

// Option configures a Lister at construction time.
type Option func(*Lister)

// WithLogger sets the logger used for debug lines.
func WithLogger(l logging.Logger) Option {
	return func(ls *Lister) { ls.log = l }
}

// WithCompatWorkers overrides the compatibility-probe pool size.
func WithCompatWorkers(n int) Option {
	return func(ls *Lister) { ls.compatWorkers = n }
}

// WithCompatibilityChecker overrides the default host-compatibility
// predicate.
func WithCompatibilityChecker(c CompatibilityChecker) Option {
	return func(ls *Lister) { ls.checker = c }
}

// New constructs a Lister backed by fs, warming results into store.
func New(fs afero.Fs, store *cache.Store, opts ...Option) *Lister {
	workers := runtime.NumCPU()
	if workers > defaultCompatWorkers {
		workers = defaultCompatWorkers
	}
	ls := &Lister{
		fs:            fs,
		store:         store,
		log:           logging.NewNopLogger(),
		compatWorkers: workers,
		checker:       defaultChecker,
	}
	for _, opt := range opts {
		opt(ls)
	}
	return ls
}

func defaultChecker(fs afero.Fs, folder, host string) bool {
	m, err := metadata.Load(fs, folder)
	if err != nil {
		return true
	}
	return metadata.IsCompatibleWithHost(m, host)
}

// Result is the outcome of a folder listing generation.
type Result struct {
	Folders      []string
	Compatibility map[string]bool // folder name -> compatible, present only when requested
}

// ListFolders produces, in order, the sorted folder list for basePath
// (cached under "folders:<basePath>" for ListingTTL) and, if
// checkCompatibility is set, a per-folder compatibility map computed in
// parallel (cached per folder under "compat:<basePath>:<folder>:<host>" for
// CompatTTL). bookmarks lists folder names the caller has bookmarked;
// currentUserSlug, if non-empty and present among the scanned folders, is
// placed second (after the Bookmarks pseudo-folder).
func (l *Lister) ListFolders(ctx context.Context, basePath, host string, checkCompatibility bool, bookmarks []string, currentUserSlug string, cancel CancelFunc) (Result, error) {
	folders, err := l.listFolderNames(basePath, bookmarks, currentUserSlug, cancel)
	if err != nil {
		return Result{}, err
	}
	if cancel != nil && cancel() {
		return Result{Folders: folders}, nil
	}

	res := Result{Folders: folders}
	if !checkCompatibility {
		return res, nil
	}

	compat, err := l.checkCompatibility(ctx, basePath, folders, host, cancel)
	if err != nil {
		return Result{}, err
	}
	res.Compatibility = compat
	return res, nil
}

func (l *Lister) listFolderNames(basePath string, bookmarks []string, currentUserSlug string, cancel CancelFunc) ([]string, error) {
	key := fmt.Sprintf("folders:%s", basePath)
	if cached, ok := l.store.GetCachedData(key, ListingTTL); ok {
		if typed, ok := cached.([]string); ok {
			return typed, nil
		}
	}

	entries, err := afero.ReadDir(l.fs, basePath)
	if err != nil {
		return nil, nil //nolint:nilerr // unreadable base path yields an empty listing
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if cancel != nil && cancel() {
			break
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	names = prependSpecialFolders(names, bookmarks, currentUserSlug)

	l.store.CacheData(key, names, ListingTTL)
	return names, nil
}

func prependSpecialFolders(names []string, bookmarks []string, currentUserSlug string) []string {
	out := names

	if currentUserSlug != "" {
		for i, n := range out {
			if strings.EqualFold(n, currentUserSlug) {
				out = append(out[:i:i], out[i+1:]...)
				out = append([]string{currentUserSlug}, out...)
				break
			}
		}
	}
	if len(bookmarks) > 0 {
		out = append([]string{BookmarksPseudoFolder}, out...)
	}
	return out
}

func (l *Lister) checkCompatibility(ctx context.Context, basePath string, folders []string, host string, cancel CancelFunc) (map[string]bool, error) {
	result := make(map[string]bool, len(folders))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.compatWorkers)

	for _, name := range folders {
		name := name
		if name == BookmarksPseudoFolder {
			continue
		}
		g.Go(func() error {
			if cancel != nil && cancel() {
				return nil
			}
			if gctx.Err() != nil {
				return nil
			}

			key := fmt.Sprintf("compat:%s:%s:%s", basePath, name, host)
			var compatible bool
			if cached, ok := l.store.GetCachedData(key, CompatTTL); ok {
				if typed, ok := cached.(bool); ok {
					compatible = typed
				}
			} else {
				folderPath := basePath + "/" + name
				compatible = l.checker(l.fs, folderPath, host)
				l.store.CacheData(key, compatible, CompatTTL)
			}

			if cancel != nil && cancel() {
				return nil
			}
			mu.Lock()
			result[name] = compatible
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return result, nil
}
