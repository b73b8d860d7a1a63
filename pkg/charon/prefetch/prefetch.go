// Package prefetch implements the background prefetch scheduler: a single
// worker goroutine consuming a bounded, non-blocking FIFO queue of
// folder-warming jobs, plus an optional filesystem watcher that re-enqueues
// folders whose contents changed on disk.
package prefetch

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"github.com/radovskyb/watcher"

	"github.com/crossplane/crossplane-runtime/pkg/logging"

	"github.com/charon-vfx/charon/pkg/charon/batchread"
	"github.com/charon-vfx/charon/pkg/charon/cache"
	"github.com/charon-vfx/charon/pkg/charon/folderlist"
	"github.com/charon-vfx/charon/pkg/charon/metadata"
)

const (
	// DefaultQueueSize bounds the number of pending prefetch jobs; a full
	// queue drops new jobs rather than blocking the caller.
	DefaultQueueSize = 256

	// progressLogInterval emits a debug line every N folders processed by
	// PrefetchAllFolders.
	progressLogInterval = 10

	// DefaultWatchInterval is how often the background watcher polls the
	// repository for changes when enabled.
	DefaultWatchInterval = 2 * time.Second
)

type jobKind int

const (
	jobPrefetchFolder jobKind = iota
	jobPrefetchAll
	jobShutdown
)

type job struct {
	kind   jobKind
	folder string
	base   string
	host   string
}

// Scheduler runs the single-worker prefetch queue described in spec.md
// §4.F. Construct with New and start the worker with Run.
type Scheduler struct {
	fs    afero.Fs
	store *cache.Store
	batch *batchread.Reader
	list  *folderlist.Lister
	log   logging.Logger

	queue chan job
	done  chan struct{}

	shutdownOnce sync.Once
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithLogger sets the logger used for progress/debug lines.
func WithLogger(l logging.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithQueueSize overrides DefaultQueueSize.
func WithQueueSize(n int) Option {
	return func(s *Scheduler) { s.queue = make(chan job, n) }
}

// New constructs a Scheduler. Call Run in its own goroutine to start
// draining the queue.
func New(fs afero.Fs, store *cache.Store, batch *batchread.Reader, list *folderlist.Lister, opts ...Option) *Scheduler {
	s := &Scheduler{
		fs:    fs,
		store: store,
		batch: batch,
		list:  list,
		log:   logging.NewNopLogger(),
		queue: make(chan job, DefaultQueueSize),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnqueueFolder submits a prefetch_folder job. The put is non-blocking: if
// the queue is full, the job is dropped.
func (s *Scheduler) EnqueueFolder(folder string) {
	select {
	case s.queue <- job{kind: jobPrefetchFolder, folder: folder}:
	default:
		s.log.Debug("prefetch queue full, dropping job", "folder", folder)
	}
}

// EnqueueAll submits a prefetch_all_folders job.
func (s *Scheduler) EnqueueAll(base, host string) {
	select {
	case s.queue <- job{kind: jobPrefetchAll, base: base, host: host}:
	default:
		s.log.Debug("prefetch queue full, dropping prefetch-all job", "base", base)
	}
}

// Run drains the queue until Shutdown is called, then drains any remaining
// queued jobs synchronously before returning. Intended to run in its own
// goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case j := <-s.queue:
			if j.kind == jobShutdown {
				s.drainRemaining(ctx)
				close(s.done)
				return
			}
			s.process(ctx, j)
		case <-ctx.Done():
			close(s.done)
			return
		}
	}
}

func (s *Scheduler) drainRemaining(ctx context.Context) {
	for {
		select {
		case j := <-s.queue:
			if j.kind == jobShutdown {
				continue
			}
			s.process(ctx, j)
		default:
			return
		}
	}
}

func (s *Scheduler) process(ctx context.Context, j job) {
	switch j.kind {
	case jobPrefetchFolder:
		if err := s.PrefetchFolder(ctx, j.folder); err != nil {
			s.log.Info("prefetch folder failed", "folder", j.folder, "error", err.Error())
		}
	case jobPrefetchAll:
		if err := s.PrefetchAllFolders(ctx, j.base, j.host); err != nil {
			s.log.Info("prefetch all folders failed", "base", j.base, "error", err.Error())
		}
	}
}

// Shutdown enqueues a sentinel that wakes the worker and causes it to drain
// the remaining queue synchronously before Run returns. Safe to call more
// than once.
func (s *Scheduler) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.queue <- job{kind: jobShutdown}
	})
}

// Done is closed once Run has fully drained and exited.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// PrefetchFolder warms the cache for folder: if both the folder listing and
// its batch metadata are already cached, it returns immediately. Otherwise
// it lists subdirectories, caches the listing, runs the batch metadata
// reader, collects the union of tags across entries, and caches a
// validation-summary placeholder for each subfolder.
func (s *Scheduler) PrefetchFolder(ctx context.Context, folder string) error {
	_, folderCached := s.store.GetFolderContents(folder)
	_, metaCached := s.store.GetCachedData(batchread.CacheKey(folder), batchread.CacheTTL)
	if folderCached && metaCached {
		return nil
	}

	entries, err := afero.ReadDir(s.fs, folder)
	if err != nil {
		return nil //nolint:nilerr // unreadable folder is skipped, not fatal
	}

	var listing []cache.FolderEntry
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		listing = append(listing, cache.FolderEntry{Path: path.Join(folder, e.Name()), Name: e.Name()})
	}
	sort.Slice(listing, func(i, j int) bool { return listing[i].Name < listing[j].Name })
	s.store.CacheFolderContents(folder, listing)

	metaMap, err := s.batch.BatchReadMetadata(ctx, folder, nil)
	if err != nil {
		return err
	}

	tags := map[string]struct{}{}
	for _, m := range metaMap {
		for _, t := range m.Tags {
			tags[t] = struct{}{}
		}
	}
	s.store.CacheFolderTags(folder, tags)

	for _, entry := range listing {
		m := metaMap[entry.Name]
		s.store.CacheScriptValidation(entry.Path, cache.ValidationSummary{
			HasEntry: m != nil,
			HasIcon:  false,
		})
	}

	return nil
}

// PrefetchAllFolders lists base's subfolders in sorted order and, honoring
// a shutdown signal observable via ctx, prefetches each one and caches its
// host-compatibility flag. A debug line is emitted every
// progressLogInterval folders.
func (s *Scheduler) PrefetchAllFolders(ctx context.Context, base, host string) error {
	entries, err := afero.ReadDir(s.fs, base)
	if err != nil {
		return nil //nolint:nilerr // unreadable base is skipped, not fatal
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for i, name := range names {
		if ctx.Err() != nil {
			return nil
		}
		folder := path.Join(base, name)
		if err := s.PrefetchFolder(ctx, folder); err != nil {
			s.log.Info("prefetch folder failed during prefetch-all", "folder", folder, "error", err.Error())
		}

		key := "compat:" + base + ":" + name + ":" + host
		if _, ok := s.store.GetCachedData(key, folderlist.CompatTTL); !ok {
			compatible := true
			if m, err := metadata.Load(s.fs, folder); err == nil {
				compatible = metadata.IsCompatibleWithHost(m, host)
			}
			s.store.CacheData(key, compatible, folderlist.CompatTTL)
		}

		if (i+1)%progressLogInterval == 0 {
			s.log.Debug("prefetch progress", "processed", i+1, "total", len(names))
		}
	}
	return nil
}

// Watch starts a radovskyb/watcher poll loop over root at interval,
// enqueueing a prefetch of the parent directory of any path under root that
// sees a write, create or rename event. Watch blocks until ctx is cancelled or the
// watcher errors; call it in its own goroutine.
func (s *Scheduler) Watch(ctx context.Context, root string, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}

	w := watcher.New()
	w.SetMaxEvents(1)
	w.FilterOps(watcher.Write, watcher.Create, watcher.Rename)

	if err := w.AddRecursive(root); err != nil {
		return err
	}

	go func() {
		for {
			select {
			case event := <-w.Event:
				s.EnqueueFolder(path.Dir(event.Path))
			case err := <-w.Error:
				s.log.Info("prefetch watcher error", "error", err.Error())
			case <-w.Closed:
				return
			case <-ctx.Done():
				w.Close()
				return
			}
		}
	}()

	return w.Start(interval)
}
