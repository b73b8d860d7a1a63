// Package cache implements Charon's multi-tier, thread-safe, memory-bounded
// in-process cache: folder listings, folder tags, an opaque general-purpose
// tier (batch-metadata bundles, compatibility flags, folder listings under
// string keys), script/workflow validation summaries, and a "hot folders"
// MRU overlay that is never evicted.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/crossplane/crossplane-runtime/pkg/logging"
)

const (
	// DefaultMaxHotFolders bounds the hot-folder MRU overlay.
	DefaultMaxHotFolders = 20
	// DefaultMemoryLimitBytes is the rough total-estimated-size ceiling
	// above which the store evicts its oldest 20% of non-hot entries.
	DefaultMemoryLimitBytes = 32 * 1024 * 1024
	// DefaultValidationTTL is the implicit TTL applied when reading the
	// validation tier.
	DefaultValidationTTL = 10 * time.Minute

	estimateFolderEntryBytes     = 1000
	estimateTagEntryBytes        = 500
	estimateValidationEntryBytes = 200
	estimateGeneralBaseBytes     = 500

	evictionFraction = 0.2
)

// FolderEntry is a single child of a listed folder: its absolute path and
// display name.
type FolderEntry struct {
	Path string
	Name string
}

// ValidationSummary is the cached shape of a script/workflow validation
// result, as consulted by the GUI layer before a full orchestrator run.
type ValidationSummary struct {
	HasEntry   bool
	HasIcon    bool
	IconPath   string
	CanExecute bool
}

// record wraps a cached value with its insertion timestamp.
type record[T any] struct {
	value     T
	timestamp time.Time
}

func (r record[T]) age(now time.Time) time.Duration {
	return now.Sub(r.timestamp)
}

// entryKind distinguishes cache tiers for eviction bookkeeping.
type entryKind int

const (
	kindFolder entryKind = iota
	kindTag
	kindGeneral
)

// Store is the thread-safe container for all cache tiers. The zero value is
// not usable; construct with New.
type Store struct {
	mu sync.Mutex

	folder     map[string]record[[]FolderEntry]
	tag        map[string]record[map[string]struct{}]
	general    map[string]generalRecord
	validation map[string]record[ValidationSummary]

	hotOrder []string // MRU order, front = most recently touched
	hotSet   map[string]time.Time

	maxHotFolders    int
	memoryLimitBytes int64

	log logging.Logger
}

type generalRecord struct {
	value     any
	timestamp time.Time
	ttl       time.Duration
	size      int
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithLogger sets the logger used for debug/warn lines during eviction.
func WithLogger(l logging.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithMaxHotFolders overrides the hot-folder MRU bound.
func WithMaxHotFolders(n int) Option {
	return func(s *Store) { s.maxHotFolders = n }
}

// WithMemoryLimitBytes overrides the estimated-memory eviction ceiling.
func WithMemoryLimitBytes(n int64) Option {
	return func(s *Store) { s.memoryLimitBytes = n }
}

// New constructs an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		folder:           make(map[string]record[[]FolderEntry]),
		tag:              make(map[string]record[map[string]struct{}]),
		general:          make(map[string]generalRecord),
		validation:       make(map[string]record[ValidationSummary]),
		hotSet:           make(map[string]time.Time),
		maxHotFolders:    DefaultMaxHotFolders,
		memoryLimitBytes: DefaultMemoryLimitBytes,
		log:              logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetFolderContents returns the cached listing for path, marking it hot on
// hit. The boolean reports whether an entry was present.
func (s *Store) GetFolderContents(path string) ([]FolderEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.folder[path]
	if !ok {
		return nil, false
	}
	s.touchHotLocked(path)
	return r.value, true
}

// CacheFolderContents replaces the folder listing for path and marks it
// hot.
func (s *Store) CacheFolderContents(path string, entries []FolderEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.folder[path] = record[[]FolderEntry]{value: entries, timestamp: time.Now()}
	s.touchHotLocked(path)
	s.evictIfOverBudgetLocked()
}

// GetFolderTags returns the cached tag set for path.
func (s *Store) GetFolderTags(path string) (map[string]struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.tag[path]
	return r.value, ok
}

// CacheFolderTags replaces the tag set for path.
func (s *Store) CacheFolderTags(path string, tags map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tag[path] = record[map[string]struct{}]{value: tags, timestamp: time.Now()}
	s.evictIfOverBudgetLocked()
}

// CacheData stores an opaque value under key with the given TTL. A TTL of
// zero means the entry never expires on read (though it remains subject to
// memory-pressure eviction).
func (s *Store) CacheData(key string, value any, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.general[key] = generalRecord{
		value:     value,
		timestamp: time.Now(),
		ttl:       ttl,
		size:      estimateGeneralSize(value),
	}
	s.evictIfOverBudgetLocked()
}

// GetCachedData returns the value stored under key. If maxAge is non-zero
// and the entry is older than maxAge, it is removed and (nil, false) is
// returned.
func (s *Store) GetCachedData(key string, maxAge time.Duration) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.general[key]
	if !ok {
		return nil, false
	}
	if maxAge > 0 && time.Since(r.timestamp) > maxAge {
		delete(s.general, key)
		return nil, false
	}
	return r.value, true
}

// GetScriptValidation returns the cached validation summary for path,
// subject to the implicit DefaultValidationTTL.
func (s *Store) GetScriptValidation(path string) (ValidationSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.validation[path]
	if !ok {
		return ValidationSummary{}, false
	}
	if r.age(time.Now()) > DefaultValidationTTL {
		delete(s.validation, path)
		return ValidationSummary{}, false
	}
	return r.value, true
}

// CacheScriptValidation stores a validation summary for path.
func (s *Store) CacheScriptValidation(path string, summary ValidationSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.validation[path] = record[ValidationSummary]{value: summary, timestamp: time.Now()}
	s.evictIfOverBudgetLocked()
}

// InvalidateFolder removes every entry keyed by or scoped under path: the
// folder listing, the tag set, the batch-metadata general-cache entry, the
// hot-folder mark, and every validation entry whose path is prefixed by
// path+separator.
func (s *Store) InvalidateFolder(path, separator string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.folder, path)
	delete(s.tag, path)
	delete(s.general, "batch_metadata:"+path)
	s.removeHotLocked(path)

	prefix := path + separator
	for k := range s.validation {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(s.validation, k)
		}
	}
}

// InvalidateScript invalidates the enclosing folder of a script path.
func (s *Store) InvalidateScript(scriptPath, folderPath, separator string) {
	s.InvalidateFolder(folderPath, separator)
}

// HotFolders returns the hot-folder paths in MRU order (most recent first).
func (s *Store) HotFolders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.hotOrder))
	copy(out, s.hotOrder)
	return out
}

// touchHotLocked moves path to the front of the MRU order, evicting the
// oldest hot entry if the bound is exceeded. Hot entries are never subject
// to memory-pressure eviction.
func (s *Store) touchHotLocked(path string) {
	s.removeHotLocked(path)
	s.hotOrder = append([]string{path}, s.hotOrder...)
	s.hotSet[path] = time.Now()

	for len(s.hotOrder) > s.maxHotFolders {
		oldest := s.hotOrder[len(s.hotOrder)-1]
		s.hotOrder = s.hotOrder[:len(s.hotOrder)-1]
		delete(s.hotSet, oldest)
	}
}

func (s *Store) removeHotLocked(path string) {
	if _, ok := s.hotSet[path]; !ok {
		return
	}
	delete(s.hotSet, path)
	for i, p := range s.hotOrder {
		if p == path {
			s.hotOrder = append(s.hotOrder[:i], s.hotOrder[i+1:]...)
			break
		}
	}
}

type evictionCandidate struct {
	timestamp time.Time
	kind      entryKind
	key       string
}

// evictIfOverBudgetLocked recomputes the estimated total size and, if over
// the configured limit, evicts the oldest 20% of non-hot folder/tag/general
// entries. Must be called with s.mu held.
func (s *Store) evictIfOverBudgetLocked() {
	total := s.estimateTotalBytesLocked()
	if total <= s.memoryLimitBytes {
		return
	}

	var candidates []evictionCandidate
	for k, r := range s.folder {
		if _, hot := s.hotSet[k]; hot {
			continue
		}
		candidates = append(candidates, evictionCandidate{r.timestamp, kindFolder, k})
	}
	for k, r := range s.tag {
		candidates = append(candidates, evictionCandidate{r.timestamp, kindTag, k})
	}
	for k, r := range s.general {
		candidates = append(candidates, evictionCandidate{r.timestamp, kindGeneral, k})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].timestamp.Before(candidates[j].timestamp)
	})

	evictCount := int(float64(len(candidates)) * evictionFraction)

	for i := 0; i < evictCount && i < len(candidates); i++ {
		c := candidates[i]
		switch c.kind {
		case kindFolder:
			delete(s.folder, c.key)
		case kindTag:
			delete(s.tag, c.key)
		case kindGeneral:
			delete(s.general, c.key)
		}
	}

	s.log.Debug("evicted cache entries over memory budget", "count", evictCount, "totalBytesBefore", total)
}

func (s *Store) estimateTotalBytesLocked() int64 {
	var total int64
	total += int64(len(s.folder)) * estimateFolderEntryBytes
	total += int64(len(s.tag)) * estimateTagEntryBytes
	total += int64(len(s.validation)) * estimateValidationEntryBytes
	for _, r := range s.general {
		total += int64(r.size)
	}
	return total
}

func estimateGeneralSize(v any) int {
	switch val := v.(type) {
	case string:
		return estimateGeneralBaseBytes + len(val)
	case []byte:
		return estimateGeneralBaseBytes + len(val)
	default:
		return estimateGeneralBaseBytes
	}
}
