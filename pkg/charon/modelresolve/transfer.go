package modelresolve

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/crossplane/crossplane-runtime/pkg/logging"

	"github.com/charon-vfx/charon/pkg/charon/pathutil"
)

const (
	// ChunkSize is the buffer size used for chunked copy/download, chosen
	// to match the original's 4 MiB transfer granularity.
	ChunkSize = 4 * 1024 * 1024

	tmpCopySuffix     = ".tmp"
	tmpDownloadSuffix = ".download"

	errStartCopy     = "cannot start model copy"
	errStartDownload = "cannot start model download"
	errCopyFailed    = "model copy failed"
)

// TransferKind distinguishes a local copy from a network download.
type TransferKind string

const (
	TransferKindCopy     TransferKind = "copy"
	TransferKindDownload TransferKind = "download"
)

// TransferState is a snapshot of an in-flight or completed transfer,
// delivered to every subscriber of its destination.
type TransferState struct {
	Kind               TransferKind
	Destination        string
	URL                string
	Source             string
	TotalBytes         int64
	CopiedBytes        int64
	Percent            float64
	InProgress         bool
	Error              string
	ResolveMethod      string
	WorkflowValue      string
	DestinationDisplay string
	FileName           string
}

type transfer struct {
	mu        sync.Mutex
	state     TransferState
	listeners map[string]chan TransferState
	cancel    context.CancelFunc
	done      chan struct{}
}

// Manager coordinates model transfers process-wide: a given destination
// path has at most one active transfer; listeners subscribe to receive
// state updates until they unsubscribe and the transfer goes idle.
//
// Manager is safe to share across goroutines. Construct exactly one per
// process (the teacher's functional-options constructors are followed here
// in place of the original's explicit singleton/lock, since Go callers can
// simply hold a single shared *Manager instead of guarding global state).
type Manager struct {
	fs  afero.Fs
	log logging.Logger

	mu        sync.Mutex
	transfers map[string]*transfer
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithLogger sets the logger used for transfer lifecycle lines.
func WithLogger(l logging.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager constructs a Manager backed by fs.
func NewManager(fs afero.Fs, opts ...Option) *Manager {
	m := &Manager{
		fs:        fs,
		log:       logging.NewNopLogger(),
		transfers: make(map[string]*transfer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func transferKey(destination string) string {
	return strings.ToLower(pathutil.NormalizeSlashes(destination))
}

// Subscribe registers a listener for destination's transfer state and
// returns a channel of updates plus an unsubscribe function. If no
// transfer is active for destination, the channel simply never receives
// until one starts.
func (m *Manager) Subscribe(destination string) (<-chan TransferState, func()) {
	key := transferKey(destination)

	m.mu.Lock()
	t, ok := m.transfers[key]
	if !ok {
		t = &transfer{listeners: make(map[string]chan TransferState), done: make(chan struct{})}
		m.transfers[key] = t
	}
	m.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan TransferState, 8)

	t.mu.Lock()
	t.listeners[id] = ch
	t.mu.Unlock()

	unsubscribe := func() {
		t.mu.Lock()
		delete(t.listeners, id)
		close(ch)
		t.mu.Unlock()
		m.pruneIfIdle(key)
	}

	return ch, unsubscribe
}

func (m *Manager) pruneIfIdle(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.transfers[key]
	if !ok {
		return
	}
	t.mu.Lock()
	idle := len(t.listeners) == 0 && !t.state.InProgress
	t.mu.Unlock()
	if idle {
		delete(m.transfers, key)
	}
}

func (m *Manager) emit(key string, state TransferState) {
	m.mu.Lock()
	t, ok := m.transfers[key]
	m.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	t.state = state
	listeners := make([]chan TransferState, 0, len(t.listeners))
	for _, ch := range t.listeners {
		listeners = append(listeners, ch)
	}
	t.mu.Unlock()

	for _, ch := range listeners {
		select {
		case ch <- state:
		default:
			// Slow listener: drop the update rather than block the
			// transfer goroutine.
		}
	}

	if !state.InProgress {
		m.pruneIfIdle(key)
	}
}

func (m *Manager) getOrCreate(key string) *transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[key]
	if !ok {
		t = &transfer{listeners: make(map[string]chan TransferState), done: make(chan struct{})}
		m.transfers[key] = t
	}
	return t
}

// StartCopy begins (or joins, if already running) a chunked local copy from
// source to destination. Returns immediately; progress is delivered to
// Subscribe-ed listeners.
func (m *Manager) StartCopy(ctx context.Context, source, destination string) error {
	key := transferKey(destination)
	t := m.getOrCreate(key)

	t.mu.Lock()
	if t.state.InProgress {
		t.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.state = TransferState{Kind: TransferKindCopy, Destination: destination, Source: source, InProgress: true}
	t.mu.Unlock()

	go m.runCopy(ctx, key, source, destination)
	return nil
}

// StartDownload begins a chunked download from url to destination.
func (m *Manager) StartDownload(ctx context.Context, fetch func(context.Context) (io.ReadCloser, int64, error), url, destination string) error {
	key := transferKey(destination)
	t := m.getOrCreate(key)

	t.mu.Lock()
	if t.state.InProgress {
		t.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.state = TransferState{Kind: TransferKindDownload, Destination: destination, URL: url, InProgress: true}
	t.mu.Unlock()

	go m.runDownload(ctx, key, fetch, url, destination)
	return nil
}

func (m *Manager) runCopy(ctx context.Context, key, source, destination string) {
	tmp := destination + tmpCopySuffix

	src, err := m.fs.Open(source)
	if err != nil {
		m.emit(key, TransferState{Kind: TransferKindCopy, Destination: destination, Source: source, Error: err.Error()})
		return
	}
	defer src.Close()

	total := int64(0)
	if info, err := src.Stat(); err == nil {
		total = info.Size()
	}

	if err := m.fs.MkdirAll(parentDir(destination), 0o755); err != nil {
		m.emit(key, TransferState{Kind: TransferKindCopy, Destination: destination, Source: source, TotalBytes: total, Error: err.Error()})
		return
	}

	dst, err := m.fs.Create(tmp)
	if err != nil {
		m.emit(key, TransferState{Kind: TransferKindCopy, Destination: destination, Source: source, TotalBytes: total, Error: err.Error()})
		return
	}

	copied, copyErr := m.copyChunked(ctx, dst, src, total, func(copied int64) {
		m.emit(key, progressState(TransferKindCopy, source, destination, total, copied, true, ""))
	})
	dst.Close()

	if copyErr != nil {
		_ = m.fs.Remove(tmp)
		m.emit(key, progressState(TransferKindCopy, source, destination, total, copied, false, copyErr.Error()))
		return
	}

	if err := m.fs.Rename(tmp, destination); err != nil {
		_ = m.fs.Remove(tmp)
		m.emit(key, progressState(TransferKindCopy, source, destination, total, copied, false, err.Error()))
		return
	}

	m.emit(key, progressState(TransferKindCopy, source, destination, total, copied, false, ""))
}

func (m *Manager) runDownload(ctx context.Context, key string, fetch func(context.Context) (io.ReadCloser, int64, error), url, destination string) {
	body, total, err := fetch(ctx)
	if err != nil {
		m.emit(key, TransferState{Kind: TransferKindDownload, Destination: destination, URL: url, Error: err.Error()})
		return
	}
	defer body.Close()

	tmp := destination + tmpDownloadSuffix
	if err := m.fs.MkdirAll(parentDir(destination), 0o755); err != nil {
		m.emit(key, TransferState{Kind: TransferKindDownload, Destination: destination, URL: url, TotalBytes: total, Error: err.Error()})
		return
	}

	dst, err := m.fs.Create(tmp)
	if err != nil {
		m.emit(key, TransferState{Kind: TransferKindDownload, Destination: destination, URL: url, TotalBytes: total, Error: err.Error()})
		return
	}

	copied, copyErr := m.copyChunked(ctx, dst, body, total, func(copied int64) {
		m.emit(key, progressStateURL(url, destination, total, copied, true, ""))
	})
	dst.Close()

	if copyErr != nil {
		_ = m.fs.Remove(tmp)
		m.emit(key, progressStateURL(url, destination, total, copied, false, copyErr.Error()))
		return
	}

	if err := m.fs.Rename(tmp, destination); err != nil {
		_ = m.fs.Remove(tmp)
		m.emit(key, progressStateURL(url, destination, total, copied, false, err.Error()))
		return
	}

	m.emit(key, progressStateURL(url, destination, total, copied, false, ""))
}

func progressState(kind TransferKind, source, destination string, total, copied int64, inProgress bool, errMsg string) TransferState {
	s := TransferState{
		Kind:        kind,
		Destination: destination,
		Source:      source,
		TotalBytes:  total,
		CopiedBytes: copied,
		InProgress:  inProgress,
		Error:       errMsg,
	}
	if total > 0 {
		s.Percent = 100 * float64(copied) / float64(total)
	}
	return s
}

func progressStateURL(url, destination string, total, copied int64, inProgress bool, errMsg string) TransferState {
	s := progressState(TransferKindDownload, "", destination, total, copied, inProgress, errMsg)
	s.URL = url
	return s
}

// copyChunked copies src to dst in ChunkSize pieces, invoking onProgress
// after each chunk and honoring ctx cancellation between chunks.
func (m *Manager) copyChunked(ctx context.Context, dst io.Writer, src io.Reader, total int64, onProgress func(copied int64)) (int64, error) {
	buf := make([]byte, ChunkSize)
	var copied int64

	for {
		if ctx.Err() != nil {
			return copied, ctx.Err()
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return copied, errors.Wrap(err, errCopyFailed)
			}
			copied += int64(n)
			onProgress(copied)
		}
		if readErr == io.EOF {
			return copied, nil
		}
		if readErr != nil {
			return copied, errors.Wrap(readErr, errCopyFailed)
		}
	}
}

// Shutdown cancels every in-flight transfer and waits up to timeout for
// them to settle.
func (m *Manager) Shutdown(timeout time.Duration) {
	m.mu.Lock()
	transfers := make([]*transfer, 0, len(m.transfers))
	for _, t := range m.transfers {
		transfers = append(transfers, t)
	}
	m.mu.Unlock()

	for _, t := range transfers {
		t.mu.Lock()
		cancel := t.cancel
		t.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		n := len(m.transfers)
		m.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func parentDir(p string) string {
	idx := strings.LastIndex(p, "/")
	if idx < 0 {
		return "."
	}
	return p[:idx]
}
