package prefetch

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charon-vfx/charon/pkg/charon/batchread"
	"github.com/charon-vfx/charon/pkg/charon/cache"
	"github.com/charon-vfx/charon/pkg/charon/folderlist"
)

func newScheduler(t *testing.T) (*Scheduler, afero.Fs, *cache.Store) {
	t.Helper()
	fs := afero.NewMemMapFs()
	store := cache.New()
	batch := batchread.New(fs, store)
	list := folderlist.New(fs, store)
	return New(fs, store, batch, list), fs, store
}

func TestPrefetchFolderWarmsAllTiers(t *testing.T) {
	s, fs, store := newScheduler(t)
	require.NoError(t, afero.WriteFile(fs, "/repo/f/sub/.charon.json", []byte(`{"tags":["a","b"]}`), 0o644))

	require.NoError(t, s.PrefetchFolder(context.Background(), "/repo/f"))

	_, ok := store.GetFolderContents("/repo/f")
	assert.True(t, ok)

	_, ok = store.GetCachedData(batchread.CacheKey("/repo/f"), batchread.CacheTTL)
	assert.True(t, ok)

	tags, ok := store.GetFolderTags("/repo/f")
	require.True(t, ok)
	assert.Contains(t, tags, "a")
	assert.Contains(t, tags, "b")

	summary, ok := store.GetScriptValidation("/repo/f/sub")
	require.True(t, ok)
	assert.True(t, summary.HasEntry)
}

func TestPrefetchFolderShortCircuitsWhenAlreadyWarm(t *testing.T) {
	s, fs, store := newScheduler(t)
	require.NoError(t, fs.MkdirAll("/repo/f/sub", 0o755))

	store.CacheFolderContents("/repo/f", nil)
	store.CacheData(batchread.CacheKey("/repo/f"), map[string]any{}, batchread.CacheTTL)

	// Should return immediately without scanning (no panic even though fs
	// has a subfolder that would otherwise be picked up).
	require.NoError(t, s.PrefetchFolder(context.Background(), "/repo/f"))
}

func TestPrefetchAllFoldersProcessesEachSubfolder(t *testing.T) {
	s, fs, store := newScheduler(t)
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, fs.MkdirAll("/repo/"+name, 0o755))
	}

	require.NoError(t, s.PrefetchAllFolders(context.Background(), "/repo", "main"))

	for _, name := range []string{"a", "b", "c"} {
		_, ok := store.GetFolderContents("/repo/" + name)
		assert.True(t, ok, name)
		_, ok = store.GetCachedData("compat:/repo:"+name+":main", time.Hour)
		assert.True(t, ok, name)
	}
}

func TestEnqueueAndShutdownDrainsQueue(t *testing.T) {
	s, fs, store := newScheduler(t)
	require.NoError(t, fs.MkdirAll("/repo/f", 0o755))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Run(ctx)

	s.EnqueueFolder("/repo/f")
	s.Shutdown()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not shut down in time")
	}

	_, ok := store.GetFolderContents("/repo/f")
	assert.True(t, ok)
}

func TestEnqueueFolderDropsWhenQueueFull(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := cache.New()
	batch := batchread.New(fs, store)
	list := folderlist.New(fs, store)
	s := New(fs, store, batch, list, WithQueueSize(1))

	// Fill the queue without a running worker to drain it.
	s.EnqueueFolder("/a")
	// Second enqueue must not block the test.
	done := make(chan struct{})
	go func() {
		s.EnqueueFolder("/b")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("EnqueueFolder blocked on a full queue")
	}
}
