package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFolderContentsRoundTrip(t *testing.T) {
	s := New()
	entries := []FolderEntry{{Path: "/repo/a", Name: "a"}}

	_, ok := s.GetFolderContents("/repo")
	assert.False(t, ok)

	s.CacheFolderContents("/repo", entries)
	got, ok := s.GetFolderContents("/repo")
	require.True(t, ok)
	assert.Equal(t, entries, got)
}

func TestCacheFolderContentsMarksHot(t *testing.T) {
	s := New()
	s.CacheFolderContents("/repo/hot", nil)
	hot := s.HotFolders()
	require.Len(t, hot, 1)
	assert.Equal(t, "/repo/hot", hot[0])
}

func TestHotFoldersMRUOrderAndBound(t *testing.T) {
	s := New(WithMaxHotFolders(2))
	s.CacheFolderContents("/a", nil)
	s.CacheFolderContents("/b", nil)
	s.CacheFolderContents("/c", nil)

	hot := s.HotFolders()
	require.Len(t, hot, 2)
	assert.Equal(t, []string{"/c", "/b"}, hot)

	// Re-touching an existing hot folder moves it to the front without
	// growing the set.
	_, _ = s.GetFolderContents("/b")
	hot = s.HotFolders()
	assert.Equal(t, []string{"/b", "/c"}, hot)
}

func TestGetCachedDataExpiresAfterMaxAge(t *testing.T) {
	s := New()
	s.CacheData("k", "v", 0)

	val, ok := s.GetCachedData("k", time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, "v", val)

	time.Sleep(5 * time.Millisecond)
	_, ok = s.GetCachedData("k", time.Millisecond)
	assert.False(t, ok)

	// Removed after expiry.
	_, ok = s.GetCachedData("k", 0)
	assert.False(t, ok)
}

func TestGetCachedDataNoMaxAgeNeverExpires(t *testing.T) {
	s := New()
	s.CacheData("k", 42, 0)
	time.Sleep(2 * time.Millisecond)
	val, ok := s.GetCachedData("k", 0)
	require.True(t, ok)
	assert.Equal(t, 42, val)
}

func TestScriptValidationImplicitTTL(t *testing.T) {
	s := New()
	s.CacheScriptValidation("/w/workflow.json", ValidationSummary{HasEntry: true, CanExecute: true})

	got, ok := s.GetScriptValidation("/w/workflow.json")
	require.True(t, ok)
	assert.True(t, got.CanExecute)
}

func TestInvalidateFolderRemovesScopedEntries(t *testing.T) {
	s := New()
	s.CacheFolderContents("/repo/f", []FolderEntry{{Path: "/repo/f/x", Name: "x"}})
	s.CacheFolderTags("/repo/f", map[string]struct{}{"tag": {}})
	s.CacheData("batch_metadata:/repo/f", map[string]any{"x": 1}, 0)
	s.CacheScriptValidation("/repo/f/workflow.json", ValidationSummary{HasEntry: true})
	s.CacheScriptValidation("/repo/other/workflow.json", ValidationSummary{HasEntry: true})

	s.InvalidateFolder("/repo/f", "/")

	_, ok := s.GetFolderContents("/repo/f")
	assert.False(t, ok)
	_, ok = s.GetFolderTags("/repo/f")
	assert.False(t, ok)
	_, ok = s.GetCachedData("batch_metadata:/repo/f", 0)
	assert.False(t, ok)
	_, ok = s.GetScriptValidation("/repo/f/workflow.json")
	assert.False(t, ok)

	// Entries outside the invalidated folder survive.
	_, ok = s.GetScriptValidation("/repo/other/workflow.json")
	assert.True(t, ok)
}

func TestHotFoldersNeverEvicted(t *testing.T) {
	s := New(WithMemoryLimitBytes(1))
	s.CacheFolderContents("/hot", nil)
	s.CacheFolderTags("/evict-me", map[string]struct{}{})

	hot := s.HotFolders()
	require.Len(t, hot, 1)
	assert.Equal(t, "/hot", hot[0])

	_, ok := s.GetFolderContents("/hot")
	assert.True(t, ok, "hot folder entry must survive eviction")
}

func TestEvictionRemovesOldestNonHotEntries(t *testing.T) {
	s := New(WithMemoryLimitBytes(1))

	for i := 0; i < 10; i++ {
		s.CacheData(string(rune('a'+i)), i, 0)
	}

	// Eviction runs on every write once over budget; the very first keys
	// inserted are the oldest and should be the first to go.
	_, okFirst := s.GetCachedData("a", 0)
	_, okLast := s.GetCachedData(string(rune('a'+9)), 0)

	assert.False(t, okFirst)
	assert.True(t, okLast)
}
