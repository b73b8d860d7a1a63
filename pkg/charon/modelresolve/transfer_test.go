package modelresolve

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForTerminalState(t *testing.T, ch <-chan TransferState) TransferState {
	t.Helper()
	var last TransferState
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return last
			}
			last = s
			if !s.InProgress {
				return s
			}
		case <-timeout:
			t.Fatal("timed out waiting for transfer to complete")
			return last
		}
	}
}

func TestStartCopySucceeds(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/model.safetensors", make([]byte, ChunkSize+100), 0o644))

	m := NewManager(fs)
	ch, unsubscribe := m.Subscribe("/dst/model.safetensors")
	defer unsubscribe()

	require.NoError(t, m.StartCopy(context.Background(), "/src/model.safetensors", "/dst/model.safetensors"))

	final := waitForTerminalState(t, ch)
	assert.Empty(t, final.Error)
	assert.Equal(t, int64(ChunkSize+100), final.CopiedBytes)

	exists, err := afero.Exists(fs, "/dst/model.safetensors")
	require.NoError(t, err)
	assert.True(t, exists)

	tmpExists, err := afero.Exists(fs, "/dst/model.safetensors.tmp")
	require.NoError(t, err)
	assert.False(t, tmpExists)
}

func TestStartCopyMissingSourceReportsError(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := NewManager(fs)
	ch, unsubscribe := m.Subscribe("/dst/missing.safetensors")
	defer unsubscribe()

	require.NoError(t, m.StartCopy(context.Background(), "/src/missing.safetensors", "/dst/missing.safetensors"))

	final := waitForTerminalState(t, ch)
	assert.NotEmpty(t, final.Error)
}

func TestStartCopyCancellationRemovesPartial(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/big.safetensors", make([]byte, ChunkSize*3), 0o644))

	m := NewManager(fs)
	ctx, cancel := context.WithCancel(context.Background())
	ch, unsubscribe := m.Subscribe("/dst/big.safetensors")
	defer unsubscribe()

	require.NoError(t, m.StartCopy(ctx, "/src/big.safetensors", "/dst/big.safetensors"))
	cancel()

	final := waitForTerminalState(t, ch)
	assert.NotEmpty(t, final.Error)

	tmpExists, err := afero.Exists(fs, "/dst/big.safetensors.tmp")
	require.NoError(t, err)
	assert.False(t, tmpExists, "cancellation must remove the partial temp file")
}

func TestSecondStartCopyJoinsExistingTransfer(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/src/model.safetensors", make([]byte, 10), 0o644))

	m := NewManager(fs)
	ctx := context.Background()
	require.NoError(t, m.StartCopy(ctx, "/src/model.safetensors", "/dst/model.safetensors"))
	// A second start for the same destination before the first completes
	// must not error and must not start a duplicate transfer.
	require.NoError(t, m.StartCopy(ctx, "/src/model.safetensors", "/dst/model.safetensors"))
}

func TestPruneAfterUnsubscribeWhenIdle(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := NewManager(fs)
	_, unsubscribe := m.Subscribe("/dst/x")
	unsubscribe()

	m.mu.Lock()
	_, exists := m.transfers["/dst/x"]
	m.mu.Unlock()
	assert.False(t, exists)
}
