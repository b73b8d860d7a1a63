package modelresolve

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveMissingAlreadyPresent(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/comfy/models/checkpoints/a.safetensors", []byte("x"), 0o644))

	r := NewResolver(fs, "/comfy", "", NewManager(fs))
	outcome, err := r.ResolveMissing(context.Background(), ModelReference{Name: "a.safetensors", Category: "checkpoints"}, "")
	require.NoError(t, err)
	assert.True(t, outcome.Resolved)
	assert.Equal(t, "/comfy/models/checkpoints/a.safetensors", outcome.ResolvedPath)
}

func TestResolveMissingCopiesFromLocalModelsTree(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/comfy/models/misc/a/b/c/found.safetensors", []byte("payload"), 0o644))

	r := NewResolver(fs, "/comfy", "", NewManager(fs))
	outcome, err := r.ResolveMissing(context.Background(), ModelReference{Name: "found.safetensors", Category: "checkpoints"}, "")
	require.NoError(t, err)
	assert.True(t, outcome.Resolved)
	assert.Equal(t, "/comfy/models/checkpoints/found.safetensors", outcome.ResolvedPath)
}

func TestResolveMissingFallsBackToSharedRoot(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/shared/models/shared.safetensors", []byte("payload"), 0o644))

	r := NewResolver(fs, "/comfy", "/shared/models", NewManager(fs))
	outcome, err := r.ResolveMissing(context.Background(), ModelReference{Name: "shared.safetensors", Category: "checkpoints"}, "")
	require.NoError(t, err)
	assert.True(t, outcome.Resolved)
}

func TestResolveMissingReturnsManualInstructionAsLastResort(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := NewResolver(fs, "/comfy", "", NewManager(fs))
	outcome, err := r.ResolveMissing(context.Background(), ModelReference{Name: "nowhere.safetensors", Category: "checkpoints"}, "")
	require.NoError(t, err)
	assert.False(t, outcome.Resolved)
	assert.Contains(t, outcome.ManualInstruction, "nowhere.safetensors")
}
