package pathutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowHashStableUnderKeyOrder(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "nested": map[string]any{"z": 1, "y": 2}}
	b := map[string]any{"a": 2, "b": 1, "nested": map[string]any{"y": 2, "z": 1}}

	hashA, err := WorkflowHash(a)
	require.NoError(t, err)
	hashB, err := WorkflowHash(b)
	require.NoError(t, err)

	assert.Equal(t, hashA, hashB)
	assert.Len(t, hashA, 64)
}

func TestWorkflowHashChangesWithContent(t *testing.T) {
	h1, err := WorkflowHash(map[string]any{"a": 1})
	require.NoError(t, err)
	h2, err := WorkflowHash(map[string]any{"a": 2})
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}

func TestValidationCacheKeyNormalizesSlashes(t *testing.T) {
	k1 := ValidationCacheKey(`C:\comfy\run.bat`)
	k2 := ValidationCacheKey(`C:/comfy/run.bat`)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 40)
}

func TestRelativeToRepo(t *testing.T) {
	tests := []struct {
		name    string
		root    string
		folder  string
		want    string
		wantErr bool
	}{
		{"simple nested", "/repo", "/repo/sub/workflow", "sub/workflow", false},
		{"case-insensitive prefix", "/Repo", "/repo/sub", "sub", false},
		{"outside repo", "/repo", "/other/sub", "", true},
		{"exact root", "/repo", "/repo", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := RelativeToRepo(tc.root, tc.folder)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestHasModelExtension(t *testing.T) {
	assert.True(t, HasModelExtension("model.safetensors"))
	assert.True(t, HasModelExtension("MODEL.CKPT"))
	assert.False(t, HasModelExtension("readme.txt"))
	assert.False(t, HasModelExtension("none"))
}

func TestCategoryForNode(t *testing.T) {
	assert.Equal(t, "loras", CategoryForNode("LoraLoader"))
	assert.Equal(t, "controlnet", CategoryForNode("ControlNetApply"))
	assert.Equal(t, "diffusion_models", CategoryForNode("UNETLoader"))
	assert.Equal(t, "vae", CategoryForNode("VAELoader"))
	assert.Equal(t, "clip", CategoryForNode("CLIPLoader"))
	assert.Equal(t, "embeddings", CategoryForNode("EmbeddingLoader"))
	assert.Equal(t, "checkpoints", CategoryForNode("CheckpointLoaderSimple"))
}
