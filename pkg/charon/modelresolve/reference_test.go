package modelresolve

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractReferencesArrayShape(t *testing.T) {
	workflow := map[string]any{
		"nodes": []any{
			map[string]any{
				"type":           "CheckpointLoaderSimple",
				"widgets_values": []any{"sd_xl_base.safetensors", 20},
			},
			map[string]any{
				"type":           "LoraLoader",
				"widgets_values": []any{"style.safetensors", "none"},
			},
			map[string]any{
				"type": "Note",
			},
		},
	}

	refs := ExtractReferences(workflow)
	require.Len(t, refs, 2)
	assert.Equal(t, "checkpoints", refs[0].Category) // sd_xl_base... < style..., sorted by name
	assert.Equal(t, "loras", refs[1].Category)
}

func TestExtractReferencesIDMapShape(t *testing.T) {
	workflow := map[string]any{
		"nodes": map[string]any{
			"1": map[string]any{
				"class_type": "VAELoader",
				"inputs": map[string]any{
					"vae_name": "my_vae.safetensors",
				},
			},
		},
	}

	refs := ExtractReferences(workflow)
	require.Len(t, refs, 1)
	assert.Equal(t, "vae", refs[0].Category)
	assert.Equal(t, "my_vae.safetensors", refs[0].Name)
}

func TestExtractReferencesDedupesByNameAndCategory(t *testing.T) {
	workflow := map[string]any{
		"nodes": []any{
			map[string]any{"type": "CheckpointLoaderSimple", "widgets_values": []any{"model.safetensors"}},
			map[string]any{"type": "CheckpointLoaderSimple", "widgets_values": []any{"MODEL.SAFETENSORS"}},
		},
	}
	refs := ExtractReferences(workflow)
	assert.Len(t, refs, 1)
}

func TestExtractReferencesIgnoresNonModelExtensions(t *testing.T) {
	workflow := map[string]any{
		"nodes": []any{
			map[string]any{"type": "Note", "widgets_values": []any{"hello world", "none", ""}},
		},
	}
	refs := ExtractReferences(workflow)
	assert.Empty(t, refs)
}

func TestSearchModelPathAbsoluteExists(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/abs/model.safetensors", []byte("x"), 0o644))

	ref := ModelReference{Name: "/abs/model.safetensors", Category: "checkpoints"}
	res := SearchModelPath(fs, "/comfy", ref)
	require.True(t, res.Found)
	assert.Equal(t, "/abs/model.safetensors", res.Path)
}

func TestSearchModelPathCategoryDirectory(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/comfy/models/loras/style.safetensors", []byte("x"), 0o644))

	ref := ModelReference{Name: "style.safetensors", Category: "loras"}
	res := SearchModelPath(fs, "/comfy", ref)
	require.True(t, res.Found)
	assert.Equal(t, "/comfy/models/loras/style.safetensors", res.Path)
}

func TestSearchModelPathStripsModelsPrefix(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/comfy/models/vae/my.safetensors", []byte("x"), 0o644))

	ref := ModelReference{Name: "models/vae/my.safetensors", Category: "vae"}
	res := SearchModelPath(fs, "/comfy", ref)
	require.True(t, res.Found)
	assert.Equal(t, "/comfy/models/vae/my.safetensors", res.Path)
}

func TestSearchModelPathShallowIndexFallback(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/comfy/models/unexpected/nested/odd.safetensors", []byte("x"), 0o644))

	ref := ModelReference{Name: "odd.safetensors", Category: "checkpoints"}
	res := SearchModelPath(fs, "/comfy", ref)
	require.True(t, res.Found)
	assert.Equal(t, "/comfy/models/unexpected/nested/odd.safetensors", res.Path)
}

func TestSearchModelPathNotFound(t *testing.T) {
	fs := afero.NewMemMapFs()
	ref := ModelReference{Name: "missing.safetensors", Category: "checkpoints"}
	res := SearchModelPath(fs, "/comfy", ref)
	assert.False(t, res.Found)
}

func TestFormatWorkflowValuePrefersBasenameUnderCategory(t *testing.T) {
	ref := ModelReference{Name: "style.safetensors", Category: "loras"}
	got := FormatWorkflowValue("/comfy", ref, "/comfy/models/loras/style.safetensors")
	assert.Equal(t, "style.safetensors", got)
}

func TestFormatWorkflowValueFallsBackToModelsRelative(t *testing.T) {
	ref := ModelReference{Name: "a/b.safetensors", Category: "checkpoints"}
	got := FormatWorkflowValue("/comfy", ref, "/comfy/models/other/b.safetensors")
	assert.Equal(t, "other/b.safetensors", got)
}
