package noderesolve

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/charon-vfx/charon/pkg/charon/metadata"
)

func TestRequiredNodeTypesExcludesIgnoredAndDuplicates(t *testing.T) {
	workflow := map[string]any{
		"nodes": []any{
			map[string]any{"type": "KSampler"},
			map[string]any{"type": "Note"},
			map[string]any{"type": "KSampler"},
			map[string]any{"class_type": "VAEDecode"},
		},
	}
	got := RequiredNodeTypes(workflow)
	assert.Equal(t, []string{"KSampler", "VAEDecode"}, got)
}

func TestAuxIDLookupCollectsDeclaredIDs(t *testing.T) {
	workflow := map[string]any{
		"nodes": []any{
			map[string]any{
				"type":       "ImpactSwitch",
				"properties": map[string]any{"aux_id": "ltdrdata/ComfyUI-Impact-Pack"},
			},
		},
	}
	got := AuxIDLookup(workflow)
	assert.Equal(t, "ltdrdata/ComfyUI-Impact-Pack", got["ImpactSwitch"])
}

func TestMatchMissingNodeViaMapping(t *testing.T) {
	cat := &Catalog{
		ClassToPackIDs: map[string][]string{"ImpactSwitch": {"https://github.com/ltdrdata/ComfyUI-Impact-Pack"}},
	}
	got := MatchMissingNode("ImpactSwitch", cat, nil, nil)
	assert.Equal(t, "mapping", got.Method)
	assert.Equal(t, "https://github.com/ltdrdata/ComfyUI-Impact-Pack", got.Repo)
}

func TestMatchMissingNodeViaRegex(t *testing.T) {
	cat := &Catalog{
		ClassToPackIDs: map[string][]string{},
		NamePatterns: []NamePattern{
			{Pattern: regexp.MustCompile("(?i)^Impact"), Repo: "https://github.com/ltdrdata/ComfyUI-Impact-Pack"},
		},
	}
	got := MatchMissingNode("ImpactValueSender", cat, nil, nil)
	assert.Equal(t, "regex", got.Method)
}

func TestMatchMissingNodeViaAuxID(t *testing.T) {
	aux := map[string]string{"CustomNode": "owner/repo"}
	got := MatchMissingNode("CustomNode", &Catalog{ClassToPackIDs: map[string][]string{}}, aux, nil)
	assert.Equal(t, "aux_id", got.Method)
	assert.Equal(t, "owner/repo", got.Repo)
}

func TestMatchMissingNodeViaCatalogTokenOverlap(t *testing.T) {
	cat := &Catalog{
		ClassToPackIDs: map[string][]string{},
		Packs: map[string]PackMeta{
			"https://github.com/owner/efficiency-nodes": {Title: "Efficiency Nodes"},
		},
	}
	got := MatchMissingNode("EfficiencyNodesSampler", cat, nil, nil)
	assert.Equal(t, "catalog_token", got.Method)
	assert.Equal(t, "https://github.com/owner/efficiency-nodes", got.Repo)
}

func TestMatchMissingNodeViaInstalledFolder(t *testing.T) {
	got := MatchMissingNode("WASNodeSuiteImage", nil, nil, []string{"was-node-suite"})
	assert.Equal(t, "installed_folder", got.Method)
	assert.Equal(t, "was-node-suite", got.Repo)
}

func TestMatchMissingNodeUnmatched(t *testing.T) {
	got := MatchMissingNode("TotallyUnknownNode", nil, nil, nil)
	assert.Empty(t, got.Method)
	assert.Empty(t, got.Repo)
}

func TestMatchMissingNodeSkipsCoreRepoInTokenOverlap(t *testing.T) {
	cat := &Catalog{
		ClassToPackIDs: map[string][]string{},
		Packs: map[string]PackMeta{
			coreRepoKey: {Title: "KSampler"},
		},
	}
	got := MatchMissingNode("KSamplerAdvanced", cat, nil, nil)
	assert.Empty(t, got.Method)
}

func TestMatchDependencyByNameAndRepo(t *testing.T) {
	assert.True(t, MatchDependency("ImpactSwitch", metadata.Dependency{Name: "impact"}))
	assert.True(t, MatchDependency("efficiencynodes", metadata.Dependency{Repo: "https://github.com/owner/efficiencynodes"}))
	assert.False(t, MatchDependency("Unrelated", metadata.Dependency{Name: "impact", Repo: "https://github.com/owner/impact"}))
}
