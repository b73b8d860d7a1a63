package noderesolve

import (
	"strings"

	"github.com/charon-vfx/charon/pkg/charon/metadata"
)

// ignoredNodeTypes are excluded from the required-node extraction (note,
// reroute, and similar graph-structural nodes that never ship as an
// installable package).
var ignoredNodeTypes = map[string]struct{}{
	"note":      {},
	"primitive": {},
	"reroute":   {},
	"setnode":   {},
	"getnode":   {},
}

// coreRepoKey is the sentinel repo identifier for nodes shipped with
// ComfyUI itself; it is never a candidate for installation.
const coreRepoKey = "comfy-core"

// RequiredNodeTypes collects the `type`/`class_type` values used by a
// workflow's nodes, excluding ignoredNodeTypes, case-insensitively.
func RequiredNodeTypes(workflow any) []string {
	root, ok := workflow.(map[string]any)
	if !ok {
		return nil
	}
	rawNodes, ok := root["nodes"]
	if !ok {
		return nil
	}

	seen := make(map[string]struct{})
	var out []string

	add := func(node map[string]any) {
		t, _ := node["type"].(string)
		if t == "" {
			t, _ = node["class_type"].(string)
		}
		if t == "" {
			return
		}
		if _, ignored := ignoredNodeTypes[strings.ToLower(t)]; ignored {
			return
		}
		if _, dup := seen[t]; dup {
			return
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}

	switch nodes := rawNodes.(type) {
	case []any:
		for _, n := range nodes {
			if m, ok := n.(map[string]any); ok {
				add(m)
			}
		}
	case map[string]any:
		for _, n := range nodes {
			if m, ok := n.(map[string]any); ok {
				add(m)
			}
		}
	}

	return out
}

// AuxIDLookup returns a node class name's declared `properties.aux_id`
// value, when present on at least one workflow node of that class.
func AuxIDLookup(workflow any) map[string]string {
	root, ok := workflow.(map[string]any)
	if !ok {
		return nil
	}
	rawNodes, ok := root["nodes"]
	if !ok {
		return nil
	}

	out := make(map[string]string)
	visit := func(node map[string]any) {
		t, _ := node["type"].(string)
		if t == "" {
			t, _ = node["class_type"].(string)
		}
		props, ok := node["properties"].(map[string]any)
		if !ok {
			return
		}
		if auxID, ok := props["aux_id"].(string); ok && auxID != "" {
			out[t] = auxID
		}
	}

	switch nodes := rawNodes.(type) {
	case []any:
		for _, n := range nodes {
			if m, ok := n.(map[string]any); ok {
				visit(m)
			}
		}
	case map[string]any:
		for _, n := range nodes {
			if m, ok := n.(map[string]any); ok {
				visit(m)
			}
		}
	}
	return out
}

// MatchResult describes how a missing node class was mapped to a
// repository, if at all.
type MatchResult struct {
	ClassType string
	Repo      string
	Method    string // "mapping", "regex", "aux_id", "catalog_token", "installed_folder", or "" if unmatched
}

// MatchMissingNode maps a single missing node class to a repository,
// trying in order: the catalog's class→pack mapping, its regex name
// patterns, the workflow node's declared aux_id, catalog title/name token
// overlap, and installed custom_nodes/ folder name overlap.
func MatchMissingNode(classType string, catalog *Catalog, auxIDs map[string]string, installedFolders []string) MatchResult {
	if catalog != nil {
		if repos := catalog.ClassToPackIDs[classType]; len(repos) > 0 {
			return MatchResult{ClassType: classType, Repo: repos[0], Method: "mapping"}
		}
		for _, np := range catalog.NamePatterns {
			if np.Pattern.MatchString(classType) {
				return MatchResult{ClassType: classType, Repo: np.Repo, Method: "regex"}
			}
		}
	}

	if auxIDs != nil {
		if auxID, ok := auxIDs[classType]; ok && auxID != "" {
			return MatchResult{ClassType: classType, Repo: auxID, Method: "aux_id"}
		}
	}

	if catalog != nil {
		if repo, ok := matchByTokenOverlap(classType, catalog); ok {
			return MatchResult{ClassType: classType, Repo: repo, Method: "catalog_token"}
		}
	}

	if repo, ok := matchByInstalledFolder(classType, installedFolders); ok {
		return MatchResult{ClassType: classType, Repo: repo, Method: "installed_folder"}
	}

	return MatchResult{ClassType: classType}
}

func matchByTokenOverlap(classType string, catalog *Catalog) (string, bool) {
	lower := strings.ToLower(classType)
	for repo, meta := range catalog.Packs {
		if repo == coreRepoKey {
			continue
		}
		if meta.Title != "" && strings.Contains(lower, strings.ToLower(stripSpaces(meta.Title))) {
			return repo, true
		}
	}
	return "", false
}

func matchByInstalledFolder(classType string, installedFolders []string) (string, bool) {
	lower := strings.ToLower(classType)
	for _, folder := range installedFolders {
		normalized := strings.NewReplacer("-", "", "_", "", " ", "").Replace(strings.ToLower(folder))
		if normalized == "" {
			continue
		}
		if strings.Contains(lower, normalized) {
			return folder, true
		}
	}
	return "", false
}

func stripSpaces(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), " ", "")
}

// MatchDependency reports whether a workflow folder's declared dependency
// d plausibly provides classType, via a case-insensitive substring match
// between the class name and the dependency's name or repo URL.
func MatchDependency(classType string, d metadata.Dependency) bool {
	lower := strings.ToLower(classType)
	if d.Name != "" && strings.Contains(lower, strings.ToLower(stripSpaces(d.Name))) {
		return true
	}
	return d.Repo != "" && strings.Contains(strings.ToLower(d.Repo), lower)
}
