// Package modelresolve locates model files referenced by a workflow —
// under the local ComfyUI installation, a shared model repository, or by
// URL download — and rewrites the workflow's references to canonical
// paths. It also hosts the process-wide transfer manager that coordinates
// chunked copy/download progress (see transfer.go).
package modelresolve

import (
	"os"
	"path"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/charon-vfx/charon/pkg/charon/pathutil"
)

// ModelReference is a model file mentioned by a workflow node.
type ModelReference struct {
	Name     string
	Category string
	NodeType string
}

// key is the dedupe identity: lowercased name plus inferred category.
func (r ModelReference) key() string {
	return strings.ToLower(r.Name) + "|" + r.Category
}

var ignoredValues = map[string]struct{}{
	"none": {},
	"null": {},
	"":     {},
}

// ExtractReferences walks every node in a decoded workflow payload
// (supporting both the array-of-nodes shape and the id→node map shape),
// pulling string-valued candidates out of each node's `widgets_values` and
// `inputs[*].default`/`inputs[name]` fields, keeping those with a
// recognized model extension, and deduplicating by (lowercased name,
// inferred category).
func ExtractReferences(workflow any) []ModelReference {
	nodes := nodeList(workflow)

	seen := make(map[string]struct{})
	var out []ModelReference

	for _, node := range nodes {
		nodeMap, ok := node.(map[string]any)
		if !ok {
			continue
		}
		nodeType := stringField(nodeMap, "type")
		if nodeType == "" {
			nodeType = stringField(nodeMap, "class_type")
		}

		for _, candidate := range collectCandidates(nodeMap) {
			if !pathutil.HasModelExtension(candidate) {
				continue
			}
			if _, ignored := ignoredValues[strings.ToLower(candidate)]; ignored {
				continue
			}
			ref := ModelReference{
				Name:     candidate,
				Category: pathutil.CategoryForNode(nodeType),
				NodeType: nodeType,
			}
			if _, dup := seen[ref.key()]; dup {
				continue
			}
			seen[ref.key()] = struct{}{}
			out = append(out, ref)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// nodeList normalizes the two workflow node shapes (a top-level "nodes"
// array, or an id→node object) into a flat slice.
func nodeList(workflow any) []any {
	root, ok := workflow.(map[string]any)
	if !ok {
		return nil
	}
	rawNodes, ok := root["nodes"]
	if !ok {
		return nil
	}
	switch v := rawNodes.(type) {
	case []any:
		return v
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, 0, len(v))
		for _, k := range keys {
			out = append(out, v[k])
		}
		return out
	default:
		return nil
	}
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func collectCandidates(node map[string]any) []string {
	var out []string

	if widgets, ok := node["widgets_values"].([]any); ok {
		for _, w := range widgets {
			if s, ok := w.(string); ok {
				out = append(out, s)
			}
		}
	}

	switch inputs := node["inputs"].(type) {
	case []any:
		for _, entry := range inputs {
			m, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			if s, ok := m["default"].(string); ok {
				out = append(out, s)
			}
		}
	case map[string]any:
		for _, v := range inputs {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
	}

	return out
}

// SearchResult is the outcome of searching for a single model reference.
type SearchResult struct {
	Reference ModelReference
	Path      string
	Found     bool
}

// SearchModelPath implements the path-search chain of spec.md §4.G steps
// 1-6: absolute existing path, comfy-relative path, a "models/"-prefixed
// subpath, category directory, flat models directory, and finally a
// shallow (depth ≤ 3) basename index of <comfyDir>/models.
func SearchModelPath(fs afero.Fs, comfyDir string, ref ModelReference) SearchResult {
	normalized := pathutil.NormalizeSlashes(ref.Name)

	// 1. absolute and exists.
	if path.IsAbs(normalized) {
		if exists(fs, normalized) {
			return SearchResult{ref, normalized, true}
		}
	}

	// 2. under comfy dir with the normalized relative path.
	candidate := path.Join(comfyDir, normalized)
	if exists(fs, candidate) {
		return SearchResult{ref, candidate, true}
	}

	// 3. strip a "models/"-prefixed subdirectory component and retry under
	// <comfy>/models/.
	if idx := strings.Index(normalized, "models/"); idx >= 0 {
		stripped := normalized[idx+len("models/"):]
		candidate = path.Join(comfyDir, "models", stripped)
		if exists(fs, candidate) {
			return SearchResult{ref, candidate, true}
		}
	}

	basename := path.Base(normalized)

	// 4. <comfy>/models/<category>/<basename>.
	candidate = path.Join(comfyDir, "models", ref.Category, basename)
	if exists(fs, candidate) {
		return SearchResult{ref, candidate, true}
	}

	// 5. <comfy>/models/<basename>.
	candidate = path.Join(comfyDir, "models", basename)
	if exists(fs, candidate) {
		return SearchResult{ref, candidate, true}
	}

	// 6. shallow basename index of <comfy>/models (depth <= 3).
	if found, ok := indexLookup(fs, path.Join(comfyDir, "models"), basename, 3); ok {
		return SearchResult{ref, found, true}
	}

	return SearchResult{ref, "", false}
}

func exists(fs afero.Fs, p string) bool {
	ok, err := afero.Exists(fs, p)
	return err == nil && ok
}

// indexLookup walks root up to maxDepth levels looking for a
// case-insensitive basename match.
func indexLookup(fs afero.Fs, root, basename string, maxDepth int) (string, bool) {
	lowerTarget := strings.ToLower(basename)
	var found string

	_ = afero.Walk(fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil //nolint:nilerr // unreadable subtree is skipped
		}
		if found != "" {
			return nil
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(p, root), "/")
		depth := 0
		if rel != "" {
			depth = strings.Count(rel, "/") + 1
		}
		if depth > maxDepth {
			return nil
		}
		if info.IsDir() {
			return nil
		}
		if strings.ToLower(path.Base(p)) == lowerTarget {
			found = p
		}
		return nil
	})

	return found, found != ""
}
