// Package override applies resolved model paths into a workflow payload
// and persists the result as the folder's validated override, so that
// once-per-session model resolution does not need to be repeated.
package override

import (
	"path"
	"regexp"
	"strings"

	"github.com/crossplane/crossplane-runtime/pkg/errors"

	"github.com/charon-vfx/charon/pkg/charon/localmirror"
)

const errSaveOverride = "cannot save workflow override"

// Resolve statuses that indicate a missing model entry is now available
// and eligible to be substituted into the workflow payload.
const (
	StatusSuccess  = "success"
	StatusResolved = "resolved"
	StatusCopied   = "copied"
)

var resolvedStatuses = map[string]struct{}{
	StatusSuccess:  {},
	StatusResolved: {},
	StatusCopied:   {},
}

// Replacement is one (original, new) string substitution pair; Original
// is matched against normalized (forward-slash) string leaves in a
// workflow payload.
type Replacement struct {
	Original string
	New      string
}

// ReplaceModelPaths recursively walks payload in place and substitutes
// every string value whose normalized (forward-slash) form equals one of
// replacements' Original values with the corresponding New value. It
// reports whether at least one substitution occurred. Applying the same
// replacement list twice is a no-op the second time, since the substituted
// values no longer match any Original.
func ReplaceModelPaths(payload any, replacements []Replacement) bool {
	normalized := make([]Replacement, 0, len(replacements))
	for _, r := range replacements {
		if r.Original == "" || r.New == "" {
			continue
		}
		normalized = append(normalized, Replacement{Original: normalizePath(r.Original), New: r.New})
	}
	if len(normalized) == 0 {
		return false
	}

	replaced := false
	var walk func(v any) any
	walk = func(v any) any {
		switch val := v.(type) {
		case map[string]any:
			for k, entry := range val {
				val[k] = walk(entry)
			}
			return val
		case []any:
			for i, entry := range val {
				val[i] = walk(entry)
			}
			return val
		case string:
			candidate := normalizePath(val)
			for _, r := range normalized {
				if candidate == r.Original {
					replaced = true
					return r.New
				}
			}
			return val
		default:
			return v
		}
	}
	walk(payload)
	return replaced
}

func normalizePath(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\\", "/"))
}

// SaveOverride persists payload as remoteFolder's validated workflow
// override via the local mirror, marking it validated.
func SaveOverride(mirror *localmirror.Mirror, remoteFolder string, payload any) (string, error) {
	path, err := mirror.MarkValidatedWorkflow(remoteFolder, payload)
	if err != nil {
		return "", errors.Wrap(err, errSaveOverride)
	}
	return path, nil
}

// MissingModelEntry is one unresolved-then-resolved model reference
// surfaced by a prior validation pass, as recorded against the "models"
// validation issue.
type MissingModelEntry struct {
	Name          string
	Category      string
	ResolveStatus string
	ResolveMethod string
}

// ModelIssueData is the data payload of a "models" ValidationIssue,
// sufficient to derive override replacements from it.
type ModelIssueData struct {
	ModelsRoot    string
	Found         []string
	MissingModels []MissingModelEntry
}

var pathHintPattern = regexp.MustCompile(`(?i)([A-Za-z]:[\\/]\S+|\\\\\S+|models/\S+)`)

// CollectModelReplacements derives workflow-payload replacements from a
// "models" validation issue's data: for each missing-model entry whose
// resolve status indicates success, find its resolved location among
// Found (matched by basename and, when given, category) or else parse a
// path hint out of its resolve-method text, then format it relative to
// ModelsRoot for substitution into the workflow payload. Entries that
// cannot be resolved to a usable replacement are skipped. The result is
// deduplicated by (lowercase original, new).
func CollectModelReplacements(data ModelIssueData) []Replacement {
	var out []Replacement
	seen := make(map[string]struct{})

	for _, entry := range data.MissingModels {
		r, ok := replacementForMissingModel(entry, data.ModelsRoot, data.Found)
		if !ok {
			continue
		}
		key := strings.ToLower(r.Original) + "\x00" + r.New
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}

// ApplyValidationModelOverrides applies the replacements derivable from a
// "models" validation issue into payload, returning whether anything
// changed and the replacements that were attempted.
func ApplyValidationModelOverrides(payload any, data ModelIssueData) (bool, []Replacement) {
	replacements := CollectModelReplacements(data)
	if len(replacements) == 0 {
		return false, nil
	}
	return ReplaceModelPaths(payload, replacements), replacements
}

func replacementForMissingModel(entry MissingModelEntry, modelsRoot string, found []string) (Replacement, bool) {
	status := strings.ToLower(strings.TrimSpace(entry.ResolveStatus))
	if status != "" {
		if _, ok := resolvedStatuses[status]; !ok {
			return Replacement{}, false
		}
	}

	original := strings.TrimSpace(entry.Name)
	if original == "" {
		return Replacement{}, false
	}

	hint := matchFoundPath(original, entry.Category, found)
	if hint == "" {
		hint = extractPathFromText(entry.ResolveMethod)
	}
	if hint == "" {
		return Replacement{}, false
	}

	resolved := normalizeResolvedValue(hint, modelsRoot, entry.Category)
	normalizedOriginal := normalizePath(original)
	if resolved == "" || resolved == normalizedOriginal {
		return Replacement{}, false
	}

	return Replacement{Original: normalizedOriginal, New: resolved}, true
}

func matchFoundPath(originalName, category string, found []string) string {
	targetBase := strings.ToLower(path.Base(normalizePath(originalName)))
	targetCategory := strings.ToLower(strings.TrimSpace(category))

	var best string
	for _, candidate := range found {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if strings.ToLower(path.Base(normalizePath(candidate))) != targetBase {
			continue
		}
		if targetCategory != "" {
			relLower := strings.ToLower(normalizePath(candidate))
			if strings.Contains(relLower, "/"+targetCategory+"/") ||
				strings.HasPrefix(relLower, targetCategory+"/") {
				return candidate
			}
		}
		if best == "" {
			best = candidate
		}
	}
	return best
}

func normalizeResolvedValue(pathValue, modelsRoot, category string) string {
	normalized := relativizeModelPath(pathValue, modelsRoot)
	segments := nonEmptySegments(normalized)
	if category != "" && len(segments) > 0 && strings.EqualFold(segments[0], category) {
		if len(segments) > 1 {
			normalized = strings.Join(segments[1:], "/")
		} else {
			normalized = segments[0]
		}
	}
	return formatForAPIPath(normalized)
}

func relativizeModelPath(pathValue, modelsRoot string) string {
	normalized := normalizePath(pathValue)
	if normalized == "" {
		return normalized
	}

	rootNorm := normalizePath(modelsRoot)
	if rootNorm != "" {
		rootNorm = strings.TrimSuffix(rootNorm, "/")
		lower := strings.ToLower(normalized)
		rootLower := strings.ToLower(rootNorm)
		if strings.HasPrefix(lower, rootLower+"/") {
			normalized = normalized[len(rootNorm)+1:]
		} else if lower == rootLower {
			normalized = ""
		}
	}

	if strings.HasPrefix(strings.ToLower(normalized), "models/") {
		normalized = normalized[len("models/"):]
	}
	return normalized
}

func nonEmptySegments(p string) []string {
	var out []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

func extractPathFromText(value string) string {
	text := strings.TrimSpace(value)
	if text == "" {
		return ""
	}
	if m := pathHintPattern.FindString(text); m != "" {
		return m
	}
	if idx := strings.Index(text, ":"); idx >= 0 {
		tail := strings.TrimSpace(text[idx+1:])
		if tail != "" {
			return tail
		}
	}
	return ""
}

// formatForAPIPath converts a normalized (forward-slash) relative model
// path to ComfyUI API's preferred backslash-separated form, leaving
// absolute and UNC paths untouched.
func formatForAPIPath(value string) string {
	normalized := normalizePath(value)
	if normalized == "" {
		return normalized
	}
	if strings.HasPrefix(normalized, "//") {
		return normalized
	}
	head := normalized
	if idx := strings.Index(normalized, "/"); idx >= 0 {
		head = normalized[:idx]
	}
	if strings.Contains(head, ":") {
		return normalized
	}
	return strings.ReplaceAll(normalized, "/", `\`)
}
