// Package pathutil provides the stable hashing and path-normalization
// primitives shared by every other Charon package: the canonical workflow
// hash, the validation cache key, repository-relative path mapping, and
// model-reference category inference.
package pathutil

import (
	"crypto/sha1" //nolint:gosec // cache key, not a security boundary
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
)

const (
	errMarshalPayload  = "cannot canonicalize workflow payload"
	errOutsideRepo     = "path is outside the configured repository root"
)

// WorkflowHash computes a stable SHA-256 hex digest of an arbitrary workflow
// payload. The payload is re-encoded with sorted object keys and no
// insignificant whitespace before hashing, matching the original
// implementation's `json.dumps(payload, sort_keys=True, separators=(",", ":"))`.
func WorkflowHash(payload any) (string, error) {
	canonical, err := canonicalize(payload)
	if err != nil {
		return "", errors.Wrap(err, errMarshalPayload)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// ValidationCacheKey returns the SHA-1 hex digest of a normalized
// (case-preserving, slash-separated) absolute path, used to key validation
// results in the general cache.
func ValidationCacheKey(comfyPath string) string {
	normalized := NormalizeSlashes(comfyPath)
	sum := sha1.Sum([]byte(normalized)) //nolint:gosec // cache key, not a security boundary
	return hex.EncodeToString(sum[:])
}

// NormalizeSlashes replaces backslashes with forward slashes and trims
// surrounding whitespace, the same normalization workflow_overrides.py
// applies before comparing or matching path-like strings.
func NormalizeSlashes(p string) string {
	return strings.TrimSpace(strings.ReplaceAll(p, `\`, "/"))
}

// RelativeToRepo computes the repository-relative path of remoteFolder,
// given the configured repository root. The prefix match is case
// insensitive (shared network shares are frequently mounted through
// case-insensitive filesystems), but the returned path preserves the
// original casing of remoteFolder. Returns an error if remoteFolder does not
// live under root.
func RelativeToRepo(root, remoteFolder string) (string, error) {
	normRoot := NormalizeSlashes(filepath.Clean(root))
	normFolder := NormalizeSlashes(filepath.Clean(remoteFolder))

	lowerFolder, lowerRoot := strings.ToLower(normFolder), strings.ToLower(normRoot)
	if lowerFolder != lowerRoot && !strings.HasPrefix(lowerFolder, strings.TrimSuffix(lowerRoot, "/")+"/") {
		return "", errors.New(errOutsideRepo)
	}

	rel := strings.TrimPrefix(normFolder[len(normRoot):], "/")
	return rel, nil
}

// ModelExtensions lists the file extensions the model reference extractor
// treats as candidate model files.
var ModelExtensions = []string{".ckpt", ".safetensors", ".pth", ".pt", ".bin", ".onnx", ".yaml"}

// HasModelExtension reports whether name ends in one of ModelExtensions,
// case-insensitively.
func HasModelExtension(name string) bool {
	lower := strings.ToLower(name)
	for _, ext := range ModelExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// categoryByNodeToken maps a lowercased substring of a node's class/type
// name to its model category directory, checked in declaration order so
// that more specific tokens (e.g. "controlnet") can be listed ahead of
// overlapping generic ones.
var categoryByNodeToken = []struct {
	token    string
	category string
}{
	{"controlnet", "controlnet"},
	{"control", "controlnet"},
	{"unet", "diffusion_models"},
	{"lora", "loras"},
	{"vae", "vae"},
	{"clip", "clip"},
	{"embedding", "embeddings"},
}

// CategoryForNode infers the model category directory for a reference found
// on a node of the given class/type name, falling back to "checkpoints"
// when no token matches.
func CategoryForNode(nodeType string) string {
	lower := strings.ToLower(nodeType)
	for _, entry := range categoryByNodeToken {
		if strings.Contains(lower, entry.token) {
			return entry.category
		}
	}
	return "checkpoints"
}

// canonicalize re-marshals an arbitrary JSON-like value (map[string]any,
// []any, or a value already decoded from JSON) with map keys sorted, by
// round-tripping through encoding/json and walking the result.
func canonicalize(payload any) ([]byte, error) {
	// Round-trip through encoding/json first so that arbitrary Go values
	// (structs, etc.) are reduced to the map[string]any/[]any/scalar shape
	// that writeCanonical expects.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}

	var buf strings.Builder
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return []byte(buf.String()), nil
}

func writeCanonical(buf *strings.Builder, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}
