package modelresolve

import (
	"context"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/spf13/afero"

	"github.com/crossplane/crossplane-runtime/pkg/errors"

	charonhttp "github.com/charon-vfx/charon/internal/http"
	"github.com/charon-vfx/charon/pkg/charon/pathutil"
)

const errBuildDownloadRequest = "cannot build model download request"

// ResolveOutcome describes what happened when resolving a single missing
// model reference.
type ResolveOutcome struct {
	Reference         ModelReference
	ResolvedPath      string
	Resolved          bool
	ManualInstruction string
}

// Resolver locates missing model files under the local ComfyUI models
// directory or the shared model repository, and hands off copies to a
// Manager for chunked, progress-reporting transfer.
type Resolver struct {
	fs               afero.Fs
	comfyDir         string
	sharedModelsRoot string
	transfers        *Manager
	httpClient       charonhttp.Client
}

// ResolverOption configures a Resolver at construction time.
type ResolverOption func(*Resolver)

// WithHTTPClient overrides the client used for model download resolution.
func WithHTTPClient(c charonhttp.Client) ResolverOption {
	return func(r *Resolver) { r.httpClient = c }
}

// ComfyDir returns the ComfyUI installation directory this Resolver
// searches under.
func (r *Resolver) ComfyDir() string { return r.comfyDir }

// NewResolver constructs a Resolver rooted at comfyDir, falling back to
// sharedModelsRoot (the UNC/path root of the shared model repository) when
// nothing is found locally.
func NewResolver(fs afero.Fs, comfyDir, sharedModelsRoot string, transfers *Manager, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		fs:               fs,
		comfyDir:         comfyDir,
		sharedModelsRoot: sharedModelsRoot,
		transfers:        transfers,
		httpClient:       http.DefaultClient,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolveMissing attempts to locate and stage ref under <comfyDir>/models,
// in this order: already-present (SearchModelPath), local recursive
// basename search, shared-model-repository basename search, URL download
// (if downloadURL is non-empty), or a manual-install instruction as a last
// resort.
func (r *Resolver) ResolveMissing(ctx context.Context, ref ModelReference, downloadURL string) (ResolveOutcome, error) {
	if res := SearchModelPath(r.fs, r.comfyDir, ref); res.Found {
		return ResolveOutcome{Reference: ref, ResolvedPath: res.Path, Resolved: true}, nil
	}

	destination := path.Join(r.comfyDir, "models", ref.Category, path.Base(ref.Name))

	if found, ok := indexLookup(r.fs, path.Join(r.comfyDir, "models"), path.Base(ref.Name), 8); ok {
		if err := r.transfers.StartCopy(ctx, found, destination); err != nil {
			return ResolveOutcome{}, err
		}
		return ResolveOutcome{Reference: ref, ResolvedPath: destination, Resolved: true}, nil
	}

	if r.sharedModelsRoot != "" {
		if found, ok := indexLookup(r.fs, r.sharedModelsRoot, path.Base(ref.Name), 8); ok {
			if err := r.transfers.StartCopy(ctx, found, destination); err != nil {
				return ResolveOutcome{}, err
			}
			return ResolveOutcome{Reference: ref, ResolvedPath: destination, Resolved: true}, nil
		}
	}

	if downloadURL != "" {
		if err := r.transfers.StartDownload(ctx, r.fetch(downloadURL), downloadURL, destination); err != nil {
			return ResolveOutcome{}, err
		}
		return ResolveOutcome{Reference: ref, ResolvedPath: destination, Resolved: true}, nil
	}

	return ResolveOutcome{
		Reference:         ref,
		Resolved:          false,
		ManualInstruction: "copy \"" + ref.Name + "\" to " + destination,
	}, nil
}

// fetch returns a StartDownload-compatible fetch function that issues a GET
// against url through the Resolver's configured HTTP client.
func (r *Resolver) fetch(url string) func(context.Context) (io.ReadCloser, int64, error) {
	return func(ctx context.Context) (io.ReadCloser, int64, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, 0, errors.Wrap(err, errBuildDownloadRequest)
		}
		resp, err := r.httpClient.Do(req)
		if err != nil {
			return nil, 0, errors.Wrap(err, errBuildDownloadRequest)
		}
		return resp.Body, resp.ContentLength, nil
	}
}

// FormatWorkflowValue rewrites a resolved path to the shortest unambiguous
// form relative to <comfyDir>/models/<category>/: if resolvedPath lives
// under that directory and the original reference was a bare basename, the
// simple basename is preferred; otherwise the category-relative path is
// used.
func FormatWorkflowValue(comfyDir string, ref ModelReference, resolvedPath string) string {
	categoryDir := path.Join(comfyDir, "models", ref.Category) + "/"
	normalizedResolved := pathutil.NormalizeSlashes(resolvedPath)

	if strings.HasPrefix(normalizedResolved, pathutil.NormalizeSlashes(categoryDir)) {
		rel := strings.TrimPrefix(normalizedResolved, pathutil.NormalizeSlashes(categoryDir))
		if !strings.Contains(pathutil.NormalizeSlashes(ref.Name), "/") {
			return path.Base(rel)
		}
		return rel
	}

	modelsDir := path.Join(comfyDir, "models") + "/"
	if strings.HasPrefix(normalizedResolved, pathutil.NormalizeSlashes(modelsDir)) {
		return strings.TrimPrefix(normalizedResolved, pathutil.NormalizeSlashes(modelsDir))
	}

	return normalizedResolved
}
