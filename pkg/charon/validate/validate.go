// Package validate orchestrates environment, custom-node, and model
// validation for a workflow against a target ComfyUI installation,
// composing the cache, local mirror, model resolver, node resolver, and
// comfybridge subprocess packages into one ValidationResult.
package validate

import (
	"context"
	"encoding/json"
	"path"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/crossplane/crossplane-runtime/pkg/logging"

	"github.com/charon-vfx/charon/pkg/charon/cache"
	"github.com/charon-vfx/charon/pkg/charon/comfybridge"
	"github.com/charon-vfx/charon/pkg/charon/localmirror"
	"github.com/charon-vfx/charon/pkg/charon/metadata"
	"github.com/charon-vfx/charon/pkg/charon/modelresolve"
	"github.com/charon-vfx/charon/pkg/charon/noderesolve"
	"github.com/charon-vfx/charon/pkg/charon/pathutil"
)

// Issue keys.
const (
	KeyEnvironment = "environment"
	KeyCustomNodes = "custom_nodes"
	KeyModels      = "models"
)

// DefaultResultTTL bounds how long a persisted ValidationResult is
// considered fresh by IsStale.
const DefaultResultTTL = 900 * time.Second

const errWriteDebugArtifact = "cannot write validation debug artifact"

// ValidationIssue is one category's verdict, with free-form supporting
// data for downstream consumers (the override writer, the GUI).
type ValidationIssue struct {
	Key     string         `json:"key"`
	Label   string         `json:"label"`
	OK      bool           `json:"ok"`
	Summary string         `json:"summary"`
	Details []string       `json:"details,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// ValidationResult is the full outcome of one validation pass.
type ValidationResult struct {
	ComfyPath      string             `json:"comfy_path"`
	CacheKey       string             `json:"cache_key"`
	WorkflowFolder string             `json:"workflow_folder"`
	WorkflowName   string             `json:"workflow_name"`
	Issues         []ValidationIssue  `json:"issues"`
	StartedAt      int64              `json:"started_at"`
	FinishedAt     int64              `json:"finished_at"`
	UsedCache      bool               `json:"used_cache"`
}

// OK reports whether every issue in the result is ok.
func (r ValidationResult) OK() bool {
	for _, issue := range r.Issues {
		if !issue.OK {
			return false
		}
	}
	return true
}

// WorkflowBundle is the input to a validation pass: the decoded workflow
// payload plus the folder it was loaded from.
type WorkflowBundle struct {
	Payload        any
	WorkflowFolder string
	WorkflowName   string
	Dependencies   []metadata.Dependency
}

// Orchestrator composes the cache, local mirror, resolvers, and
// comfybridge runner to run environment/node/model validation passes.
type Orchestrator struct {
	fs       afero.Fs
	store    *cache.Store
	mirror   *localmirror.Mirror
	resolver *modelresolve.Resolver
	nodes    *noderesolve.Resolver
	bridge   *comfybridge.Runner
	tempDir  string
	log      logging.Logger

	now func() time.Time
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// WithLogger sets the logger used for debug/warn lines.
func WithLogger(l logging.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New constructs an Orchestrator. tempDir is where debug artifacts are
// written (the "Charon temp directory").
func New(
	fs afero.Fs,
	store *cache.Store,
	mirror *localmirror.Mirror,
	resolver *modelresolve.Resolver,
	nodes *noderesolve.Resolver,
	bridge *comfybridge.Runner,
	tempDir string,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		fs:       fs,
		store:    store,
		mirror:   mirror,
		resolver: resolver,
		nodes:    nodes,
		bridge:   bridge,
		tempDir:  tempDir,
		log:      logging.NewNopLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// EnvironmentCheck reports whether comfyDir and pythonExe both exist.
type EnvironmentCheck struct {
	ComfyDir  string
	PythonExe string
}

// ValidateComfyEnvironment runs the full validation pass: an optional
// environment check, a custom-node probe, model reference resolution
// merged with the local mirror's resolve log, then persists the composed
// result to the general cache and a debug artifact.
func (o *Orchestrator) ValidateComfyEnvironment(
	ctx context.Context,
	comfyPath string,
	env EnvironmentCheck,
	bundle WorkflowBundle,
	useCache bool,
	force bool,
	includeEnvironment bool,
) (ValidationResult, error) {
	cacheKey := pathutil.ValidationCacheKey(comfyPath)

	if useCache && !force {
		if cached, ok := o.GetCachedResult(comfyPath); ok && !o.IsStale(cached, DefaultResultTTL) {
			cached.UsedCache = true
			return cached, nil
		}
	}

	startedAt := o.now().Unix()
	var issues []ValidationIssue

	if includeEnvironment {
		issues = append(issues, o.checkEnvironment(env))
	}

	issues = append(issues, o.checkCustomNodes(ctx, bundle))
	issues = append(issues, o.checkModels(ctx, bundle))

	result := ValidationResult{
		ComfyPath:      comfyPath,
		CacheKey:       cacheKey,
		WorkflowFolder: bundle.WorkflowFolder,
		WorkflowName:   bundle.WorkflowName,
		Issues:         issues,
		StartedAt:      startedAt,
		FinishedAt:     o.now().Unix(),
	}

	o.store.CacheData(resultCacheKey(cacheKey), result, 0)
	if err := o.writeDebugArtifact(comfyPath, result); err != nil {
		o.log.Info("failed to write validation debug artifact", "error", err)
	}

	return result, nil
}

func (o *Orchestrator) checkEnvironment(env EnvironmentCheck) ValidationIssue {
	comfyExists, _ := afero.DirExists(o.fs, env.ComfyDir)
	pythonExists, _ := afero.Exists(o.fs, env.PythonExe)
	ok := comfyExists && pythonExists

	var details []string
	if !comfyExists {
		details = append(details, "ComfyUI directory not found: "+env.ComfyDir)
	}
	if !pythonExists {
		details = append(details, "Python interpreter not found: "+env.PythonExe)
	}

	summary := "ComfyUI environment looks healthy"
	if !ok {
		summary = "ComfyUI environment is misconfigured"
	}

	return ValidationIssue{Key: KeyEnvironment, Label: "Environment", OK: ok, Summary: summary, Details: details}
}

// checkCustomNodes runs the browser-based probe when a bridge is
// available: it is the authoritative source, since it consults ComfyUI's
// live node registry. A probe failure (including timeout) is reported as
// its own not-ok issue with the subprocess's stderr excerpt as a detail —
// it is never silently replaced by the static matcher's verdict, which
// could otherwise report a false OK and hide a real subprocess failure.
// The static class→repo matcher only runs when no bridge is configured at
// all, so the issue still reports actionable missing-pack data instead of
// degrading to "assume ok".
func (o *Orchestrator) checkCustomNodes(ctx context.Context, bundle WorkflowBundle) ValidationIssue {
	if o.bridge != nil {
		probe, err := o.bridge.ProbeNodes(ctx, "http://127.0.0.1:8188", noderesolve.RequiredNodeTypes(bundle.Payload))
		if err != nil {
			return o.customNodeProbeFailureIssue(err)
		}

		ok := len(probe.Missing) == 0
		summary := "all required custom nodes are installed"
		if !ok {
			summary = "missing custom node packages detected"
		}
		return ValidationIssue{
			Key: KeyCustomNodes, Label: "Custom Nodes", OK: ok, Summary: summary,
			Details: probe.Missing,
			Data: map[string]any{
				"missing":          probe.Missing,
				"registered_count": probe.RegisteredCount,
				"nodepack_count":   probe.NodepackCount,
				"model_paths":      probe.ModelPaths,
				"pack_meta":        probe.PackMeta,
			},
		}
	}

	if o.nodes == nil {
		return ValidationIssue{
			Key: KeyCustomNodes, Label: "Custom Nodes", OK: true,
			Summary: "custom-node resolution unavailable; assuming all required nodes are present",
		}
	}

	packs, unresolved := o.nodes.DetectMissing(bundle.Payload, bundle.Dependencies)
	ok := len(packs) == 0 && len(unresolved) == 0
	summary := "all required custom nodes are installed"
	if !ok {
		summary = "missing custom node packages detected"
	}

	return ValidationIssue{
		Key: KeyCustomNodes, Label: "Custom Nodes", OK: ok, Summary: summary,
		Details: unresolved,
		Data: map[string]any{
			"missing_packs": packs,
			"unresolved":    unresolved,
		},
	}
}

// customNodeProbeFailureIssue surfaces a node-probe subprocess failure as
// a not-ok issue, attaching the captured stderr excerpt (when the bridge
// returned one) as a detail.
func (o *Orchestrator) customNodeProbeFailureIssue(err error) ValidationIssue {
	o.log.Info("custom-node probe failed", "error", err)

	detail := err.Error()
	if subErr, ok := err.(*comfybridge.SubprocessError); ok && subErr.Excerpt != "" {
		detail = subErr.Excerpt
	}

	return ValidationIssue{
		Key: KeyCustomNodes, Label: "Custom Nodes", OK: false,
		Summary: "custom-node probe failed",
		Details: []string{detail},
		Data:    map[string]any{"error": err.Error()},
	}
}

func (o *Orchestrator) checkModels(ctx context.Context, bundle WorkflowBundle) ValidationIssue {
	refs := modelresolve.ExtractReferences(bundle.Payload)

	resolveLog, _ := o.mirror.ResolveLog(bundle.WorkflowFolder)
	previouslyResolved := indexResolveLog(resolveLog)

	var missing []map[string]any
	var foundPaths []string
	allOK := true

	for _, ref := range refs {
		search := modelresolve.SearchModelPath(o.fs, o.resolver.ComfyDir(), ref)
		if search.Found {
			foundPaths = append(foundPaths, search.Path)
			continue
		}

		status, method := "unresolved", ""
		if prior, ok := previouslyResolved[ref.Name]; ok {
			status, method = prior.Status, prior.Method
		} else if o.bridge != nil {
			outcome, err := o.resolveViaBridge(ctx, ref)
			if err == nil && outcome.Resolved {
				status, method = "resolved", "bridge"
				foundPaths = append(foundPaths, outcome.ResolvedPath)
			}
		}

		if status == "unresolved" {
			allOK = false
		}

		missing = append(missing, map[string]any{
			"name":           ref.Name,
			"category":       ref.Category,
			"resolve_status": status,
			"resolve_method": method,
		})
	}

	summary := "all referenced models are present"
	if !allOK {
		summary = "missing model references detected"
	}

	return ValidationIssue{
		Key: KeyModels, Label: "Models", OK: allOK, Summary: summary,
		Data: map[string]any{
			"models_root":    o.resolver.ComfyDir(),
			"found":          foundPaths,
			"missing_models": missing,
		},
	}
}

type resolveLogLookup struct {
	Status string
	Method string
}

func indexResolveLog(entries []localmirror.ResolveLogEntry) map[string]resolveLogLookup {
	out := make(map[string]resolveLogLookup, len(entries))
	for _, e := range entries {
		if e.Kind != "model" {
			continue
		}
		out[e.Key] = resolveLogLookup{Status: e.Status, Method: e.Method}
	}
	return out
}

// resolveViaBridge asks the subprocess model resolver for ref. A result is
// only accepted if its path ends with ref's expected <category>/<name>
// subpath; a plausible-looking but mismatched path is treated as
// unresolved rather than accepted, per the "entry is moved back to
// missing" behavior a subpath mismatch requires.
func (o *Orchestrator) resolveViaBridge(ctx context.Context, ref modelresolve.ModelReference) (modelresolve.ResolveOutcome, error) {
	result, err := o.bridge.ResolveModels(ctx, []comfybridge.ModelReferenceInput{{Name: ref.Name, Category: ref.Category}})
	if err != nil {
		return modelresolve.ResolveOutcome{}, err
	}
	p, ok := result.Resolved[ref.Name]
	if !ok || !resolvedPathMatchesReference(p, ref) {
		return modelresolve.ResolveOutcome{Reference: ref}, nil
	}
	return modelresolve.ResolveOutcome{Reference: ref, ResolvedPath: p, Resolved: true}, nil
}

// resolvedPathMatchesReference reports whether resolvedPath ends with
// ref's <category>/<basename> subpath, tolerating either path separator.
func resolvedPathMatchesReference(resolvedPath string, ref modelresolve.ModelReference) bool {
	expected := pathutil.NormalizeSlashes(path.Join(ref.Category, path.Base(ref.Name)))
	return strings.HasSuffix(pathutil.NormalizeSlashes(resolvedPath), expected)
}

func resultCacheKey(cacheKey string) string { return "validation_result:" + cacheKey }

// GetCachedResult returns the last persisted ValidationResult for
// comfyPath, if any.
func (o *Orchestrator) GetCachedResult(comfyPath string) (ValidationResult, bool) {
	cacheKey := pathutil.ValidationCacheKey(comfyPath)
	raw, ok := o.store.GetCachedData(resultCacheKey(cacheKey), 0)
	if !ok {
		return ValidationResult{}, false
	}
	result, ok := raw.(ValidationResult)
	return result, ok
}

// IsStale reports whether result's FinishedAt is older than ttl.
func (o *Orchestrator) IsStale(result ValidationResult, ttl time.Duration) bool {
	finished := time.Unix(result.FinishedAt, 0)
	return o.now().Sub(finished) > ttl
}

func (o *Orchestrator) writeDebugArtifact(comfyPath string, result ValidationResult) error {
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return errors.Wrap(err, errWriteDebugArtifact)
	}
	artifactPath := path.Join(o.tempDir, pathutil.ValidationCacheKey(comfyPath)+"_validation.json")
	if err := o.fs.MkdirAll(o.tempDir, 0o755); err != nil {
		return errors.Wrap(err, errWriteDebugArtifact)
	}
	return afero.WriteFile(o.fs, artifactPath, out, 0o644)
}
