// Package comfybridge runs the three Python scripts that must execute
// inside a live ComfyUI process (model-path resolution against
// folder_paths, Playwright-driven custom-node registry probing, and
// Playwright-driven custom-node installation through the Manager UI) as
// subprocesses, exchanging JSON via temp files. Because the scripts run
// as real OS subprocesses, their staging files live on the real
// filesystem rather than behind the afero.Fs abstraction used elsewhere.
package comfybridge

import (
	"context"
	_ "embed"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/crossplane/crossplane-runtime/pkg/logging"
)

// ModelResolverScript is the embedded text of the model-resolution
// helper, run inside the ComfyUI Python environment.
//
//go:embed scripts/model_resolver.py
var ModelResolverScript string

// NodeProbeScript is the embedded text of the Playwright-driven
// custom-node registry probe.
//
//go:embed scripts/node_probe.py
var NodeProbeScript string

// NodeInstallScript is the embedded text of the Playwright-driven
// Manager-UI custom-node installer.
//
//go:embed scripts/node_install.py
var NodeInstallScript string

// PlaywrightResolveMethod is the resolve_method recorded for a custom node
// installed through NodeInstallScript when the script itself reports no
// more specific note.
const PlaywrightResolveMethod = "Installed via Playwright"

const (
	// ModelResolverTimeout bounds a single model-resolver subprocess run.
	ModelResolverTimeout = 60 * time.Second
	// NodeProbeTimeout bounds a single node-probe subprocess run, which
	// must launch a browser and wait for ComfyUI's node registry.
	NodeProbeTimeout = 180 * time.Second
	// NodeInstallTimeout bounds a single node-install subprocess run,
	// which may need to wait for the Manager to clone and install more
	// than one package in sequence.
	NodeInstallTimeout = 300 * time.Second

	stderrExcerptLimit = 2000

	errWriteScript   = "cannot write bridge script"
	errWriteInput    = "cannot write bridge input payload"
	errRunSubprocess = "bridge subprocess failed"
	errReadOutput    = "cannot read bridge output payload"
	errDecodeOutput  = "cannot decode bridge output payload"
)

// ModelResolveRequest is the input payload for ModelResolverScript.
type ModelResolveRequest struct {
	References []ModelReferenceInput `json:"references"`
}

// ModelReferenceInput is one model reference to resolve.
type ModelReferenceInput struct {
	Name     string `json:"name"`
	Category string `json:"category"`
}

// ModelResolveResult is ModelResolverScript's output payload.
type ModelResolveResult struct {
	Resolved map[string]string `json:"resolved"`
	Missing  []string          `json:"missing"`
	Errors   map[string]string `json:"errors"`
}

// NodeProbeRequest is the input payload for NodeProbeScript.
type NodeProbeRequest struct {
	ComfyURL          string   `json:"comfy_url"`
	RequiredNodeTypes []string `json:"required_node_types"`
}

// NodeProbeResult is NodeProbeScript's output payload.
type NodeProbeResult struct {
	Missing         []string          `json:"missing"`
	RegisteredCount int               `json:"registered_count"`
	NodepackCount   int               `json:"nodepack_count"`
	MissingModels   []any             `json:"missing_models"`
	ModelPaths      map[string]string `json:"model_paths"`
	PackMeta        map[string]any    `json:"pack_meta"`
	ModelCapture    map[string]any    `json:"model_capture"`
}

// NodeInstallRequest is the input payload for NodeInstallScript.
type NodeInstallRequest struct {
	ComfyURL string   `json:"comfy_url"`
	Repos    []string `json:"repos"`
}

// NodeInstallResult is NodeInstallScript's output payload.
type NodeInstallResult struct {
	Resolved        []string          `json:"resolved"`
	Failed          []string          `json:"failed"`
	Skipped         []string          `json:"skipped"`
	Notes           map[string]string `json:"notes"`
	RestartRequired bool              `json:"restart_required"`
}

// processRunner invokes pythonBin against scriptPath/inputPath/outputPath
// with cwd dir, returning combined stdout+stderr. Substituted in tests.
type processRunner func(ctx context.Context, dir, pythonBin, scriptPath, inputPath, outputPath string) ([]byte, error)

// Runner executes comfybridge scripts as subprocesses of a Python
// interpreter inside a ComfyUI installation.
type Runner struct {
	pythonBin string
	comfyDir  string
	tempDir   string
	log       logging.Logger
	run       processRunner
}

// Option configures a Runner at construction time.
type Option func(*Runner)

// WithLogger sets the logger used for debug/warn lines.
func WithLogger(l logging.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// WithTempDir overrides the directory scripts and payloads are staged
// under (default: "<comfyDir>/.charon_bridge").
func WithTempDir(dir string) Option {
	return func(r *Runner) { r.tempDir = dir }
}

// WithProcessRunner overrides the function used to invoke the Python
// subprocess. Intended for tests outside this package that need to stub
// out subprocess execution without a real Python interpreter.
func WithProcessRunner(run func(ctx context.Context, dir, pythonBin, scriptPath, inputPath, outputPath string) ([]byte, error)) Option {
	return func(r *Runner) { r.run = run }
}

// NewRunner constructs a Runner that shells out to pythonBin (ComfyUI's
// embedded interpreter) with its working directory set to comfyDir.
func NewRunner(pythonBin, comfyDir string, opts ...Option) *Runner {
	r := &Runner{
		pythonBin: pythonBin,
		comfyDir:  comfyDir,
		tempDir:   filepath.Join(comfyDir, ".charon_bridge"),
		log:       logging.NewNopLogger(),
		run:       runProcess,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func runProcess(ctx context.Context, dir, pythonBin, scriptPath, inputPath, outputPath string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, pythonBin, scriptPath, inputPath, outputPath)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// ResolveModels runs ModelResolverScript against refs, bounded by
// ModelResolverTimeout.
func (r *Runner) ResolveModels(ctx context.Context, refs []ModelReferenceInput) (ModelResolveResult, error) {
	ctx, cancel := context.WithTimeout(ctx, ModelResolverTimeout)
	defer cancel()

	var out ModelResolveResult
	err := r.execute(ctx, "model_resolver.py", ModelResolverScript, ModelResolveRequest{References: refs}, &out)
	return out, err
}

// ProbeNodes runs NodeProbeScript against comfyURL/required, bounded by
// NodeProbeTimeout.
func (r *Runner) ProbeNodes(ctx context.Context, comfyURL string, required []string) (NodeProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, NodeProbeTimeout)
	defer cancel()

	var out NodeProbeResult
	err := r.execute(ctx, "node_probe.py", NodeProbeScript, NodeProbeRequest{ComfyURL: comfyURL, RequiredNodeTypes: required}, &out)
	return out, err
}

// InstallNodes runs NodeInstallScript to install repos into comfyURL's
// Manager via Playwright, bounded by NodeInstallTimeout.
func (r *Runner) InstallNodes(ctx context.Context, comfyURL string, repos []string) (NodeInstallResult, error) {
	ctx, cancel := context.WithTimeout(ctx, NodeInstallTimeout)
	defer cancel()

	var out NodeInstallResult
	err := r.execute(ctx, "node_install.py", NodeInstallScript, NodeInstallRequest{ComfyURL: comfyURL, Repos: repos}, &out)
	return out, err
}

// SubprocessError wraps a bridge subprocess failure with the trimmed
// combined stdout+stderr captured from the run, so callers (validation, in
// particular) can surface it as a detail instead of it being discarded
// after the Debug log line.
type SubprocessError struct {
	err     error
	Excerpt string
}

func (e *SubprocessError) Error() string { return e.err.Error() }
func (e *SubprocessError) Unwrap() error { return e.err }

func (r *Runner) execute(ctx context.Context, scriptName, scriptText string, input, output any) error {
	if err := os.MkdirAll(r.tempDir, 0o755); err != nil {
		return errors.Wrap(err, errWriteScript)
	}

	scriptPath := filepath.Join(r.tempDir, scriptName)
	if err := os.WriteFile(scriptPath, []byte(scriptText), 0o644); err != nil {
		return errors.Wrap(err, errWriteScript)
	}

	inputPath := filepath.Join(r.tempDir, scriptName+".input.json")
	inputBytes, err := json.Marshal(input)
	if err != nil {
		return errors.Wrap(err, errWriteInput)
	}
	if err := os.WriteFile(inputPath, inputBytes, 0o644); err != nil {
		return errors.Wrap(err, errWriteInput)
	}

	outputPath := filepath.Join(r.tempDir, scriptName+".output.json")
	_ = os.Remove(outputPath)

	combined, err := r.run(ctx, r.comfyDir, r.pythonBin, scriptPath, inputPath, outputPath)
	if err != nil {
		excerpt := string(combined)
		if len(excerpt) > stderrExcerptLimit {
			excerpt = excerpt[len(excerpt)-stderrExcerptLimit:]
		}
		r.log.Debug("bridge subprocess failed", "script", scriptName, "output", excerpt)
		return &SubprocessError{err: errors.Wrap(err, errRunSubprocess), Excerpt: excerpt}
	}

	raw, err := os.ReadFile(outputPath)
	if err != nil {
		return errors.Wrap(err, errReadOutput)
	}
	if err := json.Unmarshal(raw, output); err != nil {
		return errors.Wrap(err, errDecodeOutput)
	}
	return nil
}
