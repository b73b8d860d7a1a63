// Package localmirror implements the per-user, per-workflow local shadow
// copy: a content-addressed mirror keyed by the shared workflow's content
// hash, used to persist validated payloads and resolve state across
// sessions without re-validating unchanged workflows.
package localmirror

import (
	"encoding/json"
	"path"
	"time"

	"github.com/spf13/afero"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
	"github.com/crossplane/crossplane-runtime/pkg/logging"

	"github.com/charon-vfx/charon/pkg/charon/pathutil"
)

const (
	// RootDirName is the top-level directory under the user preferences
	// root that holds every workflow's local mirror.
	RootDirName = "Charon_repo_local"
	// WorkflowDirName nests all mirrored workflows under RootDirName.
	WorkflowDirName = "workflow"
	// ValidatedFileName holds the validated/overridden payload used for
	// execution.
	ValidatedFileName = "workflow_validated.json"
	// StateFileName holds the JSON-encoded State.
	StateFileName = "workflow_state.json"
	// CacheDirName nests transient validation artifacts.
	CacheDirName = ".charon_cache"

	validationSubdir   = "validation"
	rawResultFileName  = "validation_result_raw.json"
	resolveLogFileName = "validation_resolve_log.json"

	errComputeHash     = "cannot compute workflow hash"
	errWriteState      = "cannot write local mirror state"
	errWritePayload    = "cannot write validated payload"
	errPurgeArtifacts  = "cannot purge local mirror artifacts"
	errRelativePath    = "cannot compute repository-relative path"
)

// State is the persisted `workflow_state.json` shape.
type State struct {
	SourceHash   string `json:"source_hash"`
	SourcePath   string `json:"source_path"`
	LocalPath    string `json:"local_path"`
	Validated    bool   `json:"validated"`
	ValidatedHash string `json:"validated_hash,omitempty"`
	ValidatedAt  int64  `json:"validated_at,omitempty"`
	LastSyncedAt int64  `json:"last_synced_at"`
}

// Mirror manages the local shadow copies of workflows under a single user
// preferences root.
type Mirror struct {
	fs       afero.Fs
	prefsRoot string
	repoRoot string
	log      logging.Logger

	now func() time.Time
}

// Option configures a Mirror at construction time.
type Option func(*Mirror)

// WithLogger sets the logger used for debug/warn lines.
func WithLogger(l logging.Logger) Option {
	return func(m *Mirror) { m.log = l }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(m *Mirror) { m.now = now }
}

// New constructs a Mirror rooted at prefsRoot, resolving remote folders
// relative to repoRoot.
func New(fs afero.Fs, prefsRoot, repoRoot string, opts ...Option) *Mirror {
	m := &Mirror{
		fs:        fs,
		prefsRoot: prefsRoot,
		repoRoot:  repoRoot,
		log:       logging.NewNopLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LocalDir returns the local mirror directory for a remote workflow folder.
func (m *Mirror) LocalDir(remoteFolder string) (string, error) {
	rel, err := pathutil.RelativeToRepo(m.repoRoot, remoteFolder)
	if err != nil {
		return "", errors.Wrap(err, errRelativePath)
	}
	return path.Join(m.prefsRoot, RootDirName, WorkflowDirName, rel), nil
}

func (m *Mirror) validatedPath(localDir string) string { return path.Join(localDir, ValidatedFileName) }
func (m *Mirror) statePath(localDir string) string     { return path.Join(localDir, StateFileName) }
func (m *Mirror) cacheDir(localDir string) string      { return path.Join(localDir, CacheDirName) }

// loadState returns the persisted state for localDir, or a zero State if
// absent or unreadable.
func (m *Mirror) loadState(localDir string) State {
	raw, err := afero.ReadFile(m.fs, m.statePath(localDir))
	if err != nil {
		return State{}
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return State{}
	}
	return s
}

func (m *Mirror) writeState(localDir string, s State) error {
	out, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, errWriteState)
	}
	if err := m.fs.MkdirAll(localDir, 0o755); err != nil {
		return errors.Wrap(err, errWriteState)
	}
	if err := afero.WriteFile(m.fs, m.statePath(localDir), out, 0o644); err != nil {
		return errors.Wrap(err, errWriteState)
	}
	return nil
}

func (m *Mirror) writeValidated(localDir string, payload any) error {
	out, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return errors.Wrap(err, errWritePayload)
	}
	if err := m.fs.MkdirAll(localDir, 0o755); err != nil {
		return errors.Wrap(err, errWritePayload)
	}
	tmp := m.validatedPath(localDir) + ".tmp"
	if err := afero.WriteFile(m.fs, tmp, out, 0o644); err != nil {
		return errors.Wrap(err, errWritePayload)
	}
	if err := m.fs.Rename(tmp, m.validatedPath(localDir)); err != nil {
		_ = m.fs.Remove(tmp)
		return errors.Wrap(err, errWritePayload)
	}
	return nil
}

// SynchronizeRemotePayload reconciles the local mirror for remoteFolder
// against a freshly read workflow payload from sourcePath:
//  1. compute the new source hash;
//  2. load existing state (zero value if absent);
//  3. if the stored hash differs, clear validated state, purge cache
//     artifacts, and write the validated file fresh from payload;
//  4. otherwise, write the validated file only if it is missing on disk;
//  5. update and persist state with the new hash/paths/sync time.
func (m *Mirror) SynchronizeRemotePayload(remoteFolder string, payload any, sourcePath string) (string, State, error) {
	localDir, err := m.LocalDir(remoteFolder)
	if err != nil {
		return "", State{}, err
	}

	newHash, err := pathutil.WorkflowHash(payload)
	if err != nil {
		return "", State{}, errors.Wrap(err, errComputeHash)
	}

	state := m.loadState(localDir)

	if state.SourceHash != newHash {
		state.Validated = false
		state.ValidatedHash = ""
		state.ValidatedAt = 0
		if err := m.purgeArtifacts(localDir); err != nil {
			return "", State{}, err
		}
		if err := m.writeValidated(localDir, payload); err != nil {
			return "", State{}, err
		}
	} else if exists, _ := afero.Exists(m.fs, m.validatedPath(localDir)); !exists {
		if err := m.writeValidated(localDir, payload); err != nil {
			return "", State{}, err
		}
	}

	state.SourceHash = newHash
	state.SourcePath = sourcePath
	state.LocalPath = localDir
	state.LastSyncedAt = m.now().Unix()

	if err := m.writeState(localDir, state); err != nil {
		return "", State{}, err
	}
	return localDir, state, nil
}

// MarkValidatedWorkflow atomically replaces the validated file with
// payload, records its hash, and flips Validated to true. This is the only
// operation that sets Validated = true.
func (m *Mirror) MarkValidatedWorkflow(remoteFolder string, payload any) (string, error) {
	localDir, err := m.LocalDir(remoteFolder)
	if err != nil {
		return "", err
	}

	hash, err := pathutil.WorkflowHash(payload)
	if err != nil {
		return "", errors.Wrap(err, errComputeHash)
	}

	if err := m.writeValidated(localDir, payload); err != nil {
		return "", err
	}

	state := m.loadState(localDir)
	state.Validated = true
	state.ValidatedHash = hash
	state.ValidatedAt = m.now().Unix()
	state.LocalPath = localDir

	if err := m.writeState(localDir, state); err != nil {
		return "", err
	}
	return localDir, nil
}

// PurgeLocalArtifacts removes the `.charon_cache/` subtree for
// remoteFolder's local mirror.
func (m *Mirror) PurgeLocalArtifacts(remoteFolder string) error {
	localDir, err := m.LocalDir(remoteFolder)
	if err != nil {
		return err
	}
	return m.purgeArtifacts(localDir)
}

func (m *Mirror) purgeArtifacts(localDir string) error {
	if err := m.fs.RemoveAll(m.cacheDir(localDir)); err != nil {
		return errors.Wrap(err, errPurgeArtifacts)
	}
	return nil
}

// rawResultPath returns the path of the last raw validation payload.
func (m *Mirror) rawResultPath(localDir string) string {
	return path.Join(m.cacheDir(localDir), validationSubdir, rawResultFileName)
}

// resolveLogPath returns the path of the append-only resolve-attempt log.
func (m *Mirror) resolveLogPath(localDir string) string {
	return path.Join(m.cacheDir(localDir), validationSubdir, resolveLogFileName)
}

// WriteValidationRaw persists the last raw validation payload for
// remoteFolder, overwriting any previous content.
func (m *Mirror) WriteValidationRaw(remoteFolder string, payload any) error {
	localDir, err := m.LocalDir(remoteFolder)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return errors.Wrap(err, errWritePayload)
	}
	dir := path.Join(m.cacheDir(localDir), validationSubdir)
	if err := m.fs.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, errWritePayload)
	}
	return afero.WriteFile(m.fs, m.rawResultPath(localDir), out, 0o644)
}

// ResolveLogEntry is a single append-only record of a resolve attempt
// (model copy/download, custom-node install) against a workflow.
type ResolveLogEntry struct {
	Timestamp int64          `json:"timestamp"`
	Kind      string         `json:"kind"`
	Key       string         `json:"key"`
	Status    string         `json:"resolve_status"`
	Method    string         `json:"resolve_method,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// AppendResolveEntry appends entry to the resolve log for remoteFolder.
func (m *Mirror) AppendResolveEntry(remoteFolder string, entry ResolveLogEntry) error {
	localDir, err := m.LocalDir(remoteFolder)
	if err != nil {
		return err
	}

	log, err := m.readResolveLog(localDir)
	if err != nil {
		return err
	}
	log = append(log, entry)

	out, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return errors.Wrap(err, errWritePayload)
	}
	dir := path.Join(m.cacheDir(localDir), validationSubdir)
	if err := m.fs.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, errWritePayload)
	}
	return afero.WriteFile(m.fs, m.resolveLogPath(localDir), out, 0o644)
}

// ResolveLog returns the full resolve-attempt log for remoteFolder.
func (m *Mirror) ResolveLog(remoteFolder string) ([]ResolveLogEntry, error) {
	localDir, err := m.LocalDir(remoteFolder)
	if err != nil {
		return nil, err
	}
	return m.readResolveLog(localDir)
}

func (m *Mirror) readResolveLog(localDir string) ([]ResolveLogEntry, error) {
	raw, err := afero.ReadFile(m.fs, m.resolveLogPath(localDir))
	if err != nil {
		return nil, nil //nolint:nilerr // absent log is an empty log, not an error
	}
	var log []ResolveLogEntry
	if err := json.Unmarshal(raw, &log); err != nil {
		return nil, nil //nolint:nilerr // malformed log is treated as empty
	}
	return log, nil
}
