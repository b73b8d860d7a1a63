// Package config resolves Charon's ambient configuration: the local
// preferences root, the shared workflow repository root, the shared model
// repository root, and the ComfyUI launch path. Values come from
// environment variables with home-directory-relative defaults, following
// the teacher's `internal/config` HomeDirFn pattern, with an optional YAML
// overlay file for settings that are inconvenient to set as environment
// variables in a studio deployment.
package config

import (
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
	"github.com/spf13/afero"

	"github.com/crossplane/crossplane-runtime/pkg/errors"
)

// Environment variable names consulted by Resolve.
const (
	EnvPrefsRoot        = "CHARON_PREFS_ROOT"
	EnvRepoRoot         = "CHARON_REPO_ROOT"
	EnvSharedModelsRoot = "CHARON_SHARED_MODELS_ROOT"
	EnvComfyPath        = "CHARON_COMFY_PATH"
	EnvManagerURL       = "CHARON_MANAGER_URL"
)

// PrefsDirName is the directory created under the user's home directory
// when CHARON_PREFS_ROOT is unset.
const PrefsDirName = ".charon"

// OverlayFileName is the optional YAML file consulted under the default
// preferences root (`<home>/.charon`) for settings not supplied via
// environment variables.
const OverlayFileName = "config.yaml"

// defaultSharedModelsRoot is the literal UNC path the original Charon
// tooling hardcodes when CHARON_SHARED_MODELS_ROOT is unset.
const defaultSharedModelsRoot = `\\buck\globalprefs\SHARED\CODE\Charon_repo\shared_models`

// defaultManagerURL is the ComfyUI instance's default local address, used
// for the Manager's catalog endpoints and the Playwright node installer when
// CHARON_MANAGER_URL is unset. The validation node probe does not read this
// setting; it always targets http://127.0.0.1:8188.
const defaultManagerURL = "http://127.0.0.1:8188"

const (
	errResolveHomeDir = "cannot resolve user home directory"
	errReadOverlay    = "cannot read config overlay file"
	errDecodeOverlay  = "cannot decode config overlay file"
)

// HomeDirFn indicates the location of a user's home directory.
type HomeDirFn func() (string, error)

// GetenvFn looks up an environment variable, returning "" if unset.
type GetenvFn func(key string) string

// Config is Charon's resolved ambient configuration.
type Config struct {
	PrefsRoot        string `yaml:"prefs_root,omitempty"`
	RepoRoot         string `yaml:"repo_root,omitempty"`
	SharedModelsRoot string `yaml:"shared_models_root,omitempty"`
	ComfyPath        string `yaml:"comfy_path,omitempty"`
	ManagerURL       string `yaml:"manager_url,omitempty"`
}

// Resolver resolves a Config from the environment, falling back to
// home-directory-relative defaults and an optional YAML overlay file.
type Resolver struct {
	fs     afero.Fs
	home   HomeDirFn
	getenv GetenvFn
}

// Option configures a Resolver at construction time.
type Option func(*Resolver)

// WithHomeDir overrides the home-directory lookup function.
func WithHomeDir(fn HomeDirFn) Option {
	return func(r *Resolver) { r.home = fn }
}

// WithGetenv overrides the environment-variable lookup function.
func WithGetenv(fn GetenvFn) Option {
	return func(r *Resolver) { r.getenv = fn }
}

// NewResolver constructs a Resolver backed by fs.
func NewResolver(fs afero.Fs, opts ...Option) *Resolver {
	r := &Resolver{
		fs:     fs,
		home:   os.UserHomeDir,
		getenv: os.Getenv,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve computes a Config: environment variables take precedence, then
// the YAML overlay file, then home-directory-relative/hardcoded defaults.
func (r *Resolver) Resolve() (*Config, error) {
	home, err := r.home()
	if err != nil {
		return nil, errors.Wrap(err, errResolveHomeDir)
	}
	defaultPrefsRoot := filepath.Join(home, PrefsDirName)

	cfg := &Config{
		PrefsRoot:        defaultPrefsRoot,
		SharedModelsRoot: defaultSharedModelsRoot,
		ManagerURL:       defaultManagerURL,
	}

	if err := r.applyOverlay(cfg, defaultPrefsRoot); err != nil {
		return nil, err
	}

	if v := r.getenv(EnvPrefsRoot); v != "" {
		cfg.PrefsRoot = v
	}
	if v := r.getenv(EnvRepoRoot); v != "" {
		cfg.RepoRoot = v
	}
	if v := r.getenv(EnvSharedModelsRoot); v != "" {
		cfg.SharedModelsRoot = v
	}
	if v := r.getenv(EnvComfyPath); v != "" {
		cfg.ComfyPath = v
	}
	if v := r.getenv(EnvManagerURL); v != "" {
		cfg.ManagerURL = v
	}

	return cfg, nil
}

// applyOverlay merges values from <prefsRoot>/config.yaml into cfg, if the
// file exists. Absence is not an error — most installs rely solely on
// environment variables.
func (r *Resolver) applyOverlay(cfg *Config, prefsRoot string) error {
	overlayPath := filepath.Join(prefsRoot, OverlayFileName)

	exists, err := afero.Exists(r.fs, overlayPath)
	if err != nil || !exists {
		return nil
	}

	raw, err := afero.ReadFile(r.fs, overlayPath)
	if err != nil {
		return errors.Wrap(err, errReadOverlay)
	}

	var overlay Config
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return errors.Wrap(err, errDecodeOverlay)
	}

	if overlay.PrefsRoot != "" {
		cfg.PrefsRoot = overlay.PrefsRoot
	}
	if overlay.RepoRoot != "" {
		cfg.RepoRoot = overlay.RepoRoot
	}
	if overlay.SharedModelsRoot != "" {
		cfg.SharedModelsRoot = overlay.SharedModelsRoot
	}
	if overlay.ComfyPath != "" {
		cfg.ComfyPath = overlay.ComfyPath
	}
	if overlay.ManagerURL != "" {
		cfg.ManagerURL = overlay.ManagerURL
	}

	return nil
}
