package config

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeHome(path string) HomeDirFn {
	return func() (string, error) { return path, nil }
}

func fakeGetenv(values map[string]string) GetenvFn {
	return func(key string) string { return values[key] }
}

func TestResolveDefaultsWhenNoEnvOrOverlay(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := NewResolver(fs, WithHomeDir(fakeHome("/home/artist")), WithGetenv(fakeGetenv(nil)))

	cfg, err := r.Resolve()
	require.NoError(t, err)

	assert.Equal(t, "/home/artist/.charon", cfg.PrefsRoot)
	assert.Equal(t, defaultSharedModelsRoot, cfg.SharedModelsRoot)
	assert.Equal(t, defaultManagerURL, cfg.ManagerURL)
	assert.Empty(t, cfg.RepoRoot)
	assert.Empty(t, cfg.ComfyPath)
}

func TestResolveEnvironmentOverridesDefaults(t *testing.T) {
	fs := afero.NewMemMapFs()
	env := map[string]string{
		EnvPrefsRoot:        "/custom/prefs",
		EnvRepoRoot:         "/mnt/workflows",
		EnvSharedModelsRoot: "/mnt/models",
		EnvComfyPath:        "/opt/comfy/run.bat",
		EnvManagerURL:       "http://127.0.0.1:9188",
	}
	r := NewResolver(fs, WithHomeDir(fakeHome("/home/artist")), WithGetenv(fakeGetenv(env)))

	cfg, err := r.Resolve()
	require.NoError(t, err)

	assert.Equal(t, "/custom/prefs", cfg.PrefsRoot)
	assert.Equal(t, "/mnt/workflows", cfg.RepoRoot)
	assert.Equal(t, "/mnt/models", cfg.SharedModelsRoot)
	assert.Equal(t, "/opt/comfy/run.bat", cfg.ComfyPath)
	assert.Equal(t, "http://127.0.0.1:9188", cfg.ManagerURL)
}

func TestResolveOverlayFillsGapsBeforeEnv(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/home/artist/.charon", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/home/artist/.charon/config.yaml", []byte(
		"repo_root: /overlay/workflows\ncomfy_path: /overlay/comfy/run.bat\n",
	), 0o644))

	env := map[string]string{EnvComfyPath: "/env/comfy/run.bat"}
	r := NewResolver(fs, WithHomeDir(fakeHome("/home/artist")), WithGetenv(fakeGetenv(env)))

	cfg, err := r.Resolve()
	require.NoError(t, err)

	assert.Equal(t, "/overlay/workflows", cfg.RepoRoot, "overlay fills a gap env doesn't set")
	assert.Equal(t, "/env/comfy/run.bat", cfg.ComfyPath, "env still wins over overlay")
	assert.Equal(t, "/home/artist/.charon", cfg.PrefsRoot)
}

func TestResolveOverlayAbsentIsNotAnError(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := NewResolver(fs, WithHomeDir(fakeHome("/home/artist")), WithGetenv(fakeGetenv(nil)))

	_, err := r.Resolve()
	require.NoError(t, err)
}

func TestResolvePropagatesHomeDirError(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := NewResolver(fs, WithHomeDir(func() (string, error) {
		return "", assertHomeErr
	}), WithGetenv(fakeGetenv(nil)))

	_, err := r.Resolve()
	require.Error(t, err)
}

var assertHomeErr = &homeErrStub{"no home"}

type homeErrStub struct{ msg string }

func (e *homeErrStub) Error() string { return e.msg }
