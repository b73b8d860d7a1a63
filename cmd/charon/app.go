package main

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/crossplane/crossplane-runtime/pkg/logging"

	"github.com/charon-vfx/charon/internal/config"
	"github.com/charon-vfx/charon/pkg/charon/batchread"
	"github.com/charon-vfx/charon/pkg/charon/cache"
	"github.com/charon-vfx/charon/pkg/charon/comfybridge"
	"github.com/charon-vfx/charon/pkg/charon/folderlist"
	"github.com/charon-vfx/charon/pkg/charon/localmirror"
	"github.com/charon-vfx/charon/pkg/charon/modelresolve"
	"github.com/charon-vfx/charon/pkg/charon/noderesolve"
	"github.com/charon-vfx/charon/pkg/charon/prefetch"
	"github.com/charon-vfx/charon/pkg/charon/validate"
)

// catalogFetchTimeout bounds the one-time Manager catalog fetch performed
// at startup.
const catalogFetchTimeout = 10 * time.Second

// app holds every long-lived component the subcommands share, wired once
// from resolved configuration in cli.AfterApply and bound into the kong
// context for injection into each Run method.
type app struct {
	cfg *config.Config
	fs  afero.Fs
	log logging.Logger

	store     *cache.Store
	mirror    *localmirror.Mirror
	lister    *folderlist.Lister
	batch     *batchread.Reader
	scheduler *prefetch.Scheduler
	transfers *modelresolve.Manager
	models    *modelresolve.Resolver
	nodes     *noderesolve.Resolver
	bridge    *comfybridge.Runner
	validator *validate.Orchestrator
}

// newApp wires the full component graph from cfg, rooted at the real OS
// filesystem.
func newApp(cfg *config.Config, log logging.Logger) *app {
	fs := afero.NewOsFs()

	store := cache.New(cache.WithLogger(log))
	mirror := localmirror.New(fs, cfg.PrefsRoot, cfg.RepoRoot, localmirror.WithLogger(log))
	lister := folderlist.New(fs, store, folderlist.WithLogger(log))
	batch := batchread.New(fs, store)
	scheduler := prefetch.New(fs, store, batch, lister, prefetch.WithLogger(log))

	transfers := modelresolve.NewManager(fs, modelresolve.WithLogger(log))

	comfyDir := filepath.Dir(cfg.ComfyPath)
	models := modelresolve.NewResolver(fs, comfyDir, cfg.SharedModelsRoot, transfers)

	var bridge *comfybridge.Runner
	if cfg.ComfyPath != "" {
		bridge = comfybridge.NewRunner(pythonExeForComfyDir(comfyDir), comfyDir, comfybridge.WithLogger(log))
	}

	customNodesDir := filepath.Join(comfyDir, "custom_nodes")
	nodes := noderesolve.NewResolver(fs, customNodesDir, bridge, fetchCatalog(cfg.ManagerURL, log))

	validator := validate.New(fs, store, mirror, models, nodes, bridge, cfg.PrefsRoot, validate.WithLogger(log))

	return &app{
		cfg: cfg, fs: fs, log: log,
		store: store, mirror: mirror, lister: lister, batch: batch,
		scheduler: scheduler, transfers: transfers, models: models,
		nodes: nodes, bridge: bridge, validator: validator,
	}
}

// fetchCatalog queries managerURL's Manager catalog endpoints, bounded by
// catalogFetchTimeout. The catalog is an optional enrichment over the
// metadata-dependency and aux-id matching paths, so a fetch failure (Manager
// not running, unreachable host, ...) degrades to an empty Catalog with an
// info log line rather than failing startup.
func fetchCatalog(managerURL string, log logging.Logger) *noderesolve.Catalog {
	ctx, cancel := context.WithTimeout(context.Background(), catalogFetchTimeout)
	defer cancel()

	client := &http.Client{Timeout: catalogFetchTimeout}
	cat, err := noderesolve.FetchCatalog(ctx, client, managerURL)
	if err != nil {
		log.Info("custom node catalog fetch failed, continuing without it", "error", err)
		return &noderesolve.Catalog{}
	}
	return cat
}

// pythonExeForComfyDir locates ComfyUI's embedded Python interpreter
// relative to its installation directory, following the standard portable
// ComfyUI layout (python_embeded/python.exe on Windows installs, which is
// how the original Charon tooling locates it).
func pythonExeForComfyDir(comfyDir string) string {
	return filepath.Join(comfyDir, "python_embeded", "python.exe")
}
