package noderesolve

import (
	"context"
	"os"
	"sort"

	"github.com/spf13/afero"

	"github.com/charon-vfx/charon/pkg/charon/comfybridge"
	"github.com/charon-vfx/charon/pkg/charon/metadata"
)

// Resolve status values for a MissingPack.
const (
	StatusUnresolved = "unresolved" // no repo could be matched
	StatusMatched    = "matched"    // a repo was matched but not yet installed
	StatusInstalled  = "installed"  // installed through the Manager UI
	StatusFailed     = "failed"     // installation failed
)

// NodeUse identifies one workflow node instance referencing a missing class.
type NodeUse struct {
	ClassType string
	ID        string
}

// MissingPack describes one custom-node repository that a workflow
// requires but that is not present in the target ComfyUI installation.
type MissingPack struct {
	Repo          string
	PackMeta      PackMeta
	Nodes         []NodeUse
	ResolveMethod string
	ResolveStatus string
	ResolveFailed bool
	Error         string
}

// Resolver orchestrates missing-custom-node detection and installation:
// it compares a workflow's required node classes against what is already
// installed, matches the gap against the Manager catalog, workflow aux
// IDs, and a folder's declared dependencies, then installs matched repos
// by driving the Manager UI through the comfybridge Playwright runner.
type Resolver struct {
	fs             afero.Fs
	customNodesDir string
	bridge         *comfybridge.Runner
	catalog        *Catalog
}

// NewResolver constructs a Resolver. catalog may be nil, in which case
// only aux_id, declared-dependency, and installed-folder matching apply.
// bridge may be nil for detection-only use (InstallMissing then fails
// every pack rather than attempting a browser-driven install).
func NewResolver(fs afero.Fs, customNodesDir string, bridge *comfybridge.Runner, catalog *Catalog) *Resolver {
	return &Resolver{fs: fs, customNodesDir: customNodesDir, bridge: bridge, catalog: catalog}
}

// InstalledFolders lists the directory names under customNodesDir.
func (r *Resolver) InstalledFolders() ([]string, error) {
	entries, err := afero.ReadDir(r.fs, r.customNodesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// DetectMissing compares workflow's required node classes against the
// classes provided by installed custom node packages (approximated by
// folder-name token overlap, since ComfyUI itself maintains the true
// class registry) and returns one MissingPack per distinct matched repo,
// plus the list of classes that could not be matched to any repo at all.
//
// comfy-core classes (built-in ComfyUI nodes) are assumed always present
// and are never reported missing or matched to a repo.
func (r *Resolver) DetectMissing(workflow any, deps []metadata.Dependency) ([]MissingPack, []string) {
	required := RequiredNodeTypes(workflow)
	auxIDs := AuxIDLookup(workflow)

	installed, _ := r.InstalledFolders()

	byRepo := make(map[string]*MissingPack)
	var unresolved []string

	for _, classType := range required {
		if isInstalledClass(classType, installed) {
			continue
		}

		repo, method := "", ""
		for _, d := range deps {
			if MatchDependency(classType, d) {
				repo, method = dependencyRepoKey(d), "declared_dependency"
				break
			}
		}
		if repo == "" {
			res := MatchMissingNode(classType, r.catalog, auxIDs, installed)
			repo, method = res.Repo, res.Method
		}

		if repo == "" || repo == coreRepoKey {
			if repo != coreRepoKey {
				unresolved = append(unresolved, classType)
			}
			continue
		}

		mp, ok := byRepo[repo]
		if !ok {
			var meta PackMeta
			if r.catalog != nil {
				meta = r.catalog.Packs[repo]
			}
			mp = &MissingPack{
				Repo:          repo,
				PackMeta:      meta,
				ResolveMethod: method,
				ResolveStatus: StatusMatched,
			}
			byRepo[repo] = mp
		}
		mp.Nodes = append(mp.Nodes, NodeUse{ClassType: classType})
	}

	packs := make([]MissingPack, 0, len(byRepo))
	for _, mp := range byRepo {
		packs = append(packs, *mp)
	}
	sort.Slice(packs, func(i, j int) bool { return packs[i].Repo < packs[j].Repo })
	sort.Strings(unresolved)

	return packs, unresolved
}

func isInstalledClass(classType string, installed []string) bool {
	_, ok := matchByInstalledFolder(classType, installed)
	return ok
}

func dependencyRepoKey(d metadata.Dependency) string {
	if d.Repo != "" {
		return d.Repo
	}
	return d.Name
}

const errNoBridge = "no playwright bridge configured"

// InstallMissing drives the ComfyUI Manager UI, through the comfybridge
// Playwright runner, to install every pack in packs, batching them all
// into one browser automation session. It mutates and returns packs with
// ResolveStatus/ResolveMethod/Error populated per pack, plus whether a
// ComfyUI restart is required before the installs take effect.
func (r *Resolver) InstallMissing(ctx context.Context, comfyURL string, packs []MissingPack) ([]MissingPack, bool) {
	if len(packs) == 0 {
		return packs, false
	}
	if r.bridge == nil {
		for i := range packs {
			packs[i].ResolveStatus = StatusFailed
			packs[i].ResolveFailed = true
			packs[i].Error = errNoBridge
		}
		return packs, false
	}

	repos := make([]string, len(packs))
	for i, mp := range packs {
		repos[i] = mp.Repo
	}

	result, err := r.bridge.InstallNodes(ctx, comfyURL, repos)
	if err != nil {
		for i := range packs {
			packs[i].ResolveStatus = StatusFailed
			packs[i].ResolveFailed = true
			packs[i].Error = err.Error()
		}
		return packs, false
	}

	resolved := make(map[string]bool, len(result.Resolved))
	for _, repo := range result.Resolved {
		resolved[repo] = true
	}
	failed := make(map[string]bool, len(result.Failed))
	for _, repo := range result.Failed {
		failed[repo] = true
	}

	for i := range packs {
		mp := &packs[i]
		switch {
		case resolved[mp.Repo]:
			mp.ResolveStatus = StatusInstalled
			mp.ResolveMethod = resolveMethodOrDefault(result.Notes[mp.Repo])
		case failed[mp.Repo]:
			mp.ResolveStatus = StatusFailed
			mp.ResolveFailed = true
			mp.Error = result.Notes[mp.Repo]
		default:
			mp.ResolveStatus = StatusUnresolved
			mp.Error = result.Notes[mp.Repo]
		}
	}

	return packs, result.RestartRequired
}

// resolveMethodOrDefault falls back to the standard Playwright resolve
// method literal when the install script didn't attach a more specific
// note for a resolved pack.
func resolveMethodOrDefault(note string) string {
	if note != "" {
		return note
	}
	return comfybridge.PlaywrightResolveMethod
}
