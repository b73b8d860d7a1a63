package main

import (
	"context"
	"path"

	"github.com/pterm/pterm"

	"github.com/charon-vfx/charon/pkg/charon/modelresolve"
	"github.com/charon-vfx/charon/pkg/charon/validate"
)

// resolveCmd resolves and installs the custom nodes and models a workflow
// folder requires but that are missing from the target ComfyUI
// installation.
type resolveCmd struct {
	Folder     string `arg:"" help:"Workflow folder path under the shared repository."`
	SkipNodes  bool   `name:"skip-nodes" help:"Do not install missing custom-node packages."`
	SkipModels bool   `name:"skip-models" help:"Do not copy or download missing model files."`
}

// Run executes the resolve command.
func (c *resolveCmd) Run(ctx context.Context, a *app) error {
	bundle, err := loadWorkflowBundle(a.fs, c.Folder)
	if err != nil {
		return err
	}

	if !c.SkipNodes {
		resolveNodes(ctx, a, bundle)
	}
	if !c.SkipModels {
		if err := resolveModels(ctx, a, bundle); err != nil {
			return err
		}
	}
	return nil
}

// resolveNodes detects and installs missing custom-node repositories,
// printing a table of the outcome.
func resolveNodes(ctx context.Context, a *app, bundle validate.WorkflowBundle) {
	packs, unresolved := a.nodes.DetectMissing(bundle.Payload, bundle.Dependencies)

	for _, classType := range unresolved {
		pterm.Warning.Println("no custom-node match for class " + classType)
	}
	if len(packs) == 0 {
		pterm.Info.Println("no missing custom nodes to install")
		return
	}

	installed, restartRequired := a.nodes.InstallMissing(ctx, a.cfg.ManagerURL, packs)

	table := pterm.TableData{{"Repo", "Status", "Error"}}
	for _, mp := range installed {
		table = append(table, []string{mp.Repo, mp.ResolveStatus, mp.Error})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(table).Render()

	if restartRequired {
		pterm.Warning.Println("custom nodes were installed — restart ComfyUI before running workflows again")
	}
}

// resolveModels resolves every model reference in the workflow, reporting
// copy/download progress with a pterm progress bar.
func resolveModels(ctx context.Context, a *app, bundle validate.WorkflowBundle) error {
	refs := modelresolve.ExtractReferences(bundle.Payload)
	if len(refs) == 0 {
		pterm.Info.Println("no model references to resolve")
		return nil
	}

	for _, ref := range refs {
		if err := resolveOneModel(ctx, a, ref); err != nil {
			return err
		}
	}
	return nil
}

func resolveOneModel(ctx context.Context, a *app, ref modelresolve.ModelReference) error {
	if found := modelresolve.SearchModelPath(a.fs, a.models.ComfyDir(), ref); found.Found {
		pterm.Success.Println(ref.Name + " already present at " + found.Path)
		return nil
	}

	destination := path.Join(a.models.ComfyDir(), "models", ref.Category, path.Base(ref.Name))
	updates, unsubscribe := a.transfers.Subscribe(destination)
	defer unsubscribe()

	outcome, err := a.models.ResolveMissing(ctx, ref, "")
	if err != nil {
		return err
	}

	if !outcome.Resolved {
		pterm.Warning.Println(ref.Name + ": " + outcome.ManualInstruction)
		return nil
	}

	bar, _ := pterm.DefaultProgressbar.WithTitle(ref.Name).WithTotal(100).Start()
	for state := range updates {
		if state.TotalBytes > 0 {
			pct := int(state.Percent)
			if pct > bar.Current {
				bar.Add(pct - bar.Current)
			}
		}
		if !state.InProgress {
			break
		}
	}
	_, _ = bar.Stop()
	pterm.Success.Println(ref.Name + " -> " + outcome.ResolvedPath)
	return nil
}
