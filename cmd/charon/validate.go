package main

import (
	"context"
	"encoding/json"
	"path"

	"github.com/pterm/pterm"
	"github.com/spf13/afero"

	"github.com/charon-vfx/charon/pkg/charon/metadata"
	"github.com/charon-vfx/charon/pkg/charon/validate"
)

// validateCmd validates one workflow folder against a target ComfyUI
// installation: environment sanity, missing custom nodes, and missing
// model files.
type validateCmd struct {
	Folder          string `arg:"" help:"Workflow folder path under the shared repository."`
	Force           bool   `name:"force" help:"Bypass the cached result even if still fresh."`
	NoCache         bool   `name:"no-cache" help:"Do not read or write the cached result."`
	SkipEnvironment bool   `name:"skip-environment" help:"Skip the ComfyUI directory/interpreter check."`
}

// Run executes the validation command.
func (c *validateCmd) Run(ctx context.Context, a *app) error {
	bundle, err := loadWorkflowBundle(a.fs, c.Folder)
	if err != nil {
		return err
	}

	env := validate.EnvironmentCheck{
		ComfyDir:  a.models.ComfyDir(),
		PythonExe: pythonExeForComfyDir(a.models.ComfyDir()),
	}

	result, err := a.validator.ValidateComfyEnvironment(
		ctx, a.cfg.ComfyPath, env, bundle, !c.NoCache, c.Force, !c.SkipEnvironment,
	)
	if err != nil {
		return err
	}

	printValidationResult(result)
	return nil
}

// loadWorkflowBundle reads a workflow folder's `.charon.json` metadata and
// decodes its workflow JSON payload into a validate.WorkflowBundle.
func loadWorkflowBundle(fs afero.Fs, folder string) (validate.WorkflowBundle, error) {
	m, err := metadata.Load(fs, folder)
	if err != nil {
		return validate.WorkflowBundle{}, err
	}
	workflowFile := "workflow.json"
	var deps []metadata.Dependency
	if m != nil {
		workflowFile = m.WorkflowFile
		deps = m.Dependencies
	}

	raw, err := afero.ReadFile(fs, path.Join(folder, workflowFile))
	if err != nil {
		return validate.WorkflowBundle{}, err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return validate.WorkflowBundle{}, err
	}

	return validate.WorkflowBundle{
		Payload:        payload,
		WorkflowFolder: folder,
		WorkflowName:   workflowFile,
		Dependencies:   deps,
	}, nil
}

// printValidationResult renders a ValidationResult as a pass/fail table.
func printValidationResult(result validate.ValidationResult) {
	if result.UsedCache {
		pterm.Info.Println("showing cached result")
	}

	table := pterm.TableData{{"Check", "OK", "Summary"}}
	for _, issue := range result.Issues {
		status := "yes"
		if !issue.OK {
			status = "no"
		}
		table = append(table, []string{issue.Label, status, issue.Summary})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(table).Render()

	for _, issue := range result.Issues {
		for _, d := range issue.Details {
			pterm.Warning.Println(issue.Label + ": " + d)
		}
	}

	if result.OK() {
		pterm.Success.Println("validation passed")
	} else {
		pterm.Error.Println("validation failed")
	}
}
