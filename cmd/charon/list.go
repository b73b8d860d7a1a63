package main

import (
	"context"
	"fmt"

	"github.com/pterm/pterm"
)

// listCmd lists the workflow folders under the shared repository root.
type listCmd struct {
	Host        string   `name:"host" help:"Host tag used for compatibility checks (e.g. \"main\" or \"background\")."`
	Bookmarks   []string `name:"bookmark" help:"Folder names to surface first, in order."`
	Compat      bool     `name:"compat" help:"Check each folder's host compatibility (slower)."`
	CurrentUser string   `name:"current-user" help:"Current user slug, surfaced second in the listing."`
}

// Run executes the folder listing command.
func (c *listCmd) Run(ctx context.Context, a *app) error {
	result, err := a.lister.ListFolders(ctx, a.cfg.RepoRoot, c.Host, c.Compat, c.Bookmarks, c.CurrentUser, nil)
	if err != nil {
		return err
	}

	if len(result.Folders) == 0 {
		pterm.Info.Println("no workflow folders found under " + a.cfg.RepoRoot)
		return nil
	}

	table := pterm.TableData{{"Folder", "Compatible"}}
	for _, folder := range result.Folders {
		compat := "-"
		if result.Compatibility != nil {
			if ok, known := result.Compatibility[folder]; known {
				compat = fmt.Sprintf("%t", ok)
			}
		}
		table = append(table, []string{folder, compat})
	}

	return pterm.DefaultTable.WithHasHeader().WithData(table).Render()
}
