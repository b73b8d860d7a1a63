package main

import (
	"context"
	"time"

	"github.com/pterm/pterm"
)

// prefetchCmd warms the folder/metadata cache for the shared workflow
// repository, optionally watching it for changes afterward.
type prefetchCmd struct {
	Host     string        `name:"host" help:"Host tag used for compatibility checks."`
	Watch    bool          `name:"watch" help:"Keep running, re-prefetching folders as they change."`
	Interval time.Duration `name:"interval" default:"2s" help:"Watch poll interval."`
}

// Run executes the prefetch command.
func (c *prefetchCmd) Run(ctx context.Context, a *app) error {
	pterm.Info.Println("prefetching " + a.cfg.RepoRoot)
	if err := a.scheduler.PrefetchAllFolders(ctx, a.cfg.RepoRoot, c.Host); err != nil {
		return err
	}
	pterm.Success.Println("prefetch complete")

	if !c.Watch {
		return nil
	}

	go a.scheduler.Run(ctx)
	defer a.scheduler.Shutdown()

	pterm.Info.Println("watching for changes, press ctrl-c to stop")
	if err := a.scheduler.Watch(ctx, a.cfg.RepoRoot, c.Interval); err != nil && ctx.Err() == nil {
		return err
	}

	<-a.scheduler.Done()
	return nil
}
