// Command charon is the terminal front end for the Charon workflow cache,
// prefetcher, and validation engine: it lists and warms a shared workflow
// repository, validates a workflow against a target ComfyUI installation,
// and resolves missing custom nodes and models.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/alecthomas/kong"
	"github.com/pterm/pterm"
	"github.com/willabides/kongplete"

	"github.com/crossplane/crossplane-runtime/pkg/logging"
	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/spf13/afero"

	"github.com/charon-vfx/charon/internal/config"
)

// cli is the root command, embedding every top-level subcommand.
type cli struct {
	Quiet bool `short:"q" name:"quiet" help:"Suppress non-essential output."`

	List               listCmd                      `cmd:"" help:"List workflow folders under the shared repository."`
	Prefetch           prefetchCmd                  `cmd:"" help:"Warm the folder/metadata cache for the shared repository."`
	Validate           validateCmd                  `cmd:"" help:"Validate a workflow folder against a ComfyUI installation."`
	Resolve            resolveCmd                   `cmd:"" help:"Resolve and install missing custom nodes for a workflow."`
	InstallCompletions kongplete.InstallCompletions `cmd:"" help:"Install shell completions."`
}

// AfterApply resolves configuration, wires the component graph, and binds
// it into the kong context for every subcommand's Run method to receive as
// a parameter (the context.Context is bound separately, in main).
func (c *cli) AfterApply(kongCtx *kong.Context) error {
	log := logging.NewNopLogger()
	if !c.Quiet {
		sink := funcr.New(func(prefix, args string) {
			if prefix != "" {
				pterm.Debug.Println(prefix + ": " + args)
				return
			}
			pterm.Debug.Println(args)
		}, funcr.Options{})
		log = logging.NewLogrLogger(logr.New(sink))
	}

	resolver := config.NewResolver(afero.NewOsFs())
	cfg, err := resolver.Resolve()
	if err != nil {
		return err
	}

	kongCtx.Bind(newApp(cfg, log))
	return nil
}

func main() {
	c := cli{}

	parser := kong.Must(&c,
		kong.Name("charon"),
		kong.Description("Charon workflow cache, prefetcher, and validation engine."),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)

	kongplete.Complete(parser)

	if len(os.Args) == 1 {
		_, err := parser.Parse([]string{"--help"})
		parser.FatalIfErrorf(err)
		return
	}

	kongCtx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		defer cancel()
		<-sigCh
		fmt.Fprintln(os.Stderr, "interrupted")
	}()

	kongCtx.BindTo(ctx, (*context.Context)(nil))
	kongCtx.FatalIfErrorf(kongCtx.Run())
}
