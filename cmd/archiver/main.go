// Command archiver runs the energy-dataset archival pipeline: discover,
// download, repackage and publish a dataset's source artifacts, per spec
// §6. Modeled directly on TEACHER's cmd/up/main.go: a kong-parsed CLI
// struct, pterm-bound printing, and signal-driven cancellation.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/alecthomas/kong"
	"github.com/go-logr/zapr"
	"github.com/pterm/pterm"
	"go.uber.org/zap"

	archiverrun "github.com/pudl-archiver/pudl-archiver-go/cmd/archiver/run"
)

// cli is the top-level flag/command struct, mirroring TEACHER's
// cmd/up/main.go's cli struct.
type cli struct {
	Quiet bool `short:"q" name:"quiet" help:"Suppress all output."`

	Run archiverrun.Cmd `cmd:"" help:"Run the archiver for one or more datasets."`
}

// AfterApply configures global settings before executing any command,
// exactly the hook TEACHER's cli.AfterApply uses for styling.
func (c *cli) AfterApply(ctx *kong.Context) error { //nolint:unparam
	if c.Quiet {
		pterm.DisableStyling()
	}
	return nil
}

func main() {
	c := cli{}
	parser := kong.Must(&c,
		kong.Name("archiver"),
		kong.Description("Archival pipeline for public energy datasets"),
	)

	kongCtx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	zapLog, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "building logger:", err)
		os.Exit(1)
	}
	defer zapLog.Sync() //nolint:errcheck
	log := zapr.NewLogger(zapLog)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		defer cancel()
		<-sigCh
	}()

	kongCtx.BindTo(ctx, (*context.Context)(nil))
	kongCtx.Bind(log)
	kongCtx.FatalIfErrorf(kongCtx.Run())
}
