// Command planetaryd runs the planetary neuron core against an
// in-memory simulated board, and offers inspection subcommands over a
// flash image file — useful for exercising the mesh, scheduler and
// learning engine without real hardware.
package main

import (
	"fmt"
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
	"go.opencensus.io/stats/view"

	"github.com/planetary-neuron/core/internal/build"
	"github.com/planetary-neuron/core/internal/metrics"
)

var log = logging.Logger("planetaryd")

func init() {
	if err := view.Register(metrics.DefaultViews...); err != nil {
		log.Fatal(err)
	}
}

func main() {
	app := &cli.App{
		Name:    "planetaryd",
		Usage:   "planetary neuron node simulator and flash inspector",
		Version: build.String(),
		Commands: []*cli.Command{
			runCmd,
			inspectShardCmd,
			inspectFlashCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
