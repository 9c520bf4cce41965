// Package main builds the rectification tables from a pair of calibrated
// ordinary/extraordinary ray offset fields.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"birefdepth/internal/logging"
	"birefdepth/pkg/imgproc"
	"birefdepth/pkg/rectify"
)

const (
	flagOX     = "o-x"
	flagOY     = "o-y"
	flagEX     = "e-x"
	flagEY     = "e-y"
	flagOutDir = "out-dir"
	flagScale  = "scale"
	flagDebug  = "debug"
)

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func resource(name string) string {
	return filepath.Join("resources", name+imgproc.FloatExt)
}

func run(args []string) error {
	app := &cli.App{
		Name:  "birefrectify",
		Usage: "build forward and inverse rectification tables",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: flagOX, Value: resource("b_o2d_1"), Usage: "o-ray offset field, x plane"},
			&cli.StringFlag{Name: flagOY, Value: resource("b_o2d_2"), Usage: "o-ray offset field, y plane"},
			&cli.StringFlag{Name: flagEX, Value: resource("b_e2d_1"), Usage: "e-ray offset field, x plane"},
			&cli.StringFlag{Name: flagEY, Value: resource("b_e2d_2"), Usage: "e-ray offset field, y plane"},
			&cli.StringFlag{Name: flagOutDir, Value: "resources", Usage: "write the tables to `DIR`"},
			&cli.Float64Flag{Name: flagScale, Value: rectify.DefaultReverseScale, Usage: "supersampling factor of the reverse scatter"},
			&cli.BoolFlag{Name: flagDebug, Usage: "enable debug logging"},
		},
		Action: buildTables,
	}
	return app.Run(args)
}

func buildTables(c *cli.Context) error {
	logger := logging.NewLogger("birefrectify")
	if c.Bool(flagDebug) {
		logger = logging.NewDebugLogger("birefrectify")
	}
	defer logger.Sync() //nolint:errcheck

	oOffset, err := imgproc.ReadField(c.String(flagOX), c.String(flagOY))
	if err != nil {
		return errors.Wrap(err, "reading o-ray offsets")
	}
	defer oOffset.Close()
	eOffset, err := imgproc.ReadField(c.String(flagEX), c.String(flagEY))
	if err != nil {
		return errors.Wrap(err, "reading e-ray offsets")
	}
	defer eOffset.Close()
	logger.Infow("offset fields loaded", "size", oOffset.Size(), "backend", imgproc.Backend)

	start := time.Now()
	res, err := rectify.Build(oOffset, eOffset)
	if err != nil {
		return err
	}
	defer res.Close()
	logger.Infow("forward table built", "elapsed", time.Since(start))
	fmt.Printf("Disparity coefficient: f * baseline = %g\n", res.Baseline)

	start = time.Now()
	inverse, err := rectify.Reverse(res.Forward, oOffset.Size(), c.Float64(flagScale))
	if err != nil {
		return err
	}
	defer inverse.Close()
	logger.Infow("inverse table built", "elapsed", time.Since(start))

	outDir := c.String(flagOutDir)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.Wrap(err, "creating output directory")
	}
	out := func(name string) string { return filepath.Join(outDir, name+imgproc.FloatExt) }
	return multierr.Combine(
		imgproc.WriteField(res.Forward, out("tform_ind_new1"), out("tform_ind_new2")),
		imgproc.WriteField(inverse, out("inv_ind_new1"), out("inv_ind_new2")),
	)
}
