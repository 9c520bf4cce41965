// Package main runs the depth and colour estimator on a single captured frame.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pbnjay/memory"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"birefdepth/internal/logging"
	"birefdepth/pkg/depth"
	"birefdepth/pkg/imgproc"
	"birefdepth/pkg/render"
)

const (
	flagTformX  = "tform-x"
	flagTformY  = "tform-y"
	flagInvX    = "inv-x"
	flagInvY    = "inv-y"
	flagConfig  = "config"
	flagIn      = "in"
	flagOutDir  = "out-dir"
	flagPreview = "preview"
	flagDebug   = "debug"

	flagMinDepth      = "min-depth"
	flagMaxDepth      = "max-depth"
	flagDisparityCoef = "disparity-coef"
	flagTau           = "tau"
	flagUpsampling    = "upsampling"
	flagScaleMask     = "scale-mask"
	flagWinSize       = "win-size"
	flagThreshGrad    = "thresh-grad"
	flagThreshCost    = "thresh-cost"
	flagFilter        = "filter"
	flagFilterWorkers = "filter-workers"
	flagDebugDir      = "debug-dir"
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
	d := depth.DefaultParams()
	app := &cli.App{
		Name:  "birefdepth",
		Usage: "recover a restored image and a sparse depth map from one birefractive capture",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: flagTformX, Value: resource("tform_ind1"), Usage: "forward rectification table, x plane"},
			&cli.StringFlag{Name: flagTformY, Value: resource("tform_ind2"), Usage: "forward rectification table, y plane"},
			&cli.StringFlag{Name: flagInvX, Value: resource("inv_ind1"), Usage: "inverse rectification table, x plane"},
			&cli.StringFlag{Name: flagInvY, Value: resource("inv_ind2"), Usage: "inverse rectification table, y plane"},
			&cli.StringFlag{Name: flagConfig, Aliases: []string{"c"}, Usage: "load parameters from JSON `FILE`"},
			&cli.StringFlag{Name: flagIn, Value: filepath.Join("resources", "demo.png"), Usage: "captured frame"},
			&cli.StringFlag{Name: flagOutDir, Value: "out", Usage: "write results to `DIR`"},
			&cli.StringFlag{Name: flagPreview, Usage: "also write a labelled JPEG preview sheet to `FILE`"},
			&cli.BoolFlag{Name: flagDebug, Usage: "enable debug logging"},

			&cli.Float64Flag{Name: flagMinDepth, Value: d.MinDepth, Usage: "nearest admissible depth"},
			&cli.Float64Flag{Name: flagMaxDepth, Value: d.MaxDepth, Usage: "farthest admissible depth"},
			&cli.Float64Flag{Name: flagDisparityCoef, Value: d.DisparityCoef, Usage: "focal length times baseline"},
			&cli.Float64Flag{Name: flagTau, Value: d.Tau, Usage: "e-ray to o-ray intensity ratio"},
			&cli.Float64Flag{Name: flagUpsampling, Value: d.Upsampling, Usage: "working resolution factor"},
			&cli.Float64Flag{Name: flagScaleMask, Value: d.ScaleMask, Usage: "output disparity resolution factor"},
			&cli.IntFlag{Name: flagWinSize, Value: d.WinSize, Usage: "cost aggregation window"},
			&cli.Float64Flag{Name: flagThreshGrad, Value: d.ThreshGrad, Usage: "minimum edge response"},
			&cli.Float64Flag{Name: flagThreshCost, Value: d.ThreshCost, Usage: "minimum cost spread"},
			&cli.StringFlag{Name: flagFilter, Value: string(d.Filter), Usage: "disparity filter: auto or off"},
			&cli.IntFlag{Name: flagFilterWorkers, Usage: "filter workers, 0 picks the logical core count"},
			&cli.StringFlag{Name: flagDebugDir, Usage: "dump intermediate buffers to `DIR`"},
		},
		Action: estimate,
	}
	return app.Run(args)
}

// loadParams starts from the config file (or the defaults) and applies
// every flag set on the command line.
func loadParams(c *cli.Context) (depth.Params, error) {
	p := depth.DefaultParams()
	if path := c.String(flagConfig); path != "" {
		var err error
		if p, err = depth.ReadParams(path); err != nil {
			return p, err
		}
	}

	floats := map[string]*float64{
		flagMinDepth:      &p.MinDepth,
		flagMaxDepth:      &p.MaxDepth,
		flagDisparityCoef: &p.DisparityCoef,
		flagTau:           &p.Tau,
		flagUpsampling:    &p.Upsampling,
		flagScaleMask:     &p.ScaleMask,
		flagThreshGrad:    &p.ThreshGrad,
		flagThreshCost:    &p.ThreshCost,
	}
	for name, dst := range floats {
		if c.IsSet(name) {
			*dst = c.Float64(name)
		}
	}
	if c.IsSet(flagWinSize) {
		p.WinSize = c.Int(flagWinSize)
	}
	if c.IsSet(flagFilter) {
		p.Filter = depth.FilterMode(c.String(flagFilter))
	}
	if c.IsSet(flagFilterWorkers) {
		p.FilterWorkers = c.Int(flagFilterWorkers)
	}
	if c.IsSet(flagDebugDir) {
		p.DebugDir = c.String(flagDebugDir)
	}
	return p, p.Validate()
}

func estimate(c *cli.Context) error {
	logger := logging.NewLogger("birefdepth")
	if c.Bool(flagDebug) {
		logger = logging.NewDebugLogger("birefdepth")
	}
	defer logger.Sync() //nolint:errcheck

	p, err := loadParams(c)
	if err != nil {
		return err
	}

	// Step 1: rectification tables and estimator
	forward, err := imgproc.ReadField(c.String(flagTformX), c.String(flagTformY))
	if err != nil {
		return errors.Wrap(err, "reading forward table")
	}
	inverse, err := imgproc.ReadField(c.String(flagInvX), c.String(flagInvY))
	if err != nil {
		forward.Close()
		return errors.Wrap(err, "reading inverse table")
	}

	start := time.Now()
	est, err := depth.NewEstimator(forward, inverse, p, logger)
	forward.Close()
	inverse.Close()
	if err != nil {
		return err
	}
	defer est.Close()
	logger.Infow("estimator ready",
		"elapsed", time.Since(start),
		"backend", imgproc.Backend,
		"filter", est.Filtering(),
		"candidates", est.Candidates().Len(),
		"window", est.WinSize(),
	)
	warnOnMemory(logger, est.WorkingSetBytes())

	// Step 2: process the frame
	in, err := imgproc.ReadImage(c.String(flagIn))
	if err != nil {
		return err
	}
	defer in.Close()

	start = time.Now()
	if err := est.ProcessFrame(in); err != nil {
		return err
	}
	logger.Infow("frame processed", "elapsed", time.Since(start))

	// Step 3: outputs
	outDir := c.String(flagOutDir)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.Wrap(err, "creating output directory")
	}
	return writeOutputs(c, est, in, outDir, logger)
}

func writeOutputs(c *cli.Context, est *depth.Estimator, in imgproc.Mat, outDir string, logger logging.Logger) error {
	restored := est.RestoredImage()
	defer restored.Close()
	disparity := est.DisparityMap()
	defer disparity.Close()
	depthMap := est.Depth()
	defer depthMap.Close()

	colored := render.ColorizeDisparity(disparity)
	coloredMat := imgproc.FromImage(colored)
	defer coloredMat.Close()

	out := func(name string) string { return filepath.Join(outDir, name) }
	err := multierr.Combine(
		imgproc.WriteImage(out("restored.png"), restored),
		imgproc.WriteImage(out("disparity.png"), disparity),
		imgproc.WriteImage(out("disparity_color.png"), coloredMat),
		imgproc.WriteFloat(out("depth"+imgproc.FloatExt), depthMap),
	)
	if err != nil {
		return err
	}

	valid := coverage(disparity)
	logger.Infow("results written", "dir", outDir, "coverage", fmt.Sprintf("%.1f%%", 100*valid))

	if path := c.String(flagPreview); path != "" {
		p := est.Params()
		panels := []render.Panel{
			{Title: "Input", Image: imgproc.ToImage(in)},
			{Title: "Restored", Image: imgproc.ToImage(restored)},
			{Title: "Disparity map", Image: colored},
		}
		legend := &render.Legend{
			Near:    p.MinDepth,
			Far:     p.MaxDepth,
			Unit:    "mm",
			Summary: fmt.Sprintf("%d candidates, %.1f%% reliable", est.Candidates().Len(), 100*valid),
		}
		if err := render.RenderPreview(panels, legend, path); err != nil {
			return err
		}
		logger.Infow("preview written", "path", path)
	}
	return nil
}

// coverage is the fraction of non-zero pixels of a contiguous 8-bit map.
func coverage(m imgproc.Mat) float64 {
	data := m.DataUint8()
	if len(data) == 0 {
		return 0
	}
	n := 0
	for _, v := range data {
		if v != 0 {
			n++
		}
	}
	return float64(n) / float64(len(data))
}

func warnOnMemory(logger logging.Logger, workingSet int64) {
	total := memory.TotalMemory()
	if total == 0 {
		return
	}
	if uint64(workingSet) > total/2 {
		logger.Warnw("estimator buffers exceed half of physical memory",
			"working_set_mb", workingSet>>20,
			"total_mb", total>>20,
		)
	}
}
