// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// tiledla_run runs one of the distributed drivers on a random matrix, over a grid of simulated ranks,
// and reports timings and the scaled residual of the result.
//
// Example:
//
//	tiledla_run -driver=posv -n=2048 -nb=128 -grid=2x2 -options="lookahead=2;target=devices" -devices=sim:2
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/tiledla/pkg/core/options"
	"github.com/gomlx/tiledla/pkg/core/trace"
	"github.com/gomlx/tiledla/pkg/support/fsutil"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagDriver = flag.String("driver", "posv",
		fmt.Sprintf("Driver to run, one of: %s.", strings.Join(drivers, ", ")))
	flagDType = flag.String("dtype", "float64",
		"Element type: float32, float64, complex64 or complex128.")
	flagN    = flag.Int("n", 512, "Order of the matrix A.")
	flagNRHS = flag.Int("nrhs", 16, "Number of columns of B, for posv, gesv and trsm.")
	flagNb   = flag.Int("nb", 64, "Tile size.")
	flagGrid = flag.String("grid", "2x2", "Process grid, in the format \"<p>x<q>\": the number of ranks is p*q.")

	flagOptions = flag.String("options", "",
		"Driver options, e.g. \"target=devices;lookahead=2\". Use \"file:<path>\" to read them from a file.")
	flagConfig = flag.String("config", "",
		"YAML file with driver options. Settings in -options are applied on top of it.")
	flagDevices = flag.String("devices", "",
		"Devices configuration for each rank, e.g. \"sim:2:memory=1GiB\". "+
			"If empty and the target is \"devices\", \"sim:2\" is used.")

	flagRuns  = flag.Int("runs", 3, "Number of times to run the driver. Each run starts from the same matrix.")
	flagSeed  = flag.Int64("seed", 42, "Seed for the random matrices.")
	flagCheck = flag.Bool("check", true, "Compute the scaled residual of the result on rank 0.")
	flagTrace = flag.String("trace", "",
		"If set, saves the timeline of the tasks of the last run to the given file (.png, .svg or .pdf).")
	flagColor = flag.Bool("color", true, "Use colors in the output, if the terminal supports them.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	output := termenv.NewOutput(os.Stdout)
	profile := output.EnvColorProfile()
	if !*flagColor {
		profile = termenv.Ascii
	}
	lipgloss.SetColorProfile(profile)

	cfg, err := configFromFlags()
	if err != nil {
		klog.Errorf("Invalid flags: %+v", err)
		os.Exit(1)
	}
	if err := run(cfg); err != nil {
		klog.Errorf("Failed: %+v", err)
		os.Exit(1)
	}
}

// configFromFlags validates the flags and collects them into a config.
func configFromFlags() (cfg config, err error) {
	cfg = config{
		driver:  *flagDriver,
		dtype:   *flagDType,
		n:       *flagN,
		nrhs:    *flagNRHS,
		nb:      *flagNb,
		devices: *flagDevices,
		check:   *flagCheck,
	}
	if _, err = fmt.Sscanf(*flagGrid, "%dx%d", &cfg.p, &cfg.q); err != nil {
		return cfg, errors.Wrapf(err, "can't parse -grid=%q", *flagGrid)
	}
	cfg.opts = options.Default()
	if *flagConfig != "" {
		configPath, err := fsutil.ExpandHome(*flagConfig)
		if err != nil {
			return cfg, err
		}
		f, err := os.Open(configPath)
		if err != nil {
			return cfg, errors.Wrapf(err, "can't open -config=%q", *flagConfig)
		}
		cfg.opts, err = options.LoadYAML(f)
		_ = f.Close()
		if err != nil {
			return cfg, errors.WithMessagef(err, "in -config=%q", *flagConfig)
		}
	}
	if cfg.opts, err = cfg.opts.Parse(*flagOptions); err != nil {
		return cfg, errors.WithMessagef(err, "in -options=%q", *flagOptions)
	}
	if cfg.devices == "" && cfg.opts.Target == options.TargetDevices {
		cfg.devices = "sim:2"
	}
	return cfg, cfg.validate()
}

func run(cfg config) error {
	fmt.Println(titleStyle.Render(fmt.Sprintf("%s / %s", cfg.driver, cfg.dtype)))
	fmt.Println(configTable(cfg))

	var bar *progressbar.ProgressBar
	if *flagRuns > 1 {
		bar = progressbar.NewOptions(*flagRuns,
			progressbar.OptionSetDescription("runs"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
			progressbar.OptionSetTheme(progressbar.ThemeASCII))
	}
	results := make([]result, 0, *flagRuns)
	var recorder *trace.Recorder
	for runIdx := range *flagRuns {
		runCfg := cfg
		if *flagTrace != "" && runIdx == *flagRuns-1 {
			recorder = trace.NewRecorder()
			runCfg.opts.Trace = recorder
		}
		var res result
		// Panics outside the ranks (e.g.: while generating the matrices) are reported as errors too.
		err := exceptions.TryCatch[error](func() {
			var err error
			res, err = runTyped(runCfg, *flagSeed)
			if err != nil {
				panic(err)
			}
		})
		if err != nil {
			return errors.WithMessagef(err, "run #%d", runIdx)
		}
		results = append(results, res)
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	fmt.Println(resultsTable(cfg, results))

	if recorder != nil {
		fmt.Println(traceTable(recorder))
		tracePath, err := fsutil.OutputPath(*flagTrace)
		if err != nil {
			return err
		}
		if err := recorder.Save(tracePath, fmt.Sprintf("%s n=%d nb=%d grid=%dx%d", cfg.driver, cfg.n, cfg.nb, cfg.p, cfg.q)); err != nil {
			return err
		}
		fmt.Printf("Timeline saved to %q\n", tracePath)
	}
	return nil
}
