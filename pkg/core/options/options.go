// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package options defines the configuration of the drivers in package linalg.
//
// Options is an explicit value built once per call: there are no global defaults to change.
// It can be built from a settings string (see Parse) or from a YAML file (see LoadYAML).
package options

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/gomlx/tiledla/pkg/core/trace"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Target selects how the tile operations of a driver are executed.
type Target int

//go:generate go tool enumer -type=Target -trimprefix=Target -transform=snake -text -output=gen_target_enumer.go options.go

const (
	// TargetHostTask runs one task per output tile, on the host.
	TargetHostTask Target = iota

	// TargetHostNest runs a parallel loop over the output tiles, on the host.
	TargetHostNest

	// TargetHostBatch groups same-shape tile operations in batches, executed on the host.
	TargetHostBatch

	// TargetDevices groups same-shape tile operations in batches, executed on the device queues.
	TargetDevices
)

// TileRelease is the strategy to free workspace tiles (received remote tiles and device copies).
type TileRelease int

//go:generate go tool enumer -type=TileRelease -trimprefix=TileRelease -transform=snake -text -output=gen_tilerelease_enumer.go options.go

const (
	// TileReleaseAll frees tiles eagerly, after their last use.
	TileReleaseAll TileRelease = iota

	// TileReleaseInternal frees the workspace of each step at the end of the step.
	TileReleaseInternal

	// TileReleaseNone retains the workspace until the end of the call.
	TileReleaseNone
)

// Options for the drivers.
type Options struct {
	Target Target `yaml:"target"`

	// Lookahead is the number of columns updated ahead of the trailing update, >= 0.
	Lookahead int `yaml:"lookahead"`

	// InnerBlocking is the block size used within a panel by the pivoted factorizations.
	InnerBlocking int `yaml:"inner_blocking"`

	// MaxPanelThreads is the number of goroutines factorizing a panel.
	MaxPanelThreads int `yaml:"max_panel_threads"`

	TileRelease TileRelease `yaml:"tile_release"`

	// NumQueues is the number of queues per device. If 0, 2+Lookahead is used.
	NumQueues int `yaml:"num_queues"`

	// MaxParallelism is the number of tasks running at the same time on each rank. If 0,
	// runtime.NumCPU() is used.
	MaxParallelism int `yaml:"max_parallelism"`

	// Trace, if set, records the execution of every task.
	Trace *trace.Recorder `yaml:"-"`
}

// Default returns the default options.
func Default() Options {
	return Options{
		Target:          TargetHostTask,
		Lookahead:       1,
		InnerBlocking:   16,
		MaxPanelThreads: max(1, min(runtime.NumCPU()/2, 8)),
		TileRelease:     TileReleaseAll,
	}
}

// Validate returns an error describing the first invalid value, if any.
func (o Options) Validate() error {
	if !o.Target.IsATarget() {
		return errors.Errorf("invalid target %s, valid values are %v", o.Target, TargetStrings())
	}
	if !o.TileRelease.IsATileRelease() {
		return errors.Errorf("invalid tile release strategy %s, valid values are %v", o.TileRelease, TileReleaseStrings())
	}
	if o.Lookahead < 0 {
		return errors.Errorf("lookahead must be >= 0, got %d", o.Lookahead)
	}
	if o.InnerBlocking <= 0 {
		return errors.Errorf("inner_blocking must be > 0, got %d", o.InnerBlocking)
	}
	if o.MaxPanelThreads <= 0 {
		return errors.Errorf("max_panel_threads must be > 0, got %d", o.MaxPanelThreads)
	}
	if o.NumQueues < 0 {
		return errors.Errorf("num_queues must be >= 0, got %d", o.NumQueues)
	}
	if o.NumQueues > 0 && o.NumQueues < 2 {
		return errors.Errorf("num_queues must be at least 2 (or 0 for the default), got %d", o.NumQueues)
	}
	if o.MaxParallelism < 0 {
		return errors.Errorf("max_parallelism must be >= 0, got %d", o.MaxParallelism)
	}
	return nil
}

// Queues returns the number of queues per device: NumQueues, or 2+Lookahead if not set.
// Queue 0 is used by trailing updates, queue 1 by panels and queues 2.. by each lookahead column.
func (o Options) Queues() int {
	if o.NumQueues > 0 {
		return o.NumQueues
	}
	return 2 + o.Lookahead
}

// LookaheadQueue returns the queue used by the update of the column distance steps ahead of the panel
// (1 <= distance <= Lookahead). Lookahead columns share queues if there are not enough of them.
func (o Options) LookaheadQueue(distance int) int {
	extra := o.Queues() - 2
	if extra <= 0 {
		return 1
	}
	return 2 + (distance-1)%extra
}

// String implements fmt.Stringer, in the format accepted by Parse.
func (o Options) String() string {
	return fmt.Sprintf("target=%s;lookahead=%d;inner_blocking=%d;max_panel_threads=%d;tile_release=%s;num_queues=%d;max_parallelism=%d",
		o.Target, o.Lookahead, o.InnerBlocking, o.MaxPanelThreads, o.TileRelease, o.NumQueues, o.MaxParallelism)
}

// Parse options from settings, starting from Default(). See Options.Parse.
func Parse(settings string) (Options, error) {
	return Default().Parse(settings)
}

// Parse returns a copy of o with the settings applied. Settings are a list separated by ";", e.g.:
// "target=devices;lookahead=2". Keys are the YAML names of the fields of Options.
//
// A setting "file:<path>" reads settings from a file, one or more per line (lines starting with "#" are
// ignored). For integers, "_" can be used as a separator: "1_000".
//
// The result is validated.
func (o Options) Parse(settings string) (Options, error) {
	for _, setting := range strings.Split(settings, ";") {
		var err error
		o, err = o.parseSetting(strings.TrimSpace(setting))
		if err != nil {
			return o, err
		}
	}
	return o, o.Validate()
}

func (o Options) parseSetting(setting string) (Options, error) {
	if setting == "" {
		return o, nil
	}
	if filePath, found := strings.CutPrefix(setting, "file:"); found {
		contents, err := os.ReadFile(filePath)
		if err != nil {
			return o, errors.Wrapf(err, "failed to read settings from file %q", filePath)
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, lineSetting := range strings.Split(line, ";") {
				o, err = o.parseSetting(strings.TrimSpace(lineSetting))
				if err != nil {
					return o, err
				}
			}
		}
		return o, nil
	}

	key, value, found := strings.Cut(setting, "=")
	if !found {
		return o, errors.Errorf("can't parse setting %q: each setting requires the format \"<key>=<value>\"", setting)
	}
	key, value = strings.TrimSpace(key), strings.TrimSpace(value)
	var err error
	switch key {
	case "target":
		o.Target, err = TargetString(value)
	case "tile_release":
		o.TileRelease, err = TileReleaseString(value)
	case "lookahead":
		o.Lookahead, err = parseInt(value)
	case "inner_blocking":
		o.InnerBlocking, err = parseInt(value)
	case "max_panel_threads":
		o.MaxPanelThreads, err = parseInt(value)
	case "num_queues":
		o.NumQueues, err = parseInt(value)
	case "max_parallelism":
		o.MaxParallelism, err = parseInt(value)
	default:
		return o, errors.Errorf("unknown option %q in setting %q", key, setting)
	}
	if err != nil {
		return o, errors.Wrapf(err, "can't parse setting %q", setting)
	}
	return o, nil
}

func parseInt(value string) (int, error) {
	return strconv.Atoi(strings.ReplaceAll(value, "_", ""))
}

// LoadYAML reads options from a YAML document, starting from Default(): only the keys present are
// changed. The result is validated.
//
// Example:
//
//	target: devices
//	lookahead: 2
//	tile_release: internal
func LoadYAML(r io.Reader) (Options, error) {
	o := Default()
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&o); err != nil && err != io.EOF {
		return o, errors.Wrap(err, "failed to decode options")
	}
	return o, o.Validate()
}
