// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/tiledla/pkg/core/trace"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
	failedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F55")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
)

// newPlainTable creates a table with alternating row colors. If failed is given, rows for which it
// returns true are highlighted.
func newPlainTable(withHeader bool, failed func(row int) bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case withHeader && row == lgtable.HeaderRow:
				return headerRowStyle
			case failed != nil && failed(row):
				return failedStyle
			case row%2 == 0:
				return oddRowStyle
			default:
				return evenRowStyle
			}
		})
}

func configTable(cfg config) string {
	elementSize := 4
	switch cfg.dtype {
	case "float64", "complex64":
		elementSize = 8
	case "complex128":
		elementSize = 16
	}
	matrixBytes := uint64(cfg.n) * uint64(cfg.n) * uint64(elementSize)
	table := newPlainTable(false, nil).
		Row("Matrix", fmt.Sprintf("%s x %s (%s)", humanize.Comma(int64(cfg.n)), humanize.Comma(int64(cfg.n)),
			humanize.Bytes(matrixBytes))).
		Row("Tile size", humanize.Comma(int64(cfg.nb))).
		Row("Grid", fmt.Sprintf("%d x %d", cfg.p, cfg.q)).
		Row("Options", cfg.opts.String())
	if cfg.usesB() {
		table.Row("Right-hand sides", humanize.Comma(int64(cfg.nrhs)))
	}
	if cfg.devices != "" {
		table.Row("Devices per rank", cfg.devices)
	}
	return table.String()
}

func formatResidual(residual float64) string {
	if math.IsNaN(residual) {
		return "-"
	}
	return fmt.Sprintf("%.3g", residual)
}

func resultsTable(cfg config, results []result) string {
	flops := cfg.flops()
	table := newPlainTable(true, func(row int) bool {
		return row >= 0 && row < len(results) && results[row].info != 0
	}).Headers("Run", "Time", "Rate", "Info", "Residual")
	var best time.Duration
	for i, res := range results {
		rate := flops / res.elapsed.Seconds()
		table.Row(fmt.Sprintf("#%d", i), res.elapsed.Round(time.Microsecond).String(),
			humanize.SIWithDigits(rate, 2, "flop/s"), fmt.Sprint(res.info), formatResidual(res.residual))
		if best == 0 || res.elapsed < best {
			best = res.elapsed
		}
	}
	if len(results) > 1 {
		table.Row("best", best.Round(time.Microsecond).String(),
			humanize.SIWithDigits(flops/best.Seconds(), 2, "flop/s"), "", "")
	}
	return table.String()
}

func traceTable(r *trace.Recorder) string {
	summary := r.Summary()
	var total time.Duration
	for _, s := range summary {
		total += s.Total
	}
	table := newPlainTable(true, nil).Headers("Task", "Count", "Total", "Share")
	for _, s := range summary {
		share := float64(s.Total) / float64(max(total, 1))
		table.Row(s.Class, humanize.Comma(int64(s.Count)), s.Total.Round(time.Microsecond).String(),
			fmt.Sprintf("%.1f%%", 100*share))
	}
	return table.String()
}
