// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package grid defines the p x q process grid over which matrix tiles are distributed, and the
// default 2D block-cyclic ownership of tiles.
package grid

import (
	"fmt"
	"math"
	"slices"

	"github.com/pkg/errors"
)

// Order of the ranks in the grid.
type Order int

const (
	// ColMajor order: rank = pi + qj*p. This is the default, as in ScaLAPACK.
	ColMajor Order = iota

	// RowMajor order: rank = pi*q + qj.
	RowMajor
)

func (o Order) String() string {
	if o == RowMajor {
		return "RowMajor"
	}
	return "ColMajor"
}

// Grid is the logical p x q arrangement of ranks.
type Grid struct {
	p, q  int
	order Order
}

// New creates a ColMajor p x q process grid.
func New(p, q int) (*Grid, error) {
	return NewWithOrder(p, q, ColMajor)
}

// NewWithOrder creates a p x q process grid with the given rank order.
func NewWithOrder(p, q int, order Order) (*Grid, error) {
	if p <= 0 || q <= 0 {
		return nil, errors.Errorf("process grid dimensions must be positive, got %dx%d", p, q)
	}
	if order != ColMajor && order != RowMajor {
		return nil, errors.Errorf("invalid process grid order %d", order)
	}
	return &Grid{p: p, q: q, order: order}, nil
}

// Squarest returns a grid for size ranks, with p <= q and p as large as possible.
func Squarest(size int) (*Grid, error) {
	if size <= 0 {
		return nil, errors.Errorf("number of ranks must be positive, got %d", size)
	}
	p := int(math.Sqrt(float64(size)))
	for size%p != 0 {
		p--
	}
	return New(p, size/p)
}

// P returns the number of process rows.
func (g *Grid) P() int { return g.p }

// Q returns the number of process columns.
func (g *Grid) Q() int { return g.q }

// Order returns the order of ranks in the grid.
func (g *Grid) Order() Order { return g.order }

// Size returns the total number of ranks, p*q.
func (g *Grid) Size() int { return g.p * g.q }

// RankOf returns the rank at process row pi and process column qj.
func (g *Grid) RankOf(pi, qj int) int {
	if g.order == RowMajor {
		return pi*g.q + qj
	}
	return pi + qj*g.p
}

// Coords returns the process row and column of rank.
func (g *Grid) Coords(rank int) (pi, qj int) {
	if g.order == RowMajor {
		return rank / g.q, rank % g.q
	}
	return rank % g.p, rank / g.p
}

// TileRank is the 2D block-cyclic owner of the tile (i, j).
func (g *Grid) TileRank(i, j int) int {
	return g.RankOf(i%g.p, j%g.q)
}

// TileDevice is the default device of the tile (i, j) among numDevices devices of its owner:
// the local tile rows are distributed cyclically among the devices.
func (g *Grid) TileDevice(i, j, numDevices int) int {
	if numDevices <= 0 {
		return -1
	}
	return (i / g.p) % numDevices
}

// RowRanks returns the ranks in the same process row as rank, in increasing process column order.
func (g *Grid) RowRanks(rank int) []int {
	pi, _ := g.Coords(rank)
	ranks := make([]int, g.q)
	for qj := range g.q {
		ranks[qj] = g.RankOf(pi, qj)
	}
	return ranks
}

// ColRanks returns the ranks in the same process column as rank, in increasing process row order.
func (g *Grid) ColRanks(rank int) []int {
	_, qj := g.Coords(rank)
	ranks := make([]int, g.p)
	for pi := range g.p {
		ranks[pi] = g.RankOf(pi, qj)
	}
	return ranks
}

// Groups returns the process rows (byRow=true) or process columns as lists of ranks.
func (g *Grid) Groups(byRow bool) [][]int {
	var groups [][]int
	if byRow {
		for pi := range g.p {
			groups = append(groups, g.RowRanks(g.RankOf(pi, 0)))
		}
	} else {
		for qj := range g.q {
			groups = append(groups, g.ColRanks(g.RankOf(0, qj)))
		}
	}
	for _, group := range groups {
		slices.Sort(group)
	}
	return groups
}

// String implements fmt.Stringer.
func (g *Grid) String() string {
	return fmt.Sprintf("Grid(%dx%d, %s)", g.p, g.q, g.order)
}
