// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tileops implements the operations of the drivers over sets of tiles: each one applies a tile
// kernel to the local output tiles of a view, on the configured target.
//
// Input tiles received from other ranks are ticked once per use: the life given to them by the
// broadcasts must count one consumer per output tile that uses them.
package tileops

import (
	"runtime"

	"github.com/gomlx/tiledla/internal/workerspool"
	"github.com/gomlx/tiledla/pkg/core/dispatch"
	"github.com/gomlx/tiledla/pkg/core/kernels"
	"github.com/gomlx/tiledla/pkg/core/matrix"
	"github.com/gomlx/tiledla/pkg/core/options"
	"github.com/gomlx/tiledla/pkg/core/scalar"
	"github.com/gomlx/tiledla/pkg/core/tile"
)

// Queues used with TargetDevices.
const (
	QueueTrailing = 0
	QueuePanel    = 1
)

// Runner holds what is needed to execute tile operations: it is shared by all tasks of a driver call.
type Runner struct {
	Opts options.Options
	Pool *workerspool.Pool
}

// NewRunner creates a Runner with a pool of workers for the kernels.
func NewRunner(opts options.Options) Runner {
	parallelism := opts.MaxParallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	return Runner{Opts: opts, Pool: workerspool.NewWithParallelism(parallelism)}
}

// Herk updates the Hermitian view c with C = alpha * A * A^H + beta * C, where a has one tile column
// with c.Mt() tiles. Diagonal tiles use a rank-k update and off-diagonal tiles a matrix multiplication.
//
// A(i) is used twice for the diagonal tile C(i, i).
func Herk[T scalar.Scalar](r Runner, name string, queue int, alpha float64, a matrix.Matrix[T], beta float64, c matrix.Matrix[T]) {
	batch := dispatch.New[T](name, r.Opts, r.Pool, queue)
	alphaT, betaT := scalar.FromFloat64[T](alpha), scalar.FromFloat64[T](beta)
	c.ForEachLocalTile(func(i, j int) {
		if i == j {
			batch.Add(func(at, _, ct tile.Tile[T]) { kernels.Herk(alpha, at, beta, ct) },
				dispatch.Tile(c, i, i), dispatch.Ticked(a, i, 0, 2))
			return
		}
		batch.Add(func(at, bt, ct tile.Tile[T]) { kernels.Gemm(alphaT, at, tile.ConjTranspose(bt), betaT, ct) },
			dispatch.Tile(c, i, j), dispatch.Ticked(a, i, 0, 1), dispatch.Ticked(a, j, 0, 1))
	})
	batch.Execute()
}

// Gemm updates the local tiles of c with C = alpha * A * B + beta * C, where a has one tile column and
// b one tile row.
func Gemm[T scalar.Scalar](r Runner, name string, queue int, alpha T, a, b matrix.Matrix[T], beta T, c matrix.Matrix[T]) {
	batch := dispatch.New[T](name, r.Opts, r.Pool, queue)
	c.ForEachLocalTile(func(i, j int) {
		batch.Add(func(at, bt, ct tile.Tile[T]) { kernels.Gemm(alpha, at, bt, beta, ct) },
			dispatch.Tile(c, i, j), dispatch.Ticked(a, i, 0, 1), dispatch.Ticked(b, 0, j, 1))
	})
	batch.Execute()
}

// GemmA updates C = alpha * A * B + beta * C on the ranks owning the tiles of a, which has one tile
// column: for every local A(i), all tiles of row i of c are updated, including tiles owned by other
// ranks. Those accumulate partial results in workspace tiles (zeroed when created), to be reduced
// onto their owners with ListReduce. b has one tile row.
func GemmA[T scalar.Scalar](r Runner, name string, queue int, alpha T, a, b matrix.Matrix[T], beta T, c matrix.Matrix[T]) {
	batch := dispatch.New[T](name, r.Opts, r.Pool, queue)
	for i := range a.Mt() {
		if !a.TileIsLocal(i, 0) {
			continue
		}
		for j := range c.Nt() {
			c.TileEnsureWorkspace(i, j, tile.RowMajor)
			batch.Add(func(at, bt, ct tile.Tile[T]) { kernels.Gemm(alpha, at, bt, beta, ct) },
				dispatch.Tile(c, i, j), dispatch.Tile(a, i, 0), dispatch.Ticked(b, 0, j, 1))
		}
	}
	batch.Execute()
}

// Trsm solves op(A) X = alpha B (Left) or X op(A) = alpha B (Right) for the local tiles of b, where a
// is a 1x1 tiles triangular view.
func Trsm[T scalar.Scalar](r Runner, name string, queue int, side kernels.Side, alpha T, a, b matrix.Matrix[T]) {
	batch := dispatch.New[T](name, r.Opts, r.Pool, queue)
	b.ForEachLocalTile(func(i, j int) {
		batch.Add(func(at, _, bt tile.Tile[T]) { kernels.Trsm(side, alpha, at, bt) },
			dispatch.Tile(b, i, j), dispatch.Ticked(a, 0, 0, 1))
	})
	batch.Execute()
}

// TrsmWorkspace is like Trsm, for the tiles of b present on this rank, local or not: it solves the
// rows of right-hand sides gathered on the owner of a. Nothing is ticked.
func TrsmWorkspace[T scalar.Scalar](r Runner, name string, queue int, side kernels.Side, alpha T, a, b matrix.Matrix[T]) {
	batch := dispatch.New[T](name, r.Opts, r.Pool, queue)
	b.ForEachTile(func(i, j int) {
		batch.Add(func(at, _, bt tile.Tile[T]) { kernels.Trsm(side, alpha, at, bt) },
			dispatch.Tile(b, i, j), dispatch.Tile(a, 0, 0))
	})
	batch.Execute()
}

// Scale multiplies the local tiles of c by alpha.
func Scale[T scalar.Scalar](r Runner, name string, queue int, alpha T, c matrix.Matrix[T]) {
	batch := dispatch.New[T](name, r.Opts, r.Pool, queue)
	c.ForEachLocalTile(func(i, j int) {
		batch.Add(func(_, _, ct tile.Tile[T]) { kernels.Scale(alpha, ct) }, dispatch.Tile(c, i, j))
	})
	batch.Execute()
}

// Prepare sizes the device resources of a driver call, once, before any task runs: the queues and
// batch arrays of each matrix, and the device workspace for its local tiles plus extraTiles remote
// tiles. It is a no-op for host targets or matrices without devices.
func Prepare[T scalar.Scalar](r Runner, extraTiles int, ms ...matrix.Matrix[T]) {
	if r.Opts.Target != options.TargetDevices {
		return
	}
	for _, m := range ms {
		if m.NumDevices() == 0 {
			continue
		}
		m.AllocateBatchArrays(m.Mt()*m.Nt(), r.Opts.Queues())
		m.ReserveDeviceWorkspace(extraTiles)
	}
}
