// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package linalg

import (
	"time"

	"github.com/gomlx/tiledla/pkg/core/kernels"
	"github.com/gomlx/tiledla/pkg/core/matrix"
	"github.com/gomlx/tiledla/pkg/core/options"
	"github.com/gomlx/tiledla/pkg/core/scalar"
	"github.com/gomlx/tiledla/pkg/core/scheduler"
	"github.com/gomlx/tiledla/pkg/core/tile"
	"github.com/gomlx/tiledla/pkg/linalg/internal/tileops"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Kinds of messages of Trsm.
const (
	trsmTagReduce = iota
	trsmTagGather
	trsmTagReturn
	trsmTagBcast
	trsmNumTags
)

// Trsm solves op(A) * X = alpha * B (side Left) or X * op(A) = alpha * B (side Right), for the
// triangular matrix a, overwriting b with X. op is given by the view a (e.g. matrix.ConjTranspose).
//
// A never moves: each tile row of X is solved on the owner of the diagonal tile of A, and the
// updates of B are computed by the owners of the tiles of A, as partial sums that are reduced onto
// the owners of B before the row is solved.
func Trsm[T scalar.Scalar](side kernels.Side, alpha T, a, b matrix.Matrix[T], opts options.Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	if a.Kind() != matrix.KindTriangular {
		return errors.Errorf("Trsm requires a Triangular matrix, got %s", a)
	}
	if err := checkSameGrid(a, b); err != nil {
		return err
	}
	if side == kernels.Right {
		// X A = alpha B  <=>  A^H X^H = conj(alpha) B^H.
		a, b = matrix.ConjTranspose(a), matrix.ConjTranspose(b)
		alpha = scalar.Conj(alpha)
	}
	if a.Nt() != b.Mt() || a.N() != b.M() {
		return errors.Errorf("Trsm(%s): mismatched dimensions A=%s, B=%s", side, a, b)
	}
	mt, nt := b.Mt(), b.Nt()
	tags, err := newTagger(trsmNumTags, mt, mt, nt)
	if err != nil {
		return err
	}
	if mt == 0 || nt == 0 {
		return nil
	}

	start := time.Now()
	r := tileops.NewRunner(opts)
	tileops.Prepare(r, (opts.Lookahead+2)*nt, a, b)
	bcastOpts := bcastOptions(opts)
	one := scalar.FromFloat64[T](1)
	me := a.Rank()
	if alpha != one {
		tileops.Scale(r, "trsm.scale", tileops.QueueTrailing, alpha, b)
	}

	// Lower matrices are solved from the first row down, Upper ones from the last row up: "done" are
	// the rows already solved, "next" the ones still to be updated.
	lower := a.Uplo() == tile.Lower
	done := func(k int) (lo, hi int) {
		if lower {
			return 0, k - 1
		}
		return k + 1, mt - 1
	}
	next := func(k int) (lo, hi int) {
		if lower {
			return k + 1, mt - 1
		}
		return 0, k - 1
	}

	p := scheduler.Pipeline{
		N:         mt,
		Lookahead: opts.Lookahead,
		Reverse:   !lower,
		Name:      "trsm",
	}
	p.Panel = func(k int) error {
		// B(k, :) -= sum of the partial updates of the rows already solved.
		if lo, hi := done(k); lo <= hi {
			items := make([]matrix.ReduceItem[T], nt)
			for j := range nt {
				items[j] = matrix.ReduceItem[T]{
					I: k, J: j,
					Srcs: []matrix.Matrix[T]{a.Sub(k, k, lo, hi)},
					Tag:  tags.tag(trsmTagReduce, k, k, j),
				}
			}
			b.ListReduce(items, tile.RowMajor)
		}

		// Solve A(k, k) X(k, :) = B(k, :) on the owner of A(k, k).
		diagRank := a.TileRank(k, k)
		for j := range nt {
			switch owner := b.TileRank(k, j); {
			case owner == diagRank:
			case me == owner:
				b.TileSend(k, j, diagRank, tags.tag(trsmTagGather, k, k, j))
			case me == diagRank:
				b.TileRecv(k, j, owner, tile.RowMajor, tags.tag(trsmTagGather, k, k, j))
			}
		}
		row := b.Sub(k, k, 0, nt-1)
		if me == diagRank {
			tileops.TrsmWorkspace(r, "trsm.panel", tileops.QueuePanel, kernels.Left, one, a.SubDiag(k, k), row)
		}
		for j := range nt {
			switch owner := b.TileRank(k, j); {
			case owner == diagRank:
			case me == diagRank:
				b.TileSend(k, j, owner, tags.tag(trsmTagReturn, k, k, j))
				b.Sub(k, k, j, j).EraseRemoteWorkspace()
			case me == owner:
				b.TileRecv(k, j, diagRank, tile.RowMajor, tags.tag(trsmTagReturn, k, k, j))
			}
		}

		// X(k, :) is used by the owners of A(:, k) in the rows still to be updated.
		lo, hi := next(k)
		if lo > hi {
			return nil
		}
		items := make([]matrix.BcastItem[T], nt)
		for j := range nt {
			items[j] = matrix.BcastItem[T]{
				I: k, J: j,
				Dests: []matrix.Matrix[T]{a.Sub(lo, hi, k, k)},
				Tag:   tags.tag(trsmTagBcast, k, k, j),
			}
		}
		b.ListBcast(items, tile.RowMajor, bcastOpts...)
		return nil
	}
	update := func(k, lo, hi, queue int) {
		tileops.GemmA(r, "trsm.gemm", queue, -one, a.Sub(lo, hi, k, k), b.Sub(k, k, 0, nt-1), one, b.Sub(lo, hi, 0, nt-1))
	}
	p.LookaheadUpdate = func(k, i int) error {
		distance := i - k
		if !lower {
			distance = k - i
		}
		update(k, i, i, opts.LookaheadQueue(distance))
		return nil
	}
	p.TrailingUpdate = func(k, lo, hi int) error {
		update(k, lo, hi, tileops.QueueTrailing)
		return nil
	}
	if opts.TileRelease == options.TileReleaseInternal {
		p.Release = func(k int) error {
			row := b.Sub(k, k, 0, nt-1)
			row.EraseRemoteWorkspace()
			row.EraseLocalWorkspace()
			a.Sub(0, mt-1, k, k).EraseLocalWorkspace()
			return nil
		}
	}

	if err := p.Run(newGraph(a, opts, 0)); err != nil {
		return err
	}
	b.TileUpdateAllOrigin()
	b.ReleaseWorkspace()
	a.ReleaseWorkspace()
	if klog.V(1).Enabled() {
		klog.Infof("rank %d: trsm(%s) of %s in %s", me, side, b, time.Since(start))
	}
	return nil
}
