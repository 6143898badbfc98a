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

// Kinds of messages of Potrf.
const (
	potrfTagDiag = iota
	potrfTagPanel
	potrfNumTags
)

// Potrf computes the Cholesky factorization of the Hermitian positive-definite matrix a, in place:
// A = L * L^H if a is Lower, or A = U^H * U if it is Upper. Only the triangle of a is referenced
// and overwritten.
//
// If a leading minor of order k is not positive definite, it returns Info k (the smallest over all
// ranks). The factorization is completed anyway, but the result is meaningless past that order.
func Potrf[T scalar.Scalar](a matrix.Matrix[T], opts options.Options) (Info, error) {
	if err := opts.Validate(); err != nil {
		return 0, err
	}
	if a.Kind() != matrix.KindHermitian {
		return 0, errors.Errorf("Potrf requires a Hermitian matrix, got %s", a)
	}
	if a.Uplo() == tile.Upper {
		// U^H U = A  <=>  L L^H = A with L = U^H.
		a = matrix.ConjTranspose(a)
	}
	nt := a.Nt()
	tags, err := newTagger(potrfNumTags, nt, nt, nt)
	if err != nil {
		return 0, err
	}
	if nt == 0 {
		return 0, nil
	}

	start := time.Now()
	r := tileops.NewRunner(opts)
	tileops.Prepare(r, (opts.Lookahead+2)*nt, a)
	bcastOpts := bcastOptions(opts)
	one := scalar.FromFloat64[T](1)
	var info infoRecorder

	p := scheduler.Pipeline{
		N:         nt,
		Lookahead: opts.Lookahead,
		Name:      "potrf",
	}
	p.Panel = func(k int) error {
		if a.TileIsLocal(k, k) {
			akk := a.TileGetForWriting(k, k, tile.HostNum, tile.RowMajor)
			if iinfo := kernels.Potrf(akk); iinfo != 0 {
				info.record(k*a.Nb() + iinfo)
			}
		}
		if k == nt-1 {
			return nil
		}

		// L(k+1:, k) = A(k+1:, k) * L(k, k)^{-H}.
		panel := a.Sub(k+1, nt-1, k, k)
		a.TileBcast(k, k, panel, tile.RowMajor, tags.tag(potrfTagDiag, k, k, k), bcastOpts...)
		diag := a.Sub(k, k, k, k).AsTriangular(tile.Lower, tile.NonUnit)
		tileops.Trsm(r, "potrf.trsm", tileops.QueuePanel, kernels.Right, one, matrix.ConjTranspose(diag), panel)

		// L(i, k) is used by row i left of the diagonal and by column i below it.
		items := make([]matrix.BcastItem[T], 0, nt-k-1)
		for i := k + 1; i < nt; i++ {
			items = append(items, matrix.BcastItem[T]{
				I: i, J: k,
				Dests: []matrix.Matrix[T]{a.Sub(i, i, k+1, i), a.Sub(i, nt-1, i, i)},
				Tag:   tags.tag(potrfTagPanel, k, i, k),
			})
		}
		a.ListBcast(items, tile.RowMajor, bcastOpts...)
		return nil
	}
	p.LookaheadUpdate = func(k, j int) error {
		queue := opts.LookaheadQueue(j - k)
		tileops.Herk(r, "potrf.herk", queue, -1, a.Sub(j, j, k, k), 1, a.SubDiag(j, j))
		if j+1 < nt {
			tileops.Gemm(r, "potrf.gemm", queue, -one, a.Sub(j+1, nt-1, k, k),
				matrix.ConjTranspose(a.Sub(j, j, k, k)), one, a.Sub(j+1, nt-1, j, j))
		}
		return nil
	}
	p.TrailingUpdate = func(k, lo, hi int) error {
		tileops.Herk(r, "potrf.trailing", tileops.QueueTrailing, -1, a.Sub(lo, hi, k, k), 1, a.SubDiag(lo, hi))
		return nil
	}
	if opts.TileRelease == options.TileReleaseInternal {
		p.Release = func(k int) error {
			panel := a.Sub(k, nt-1, k, k)
			panel.EraseRemoteWorkspace()
			panel.EraseLocalWorkspace()
			return nil
		}
	}

	if err := p.Run(newGraph(a, opts, 0)); err != nil {
		return 0, err
	}
	a.TileUpdateAllOrigin()
	a.ReleaseWorkspace()
	global, err := info.allReduce(a.Comm())
	if err != nil {
		return 0, err
	}
	if klog.V(1).Enabled() {
		klog.Infof("rank %d: potrf of %s in %s, info=%d", a.Rank(), a, time.Since(start), global)
	}
	return global, nil
}
