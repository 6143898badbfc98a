// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package linalg

import (
	"fmt"

	"github.com/gomlx/tiledla/pkg/core/kernels"
	"github.com/gomlx/tiledla/pkg/core/matrix"
	"github.com/gomlx/tiledla/pkg/core/options"
	"github.com/gomlx/tiledla/pkg/core/scalar"
	"github.com/gomlx/tiledla/pkg/core/scheduler"
	"github.com/gomlx/tiledla/pkg/core/tile"
	"github.com/pkg/errors"
)

// Getrs solves A * X = B using the LU factorization of the square matrix a and its pivots, computed
// by Getrf, overwriting b with X.
func Getrs[T scalar.Scalar](a matrix.Matrix[T], pivots Pivots, b matrix.Matrix[T], opts options.Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	if a.Kind() != matrix.KindGeneral || a.Op() != tile.NoTrans || b.Op() != tile.NoTrans {
		return errors.Errorf("Getrs requires non-transposed matrices, got A=%s, B=%s", a, b)
	}
	if err := checkSameGrid(a, b); err != nil {
		return err
	}
	if a.M() != a.N() || a.N() != b.M() {
		return errors.Errorf("Getrs: A must be square and match the rows of B, got A=%s, B=%s", a, b)
	}
	if len(pivots) != a.Mt() {
		return errors.Errorf("Getrs: got pivots for %d steps, A has %d tile rows", len(pivots), a.Mt())
	}
	if err := ApplyPivots(pivots, b, opts); err != nil {
		return err
	}
	one := scalar.FromFloat64[T](1)
	if err := Trsm(kernels.Left, one, a.AsTriangular(tile.Lower, tile.Unit), b, opts); err != nil {
		return errors.WithMessage(err, "Getrs forward substitution")
	}
	if err := Trsm(kernels.Left, one, a.AsTriangular(tile.Upper, tile.NonUnit), b, opts); err != nil {
		return errors.WithMessage(err, "Getrs backward substitution")
	}
	return nil
}

// ApplyPivots applies the row interchanges of a factorization to b, in order: B = P * B.
// The tiles of b must have the same size as those of the factorized matrix.
func ApplyPivots[T scalar.Scalar](pivots Pivots, b matrix.Matrix[T], opts options.Options) error {
	if b.Op() != tile.NoTrans {
		return errors.Errorf("ApplyPivots requires a non-transposed matrix, got %s", b)
	}
	mt, nt := b.Mt(), b.Nt()
	if len(pivots) > mt {
		return errors.Errorf("ApplyPivots: got pivots for %d steps, B has %d tile rows", len(pivots), mt)
	}
	tags, err := newTagger(getrfNumTags, len(pivots), mt, nt)
	if err != nil {
		return err
	}
	// Each column exchanges tiles, so all of them must be able to run.
	g := newGraph(b, opts, nt)
	for j := range nt {
		g.Submit(fmt.Sprintf("laswp(%d)", j), scheduler.PriorityNormal, nil, func() error {
			for k, step := range pivots {
				swapRows(b, k, j, step, tags, getrfTagSwapIn, getrfTagSwapOut)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	b.TileUpdateAllOrigin()
	return nil
}

// Gesv solves A * X = B for the square matrix a: it factorizes a in place with Getrf and, if U is not
// singular, overwrites b with the solution.
//
// If U is singular, it returns the Info of the factorization and b is not changed.
func Gesv[T scalar.Scalar](a, b matrix.Matrix[T], opts options.Options) (Pivots, Info, error) {
	if err := checkSameGrid(a, b); err != nil {
		return nil, 0, err
	}
	if a.M() != a.N() || a.N() != b.M() {
		return nil, 0, errors.Errorf("Gesv: A must be square and match the rows of B, got A=%s, B=%s", a, b)
	}
	pivots, info, err := Getrf(a, opts)
	if err != nil || info != 0 {
		return pivots, info, err
	}
	return pivots, 0, Getrs(a, pivots, b, opts)
}
