// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package linalg

import (
	"fmt"
	"slices"
	"testing"

	"github.com/gomlx/tiledla/pkg/core/comm"
	"github.com/gomlx/tiledla/pkg/core/grid"
	"github.com/gomlx/tiledla/pkg/core/kernels"
	"github.com/gomlx/tiledla/pkg/core/matrix"
	"github.com/gomlx/tiledla/pkg/core/options"
	"github.com/gomlx/tiledla/pkg/core/scalar"
	"github.com/gomlx/tiledla/pkg/core/tile"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

// triangleFlat returns the triangle of the row-major n x n matrix a, with the other one zeroed and
// ones on the diagonal if diag is Unit.
func triangleFlat[T scalar.Scalar](n int, a []T, uplo tile.Uplo, diag tile.Diag) []T {
	tri := make([]T, n*n)
	for r := range n {
		for c := range n {
			switch {
			case r == c && diag == tile.Unit:
				tri[r*n+c] = scalar.FromFloat64[T](1)
			case (uplo == tile.Lower && c <= r) || (uplo == tile.Upper && c >= r):
				tri[r*n+c] = a[r*n+c]
			}
		}
	}
	return tri
}

// testTrsmImpl solves op(A) X = alpha B or X op(A) = alpha B on a p x q grid, and checks the result
// by multiplying it back.
func testTrsmImpl[T scalar.Scalar](t *testing.T, p, q int, side kernels.Side, uplo tile.Uplo, op tile.Op, diag tile.Diag,
	opts options.Options) {
	const n, nrhs, nb = 40, 13, 8
	aFlat := randomFlat[T](4, n, n)
	if diag == tile.Unit {
		// Unit triangular matrices with O(1) off-diagonal entries have condition numbers growing
		// exponentially with n: keep them small. The diagonal is garbage, it must not be read.
		offScale := scalar.FromFloat64[T](1 / float64(n))
		for i := range n {
			for j := range n {
				if i != j {
					aFlat[i*n+j] *= offScale
				}
			}
		}
	} else {
		for i := range n {
			aFlat[i*n+i] += scalar.FromFloat64[T](float64(n))
		}
	}
	bRows, bCols := n, nrhs
	if side == kernels.Right {
		bRows, bCols = nrhs, n
	}
	bFlat := randomFlat[T](5, bRows, bCols)
	alpha := scalar.FromFloat64[T](2)
	if scalar.IsComplex[T]() {
		alpha = scalar.FromComplex128[T](complex(2, 0.5))
	}

	runGrid(t, p, q, func(g *grid.Grid, c comm.Communicator) error {
		matOpts, free, err := matrixOptions(opts.Target)
		if err != nil {
			return err
		}
		defer free()
		a, err := matrix.FromFlat(n, n, slices.Clone(aFlat), n, tile.RowMajor, nb, g, c, matOpts...)
		if err != nil {
			return err
		}
		b, err := matrix.FromFlat(bRows, bCols, slices.Clone(bFlat), bCols, tile.RowMajor, nb, g, c, matOpts...)
		if err != nil {
			return err
		}
		tri := a.AsTriangular(uplo, diag)
		switch op {
		case tile.Trans:
			tri = matrix.Transpose(tri)
		case tile.ConjTrans:
			tri = matrix.ConjTranspose(tri)
		}
		if err := Trsm(side, alpha, tri, b, opts); err != nil {
			return err
		}
		remote, _ := b.NumWorkspaceTiles()
		assert.Equal(t, 0, remote, "rank %d", c.Rank())

		x := b.Gather(0)
		if c.Rank() != 0 {
			return nil
		}
		opA := applyOpFlat(n, n, triangleFlat(n, aFlat, uplo, diag), op)
		var got []T
		if side == kernels.Left {
			got = matMul(n, n, nrhs, opA, x)
		} else {
			got = matMul(nrhs, n, n, x, opA)
		}
		want := make([]T, len(bFlat))
		for i, v := range bFlat {
			want[i] = alpha * v
		}
		if diff := relativeDiff(want, got); diff > tolFor[T]() {
			return errors.Errorf("op(A)*X differs from alpha*B: relative difference %g", diff)
		}
		return nil
	})
}

func TestTrsm(t *testing.T) {
	for _, side := range []kernels.Side{kernels.Left, kernels.Right} {
		for _, uplo := range []tile.Uplo{tile.Lower, tile.Upper} {
			for _, op := range []tile.Op{tile.NoTrans, tile.ConjTrans} {
				for _, diag := range []tile.Diag{tile.NonUnit, tile.Unit} {
					t.Run(fmt.Sprintf("%s/%s/%s/%d", side, uplo, op, diag), func(t *testing.T) {
						opts := options.Default()
						t.Run("float64", func(t *testing.T) { testTrsmImpl[float64](t, 2, 2, side, uplo, op, diag, opts) })
						t.Run("complex64", func(t *testing.T) { testTrsmImpl[complex64](t, 1, 3, side, uplo, op, diag, opts) })
					})
				}
			}
		}
	}
	t.Run("Trans", func(t *testing.T) {
		testTrsmImpl[float32](t, 2, 2, kernels.Left, tile.Lower, tile.Trans, tile.NonUnit, options.Default())
	})
}

func TestTrsmTargets(t *testing.T) {
	for _, target := range options.TargetValues() {
		for _, release := range options.TileReleaseValues() {
			for _, lookahead := range []int{0, 3} {
				t.Run(fmt.Sprintf("%s/%s/lookahead=%d", target, release, lookahead), func(t *testing.T) {
					opts := options.Default()
					opts.Target = target
					opts.TileRelease = release
					opts.Lookahead = lookahead
					testTrsmImpl[float64](t, 2, 2, kernels.Left, tile.Upper, tile.NoTrans, tile.NonUnit, opts)
					testTrsmImpl[complex128](t, 2, 1, kernels.Right, tile.Lower, tile.ConjTrans, tile.NonUnit, opts)
				})
			}
		}
	}
}

func TestTrsmErrors(t *testing.T) {
	runGrid(t, 1, 1, func(g *grid.Grid, c comm.Communicator) error {
		a, err := matrix.New[float64](8, 8, 4, g, c)
		if err != nil {
			return err
		}
		b, err := matrix.New[float64](6, 3, 4, g, c)
		if err != nil {
			return err
		}
		assert.Error(t, Trsm(kernels.Left, 1, a, b, options.Default()), "General A")
		assert.Error(t, Trsm(kernels.Left, 1, a.AsTriangular(tile.Lower, tile.NonUnit), b, options.Default()),
			"mismatched dimensions")
		b2, err := matrix.New[float64](8, 3, 2, g, c)
		if err != nil {
			return err
		}
		assert.Error(t, Trsm(kernels.Left, 1, a.AsTriangular(tile.Lower, tile.NonUnit), b2, options.Default()),
			"different tile sizes")
		return nil
	})
}
