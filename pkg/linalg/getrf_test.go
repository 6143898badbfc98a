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
	"github.com/stretchr/testify/require"
)

// luFactors extracts L (m x k, unit diagonal) and U (k x n) from the row-major result of Getrf.
func luFactors[T scalar.Scalar](m, n int, flat []T) (l, u []T) {
	k := min(m, n)
	l, u = make([]T, m*k), make([]T, k*n)
	for r := range m {
		for c := range n {
			switch {
			case r == c:
				l[r*k+c] = scalar.FromFloat64[T](1)
				u[r*n+c] = flat[r*n+c]
			case r > c && c < k:
				l[r*k+c] = flat[r*n+c]
			case r < c && r < k:
				u[r*n+c] = flat[r*n+c]
			}
		}
	}
	return
}

// ipivToZeroBased converts LAPACK pivots to the 0-based ones of kernels.ApplyPivots.
func ipivToZeroBased(ipiv []int) []int {
	zero := make([]int, len(ipiv))
	for i, p := range ipiv {
		zero[i] = p - 1
	}
	return zero
}

// testGetrfImpl factorizes a random m x n matrix with tiles of nb on a p x q grid, and checks that
// P * A = L * U.
func testGetrfImpl[T scalar.Scalar](t *testing.T, p, q, m, n, nb int, opts options.Options) {
	want := randomFlat[T](6, m, n)
	runGrid(t, p, q, func(g *grid.Grid, c comm.Communicator) error {
		matOpts, free, err := matrixOptions(opts.Target)
		if err != nil {
			return err
		}
		defer free()
		a, err := matrix.FromFlat(m, n, slices.Clone(want), n, tile.RowMajor, nb, g, c, matOpts...)
		if err != nil {
			return err
		}
		pivots, info, err := Getrf(a, opts)
		if err != nil {
			return err
		}
		if info != 0 {
			return errors.Errorf("rank %d: unexpected info=%d", c.Rank(), info)
		}
		assert.Len(t, pivots, min(a.Mt(), a.Nt()))
		assert.Equal(t, min(m, n), pivots.Len())
		ipiv := pivots.ToIpiv(nb)
		for i, piv := range ipiv {
			if piv < i+1 || piv > m {
				return errors.Errorf("invalid pivot ipiv[%d]=%d", i, piv)
			}
		}
		remote, _ := a.NumWorkspaceTiles()
		assert.Equal(t, 0, remote, "rank %d", c.Rank())

		flat := a.Gather(0)
		if c.Rank() != 0 {
			return nil
		}
		pa := slices.Clone(want)
		kernels.ApplyPivots(n, pa, n, 0, ipivToZeroBased(ipiv))
		l, u := luFactors(m, n, flat)
		k := min(m, n)
		if diff := relativeDiff(pa, matMul(m, k, n, l, u)); diff > tolFor[T]() {
			return errors.Errorf("L*U differs from P*A: relative difference %g", diff)
		}
		return nil
	})
}

func TestGetrf(t *testing.T) {
	for _, dims := range [][5]int{{2, 2, 48, 48, 8}, {2, 2, 40, 24, 8}, {1, 3, 24, 40, 8}, {2, 3, 37, 37, 8}, {1, 1, 20, 20, 6}} {
		p, q, m, n, nb := dims[0], dims[1], dims[2], dims[3], dims[4]
		t.Run(fmt.Sprintf("%dx%d/%dx%d/nb=%d", p, q, m, n, nb), func(t *testing.T) {
			opts := options.Default()
			t.Run("float32", func(t *testing.T) { testGetrfImpl[float32](t, p, q, m, n, nb, opts) })
			t.Run("float64", func(t *testing.T) { testGetrfImpl[float64](t, p, q, m, n, nb, opts) })
			t.Run("complex128", func(t *testing.T) { testGetrfImpl[complex128](t, p, q, m, n, nb, opts) })
		})
	}
}

func TestGetrfTargets(t *testing.T) {
	for _, target := range options.TargetValues() {
		for _, release := range options.TileReleaseValues() {
			for _, lookahead := range []int{0, 2} {
				t.Run(fmt.Sprintf("%s/%s/lookahead=%d", target, release, lookahead), func(t *testing.T) {
					opts := options.Default()
					opts.Target = target
					opts.TileRelease = release
					opts.Lookahead = lookahead
					opts.MaxParallelism = 2
					testGetrfImpl[float64](t, 2, 2, 48, 48, 8, opts)
				})
			}
		}
	}
}

func TestGetrfSingular(t *testing.T) {
	const n, nb = 48, 8
	aFlat := randomFlat[float64](7, n, n)
	for r := range n {
		aFlat[r*n+10] = 0
	}
	bFlat := randomFlat[float64](8, n, 3)
	runGrid(t, 2, 2, func(g *grid.Grid, c comm.Communicator) error {
		a, err := matrix.FromFlat(n, n, slices.Clone(aFlat), n, tile.RowMajor, nb, g, c)
		if err != nil {
			return err
		}
		b, err := matrix.FromFlat(n, 3, slices.Clone(bFlat), 3, tile.RowMajor, nb, g, c)
		if err != nil {
			return err
		}
		_, info, err := Gesv(a, b, options.Default())
		if err != nil {
			return err
		}
		assert.Equal(t, Info(11), info, "rank %d", c.Rank())
		x := b.Gather(0)
		if c.Rank() == 0 {
			assert.Equal(t, bFlat, x, "B must not change")
		}
		return nil
	})
}

// TestGetrfSubMatrix factorizes the view of the trailing 32 x 32 block of a 40 x 40 matrix: pivots and
// info are relative to the view, and the tiles outside of it are not touched.
func TestGetrfSubMatrix(t *testing.T) {
	const n, nb, sub = 40, 8, 32
	aFlat := randomFlat[float64](11, n, n)
	viewFlat := make([]float64, sub*sub)
	for r := range sub {
		copy(viewFlat[r*sub:(r+1)*sub], aFlat[(r+nb)*n+nb:(r+nb+1)*n])
	}
	singularFlat := slices.Clone(aFlat)
	for r := range n {
		// Zero column 11 of the view, in its second tile column.
		singularFlat[r*n+nb+11] = 0
	}

	runGrid(t, 2, 2, func(g *grid.Grid, c comm.Communicator) error {
		a, err := matrix.FromFlat(n, n, slices.Clone(aFlat), n, tile.RowMajor, nb, g, c)
		if err != nil {
			return err
		}
		view := a.Sub(1, 4, 1, 4)
		assert.Equal(t, nb, view.RowOffset(0))
		pivots, info, err := Getrf(view, options.Default())
		if err != nil {
			return err
		}
		assert.Equal(t, Info(0), info, "rank %d", c.Rank())
		ipiv := pivots.ToIpiv(nb)
		if len(ipiv) != sub {
			return errors.Errorf("got %d pivots, wanted %d", len(ipiv), sub)
		}
		for i, piv := range ipiv {
			if piv < i+1 || piv > sub {
				return errors.Errorf("ipiv[%d]=%d out of the view rows [%d, %d]", i, piv, i+1, sub)
			}
		}

		got := view.Gather(0)
		full := a.Gather(0)
		if c.Rank() == 0 {
			pa := slices.Clone(viewFlat)
			kernels.ApplyPivots(sub, pa, sub, 0, ipivToZeroBased(ipiv))
			l, u := luFactors(sub, sub, got)
			if diff := relativeDiff(pa, matMul(sub, sub, sub, l, u)); diff > tolFor[float64]() {
				return errors.Errorf("L*U differs from P*A of the view: relative difference %g", diff)
			}
			for r := range n {
				for col := range n {
					if (r < nb || col < nb) && aFlat[r*n+col] != full[r*n+col] {
						return errors.Errorf("A[%d, %d] outside of the view changed", r, col)
					}
				}
			}
		}

		singular, err := matrix.FromFlat(n, n, slices.Clone(singularFlat), n, tile.RowMajor, nb, g, c)
		if err != nil {
			return err
		}
		_, info, err = Getrf(singular.Sub(1, 4, 1, 4), options.Default())
		if err != nil {
			return err
		}
		assert.Equal(t, Info(12), info, "rank %d", c.Rank())
		return nil
	})
}

func testGesvImpl[T scalar.Scalar](t *testing.T, p, q, n, nrhs, nb int) {
	aFlat := randomFlat[T](9, n, n)
	bFlat := randomFlat[T](10, n, nrhs)
	runGrid(t, p, q, func(g *grid.Grid, c comm.Communicator) error {
		a, err := matrix.FromFlat(n, n, slices.Clone(aFlat), n, tile.RowMajor, nb, g, c)
		if err != nil {
			return err
		}
		b, err := matrix.FromFlat(n, nrhs, slices.Clone(bFlat), nrhs, tile.RowMajor, nb, g, c)
		if err != nil {
			return err
		}
		_, info, err := Gesv(a, b, options.Default())
		if err != nil {
			return err
		}
		if info != 0 {
			return errors.Errorf("unexpected info=%d", info)
		}
		x := b.Gather(0)
		if c.Rank() != 0 {
			return nil
		}
		// Random matrices are not that well conditioned: compare the residual to a looser tolerance.
		if diff := relativeDiff(bFlat, matMul(n, n, nrhs, aFlat, x)); diff > 100*tolFor[T]() {
			return errors.Errorf("A*X differs from B: relative difference %g", diff)
		}
		return nil
	})
}

func TestGesv(t *testing.T) {
	t.Run("float64", func(t *testing.T) { testGesvImpl[float64](t, 2, 2, 48, 5, 8) })
	t.Run("complex128", func(t *testing.T) { testGesvImpl[complex128](t, 1, 3, 30, 4, 7) })
}

func TestApplyPivots(t *testing.T) {
	// The distributed interchanges match the LAPACK ones of ToIpiv.
	const n, nrhs, nb = 40, 9, 8
	aFlat := randomFlat[float64](11, n, n)
	bFlat := randomFlat[float64](12, n, nrhs)
	runGrid(t, 2, 2, func(g *grid.Grid, c comm.Communicator) error {
		a, err := matrix.FromFlat(n, n, slices.Clone(aFlat), n, tile.RowMajor, nb, g, c)
		if err != nil {
			return err
		}
		b, err := matrix.FromFlat(n, nrhs, slices.Clone(bFlat), nrhs, tile.RowMajor, nb, g, c)
		if err != nil {
			return err
		}
		pivots, _, err := Getrf(a, options.Default())
		if err != nil {
			return err
		}
		if err := ApplyPivots(pivots, b, options.Default()); err != nil {
			return err
		}
		got := b.Gather(0)
		if c.Rank() != 0 {
			return nil
		}
		want := slices.Clone(bFlat)
		kernels.ApplyPivots(nrhs, want, nrhs, 0, ipivToZeroBased(pivots.ToIpiv(nb)))
		assert.Equal(t, want, got)
		return nil
	})

	wrongTiles := Pivots{{{TileIndex: 0, ElementOffset: 1}}, {}, {}}
	runGrid(t, 1, 1, func(g *grid.Grid, c comm.Communicator) error {
		b, err := matrix.New[float64](8, 2, 4, g, c)
		if err != nil {
			return err
		}
		assert.Error(t, ApplyPivots(wrongTiles, b, options.Default()))
		return nil
	})
	require.Equal(t, []int{2, 2, 3}, Pivots{
		{{TileIndex: 0, ElementOffset: 1}, {TileIndex: 0, ElementOffset: 1}},
		{{TileIndex: 0, ElementOffset: 0}},
	}.ToIpiv(2))
}
