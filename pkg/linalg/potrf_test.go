// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package linalg

import (
	"fmt"
	"slices"
	"testing"

	"github.com/gomlx/tiledla/pkg/core/comm"
	"github.com/gomlx/tiledla/pkg/core/devices"
	"github.com/gomlx/tiledla/pkg/core/grid"
	"github.com/gomlx/tiledla/pkg/core/matrix"
	"github.com/gomlx/tiledla/pkg/core/options"
	"github.com/gomlx/tiledla/pkg/core/scalar"
	"github.com/gomlx/tiledla/pkg/core/tile"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// matrixOptions returns the options to create the matrices of a rank for the given target, and a
// function to free them.
func matrixOptions(target options.Target) ([]matrix.Option, func(), error) {
	if target != options.TargetDevices {
		return nil, func() {}, nil
	}
	ds, err := devices.New("sim:2:memory=64MiB")
	if err != nil {
		return nil, nil, err
	}
	return []matrix.Option{matrix.WithDevices(ds)}, ds.Finalize, nil
}

// factorOf extracts the Cholesky factor L (lower) from the row-major result of Potrf.
func factorOf[T scalar.Scalar](n int, flat []T, uplo tile.Uplo) []T {
	l := make([]T, n*n)
	for r := range n {
		for c := range n {
			switch {
			case uplo == tile.Lower && c <= r:
				l[r*n+c] = flat[r*n+c]
			case uplo == tile.Upper && c <= r:
				l[r*n+c] = scalar.Conj(flat[c*n+r])
			}
		}
	}
	return l
}

// testPotrfImpl factorizes a random n x n matrix with tiles of nb on a p x q grid, and checks that
// L * L^H reconstructs it. It returns the factor gathered on rank 0.
func testPotrfImpl[T scalar.Scalar](t *testing.T, p, q, n, nb int, uplo tile.Uplo, opts options.Options) []T {
	want := hermitianPD[T](1, n)
	var factor []T
	runGrid(t, p, q, func(g *grid.Grid, c comm.Communicator) error {
		matOpts, free, err := matrixOptions(opts.Target)
		if err != nil {
			return err
		}
		defer free()
		a, err := matrix.FromFlat(n, n, slices.Clone(want), n, tile.RowMajor, nb, g, c, matOpts...)
		if err != nil {
			return err
		}
		info, err := Potrf(a.AsHermitian(uplo), opts)
		if err != nil {
			return err
		}
		if info != 0 {
			return errors.Errorf("rank %d: unexpected info=%d", c.Rank(), info)
		}
		remote, deviceCopies := a.NumWorkspaceTiles()
		assert.Equal(t, 0, remote, "rank %d remote workspace", c.Rank())
		assert.Equal(t, 0, deviceCopies, "rank %d device copies", c.Rank())

		flat := a.Gather(0)
		if c.Rank() != 0 {
			return nil
		}
		factor = factorOf(n, flat, uplo)
		got := matMul(n, n, n, factor, applyOpFlat(n, n, factor, tile.ConjTrans))
		if diff := relativeDiff(want, got); diff > tolFor[T]() {
			return errors.Errorf("L*L^H differs from A: relative difference %g", diff)
		}
		return nil
	})
	return factor
}

func TestPotrf(t *testing.T) {
	for _, dims := range [][2]int{{1, 1}, {2, 2}, {1, 3}} {
		for _, uplo := range []tile.Uplo{tile.Lower, tile.Upper} {
			p, q := dims[0], dims[1]
			t.Run(fmt.Sprintf("%dx%d/%s", p, q, uplo), func(t *testing.T) {
				opts := options.Default()
				t.Run("float32", func(t *testing.T) { testPotrfImpl[float32](t, p, q, 64, 16, uplo, opts) })
				t.Run("float64", func(t *testing.T) { testPotrfImpl[float64](t, p, q, 64, 16, uplo, opts) })
				t.Run("complex64", func(t *testing.T) { testPotrfImpl[complex64](t, p, q, 64, 16, uplo, opts) })
				t.Run("complex128", func(t *testing.T) { testPotrfImpl[complex128](t, p, q, 64, 16, uplo, opts) })
			})
		}
	}

	// Partial last tiles.
	testPotrfImpl[float64](t, 2, 2, 50, 16, tile.Lower, options.Default())
}

func TestPotrfTargets(t *testing.T) {
	for _, target := range options.TargetValues() {
		for _, release := range options.TileReleaseValues() {
			t.Run(fmt.Sprintf("%s/%s", target, release), func(t *testing.T) {
				opts := options.Default()
				opts.Target = target
				opts.TileRelease = release
				opts.Lookahead = 2
				testPotrfImpl[float64](t, 2, 2, 64, 16, tile.Lower, opts)
				testPotrfImpl[complex128](t, 1, 2, 40, 8, tile.Upper, opts)
			})
		}
	}
}

func TestPotrfLookahead(t *testing.T) {
	// The operations applied to each tile are the same regardless of the lookahead or target.
	opts := options.Default()
	opts.Lookahead = 0
	want := testPotrfImpl[float64](t, 2, 2, 64, 16, tile.Lower, opts)
	for _, lookahead := range []int{1, 2, 5} {
		opts.Lookahead = lookahead
		got := testPotrfImpl[float64](t, 2, 2, 64, 16, tile.Lower, opts)
		require.InDeltaSlice(t, want, got, 1e-12, "lookahead=%d", lookahead)
	}
	opts.Target = options.TargetDevices
	opts.Lookahead = 2
	got := testPotrfImpl[float64](t, 2, 2, 64, 16, tile.Lower, opts)
	require.InDeltaSlice(t, want, got, 1e-12, "devices")
}

func TestPotrfGonumReference(t *testing.T) {
	// The Cholesky factor is unique: it matches gonum's up to rounding.
	const n, nb = 45, 8
	a := hermitianPD[float64](1, n)
	var chol mat.Cholesky
	require.True(t, chol.Factorize(mat.NewSymDense(n, slices.Clone(a))))
	var l mat.TriDense
	chol.LTo(&l)

	got := testPotrfImpl[float64](t, 2, 3, n, nb, tile.Lower, options.Default())
	want := make([]float64, 0, n*n)
	for r := range n {
		for c := range n {
			want = append(want, l.At(r, c))
		}
	}
	require.InDeltaSlice(t, want, got, 1e-10)
}

func TestPotrfNotPositiveDefinite(t *testing.T) {
	const n, nb = 64, 16
	want := hermitianPD[float64](1, n)
	want[37*n+37] = -1000
	for _, uplo := range []tile.Uplo{tile.Lower, tile.Upper} {
		runGrid(t, 2, 2, func(g *grid.Grid, c comm.Communicator) error {
			a, err := matrix.FromFlat(n, n, slices.Clone(want), n, tile.RowMajor, nb, g, c)
			if err != nil {
				return err
			}
			info, err := Potrf(a.AsHermitian(uplo), options.Default())
			if err != nil {
				return err
			}
			assert.Equal(t, Info(38), info, "rank %d, %s", c.Rank(), uplo)
			return nil
		})
	}
}

func TestPotrfErrors(t *testing.T) {
	runGrid(t, 1, 1, func(g *grid.Grid, c comm.Communicator) error {
		a, err := matrix.New[float64](8, 8, 4, g, c)
		if err != nil {
			return err
		}
		_, err = Potrf(a, options.Default())
		assert.Error(t, err, "General matrix")

		opts := options.Default()
		opts.Lookahead = -1
		_, err = Potrf(a.AsHermitian(tile.Lower), opts)
		assert.Error(t, err, "invalid options")
		return nil
	})
}

func testPosvImpl[T scalar.Scalar](t *testing.T, p, q, n, nrhs, nb int) {
	aFlat := hermitianPD[T](2, n)
	bFlat := randomFlat[T](3, n, nrhs)
	runGrid(t, p, q, func(g *grid.Grid, c comm.Communicator) error {
		a, err := matrix.FromFlat(n, n, slices.Clone(aFlat), n, tile.RowMajor, nb, g, c)
		if err != nil {
			return err
		}
		b, err := matrix.FromFlat(n, nrhs, slices.Clone(bFlat), nrhs, tile.RowMajor, nb, g, c)
		if err != nil {
			return err
		}
		info, err := Posv(a.AsHermitian(tile.Lower), b, options.Default())
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
		if diff := relativeDiff(bFlat, matMul(n, n, nrhs, aFlat, x)); diff > tolFor[T]() {
			return errors.Errorf("A*X differs from B: relative difference %g", diff)
		}
		return nil
	})
}

func TestPosv(t *testing.T) {
	t.Run("float64", func(t *testing.T) { testPosvImpl[float64](t, 2, 2, 50, 7, 8) })
	t.Run("complex64", func(t *testing.T) { testPosvImpl[complex64](t, 2, 2, 50, 7, 8) })
	t.Run("complex128", func(t *testing.T) { testPosvImpl[complex128](t, 1, 3, 33, 12, 5) })
}
