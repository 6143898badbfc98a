// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package linalg

import (
	"math"

	"github.com/gomlx/tiledla/pkg/core/comm"
	"github.com/gomlx/tiledla/pkg/core/matrix"
	"github.com/gomlx/tiledla/pkg/core/scalar"
	"github.com/gomlx/tiledla/pkg/core/tile"
	"github.com/pkg/errors"
)

// NormKind selects the norm computed by Norm.
type NormKind int

const (
	// NormMax is the largest absolute value of the elements.
	NormMax NormKind = iota

	// NormOne is the largest column sum of absolute values.
	NormOne

	// NormInf is the largest row sum of absolute values.
	NormInf

	// NormFro is the Frobenius norm: the square root of the sum of the squared absolute values.
	NormFro
)

func (k NormKind) String() string {
	switch k {
	case NormMax:
		return "Max"
	case NormOne:
		return "One"
	case NormInf:
		return "Inf"
	case NormFro:
		return "Fro"
	}
	return "Unknown"
}

// Norm computes the norm of the view a, the same on every rank.
//
// The kind of the view is honored: only the triangle of Triangular matrices is used (with ones on
// the diagonal if it is Unit), and Hermitian matrices are completed from their stored triangle.
func Norm[T scalar.Scalar](kind NormKind, a matrix.Matrix[T]) (float64, error) {
	if kind < NormMax || kind > NormFro {
		return 0, errors.Errorf("unknown norm kind %d", kind)
	}
	m, n := a.M(), a.N()
	var sums []float64
	switch kind {
	case NormOne:
		sums = make([]float64, n)
	case NormInf:
		sums = make([]float64, m)
	case NormMax, NormFro:
		sums = make([]float64, 1)
	}
	uplo := a.Uplo()
	hermitian := a.Kind() == matrix.KindHermitian
	unit := a.Kind() == matrix.KindTriangular && a.Diag() == tile.Unit
	nb := a.Nb()

	// accumulate |a(row, col)|, and its mirror for Hermitian matrices.
	accumulate := func(row, col int, v float64) {
		mirrored := hermitian && row != col
		switch kind {
		case NormMax:
			sums[0] = max(sums[0], v)
		case NormFro:
			if mirrored {
				sums[0] += 2 * v * v
			} else {
				sums[0] += v * v
			}
		case NormOne:
			sums[col] += v
			if mirrored {
				sums[row] += v
			}
		case NormInf:
			sums[row] += v
			if mirrored {
				sums[col] += v
			}
		}
	}

	a.ForEachLocalTile(func(i, j int) {
		t := a.TileGetForReading(i, j, tile.HostNum, tile.RowMajor)
		for r := range t.Mb() {
			for c := range t.Nb() {
				if i == j && a.Kind() != matrix.KindGeneral {
					if (uplo == tile.Lower && c > r) || (uplo == tile.Upper && c < r) {
						continue
					}
					if unit && r == c {
						accumulate(i*nb+r, j*nb+c, 1)
						continue
					}
				}
				accumulate(i*nb+r, j*nb+c, scalar.Abs(t.At(r, c)))
			}
		}
	})

	op := comm.ReduceOpSum
	if kind == NormMax {
		op = comm.ReduceOpMax
	}
	global, err := comm.AllReduceFloat64(a.Comm(), sums, op)
	if err != nil {
		return 0, errors.WithMessagef(err, "Norm(%s)", kind)
	}
	switch kind {
	case NormFro:
		return math.Sqrt(global[0]), nil
	case NormOne, NormInf:
		var result float64
		for _, v := range global {
			result = max(result, v)
		}
		return result, nil
	}
	return global[0], nil
}
