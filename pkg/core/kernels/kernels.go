// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernels implements the single-tile numeric operations used by the tiled algorithms:
// matrix multiply, triangular solve, Hermitian rank-k update and Cholesky factorization.
//
// They are thin wrappers over gonum's BLAS/LAPACK, that take care of the tiles' logical ops
// (transpositions) and the four scalar kinds. All tiles must be RowMajor.
//
// Invalid arguments (mismatched dimensions, unsupported combinations of ops) are programming errors
// and panic.
package kernels

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tiledla/pkg/core/scalar"
	"github.com/gomlx/tiledla/pkg/core/tile"
	"gonum.org/v1/gonum/blas"
	lapackgonum "gonum.org/v1/gonum/lapack/gonum"
)

// Side of a triangular solve.
type Side int

const (
	Left Side = iota
	Right
)

func (s Side) String() string {
	if s == Right {
		return "Right"
	}
	return "Left"
}

func (s Side) blas() blas.Side {
	if s == Right {
		return blas.Right
	}
	return blas.Left
}

func opToBlas(op tile.Op) blas.Transpose {
	switch op {
	case tile.Trans:
		return blas.Trans
	case tile.ConjTrans:
		return blas.ConjTrans
	}
	return blas.NoTrans
}

func uploToBlas(uplo tile.Uplo) blas.Uplo {
	switch uplo {
	case tile.Lower:
		return blas.Lower
	case tile.Upper:
		return blas.Upper
	}
	return blas.All
}

func diagToBlas(diag tile.Diag) blas.Diag {
	if diag == tile.Unit {
		return blas.Unit
	}
	return blas.NonUnit
}

// compose returns the op equivalent to applying op and then with.
// For complex types, composing Trans with ConjTrans would be a conjugation-only op, which is not supported.
func compose[T scalar.Scalar](op, with tile.Op) tile.Op {
	if op == tile.NoTrans {
		return with
	}
	if op != with && scalar.IsComplex[T]() {
		exceptions.Panicf("composing %s with %s of %s tiles is not supported", op, with, scalar.DType[T]())
	}
	return tile.NoTrans
}

func assertRowMajor[T scalar.Scalar](name string, tiles ...tile.Tile[T]) {
	for _, t := range tiles {
		if t.Layout() != tile.RowMajor {
			exceptions.Panicf("%s: tiles must be RowMajor, got %s", name, t)
		}
	}
}

// Gemm computes C = alpha * A * B + beta * C, with the logical (op applied) tiles.
func Gemm[T scalar.Scalar](alpha T, a, b tile.Tile[T], beta T, c tile.Tile[T]) {
	assertRowMajor("Gemm", a, b, c)
	m, n, k := c.Mb(), c.Nb(), a.Nb()
	if a.Mb() != m || b.Nb() != n || b.Mb() != k {
		exceptions.Panicf("Gemm: mismatched dimensions A=%dx%d, B=%dx%d, C=%dx%d",
			a.Mb(), a.Nb(), b.Mb(), b.Nb(), m, n)
	}
	switch c.Op() {
	case tile.NoTrans:
		gemmFlat(opToBlas(a.Op()), opToBlas(b.Op()), m, n, k,
			alpha, a.Data(), a.Stride(), b.Data(), b.Stride(), beta, c.Data(), c.Stride())
	case tile.Trans:
		// C^T = alpha B^T A^T + beta C^T.
		gemmFlat(opToBlas(compose[T](b.Op(), tile.Trans)), opToBlas(compose[T](a.Op(), tile.Trans)), n, m, k,
			alpha, b.Data(), b.Stride(), a.Data(), a.Stride(), beta, c.Data(), c.Stride())
	case tile.ConjTrans:
		// C^H = conj(alpha) B^H A^H + conj(beta) C^H.
		gemmFlat(opToBlas(compose[T](b.Op(), tile.ConjTrans)), opToBlas(compose[T](a.Op(), tile.ConjTrans)), n, m, k,
			scalar.Conj(alpha), b.Data(), b.Stride(), a.Data(), a.Stride(), scalar.Conj(beta), c.Data(), c.Stride())
	}
}

// Herk computes C = alpha * A * A^H + beta * C on the triangle of the Hermitian tile C.
// For real types it is a symmetric rank-k update.
func Herk[T scalar.Scalar](alpha float64, a tile.Tile[T], beta float64, c tile.Tile[T]) {
	assertRowMajor("Herk", a, c)
	n, k := c.Mb(), a.Nb()
	if c.Nb() != n || a.Mb() != n {
		exceptions.Panicf("Herk: mismatched dimensions A=%dx%d, C=%dx%d", a.Mb(), a.Nb(), c.Mb(), c.Nb())
	}
	if c.Uplo() == tile.General {
		exceptions.Panicf("Herk: C must be Lower or Upper, got %s", c)
	}
	if c.Op() == tile.Trans && scalar.IsComplex[T]() {
		exceptions.Panicf("Herk: transposed (not conjugate-transposed) complex C is not supported")
	}
	// A Hermitian tile is equal to its conjugate-transpose, so the stored triangle can be updated directly.
	trans := blas.NoTrans
	switch a.Op() {
	case tile.Trans:
		if scalar.IsComplex[T]() {
			exceptions.Panicf("Herk: transposed (not conjugate-transposed) complex A is not supported")
		}
		trans = blas.Trans
	case tile.ConjTrans:
		trans = blas.ConjTrans
		if !scalar.IsComplex[T]() {
			trans = blas.Trans
		}
	}
	herkFlat(uploToBlas(c.StoredUplo()), trans, n, k, alpha, beta, a.Data(), a.Stride(), c.Data(), c.Stride())
}

// Trsm solves A * X = alpha * B (Left) or X * A = alpha * B (Right) for the triangular tile A,
// overwriting B with X.
func Trsm[T scalar.Scalar](side Side, alpha T, a, b tile.Tile[T]) {
	assertRowMajor("Trsm", a, b)
	if a.Uplo() == tile.General {
		exceptions.Panicf("Trsm: A must be Lower or Upper, got %s", a)
	}
	if a.Mb() != a.Nb() {
		exceptions.Panicf("Trsm: A must be square, got %dx%d", a.Mb(), a.Nb())
	}
	if (side == Left && a.Mb() != b.Mb()) || (side == Right && a.Nb() != b.Nb()) {
		exceptions.Panicf("Trsm(%s): mismatched dimensions A=%dx%d, B=%dx%d", side, a.Mb(), a.Nb(), b.Mb(), b.Nb())
	}
	aOp := a.Op()
	switch b.Op() {
	case tile.Trans:
		// A X = alpha B  <=>  X^T A^T = alpha B^T.
		side = 1 - side
		aOp = compose[T](aOp, tile.Trans)
	case tile.ConjTrans:
		side = 1 - side
		aOp = compose[T](aOp, tile.ConjTrans)
		alpha = scalar.Conj(alpha)
	}
	trsmFlat(side.blas(), uploToBlas(a.StoredUplo()), opToBlas(aOp), diagToBlas(a.Diag()),
		b.StoredMb(), b.StoredNb(), alpha, a.Data(), a.Stride(), b.Data(), b.Stride())
}

// Potrf computes the Cholesky factorization of the Hermitian positive-definite tile A, in place,
// on the triangle given by A.Uplo(): A = L * L^H for Lower, A = U^H * U for Upper.
//
// It returns 0 on success, or the 1-based order of the first leading minor that is not positive
// definite (the factorization could not be completed).
func Potrf[T scalar.Scalar](a tile.Tile[T]) (info int) {
	assertRowMajor("Potrf", a)
	if a.Uplo() == tile.General {
		exceptions.Panicf("Potrf: A must be Lower or Upper, got %s", a)
	}
	if a.Mb() != a.Nb() {
		exceptions.Panicf("Potrf: A must be square, got %dx%d", a.Mb(), a.Nb())
	}
	if a.Op() == tile.Trans && scalar.IsComplex[T]() {
		exceptions.Panicf("Potrf: transposed (not conjugate-transposed) complex tiles are not supported")
	}
	n, lda := a.Mb(), a.Stride()
	uplo := a.StoredUplo()
	if data, ok := any(a.Data()).([]float64); ok && n > 0 {
		backup := make([]float64, (n-1)*lda+n)
		copy(backup, data)
		if (lapackgonum.Implementation{}).Dpotrf(uploToBlas(uplo), n, data, lda) {
			return 0
		}
		// LAPACK doesn't tell where it failed: redo it unblocked to find the failing minor.
		copy(data, backup)
	}
	return potrfUnblocked(uplo, n, a.Data(), lda)
}

// potrfUnblocked is the column-by-column Cholesky factorization of a row-major buffer.
func potrfUnblocked[T scalar.Scalar](uplo tile.Uplo, n int, a []T, lda int) int {
	// at returns the index of the element (i, j) of L (Lower) or of U^H (Upper).
	at := func(i, j int) int {
		if uplo == tile.Lower {
			return i*lda + j
		}
		return j*lda + i
	}
	// lij returns the value of L(i, j), where L = U^H for Upper.
	lij := func(i, j int) T {
		if uplo == tile.Lower {
			return a[at(i, j)]
		}
		return scalar.Conj(a[at(i, j)])
	}
	for j := range n {
		d := scalar.Real(a[at(j, j)])
		for k := range j {
			v := scalar.Abs(lij(j, k))
			d -= v * v
		}
		if !(d > 0) {
			return j + 1
		}
		ljj := math.Sqrt(d)
		a[at(j, j)] = scalar.FromFloat64[T](ljj)
		for i := j + 1; i < n; i++ {
			sum := lij(i, j)
			for k := range j {
				sum -= lij(i, k) * scalar.Conj(lij(j, k))
			}
			sum /= scalar.FromFloat64[T](ljj)
			if uplo == tile.Lower {
				a[at(i, j)] = sum
			} else {
				a[at(i, j)] = scalar.Conj(sum)
			}
		}
	}
	return 0
}

// Scale multiplies all logical elements of the tile by alpha.
func Scale[T scalar.Scalar](alpha T, a tile.Tile[T]) {
	m, n := a.Mb(), a.Nb()
	for i := range m {
		for j := range n {
			a.Set(i, j, alpha*a.At(i, j))
		}
	}
}

// Add computes B = alpha * A + beta * B, element-wise.
func Add[T scalar.Scalar](alpha T, a tile.Tile[T], beta T, b tile.Tile[T]) {
	m, n := b.Mb(), b.Nb()
	if a.Mb() != m || a.Nb() != n {
		exceptions.Panicf("Add: mismatched dimensions A=%dx%d, B=%dx%d", a.Mb(), a.Nb(), m, n)
	}
	for i := range m {
		for j := range n {
			b.Set(i, j, alpha*a.At(i, j)+beta*b.At(i, j))
		}
	}
}
