// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/tiledla/pkg/core/scalar"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
)

// Getrf computes the LU factorization with partial pivoting P*A = L*U of the m x n row-major
// panel in a, in place. L has a unit diagonal that is not stored.
//
// Columns are factorized in blocks of ib (inner blocking); the update of the rest of the panel
// after each block is split in up to maxThreads goroutines.
//
// It returns ipiv, with min(m, n) 0-based row interchanges: row i was swapped with row ipiv[i]
// (ipiv[i] >= i), in order. And info is 0 on success, or the 1-based index of the first exactly
// zero pivot, in which case U is singular.
func Getrf[T scalar.Scalar](m, n int, a []T, lda int, ib, maxThreads int) (ipiv []int, info int) {
	if m < 0 || n < 0 || lda < max(1, n) {
		exceptions.Panicf("Getrf: invalid arguments m=%d, n=%d, lda=%d", m, n, lda)
	}
	ib = max(ib, 1)
	maxThreads = max(maxThreads, 1)
	kMax := min(m, n)
	ipiv = make([]int, kMax)
	var zero T
	for j0 := 0; j0 < kMax; j0 += ib {
		jb := min(ib, kMax-j0)
		for j := j0; j < j0+jb; j++ {
			p, best := j, scalar.Abs(a[j*lda+j])
			for i := j + 1; i < m; i++ {
				if v := scalar.Abs(a[i*lda+j]); v > best {
					p, best = i, v
				}
			}
			ipiv[j] = p
			if p != j {
				swapRows(a, lda, n, j, p)
			}
			pivot := a[j*lda+j]
			if pivot == zero {
				// The whole column below is zero as well: nothing to eliminate.
				if info == 0 {
					info = j + 1
				}
				continue
			}
			for i := j + 1; i < m; i++ {
				l := a[i*lda+j] / pivot
				a[i*lda+j] = l
				for c := j + 1; c < j0+jb; c++ {
					a[i*lda+c] -= l * a[j*lda+c]
				}
			}
		}

		right := j0 + jb
		if right >= n {
			continue
		}
		// U12 = L11^-1 * A12.
		trsmFlat(blas.Left, blas.Lower, blas.NoTrans, blas.Unit, jb, n-right, scalar.FromFloat64[T](1),
			a[j0*lda+j0:], lda, a[j0*lda+right:], lda)

		// A22 -= L21 * U12, split by rows.
		rows := m - right
		if rows <= 0 {
			continue
		}
		chunk := scalar.CeilDiv(rows, maxThreads)
		var g errgroup.Group
		g.SetLimit(maxThreads)
		for r0 := right; r0 < m; r0 += chunk {
			nr := min(chunk, m-r0)
			g.Go(func() error {
				gemmFlat(blas.NoTrans, blas.NoTrans, nr, n-right, jb, scalar.FromFloat64[T](-1),
					a[r0*lda+j0:], lda, a[j0*lda+right:], lda, scalar.FromFloat64[T](1), a[r0*lda+right:], lda)
				return nil
			})
		}
		_ = g.Wait()
	}
	return ipiv, info
}

func swapRows[T scalar.Scalar](a []T, lda, n, r1, r2 int) {
	row1 := a[r1*lda : r1*lda+n]
	row2 := a[r2*lda : r2*lda+n]
	for c := range n {
		row1[c], row2[c] = row2[c], row1[c]
	}
}

// ApplyPivots applies the interchanges in ipiv (0-based, as returned by Getrf) in order to the rows of
// the m x n row-major matrix a, starting at row offset.
func ApplyPivots[T scalar.Scalar](n int, a []T, lda int, offset int, ipiv []int) {
	for i, p := range ipiv {
		if p != i {
			swapRows(a, lda, n, offset+i, offset+p)
		}
	}
}
