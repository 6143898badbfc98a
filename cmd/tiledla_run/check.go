// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/gomlx/tiledla/pkg/core/kernels"
	"github.com/gomlx/tiledla/pkg/core/scalar"
)

// Dense row-major helpers used to check the results on rank 0. They are O(n^3) and meant for
// moderate sizes only.

func matMul[T scalar.Scalar](m, k, n int, a, b []T) []T {
	c := make([]T, m*n)
	for i := range m {
		for l := range k {
			ail := a[i*k+l]
			for j := range n {
				c[i*n+j] += ail * b[l*n+j]
			}
		}
	}
	return c
}

func conjTranspose[T scalar.Scalar](m, n int, a []T) []T {
	at := make([]T, m*n)
	for i := range m {
		for j := range n {
			at[j*m+i] = scalar.Conj(a[i*n+j])
		}
	}
	return at
}

// lowerOf returns the lower triangle of the n x n matrix a, with the upper one zeroed.
func lowerOf[T scalar.Scalar](n int, a []T) []T {
	l := make([]T, n*n)
	for r := range n {
		copy(l[r*n:r*n+r+1], a[r*n:r*n+r+1])
	}
	return l
}

// oneNorm returns the maximum column sum of the m x n matrix a.
func oneNorm[T scalar.Scalar](m, n int, a []T) float64 {
	sums := make([]float64, n)
	for r := range m {
		for c := range n {
			sums[c] += scalar.Abs(a[r*n+c])
		}
	}
	var norm float64
	for _, s := range sums {
		norm = max(norm, s)
	}
	return norm
}

// scaled divides the norm of a residual by n * ||A|| * eps (times ||X||, for solves).
func scaled[T scalar.Scalar](rNorm, aNorm, xNorm float64, n int) float64 {
	den := float64(n) * aNorm * xNorm * scalar.Epsilon[T]()
	if den == 0 {
		return rNorm
	}
	return rNorm / den
}

// potrfResidual of the factor stored in the lower triangle of factored: ||L L^H - A|| / (n ||A|| eps).
func potrfResidual[T scalar.Scalar](n int, a, factored []T, aNorm float64) float64 {
	l := lowerOf(n, factored)
	r := matMul(n, n, n, l, conjTranspose(n, n, l))
	for i := range r {
		r[i] -= a[i]
	}
	return scaled[T](oneNorm(n, n, r), aNorm, 1, n)
}

// getrfResidual of the factors packed in factored: ||P A - L U|| / (n ||A|| eps). ipiv is 1-based.
func getrfResidual[T scalar.Scalar](n int, a, factored []T, ipiv []int, aNorm float64) float64 {
	l := make([]T, n*n)
	u := make([]T, n*n)
	for r := range n {
		for c := range n {
			switch {
			case r > c:
				l[r*n+c] = factored[r*n+c]
			case r == c:
				l[r*n+c] = scalar.FromFloat64[T](1)
				u[r*n+c] = factored[r*n+c]
			default:
				u[r*n+c] = factored[r*n+c]
			}
		}
	}
	pa := make([]T, n*n)
	copy(pa, a)
	zeroBased := make([]int, len(ipiv))
	for i, p := range ipiv {
		zeroBased[i] = p - 1
	}
	kernels.ApplyPivots(n, pa, n, 0, zeroBased)
	r := matMul(n, n, n, l, u)
	for i := range r {
		r[i] -= pa[i]
	}
	return scaled[T](oneNorm(n, n, r), aNorm, 1, n)
}

// solveResidual of the solution x of A X = B: ||A X - B|| / (n ||A|| ||X|| eps).
func solveResidual[T scalar.Scalar](n, nrhs int, a, b, x []T, aNorm float64) float64 {
	r := matMul(n, n, nrhs, a, x)
	for i := range r {
		r[i] -= b[i]
	}
	return scaled[T](oneNorm(n, nrhs, r), aNorm, oneNorm(n, nrhs, x), n)
}
