// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/tiledla/pkg/core/scalar"
	"gonum.org/v1/gonum/blas"
	blasgonum "gonum.org/v1/gonum/blas/gonum"
)

// impl is the pure Go BLAS implementation, row-major.
var impl blasgonum.Implementation

// gemmFlat computes c = alpha*op(a)*op(b) + beta*c on row-major buffers, dispatching on the scalar type.
func gemmFlat[T scalar.Scalar](tA, tB blas.Transpose, m, n, k int, alpha T, a []T, lda int, b []T, ldb int, beta T, c []T, ldc int) {
	if m == 0 || n == 0 {
		return
	}
	lda, ldb = max(lda, 1), max(ldb, 1)
	switch cv := any(c).(type) {
	case []float32:
		impl.Sgemm(tA, tB, m, n, k, any(alpha).(float32), any(a).([]float32), lda, any(b).([]float32), ldb,
			any(beta).(float32), cv, ldc)
	case []float64:
		impl.Dgemm(tA, tB, m, n, k, any(alpha).(float64), any(a).([]float64), lda, any(b).([]float64), ldb,
			any(beta).(float64), cv, ldc)
	case []complex64:
		impl.Cgemm(tA, tB, m, n, k, any(alpha).(complex64), any(a).([]complex64), lda, any(b).([]complex64), ldb,
			any(beta).(complex64), cv, ldc)
	case []complex128:
		impl.Zgemm(tA, tB, m, n, k, any(alpha).(complex128), any(a).([]complex128), lda, any(b).([]complex128), ldb,
			any(beta).(complex128), cv, ldc)
	}
}

// trsmFlat solves op(a)*x = alpha*b (Left) or x*op(a) = alpha*b (Right), overwriting b with x.
func trsmFlat[T scalar.Scalar](side blas.Side, uplo blas.Uplo, tA blas.Transpose, diag blas.Diag, m, n int, alpha T, a []T, lda int, b []T, ldb int) {
	if m == 0 || n == 0 {
		return
	}
	switch bv := any(b).(type) {
	case []float32:
		impl.Strsm(side, uplo, tA, diag, m, n, any(alpha).(float32), any(a).([]float32), lda, bv, ldb)
	case []float64:
		impl.Dtrsm(side, uplo, tA, diag, m, n, any(alpha).(float64), any(a).([]float64), lda, bv, ldb)
	case []complex64:
		impl.Ctrsm(side, uplo, tA, diag, m, n, any(alpha).(complex64), any(a).([]complex64), lda, bv, ldb)
	case []complex128:
		impl.Ztrsm(side, uplo, tA, diag, m, n, any(alpha).(complex128), any(a).([]complex128), lda, bv, ldb)
	}
}

// herkFlat computes c = alpha*op(a)*op(a)^H + beta*c on the uplo triangle of c.
// For real types it is a symmetric rank-k update and trans may be Trans or ConjTrans.
func herkFlat[T scalar.Scalar](uplo blas.Uplo, trans blas.Transpose, n, k int, alpha, beta float64, a []T, lda int, c []T, ldc int) {
	if n == 0 {
		return
	}
	lda = max(lda, 1)
	switch cv := any(c).(type) {
	case []float32:
		impl.Ssyrk(uplo, trans, n, k, float32(alpha), any(a).([]float32), lda, float32(beta), cv, ldc)
	case []float64:
		impl.Dsyrk(uplo, trans, n, k, alpha, any(a).([]float64), lda, beta, cv, ldc)
	case []complex64:
		if trans == blas.Trans {
			exceptions.Panicf("herk of complex tiles with Trans is not supported")
		}
		impl.Cherk(uplo, trans, n, k, float32(alpha), any(a).([]complex64), lda, float32(beta), cv, ldc)
	case []complex128:
		if trans == blas.Trans {
			exceptions.Panicf("herk of complex tiles with Trans is not supported")
		}
		impl.Zherk(uplo, trans, n, k, alpha, any(a).([]complex128), lda, beta, cv, ldc)
	}
}
