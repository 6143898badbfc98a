// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package scalar defines the four element kinds supported by the tiled engine (single and double
// precision, real and complex) and the few operations the generic code needs on them.
package scalar

import (
	"math"
	"math/cmplx"
	"reflect"

	"github.com/gomlx/gopjrt/dtypes"
	"golang.org/x/exp/constraints"
)

// Scalar is the constraint for matrix elements.
type Scalar interface {
	float32 | float64 | complex64 | complex128
}

// Conj returns the complex conjugate of x, or x itself for real types.
func Conj[T Scalar](x T) T {
	switch v := any(x).(type) {
	case complex64:
		return any(complex(real(v), -imag(v))).(T)
	case complex128:
		return any(cmplx.Conj(v)).(T)
	}
	return x
}

// Abs returns |x| as a float64.
func Abs[T Scalar](x T) float64 {
	switch v := any(x).(type) {
	case float32:
		return math.Abs(float64(v))
	case float64:
		return math.Abs(v)
	case complex64:
		return cmplx.Abs(complex128(v))
	case complex128:
		return cmplx.Abs(v)
	}
	return 0
}

// Real returns the real part of x as a float64.
func Real[T Scalar](x T) float64 {
	switch v := any(x).(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	case complex64:
		return float64(real(v))
	case complex128:
		return real(v)
	}
	return 0
}

// FromFloat64 converts a real value to T.
func FromFloat64[T Scalar](v float64) T {
	var zero T
	switch any(zero).(type) {
	case float32:
		return any(float32(v)).(T)
	case float64:
		return any(v).(T)
	case complex64:
		return any(complex(float32(v), 0)).(T)
	case complex128:
		return any(complex(v, 0)).(T)
	}
	return zero
}

// FromComplex128 converts v to T, dropping the imaginary part for real types.
func FromComplex128[T Scalar](v complex128) T {
	var zero T
	switch any(zero).(type) {
	case float32:
		return any(float32(real(v))).(T)
	case float64:
		return any(real(v)).(T)
	case complex64:
		return any(complex64(v)).(T)
	case complex128:
		return any(v).(T)
	}
	return zero
}

// IsComplex returns whether T is a complex type.
func IsComplex[T Scalar]() bool {
	var zero T
	switch any(zero).(type) {
	case complex64, complex128:
		return true
	}
	return false
}

// DType returns the dtype corresponding to T.
func DType[T Scalar]() dtypes.DType {
	var zero T
	return dtypes.FromGoType(reflect.TypeOf(zero))
}

// SizeOf returns the number of bytes of one element of T.
func SizeOf[T Scalar]() int {
	return int(DType[T]().Size())
}

// Epsilon returns the machine epsilon of the real type underlying T.
func Epsilon[T Scalar]() float64 {
	var zero T
	switch any(zero).(type) {
	case float32, complex64:
		return float64(math.Nextafter32(1, 2) - 1)
	}
	return math.Nextafter(1, 2) - 1
}

// CeilDiv returns ceil(a/b) for non-negative a and positive b.
func CeilDiv[I constraints.Integer](a, b I) I {
	return (a + b - 1) / b
}
