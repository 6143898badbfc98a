// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tile

import (
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tiledla/pkg/core/scalar"
)

// Bytes reinterprets a slice of scalars as its raw bytes, without copying.
func Bytes[T scalar.Scalar](values []T) []byte {
	if len(values) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&values[0])), len(values)*scalar.SizeOf[T]())
}

// FromBytes copies raw bytes into a newly allocated slice of scalars.
// It panics if len(buf) is not a multiple of the element size.
func FromBytes[T scalar.Scalar](buf []byte) []T {
	size := scalar.SizeOf[T]()
	if len(buf)%size != 0 {
		exceptions.Panicf("tile.FromBytes: %d bytes is not a multiple of %s size %d", len(buf), scalar.DType[T](), size)
	}
	values := make([]T, len(buf)/size)
	copy(Bytes(values), buf)
	return values
}

// Pack returns the logical elements of t (op applied) in row-major order, as bytes ready to be sent.
func Pack[T scalar.Scalar](t Tile[T]) []byte {
	m, n := t.Mb(), t.Nb()
	values := make([]T, m*n)
	if t.op == NoTrans && t.layout == RowMajor {
		for i := range m {
			copy(values[i*n:(i+1)*n], t.data[i*t.stride:i*t.stride+n])
		}
	} else {
		for i := range m {
			for j := range n {
				values[i*n+j] = t.At(i, j)
			}
		}
	}
	return Bytes(values)
}

// Unpack writes the elements of a buffer created by Pack into the logical elements of t.
// The buffer must match the logical dimensions of t, it panics otherwise.
func Unpack[T scalar.Scalar](buf []byte, t Tile[T]) {
	values := FromBytes[T](buf)
	m, n := t.Mb(), t.Nb()
	if len(values) != m*n {
		exceptions.Panicf("tile.Unpack: received %d elements for a %dx%d tile", len(values), m, n)
	}
	if t.op == NoTrans && t.layout == RowMajor {
		for i := range m {
			copy(t.data[i*t.stride:i*t.stride+n], values[i*n:(i+1)*n])
		}
		return
	}
	for i := range m {
		for j := range n {
			t.Set(i, j, values[i*n+j])
		}
	}
}
