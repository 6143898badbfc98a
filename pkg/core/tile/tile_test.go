// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tile

import (
	"testing"

	"github.com/gomlx/tiledla/pkg/core/scalar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// iota2D returns a tile with element (i, j) = 10*i + j.
func iota2D[T scalar.Scalar](mb, nb int, layout Layout) Tile[T] {
	stride := nb
	if layout == ColMajor {
		stride = mb
	}
	t := New(mb, nb, make([]T, mb*nb), stride, HostNum, layout, KindOwned)
	for i := range mb {
		for j := range nb {
			t.Set(i, j, scalar.FromFloat64[T](float64(10*i+j)))
		}
	}
	return t
}

func TestTileViews(t *testing.T) {
	a := iota2D[float64](2, 3, RowMajor).WithUplo(Lower)
	assert.Equal(t, 2, a.Mb())
	assert.Equal(t, 3, a.Nb())
	assert.Equal(t, 12.0, a.At(1, 2))

	at := Transpose(a)
	assert.Equal(t, 3, at.Mb())
	assert.Equal(t, 2, at.Nb())
	assert.Equal(t, 12.0, at.At(2, 1))
	assert.Equal(t, Upper, at.Uplo())
	assert.Equal(t, Lower, at.StoredUplo())
	assert.Equal(t, NoTrans, Transpose(at).Op())

	// For real types ConjTrans is the same as Trans.
	assert.Equal(t, NoTrans, Transpose(ConjTranspose(a)).Op())

	s := a.Slice(1, 1, 1, 2)
	assert.Equal(t, 1, s.Mb())
	assert.Equal(t, 2, s.Nb())
	assert.Equal(t, 11.0, s.At(0, 0))
	s.Set(0, 1, -1)
	assert.Equal(t, -1.0, a.At(1, 2))
	require.Panics(t, func() { a.Slice(0, 2, 0, 0) })
}

func TestConjTranspose(t *testing.T) {
	a := New(1, 2, []complex128{complex(1, 1), complex(2, -3)}, 2, HostNum, RowMajor, KindOwned)
	ah := ConjTranspose(a)
	assert.Equal(t, complex(2, 3), ah.At(1, 0))
	ah.Set(0, 0, complex(5, 5))
	assert.Equal(t, complex(5, -5), a.At(0, 0))
	require.Panics(t, func() { Transpose(ah) })
}

func TestLayoutConversion(t *testing.T) {
	sq := iota2D[float32](3, 3, ColMajor)
	rm := ConvertLayoutInPlace(sq)
	assert.Equal(t, RowMajor, rm.Layout())
	for i := range 3 {
		for j := range 3 {
			assert.Equal(t, float32(10*i+j), rm.At(i, j))
		}
	}

	rect := iota2D[complex64](2, 5, ColMajor)
	ext := make([]complex64, 10)
	conv := ConvertLayout(rect, ext)
	assert.Equal(t, RowMajor, conv.Layout())
	assert.Equal(t, 5, conv.Stride())
	for i := range 2 {
		for j := range 5 {
			assert.Equal(t, rect.At(i, j), conv.At(i, j))
		}
	}
	back := iota2D[complex64](2, 5, ColMajor)
	back.Zero()
	CopyStored(conv, back)
	assert.Equal(t, rect.Data(), back.Data())
}

func TestPackUnpack(t *testing.T) {
	src := Transpose(iota2D[float64](3, 2, ColMajor))
	buf := Pack(src)
	assert.Len(t, buf, 6*8)

	dst := Alloc[float64](2, 3)
	Unpack(buf, dst)
	for i := range 2 {
		for j := range 3 {
			assert.Equal(t, src.At(i, j), dst.At(i, j))
		}
	}
	require.Panics(t, func() { Unpack(buf, Alloc[float64](2, 2)) })
	require.Panics(t, func() { FromBytes[float64](make([]byte, 7)) })
}
