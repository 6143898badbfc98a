// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tile

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/tiledla/pkg/core/scalar"
)

// IsSquare returns whether the stored tile is square.
func (t Tile[T]) IsSquare() bool {
	return t.mb == t.nb
}

// ConvertLayoutInPlace converts a square tile between RowMajor and ColMajor without extra memory,
// by transposing the stored elements within its own stride.
func ConvertLayoutInPlace[T scalar.Scalar](t Tile[T]) Tile[T] {
	if !t.IsSquare() {
		exceptions.Panicf("ConvertLayoutInPlace requires a square tile, got %dx%d", t.mb, t.nb)
	}
	for i := range t.mb {
		for j := i + 1; j < t.nb; j++ {
			a, b := i*t.stride+j, j*t.stride+i
			t.data[a], t.data[b] = t.data[b], t.data[a]
		}
	}
	t.layout = otherLayout(t.layout)
	return t
}

// ConvertLayout copies t into ext with the other layout and a compact stride, and returns the tile
// handle over ext. ext must have at least mb*nb elements.
//
// Used for non-square tiles, whose layout can't be converted in place.
func ConvertLayout[T scalar.Scalar](t Tile[T], ext []T) Tile[T] {
	if len(ext) < t.mb*t.nb {
		exceptions.Panicf("ConvertLayout: extended buffer with %d elements too small for %dx%d tile",
			len(ext), t.mb, t.nb)
	}
	dst := t
	dst.layout = otherLayout(t.layout)
	dst.data = ext
	if dst.layout == RowMajor {
		dst.stride = max(1, t.nb)
	} else {
		dst.stride = max(1, t.mb)
	}
	for i := range t.mb {
		for j := range t.nb {
			dst.data[dst.storedIndex(i, j)] = t.data[t.storedIndex(i, j)]
		}
	}
	return dst
}

// CopyStored copies the stored elements of src into dst, ignoring op, converting layouts if they
// differ. Stored dimensions must match.
func CopyStored[T scalar.Scalar](src, dst Tile[T]) {
	if src.mb != dst.mb || src.nb != dst.nb {
		exceptions.Panicf("CopyStored: source is %dx%d, destination is %dx%d", src.mb, src.nb, dst.mb, dst.nb)
	}
	if src.layout == dst.layout && src.layout == RowMajor {
		for i := range src.mb {
			copy(dst.data[i*dst.stride:i*dst.stride+src.nb], src.data[i*src.stride:i*src.stride+src.nb])
		}
		return
	}
	for i := range src.mb {
		for j := range src.nb {
			dst.data[dst.storedIndex(i, j)] = src.data[src.storedIndex(i, j)]
		}
	}
}

func otherLayout(l Layout) Layout {
	if l == RowMajor {
		return ColMajor
	}
	return RowMajor
}
