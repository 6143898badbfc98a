// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tile defines Tile, the smallest unit of distributed storage: a dense 2D block with its
// stride, memory location (host or device), layout and logical attributes (transposition, triangular
// part, unit diagonal).
//
// A Tile is a small value (a "handle") that shares its underlying data: transposing a tile or slicing
// it never copies elements.
package tile

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tiledla/pkg/core/scalar"
)

// HostNum is the location of tiles in host memory. Devices are numbered from 0.
const HostNum = -1

// Layout of the elements of a tile in memory.
type Layout int

const (
	RowMajor Layout = iota
	ColMajor
)

func (l Layout) String() string {
	if l == ColMajor {
		return "ColMajor"
	}
	return "RowMajor"
}

// Op is the logical operation applied to the stored tile.
type Op int

const (
	NoTrans Op = iota
	Trans
	ConjTrans
)

func (op Op) String() string {
	switch op {
	case Trans:
		return "Trans"
	case ConjTrans:
		return "ConjTrans"
	}
	return "NoTrans"
}

// Uplo designates which triangle of a tile (or matrix) holds data.
type Uplo int

const (
	General Uplo = iota
	Lower
	Upper
)

func (u Uplo) String() string {
	switch u {
	case Lower:
		return "Lower"
	case Upper:
		return "Upper"
	}
	return "General"
}

// Flip returns Upper for Lower and vice versa. General is unchanged.
func (u Uplo) Flip() Uplo {
	switch u {
	case Lower:
		return Upper
	case Upper:
		return Lower
	}
	return u
}

// Diag tells whether a triangular tile has an implicit unit diagonal.
type Diag int

const (
	NonUnit Diag = iota
	Unit
)

// Kind tells who owns the memory of a tile.
type Kind int

const (
	// KindWorkspace tiles are temporary copies: received from another rank or copied to a device.
	KindWorkspace Kind = iota

	// KindOwned tiles are origin tiles allocated by the matrix.
	KindOwned

	// KindUser tiles are origin tiles over memory provided by the user.
	KindUser
)

func (k Kind) String() string {
	switch k {
	case KindOwned:
		return "Owned"
	case KindUser:
		return "User"
	}
	return "Workspace"
}

// Pivot records a row interchange of a pivoted factorization: the pivot row is at ElementOffset
// within tile TileIndex, counted from the first tile row of the panel.
type Pivot struct {
	TileIndex, ElementOffset int
}

// Tile is a handle to a dense block of elements of type T.
type Tile[T scalar.Scalar] struct {
	mb, nb   int // Stored dimensions: op is not applied.
	stride   int
	data     []T
	layout   Layout
	op       Op
	uplo     Uplo // Stored triangle: op is not applied.
	diag     Diag
	location int
	kind     Kind
}

// New creates a tile handle over data, with stored dimensions mb x nb.
//
// For RowMajor, stride is the distance between rows (>= nb), for ColMajor the distance between
// columns (>= mb).
func New[T scalar.Scalar](mb, nb int, data []T, stride int, location int, layout Layout, kind Kind) Tile[T] {
	if mb < 0 || nb < 0 {
		exceptions.Panicf("tile.New: invalid dimensions %dx%d", mb, nb)
	}
	minStride, other := nb, mb
	if layout == ColMajor {
		minStride, other = mb, nb
	}
	if stride < max(1, minStride) {
		exceptions.Panicf("tile.New: stride %d too small for %dx%d %s tile", stride, mb, nb, layout)
	}
	if other > 0 && len(data) < (other-1)*stride+minStride {
		exceptions.Panicf("tile.New: %d elements is too small for %dx%d %s tile with stride %d",
			len(data), mb, nb, layout, stride)
	}
	return Tile[T]{mb: mb, nb: nb, stride: stride, data: data, layout: layout, location: location, kind: kind}
}

// Alloc returns a new compact zeroed RowMajor tile in host memory.
func Alloc[T scalar.Scalar](mb, nb int) Tile[T] {
	return New(mb, nb, make([]T, mb*nb), max(1, nb), HostNum, RowMajor, KindWorkspace)
}

// Mb returns the number of rows, taking op into account.
func (t Tile[T]) Mb() int {
	if t.op == NoTrans {
		return t.mb
	}
	return t.nb
}

// Nb returns the number of columns, taking op into account.
func (t Tile[T]) Nb() int {
	if t.op == NoTrans {
		return t.nb
	}
	return t.mb
}

// StoredMb returns the number of rows of the stored tile.
func (t Tile[T]) StoredMb() int { return t.mb }

// StoredNb returns the number of columns of the stored tile.
func (t Tile[T]) StoredNb() int { return t.nb }

func (t Tile[T]) Stride() int      { return t.stride }
func (t Tile[T]) Data() []T        { return t.data }
func (t Tile[T]) Layout() Layout   { return t.layout }
func (t Tile[T]) Op() Op           { return t.op }
func (t Tile[T]) Diag() Diag       { return t.diag }
func (t Tile[T]) Location() int    { return t.location }
func (t Tile[T]) Kind() Kind       { return t.kind }
func (t Tile[T]) StoredUplo() Uplo { return t.uplo }

// Uplo returns the logical triangle, which is flipped when the tile is transposed.
func (t Tile[T]) Uplo() Uplo {
	if t.op == NoTrans {
		return t.uplo
	}
	return t.uplo.Flip()
}

// WithUplo returns the tile with the logical triangle set to uplo.
func (t Tile[T]) WithUplo(uplo Uplo) Tile[T] {
	if t.op == NoTrans {
		t.uplo = uplo
	} else {
		t.uplo = uplo.Flip()
	}
	return t
}

// WithDiag returns the tile with its diagonal kind set.
func (t Tile[T]) WithDiag(diag Diag) Tile[T] {
	t.diag = diag
	return t
}

// WithOp returns the tile with its op replaced (not composed).
func (t Tile[T]) WithOp(op Op) Tile[T] {
	t.op = op
	return t
}

// Transpose returns the transposed tile handle.
func Transpose[T scalar.Scalar](t Tile[T]) Tile[T] {
	switch t.op {
	case NoTrans:
		t.op = Trans
	case Trans:
		t.op = NoTrans
	case ConjTrans:
		if scalar.IsComplex[T]() {
			exceptions.Panicf("tile.Transpose of a ConjTrans complex tile is not supported")
		}
		t.op = NoTrans
	}
	return t
}

// ConjTranspose returns the conjugate-transposed tile handle.
func ConjTranspose[T scalar.Scalar](t Tile[T]) Tile[T] {
	switch t.op {
	case NoTrans:
		t.op = ConjTrans
	case ConjTrans:
		t.op = NoTrans
	case Trans:
		if scalar.IsComplex[T]() {
			exceptions.Panicf("tile.ConjTranspose of a Trans complex tile is not supported")
		}
		t.op = NoTrans
	}
	return t
}

// storedIndex returns the position in data of the stored element (i, j).
func (t Tile[T]) storedIndex(i, j int) int {
	if t.layout == RowMajor {
		return i*t.stride + j
	}
	return i + j*t.stride
}

// At returns the logical element (i, j), with op applied.
func (t Tile[T]) At(i, j int) T {
	switch t.op {
	case Trans:
		return t.data[t.storedIndex(j, i)]
	case ConjTrans:
		return scalar.Conj(t.data[t.storedIndex(j, i)])
	}
	return t.data[t.storedIndex(i, j)]
}

// Set the logical element (i, j), with op applied.
func (t Tile[T]) Set(i, j int, v T) {
	switch t.op {
	case Trans:
		t.data[t.storedIndex(j, i)] = v
	case ConjTrans:
		t.data[t.storedIndex(j, i)] = scalar.Conj(v)
	default:
		t.data[t.storedIndex(i, j)] = v
	}
}

// Slice returns the sub-tile with logical rows i1..i2 and columns j1..j2, inclusive.
// Only implemented for NoTrans tiles.
func (t Tile[T]) Slice(i1, i2, j1, j2 int) Tile[T] {
	if t.op != NoTrans {
		exceptions.Panicf("Tile.Slice only implemented for NoTrans tiles, got %s", t.op)
	}
	if i1 < 0 || i1 > i2 || i2 >= t.mb || j1 < 0 || j1 > j2 || j2 >= t.nb {
		exceptions.Panicf("Tile.Slice(%d, %d, %d, %d) out of bounds for %dx%d tile", i1, i2, j1, j2, t.mb, t.nb)
	}
	sub := t
	sub.mb, sub.nb = i2-i1+1, j2-j1+1
	sub.uplo = General
	sub.data = t.data[t.storedIndex(i1, j1):]
	return sub
}

// Zero sets all stored elements to zero.
func (t Tile[T]) Zero() {
	var zero T
	for i := range t.mb {
		for j := range t.nb {
			t.data[t.storedIndex(i, j)] = zero
		}
	}
}

// Fill sets all stored elements to v.
func (t Tile[T]) Fill(v T) {
	for i := range t.mb {
		for j := range t.nb {
			t.data[t.storedIndex(i, j)] = v
		}
	}
}

// CopyTo copies the logical elements of t into dst, which must have the same logical dimensions.
// Layouts and ops of source and destination may differ.
func (t Tile[T]) CopyTo(dst Tile[T]) {
	if t.Mb() != dst.Mb() || t.Nb() != dst.Nb() {
		exceptions.Panicf("Tile.CopyTo: source is %dx%d, destination is %dx%d", t.Mb(), t.Nb(), dst.Mb(), dst.Nb())
	}
	if t.op == NoTrans && dst.op == NoTrans && t.layout == RowMajor && dst.layout == RowMajor {
		for i := range t.mb {
			copy(dst.data[i*dst.stride:i*dst.stride+t.nb], t.data[i*t.stride:i*t.stride+t.nb])
		}
		return
	}
	m, n := t.Mb(), t.Nb()
	for i := range m {
		for j := range n {
			dst.Set(i, j, t.At(i, j))
		}
	}
}

// String implements fmt.Stringer.
func (t Tile[T]) String() string {
	loc := "host"
	if t.location != HostNum {
		loc = fmt.Sprintf("device #%d", t.location)
	}
	return fmt.Sprintf("Tile[%s](%dx%d, %s, %s, %s, %s, %s)",
		scalar.DType[T](), t.Mb(), t.Nb(), t.op, t.Uplo(), t.layout, loc, t.kind)
}
