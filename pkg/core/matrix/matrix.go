// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package matrix implements distributed tiled matrices: a global m x n matrix is split into nb x nb
// tiles (smaller on the last tile row and column), distributed over the ranks of a process grid.
//
// Only tiles owned by a rank (its "origin" tiles) and remote tiles it received (workspace) exist
// locally. Each tile may have copies in the host and in devices, kept coherent by the methods in
// coherency.go. Tiles are moved between ranks with the point-to-point and list broadcast/reduce
// methods in comm.go.
//
// A Matrix value is a view: an offset and extent in tiles, an optional transposition and a kind
// (General, Triangular or Hermitian). Views are cheap values that share the underlying storage.
// Tile coordinates in all methods are relative to the view.
package matrix

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tiledla/pkg/core/comm"
	"github.com/gomlx/tiledla/pkg/core/devices"
	"github.com/gomlx/tiledla/pkg/core/grid"
	"github.com/gomlx/tiledla/pkg/core/scalar"
	"github.com/gomlx/tiledla/pkg/core/tile"
	"github.com/pkg/errors"
)

// Kind of matrix: which elements are meaningful.
type Kind int

const (
	KindGeneral Kind = iota

	// KindTriangular matrices only use the triangle given by Uplo, with a unit or non-unit diagonal.
	KindTriangular

	// KindHermitian matrices only store the triangle given by Uplo, the other is its conjugate.
	KindHermitian
)

func (k Kind) String() string {
	switch k {
	case KindTriangular:
		return "Triangular"
	case KindHermitian:
		return "Hermitian"
	}
	return "General"
}

// Matrix is a view over a distributed tiled matrix.
type Matrix[T scalar.Scalar] struct {
	s                *storage[T]
	ioffset, joffset int // Tile offsets in the storage.
	mt, nt           int // Stored extent in tiles: op is not applied.
	op               tile.Op
	kind             Kind
	uplo             tile.Uplo // Stored triangle: op is not applied.
	diag             tile.Diag
}

// Option configures the creation of a matrix.
type Option func(cfg *config)

type config struct {
	devices    *devices.Devices
	tileRank   func(i, j int) int
	tileDevice func(i, j int) int
}

// WithDevices makes the devices of this rank available to hold copies of the tiles.
func WithDevices(ds *devices.Devices) Option {
	return func(cfg *config) { cfg.devices = ds }
}

// WithTileRank overrides the 2D block-cyclic ownership of tiles. The function must return the same
// values on every rank.
func WithTileRank(tileRank func(i, j int) int) Option {
	return func(cfg *config) { cfg.tileRank = tileRank }
}

// WithTileDevice overrides the default device of each tile.
func WithTileDevice(tileDevice func(i, j int) int) Option {
	return func(cfg *config) { cfg.tileDevice = tileDevice }
}

func newStorage[T scalar.Scalar](m, n, nb int, g *grid.Grid, c comm.Communicator, options []Option) (*storage[T], error) {
	if m < 0 || n < 0 {
		return nil, errors.Errorf("invalid matrix dimensions %dx%d", m, n)
	}
	if nb <= 0 {
		return nil, errors.Errorf("tile size must be positive, got %d", nb)
	}
	if g == nil || c == nil {
		return nil, errors.New("a process grid and a communicator are required")
	}
	if g.Size() != c.Size() {
		return nil, errors.Errorf("process grid %s has %d ranks, but the communicator has %d", g, g.Size(), c.Size())
	}
	var cfg config
	for _, opt := range options {
		opt(&cfg)
	}
	s := &storage[T]{
		m: m, n: n, nb: nb,
		mt:         scalar.CeilDiv(m, nb),
		nt:         scalar.CeilDiv(n, nb),
		grid:       g,
		comm:       c,
		devices:    cfg.devices,
		tileRank:   cfg.tileRank,
		tileDevice: cfg.tileDevice,
		nodes:      make(map[coord]*node[T]),
	}
	if s.tileRank == nil {
		s.tileRank = g.TileRank
	}
	if s.tileDevice == nil {
		numDevices := cfg.devices.NumDevices()
		s.tileDevice = func(i, j int) int { return g.TileDevice(i, j, numDevices) }
	}
	return s, nil
}

func viewOf[T scalar.Scalar](s *storage[T]) Matrix[T] {
	return Matrix[T]{s: s, mt: s.mt, nt: s.nt}
}

// New creates a General m x n matrix with nb x nb tiles, distributed over the process grid g.
// The tiles owned by this rank are allocated in the host and zeroed.
//
// Every rank must create the matrix with the same arguments.
func New[T scalar.Scalar](m, n, nb int, g *grid.Grid, c comm.Communicator, options ...Option) (Matrix[T], error) {
	s, err := newStorage[T](m, n, nb, g, c, options)
	if err != nil {
		return Matrix[T]{}, err
	}
	for j := range s.nt {
		for i := range s.mt {
			c := coord{i, j}
			if s.isLocal(c) {
				s.insertOrigin(c, tile.New(s.tileMb(i), s.tileNb(j), make([]T, s.tileMb(i)*s.tileNb(j)),
					max(1, s.tileNb(j)), tile.HostNum, tile.RowMajor, tile.KindOwned))
			}
		}
	}
	return viewOf(s), nil
}

// FromFlat creates a General m x n matrix over the user's memory: data holds the whole matrix, in the
// given layout with leading dimension ld. Each rank only references its own tiles of data, and the
// result of an algorithm is written in place into those tiles.
//
// Algorithms may convert the layout of ColMajor tiles while they work: call TileLayoutReset
// (and TileUpdateAllOrigin) before reading data again.
func FromFlat[T scalar.Scalar](m, n int, data []T, ld int, layout tile.Layout, nb int,
	g *grid.Grid, c comm.Communicator, options ...Option) (Matrix[T], error) {
	s, err := newStorage[T](m, n, nb, g, c, options)
	if err != nil {
		return Matrix[T]{}, err
	}
	rows, cols := m, n
	if layout == tile.ColMajor {
		rows, cols = n, m
	}
	if ld < max(1, cols) {
		return Matrix[T]{}, errors.Errorf("leading dimension %d too small for %dx%d %s matrix", ld, m, n, layout)
	}
	if rows > 0 && len(data) < (rows-1)*ld+cols {
		return Matrix[T]{}, errors.Errorf("flat data with %d elements too small for %dx%d %s matrix with ld=%d",
			len(data), m, n, layout, ld)
	}
	for j := range s.nt {
		for i := range s.mt {
			c := coord{i, j}
			if !s.isLocal(c) {
				continue
			}
			start := i*nb*ld + j*nb
			if layout == tile.ColMajor {
				start = j*nb*ld + i*nb
			}
			s.insertOrigin(c, tile.New(s.tileMb(i), s.tileNb(j), data[start:], ld, tile.HostNum, layout, tile.KindUser))
		}
	}
	return viewOf(s), nil
}

// NewLike creates a new zeroed General matrix with the logical shape of m and the same tile size,
// process grid, communicator and devices. Options can override the ownership of tiles.
func NewLike[T scalar.Scalar](m Matrix[T], options ...Option) (Matrix[T], error) {
	options = append([]Option{WithDevices(m.s.devices)}, options...)
	return New[T](m.M(), m.N(), m.s.nb, m.s.grid, m.s.comm, options...)
}

// globalCoord converts the view tile coordinate to the storage coordinate.
func (m Matrix[T]) globalCoord(i, j int) coord {
	if m.op != tile.NoTrans {
		i, j = j, i
	}
	return coord{m.ioffset + i, m.joffset + j}
}

// decorate applies the view's op, and triangle for diagonal tiles, to a stored tile handle.
func (m Matrix[T]) decorate(i, j int, t tile.Tile[T]) tile.Tile[T] {
	t = t.WithOp(m.op)
	if m.kind != KindGeneral && i == j {
		t = t.WithUplo(m.Uplo())
		if m.kind == KindTriangular {
			t = t.WithDiag(m.diag)
		}
	}
	return t
}

// Mt returns the number of tile rows of the view.
func (m Matrix[T]) Mt() int {
	if m.op == tile.NoTrans {
		return m.mt
	}
	return m.nt
}

// Nt returns the number of tile columns of the view.
func (m Matrix[T]) Nt() int {
	if m.op == tile.NoTrans {
		return m.nt
	}
	return m.mt
}

// TileMb returns the number of rows of the tiles in tile row i.
func (m Matrix[T]) TileMb(i int) int {
	if m.op == tile.NoTrans {
		return m.s.tileMb(m.ioffset + i)
	}
	return m.s.tileNb(m.joffset + i)
}

// TileNb returns the number of columns of the tiles in tile column j.
func (m Matrix[T]) TileNb(j int) int {
	if m.op == tile.NoTrans {
		return m.s.tileNb(m.joffset + j)
	}
	return m.s.tileMb(m.ioffset + j)
}

// M returns the number of rows of the view.
func (m Matrix[T]) M() int {
	var sum int
	for i := range m.Mt() {
		sum += m.TileMb(i)
	}
	return sum
}

// N returns the number of columns of the view.
func (m Matrix[T]) N() int {
	var sum int
	for j := range m.Nt() {
		sum += m.TileNb(j)
	}
	return sum
}

// Nb returns the (maximum) tile size.
func (m Matrix[T]) Nb() int { return m.s.nb }

// RowOffset returns the global row of the first row of tile row i.
func (m Matrix[T]) RowOffset(i int) int {
	c := m.globalCoord(i, i)
	if m.op == tile.NoTrans {
		return c.i * m.s.nb
	}
	return c.j * m.s.nb
}

// ColOffset returns the global column of the first column of tile column j.
func (m Matrix[T]) ColOffset(j int) int {
	c := m.globalCoord(j, j)
	if m.op == tile.NoTrans {
		return c.j * m.s.nb
	}
	return c.i * m.s.nb
}

func (m Matrix[T]) Op() tile.Op               { return m.op }
func (m Matrix[T]) Kind() Kind                { return m.kind }
func (m Matrix[T]) Diag() tile.Diag           { return m.diag }
func (m Matrix[T]) Grid() *grid.Grid          { return m.s.grid }
func (m Matrix[T]) Comm() comm.Communicator   { return m.s.comm }
func (m Matrix[T]) Devices() *devices.Devices { return m.s.devices }
func (m Matrix[T]) NumDevices() int           { return m.s.devices.NumDevices() }
func (m Matrix[T]) Rank() int                 { return m.s.comm.Rank() }

// SameStorage returns whether both views are over the same matrix.
func (m Matrix[T]) SameStorage(m2 Matrix[T]) bool { return m.s == m2.s }

// Uplo returns the logical triangle of Triangular and Hermitian views, or General.
func (m Matrix[T]) Uplo() tile.Uplo {
	if m.kind == KindGeneral {
		return tile.General
	}
	if m.op == tile.NoTrans {
		return m.uplo
	}
	return m.uplo.Flip()
}

// TileRank returns the rank owning tile (i, j).
func (m Matrix[T]) TileRank(i, j int) int {
	c := m.globalCoord(i, j)
	return m.s.tileRank(c.i, c.j)
}

// TileIsLocal returns whether this rank owns tile (i, j).
func (m Matrix[T]) TileIsLocal(i, j int) bool {
	return m.TileRank(i, j) == m.s.comm.Rank()
}

// TileDevice returns the device where tile (i, j) is computed, or -1 if there are no devices.
func (m Matrix[T]) TileDevice(i, j int) int {
	c := m.globalCoord(i, j)
	return m.s.tileDevice(c.i, c.j)
}

// InTriangle returns whether tile (i, j) holds meaningful data: always for General views, otherwise
// only tiles in the view's triangle (including the diagonal).
func (m Matrix[T]) InTriangle(i, j int) bool {
	switch m.Uplo() {
	case tile.Lower:
		return i >= j
	case tile.Upper:
		return i <= j
	}
	return true
}

// Sub returns the General view of the tile rows i1..i2 and tile columns j1..j2, inclusive.
// Empty ranges (i2 = i1-1 or j2 = j1-1) are allowed.
func (m Matrix[T]) Sub(i1, i2, j1, j2 int) Matrix[T] {
	if i1 < 0 || i2 < i1-1 || i2 >= m.Mt() || j1 < 0 || j2 < j1-1 || j2 >= m.Nt() {
		exceptions.Panicf("Matrix.Sub(%d, %d, %d, %d) out of bounds of %dx%d tiles view", i1, i2, j1, j2, m.Mt(), m.Nt())
	}
	sub := m
	sub.kind, sub.uplo, sub.diag = KindGeneral, tile.General, tile.NonUnit
	if m.op == tile.NoTrans {
		sub.ioffset, sub.joffset = m.ioffset+i1, m.joffset+j1
		sub.mt, sub.nt = i2-i1+1, j2-j1+1
	} else {
		sub.ioffset, sub.joffset = m.ioffset+j1, m.joffset+i1
		sub.mt, sub.nt = j2-j1+1, i2-i1+1
	}
	return sub
}

// SubDiag returns the view of tiles k1..k2 in both dimensions, keeping the kind of the matrix.
func (m Matrix[T]) SubDiag(k1, k2 int) Matrix[T] {
	sub := m.Sub(k1, k2, k1, k2)
	sub.kind, sub.uplo, sub.diag = m.kind, m.uplo, m.diag
	return sub
}

// AsGeneral returns a General view of the same tiles.
func (m Matrix[T]) AsGeneral() Matrix[T] {
	m.kind, m.uplo, m.diag = KindGeneral, tile.General, tile.NonUnit
	return m
}

func (m Matrix[T]) withTriangle(kind Kind, uplo tile.Uplo, diag tile.Diag) Matrix[T] {
	if uplo != tile.Lower && uplo != tile.Upper {
		exceptions.Panicf("%s matrix requires Lower or Upper, got %s", kind, uplo)
	}
	if m.Mt() != m.Nt() || m.M() != m.N() {
		exceptions.Panicf("%s matrix must be square, got %dx%d", kind, m.M(), m.N())
	}
	m.kind, m.diag = kind, diag
	if m.op == tile.NoTrans {
		m.uplo = uplo
	} else {
		m.uplo = uplo.Flip()
	}
	return m
}

// AsHermitian returns the Hermitian view of the same tiles, using the logical triangle uplo.
func (m Matrix[T]) AsHermitian(uplo tile.Uplo) Matrix[T] {
	return m.withTriangle(KindHermitian, uplo, tile.NonUnit)
}

// AsTriangular returns the Triangular view of the same tiles, using the logical triangle uplo.
func (m Matrix[T]) AsTriangular(uplo tile.Uplo, diag tile.Diag) Matrix[T] {
	return m.withTriangle(KindTriangular, uplo, diag)
}

// Transpose returns the transposed view.
func Transpose[T scalar.Scalar](m Matrix[T]) Matrix[T] {
	switch m.op {
	case tile.NoTrans:
		m.op = tile.Trans
	case tile.Trans:
		m.op = tile.NoTrans
	case tile.ConjTrans:
		if scalar.IsComplex[T]() {
			exceptions.Panicf("matrix.Transpose of a ConjTrans complex matrix is not supported")
		}
		m.op = tile.NoTrans
	}
	return m
}

// ConjTranspose returns the conjugate-transposed view.
func ConjTranspose[T scalar.Scalar](m Matrix[T]) Matrix[T] {
	switch m.op {
	case tile.NoTrans:
		m.op = tile.ConjTrans
	case tile.ConjTrans:
		m.op = tile.NoTrans
	case tile.Trans:
		if scalar.IsComplex[T]() {
			exceptions.Panicf("matrix.ConjTranspose of a Trans complex matrix is not supported")
		}
		m.op = tile.NoTrans
	}
	return m
}

// ForEachTile calls fn for every tile of the view in its triangle (see InTriangle), column by column.
func (m Matrix[T]) ForEachTile(fn func(i, j int)) {
	for j := range m.Nt() {
		for i := range m.Mt() {
			if m.InTriangle(i, j) {
				fn(i, j)
			}
		}
	}
}

// ForEachLocalTile is like ForEachTile, for the tiles owned by this rank.
func (m Matrix[T]) ForEachLocalTile(fn func(i, j int)) {
	m.ForEachTile(func(i, j int) {
		if m.TileIsLocal(i, j) {
			fn(i, j)
		}
	})
}

// String implements fmt.Stringer.
func (m Matrix[T]) String() string {
	return fmt.Sprintf("Matrix[%s](%dx%d, %dx%d tiles of %d, %s, %s, op=%s, rank %d of %s)",
		scalar.DType[T](), m.M(), m.N(), m.Mt(), m.Nt(), m.s.nb, m.kind, m.Uplo(), m.op, m.Rank(), m.s.grid)
}
