// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package linalg

import (
	"encoding/binary"

	"github.com/gomlx/tiledla/pkg/core/matrix"
	"github.com/gomlx/tiledla/pkg/core/scalar"
	"github.com/gomlx/tiledla/pkg/core/tile"
	"github.com/gomlx/tiledla/pkg/support/sets"
	"github.com/pkg/errors"
)

// Pivots are the row interchanges of an LU factorization, one list per step: Pivots[k][r] is the row
// swapped with row r of tile row k, relative to tile row k. Interchanges are applied in order.
//
// Every rank holds the same Pivots.
type Pivots [][]tile.Pivot

// ToIpiv converts the pivots to the 1-based row indices used by LAPACK: row i of the factorized
// matrix was swapped with row ipiv[i]-1. Like in LAPACK, the indices are relative to the factorized
// view: for a view starting at a.RowOffset(0), add that offset to get rows of the full matrix.
// nb is the tile size of the factorized matrix.
func (p Pivots) ToIpiv(nb int) []int {
	var ipiv []int
	for k, step := range p {
		for _, piv := range step {
			ipiv = append(ipiv, (k+piv.TileIndex)*nb+piv.ElementOffset+1)
		}
	}
	return ipiv
}

// Len returns the total number of interchanges.
func (p Pivots) Len() int {
	var n int
	for _, step := range p {
		n += len(step)
	}
	return n
}

// pivotsFromPanel converts the 0-based row interchanges of a panel factorization, relative to its
// first row, to tile pivots.
func pivotsFromPanel(ipiv []int, nb int) []tile.Pivot {
	pivots := make([]tile.Pivot, len(ipiv))
	for r, p := range ipiv {
		pivots[r] = tile.Pivot{TileIndex: p / nb, ElementOffset: p % nb}
	}
	return pivots
}

func encodeInts(values []int) []byte {
	buf := make([]byte, 0, 8*len(values))
	for _, v := range values {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(v))
	}
	return buf
}

func decodeInts(buf []byte) ([]int, error) {
	if len(buf)%8 != 0 {
		return nil, errors.Errorf("invalid encoded integers: %d bytes is not a multiple of 8", len(buf))
	}
	values := make([]int, len(buf)/8)
	for i := range values {
		values[i] = int(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return values, nil
}

// swapRows applies the interchanges of one step (relative to tile row k) to tile column j of m.
//
// The tiles holding pivot rows are sent to the owner of tile (k, j), which swaps the rows and sends
// them back. Every rank must call it with the same arguments; ranks not owning any of the tiles
// return right away.
func swapRows[T scalar.Scalar](m matrix.Matrix[T], k, j int, pivots []tile.Pivot, tags tagger, tagIn, tagOut int) {
	involved := sets.Make[int]()
	for r, piv := range pivots {
		if piv.TileIndex > 0 {
			involved.Insert(k + piv.TileIndex)
		} else if piv.ElementOffset != r {
			involved.Insert(k)
		}
	}
	if len(involved) == 0 {
		return
	}
	rows := sets.Sorted(involved)
	me, top := m.Rank(), m.TileRank(k, j)
	if me != top {
		var mine bool
		for _, i := range rows {
			mine = mine || m.TileIsLocal(i, j)
		}
		if !mine {
			return
		}
	}

	for _, i := range rows {
		switch owner := m.TileRank(i, j); {
		case owner == top:
		case me == owner:
			m.TileSend(i, j, top, tags.tag(tagIn, k, i, j))
		case me == top:
			m.TileRecv(i, j, owner, tile.RowMajor, tags.tag(tagIn, k, i, j))
		}
	}

	if me == top {
		tiles := make(map[int]tile.Tile[T], len(rows)+1)
		get := func(i int) tile.Tile[T] {
			t, found := tiles[i]
			if !found {
				t = m.TileGetForWriting(i, j, tile.HostNum, tile.RowMajor)
				tiles[i] = t
			}
			return t
		}
		for r, piv := range pivots {
			if piv.TileIndex == 0 && piv.ElementOffset == r {
				continue
			}
			t1, t2 := get(k), get(k+piv.TileIndex)
			r2 := piv.ElementOffset
			for c := range t1.Nb() {
				v := t1.At(r, c)
				t1.Set(r, c, t2.At(r2, c))
				t2.Set(r2, c, v)
			}
		}
	}

	for _, i := range rows {
		switch owner := m.TileRank(i, j); {
		case owner == top:
		case me == top:
			m.TileSend(i, j, owner, tags.tag(tagOut, k, i, j))
			m.Sub(i, i, j, j).EraseRemoteWorkspace()
		case me == owner:
			m.TileRecv(i, j, top, tile.RowMajor, tags.tag(tagOut, k, i, j))
		}
	}
}
