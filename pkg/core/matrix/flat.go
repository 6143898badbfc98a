// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package matrix

import (
	"github.com/gomlx/tiledla/pkg/core/tile"
)

// tagGather is the first tag used by Gather, one per tile.
const tagGather = 1 << 28

// Fill sets every element of the local tiles of the view to fn(row, col), with row and col counted
// from the first element of the view. All tiles are filled, regardless of the view's kind.
func (m Matrix[T]) Fill(fn func(row, col int) T) {
	nb := m.s.nb
	for j := range m.Nt() {
		for i := range m.Mt() {
			if !m.TileIsLocal(i, j) {
				continue
			}
			t := m.TileGetForWriting(i, j, tile.HostNum, tile.RowMajor)
			for ii := range t.Mb() {
				for jj := range t.Nb() {
					t.Set(ii, jj, fn(i*nb+ii, j*nb+jj))
				}
			}
		}
	}
}

// Gather collects all tiles of the view on rank root, and returns the view as a row-major M x N flat
// array. Other ranks return nil. Every rank must call it, and no other communication on this matrix
// should be in flight.
func (m Matrix[T]) Gather(root int) []T {
	me := m.Rank()
	mt, nt := m.Mt(), m.Nt()
	if me != root {
		for j := range nt {
			for i := range mt {
				if m.TileIsLocal(i, j) {
					m.s.send(tile.Pack(m.Tile(i, j)), root, tagGather+i*nt+j)
				}
			}
		}
		return nil
	}

	rows, cols, nb := m.M(), m.N(), m.s.nb
	flat := make([]T, rows*cols)
	for j := range nt {
		for i := range mt {
			dst := tile.New(m.TileMb(i), m.TileNb(j), flat[i*nb*cols+j*nb:], max(1, cols),
				tile.HostNum, tile.RowMajor, tile.KindUser)
			if owner := m.TileRank(i, j); owner != me {
				tile.Unpack(m.s.recv(owner, tagGather+i*nt+j), dst)
			} else {
				m.Tile(i, j).CopyTo(dst)
			}
		}
	}
	return flat
}
