// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package grid_test

import (
	"testing"

	"github.com/gomlx/tiledla/pkg/core/grid"
	"github.com/gomlx/tiledla/pkg/support/sets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrid(t *testing.T) {
	t.Run("New_Invalid", func(t *testing.T) {
		_, err := grid.New(0, 2)
		require.Error(t, err)
		_, err = grid.New(2, -1)
		require.Error(t, err)
		_, err = grid.NewWithOrder(2, 2, grid.Order(7))
		require.Error(t, err)
		_, err = grid.Squarest(0)
		require.Error(t, err)
	})

	t.Run("Squarest", func(t *testing.T) {
		tests := []struct {
			size, p, q int
		}{
			{1, 1, 1}, {4, 2, 2}, {6, 2, 3}, {7, 1, 7}, {12, 3, 4},
		}
		for _, tc := range tests {
			g, err := grid.Squarest(tc.size)
			require.NoError(t, err)
			assert.Equal(t, tc.p, g.P(), "size=%d", tc.size)
			assert.Equal(t, tc.q, g.Q(), "size=%d", tc.size)
		}
	})

	t.Run("Coords", func(t *testing.T) {
		for _, order := range []grid.Order{grid.ColMajor, grid.RowMajor} {
			g, err := grid.NewWithOrder(2, 3, order)
			require.NoError(t, err)
			seen := sets.Make[int]()
			for pi := range 2 {
				for qj := range 3 {
					rank := g.RankOf(pi, qj)
					gotP, gotQ := g.Coords(rank)
					assert.Equal(t, pi, gotP)
					assert.Equal(t, qj, gotQ)
					seen.Insert(rank)
				}
			}
			assert.Len(t, seen, g.Size())
		}
		g, _ := grid.New(2, 3)
		assert.Equal(t, 3, g.RankOf(1, 1))
		assert.Equal(t, []int{1, 3, 5}, g.RowRanks(3))
		assert.Equal(t, []int{2, 3}, g.ColRanks(3))
		assert.Equal(t, [][]int{{0, 2, 4}, {1, 3, 5}}, g.Groups(true))
		assert.Equal(t, [][]int{{0, 1}, {2, 3}, {4, 5}}, g.Groups(false))
	})

	// Ownership is total, deterministic and every rank owns tiles.
	t.Run("TileRank", func(t *testing.T) {
		g, err := grid.New(2, 2)
		require.NoError(t, err)
		counts := make([]int, g.Size())
		for i := range 8 {
			for j := range 8 {
				r := g.TileRank(i, j)
				require.GreaterOrEqual(t, r, 0)
				require.Less(t, r, g.Size())
				require.Equal(t, r, g.TileRank(i, j))
				require.Equal(t, r, g.TileRank(i+2, j+2), "ownership must be cyclic")
				counts[r]++
			}
		}
		assert.Equal(t, []int{16, 16, 16, 16}, counts)
		assert.Equal(t, 0, g.TileDevice(1, 0, 2))
		assert.Equal(t, 1, g.TileDevice(2, 0, 2))
		assert.Equal(t, 0, g.TileDevice(4, 0, 2))
		assert.Equal(t, -1, g.TileDevice(4, 0, 0))
	})
}
