// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package matrix

import (
	"cmp"
	"maps"
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tiledla/pkg/core/comm"
	"github.com/gomlx/tiledla/pkg/core/devices"
	"github.com/gomlx/tiledla/pkg/core/grid"
	"github.com/gomlx/tiledla/pkg/core/scalar"
	"github.com/gomlx/tiledla/pkg/core/tile"
)

// coord is a tile coordinate in the storage: it ignores the offsets and op of views.
type coord struct {
	i, j int
}

func compareCoords(a, b coord) int {
	if c := cmp.Compare(a.j, b.j); c != 0 {
		return c
	}
	return cmp.Compare(a.i, b.i)
}

// state of the copy of a tile in one location.
type state int

const (
	// stateInvalid copies are stale: a newer version was written somewhere else.
	stateInvalid state = iota

	// stateShared copies are up-to-date, and other locations may have up-to-date copies too.
	stateShared

	// stateModified copies are the only up-to-date copy.
	stateModified
)

// instance is the copy of a tile in one location.
type instance[T scalar.Scalar] struct {
	tile  tile.Tile[T] // Stored handle: op is always NoTrans, uplo General.
	state state
	holds int
}

// node holds the copies of one tile coordinate on this rank. Its fields are guarded by mu.
type node[T scalar.Scalar] struct {
	mu        sync.Mutex
	instances map[int]*instance[T]

	// local is true if this rank owns the coordinate: there is an origin copy at tile.HostNum that
	// is never freed.
	local bool

	// life counts the pending local consumers of a remote tile (not used for local tiles).
	life int

	// evictWhenUnheld is set when life reached 0 while some copy was held.
	evictWhenUnheld bool

	// originLayout is the layout the origin was created with. user is the origin over user memory,
	// when the origin was converted to another layout through an extended buffer.
	originLayout tile.Layout
	user         *tile.Tile[T]
}

// lockedLocations returns the locations with a copy, host first.
func (n *node[T]) lockedLocations() []int {
	return slices.Sorted(maps.Keys(n.instances))
}

// lockedValidInstance returns an up-to-date copy, preferring the host, or nil.
func (n *node[T]) lockedValidInstance() *instance[T] {
	for _, loc := range n.lockedLocations() {
		if inst := n.instances[loc]; inst.state != stateInvalid {
			return inst
		}
	}
	return nil
}

// lockedHasOtherValid returns whether a location other than loc has an up-to-date copy.
func (n *node[T]) lockedHasOtherValid(loc int) bool {
	for other, inst := range n.instances {
		if other != loc && inst.state != stateInvalid {
			return true
		}
	}
	return false
}

// storage is shared by all views of a matrix.
type storage[T scalar.Scalar] struct {
	m, n, nb   int
	mt, nt     int
	grid       *grid.Grid
	comm       comm.Communicator
	devices    *devices.Devices
	tileRank   func(i, j int) int
	tileDevice func(i, j int) int

	// mu guards nodes. When both are needed, mu is locked before a node's mutex.
	mu    sync.Mutex
	nodes map[coord]*node[T]

	batchMu sync.Mutex
	batches map[batchKey]*BatchArrays[T]

	// reservedTiles per device, of nb x nb tiles, see ReserveDeviceWorkspace.
	reserveMu     sync.Mutex
	reservedTiles []int
}

func (s *storage[T]) tileMb(i int) int { return min(s.nb, s.m-i*s.nb) }
func (s *storage[T]) tileNb(j int) int { return min(s.nb, s.n-j*s.nb) }

func (s *storage[T]) isLocal(c coord) bool {
	return s.tileRank(c.i, c.j) == s.comm.Rank()
}

// node returns the node for the coordinate, or nil.
func (s *storage[T]) node(c coord) *node[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes[c]
}

// mustNode returns the node for the coordinate, and panics if the tile is not present on this rank.
func (s *storage[T]) mustNode(c coord) *node[T] {
	n := s.node(c)
	if n == nil {
		exceptions.Panicf("tile (%d, %d) not present on rank %d: remote tiles must be received before use",
			c.i, c.j, s.comm.Rank())
	}
	return n
}

// nodeOrCreate returns the node for the coordinate, creating an empty one if needed.
func (s *storage[T]) nodeOrCreate(c coord) *node[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nodes[c]
	if n == nil {
		n = &node[T]{instances: make(map[int]*instance[T]), local: s.isLocal(c)}
		s.nodes[c] = n
	}
	return n
}

// sortedNodes returns a snapshot of the coordinates and nodes present on this rank.
func (s *storage[T]) sortedNodes() ([]coord, []*node[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	coords := slices.SortedFunc(maps.Keys(s.nodes), compareCoords)
	nodes := make([]*node[T], len(coords))
	for idx, c := range coords {
		nodes[idx] = s.nodes[c]
	}
	return coords, nodes
}

// insertOrigin sets t as the origin of a local tile.
func (s *storage[T]) insertOrigin(c coord, t tile.Tile[T]) {
	if !s.isLocal(c) {
		exceptions.Panicf("cannot insert origin of tile (%d, %d) on rank %d: it is owned by rank %d",
			c.i, c.j, s.comm.Rank(), s.tileRank(c.i, c.j))
	}
	n := s.nodeOrCreate(c)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.instances[tile.HostNum] = &instance[T]{tile: t, state: stateModified}
	n.originLayout = t.Layout()
}

// allocTile allocates a workspace tile of stored dimensions mb x nb, with a compact stride.
func (s *storage[T]) allocTile(mb, nb, loc int, layout tile.Layout) tile.Tile[T] {
	stride := max(1, nb)
	if layout == tile.ColMajor {
		stride = max(1, mb)
	}
	var data []T
	if loc == tile.HostNum {
		data = make([]T, mb*nb)
	} else {
		data = devices.Alloc[T](s.devices.Device(loc), mb*nb)
	}
	return tile.New(mb, nb, data, stride, loc, layout, tile.KindWorkspace)
}

// freeData returns the memory of a workspace tile. Origin tiles are not freed.
func (s *storage[T]) freeData(t tile.Tile[T]) {
	if t.Kind() != tile.KindWorkspace || t.Location() == tile.HostNum {
		return
	}
	devices.Free(s.devices.Device(t.Location()), t.Data())
}
