// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package matrix

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/tiledla/pkg/core/tile"
	"k8s.io/klog/v2"
)

// This file implements the tile coherency manager: the copies of each tile in the host and in
// the devices follow a single-writer, multi-reader policy, and remote tiles are freed when their
// life reaches 0 and no copy is held.

// lockedAcquire makes sure there is an up-to-date copy of the tile in loc with the given layout.
func (s *storage[T]) lockedAcquire(c coord, n *node[T], loc int, layout tile.Layout) *instance[T] {
	inst := n.instances[loc]
	if inst == nil || inst.state == stateInvalid {
		src := n.lockedValidInstance()
		if src == nil {
			exceptions.Panicf("tile (%d, %d) has no valid copy on rank %d", c.i, c.j, s.comm.Rank())
		}
		if inst == nil {
			inst = &instance[T]{tile: s.allocTile(src.tile.StoredMb(), src.tile.StoredNb(), loc, layout)}
			n.instances[loc] = inst
		}
		tile.CopyStored(src.tile, inst.tile)
		inst.state = stateShared
		if src.state == stateModified {
			src.state = stateShared
		}
		if klog.V(3).Enabled() {
			klog.Infof("rank %d: tile (%d, %d) copied from location %d to %d",
				s.comm.Rank(), c.i, c.j, src.tile.Location(), loc)
		}
	}
	if inst.tile.Layout() != layout {
		s.lockedConvertLayout(c, n, inst)
	}
	return inst
}

// lockedConvertLayout switches the layout of a copy: in place for square tiles, otherwise through
// an extended buffer.
func (s *storage[T]) lockedConvertLayout(c coord, n *node[T], inst *instance[T]) {
	if inst.holds > 0 {
		exceptions.Panicf("tile (%d, %d) at location %d: cannot convert layout while held",
			c.i, c.j, inst.tile.Location())
	}
	t := inst.tile
	if t.IsSquare() {
		inst.tile = tile.ConvertLayoutInPlace(t)
		return
	}
	if t.Kind() == tile.KindWorkspace {
		ext := s.allocTile(t.StoredMb(), t.StoredNb(), t.Location(), t.Layout()).Data()
		inst.tile = tile.ConvertLayout(t, ext)
		s.freeData(t)
		return
	}
	// Origin over matrix or user memory: keep the original to convert back in TileLayoutReset.
	if n.user == nil {
		n.user = &t
		inst.tile = tile.ConvertLayout(t, make([]T, t.StoredMb()*t.StoredNb()))
		return
	}
	// Converting back to the original layout.
	tile.CopyStored(t, *n.user)
	inst.tile = *n.user
	n.user = nil
}

// lockedMarkModified makes loc the only up-to-date copy.
func (n *node[T]) lockedMarkModified(loc int) {
	for other, inst := range n.instances {
		if other == loc {
			inst.state = stateModified
		} else {
			inst.state = stateInvalid
		}
	}
}

func (s *storage[T]) tileGet(c coord, loc int, layout tile.Layout, write, hold bool) tile.Tile[T] {
	n := s.mustNode(c)
	n.mu.Lock()
	defer n.mu.Unlock()
	inst := s.lockedAcquire(c, n, loc, layout)
	if write {
		n.lockedMarkModified(loc)
	}
	if hold {
		inst.holds++
	}
	return inst.tile
}

func (s *storage[T]) mustInstance(c coord, n *node[T], loc int) *instance[T] {
	inst := n.instances[loc]
	if inst == nil {
		exceptions.Panicf("tile (%d, %d) has no copy at location %d on rank %d", c.i, c.j, loc, s.comm.Rank())
	}
	return inst
}

// lockedUpdateOrigin refreshes the origin of a local tile from an up-to-date copy, if needed.
func (s *storage[T]) lockedUpdateOrigin(c coord, n *node[T]) {
	if !n.local {
		return
	}
	origin := s.mustInstance(c, n, tile.HostNum)
	if origin.state != stateInvalid {
		return
	}
	src := n.lockedValidInstance()
	if src == nil {
		exceptions.Panicf("tile (%d, %d) has no valid copy to update its origin on rank %d", c.i, c.j, s.comm.Rank())
	}
	tile.CopyStored(src.tile, origin.tile)
	origin.state = stateShared
	if src.state == stateModified {
		src.state = stateShared
	}
}

// lockedErase frees the copy at loc. The origin is never erased.
func (s *storage[T]) lockedErase(c coord, n *node[T], loc int) {
	inst := n.instances[loc]
	if inst == nil || (n.local && loc == tile.HostNum) {
		return
	}
	if inst.holds > 0 {
		exceptions.Panicf("tile (%d, %d) at location %d: cannot erase a held copy", c.i, c.j, loc)
	}
	s.freeData(inst.tile)
	delete(n.instances, loc)
}

// lockedRelease frees the copy at loc if it's not held, after updating the origin if this copy
// is the last up-to-date one. For remote tiles the data moves to the host copy instead, unless loc
// is the host.
func (s *storage[T]) lockedRelease(c coord, n *node[T], loc int) {
	inst := n.instances[loc]
	if inst == nil || inst.holds > 0 || loc == tile.HostNum {
		return
	}
	if inst.state != stateInvalid && !n.lockedHasOtherValid(loc) {
		if n.local {
			s.lockedUpdateOrigin(c, n)
		} else {
			s.lockedAcquire(c, n, tile.HostNum, inst.tile.Layout())
		}
	}
	s.lockedErase(c, n, loc)
}

// lockedEvict erases every unheld copy of a remote tile. Held copies are erased when unheld.
func (s *storage[T]) lockedEvict(c coord, n *node[T]) {
	n.evictWhenUnheld = false
	for _, loc := range n.lockedLocations() {
		if n.instances[loc].holds > 0 {
			n.evictWhenUnheld = true
			continue
		}
		s.lockedErase(c, n, loc)
	}
}

// TileGetForReading returns tile (i, j) after making sure an up-to-date copy is in location loc
// (tile.HostNum or a device), with the given layout.
//
// It panics if there is no up-to-date copy of the tile on this rank.
func (m Matrix[T]) TileGetForReading(i, j, loc int, layout tile.Layout) tile.Tile[T] {
	return m.decorate(i, j, m.s.tileGet(m.globalCoord(i, j), loc, layout, false, false))
}

// TileGetForWriting is like TileGetForReading, and it also makes the copy in loc the only valid one:
// copies in other locations become invalid.
func (m Matrix[T]) TileGetForWriting(i, j, loc int, layout tile.Layout) tile.Tile[T] {
	return m.decorate(i, j, m.s.tileGet(m.globalCoord(i, j), loc, layout, true, false))
}

// TileGetAndHold is like TileGetForReading (or TileGetForWriting if write is true), and also holds the
// copy in loc, so it can't be released or evicted until TileUnsetHold.
func (m Matrix[T]) TileGetAndHold(i, j, loc int, layout tile.Layout, write bool) tile.Tile[T] {
	return m.decorate(i, j, m.s.tileGet(m.globalCoord(i, j), loc, layout, write, true))
}

// Tile returns the host copy of tile (i, j) for reading, in RowMajor layout.
func (m Matrix[T]) Tile(i, j int) tile.Tile[T] {
	return m.TileGetForReading(i, j, tile.HostNum, tile.RowMajor)
}

// TileExists returns whether there is a copy (valid or not) of tile (i, j) in loc.
func (m Matrix[T]) TileExists(i, j, loc int) bool {
	n := m.s.node(m.globalCoord(i, j))
	if n == nil {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.instances[loc] != nil
}

// TileIsValid returns whether there is an up-to-date copy of tile (i, j) in loc.
func (m Matrix[T]) TileIsValid(i, j, loc int) bool {
	n := m.s.node(m.globalCoord(i, j))
	if n == nil {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	inst := n.instances[loc]
	return inst != nil && inst.state != stateInvalid
}

// TileSetHold pins the copy of tile (i, j) in loc.
func (m Matrix[T]) TileSetHold(i, j, loc int) {
	c := m.globalCoord(i, j)
	n := m.s.mustNode(c)
	n.mu.Lock()
	defer n.mu.Unlock()
	m.s.mustInstance(c, n, loc).holds++
}

// TileUnsetHold unpins the copy of tile (i, j) in loc. If it was the last hold of a remote tile whose
// life already reached 0, the copy is freed.
func (m Matrix[T]) TileUnsetHold(i, j, loc int) {
	c := m.globalCoord(i, j)
	n := m.s.mustNode(c)
	n.mu.Lock()
	defer n.mu.Unlock()
	inst := m.s.mustInstance(c, n, loc)
	if inst.holds <= 0 {
		exceptions.Panicf("tile (%d, %d) at location %d: unset hold of a copy not held", c.i, c.j, loc)
	}
	inst.holds--
	if inst.holds == 0 && n.evictWhenUnheld {
		m.s.lockedEvict(c, n)
	}
}

// TileRelease frees the device copy of tile (i, j) in loc, unless it is held. Host copies are not
// released: remote tiles are freed by TileTick or the workspace erasure methods.
// If it is the last up-to-date copy, the host copy is updated first.
func (m Matrix[T]) TileRelease(i, j, loc int) {
	c := m.globalCoord(i, j)
	n := m.s.node(c)
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	m.s.lockedRelease(c, n, loc)
}

// TileTick decrements the life of a remote tile (i, j): when it reaches 0, all its copies are freed
// (held copies when they are unheld). It is a no-op for local tiles.
//
// Life going negative is a fatal error.
func (m Matrix[T]) TileTick(i, j int) {
	c := m.globalCoord(i, j)
	if m.s.isLocal(c) {
		return
	}
	n := m.s.mustNode(c)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.life <= 0 {
		exceptions.Panicf("tile (%d, %d) on rank %d: life would become negative", c.i, c.j, m.s.comm.Rank())
	}
	n.life--
	if n.life == 0 {
		m.s.lockedEvict(c, n)
	}
}

// TileLife returns the life of tile (i, j), or 0 if not present.
func (m Matrix[T]) TileLife(i, j int) int {
	n := m.s.node(m.globalCoord(i, j))
	if n == nil {
		return 0
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.life
}

// TileSetLife sets the life of tile (i, j).
func (m Matrix[T]) TileSetLife(i, j, life int) {
	if life < 0 {
		exceptions.Panicf("TileSetLife(%d, %d): negative life %d", i, j, life)
	}
	n := m.s.mustNode(m.globalCoord(i, j))
	n.mu.Lock()
	defer n.mu.Unlock()
	n.life = life
}

// TileIncrementLife adds delta to the life of tile (i, j).
func (m Matrix[T]) TileIncrementLife(i, j, delta int) {
	c := m.globalCoord(i, j)
	n := m.s.mustNode(c)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.life+delta < 0 {
		exceptions.Panicf("tile (%d, %d) on rank %d: life would become negative", c.i, c.j, m.s.comm.Rank())
	}
	n.life += delta
}

// TileUpdateOrigin makes sure the origin (host) copy of the local tile (i, j) is up-to-date.
func (m Matrix[T]) TileUpdateOrigin(i, j int) {
	c := m.globalCoord(i, j)
	n := m.s.mustNode(c)
	n.mu.Lock()
	defer n.mu.Unlock()
	m.s.lockedUpdateOrigin(c, n)
}

// TileInsertWorkspace returns a new (or the existing) copy of a tile (i, j) in loc, without
// copying any data into it. The copy is marked as the only up-to-date one: the caller is expected
// to fill it.
func (m Matrix[T]) TileInsertWorkspace(i, j, loc int, layout tile.Layout) tile.Tile[T] {
	c := m.globalCoord(i, j)
	n := m.s.nodeOrCreate(c)
	n.mu.Lock()
	defer n.mu.Unlock()
	inst := m.s.lockedInsert(c, n, loc, layout)
	n.lockedMarkModified(loc)
	return m.decorate(i, j, inst.tile)
}

// lockedInsert returns the copy at loc, creating it if needed, with the given layout.
func (s *storage[T]) lockedInsert(c coord, n *node[T], loc int, layout tile.Layout) *instance[T] {
	inst := n.instances[loc]
	if inst == nil {
		if n.local && loc == tile.HostNum {
			exceptions.Panicf("tile (%d, %d) is local to rank %d but has no origin", c.i, c.j, s.comm.Rank())
		}
		inst = &instance[T]{tile: s.allocTile(s.tileMb(c.i), s.tileNb(c.j), loc, layout)}
		n.instances[loc] = inst
	} else if inst.tile.Layout() != layout {
		s.lockedConvertLayout(c, n, inst)
	}
	return inst
}

// TileErase frees the copy of tile (i, j) in loc. The origin of local tiles is not erased, and erasing
// a held copy panics.
func (m Matrix[T]) TileErase(i, j, loc int) {
	c := m.globalCoord(i, j)
	n := m.s.node(c)
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	m.s.lockedErase(c, n, loc)
}
