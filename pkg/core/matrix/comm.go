// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package matrix

import (
	"github.com/gomlx/tiledla/pkg/core/comm"
	"github.com/gomlx/tiledla/pkg/core/kernels"
	"github.com/gomlx/tiledla/pkg/core/scalar"
	"github.com/gomlx/tiledla/pkg/core/tile"
	"github.com/gomlx/tiledla/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Transport failures are fatal: the world is aborted, so the other ranks fail too, and the caller panics.
func (s *storage[T]) fatal(err error, format string, args ...any) {
	err = errors.WithMessagef(err, format, args...)
	s.comm.Abort(err)
	panic(err)
}

func (s *storage[T]) send(buf []byte, dst, tag int) {
	if err := s.comm.Send(buf, dst, tag); err != nil {
		s.fatal(err, "rank %d: failed to send tile to rank %d", s.comm.Rank(), dst)
	}
}

func (s *storage[T]) recv(src, tag int) []byte {
	buf, err := s.comm.Recv(src, tag)
	if err != nil {
		s.fatal(err, "rank %d: failed to receive tile from rank %d", s.comm.Rank(), src)
	}
	return buf
}

// packHost returns the stored tile c, from its host copy, packed for sending.
func (s *storage[T]) packHost(c coord) []byte {
	return tile.Pack(s.tileGet(c, tile.HostNum, tile.RowMajor, false, false))
}

// unpackHost writes a received tile into the host copy of c, which becomes the only up-to-date copy.
// For remote tiles, the host copy is created if needed.
func (s *storage[T]) unpackHost(c coord, buf []byte, layout tile.Layout) {
	n := s.nodeOrCreate(c)
	n.mu.Lock()
	defer n.mu.Unlock()
	var inst *instance[T]
	if n.local {
		inst = s.mustInstance(c, n, tile.HostNum)
	} else {
		inst = s.lockedInsert(c, n, tile.HostNum, layout)
	}
	tile.Unpack(buf, inst.tile)
	n.lockedMarkModified(tile.HostNum)
}

// TileSend sends tile (i, j) to rank dst. It is a no-op if dst is this rank.
func (m Matrix[T]) TileSend(i, j, dst, tag int) {
	if dst == m.Rank() {
		return
	}
	m.s.send(m.s.packHost(m.globalCoord(i, j)), dst, tag)
}

// TileRecv receives tile (i, j) from rank src into its host copy, with the given layout for remote tiles.
// It is a no-op if src is this rank. A received remote tile is workspace, with life 0.
func (m Matrix[T]) TileRecv(i, j, src int, layout tile.Layout, tag int) {
	if src == m.Rank() {
		return
	}
	m.s.unpackHost(m.globalCoord(i, j), m.s.recv(src, tag), layout)
}

// BcastItem is one tile to be broadcast by ListBcast.
type BcastItem[T scalar.Scalar] struct {
	// I, J is the source tile, in the view ListBcast is called on.
	I, J int

	// Dests are the views (of any matrix) whose tiles use the source tile: it is sent to every rank
	// owning a tile in them.
	Dests []Matrix[T]

	// Tag of the messages, it must distinguish this broadcast from any other one concurrently in flight.
	Tag int
}

// BcastOption configures ListBcast.
type BcastOption func(cfg *bcastConfig)

type bcastConfig struct {
	prefetchDevices bool
}

// WithPrefetchToDevices makes receivers also copy the received tile to the devices of their local
// destination tiles.
func WithPrefetchToDevices() BcastOption {
	return func(cfg *bcastConfig) { cfg.prefetchDevices = true }
}

// destinations returns the ranks owning tiles in views, and the number of tiles owned by this rank
// (counting a tile once per view it appears in).
func destinations[T scalar.Scalar](views []Matrix[T], rank int) (ranks sets.Set[int], localCount int) {
	ranks = sets.Make[int]()
	for _, v := range views {
		v.ForEachTile(func(i, j int) {
			r := v.TileRank(i, j)
			ranks.Insert(r)
			if r == rank {
				localCount++
			}
		})
	}
	return
}

// TileBcast broadcasts tile (i, j) from its owner to the ranks owning tiles in dest. It is ListBcast
// with a single item.
func (m Matrix[T]) TileBcast(i, j int, dest Matrix[T], layout tile.Layout, tag int, options ...BcastOption) {
	m.ListBcast([]BcastItem[T]{{I: i, J: j, Dests: []Matrix[T]{dest}, Tag: tag}}, layout, options...)
}

// ListBcast broadcasts each item's tile from its owner to the ranks owning tiles in the item's
// destinations, along a binary tree over those ranks rooted at the owner.
//
// Receivers store it as a remote workspace tile, and increment its life by the number of local
// destination tiles: each of those consumers is expected to call TileTick once.
//
// Every rank must call it with the same items, in the same order. Ranks not involved in an item
// skip it.
func (m Matrix[T]) ListBcast(items []BcastItem[T], layout tile.Layout, options ...BcastOption) {
	var cfg bcastConfig
	for _, opt := range options {
		opt(&cfg)
	}
	me := m.Rank()
	for _, item := range items {
		root := m.TileRank(item.I, item.J)
		ranks, localCount := destinations(item.Dests, me)
		if root != me && !ranks.Has(me) {
			continue
		}
		ranks.Insert(root)
		parent, children := comm.TreeRelatives(comm.RootFirst(sets.Sorted(ranks), root), me)
		c := m.globalCoord(item.I, item.J)
		var buf []byte
		if parent < 0 {
			if len(children) > 0 {
				buf = m.s.packHost(c)
			}
		} else {
			buf = m.s.recv(parent, item.Tag)
			m.s.unpackHost(c, buf, layout)
			m.TileIncrementLife(item.I, item.J, localCount)
			if cfg.prefetchDevices {
				m.prefetch(item, layout)
			}
		}
		for _, child := range children {
			m.s.send(buf, child, item.Tag)
		}
		if klog.V(3).Enabled() {
			klog.Infof("rank %d: bcast tile (%d, %d) tag=%d: parent=%d, children=%v, life+=%d",
				me, c.i, c.j, item.Tag, parent, children, localCount)
		}
	}
}

// prefetch copies the received tile to the devices of its local destination tiles.
func (m Matrix[T]) prefetch(item BcastItem[T], layout tile.Layout) {
	devs := sets.Make[int]()
	for _, v := range item.Dests {
		v.ForEachLocalTile(func(i, j int) {
			if d := v.TileDevice(i, j); d >= 0 {
				devs.Insert(d)
			}
		})
	}
	for _, d := range sets.Sorted(devs) {
		m.TileGetForReading(item.I, item.J, d, layout)
	}
}

// ReduceItem is one tile to be reduced by ListReduce.
type ReduceItem[T scalar.Scalar] struct {
	// I, J is the destination tile, in the view ListReduce is called on. Contributing ranks hold their
	// partial sum as a workspace tile at the same coordinate.
	I, J int

	// Srcs are the views (of any matrix) whose owners contribute a partial sum.
	Srcs []Matrix[T]

	// Tag of the messages, it must distinguish this reduction from any other one concurrently in flight.
	Tag int
}

// ListReduce sums, for each item, the partial tiles of all ranks owning tiles in the item's sources into
// the destination tile, on its owner. Partial sums are combined along a binary tree rooted at the owner.
//
// The owner's tile is included in the sum. Ranks without a partial tile contribute zeros. After sending
// their contribution, other ranks free their partial tile.
//
// Every rank must call it with the same items, in the same order.
func (m Matrix[T]) ListReduce(items []ReduceItem[T], layout tile.Layout) {
	me := m.Rank()
	for _, item := range items {
		root := m.TileRank(item.I, item.J)
		ranks, _ := destinations(item.Srcs, me)
		if root != me && !ranks.Has(me) {
			continue
		}
		ranks.Insert(root)
		parent, children := comm.TreeRelatives(comm.RootFirst(sets.Sorted(ranks), root), me)
		c := m.globalCoord(item.I, item.J)
		if parent >= 0 {
			m.TileEnsureWorkspace(item.I, item.J, layout)
		}
		acc := m.s.tileGet(c, tile.HostNum, tile.RowMajor, true, false)
		if len(children) > 0 {
			partial := tile.Alloc[T](acc.StoredMb(), acc.StoredNb())
			for _, child := range children {
				tile.Unpack(m.s.recv(child, item.Tag), partial)
				kernels.Add(scalar.FromFloat64[T](1), partial, scalar.FromFloat64[T](1), acc)
			}
		}
		if parent >= 0 {
			m.s.send(tile.Pack(acc), parent, item.Tag)
			m.s.eraseRemote(c)
		}
		if klog.V(3).Enabled() {
			klog.Infof("rank %d: reduce tile (%d, %d) tag=%d: parent=%d, children=%v", me, c.i, c.j, item.Tag, parent, children)
		}
	}
}

// TileEnsureWorkspace makes sure tile (i, j) has an up-to-date copy on this rank, inserting a zeroed
// host workspace tile if there is none. Used for partial results accumulated before a ListReduce.
func (m Matrix[T]) TileEnsureWorkspace(i, j int, layout tile.Layout) {
	c := m.globalCoord(i, j)
	n := m.s.nodeOrCreate(c)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.lockedValidInstance() != nil {
		return
	}
	inst := m.s.lockedInsert(c, n, tile.HostNum, layout)
	inst.tile.Zero()
	n.lockedMarkModified(tile.HostNum)
}
