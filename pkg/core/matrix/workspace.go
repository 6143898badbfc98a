// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package matrix

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/tiledla/pkg/core/scalar"
	"github.com/gomlx/tiledla/pkg/core/tile"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type batchKey struct {
	device, queue int
}

// BatchArrays hold the tile operands of one batched operation on a device queue.
// Users must Lock it while filling it and until the batch has been executed.
type BatchArrays[T scalar.Scalar] struct {
	sync.Mutex
	Device, Queue int
	A, B, C       []tile.Tile[T]
}

// Reset empties the arrays, keeping their capacity.
func (b *BatchArrays[T]) Reset() {
	clear(b.A)
	clear(b.B)
	clear(b.C)
	b.A, b.B, b.C = b.A[:0], b.B[:0], b.C[:0]
}

// AllocateBatchArrays makes sure every device has numQueues queues, and that the batch arrays of each
// (device, queue) have capacity for batchSize operations.
func (m Matrix[T]) AllocateBatchArrays(batchSize, numQueues int) {
	s := m.s
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	if s.batches == nil {
		s.batches = make(map[batchKey]*BatchArrays[T])
	}
	for d := range s.devices.NumDevices() {
		s.devices.Device(d).ReserveQueues(numQueues)
		for q := range numQueues {
			key := batchKey{d, q}
			b := s.batches[key]
			if b == nil {
				b = &BatchArrays[T]{Device: d, Queue: q}
				s.batches[key] = b
			}
			b.Lock()
			if cap(b.A) < batchSize {
				b.A = make([]tile.Tile[T], 0, batchSize)
				b.B = make([]tile.Tile[T], 0, batchSize)
				b.C = make([]tile.Tile[T], 0, batchSize)
			}
			b.Unlock()
		}
	}
}

// BatchArrays returns the batch arrays of the device queue. It panics if they were not allocated
// with AllocateBatchArrays.
func (m Matrix[T]) BatchArrays(device, queue int) *BatchArrays[T] {
	m.s.batchMu.Lock()
	defer m.s.batchMu.Unlock()
	b := m.s.batches[batchKey{device, queue}]
	if b == nil {
		exceptions.Panicf("batch arrays for device #%d queue #%d not allocated", device, queue)
	}
	return b
}

// ReserveDeviceWorkspace reserves, on each device, the memory for the copies of the local tiles
// computed on the device plus extraTiles workspace tiles. The memory is set aside in the device pool
// until ReleaseWorkspace, and it replaces any previous reservation of the matrix.
// Not having enough memory is fatal.
func (m Matrix[T]) ReserveDeviceWorkspace(extraTiles int) {
	s := m.s
	numDevices := s.devices.NumDevices()
	if numDevices == 0 {
		return
	}
	numTiles := make([]int, numDevices)
	for j := range s.nt {
		for i := range s.mt {
			if s.isLocal(coord{i, j}) {
				if d := s.tileDevice(i, j); d >= 0 {
					numTiles[d]++
				}
			}
		}
	}
	s.reserveMu.Lock()
	defer s.reserveMu.Unlock()
	s.lockedUnreserve()
	tileBytes := s.nb * s.nb * scalar.SizeOf[T]()
	for d := range numTiles {
		numTiles[d] += extraTiles
		if err := s.devices.Device(d).Pool().Reserve(tileBytes, numTiles[d]); err != nil {
			for prev := range d {
				s.devices.Device(prev).Pool().Unreserve(tileBytes, numTiles[prev])
			}
			panic(errors.WithMessagef(err, "rank %d, device #%d", s.comm.Rank(), d))
		}
		klog.V(2).Infof("rank %d: reserved %d tiles (%s) of workspace on device #%d", s.comm.Rank(), numTiles[d],
			humanize.Bytes(uint64(numTiles[d]*tileBytes)), d)
	}
	s.reservedTiles = numTiles
}

// lockedUnreserve releases the device workspace reserved by the matrix. s.reserveMu must be locked.
func (s *storage[T]) lockedUnreserve() {
	if s.reservedTiles == nil {
		return
	}
	tileBytes := s.nb * s.nb * scalar.SizeOf[T]()
	for d, count := range s.reservedTiles {
		s.devices.Device(d).Pool().Unreserve(tileBytes, count)
	}
	s.reservedTiles = nil
}

// dropIfEmpty removes a remote node without copies from the storage.
func (s *storage[T]) dropIfEmpty(c coord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nodes[c]
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.local && len(n.instances) == 0 {
		delete(s.nodes, c)
	}
}

// eraseRemote frees the unheld copies of a remote tile.
func (s *storage[T]) eraseRemote(c coord) {
	n := s.node(c)
	if n == nil || n.local {
		return
	}
	n.mu.Lock()
	n.life = 0
	s.lockedEvict(c, n)
	n.mu.Unlock()
	s.dropIfEmpty(c)
}

// eraseLocal updates the origin of a local tile and frees its unheld copies in other locations.
func (s *storage[T]) eraseLocal(c coord) {
	n := s.node(c)
	if n == nil || !n.local {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	s.lockedUpdateOrigin(c, n)
	for _, loc := range n.lockedLocations() {
		if loc != tile.HostNum && n.instances[loc].holds == 0 {
			s.lockedErase(c, n, loc)
		}
	}
}

// EraseRemoteWorkspace frees the remote tiles of the view received by this rank, regardless of
// their life. Held copies are freed when unheld.
func (m Matrix[T]) EraseRemoteWorkspace() {
	for j := range m.Nt() {
		for i := range m.Mt() {
			if !m.TileIsLocal(i, j) {
				m.s.eraseRemote(m.globalCoord(i, j))
			}
		}
	}
}

// EraseLocalWorkspace updates the origin of the local tiles of the view and frees their device copies.
func (m Matrix[T]) EraseLocalWorkspace() {
	for j := range m.Nt() {
		for i := range m.Mt() {
			if m.TileIsLocal(i, j) {
				m.s.eraseLocal(m.globalCoord(i, j))
			}
		}
	}
}

// ReleaseWorkspace frees all workspace of the matrix, in all views: remote tiles and device copies
// of local tiles, whose origins are updated first. It also releases the device workspace reservation.
func (m Matrix[T]) ReleaseWorkspace() {
	coords, nodes := m.s.sortedNodes()
	for idx, c := range coords {
		if nodes[idx].local {
			m.s.eraseLocal(c)
		} else {
			m.s.eraseRemote(c)
		}
	}
	m.s.reserveMu.Lock()
	m.s.lockedUnreserve()
	m.s.reserveMu.Unlock()
}

// TileUpdateAllOrigin makes sure the origins of all local tiles of the matrix are up-to-date.
func (m Matrix[T]) TileUpdateAllOrigin() {
	coords, nodes := m.s.sortedNodes()
	for idx, c := range coords {
		n := nodes[idx]
		if !n.local {
			continue
		}
		n.mu.Lock()
		m.s.lockedUpdateOrigin(c, n)
		n.mu.Unlock()
	}
}

// TileLayoutReset converts the origins of all local tiles back to the layout they were created with,
// which matters for matrices over user memory (see FromFlat). Origins are updated first.
func (m Matrix[T]) TileLayoutReset() {
	coords, nodes := m.s.sortedNodes()
	for idx, c := range coords {
		n := nodes[idx]
		if !n.local {
			continue
		}
		n.mu.Lock()
		m.s.lockedUpdateOrigin(c, n)
		origin := n.instances[tile.HostNum]
		if origin.tile.Layout() != n.originLayout {
			m.s.lockedConvertLayout(c, n, origin)
		}
		n.mu.Unlock()
	}
}

// NumWorkspaceTiles returns the number of remote tiles present on this rank, and the number of
// copies of local tiles in devices. Mostly for testing and logging.
func (m Matrix[T]) NumWorkspaceTiles() (remote, deviceCopies int) {
	_, nodes := m.s.sortedNodes()
	for _, n := range nodes {
		n.mu.Lock()
		if n.local {
			deviceCopies += len(n.instances) - 1
		} else if len(n.instances) > 0 {
			remote++
		}
		n.mu.Unlock()
	}
	return
}
