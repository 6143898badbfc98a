// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package devices

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/tiledla/pkg/core/scalar"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MemoryPool accounts for the memory of one device, with a fixed capacity.
//
// Freed blocks are kept in a free list, per size, and reused by later allocations of the same size,
// which is the common case since tiles of a matrix mostly have the same shape.
type MemoryPool struct {
	mu        sync.Mutex
	capacity  uint64
	used      uint64 // Bytes in blocks handed out.
	cached    uint64 // Bytes in the free list.
	reserved  uint64 // Bytes set aside by Reserve.
	peak      uint64
	allocated map[uintptr]int // Start of block -> size, for blocks handed out.
	freeList  map[int][][]byte

	// reservedBlocks is the number of free blocks of each size kept when the free list is trimmed.
	reservedBlocks map[int]int
}

// NewMemoryPool creates a pool with the given capacity in bytes.
func NewMemoryPool(capacity uint64) *MemoryPool {
	return &MemoryPool{
		capacity:  capacity,
		allocated:      make(map[uintptr]int),
		freeList:       make(map[int][][]byte),
		reservedBlocks: make(map[int]int),
	}
}

// Capacity in bytes.
func (p *MemoryPool) Capacity() uint64 { return p.capacity }

// Used returns the number of bytes currently allocated.
func (p *MemoryPool) Used() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

// Peak returns the largest number of bytes allocated at any time.
func (p *MemoryPool) Peak() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peak
}

// Reserved returns the number of bytes currently set aside by Reserve.
func (p *MemoryPool) Reserved() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reserved
}

// Reserve sets aside count blocks of blockSize bytes: they are allocated right away into the free
// list, where allocations of exactly blockSize bytes take them from, and they are not trimmed to make
// room for other allocations until released with Unreserve. Reservations add up.
//
// It fails, without reserving anything, if the pool doesn't have the memory.
func (p *MemoryPool) Reserve(blockSize, count int) error {
	if blockSize <= 0 || count <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reservedBlocks[blockSize] += count
	missing := p.reservedBlocks[blockSize] - len(p.freeList[blockSize])
	if missing > 0 {
		numBytes := uint64(missing) * uint64(blockSize)
		if p.used+p.cached+numBytes > p.capacity {
			p.lockedTrimFreeList()
		}
		if p.used+p.cached+numBytes > p.capacity {
			p.lockedUnreserve(blockSize, count)
			return errors.Errorf("cannot reserve %d blocks of %s of device workspace: %s used and %s cached of %s",
				count, humanize.Bytes(uint64(blockSize)), humanize.Bytes(p.used), humanize.Bytes(p.cached),
				humanize.Bytes(p.capacity))
		}
		for range missing {
			p.freeList[blockSize] = append(p.freeList[blockSize], make([]byte, blockSize))
		}
		p.cached += numBytes
	}
	p.reserved += uint64(count) * uint64(blockSize)
	return nil
}

// Unreserve releases a reservation made with Reserve. The blocks stay in the free list, but they can
// now be trimmed.
func (p *MemoryPool) Unreserve(blockSize, count int) {
	if blockSize <= 0 || count <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reservedBlocks[blockSize] < count {
		exceptions.Panicf("MemoryPool.Unreserve: %d blocks of %d bytes not reserved", count, blockSize)
	}
	p.lockedUnreserve(blockSize, count)
	p.reserved -= uint64(count) * uint64(blockSize)
}

func (p *MemoryPool) lockedUnreserve(blockSize, count int) {
	p.reservedBlocks[blockSize] -= count
	if p.reservedBlocks[blockSize] == 0 {
		delete(p.reservedBlocks, blockSize)
	}
}

// Allocate returns a zeroed block of numBytes. It returns an error if the capacity would be exceeded.
func (p *MemoryPool) Allocate(numBytes int) ([]byte, error) {
	if numBytes <= 0 {
		return nil, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var block []byte
	if blocks := p.freeList[numBytes]; len(blocks) > 0 {
		block = blocks[len(blocks)-1]
		p.freeList[numBytes] = blocks[:len(blocks)-1]
		p.cached -= uint64(numBytes)
		clear(block)
	} else {
		if p.used+p.cached+uint64(numBytes) > p.capacity {
			p.lockedTrimFreeList()
		}
		if p.used+p.cached+uint64(numBytes) > p.capacity {
			return nil, errors.Errorf("device memory exhausted: requested %s, %s used and %s reserved of %s",
				humanize.Bytes(uint64(numBytes)), humanize.Bytes(p.used), humanize.Bytes(p.cached),
				humanize.Bytes(p.capacity))
		}
		block = make([]byte, numBytes)
	}
	p.used += uint64(numBytes)
	p.peak = max(p.peak, p.used)
	p.allocated[uintptr(unsafe.Pointer(&block[0]))] = numBytes
	return block, nil
}

// lockedTrimFreeList drops the cached blocks, except the reserved ones.
func (p *MemoryPool) lockedTrimFreeList() {
	for size, blocks := range p.freeList {
		keep := min(len(blocks), p.reservedBlocks[size])
		p.cached -= uint64(len(blocks)-keep) * uint64(size)
		if keep == 0 {
			delete(p.freeList, size)
			continue
		}
		clear(blocks[keep:])
		p.freeList[size] = blocks[:keep]
	}
}

// Free returns a block to the pool. Freeing a block not allocated by the pool panics.
func (p *MemoryPool) Free(block []byte) {
	if len(block) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	key := uintptr(unsafe.Pointer(&block[0]))
	size, found := p.allocated[key]
	if !found {
		exceptions.Panicf("MemoryPool.Free: block of %d bytes not allocated by this pool (or freed twice)", len(block))
	}
	delete(p.allocated, key)
	p.used -= uint64(size)
	p.freeList[size] = append(p.freeList[size], block[:size:size])
	p.cached += uint64(size)
}

// String implements fmt.Stringer.
func (p *MemoryPool) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("%s used (peak %s, reserved %s) of %s",
		humanize.Bytes(p.used), humanize.Bytes(p.peak), humanize.Bytes(p.reserved), humanize.Bytes(p.capacity))
}

// Alloc allocates n elements of type T on the device. Exhaustion of the device memory is fatal: it panics.
func Alloc[T scalar.Scalar](d *Device, n int) []T {
	if n == 0 {
		return nil
	}
	block, err := d.pool.Allocate(n * scalar.SizeOf[T]())
	if err != nil {
		panic(errors.WithMessagef(err, "device #%d", d.num))
	}
	if klog.V(3).Enabled() {
		klog.Infof("device #%d: allocated %s", d.num, humanize.Bytes(uint64(len(block))))
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&block[0])), n)
}

// Free returns to the device memory a buffer allocated with Alloc.
func Free[T scalar.Scalar](d *Device, buf []T) {
	if len(buf) == 0 {
		return
	}
	buf = buf[:cap(buf)]
	d.pool.Free(unsafe.Slice((*byte)(unsafe.Pointer(&buf[0])), len(buf)*scalar.SizeOf[T]()))
}
