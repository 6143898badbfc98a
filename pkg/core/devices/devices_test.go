// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package devices

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	ds, err := New("sim:3:memory=1MiB")
	require.NoError(t, err)
	defer ds.Finalize()
	assert.Equal(t, "sim", ds.Name())
	assert.Equal(t, 3, ds.NumDevices())
	assert.Equal(t, uint64(1<<20), ds.Device(2).Pool().Capacity())

	ds2, err := New("sim")
	require.NoError(t, err)
	assert.Equal(t, 1, ds2.NumDevices())

	_, err = New("tpu:1")
	require.Error(t, err)
	_, err = New("sim:0")
	require.Error(t, err)
	_, err = New("sim:memory=lots")
	require.Error(t, err)
	_, err = New("sim:color=blue")
	require.Error(t, err)
	assert.Contains(t, List(), "sim")
	assert.Equal(t, 0, (*Devices)(nil).NumDevices())
}

func TestMemoryPool(t *testing.T) {
	d := NewDevice(0, 1024)
	a := Alloc[float64](d, 64) // 512 bytes.
	require.Len(t, a, 64)
	a[3] = 7
	assert.Equal(t, uint64(512), d.Pool().Used())
	require.Error(t, d.Pool().Reserve(100, 6))
	assert.Equal(t, uint64(0), d.Pool().Reserved())
	require.NoError(t, d.Pool().Reserve(256, 2))

	// Exhaustion is fatal.
	require.Panics(t, func() { Alloc[complex128](d, 64) })
	d.Pool().Unreserve(256, 2)

	// Freed blocks are reused, and zeroed.
	Free(d, a)
	assert.Equal(t, uint64(0), d.Pool().Used())
	b := Alloc[float64](d, 64)
	assert.Equal(t, 0.0, b[3])
	assert.Equal(t, uint64(512), d.Pool().Peak())

	// The free list is trimmed when needed.
	c := Alloc[float32](d, 128)
	Free(d, c)
	Free(d, b)
	e := Alloc[float32](d, 256)
	require.Len(t, e, 256)

	// Double free panics.
	Free(d, e)
	require.Panics(t, func() { Free(d, e) })
}

func TestMemoryPoolReserve(t *testing.T) {
	d := NewDevice(0, 1024)
	pool := d.Pool()
	require.NoError(t, pool.Reserve(128, 4))
	assert.Equal(t, uint64(512), pool.Reserved())
	assert.Equal(t, uint64(0), pool.Used())

	// Other allocations can't take the reserved memory, even after trimming the free list.
	other := Alloc[float64](d, 64)
	require.Panics(t, func() { Alloc[float64](d, 1) })

	// Reserved blocks are handed out to allocations of their size.
	tiles := make([][]float64, 4)
	for i := range tiles {
		tiles[i] = Alloc[float64](d, 16)
		tiles[i][0] = float64(i + 1)
	}
	assert.Equal(t, uint64(1024), pool.Used())
	require.Panics(t, func() { Alloc[float64](d, 16) })

	// Once freed they are still protected, and reused zeroed.
	for _, tile := range tiles {
		Free(d, tile)
	}
	require.Panics(t, func() { Alloc[float64](d, 32) })
	reused := Alloc[float64](d, 16)
	assert.Equal(t, 0.0, reused[0])
	Free(d, reused)

	// Released reservations can be trimmed.
	pool.Unreserve(128, 4)
	assert.Equal(t, uint64(0), pool.Reserved())
	require.Panics(t, func() { pool.Unreserve(128, 1) })
	Free(d, other)
	all := Alloc[float64](d, 128)
	require.Len(t, all, 128)
	assert.Equal(t, uint64(1024), pool.Used())
	Free(d, all)

	// Reservations add up, and a failed one reserves nothing.
	require.NoError(t, pool.Reserve(256, 1))
	require.NoError(t, pool.Reserve(256, 2))
	assert.Equal(t, uint64(768), pool.Reserved())
	require.Error(t, pool.Reserve(256, 2))
	assert.Equal(t, uint64(768), pool.Reserved())
}

func TestQueue(t *testing.T) {
	d := NewDevice(0, 1<<20)
	defer d.finalize()
	require.Panics(t, func() { d.Queue(0) })
	d.ReserveQueues(2)
	d.ReserveQueues(1)
	require.Equal(t, 2, d.NumQueues())

	q := d.Queue(1)
	var order []int
	for i := range 100 {
		q.Enqueue(func() { order = append(order, i) })
	}
	q.Sync()
	require.Len(t, order, 100)
	for i, v := range order {
		require.Equal(t, i, v)
	}
	assert.Equal(t, int64(100), q.NumExecuted())

	// A panic is re-raised by Sync, and later work is dropped.
	var afterPanic atomic.Bool
	q.Enqueue(func() { panic("kernel failed") })
	q.Enqueue(func() { afterPanic.Store(true) })
	require.PanicsWithValue(t, "kernel failed", func() { q.Sync() })
	assert.False(t, afterPanic.Load())

	// The queue is usable again.
	var ok atomic.Bool
	q.Enqueue(func() { ok.Store(true) })
	d.Sync()
	assert.True(t, ok.Load())
}
