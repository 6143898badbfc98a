// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dispatch executes a set of independent tile operations on one of the execution targets.
//
// A Batch collects operations (a kernel plus its operand tiles) and Execute runs them:
//
//   - TargetHostTask: one worker per operation.
//   - TargetHostNest: a parallel loop over the operations.
//   - TargetHostBatch: operations are grouped by shape and each group runs as one batch on the host.
//   - TargetDevices: operations are grouped by device and shape, their tiles are copied to the device and
//     held, and each group is enqueued as one batch on a device queue. Execute syncs the queues before
//     the holds are removed.
//
// After an operation finished, its operands are released following the options.TileRelease strategy.
package dispatch

import (
	"cmp"
	"slices"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tiledla/internal/workerspool"
	"github.com/gomlx/tiledla/pkg/core/matrix"
	"github.com/gomlx/tiledla/pkg/core/options"
	"github.com/gomlx/tiledla/pkg/core/scalar"
	"github.com/gomlx/tiledla/pkg/core/tile"
	"k8s.io/klog/v2"
)

// Kernel computes one operation on the logical tiles of its operands: the inputs a and b, and the output c.
// Missing inputs are zero values: an operation with one input gets (a, zero, c).
type Kernel[T scalar.Scalar] func(a, b, c tile.Tile[T])

// Operand is tile (I, J) of the view M.
type Operand[T scalar.Scalar] struct {
	M    matrix.Matrix[T]
	I, J int

	// Ticks is the number of times the tile is ticked after use (with TileReleaseAll): the number of
	// consumers this operation accounts for in the life of a received remote tile.
	Ticks int
}

// Tile returns the operand of view m.
func Tile[T scalar.Scalar](m matrix.Matrix[T], i, j int) Operand[T] {
	return Operand[T]{M: m, I: i, J: j}
}

// Ticked returns the operand of view m, to be ticked ticks times after use.
func Ticked[T scalar.Scalar](m matrix.Matrix[T], i, j, ticks int) Operand[T] {
	return Operand[T]{M: m, I: i, J: j, Ticks: ticks}
}

type op[T scalar.Scalar] struct {
	kernel Kernel[T]
	inputs []Operand[T] // 0, 1 or 2 of them: the a and b arguments.
	output Operand[T]   // The c argument, read and written.
}

type groupKey struct {
	location   int
	mb, nb, kb int
	numInputs  int
}

func compareKeys(a, b groupKey) int {
	return cmp.Or(cmp.Compare(a.location, b.location), cmp.Compare(a.mb, b.mb), cmp.Compare(a.nb, b.nb),
		cmp.Compare(a.kb, b.kb), cmp.Compare(a.numInputs, b.numInputs))
}

// Batch of independent tile operations.
//
// The operations of a batch must not write the same tile, and must not write a tile read by another
// one: they may run in any order and concurrently.
type Batch[T scalar.Scalar] struct {
	name  string
	opts  options.Options
	pool  *workerspool.Pool
	queue int
	ops   []op[T]
}

// New creates an empty batch. Operations run on the workers of pool (host targets) or on the given
// queue of each device (TargetDevices).
func New[T scalar.Scalar](name string, opts options.Options, pool *workerspool.Pool, queue int) *Batch[T] {
	return &Batch[T]{name: name, opts: opts, pool: pool, queue: queue}
}

// Add an operation: kernel is called with the tiles of inputs (at most 2) and of output, which
// is written. Inputs are only read.
func (b *Batch[T]) Add(kernel Kernel[T], output Operand[T], inputs ...Operand[T]) {
	if len(inputs) > 2 {
		exceptions.Panicf("dispatch %q: operations take at most 2 inputs, got %d", b.name, len(inputs))
	}
	b.ops = append(b.ops, op[T]{kernel: kernel, inputs: inputs, output: output})
}

// Len returns the number of operations in the batch.
func (b *Batch[T]) Len() int { return len(b.ops) }

// location where the operation runs.
func (b *Batch[T]) location(o *op[T]) int {
	if b.opts.Target != options.TargetDevices {
		return tile.HostNum
	}
	return o.output.M.TileDevice(o.output.I, o.output.J)
}

// Execute runs all operations and returns when they finished. The batch is emptied.
//
// A panic of any kernel is re-raised in the caller.
func (b *Batch[T]) Execute() {
	ops := b.ops
	b.ops = nil
	if len(ops) == 0 {
		return
	}
	if klog.V(3).Enabled() {
		klog.Infof("dispatch %q: %d operations on target %s", b.name, len(ops), b.opts.Target)
	}
	switch b.opts.Target {
	case options.TargetHostTask:
		parallel(b.pool, len(ops), true, func(idx int) { b.runOne(&ops[idx]) })
	case options.TargetHostNest:
		parallel(b.pool, len(ops), false, func(idx int) { b.runOne(&ops[idx]) })
	default:
		b.runGroups(ops)
	}
}

// runOne executes a single operation on the host.
func (b *Batch[T]) runOne(o *op[T]) {
	tiles := b.acquire(o, tile.HostNum)
	defer b.finish(o, tile.HostNum)
	o.kernel(tiles[0], tiles[1], tiles[2])
}

// acquire gets and holds the tiles of the operation in loc, returned as (a, b, c).
func (b *Batch[T]) acquire(o *op[T], loc int) (tiles [3]tile.Tile[T]) {
	for idx, in := range o.inputs {
		tiles[idx] = in.M.TileGetAndHold(in.I, in.J, loc, tile.RowMajor, false)
	}
	out := o.output
	tiles[2] = out.M.TileGetAndHold(out.I, out.J, loc, tile.RowMajor, true)
	return
}

// finish removes the holds of the operation and applies the release strategy to its operands.
func (b *Batch[T]) finish(o *op[T], loc int) {
	release := b.opts.TileRelease == options.TileReleaseAll
	for _, opd := range append(slices.Clone(o.inputs), o.output) {
		opd.M.TileUnsetHold(opd.I, opd.J, loc)
		if !release {
			continue
		}
		if loc != tile.HostNum {
			opd.M.TileRelease(opd.I, opd.J, loc)
		}
		for range opd.Ticks {
			opd.M.TileTick(opd.I, opd.J)
		}
	}
}

// runGroups executes the operations in batches of the same location and shape, one after the other
// on the host, or concurrently on the devices.
func (b *Batch[T]) runGroups(ops []op[T]) {
	groups := make(map[groupKey][]*op[T])
	for idx := range ops {
		o := &ops[idx]
		out := o.output
		key := groupKey{
			location:  b.location(o),
			mb:        out.M.TileMb(out.I),
			nb:        out.M.TileNb(out.J),
			numInputs: len(o.inputs),
		}
		if len(o.inputs) > 0 {
			in := o.inputs[0]
			key.kb = in.M.TileNb(in.J)
		}
		groups[key] = append(groups[key], o)
	}
	keys := make([]groupKey, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, compareKeys)

	// Groups of the same device share its batch arrays, so they run one after the other; different devices
	// run concurrently.
	byLocation := make(map[int][]groupKey)
	var locations []int
	for _, key := range keys {
		if _, found := byLocation[key.location]; !found {
			locations = append(locations, key.location)
		}
		byLocation[key.location] = append(byLocation[key.location], key)
	}
	parallel(b.pool, len(locations), true, func(idx int) {
		loc := locations[idx]
		for _, key := range byLocation[loc] {
			if loc == tile.HostNum {
				b.runHostGroup(groups[key])
			} else {
				b.runDeviceGroup(loc, groups[key])
			}
		}
	})
}

// runHostGroup executes a group of same-shape operations as one batch on the host.
func (b *Batch[T]) runHostGroup(group []*op[T]) {
	tiles := make([][3]tile.Tile[T], len(group))
	for idx, o := range group {
		tiles[idx] = b.acquire(o, tile.HostNum)
	}
	defer func() {
		for _, o := range group {
			b.finish(o, tile.HostNum)
		}
	}()
	for idx, o := range group {
		o.kernel(tiles[idx][0], tiles[idx][1], tiles[idx][2])
	}
}

// runDeviceGroup copies and holds the tiles of a group on the device, fills the device queue's batch arrays
// and enqueues the batch. It returns after the queue is synced and the holds removed.
func (b *Batch[T]) runDeviceGroup(device int, group []*op[T]) {
	out := group[0].output.M
	arrays := out.BatchArrays(device, b.queue)
	arrays.Lock()
	defer arrays.Unlock()
	arrays.Reset()
	for _, o := range group {
		t := b.acquire(o, device)
		arrays.A = append(arrays.A, t[0])
		arrays.B = append(arrays.B, t[1])
		arrays.C = append(arrays.C, t[2])
	}
	defer func() {
		for _, o := range group {
			b.finish(o, device)
		}
		arrays.Reset()
	}()

	q := out.Devices().Device(device).Queue(b.queue)
	q.Enqueue(func() {
		for idx, o := range group {
			o.kernel(arrays.A[idx], arrays.B[idx], arrays.C[idx])
		}
	})
	q.Sync()
}

// parallel calls fn(idx) for idx in [0, n) on the workers of pool: one worker per call if perTask is
// set, otherwise with pool.ForEach. The first panic is re-raised in the caller, after all calls returned.
func parallel(pool *workerspool.Pool, n int, perTask bool, fn func(idx int)) {
	var mu sync.Mutex
	var panicked any
	guarded := func(idx int) {
		defer func() {
			if r := recover(); r != nil {
				mu.Lock()
				if panicked == nil {
					panicked = r
				}
				mu.Unlock()
			}
		}()
		fn(idx)
	}
	switch {
	case n == 1:
		guarded(0)
	case perTask:
		var wg sync.WaitGroup
		wg.Add(n)
		for idx := range n {
			pool.WaitToStart(func() {
				defer wg.Done()
				guarded(idx)
			})
		}
		wg.Wait()
	default:
		pool.ForEach(n, guarded)
	}
	if panicked != nil {
		panic(panicked)
	}
}
