// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package devices

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gomlx/tiledla/pkg/support/xsync"
	"github.com/pkg/errors"
)

// Queue executes enqueued work asynchronously and in order, one item at a time, like a device stream.
type Queue struct {
	device  *Device
	num     int
	work    *xsync.Mailbox[func()]
	pending *xsync.DynamicWaitGroup

	mu       sync.Mutex
	panicked any // First panic of an enqueued work item, re-raised by Sync.

	numExecuted atomic.Int64
}

func newQueue(d *Device, num int) *Queue {
	q := &Queue{
		device:  d,
		num:     num,
		work:    xsync.NewMailbox[func()](),
		pending: xsync.NewDynamicWaitGroup(),
	}
	go q.loop()
	return q
}

func (q *Queue) loop() {
	for {
		fn, err := q.work.Pop()
		if err != nil {
			return
		}
		q.run(fn)
	}
}

func (q *Queue) run(fn func()) {
	defer q.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			q.mu.Lock()
			if q.panicked == nil {
				q.panicked = r
			}
			q.mu.Unlock()
		}
	}()
	q.mu.Lock()
	failed := q.panicked != nil
	q.mu.Unlock()
	if failed {
		// Work after a failure is dropped: its inputs are likely garbage.
		return
	}
	fn()
	q.numExecuted.Add(1)
}

// Num returns the index of the queue in its device.
func (q *Queue) Num() int { return q.num }

// Device returns the device owning the queue.
func (q *Queue) Device() *Device { return q.device }

// Enqueue schedules fn to run after all previously enqueued work. It doesn't wait.
func (q *Queue) Enqueue(fn func()) {
	q.pending.Add(1)
	if err := q.work.Push(fn); err != nil {
		q.pending.Done()
		panic(errors.WithMessagef(err, "device #%d queue #%d", q.device.num, q.num))
	}
}

// Sync waits for all enqueued work to finish. If any of it panicked, Sync panics with the same value,
// and the queue is reset so it can be used again.
func (q *Queue) Sync() {
	q.pending.Wait()
	q.mu.Lock()
	r := q.panicked
	q.panicked = nil
	q.mu.Unlock()
	if r != nil {
		panic(r)
	}
}

// NumExecuted returns how many work items were executed so far.
func (q *Queue) NumExecuted() int64 { return q.numExecuted.Load() }

func (q *Queue) close() {
	q.work.Close(errors.Errorf("device #%d queue #%d closed", q.device.num, q.num))
}

// String implements fmt.Stringer.
func (q *Queue) String() string {
	return fmt.Sprintf("Queue(device #%d, #%d)", q.device.num, q.num)
}
