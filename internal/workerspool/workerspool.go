// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool bounds the number of goroutines running per-tile kernels and scheduler tasks
// on one rank.
package workerspool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool is a soft limit on the number of goroutines doing work at the same time.
type Pool struct {
	// maxParallelism is a soft target: the number of goroutines can go above it when
	// workers go to sleep (see WorkerIsAsleep).
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Signaled whenever numRunning decreases.
	numRunning     int

	extraParallelism atomic.Int32
}

// New returns a Pool with parallelism set to runtime.NumCPU().
func New() *Pool {
	return NewWithParallelism(runtime.NumCPU())
}

// NewWithParallelism returns a Pool with the given parallelism.
// If 0 parallelism is disabled (tasks run inline), if negative it is unlimited.
func NewWithParallelism(maxParallelism int) *Pool {
	w := &Pool{maxParallelism: maxParallelism}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// IsEnabled returns whether parallelism is enabled (maxParallelism != 0).
func (w *Pool) IsEnabled() bool {
	return w.maxParallelism != 0
}

// IsUnlimited returns whether parallelism is unlimited (maxParallelism < 0).
func (w *Pool) IsUnlimited() bool {
	return w.maxParallelism < 0
}

// MaxParallelism returns the soft target for parallelism.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism should only be called before any worker starts; changing it during
// execution has undefined behavior.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism = maxParallelism
}

const goroutineToParallelismRatio = 2

// lockedIsFull must be called with w.mu held.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism == 0 {
		return true
	} else if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= goroutineToParallelismRatio*w.maxParallelism+int(w.extraParallelism.Load())
}

// WaitToStart waits for a free worker and runs task on it.
//
// If parallelism is disabled, task runs inline and WaitToStart returns when it is finished.
func (w *Pool) WaitToStart(task func()) {
	if w.IsUnlimited() {
		go task()
		return
	} else if w.maxParallelism == 0 {
		task()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.lockedRunTaskInGoroutine(task)
}

// lockedRunTaskInGoroutine must be called with w.mu held.
func (w *Pool) lockedRunTaskInGoroutine(task func()) {
	w.numRunning++
	go func() {
		task()
		w.mu.Lock()
		w.numRunning--
		w.cond.Signal()
		w.mu.Unlock()
	}()
}

// StartIfAvailable runs task in a new goroutine if a worker is free, and returns whether it did.
func (w *Pool) StartIfAvailable(task func()) bool {
	if w.IsUnlimited() {
		go task()
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lockedIsFull() {
		return false
	}
	w.lockedRunTaskInGoroutine(task)
	return true
}

// Saturate runs task concurrently on as many workers as maxParallelism allows (always at least
// once, in the calling goroutine) and returns when all copies finished.
//
// With unlimited parallelism it runs runtime.NumCPU() copies.
func (w *Pool) Saturate(task func()) {
	n := w.maxParallelism
	if n < 0 {
		n = runtime.NumCPU()
	}
	var wg sync.WaitGroup
	for range n - 1 {
		wg.Add(1)
		started := w.StartIfAvailable(func() {
			defer wg.Done()
			task()
		})
		if !started {
			wg.Done()
			break
		}
	}
	task()
	wg.Wait()
}

// ForEach calls fn(i) for i in [0, n), in parallel, and returns when all calls are done.
// The order of the calls is not specified.
func (w *Pool) ForEach(n int, fn func(i int)) {
	if n <= 0 {
		return
	}
	if n == 1 || !w.IsEnabled() {
		for i := range n {
			fn(i)
		}
		return
	}
	var next atomic.Int64
	w.Saturate(func() {
		for {
			i := int(next.Add(1)) - 1
			if i >= n {
				return
			}
			fn(i)
		}
	})
}

// WorkerIsAsleep indicates the calling worker is going to block (on a receive, or waiting for
// other workers) and temporarily increases the number of available workers.
//
// Call WorkerRestarted when the worker is ready to run again.
func (w *Pool) WorkerIsAsleep() {
	w.extraParallelism.Add(1)
}

// WorkerRestarted undoes a previous WorkerIsAsleep.
func (w *Pool) WorkerRestarted() {
	w.extraParallelism.Add(-1)
}
