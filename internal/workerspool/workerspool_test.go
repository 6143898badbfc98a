// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/tiledla/pkg/support/xsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_Saturate(t *testing.T) {
	pool := NewWithParallelism(5)
	wantTasks := 5

	var count atomic.Int32
	doneNewTasks := xsync.NewLatch()
	doneTest := xsync.NewLatch()
	go func() {
		pool.Saturate(func() {
			got := count.Add(1)
			runtime.Gosched()
			if int(got) == wantTasks {
				doneNewTasks.Trigger()
				return
			}
			doneNewTasks.Wait()
		})
		doneTest.Trigger()
	}()
	select {
	case <-doneTest.WaitChan():
	case <-time.After(time.Second):
		t.Fatal("timeout before all copies of the task were executed")
	}
	require.Equal(t, int32(wantTasks), count.Load())

	// No parallelism: runs inline exactly once.
	pool.SetMaxParallelism(0)
	count.Store(0)
	pool.Saturate(func() { count.Add(1) })
	assert.Equal(t, int32(1), count.Load())
}

func TestPool_ForEach(t *testing.T) {
	for _, parallelism := range []int{0, 1, 3, -1} {
		pool := NewWithParallelism(parallelism)
		const n = 1000
		var visited [n]atomic.Int32
		pool.ForEach(n, func(i int) { visited[i].Add(1) })
		for i := range n {
			require.Equalf(t, int32(1), visited[i].Load(), "parallelism=%d, index %d", parallelism, i)
		}
	}
}

func TestPool_StartIfAvailable(t *testing.T) {
	pool := NewWithParallelism(1)
	block := xsync.NewLatch()
	started := 0
	for pool.StartIfAvailable(func() { block.Wait() }) {
		started++
	}
	assert.Equal(t, goroutineToParallelismRatio, started)

	// A sleeping worker frees one slot.
	pool.WorkerIsAsleep()
	assert.True(t, pool.StartIfAvailable(func() { block.Wait() }))
	pool.WorkerRestarted()
	block.Trigger()
}
