// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package scheduler executes a graph of tasks ordered by dependency tokens, on a pool of workers.
//
// Tokens carry no data: a task declares that it reads (In) or writes (InOut) a token, and the
// graph orders tasks with the usual rules of OpenMP "depend" clauses:
//
//   - A reader runs after the last writer of the token submitted before it.
//   - A writer runs after the last writer and after all readers submitted since that writer.
//
// Tasks become ready when all their predecessors finished, and ready tasks are started by
// priority (higher first), in submission order within the same priority.
//
// Pipeline builds on Graph the panel/lookahead/trailing pattern used by the factorizations.
package scheduler

import (
	"container/heap"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/gomlx/tiledla/internal/workerspool"
	"github.com/gomlx/tiledla/pkg/core/trace"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Token is the index of a dependency token in its Graph.
type Token int

// Dep is a dependency of a task on a token.
type Dep struct {
	Token Token
	Write bool
}

// In is a read dependency on token.
func In(token Token) Dep { return Dep{Token: token} }

// InOut is a read-write dependency on token.
func InOut(token Token) Dep { return Dep{Token: token, Write: true} }

type task struct {
	name     string
	priority int
	seq      int64
	fn       func() error

	numPending int // Predecessors not finished yet.
	successors []*task
	done       bool
}

// tokenState tracks the tasks accessing a token.
type tokenState struct {
	generation uint64 // Incremented on every writer.
	lastWriter *task
	readers    []*task // Readers since lastWriter.
}

// readyHeap orders ready tasks by priority, then by submission order.
type readyHeap []*task

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *readyHeap) Push(x any)   { *h = append(*h, x.(*task)) }
func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Option configures a Graph.
type Option func(g *Graph)

// WithTrace records the execution of every task in recorder, under the given rank.
func WithTrace(recorder *trace.Recorder, rank int) Option {
	return func(g *Graph) {
		g.recorder = recorder
		g.rank = rank
	}
}

// WithOnFailure sets a function called once, from the failing task's goroutine, with the first
// error returned (or panic raised) by a task.
//
// Distributed drivers use it to abort the communicator, so tasks of other ranks blocked waiting for
// this rank fail too.
func WithOnFailure(onFailure func(err error)) Option {
	return func(g *Graph) { g.onFailure = onFailure }
}

// Graph of tasks. Tasks can be submitted while others are executing, from any goroutine.
type Graph struct {
	pool           *workerspool.Pool
	maxParallelism int
	recorder       *trace.Recorder
	rank           int
	onFailure      func(err error)

	mu       sync.Mutex
	cond     sync.Cond // Signaled when pending reaches 0.
	tokens   []tokenState
	ready    readyHeap
	seq      int64
	running  int
	pending  int // Submitted and not finished.
	executed int64

	firstErr   error
	firstPanic any
	failed     bool
}

// New creates a Graph that runs at most maxParallelism tasks at a time.
// If maxParallelism <= 0, runtime.NumCPU() is used.
func New(maxParallelism int, options ...Option) *Graph {
	if maxParallelism <= 0 {
		maxParallelism = runtime.NumCPU()
	}
	g := &Graph{
		pool:           workerspool.NewWithParallelism(maxParallelism),
		maxParallelism: maxParallelism,
	}
	g.cond = sync.Cond{L: &g.mu}
	for _, opt := range options {
		opt(g)
	}
	return g
}

// MaxParallelism returns the maximum number of tasks running at the same time.
func (g *Graph) MaxParallelism() int { return g.maxParallelism }

// Tokens allocates n new tokens.
func (g *Graph) Tokens(n int) []Token {
	g.mu.Lock()
	defer g.mu.Unlock()
	tokens := make([]Token, n)
	for i := range n {
		tokens[i] = Token(len(g.tokens))
		g.tokens = append(g.tokens, tokenState{})
	}
	return tokens
}

// Generation returns the number of writers submitted so far for token.
func (g *Graph) Generation(token Token) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tokens[token].generation
}

// Submit adds a task: fn is executed once all its dependencies are satisfied.
//
// If fn returns an error or panics, the remaining tasks are not executed (they are marked as
// finished), and the error (or panic) is reported by Wait.
func (g *Graph) Submit(name string, priority int, deps []Dep, fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, dep := range deps {
		if int(dep.Token) < 0 || int(dep.Token) >= len(g.tokens) {
			panic(errors.Errorf("task %q: invalid token %d, the graph has %d tokens", name, dep.Token, len(g.tokens)))
		}
	}
	t := &task{name: name, priority: priority, seq: g.seq, fn: fn}
	g.seq++
	g.pending++

	predecessors := make(map[*task]struct{})
	addPredecessor := func(p *task) {
		if p != nil && !p.done {
			predecessors[p] = struct{}{}
		}
	}
	for _, dep := range deps {
		ts := &g.tokens[dep.Token]
		addPredecessor(ts.lastWriter)
		if dep.Write {
			for _, r := range ts.readers {
				addPredecessor(r)
			}
		}
	}
	// Token states are updated after all predecessors are collected, so a task can't depend on itself.
	for _, dep := range deps {
		ts := &g.tokens[dep.Token]
		if dep.Write {
			ts.lastWriter = t
			ts.readers = ts.readers[:0]
			ts.generation++
		} else {
			ts.readers = append(ts.readers, t)
		}
	}
	for p := range predecessors {
		p.successors = append(p.successors, t)
	}
	t.numPending = len(predecessors)
	if t.numPending == 0 {
		heap.Push(&g.ready, t)
		g.lockedDispatch()
	}
}

// lockedDispatch starts ready tasks while there are free workers.
func (g *Graph) lockedDispatch() {
	for g.running < g.maxParallelism && len(g.ready) > 0 {
		t := heap.Pop(&g.ready).(*task)
		g.running++
		run := func() { g.execute(t) }
		if !g.pool.StartIfAvailable(run) {
			go g.pool.WaitToStart(run)
		}
	}
}

func (g *Graph) execute(t *task) {
	g.mu.Lock()
	skip := g.failed
	g.mu.Unlock()

	var err error
	var panicked any
	if !skip {
		start := time.Now()
		panicked, err = runTask(t)
		if g.recorder != nil {
			g.recorder.Record(g.rank, t.name, start, time.Now())
		}
	}

	g.mu.Lock()
	if !skip {
		g.executed++
	}
	firstFailure := false
	if (err != nil || panicked != nil) && !g.failed {
		g.failed, firstFailure = true, true
		g.firstErr, g.firstPanic = err, panicked
	}
	g.mu.Unlock()

	// The failure is reported before the task is marked as finished, so Wait returns after it.
	if firstFailure {
		failure := err
		if panicked != nil {
			failure = errors.Errorf("task %q panicked: %v", t.name, panicked)
			klog.Errorf("rank %d: %+v", g.rank, failure)
		} else {
			klog.Errorf("rank %d: task %q failed: %+v", g.rank, t.name, err)
		}
		if g.onFailure != nil {
			g.onFailure(failure)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	t.done = true
	for _, s := range t.successors {
		s.numPending--
		if s.numPending == 0 {
			heap.Push(&g.ready, s)
		}
	}
	t.successors = nil
	g.running--
	g.pending--
	g.lockedDispatch()
	if g.pending == 0 {
		g.cond.Broadcast()
	}
}

func runTask(t *task) (panicked any, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = r
		}
	}()
	if klog.V(3).Enabled() {
		klog.Infof("task %q started", t.name)
	}
	err = t.fn()
	if err != nil {
		err = errors.WithMessagef(err, "task %q", t.name)
	}
	return
}

// Wait blocks until all submitted tasks finished: it is the global barrier.
//
// If a task panicked, Wait re-panics with the same value in the caller. Otherwise, it returns the first
// error returned by a task. Either way the failure is cleared, and the graph can be reused.
func (g *Graph) Wait() error {
	g.mu.Lock()
	for g.pending > 0 {
		g.cond.Wait()
	}
	err, panicked := g.firstErr, g.firstPanic
	g.firstErr, g.firstPanic, g.failed = nil, nil, false
	g.mu.Unlock()
	if panicked != nil {
		panic(panicked)
	}
	return err
}

// NumExecuted returns the number of tasks executed so far (skipped tasks are not counted).
func (g *Graph) NumExecuted() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.executed
}

// String implements fmt.Stringer.
func (g *Graph) String() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fmt.Sprintf("scheduler.Graph(parallelism=%d, tokens=%d, pending=%d, running=%d, executed=%d)",
		g.maxParallelism, len(g.tokens), g.pending, g.running, g.executed)
}
