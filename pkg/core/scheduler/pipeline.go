// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package scheduler

import (
	"fmt"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Priorities of the tasks submitted by Pipeline: the critical path (panels and lookahead updates)
// goes first.
const (
	PriorityHigh   = 1
	PriorityNormal = 0
)

// Pipeline is the step structure shared by the tiled factorizations and solves: for each step k over
// the N tile columns (or rows), a panel task, lookahead update tasks for the next Lookahead columns,
// and one trailing update task for all the remaining columns.
//
// Dependencies use one token per column, col[k]:
//
//   - Panel(k): InOut(col[k]).
//   - LookaheadUpdate(k, j), for the Lookahead columns j following k: In(col[k]), InOut(col[j]).
//   - TrailingUpdate(k, ...), over the remaining columns: In(col[k]), and InOut on the first and on
//     the last of them, which creates a single synchronization point per step.
//   - Release(k): InOut(col[k]), so it runs after all the updates that read the panel.
//
// With Lookahead = 0 the steps run strictly one after the other.
type Pipeline struct {
	// N is the number of columns (or rows).
	N int

	// Lookahead is the number of columns updated ahead of the trailing update. It must be >= 0.
	Lookahead int

	// Reverse runs the steps from column N-1 down to 0: the columns following k are then k-1, k-2, ...
	Reverse bool

	// Name is the prefix of the task names, e.g. "potrf".
	Name string

	Panel           func(k int) error
	LookaheadUpdate func(k, j int) error

	// TrailingUpdate receives the inclusive range of remaining columns, lo <= hi.
	TrailingUpdate func(k, lo, hi int) error

	// Release, if set, frees the workspace used by step k.
	Release func(k int) error
}

// column returns the column processed at the given step.
func (p *Pipeline) column(step int) int {
	if p.Reverse {
		return p.N - 1 - step
	}
	return step
}

// Run submits the tasks of all steps to g, and waits for all of them: it is a global barrier.
// It returns the first error returned by a task, and re-panics if a task panicked.
func (p *Pipeline) Run(g *Graph) error {
	if p.Lookahead < 0 {
		return errors.Errorf("%s: lookahead must be >= 0, got %d", p.Name, p.Lookahead)
	}
	if p.Panel == nil {
		return errors.Errorf("%s: Pipeline.Panel is required", p.Name)
	}
	n, la := p.N, p.Lookahead
	cols := g.Tokens(n)
	for step := range n {
		k := p.column(step)
		g.Submit(fmt.Sprintf("%s.panel(%d)", p.Name, k), PriorityHigh,
			[]Dep{InOut(cols[k])},
			func() error { return p.Panel(k) })

		if p.LookaheadUpdate != nil {
			for next := step + 1; next <= step+la && next < n; next++ {
				j := p.column(next)
				g.Submit(fmt.Sprintf("%s.lookahead(%d,%d)", p.Name, k, j), PriorityHigh,
					[]Dep{In(cols[k]), InOut(cols[j])},
					func() error { return p.LookaheadUpdate(k, j) })
			}
		}

		if first := step + la + 1; p.TrailingUpdate != nil && first < n {
			j1, j2 := p.column(first), p.column(n-1)
			lo, hi := min(j1, j2), max(j1, j2)
			g.Submit(fmt.Sprintf("%s.trailing(%d)", p.Name, k), PriorityNormal,
				[]Dep{In(cols[k]), InOut(cols[j1]), InOut(cols[j2])},
				func() error { return p.TrailingUpdate(k, lo, hi) })
		}

		if p.Release != nil {
			g.Submit(fmt.Sprintf("%s.release(%d)", p.Name, k), PriorityNormal,
				[]Dep{InOut(cols[k])},
				func() error { return p.Release(k) })
		}
	}
	klog.V(2).Infof("%s: submitted %d steps with lookahead %d", p.Name, n, la)
	return g.Wait()
}
