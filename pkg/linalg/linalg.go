// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package linalg implements the distributed tiled drivers: Cholesky (Potrf, Potrs, Posv), triangular
// solve (Trsm), LU with partial pivoting (Getrf, Getrs, Gesv) and norms (Norm).
//
// Drivers are SPMD: every rank of the communicator of the matrices calls them with the same arguments,
// and each rank works on the tiles it owns. Each call builds a task graph per rank (see package
// scheduler), and returns only after all its tasks finished.
//
// Errors:
//
//   - Invalid arguments or options are returned as errors, before any task is scheduled.
//   - Numeric failures (a matrix that is not positive definite, a singular matrix) are returned as an Info,
//     the same on every rank. The contents of the result past the failing step are meaningless.
//   - Communication failures, resource exhaustion or inconsistent tiles are fatal: they panic, after
//     aborting the communicator so the other ranks fail too.
package linalg

import (
	"math"
	"runtime"
	"sync"

	"github.com/gomlx/tiledla/pkg/core/comm"
	"github.com/gomlx/tiledla/pkg/core/matrix"
	"github.com/gomlx/tiledla/pkg/core/options"
	"github.com/gomlx/tiledla/pkg/core/scalar"
	"github.com/gomlx/tiledla/pkg/core/scheduler"
	"github.com/pkg/errors"
)

// Info reports numeric failures of a factorization: 0 if it succeeded, otherwise the 1-based index
// of the first failure, e.g. the order of the first leading minor that is not positive definite for
// Potrf, or the first zero pivot for Getrf. Like the pivots, it is relative to the factorized view.
type Info int

// infoRecorder keeps the first failure found by the tasks of a rank.
type infoRecorder struct {
	mu   sync.Mutex
	info Info
}

// record a failure at the 1-based global index.
func (r *infoRecorder) record(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.info == 0 || Info(index) < r.info {
		r.info = Info(index)
	}
}

// allReduce returns the first failure over all ranks.
func (r *infoRecorder) allReduce(c comm.Communicator) (Info, error) {
	r.mu.Lock()
	local := int(r.info)
	r.mu.Unlock()
	if local == 0 {
		local = math.MaxInt32
	}
	global, err := comm.AllReduceInt(c, []int{local}, comm.ReduceOpMin)
	if err != nil {
		return 0, errors.WithMessage(err, "failed to reduce the factorization status")
	}
	if global[0] == math.MaxInt32 {
		return 0, nil
	}
	return Info(global[0]), nil
}

// newGraph creates the task graph of a driver call. A failing task aborts the communicator of m.
//
// minParallelism is used by drivers whose update tasks exchange messages: all ready tasks must be
// able to run, so a rank never waits on a task of another rank that isn't started.
func newGraph[T scalar.Scalar](m matrix.Matrix[T], opts options.Options, minParallelism int) *scheduler.Graph {
	parallelism := opts.MaxParallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	graphOpts := []scheduler.Option{scheduler.WithOnFailure(m.Comm().Abort)}
	if opts.Trace != nil {
		graphOpts = append(graphOpts, scheduler.WithTrace(opts.Trace, m.Rank()))
	}
	return scheduler.New(max(parallelism, minParallelism), graphOpts...)
}

// bcastOptions returns the options of the broadcasts of a driver: with devices and lookahead, the
// received tiles are prefetched to the devices that use them.
func bcastOptions(opts options.Options) []matrix.BcastOption {
	if opts.Target == options.TargetDevices && opts.Lookahead > 0 {
		return []matrix.BcastOption{matrix.WithPrefetchToDevices()}
	}
	return nil
}

// maxTag is the limit of the tags used by the drivers: larger tags are reserved.
const maxTag = 1 << 28

// tagger builds the tags of the messages of a driver call, unique per kind of message, step and tile.
type tagger struct {
	numKinds, steps, mt, nt int
}

func newTagger(numKinds, steps, mt, nt int) (tagger, error) {
	t := tagger{numKinds: numKinds, steps: max(steps, 1), mt: max(mt, 1), nt: max(nt, 1)}
	if total := int64(t.numKinds) * int64(t.steps) * int64(t.mt) * int64(t.nt); total >= maxTag {
		return t, errors.Errorf("matrix with %dx%d tiles is too large for the message tags: use larger tiles", mt, nt)
	}
	return t, nil
}

func (t tagger) tag(kind, step, i, j int) int {
	return ((kind*t.steps+step)*t.mt+i)*t.nt + j
}

// checkSameGrid returns an error if the matrices are not distributed over the same communicator.
func checkSameGrid[T scalar.Scalar](a, b matrix.Matrix[T]) error {
	if a.Comm() != b.Comm() || a.Grid() != b.Grid() {
		return errors.Errorf("matrices %s and %s must share the process grid and communicator", a, b)
	}
	if a.Nb() != b.Nb() {
		return errors.Errorf("matrices %s and %s must have the same tile size", a, b)
	}
	return nil
}
