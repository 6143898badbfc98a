// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package linalg

import (
	"fmt"
	"time"

	"github.com/gomlx/tiledla/pkg/core/comm"
	"github.com/gomlx/tiledla/pkg/core/dispatch"
	"github.com/gomlx/tiledla/pkg/core/kernels"
	"github.com/gomlx/tiledla/pkg/core/matrix"
	"github.com/gomlx/tiledla/pkg/core/options"
	"github.com/gomlx/tiledla/pkg/core/scalar"
	"github.com/gomlx/tiledla/pkg/core/scheduler"
	"github.com/gomlx/tiledla/pkg/core/tile"
	"github.com/gomlx/tiledla/pkg/linalg/internal/tileops"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Kinds of messages of Getrf and Getrs.
const (
	getrfTagGather = iota
	getrfTagScatter
	getrfTagPanel
	getrfTagRow
	getrfTagSwapIn
	getrfTagSwapOut
	getrfNumTags
)

// getrf holds the state of one Getrf call, shared by its tasks.
type getrf[T scalar.Scalar] struct {
	a          matrix.Matrix[T]
	opts       options.Options
	r          tileops.Runner
	tags       tagger
	bcastOpts  []matrix.BcastOption
	mt, nt, kt int
	pivots     Pivots
	info       infoRecorder
}

// Getrf computes the LU factorization with partial pivoting P * A = L * U of the general m x n
// matrix a, in place: L is unit lower triangular (its diagonal is not stored) and U upper
// triangular (upper trapezoidal if m < n).
//
// The pivots are returned as a list per step, the same on every rank. If U has an exactly zero
// diagonal element it returns the Info with its 1-based index (the smallest one): the factorization
// is completed, but U is singular.
func Getrf[T scalar.Scalar](a matrix.Matrix[T], opts options.Options) (Pivots, Info, error) {
	if err := opts.Validate(); err != nil {
		return nil, 0, err
	}
	if a.Kind() != matrix.KindGeneral || a.Op() != tile.NoTrans {
		return nil, 0, errors.Errorf("Getrf requires a General non-transposed matrix, got %s", a)
	}
	d := &getrf[T]{
		a:         a,
		opts:      opts,
		bcastOpts: bcastOptions(opts),
		mt:        a.Mt(),
		nt:        a.Nt(),
	}
	d.kt = min(d.mt, d.nt)
	var err error
	d.tags, err = newTagger(getrfNumTags, d.kt, d.mt, d.nt)
	if err != nil {
		return nil, 0, err
	}
	d.pivots = make(Pivots, d.kt)
	if d.kt == 0 {
		return d.pivots, 0, nil
	}

	start := time.Now()
	d.r = tileops.NewRunner(opts)
	tileops.Prepare(d.r, (opts.Lookahead+2)*max(d.mt, d.nt), a)
	p := scheduler.Pipeline{
		N:         d.nt,
		Lookahead: opts.Lookahead,
		Name:      "getrf",
		Panel:     d.panel,
		LookaheadUpdate: func(k, j int) error {
			d.update(k, j, j, opts.LookaheadQueue(j-k))
			return nil
		},
		TrailingUpdate: func(k, lo, hi int) error {
			d.update(k, lo, hi, tileops.QueueTrailing)
			return nil
		},
	}
	if opts.TileRelease == options.TileReleaseInternal {
		p.Release = d.release
	}

	// Update tasks exchange tiles (row interchanges and broadcasts), so all ready tasks must be able to run.
	g := newGraph(a, opts, d.nt*(opts.Lookahead+3))
	if err := p.Run(g); err != nil {
		return nil, 0, err
	}

	// Interchanges of the later steps are applied to the columns of L on their left.
	for j := range min(d.kt-1, d.nt) {
		g.Submit(fmt.Sprintf("getrf.swap(%d)", j), scheduler.PriorityNormal, nil, func() error {
			for k := j + 1; k < d.kt; k++ {
				swapRows(a, k, j, d.pivots[k], d.tags, getrfTagSwapIn, getrfTagSwapOut)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	a.TileUpdateAllOrigin()
	a.ReleaseWorkspace()
	info, err := d.info.allReduce(a.Comm())
	if err != nil {
		return nil, 0, err
	}
	if klog.V(1).Enabled() {
		klog.Infof("rank %d: getrf of %s in %s, info=%d", a.Rank(), a, time.Since(start), info)
	}
	return d.pivots, info, nil
}

// panel factorizes tile column k: its tiles are gathered on the owner of the diagonal tile, and sent
// back once factorized. The pivots are then broadcast to every rank, and L(:, k) to the ranks updating
// the tiles on its right.
func (d *getrf[T]) panel(k int) error {
	if k >= d.kt {
		return nil
	}
	a, me := d.a, d.a.Rank()
	diagRank := a.TileRank(k, k)
	for i := k + 1; i < d.mt; i++ {
		switch owner := a.TileRank(i, k); {
		case owner == diagRank:
		case me == owner:
			a.TileSend(i, k, diagRank, d.tags.tag(getrfTagGather, k, i, k))
		case me == diagRank:
			a.TileRecv(i, k, owner, tile.RowMajor, d.tags.tag(getrfTagGather, k, i, k))
		}
	}
	var encoded []byte
	if me == diagRank {
		encoded = encodeInts(d.factorPanel(k))
	}
	for i := k + 1; i < d.mt; i++ {
		switch owner := a.TileRank(i, k); {
		case owner == diagRank:
		case me == diagRank:
			a.TileSend(i, k, owner, d.tags.tag(getrfTagScatter, k, i, k))
			a.Sub(i, i, k, k).EraseRemoteWorkspace()
		case me == owner:
			a.TileRecv(i, k, diagRank, tile.RowMajor, d.tags.tag(getrfTagScatter, k, i, k))
		}
	}

	encoded, err := comm.BcastBytes(a.Comm(), encoded, diagRank)
	if err != nil {
		return errors.WithMessagef(err, "broadcasting the pivots of step %d", k)
	}
	ipiv, err := decodeInts(encoded)
	if err != nil {
		return err
	}
	d.pivots[k] = pivotsFromPanel(ipiv, a.Nb())

	if k+1 >= d.nt {
		return nil
	}
	items := make([]matrix.BcastItem[T], 0, d.mt-k)
	for i := k; i < d.mt; i++ {
		items = append(items, matrix.BcastItem[T]{
			I: i, J: k,
			Dests: []matrix.Matrix[T]{a.Sub(i, i, k+1, d.nt-1)},
			Tag:   d.tags.tag(getrfTagPanel, k, i, k),
		})
	}
	a.ListBcast(items, tile.RowMajor, d.bcastOpts...)
	return nil
}

// factorPanel copies tile column k (rows k and below) to a flat buffer, factorizes it and copies it
// back. It returns the pivots, relative to the first row of the panel.
func (d *getrf[T]) factorPanel(k int) []int {
	a := d.a
	rows, cols := a.M()-k*a.Nb(), a.TileNb(k)
	flat := make([]T, rows*cols)
	offset := 0
	for i := k; i < d.mt; i++ {
		t := a.TileGetForReading(i, k, tile.HostNum, tile.RowMajor)
		for r := range t.Mb() {
			for c := range cols {
				flat[(offset+r)*cols+c] = t.At(r, c)
			}
		}
		offset += t.Mb()
	}
	ipiv, iinfo := kernels.Getrf(rows, cols, flat, max(1, cols), d.opts.InnerBlocking, d.opts.MaxPanelThreads)
	if iinfo > 0 {
		d.info.record(k*a.Nb() + iinfo)
	}
	offset = 0
	for i := k; i < d.mt; i++ {
		t := a.TileGetForWriting(i, k, tile.HostNum, tile.RowMajor)
		for r := range t.Mb() {
			for c := range cols {
				t.Set(r, c, flat[(offset+r)*cols+c])
			}
		}
		offset += t.Mb()
	}
	return ipiv
}

// update applies step k to the tile columns lo..hi: row interchanges, U(k, j) = L(k, k)^{-1} A(k, j),
// and A(i, j) -= L(i, k) * U(k, j) below.
func (d *getrf[T]) update(k, lo, hi, queue int) {
	if k >= d.kt {
		return
	}
	a := d.a
	for j := lo; j <= hi; j++ {
		swapRows(a, k, j, d.pivots[k], d.tags, getrfTagSwapIn, getrfTagSwapOut)
	}

	one := scalar.FromFloat64[T](1)
	row, diag := a.Sub(k, k, lo, hi), a.Sub(k, k, k, k)
	batch := dispatch.New[T]("getrf.trsm", d.opts, d.r.Pool, queue)
	row.ForEachLocalTile(func(_, j int) {
		batch.Add(func(lt, _, ut tile.Tile[T]) {
			// The diagonal tile may be wider than tall, L is its leading square block.
			mb := ut.Mb()
			l := lt.Slice(0, mb-1, 0, mb-1).WithUplo(tile.Lower).WithDiag(tile.Unit)
			kernels.Trsm(kernels.Left, one, l, ut)
		}, dispatch.Tile(row, 0, j), dispatch.Ticked(diag, 0, 0, 1))
	})
	batch.Execute()
	if k+1 >= d.mt {
		return
	}

	items := make([]matrix.BcastItem[T], 0, hi-lo+1)
	for j := lo; j <= hi; j++ {
		items = append(items, matrix.BcastItem[T]{
			I: k, J: j,
			Dests: []matrix.Matrix[T]{a.Sub(k+1, d.mt-1, j, j)},
			Tag:   d.tags.tag(getrfTagRow, k, k, j),
		})
	}
	a.ListBcast(items, tile.RowMajor, d.bcastOpts...)
	tileops.Gemm(d.r, "getrf.gemm", queue, -one, a.Sub(k+1, d.mt-1, k, k), row, one, a.Sub(k+1, d.mt-1, lo, hi))
}

// release frees the workspace of step k: the received tiles of L(:, k) and U(k, :), and the device
// copies of column k.
func (d *getrf[T]) release(k int) error {
	if k >= d.kt {
		return nil
	}
	panel := d.a.Sub(k, d.mt-1, k, k)
	panel.EraseRemoteWorkspace()
	panel.EraseLocalWorkspace()
	d.a.Sub(k, k, k+1, d.nt-1).EraseRemoteWorkspace()
	return nil
}
