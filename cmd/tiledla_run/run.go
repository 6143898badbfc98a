// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"math"
	"math/rand"
	"slices"
	"time"

	"github.com/gomlx/tiledla/pkg/core/comm"
	"github.com/gomlx/tiledla/pkg/core/devices"
	"github.com/gomlx/tiledla/pkg/core/grid"
	"github.com/gomlx/tiledla/pkg/core/kernels"
	"github.com/gomlx/tiledla/pkg/core/matrix"
	"github.com/gomlx/tiledla/pkg/core/options"
	"github.com/gomlx/tiledla/pkg/core/scalar"
	"github.com/gomlx/tiledla/pkg/core/tile"
	"github.com/gomlx/tiledla/pkg/linalg"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var drivers = []string{"potrf", "posv", "getrf", "gesv", "trsm"}

type config struct {
	driver, dtype string
	n, nrhs, nb   int
	p, q          int
	opts          options.Options
	devices       string
	check         bool
}

func (cfg config) validate() error {
	if !slices.Contains(drivers, cfg.driver) {
		return errors.Errorf("unknown driver %q, valid values are %q", cfg.driver, drivers)
	}
	if !slices.Contains([]string{"float32", "float64", "complex64", "complex128"}, cfg.dtype) {
		return errors.Errorf("unknown dtype %q", cfg.dtype)
	}
	if cfg.n <= 0 || cfg.nb <= 0 || cfg.nrhs <= 0 {
		return errors.Errorf("n=%d, nb=%d and nrhs=%d must be > 0", cfg.n, cfg.nb, cfg.nrhs)
	}
	if cfg.p <= 0 || cfg.q <= 0 {
		return errors.Errorf("invalid grid %dx%d", cfg.p, cfg.q)
	}
	return nil
}

// usesB returns whether the driver takes a right-hand side.
func (cfg config) usesB() bool {
	return cfg.driver == "posv" || cfg.driver == "gesv" || cfg.driver == "trsm"
}

// flops returns the number of floating point operations of the driver, counting a complex
// multiply-add as 4 real ones.
func (cfg config) flops() float64 {
	n, nrhs := float64(cfg.n), float64(cfg.nrhs)
	var count float64
	switch cfg.driver {
	case "potrf":
		count = n * n * n / 3
	case "posv":
		count = n*n*n/3 + 2*n*n*nrhs
	case "getrf":
		count = 2 * n * n * n / 3
	case "gesv":
		count = 2*n*n*n/3 + 2*n*n*nrhs
	case "trsm":
		count = n * n * nrhs
	}
	if cfg.dtype == "complex64" || cfg.dtype == "complex128" {
		count *= 4
	}
	return count
}

type result struct {
	elapsed time.Duration
	info    linalg.Info

	// residual is the scaled residual, NaN if not checked.
	residual float64
}

func runTyped(cfg config, seed int64) (result, error) {
	switch cfg.dtype {
	case "float32":
		return runOnce[float32](cfg, seed)
	case "complex64":
		return runOnce[complex64](cfg, seed)
	case "complex128":
		return runOnce[complex128](cfg, seed)
	default:
		return runOnce[float64](cfg, seed)
	}
}

// generate the inputs of the driver: a Hermitian positive-definite A for potrf and posv, and a
// diagonally dominant one for the others.
func generate[T scalar.Scalar](cfg config, seed int64) (a, b []T) {
	rng := rand.New(rand.NewSource(seed))
	random := func(m, n int) []T {
		data := make([]T, m*n)
		for i := range data {
			if scalar.IsComplex[T]() {
				data[i] = scalar.FromComplex128[T](complex(2*rng.Float64()-1, 2*rng.Float64()-1))
			} else {
				data[i] = scalar.FromFloat64[T](2*rng.Float64() - 1)
			}
		}
		return data
	}
	n := cfg.n
	a = random(n, n)
	if cfg.driver == "potrf" || cfg.driver == "posv" {
		a = matMul(n, n, n, a, conjTranspose(n, n, a))
	}
	for i := range n {
		a[i*n+i] += scalar.FromFloat64[T](float64(n))
	}
	if cfg.usesB() {
		b = random(n, cfg.nrhs)
	}
	return
}

// view returns the view of a the driver works on.
func view[T scalar.Scalar](driver string, a matrix.Matrix[T]) matrix.Matrix[T] {
	switch driver {
	case "potrf", "posv":
		return a.AsHermitian(tile.Lower)
	case "trsm":
		return a.AsTriangular(tile.Lower, tile.NonUnit)
	}
	return a
}

func solve[T scalar.Scalar](driver string, a, b matrix.Matrix[T], opts options.Options) (linalg.Pivots, linalg.Info, error) {
	switch driver {
	case "potrf":
		info, err := linalg.Potrf(a, opts)
		return nil, info, err
	case "posv":
		info, err := linalg.Posv(a, b, opts)
		return nil, info, err
	case "getrf":
		return linalg.Getrf(a, opts)
	case "gesv":
		return linalg.Gesv(a, b, opts)
	case "trsm":
		return nil, 0, linalg.Trsm(kernels.Left, scalar.FromFloat64[T](1), a, b, opts)
	}
	return nil, 0, errors.Errorf("unknown driver %q", driver)
}

// runOnce runs the driver once on a new world, and returns the time taken by the slowest rank and,
// if requested, the scaled residual computed on rank 0.
func runOnce[T scalar.Scalar](cfg config, seed int64) (res result, err error) {
	aFlat, bFlat := generate[T](cfg, seed)
	g, err := grid.New(cfg.p, cfg.q)
	if err != nil {
		return
	}
	n, nrhs := cfg.n, cfg.nrhs
	res.residual = math.NaN()
	err = comm.RunWorld(cfg.p*cfg.q, func(c comm.Communicator) error {
		var matOpts []matrix.Option
		if cfg.devices != "" {
			ds, err := devices.New(cfg.devices)
			if err != nil {
				return err
			}
			defer ds.Finalize()
			matOpts = append(matOpts, matrix.WithDevices(ds))
		}
		a, err := matrix.FromFlat(n, n, slices.Clone(aFlat), n, tile.RowMajor, cfg.nb, g, c, matOpts...)
		if err != nil {
			return err
		}
		a = view(cfg.driver, a)
		var b matrix.Matrix[T]
		if cfg.usesB() {
			b, err = matrix.FromFlat(n, nrhs, slices.Clone(bFlat), nrhs, tile.RowMajor, cfg.nb, g, c, matOpts...)
			if err != nil {
				return err
			}
		}
		aNorm, err := linalg.Norm(linalg.NormOne, a)
		if err != nil {
			return err
		}

		if err := comm.Barrier(c); err != nil {
			return err
		}
		start := time.Now()
		pivots, info, err := solve(cfg.driver, a, b, cfg.opts)
		if err != nil {
			return err
		}
		elapsed := time.Since(start)
		maxElapsed, err := comm.AllReduceFloat64(c, []float64{elapsed.Seconds()}, comm.ReduceOpMax)
		if err != nil {
			return err
		}
		klog.V(1).Infof("rank %d: %s took %s, info=%d", c.Rank(), cfg.driver, elapsed, info)

		var aOut, bOut []T
		if cfg.check && info == 0 {
			aOut = a.Gather(0)
			if cfg.usesB() {
				bOut = b.Gather(0)
			}
		}
		if c.Rank() != 0 {
			return nil
		}
		res.elapsed = time.Duration(maxElapsed[0] * float64(time.Second))
		res.info = info
		if aOut == nil {
			return nil
		}
		switch cfg.driver {
		case "potrf":
			res.residual = potrfResidual(n, aFlat, aOut, aNorm)
		case "getrf":
			res.residual = getrfResidual(n, aFlat, aOut, pivots.ToIpiv(cfg.nb), aNorm)
		case "trsm":
			res.residual = solveResidual(n, nrhs, lowerOf(n, aFlat), bFlat, bOut, aNorm)
		default:
			res.residual = solveResidual(n, nrhs, aFlat, bFlat, bOut, aNorm)
		}
		return nil
	})
	return
}
