// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package linalg

import (
	"github.com/gomlx/tiledla/pkg/core/kernels"
	"github.com/gomlx/tiledla/pkg/core/matrix"
	"github.com/gomlx/tiledla/pkg/core/options"
	"github.com/gomlx/tiledla/pkg/core/scalar"
	"github.com/gomlx/tiledla/pkg/core/tile"
	"github.com/pkg/errors"
)

// Potrs solves A * X = B using the Cholesky factorization of a computed by Potrf, overwriting b
// with X.
func Potrs[T scalar.Scalar](a, b matrix.Matrix[T], opts options.Options) error {
	if a.Kind() != matrix.KindHermitian {
		return errors.Errorf("Potrs requires the Hermitian matrix factorized by Potrf, got %s", a)
	}
	if a.Uplo() == tile.Upper {
		a = matrix.ConjTranspose(a)
	}
	l := a.AsTriangular(tile.Lower, tile.NonUnit)
	one := scalar.FromFloat64[T](1)
	if err := Trsm(kernels.Left, one, l, b, opts); err != nil {
		return errors.WithMessage(err, "Potrs forward substitution")
	}
	if err := Trsm(kernels.Left, one, matrix.ConjTranspose(l), b, opts); err != nil {
		return errors.WithMessage(err, "Potrs backward substitution")
	}
	return nil
}

// Posv solves A * X = B for the Hermitian positive-definite matrix a: it factorizes a in place
// with Potrf and, if that succeeded, overwrites b with the solution.
//
// If the factorization fails, it returns its Info and b is not changed.
func Posv[T scalar.Scalar](a, b matrix.Matrix[T], opts options.Options) (Info, error) {
	if err := checkSameGrid(a, b); err != nil {
		return 0, err
	}
	info, err := Potrf(a, opts)
	if err != nil || info != 0 {
		return info, err
	}
	return 0, Potrs(a, b, opts)
}
