// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package scalar

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
)

func TestConjAndAbs(t *testing.T) {
	assert.Equal(t, float32(-2), Conj(float32(-2)))
	assert.Equal(t, complex64(complex(1, -2)), Conj(complex64(complex(1, 2))))
	assert.Equal(t, complex(3, 4), Conj(complex(3, -4)))
	assert.InDelta(t, 5.0, Abs(complex(3, 4)), 1e-12)
	assert.InDelta(t, 2.0, Abs(float32(-2)), 1e-12)
	assert.Equal(t, 3.0, Real(complex64(complex(3, 4))))
}

func TestKinds(t *testing.T) {
	assert.Equal(t, dtypes.Float32, DType[float32]())
	assert.Equal(t, dtypes.Complex128, DType[complex128]())
	assert.Equal(t, 16, SizeOf[complex128]())
	assert.Equal(t, 4, SizeOf[float32]())
	assert.True(t, IsComplex[complex64]())
	assert.False(t, IsComplex[float64]())
	assert.Equal(t, complex64(2.5), FromFloat64[complex64](2.5))
	assert.Equal(t, float32(1), FromComplex128[float32](complex(1, 7)))
	assert.Less(t, Epsilon[float64](), Epsilon[float32]())
	assert.Equal(t, 4, CeilDiv(13, 4))
	assert.Equal(t, int64(3), CeilDiv[int64](12, 4))
}
