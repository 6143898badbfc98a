// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/tiledla/pkg/core/scalar"
	"github.com/gomlx/tiledla/pkg/core/tile"
	"github.com/stretchr/testify/require"
)

func randomTile[T scalar.Scalar](rng *rand.Rand, mb, nb int) tile.Tile[T] {
	t := tile.Alloc[T](mb, nb)
	for i := range mb {
		for j := range nb {
			v := complex(rng.Float64()-0.5, rng.Float64()-0.5)
			t.Set(i, j, scalar.FromComplex128[T](v))
		}
	}
	return t
}

// naiveProduct returns op(A)*op(B) as a new tile.
func naiveProduct[T scalar.Scalar](a, b tile.Tile[T]) tile.Tile[T] {
	c := tile.Alloc[T](a.Mb(), b.Nb())
	for i := range a.Mb() {
		for j := range b.Nb() {
			var sum T
			for k := range a.Nb() {
				sum += a.At(i, k) * b.At(k, j)
			}
			c.Set(i, j, sum)
		}
	}
	return c
}

func requireTilesNear[T scalar.Scalar](t *testing.T, want, got tile.Tile[T], tol float64, msgAndArgs ...any) {
	require.Equal(t, want.Mb(), got.Mb(), msgAndArgs...)
	require.Equal(t, want.Nb(), got.Nb(), msgAndArgs...)
	for i := range want.Mb() {
		for j := range want.Nb() {
			require.LessOrEqualf(t, scalar.Abs(want.At(i, j)-got.At(i, j)), tol,
				"element (%d, %d): want %v, got %v -- %s", i, j, want.At(i, j), got.At(i, j), fmt.Sprint(msgAndArgs...))
		}
	}
}

func tolFor[T scalar.Scalar]() float64 {
	return 1e3 * scalar.Epsilon[T]()
}

func applyOp[T scalar.Scalar](t tile.Tile[T], op tile.Op) tile.Tile[T] {
	switch op {
	case tile.Trans:
		return tile.Transpose(t)
	case tile.ConjTrans:
		return tile.ConjTranspose(t)
	}
	return t
}

func cloneTile[T scalar.Scalar](t tile.Tile[T]) tile.Tile[T] {
	c := tile.Alloc[T](t.StoredMb(), t.StoredNb())
	tile.CopyStored(t, c)
	return c.WithOp(t.Op()).WithUplo(t.Uplo()).WithDiag(t.Diag())
}

func testGemmImpl[T scalar.Scalar](t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	m, n, k := 4, 3, 5
	ops := []tile.Op{tile.NoTrans, tile.Trans, tile.ConjTrans}
	for _, opA := range ops {
		for _, opB := range ops {
			for _, opC := range ops {
				if scalar.IsComplex[T]() && opC != tile.NoTrans && opA != tile.NoTrans && opA != opC {
					continue
				}
				if scalar.IsComplex[T]() && opC != tile.NoTrans && opB != tile.NoTrans && opB != opC {
					continue
				}
				name := fmt.Sprintf("%s/A=%s/B=%s/C=%s", scalar.DType[T](), opA, opB, opC)
				a := randomTile[T](rng, k, m)
				if opA == tile.NoTrans {
					a = randomTile[T](rng, m, k)
				}
				a = applyOp(a, opA)
				b := randomTile[T](rng, n, k)
				if opB == tile.NoTrans {
					b = randomTile[T](rng, k, n)
				}
				b = applyOp(b, opB)
				c := randomTile[T](rng, n, m)
				if opC == tile.NoTrans {
					c = randomTile[T](rng, m, n)
				}
				c = applyOp(c, opC)

				alpha, beta := scalar.FromFloat64[T](2), scalar.FromFloat64[T](-0.5)
				want := naiveProduct(a, b)
				for i := range m {
					for j := range n {
						want.Set(i, j, alpha*want.At(i, j)+beta*c.At(i, j))
					}
				}
				Gemm(alpha, a, b, beta, c)
				requireTilesNear(t, want, c, tolFor[T](), name)
			}
		}
	}
}

func TestGemm(t *testing.T) {
	t.Run("float32", testGemmImpl[float32])
	t.Run("float64", testGemmImpl[float64])
	t.Run("complex64", testGemmImpl[complex64])
	t.Run("complex128", testGemmImpl[complex128])
}

// randomLowerWellConditioned returns a lower triangular tile with a dominant diagonal.
func randomLowerWellConditioned[T scalar.Scalar](rng *rand.Rand, n int) tile.Tile[T] {
	l := randomTile[T](rng, n, n)
	for i := range n {
		l.Set(i, i, scalar.FromFloat64[T](float64(n)+1))
		for j := i + 1; j < n; j++ {
			l.Set(i, j, 0)
		}
	}
	return l.WithUplo(tile.Lower)
}

func testTrsmImpl[T scalar.Scalar](t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	n, nrhs := 5, 3
	for _, side := range []Side{Left, Right} {
		for _, opA := range []tile.Op{tile.NoTrans, tile.ConjTrans} {
			for _, opB := range []tile.Op{tile.NoTrans, tile.ConjTrans} {
				name := fmt.Sprintf("%s/%s/A=%s/B=%s", scalar.DType[T](), side, opA, opB)
				a := applyOp(randomLowerWellConditioned[T](rng, n), opA)
				mb, nb := n, nrhs
				if side == Right {
					mb, nb = nrhs, n
				}
				b := randomTile[T](rng, mb, nb)
				if opB != tile.NoTrans {
					b = applyOp(randomTile[T](rng, nb, mb), opB)
				}
				orig := cloneTile(b)
				alpha := scalar.FromFloat64[T](3)
				Trsm(side, alpha, a, b)

				// Check op(A)*X == alpha*B or X*op(A) == alpha*B.
				var got tile.Tile[T]
				if side == Left {
					got = naiveProduct(a, b)
				} else {
					got = naiveProduct(b, a)
				}
				want := tile.Alloc[T](orig.Mb(), orig.Nb())
				for i := range want.Mb() {
					for j := range want.Nb() {
						want.Set(i, j, alpha*orig.At(i, j))
					}
				}
				requireTilesNear(t, want, got, tolFor[T](), name)
			}
		}
	}
}

func TestTrsm(t *testing.T) {
	t.Run("float32", testTrsmImpl[float32])
	t.Run("float64", testTrsmImpl[float64])
	t.Run("complex64", testTrsmImpl[complex64])
	t.Run("complex128", testTrsmImpl[complex128])
}

// hermitianPositiveDefinite returns A*A^H + n*I.
func hermitianPositiveDefinite[T scalar.Scalar](rng *rand.Rand, n int) tile.Tile[T] {
	a := randomTile[T](rng, n, n)
	h := naiveProduct(a, tile.ConjTranspose(a))
	for i := range n {
		h.Set(i, i, h.At(i, i)+scalar.FromFloat64[T](float64(n)))
	}
	return h
}

func testHerkAndPotrfImpl[T scalar.Scalar](t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	n, k := 6, 4

	// Herk on the lower triangle.
	a := randomTile[T](rng, n, k)
	c := hermitianPositiveDefinite[T](rng, n).WithUplo(tile.Lower)
	want := naiveProduct(a, tile.ConjTranspose(a))
	for i := range n {
		for j := range n {
			want.Set(i, j, scalar.FromFloat64[T](-1)*want.At(i, j)+scalar.FromFloat64[T](2)*c.At(i, j))
		}
	}
	Herk(-1, a, 2, c)
	for i := range n {
		for j := range i + 1 {
			require.LessOrEqual(t, scalar.Abs(want.At(i, j)-c.At(i, j)), tolFor[T]())
		}
	}

	// Potrf, for both triangles: reconstruct the matrix from the factor.
	for _, uplo := range []tile.Uplo{tile.Lower, tile.Upper} {
		h := hermitianPositiveDefinite[T](rng, n)
		orig := cloneTile(h)
		f := h.WithUplo(uplo)
		require.Equal(t, 0, Potrf(f))
		l := tile.Alloc[T](n, n)
		for i := range n {
			for j := range i + 1 {
				if uplo == tile.Lower {
					l.Set(i, j, f.At(i, j))
				} else {
					l.Set(i, j, scalar.Conj(f.At(j, i)))
				}
			}
		}
		requireTilesNear(t, orig, naiveProduct(l, tile.ConjTranspose(l)), tolFor[T](), uplo)
	}

	// A negative diagonal element makes the 3rd leading minor not positive definite.
	bad := hermitianPositiveDefinite[T](rng, n)
	bad.Set(2, 2, scalar.FromFloat64[T](-1))
	require.Equal(t, 3, Potrf(bad.WithUplo(tile.Lower)))
}

func TestHerkAndPotrf(t *testing.T) {
	t.Run("float32", testHerkAndPotrfImpl[float32])
	t.Run("float64", testHerkAndPotrfImpl[float64])
	t.Run("complex64", testHerkAndPotrfImpl[complex64])
	t.Run("complex128", testHerkAndPotrfImpl[complex128])
}

func testGetrfImpl[T scalar.Scalar](t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 8))
	for _, dims := range [][2]int{{9, 4}, {4, 4}, {3, 5}} {
		m, n := dims[0], dims[1]
		for _, ib := range []int{1, 2, 16} {
			a := randomTile[T](rng, m, n)
			lu := cloneTile(a)
			ipiv, info := Getrf(m, n, lu.Data(), lu.Stride(), ib, 3)
			require.Equal(t, 0, info)
			require.Len(t, ipiv, min(m, n))

			// Rebuild L (m x kMax) and U (kMax x n) and compare P*A with L*U.
			kMax := min(m, n)
			l, u := tile.Alloc[T](m, kMax), tile.Alloc[T](kMax, n)
			for i := range m {
				for j := range kMax {
					switch {
					case i == j:
						l.Set(i, j, scalar.FromFloat64[T](1))
					case i > j:
						l.Set(i, j, lu.At(i, j))
					}
				}
			}
			for i := range kMax {
				for j := i; j < n; j++ {
					u.Set(i, j, lu.At(i, j))
				}
			}
			pa := cloneTile(a)
			ApplyPivots(n, pa.Data(), pa.Stride(), 0, ipiv)
			requireTilesNear(t, pa, naiveProduct(l, u), tolFor[T](), fmt.Sprintf("%dx%d ib=%d", m, n, ib))
		}
	}

	// A zero column gives a zero pivot.
	z := randomTile[T](rng, 4, 4)
	for i := range 4 {
		z.Set(i, 1, 0)
	}
	_, info := Getrf(4, 4, z.Data(), z.Stride(), 2, 1)
	require.Equal(t, 2, info)
}

func TestGetrf(t *testing.T) {
	t.Run("float32", testGetrfImpl[float32])
	t.Run("float64", testGetrfImpl[float64])
	t.Run("complex64", testGetrfImpl[complex64])
	t.Run("complex128", testGetrfImpl[complex128])
}
