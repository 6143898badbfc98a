// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package comm

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// ReduceOp is the reduction applied by the AllReduce collectives.
type ReduceOp int

const (
	ReduceOpSum ReduceOp = iota
	ReduceOpMax
	ReduceOpMin
)

func (op ReduceOp) String() string {
	switch op {
	case ReduceOpSum:
		return "Sum"
	case ReduceOpMax:
		return "Max"
	case ReduceOpMin:
		return "Min"
	}
	return "ReduceOp(?)"
}

func (op ReduceOp) apply(a, b float64) float64 {
	switch op {
	case ReduceOpMax:
		return max(a, b)
	case ReduceOpMin:
		return min(a, b)
	default:
		return a + b
	}
}

func allRanks(c Communicator) []int {
	ranks := make([]int, c.Size())
	for i := range ranks {
		ranks[i] = i
	}
	return ranks
}

func encodeFloat64s(values []float64) []byte {
	buf := make([]byte, 0, 8*len(values))
	for _, v := range values {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	}
	return buf
}

func decodeFloat64s(buf []byte, n int) ([]float64, error) {
	if len(buf) != 8*n {
		return nil, errors.Errorf("expected %d float64 values (%d bytes), got %d bytes", n, 8*n, len(buf))
	}
	values := make([]float64, n)
	for i := range values {
		values[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return values, nil
}

// AllReduceFloat64 combines values element-wise across all ranks with op, and returns the result
// (the same on every rank). All ranks must call it with the same number of values.
//
// It reduces up a binary tree rooted at rank 0 and broadcasts the result back down the same tree.
func AllReduceFloat64(c Communicator, values []float64, op ReduceOp) ([]float64, error) {
	ranks := allRanks(c)
	parent, children := TreeRelatives(ranks, c.Rank())
	acc := make([]float64, len(values))
	copy(acc, values)
	for _, child := range children {
		buf, err := c.Recv(child, tagAllReduce)
		if err != nil {
			return nil, errors.WithMessagef(err, "AllReduce(%s)", op)
		}
		partial, err := decodeFloat64s(buf, len(values))
		if err != nil {
			return nil, errors.WithMessagef(err, "AllReduce(%s) from rank %d", op, child)
		}
		for i := range acc {
			acc[i] = op.apply(acc[i], partial[i])
		}
	}
	if parent >= 0 {
		if err := c.Send(encodeFloat64s(acc), parent, tagAllReduce); err != nil {
			return nil, errors.WithMessagef(err, "AllReduce(%s)", op)
		}
	}
	result, err := bcastTree(c, ranks, encodeFloat64s(acc))
	if err != nil {
		return nil, errors.WithMessagef(err, "AllReduce(%s)", op)
	}
	return decodeFloat64s(result, len(values))
}

// AllReduceInt is like AllReduceFloat64, for integer values exactly representable as float64.
func AllReduceInt(c Communicator, values []int, op ReduceOp) ([]int, error) {
	floats := make([]float64, len(values))
	for i, v := range values {
		floats[i] = float64(v)
	}
	floats, err := AllReduceFloat64(c, floats, op)
	if err != nil {
		return nil, err
	}
	result := make([]int, len(values))
	for i, v := range floats {
		result[i] = int(v)
	}
	return result, nil
}

// Barrier returns only after every rank has called it.
func Barrier(c Communicator) error {
	_, err := AllReduceFloat64(c, nil, ReduceOpSum)
	return errors.WithMessage(err, "Barrier")
}

// BcastBytes sends data from root to every rank. On root data is returned, on other ranks the value
// received from root. Every rank must call it.
func BcastBytes(c Communicator, data []byte, root int) ([]byte, error) {
	if root < 0 || root >= c.Size() {
		return nil, errors.Errorf("BcastBytes: root rank %d out of range [0, %d)", root, c.Size())
	}
	return bcastTree(c, RootFirst(allRanks(c), root), data)
}

// bcastTree forwards data from ranks[0] down the binary tree over ranks. data is only used by the root.
func bcastTree(c Communicator, ranks []int, data []byte) ([]byte, error) {
	parent, children := TreeRelatives(ranks, c.Rank())
	if parent >= 0 {
		var err error
		data, err = c.Recv(parent, tagBcast)
		if err != nil {
			return nil, err
		}
	}
	for _, child := range children {
		if err := c.Send(data, child, tagBcast); err != nil {
			return nil, err
		}
	}
	return data, nil
}
