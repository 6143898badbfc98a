// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package comm defines the message-passing transport the distributed matrices are built on:
// point-to-point delivery of tagged byte buffers between ranks, in order per (source, tag).
//
// It also provides an in-process implementation (LocalWorld), where each rank is a goroutine, and
// a few collectives (Barrier, AllReduce, BcastBytes) built on top of point-to-point messages.
//
// Failures are not recoverable: a rank that fails calls Abort, and every pending or future
// operation on every rank of the world fails.
package comm

import (
	"slices"
)

// Communicator is the view of the world from one rank.
//
// Send must not block waiting for the receiver (messages are buffered), and messages from the
// same source with the same tag are received in the order they were sent. Different tags are
// independent.
//
// Implementations must be safe for concurrent use by multiple goroutines of the same rank.
type Communicator interface {
	// Rank of this process, from 0 to Size()-1.
	Rank() int

	// Size is the number of ranks in the world.
	Size() int

	// Send data to rank dst with the given tag. Negative tags are reserved for collectives.
	// The caller may reuse data after Send returns.
	Send(data []byte, dst, tag int) error

	// Recv blocks until a message with the tag is received from src.
	Recv(src, tag int) ([]byte, error)

	// Abort the whole world with the given error: all pending and future operations on all ranks fail.
	Abort(err error)
}

// Reserved tags used by the collectives.
const (
	tagAllReduce = -1 - iota
	tagBcast
)

// TreeRelatives returns the parent and children of me in the binary tree spanning ranks, rooted at
// ranks[0]: the tree is laid out over the positions in ranks, node at position i has children at
// positions 2i+1 and 2i+2.
//
// parent is -1 for the root. If me is not in ranks, it returns parent -1 and no children.
// Every rank must be given the same ranks, in the same order.
func TreeRelatives(ranks []int, me int) (parent int, children []int) {
	pos := slices.Index(ranks, me)
	if pos < 0 {
		return -1, nil
	}
	parent = -1
	if pos > 0 {
		parent = ranks[(pos-1)/2]
	}
	for _, c := range []int{2*pos + 1, 2*pos + 2} {
		if c < len(ranks) {
			children = append(children, ranks[c])
		}
	}
	return
}

// RootFirst returns the ranks with root moved to the front, keeping the order of the others.
// If root is not in ranks it is prepended.
func RootFirst(ranks []int, root int) []int {
	ordered := make([]int, 0, len(ranks)+1)
	ordered = append(ordered, root)
	for _, r := range ranks {
		if r != root {
			ordered = append(ordered, r)
		}
	}
	return ordered
}
