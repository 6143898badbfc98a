// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"sync"
)

// Mailbox is an unbounded FIFO queue: Push never blocks, Pop blocks until a value is available or
// the mailbox is closed.
//
// The zero value is not usable, create it with NewMailbox.
type Mailbox[T any] struct {
	mu     sync.Mutex
	cond   sync.Cond
	values []T
	closed error
}

// NewMailbox creates an empty and open Mailbox.
func NewMailbox[T any]() *Mailbox[T] {
	m := &Mailbox[T]{}
	m.cond.L = &m.mu
	return m
}

// Push appends value to the mailbox. It returns the closing error if the mailbox has been closed.
func (m *Mailbox[T]) Push(value T) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed != nil {
		return m.closed
	}
	m.values = append(m.values, value)
	m.cond.Signal()
	return nil
}

// Pop removes and returns the oldest value, waiting for one if the mailbox is empty.
// If the mailbox is closed while waiting, it returns the error given to Close.
//
// The mailbox lock is not held while waiting.
func (m *Mailbox[T]) Pop() (value T, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.values) == 0 && m.closed == nil {
		m.cond.Wait()
	}
	if m.closed != nil {
		return value, m.closed
	}
	value = m.values[0]
	var zero T
	m.values[0] = zero
	m.values = m.values[1:]
	return value, nil
}

// Len returns the number of values waiting to be popped.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.values)
}

// Close the mailbox with the given error (it must not be nil): pending and future Pop and Push calls
// fail with it. Closing an already closed mailbox is a no-op.
func (m *Mailbox[T]) Close(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed != nil {
		return
	}
	m.closed = err
	m.values = nil
	m.cond.Broadcast()
}
