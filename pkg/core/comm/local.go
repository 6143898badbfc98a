// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package comm

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/tiledla/pkg/support/xsync"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// LocalWorld connects ranks running as goroutines of the same process.
//
// Each (source, destination, tag) has its own unbounded mailbox, so Send never blocks. Mailboxes are
// created on demand and dropped once drained, so the number of distinct tags used over the life of the
// world doesn't accumulate.
type LocalWorld struct {
	id   uuid.UUID
	size int

	// mu guards the shared communication context: the mailboxes map and the abort state.
	// It is never held while waiting for a message.
	mu        sync.Mutex
	mailboxes map[mailboxKey]*localMailbox
	abortErr  error

	numMessages, numBytes atomic.Int64
}

type mailboxKey struct {
	src, dst, tag int
}

// localMailbox counts the Send and Recv calls using it, it is only dropped when there are none.
type localMailbox struct {
	*xsync.Mailbox[[]byte]
	users int // Guarded by LocalWorld.mu.
}

// NewLocalWorld creates an in-process world with size ranks.
func NewLocalWorld(size int) *LocalWorld {
	if size <= 0 {
		panic(errors.Errorf("NewLocalWorld: size must be positive, got %d", size))
	}
	return &LocalWorld{
		id:        uuid.New(),
		size:      size,
		mailboxes: make(map[mailboxKey]*localMailbox),
	}
}

// ID uniquely identifies the world, in logs and traces.
func (w *LocalWorld) ID() uuid.UUID { return w.id }

// Size returns the number of ranks.
func (w *LocalWorld) Size() int { return w.size }

// Endpoint returns the Communicator for the given rank.
func (w *LocalWorld) Endpoint(rank int) Communicator {
	if rank < 0 || rank >= w.size {
		panic(errors.Errorf("LocalWorld.Endpoint: rank %d out of range [0, %d)", rank, w.size))
	}
	return &localEndpoint{world: w, rank: rank}
}

// Err returns the error the world was aborted with, or nil.
func (w *LocalWorld) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.abortErr
}

// Stats returns the number of messages and bytes sent so far.
func (w *LocalWorld) Stats() (messages, bytes int64) {
	return w.numMessages.Load(), w.numBytes.Load()
}

// String implements fmt.Stringer.
func (w *LocalWorld) String() string {
	messages, bytes := w.Stats()
	return fmt.Sprintf("LocalWorld(%s, %d ranks, %s messages, %s sent)",
		w.id, w.size, humanize.Comma(messages), humanize.Bytes(uint64(bytes)))
}

// acquireMailbox returns the mailbox for the key, creating it if needed. It must be released with
// releaseMailbox.
func (w *LocalWorld) acquireMailbox(key mailboxKey) *localMailbox {
	w.mu.Lock()
	defer w.mu.Unlock()
	box, found := w.mailboxes[key]
	if !found {
		box = &localMailbox{Mailbox: xsync.NewMailbox[[]byte]()}
		if w.abortErr != nil {
			box.Close(w.abortErr)
		}
		w.mailboxes[key] = box
	}
	box.users++
	return box
}

// releaseMailbox drops the mailbox if it is empty and no one else is using it.
func (w *LocalWorld) releaseMailbox(key mailboxKey, box *localMailbox) {
	w.mu.Lock()
	defer w.mu.Unlock()
	box.users--
	if box.users == 0 && box.Len() == 0 {
		delete(w.mailboxes, key)
	}
}

// numMailboxes returns the number of mailboxes currently allocated.
func (w *LocalWorld) numMailboxes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.mailboxes)
}

// Abort closes all mailboxes with err. Only the first abort error is kept.
func (w *LocalWorld) Abort(err error) {
	if err == nil {
		err = errors.New("aborted")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.abortErr != nil {
		return
	}
	w.abortErr = errors.WithMessagef(err, "world %s aborted", w.id)
	klog.Errorf("%+v", w.abortErr)
	for _, box := range w.mailboxes {
		box.Close(w.abortErr)
	}
}

type localEndpoint struct {
	world *LocalWorld
	rank  int
}

var _ Communicator = (*localEndpoint)(nil)

func (e *localEndpoint) Rank() int { return e.rank }
func (e *localEndpoint) Size() int { return e.world.size }

func (e *localEndpoint) checkPeer(peer int) error {
	if peer < 0 || peer >= e.world.size {
		return errors.Errorf("rank %d: peer rank %d out of range [0, %d)", e.rank, peer, e.world.size)
	}
	return nil
}

// Send implements Communicator.
func (e *localEndpoint) Send(data []byte, dst, tag int) error {
	if err := e.checkPeer(dst); err != nil {
		return err
	}
	key := mailboxKey{src: e.rank, dst: dst, tag: tag}
	box := e.world.acquireMailbox(key)
	err := box.Push(slices.Clone(data))
	e.world.releaseMailbox(key, box)
	if err != nil {
		return errors.WithMessagef(err, "rank %d: Send(dst=%d, tag=%d)", e.rank, dst, tag)
	}
	e.world.numMessages.Add(1)
	e.world.numBytes.Add(int64(len(data)))
	if klog.V(3).Enabled() {
		klog.Infof("rank %d -> %d: tag=%d, %s", e.rank, dst, tag, humanize.Bytes(uint64(len(data))))
	}
	return nil
}

// Recv implements Communicator.
func (e *localEndpoint) Recv(src, tag int) ([]byte, error) {
	if err := e.checkPeer(src); err != nil {
		return nil, err
	}
	key := mailboxKey{src: src, dst: e.rank, tag: tag}
	box := e.world.acquireMailbox(key)
	data, err := box.Pop()
	e.world.releaseMailbox(key, box)
	if err != nil {
		return nil, errors.WithMessagef(err, "rank %d: Recv(src=%d, tag=%d)", e.rank, src, tag)
	}
	return data, nil
}

// Abort implements Communicator.
func (e *localEndpoint) Abort(err error) {
	e.world.Abort(errors.WithMessagef(err, "rank %d", e.rank))
}

// RunWorld runs fn concurrently for each rank of a new LocalWorld of the given size, and waits for
// all of them to finish.
//
// If any rank returns an error or panics, the world is aborted (so ranks blocked on messages fail too),
// and the first error is returned.
func RunWorld(size int, fn func(c Communicator) error) error {
	w := NewLocalWorld(size)
	var g errgroup.Group
	for rank := range size {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					if rErr, ok := r.(error); ok {
						err = errors.WithMessagef(rErr, "rank %d panicked", rank)
					} else {
						err = errors.Errorf("rank %d panicked: %v", rank, r)
					}
				}
				if err != nil {
					w.Abort(err)
				}
			}()
			return fn(w.Endpoint(rank))
		})
	}
	err := g.Wait()
	if abortErr := w.Err(); abortErr != nil {
		// The first abort holds the root cause, other ranks only report the abort.
		return abortErr
	}
	if klog.V(1).Enabled() {
		klog.Infof("%s finished", w)
	}
	return err
}
