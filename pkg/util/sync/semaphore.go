// SPDX-License-Identifier: AGPL-3.0-only
// Provenance-includes-location: https://github.com/hashicorp/consul/blob/main/lib/semaphore/semaphore.go
// Provenance-includes-license: MPL-2.0
// Provenance-includes-copyright: HashiCorp, Inc.

package sync

import (
	"container/list"
	"context"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrSemaphoreFull is returned by Release when the semaphore could not take back
	// all the permits because it reached its capacity.
	ErrSemaphoreFull = errors.New("semaphore is full")

	// ErrSemaphoreClosed is returned by Acquire once the semaphore has been closed.
	ErrSemaphoreClosed = errors.New("semaphore is closed")
)

// TokenSemaphore is a counting semaphore of fixed capacity that starts full.
// Permits are taken by Acquire/TryAcquire and given back by Release, which is
// usually called by a producer other than the one which acquired them. Blocked
// waiters are served in FIFO order.
type TokenSemaphore struct {
	mu        sync.Mutex
	capacity  int64
	available int64
	closed    bool
	waiters   list.List
}

type waiter struct {
	ready chan struct{}
	err   error
}

// NewTokenSemaphore returns a semaphore holding n permits out of a capacity of n.
func NewTokenSemaphore(n int64) *TokenSemaphore {
	return &TokenSemaphore{capacity: n, available: n}
}

// Acquire takes one permit, blocking until one is available or ctx is Done. On
// failure it returns ctx.Err() and leaves the semaphore unchanged.
//
// If ctx is already done, Acquire may still succeed without blocking.
func (s *TokenSemaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSemaphoreClosed
	}
	if s.available > 0 && s.waiters.Len() == 0 {
		s.available--
		s.mu.Unlock()
		return nil
	}

	w := &waiter{ready: make(chan struct{})}
	elem := s.waiters.PushBack(w)
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		err := ctx.Err()
		s.mu.Lock()
		select {
		case <-w.ready:
			// The permit was handed over after we were canceled. Rather than trying
			// to give it back, pretend we didn't notice the cancellation.
			err = w.err
		default:
			s.waiters.Remove(elem)
		}
		s.mu.Unlock()
		return err

	case <-w.ready:
		return w.err
	}
}

// TryAcquire takes one permit without blocking. Returns false if no permit is
// immediately available.
func (s *TokenSemaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.available <= 0 || s.waiters.Len() > 0 {
		return false
	}
	s.available--
	return true
}

// Release gives back up to n permits, handing them to blocked waiters first. It
// returns how many permits were actually released, and ErrSemaphoreFull if
// fewer than n could be taken back because the semaphore reached its capacity.
func (s *TokenSemaphore) Release(n int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrSemaphoreClosed
	}

	released := 0
	for ; released < n; released++ {
		if front := s.waiters.Front(); front != nil {
			s.waiters.Remove(front)
			close(front.Value.(*waiter).ready)
			continue
		}
		if s.available >= s.capacity {
			return released, ErrSemaphoreFull
		}
		s.available++
	}
	return released, nil
}

// Close wakes up all the waiters with ErrSemaphoreClosed. Further acquisitions fail.
func (s *TokenSemaphore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for e := s.waiters.Front(); e != nil; e = s.waiters.Front() {
		s.waiters.Remove(e)
		w := e.Value.(*waiter)
		w.err = ErrSemaphoreClosed
		close(w.ready)
	}
}

// Available returns how many permits can be acquired right now.
func (s *TokenSemaphore) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.available)
}

// Capacity returns the maximum number of permits.
func (s *TokenSemaphore) Capacity() int {
	return int(s.capacity)
}

// Waiters returns how many callers are blocked waiting for permits.
func (s *TokenSemaphore) Waiters() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters.Len()
}
