// SPDX-License-Identifier: AGPL-3.0-only

package sync

import (
	"context"
	"sync"
)

// ContextWaitGroup runs functions in their own goroutine and waits for them,
// giving up on the wait once a context is done.
type ContextWaitGroup struct {
	wg sync.WaitGroup
}

// Go runs fn in a new goroutine tracked by the group.
func (cwg *ContextWaitGroup) Go(fn func()) {
	cwg.wg.Add(1)
	go func() {
		defer cwg.wg.Done()
		fn()
	}()
}

// WaitWithContext waits for all the functions to return, or returns ctx.Err()
// if ctx is done first. Functions still running are left running.
func (cwg *ContextWaitGroup) WaitWithContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		cwg.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}
