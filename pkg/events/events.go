package events

import (
	"context"
	"sync"
)

// CommitWatch lets many goroutines wait for the Raft-applied commit
// index to reach a target value, and lets the leader's apply loop
// publish index advancement without tracking individual waiters.
type CommitWatch struct {
	mu      sync.Mutex
	current uint64
	waiters map[chan struct{}]struct{}
}

// NewCommitWatch creates a watch starting at commit index 0.
func NewCommitWatch() *CommitWatch {
	return &CommitWatch{waiters: make(map[chan struct{}]struct{})}
}

// Publish records a new commit index and wakes every waiter blocked in
// Wait, regardless of their target (each re-checks on wake). Publishing
// an index lower than the current one is a no-op — indexes only move
// forward.
func (w *CommitWatch) Publish(index uint64) {
	w.mu.Lock()
	if index <= w.current {
		w.mu.Unlock()
		return
	}
	w.current = index
	waiters := w.waiters
	w.waiters = make(map[chan struct{}]struct{}, len(waiters))
	w.mu.Unlock()

	for ch := range waiters {
		close(ch)
	}
}

// Current returns the most recently published commit index.
func (w *CommitWatch) Current() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Wait blocks until the commit index reaches at least target, ctx is
// done, or the caller cancels. It recomputes the remaining deadline
// (carried by ctx) on every wake, matching the wait loop described for
// synchronous commit: repeatedly wake, recheck, and only give up when
// ctx itself expires or is canceled.
func (w *CommitWatch) Wait(ctx context.Context, target uint64) error {
	for {
		w.mu.Lock()
		if w.current >= target {
			w.mu.Unlock()
			return nil
		}
		ch := make(chan struct{})
		w.waiters[ch] = struct{}{}
		w.mu.Unlock()

		select {
		case <-ch:
			continue
		case <-ctx.Done():
			w.mu.Lock()
			delete(w.waiters, ch)
			w.mu.Unlock()
			return ctx.Err()
		}
	}
}
