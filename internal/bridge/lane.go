package bridge

import (
	"container/list"
	"context"
	"errors"
	"sync"
)

var errLaneAborted = errors.New("lane aborted")

// Lane admits one holder at a time and hands ownership to waiters strictly in
// arrival order.
type Lane struct {
	mu      sync.Mutex
	held    bool
	waiters list.List // of chan struct{}
}

// Acquire blocks until the caller owns the lane, ctx is done or abort is
// closed. Ownership must be returned with Release.
func (l *Lane) Acquire(ctx context.Context, abort <-chan struct{}) error {
	l.mu.Lock()
	if !l.held && l.waiters.Len() == 0 {
		l.held = true
		l.mu.Unlock()
		return nil
	}
	ticket := make(chan struct{})
	el := l.waiters.PushBack(ticket)
	l.mu.Unlock()

	var err error
	select {
	case <-ticket:
		return nil
	case <-ctx.Done():
		err = ctx.Err()
	case <-abort:
		err = errLaneAborted
	}

	l.mu.Lock()
	select {
	case <-ticket:
		// granted while giving up; pass it on
		l.mu.Unlock()
		l.Release()
		return err
	default:
		l.waiters.Remove(el)
	}
	l.mu.Unlock()
	return err
}

// Release returns ownership, waking the oldest waiter if there is one.
func (l *Lane) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if front := l.waiters.Front(); front != nil {
		l.waiters.Remove(front)
		close(front.Value.(chan struct{}))
		return
	}
	l.held = false
}

// Waiting returns the number of queued callers.
func (l *Lane) Waiting() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiters.Len()
}
