package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaneFIFO(t *testing.T) {
	var l Lane
	require.NoError(t, l.Acquire(context.Background(), nil))

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := l.Acquire(context.Background(), nil); err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			l.Release()
		}(i)
		// enqueue strictly in order
		require.Eventually(t, func() bool { return l.Waiting() == i+1 }, time.Second, time.Millisecond)
	}
	l.Release()
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.Equal(t, 0, l.Waiting())
	// free again
	require.NoError(t, l.Acquire(context.Background(), nil))
	l.Release()
}

func TestLaneContextCancelLeavesQueue(t *testing.T) {
	var l Lane
	require.NoError(t, l.Acquire(context.Background(), nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, l.Waiting())

	l.Release()
	require.NoError(t, l.Acquire(context.Background(), nil))
	l.Release()
}

func TestLaneAbort(t *testing.T) {
	var l Lane
	require.NoError(t, l.Acquire(context.Background(), nil))
	abort := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- l.Acquire(context.Background(), abort) }()
	require.Eventually(t, func() bool { return l.Waiting() == 1 }, time.Second, time.Millisecond)
	close(abort)
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, errLaneAborted))
	case <-time.After(time.Second):
		t.Fatal("abort did not wake waiter")
	}
	l.Release()
}

func TestLaneHandoffSurvivesRacingCancel(t *testing.T) {
	var l Lane
	for i := 0; i < 200; i++ {
		require.NoError(t, l.Acquire(context.Background(), nil))
		ctx, cancel := context.WithCancel(context.Background())
		res := make(chan error, 1)
		go func() { res <- l.Acquire(ctx, nil) }()
		require.Eventually(t, func() bool { return l.Waiting() == 1 }, time.Second, time.Microsecond)
		go cancel()
		l.Release()
		if err := <-res; err == nil {
			l.Release()
		}
		// whatever happened the lane must be free
		ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
		require.NoError(t, l.Acquire(ctx2, nil))
		l.Release()
		cancel2()
	}
}
