package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFullReturnsErrFull(t *testing.T) {
	q := New(1)

	go func() {
		_ = q.Wait(context.Background(), "first", 0, time.Second)
	}()
	time.Sleep(20 * time.Millisecond)

	err := q.Wait(context.Background(), "second", 0, time.Millisecond)
	assert.ErrorIs(t, err, ErrFull)
}

func TestAdmitReleasesHighestPriorityFirst(t *testing.T) {
	q := New(10)

	resultCh := make(chan string, 2)
	go func() {
		err := q.Wait(context.Background(), "low", 0, time.Second)
		if err == nil {
			resultCh <- "low"
		}
	}()
	time.Sleep(10 * time.Millisecond)
	go func() {
		err := q.Wait(context.Background(), "high", 10, time.Second)
		if err == nil {
			resultCh <- "high"
		}
	}()
	time.Sleep(10 * time.Millisecond)

	require.True(t, q.Admit())
	first := <-resultCh
	assert.Equal(t, "high", first)

	require.True(t, q.Admit())
	second := <-resultCh
	assert.Equal(t, "low", second)
}

func TestWaitTimesOutWithErrTimeout(t *testing.T) {
	q := New(10)
	err := q.Wait(context.Background(), "lonely", 0, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, q.Len())
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	q := New(10)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := q.Wait(ctx, "cancel-me", 0, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCloseFailsWaitingEntries(t *testing.T) {
	q := New(10)
	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Wait(context.Background(), "waiting", 0, time.Second)
	}()
	time.Sleep(10 * time.Millisecond)

	q.Close()
	err := <-errCh
	assert.ErrorIs(t, err, ErrClosed)

	err = q.Wait(context.Background(), "after-close", 0, time.Second)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDrainReturnsWhenEmpty(t *testing.T) {
	q := New(10)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	assert.NoError(t, q.Drain(ctx))
}

func TestAdmitOnEmptyQueueReturnsFalse(t *testing.T) {
	q := New(10)
	assert.False(t, q.Admit())
}

func TestFIFOAtEqualPriority(t *testing.T) {
	q := New(10)
	resultCh := make(chan string, 2)
	go func() {
		if err := q.Wait(context.Background(), "first", 0, time.Second); err == nil {
			resultCh <- "first"
		}
	}()
	time.Sleep(10 * time.Millisecond)
	go func() {
		if err := q.Wait(context.Background(), "second", 0, time.Second); err == nil {
			resultCh <- "second"
		}
	}()
	time.Sleep(10 * time.Millisecond)

	require.True(t, q.Admit())
	assert.Equal(t, "first", <-resultCh)
	require.True(t, q.Admit())
	assert.Equal(t, "second", <-resultCh)
}
