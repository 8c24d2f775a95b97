package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// brokenExecutor rejects every submission.
type brokenExecutor struct {
	calls atomic.Int32
}

func (b *brokenExecutor) submit(func()) error {
	b.calls.Add(1)
	return errors.New("this executor is broken")
}

func (b *brokenExecutor) stop() {}

func brokenService(t *testing.T, retry RetryHandler) (*Service, *brokenExecutor) {
	t.Helper()
	s := New(Config{Retry: retry})
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	b := &brokenExecutor{}
	for _, n := range Names {
		s.executors[n].stop()
		s.executors[n] = b
	}
	return s, b
}

func TestRetry(t *testing.T) {
	countTo5 := func() RetryHandler {
		count := 0
		return RetryFunc(func(Name, error) bool {
			count++
			return count < 5
		})
	}
	always := RetryFunc(func(Name, error) bool { return true })

	tests := []struct {
		name  string
		retry RetryHandler
		exec  Name
		want  int
		tries int32
	}{
		{"no handler", nil, Signal, 0, 1},
		{"handler says 5", countTo5(), Signal, 5, 5},
		{"default handler", DefaultRetryHandler(), MethodCall, DefaultHandlerRetries, DefaultHandlerRetries},
		{"hard limit", always, MethodReturn, MaxRetries, MaxRetries},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, b := brokenService(t, tc.retry)
			got, err := s.Execute(tc.exec, func() {})
			assert.ErrorIs(t, err, ErrDropped)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.tries, b.calls.Load())
		})
	}
}

func TestDefaultRetryHandlerResets(t *testing.T) {
	s, _ := brokenService(t, DefaultRetryHandler())
	for range 3 {
		got, _ := s.Execute(Error, func() {})
		assert.Equal(t, DefaultHandlerRetries, got)
	}
}

func TestExecuteInvalid(t *testing.T) {
	s := New(DefaultConfig())
	defer s.Shutdown(context.Background())

	got, err := s.Execute(Signal, nil)
	assert.NoError(t, err)
	assert.Equal(t, -1, got)
	got, _ = s.Execute("", func() {})
	assert.Equal(t, -1, got)

	_, err = s.Execute("BOGUS", func() {})
	assert.ErrorIs(t, err, ErrUnknownExecutor)
	assert.EqualError(t, err, "no executor found for BOGUS")
}

func TestExecuteClosed(t *testing.T) {
	s := New(DefaultConfig())
	require.NoError(t, s.Shutdown(context.Background()))
	assert.True(t, s.Closed())
	_, err := s.Execute(Signal, func() {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestExecuteNoFailure(t *testing.T) {
	var called atomic.Bool
	retry := RetryFunc(func(Name, error) bool {
		called.Store(true)
		return true
	})
	s := New(Config{Retry: retry})

	var wg sync.WaitGroup
	wg.Add(1)
	got, err := s.Execute(Error, wg.Done)
	require.NoError(t, err)
	assert.Equal(t, 0, got)
	wg.Wait()
	require.NoError(t, s.Shutdown(context.Background()))
	assert.False(t, called.Load(), "retry handler called without a failure")
}

func TestQueueFull(t *testing.T) {
	s := New(Config{
		Workers:    map[Name]int{Signal: 1},
		QueueDepth: 1,
	})
	release := make(chan struct{})
	started := make(chan struct{})
	_, err := s.Execute(Signal, func() {
		close(started)
		<-release
	})
	require.NoError(t, err)
	<-started

	// The worker is busy, so one task fits in the queue and the next
	// is rejected.
	_, err = s.Execute(Signal, func() {})
	require.NoError(t, err)
	_, err = s.Execute(Signal, func() {})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.ErrorIs(t, err, ErrDropped)

	close(release)
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestOrderedExecutor(t *testing.T) {
	s := New(DefaultConfig())
	var (
		mu  sync.Mutex
		got []int
	)
	for i := range 100 {
		_, err := s.Execute(Signal, func() {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, i)
		})
		require.NoError(t, err)
	}
	require.NoError(t, s.Shutdown(context.Background()))
	require.Len(t, got, 100)
	for i, v := range got {
		if v != i {
			t.Fatalf("signal task %d ran at position %d", v, i)
		}
	}
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	s := New(DefaultConfig())
	_, err := s.Execute(MethodReturn, func() { panic("boom") })
	require.NoError(t, err)
	done := make(chan struct{})
	_, err = s.Execute(MethodReturn, func() { close(done) })
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not survive a panicking task")
	}
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestShutdownTimeout(t *testing.T) {
	s := New(DefaultConfig())
	release := make(chan struct{})
	defer close(release)
	_, err := s.Execute(MethodCall, func() { <-release })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Shutdown(ctx), context.DeadlineExceeded)
}
