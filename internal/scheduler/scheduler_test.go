package scheduler

import (
	"context"
	"github.com/RezaEskandarii/rollqueue/types/config"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestFixedInterval(t *testing.T) {
	now := time.Now()
	assert.Equal(t, now.Add(250*time.Millisecond), fixedInterval(250*time.Millisecond).Next(now))
}

func TestEvery_RejectsNonPositiveInterval(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := New(config.SkipOverlap, logger)
	assert.Error(t, s.Every("cycle", 0, func(context.Context) {}))
}

func runFor(t *testing.T, s *Scheduler, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(d + 5*time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRun_SingleFlight(t *testing.T) {
	for _, policy := range []config.OverlapPolicy{config.SkipOverlap, config.DelayOverlap} {
		t.Run(policy.String(), func(t *testing.T) {
			logger, _ := test.NewNullLogger()
			s := New(policy, logger)

			var inFlight, maxInFlight, runs int32
			require.NoError(t, s.Every("cycle", 5*time.Millisecond, func(context.Context) {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					m := atomic.LoadInt32(&maxInFlight)
					if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
						break
					}
				}
				time.Sleep(30 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				atomic.AddInt32(&runs, 1)
			}))

			runFor(t, s, 300*time.Millisecond)

			assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
			assert.GreaterOrEqual(t, atomic.LoadInt32(&runs), int32(2))
			assert.Equal(t, int32(0), atomic.LoadInt32(&inFlight))
		})
	}
}

func TestRun_WaitsForInFlightTaskAndPassesCancellation(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := New(config.SkipOverlap, logger)

	var once sync.Once
	started := make(chan struct{})
	var sawCancel, finished atomic.Bool
	require.NoError(t, s.Every("cycle", 5*time.Millisecond, func(ctx context.Context) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		sawCancel.Store(true)
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.True(t, sawCancel.Load())
	assert.True(t, finished.Load())
}

func TestRun_Twice(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := New(config.SkipOverlap, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.running
	}, time.Second, time.Millisecond)

	assert.Error(t, s.Run(context.Background()))
	assert.Error(t, s.Every("late", time.Second, func(context.Context) {}))

	cancel()
	require.NoError(t, <-done)
}
