package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/txix-open/isp-kit/log"
	"quota-gate-service/domain"
)

func testLimiter(t *testing.T, engineCfg EngineConfig, groups ...GroupConfig) *Limiter {
	t.Helper()
	logger, err := log.New(log.WithLevel(log.FatalLevel))
	require.NoError(t, err)
	limiter, err := New(logger, engineCfg, groups)
	require.NoError(t, err)
	limiter.Start()
	t.Cleanup(func() {
		_ = limiter.Close()
	})
	return limiter
}

func TestAcquireBurstThenPaced(t *testing.T) {
	t.Parallel()
	r := require.New(t)

	limiter := testLimiter(t, EngineConfig{}, GroupConfig{
		Name:  "public-read",
		Rate:  50,
		Burst: 10,
	})

	start := time.Now()
	var wg sync.WaitGroup
	elapsed := make([]time.Duration, 15)
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := limiter.Acquire(context.Background(), "public-read", "test")
			r.NoError(err)
			elapsed[i] = time.Since(start)
		}(i)
	}
	wg.Wait()

	// burst admits 10 immediately, the rest pace at 20ms intervals:
	// the last admission cannot land before 5 whole intervals
	r.GreaterOrEqual(time.Since(start), 90*time.Millisecond)
	immediate := 0
	for _, d := range elapsed {
		if d < 15*time.Millisecond {
			immediate++
		}
	}
	r.LessOrEqual(immediate, 10)

	status := limiter.Status()
	r.Equal(int64(15), groupStatus(t, status, "public-read").TotalGranted)
	r.Equal(int64(5), groupStatus(t, status, "public-read").TotalQueued)
}

func TestAcquireKeepsFifoOrder(t *testing.T) {
	t.Parallel()
	r := require.New(t)

	limiter := testLimiter(t, EngineConfig{}, GroupConfig{
		Name:  "private-order",
		Rate:  20,
		Burst: 1,
	})

	// occupy the only slot so every subsequent caller queues
	r.NoError(limiter.Acquire(context.Background(), "private-order", "warmup"))

	var mu sync.Mutex
	granted := make([]int, 0, 5)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := limiter.Acquire(context.Background(), "private-order", "ordered")
			r.NoError(err)
			mu.Lock()
			granted = append(granted, i)
			mu.Unlock()
		}(i)
		// serialize enqueue order
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	r.Equal([]int{0, 1, 2, 3, 4}, granted)
}

func TestAcquireDualLimitGroup(t *testing.T) {
	t.Parallel()
	r := require.New(t)

	limiter := testLimiter(t, EngineConfig{}, GroupConfig{
		Name:        "websocket",
		Rate:        5,
		Burst:       5,
		MinuteRate:  100,
		MinuteBurst: 100,
	})

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.NoError(limiter.Acquire(context.Background(), "websocket", "connect"))
		}()
	}
	wg.Wait()

	// the per-second constraint governs, unused minute budget does not help:
	// 5 burst then 3 more at 200ms each
	r.GreaterOrEqual(time.Since(start), 500*time.Millisecond)
}

func TestAcquireCancellation(t *testing.T) {
	t.Parallel()
	r := require.New(t)

	limiter := testLimiter(t, EngineConfig{}, GroupConfig{
		Name:  "private-cancel-all",
		Rate:  0.5,
		Burst: 1,
	})

	r.NoError(limiter.Acquire(context.Background(), "private-cancel-all", "warmup"))

	blocked := make(chan error, 1)
	go func() {
		blocked <- limiter.Acquire(context.Background(), "private-cancel-all", "stays")
	}()
	// let the first waiter enqueue
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		cancelled <- limiter.Acquire(ctx, "private-cancel-all", "withdraws")
	}()
	time.Sleep(20 * time.Millisecond)

	r.Equal(2, limiter.groups["private-cancel-all"].queueDepth())
	cancel()
	r.ErrorIs(<-cancelled, context.Canceled)
	r.Equal(1, limiter.groups["private-cancel-all"].queueDepth())

	// the remaining waiter is eventually granted
	select {
	case err := <-blocked:
		r.NoError(err)
	case <-time.After(5 * time.Second):
		r.Fail("waiter was not granted")
	}
}

func TestAcquireWatchdogTimeout(t *testing.T) {
	t.Parallel()
	r := require.New(t)

	limiter := testLimiter(t, EngineConfig{
		MaxAwaitTime:     50 * time.Millisecond,
		WatchdogInterval: 20 * time.Millisecond,
	}, GroupConfig{
		Name:  "private-cancel-all",
		Rate:  0.01,
		Burst: 1,
	})

	r.NoError(limiter.Acquire(context.Background(), "private-cancel-all", "warmup"))

	start := time.Now()
	err := limiter.Acquire(context.Background(), "private-cancel-all", "doomed")
	r.ErrorIs(err, ErrAcquireTimeout)
	r.Less(time.Since(start), 2*time.Second)

	status := groupStatus(t, limiter.Status(), "private-cancel-all")
	r.Equal(int64(1), status.TotalTimeouts)
}

func TestCloseResolvesQueuedWaiters(t *testing.T) {
	t.Parallel()
	r := require.New(t)

	limiter := testLimiter(t, EngineConfig{
		MaxAwaitTime: 100 * time.Millisecond,
	}, GroupConfig{
		Name:  "private-cancel-all",
		Rate:  0.1,
		Burst: 1,
	})

	// occupy the only slot so the next caller queues for ~10s
	r.NoError(limiter.Acquire(context.Background(), "private-cancel-all", "warmup"))

	blocked := make(chan error, 1)
	go func() {
		blocked <- limiter.Acquire(context.Background(), "private-cancel-all", "queued")
	}()
	// let the waiter enqueue
	time.Sleep(20 * time.Millisecond)
	r.Equal(1, limiter.groups["private-cancel-all"].queueDepth())

	r.NoError(limiter.Close())

	select {
	case err := <-blocked:
		r.ErrorIs(err, ErrAcquireTimeout)
	case <-time.After(time.Second):
		r.Fail("waiter outlived the closed engine")
	}
	status := groupStatus(t, limiter.Status(), "private-cancel-all")
	r.Equal(int64(1), status.TotalTimeouts)
}

func TestAcquireUnknownGroup(t *testing.T) {
	t.Parallel()
	r := require.New(t)

	limiter := testLimiter(t, EngineConfig{}, GroupConfig{Name: "public-read", Rate: 1, Burst: 1})

	err := limiter.Acquire(context.Background(), "no-such-group", "test")
	r.Error(err)
}

func TestNotifyViolationAffectsSingleGroup(t *testing.T) {
	t.Parallel()
	r := require.New(t)

	adjustment := GroupConfig{
		DynamicAdjustment: true,
		ErrorThreshold:    5,
		ErrorWindow:       60 * time.Second,
		ReductionRatio:    0.5,
		MinRatio:          0.1,
		RecoveryDelay:     120 * time.Second,
		RecoveryStep:      0.1,
	}
	noisy := adjustment
	noisy.Name = "private-default"
	noisy.Rate = 6
	noisy.Burst = 6
	quiet := adjustment
	quiet.Name = "public-read"
	quiet.Rate = 10
	quiet.Burst = 10

	limiter := testLimiter(t, EngineConfig{}, noisy, quiet)

	for i := 0; i < 5; i++ {
		limiter.NotifyViolation("private-default")
	}
	// unknown groups are ignored
	limiter.NotifyViolation("no-such-group")

	status := limiter.Status()
	r.InDelta(0.5, groupStatus(t, status, "private-default").Ratio, 0.0001)
	r.InDelta(3.0, groupStatus(t, status, "private-default").EffectiveRate, 0.0001)
	r.InDelta(1.0, groupStatus(t, status, "public-read").Ratio, 0.0001)
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()
	r := require.New(t)

	logger, err := log.New(log.WithLevel(log.FatalLevel))
	r.NoError(err)

	_, err = New(logger, EngineConfig{}, nil)
	r.Error(err)

	_, err = New(logger, EngineConfig{}, []GroupConfig{{Name: "bad", Rate: -1, Burst: 1}})
	r.Error(err)

	_, err = New(logger, EngineConfig{}, []GroupConfig{
		{Name: "dup", Rate: 1, Burst: 1},
		{Name: "dup", Rate: 1, Burst: 1},
	})
	r.Error(err)

	_, err = New(logger, EngineConfig{}, []GroupConfig{{
		Name: "bad-adjustment", Rate: 1, Burst: 1,
		DynamicAdjustment: true, ErrorThreshold: 5, ErrorWindow: time.Minute,
		ReductionRatio: 1.5, MinRatio: 0.1, RecoveryDelay: time.Minute, RecoveryStep: 0.1,
	}})
	r.Error(err)
}

func groupStatus(t *testing.T, status domain.EngineStatus, group string) domain.GroupStatus {
	t.Helper()
	for _, gs := range status.Groups {
		if gs.Group == group {
			return gs
		}
	}
	require.NoError(t, errors.Errorf("group '%s' not found in status", group))
	return domain.GroupStatus{}
}
