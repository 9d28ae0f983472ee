package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/crawler"
)

func fastConfig() Config {
	return Config{
		BaseInterval:     time.Millisecond,
		MaxInterval:      time.Second,
		BackoffFactor:    2,
		DecayFactor:      0.5,
		BreakerThreshold: 3,
		Cooldown:         200 * time.Millisecond,
		MaxWait:          2 * time.Second,
		MaxConcurrent:    4,
	}
}

func TestAcquireFirstRequestImmediate(t *testing.T) {
	t.Parallel()

	g := New(fastConfig(), zap.NewNop())
	start := time.Now()
	permit, err := g.Acquire(context.Background(), "example.test")
	require.NoError(t, err)
	permit.Release()
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

// TestBackoffMonotonicThenDecays ensures failures never shrink the interval and
// a success brings it back toward baseline.
func TestBackoffMonotonicThenDecays(t *testing.T) {
	t.Parallel()

	g := New(fastConfig(), zap.NewNop())
	host := "flaky.test"
	prev := g.Snapshot(host).Interval
	for _, class := range []crawler.OutcomeClass{
		crawler.OutcomeTransientError,
		crawler.OutcomeTransientError,
		crawler.OutcomeRateLimited,
		crawler.OutcomeTransientError,
		crawler.OutcomeRateLimited,
	} {
		g.ReportOutcome(host, class)
		cur := g.Snapshot(host).Interval
		require.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
	peak := g.Snapshot(host)
	require.Greater(t, peak.Multiplier, 1.0)

	g.ReportOutcome(host, crawler.OutcomeSuccess)
	after := g.Snapshot(host)
	require.Less(t, after.Multiplier, peak.Multiplier)
	require.Equal(t, 0, after.ConsecutiveFailures)

	for i := 0; i < 20; i++ {
		g.ReportOutcome(host, crawler.OutcomeSuccess)
	}
	require.Equal(t, 1.0, g.Snapshot(host).Multiplier)
	require.Equal(t, time.Millisecond, g.Snapshot(host).Interval)
}

func TestSingleTransientDoesNotBackOff(t *testing.T) {
	t.Parallel()

	g := New(fastConfig(), zap.NewNop())
	g.ReportOutcome("h.test", crawler.OutcomeTransientError)
	require.Equal(t, 1.0, g.Snapshot("h.test").Multiplier)
	g.ReportOutcome("h.test", crawler.OutcomeTransientError)
	require.Equal(t, 2.0, g.Snapshot("h.test").Multiplier)
}

func TestIntervalBoundedByMax(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.MaxInterval = 8 * time.Millisecond
	cfg.BreakerThreshold = 100
	g := New(cfg, zap.NewNop())
	for i := 0; i < 10; i++ {
		g.ReportOutcome("h.test", crawler.OutcomeRateLimited)
	}
	snap := g.Snapshot("h.test")
	require.Equal(t, 8*time.Millisecond, snap.Interval)
	require.Equal(t, 8.0, snap.Multiplier)
}

// TestBreakerSuspendsAndAcquireWaitsForCooldown covers five consecutive rate
// limit signals against a threshold of three.
func TestBreakerSuspendsAndAcquireWaitsForCooldown(t *testing.T) {
	t.Parallel()

	g := New(fastConfig(), zap.NewNop())
	host := "h.test"
	for i := 0; i < 5; i++ {
		g.ReportOutcome(host, crawler.OutcomeRateLimited)
	}
	snap := g.Snapshot(host)
	require.True(t, snap.Suspended)
	require.False(t, snap.SuspendedUntil.IsZero())

	start := time.Now()
	permit, err := g.Acquire(context.Background(), host)
	require.NoError(t, err)
	defer permit.Release()
	require.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	require.False(t, g.Snapshot(host).Suspended)
}

func TestAcquireBoundedWaitReturnsThrottled(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.Cooldown = time.Hour
	cfg.MaxWait = 30 * time.Millisecond
	g := New(cfg, zap.NewNop())
	for i := 0; i < 3; i++ {
		g.ReportOutcome("h.test", crawler.OutcomeRateLimited)
	}

	start := time.Now()
	_, err := g.Acquire(context.Background(), "h.test")
	require.Error(t, err)
	require.True(t, IsThrottled(err))
	require.True(t, errors.Is(err, crawler.ErrRateLimitSignal))
	require.Less(t, time.Since(start), time.Second)
	require.GreaterOrEqual(t, g.RetryHint("h.test"), 59*time.Minute)
}

func TestAcquireCancelled(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.Cooldown = 10 * time.Second
	cfg.MaxWait = time.Minute
	g := New(cfg, zap.NewNop())
	for i := 0; i < 3; i++ {
		g.ReportOutcome("h.test", crawler.OutcomeRateLimited)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := g.Acquire(ctx, "h.test")
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, IsThrottled(err))
}

func TestConcurrencyCap(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.MaxConcurrent = 1
	cfg.MaxWait = 30 * time.Millisecond
	g := New(cfg, zap.NewNop())

	first, err := g.Acquire(context.Background(), "h.test")
	require.NoError(t, err)
	require.Equal(t, 1, g.Snapshot("h.test").InUse)

	_, err = g.Acquire(context.Background(), "h.test")
	require.True(t, IsThrottled(err))

	first.Release()
	first.Release()
	second, err := g.Acquire(context.Background(), "h.test")
	require.NoError(t, err)
	second.Release()
	require.Equal(t, 0, g.Snapshot("h.test").InUse)
}

func TestHostOverride(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.Hosts = map[string]HostOverride{"slow.test": {Interval: 250 * time.Millisecond}}
	g := New(cfg, zap.NewNop())
	require.Equal(t, 250*time.Millisecond, g.Snapshot("SLOW.test").Interval)
	require.Equal(t, time.Millisecond, g.Snapshot("fast.test").Interval)
}

func TestResetClearsState(t *testing.T) {
	t.Parallel()

	g := New(fastConfig(), zap.NewNop())
	for i := 0; i < 3; i++ {
		g.ReportOutcome("h.test", crawler.OutcomeRateLimited)
	}
	require.True(t, g.Snapshot("h.test").Suspended)
	require.True(t, g.Reset("h.test"))
	require.False(t, g.Snapshot("h.test").Suspended)
	require.False(t, g.Reset("unknown.test"))
}

// TestResetKeepsStateForWaiters resets a host while an Acquire is queued on
// its token bucket; the waiter and later callers must share one state.
func TestResetKeepsStateForWaiters(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.BaseInterval = 300 * time.Millisecond
	g := New(cfg, zap.NewNop())
	ctx := context.Background()

	permit, err := g.Acquire(ctx, "wait.test")
	require.NoError(t, err)
	permit.Release()

	got := make(chan *Permit, 1)
	go func() {
		p, err := g.Acquire(ctx, "wait.test")
		require.NoError(t, err)
		got <- p
	}()
	held := func() int {
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.hosts["wait.test"].holders
	}
	require.Eventually(t, func() bool { return held() == 1 }, time.Second, 5*time.Millisecond)

	g.mu.Lock()
	before := g.hosts["wait.test"]
	g.mu.Unlock()
	require.True(t, g.Reset("wait.test"))
	require.Zero(t, g.Prune(0))
	g.mu.Lock()
	require.Same(t, before, g.hosts["wait.test"])
	g.mu.Unlock()

	waiter := <-got
	waiter.Release()
	require.Zero(t, held())
	time.Sleep(2 * time.Millisecond)
	require.Equal(t, 1, g.Prune(time.Millisecond))
}

func TestPruneDropsIdleHosts(t *testing.T) {
	t.Parallel()

	g := New(fastConfig(), zap.NewNop())
	permit, err := g.Acquire(context.Background(), "idle.test")
	require.NoError(t, err)
	permit.Release()
	g.ReportOutcome("busy.test", crawler.OutcomeRateLimited)

	time.Sleep(5 * time.Millisecond)
	require.Equal(t, 1, g.Prune(time.Millisecond))
	hosts := g.Snapshots()
	require.Len(t, hosts, 1)
	require.Equal(t, "busy.test", hosts[0].Host)
}
