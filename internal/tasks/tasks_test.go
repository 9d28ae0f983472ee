package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRunnerFiresScheduledTask(t *testing.T) {
	t.Parallel()

	r := NewRunner(zap.NewNop())
	var runs atomic.Int32
	require.NoError(t, r.Add("tick", "@every 1s", time.Second, func(context.Context) error {
		runs.Add(1)
		return nil
	}))
	r.Start()
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	require.NoError(t, r.Stop(context.Background()))
}

func TestRunnerRejectsBadSpec(t *testing.T) {
	t.Parallel()

	r := NewRunner(nil)
	require.Error(t, r.Add("bad", "every now and then", 0, func(context.Context) error { return nil }))
}

func TestStopCancelsRunningTask(t *testing.T) {
	t.Parallel()

	r := NewRunner(nil)
	started := make(chan struct{})
	require.NoError(t, r.Add("slow", "@every 1s", 0, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	r.Start()
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("task never started")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx))
}

func TestRunNowLogsFailures(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.ErrorLevel)
	r := NewRunner(zap.New(core))
	r.RunNow("discovery", time.Second, func(context.Context) error { return errors.New("quota") })
	require.Equal(t, 1, logs.FilterMessage("task failed").Len())
}

type fakeSweeper struct {
	evicted int
	err     error
	size    int
}

func (f *fakeSweeper) Sweep(context.Context) (int, error) { return f.evicted, f.err }
func (f *fakeSweeper) Len() int                           { return f.size }

type fakeHosts struct{ idle time.Duration }

func (f *fakeHosts) Prune(idle time.Duration) int {
	f.idle = idle
	return 2
}

type fakeQueue struct{ published int }

func (f *fakeQueue) PublishMetrics()            { f.published++ }
func (f *fakeQueue) UnhealthySources() []string { return []string{"src-1"} }

func TestMaintenanceRun(t *testing.T) {
	t.Parallel()

	hosts := &fakeHosts{}
	queue := &fakeQueue{}
	m := &Maintenance{
		Fingerprints: &fakeSweeper{evicted: 3, size: 10},
		Hosts:        hosts,
		Queue:        queue,
		HostIdle:     time.Hour,
	}
	require.NoError(t, m.Run(context.Background()))
	require.Equal(t, time.Hour, hosts.idle)
	require.Equal(t, 1, queue.published)

	m.Fingerprints = &fakeSweeper{err: errors.New("db down")}
	require.Error(t, m.Run(context.Background()))
}
