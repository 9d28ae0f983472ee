// Package ratelimit implements the per-host politeness governor: a token bucket
// whose interval adapts to server feedback, a per-host concurrency cap, and a
// circuit breaker that suspends hosts after repeated failures.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/metrics"
)

// ErrThrottled is returned when a host cannot be admitted within the wait bound.
var ErrThrottled = fmt.Errorf("host throttled: %w", crawler.ErrRateLimitSignal)

// HostOverride replaces the defaults for a single host.
type HostOverride struct {
	Interval      time.Duration `mapstructure:"interval"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
}

// Config holds governor configuration.
type Config struct {
	BaseInterval     time.Duration           `mapstructure:"base_interval"`
	Burst            int                     `mapstructure:"burst"`
	MaxInterval      time.Duration           `mapstructure:"max_interval"`
	BackoffFactor    float64                 `mapstructure:"backoff_factor"`
	DecayFactor      float64                 `mapstructure:"decay_factor"`
	BreakerThreshold int                     `mapstructure:"breaker_threshold"`
	Cooldown         time.Duration           `mapstructure:"cooldown"`
	MaxWait          time.Duration           `mapstructure:"max_wait"`
	MaxConcurrent    int                     `mapstructure:"max_concurrent"`
	Hosts            map[string]HostOverride `mapstructure:"hosts"`
}

func (c Config) withDefaults() Config {
	if c.BaseInterval <= 0 {
		c.BaseInterval = time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.MaxInterval < c.BaseInterval {
		c.MaxInterval = 60 * time.Second
		if c.MaxInterval < c.BaseInterval {
			c.MaxInterval = c.BaseInterval
		}
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = 2
	}
	if c.DecayFactor <= 0 || c.DecayFactor >= 1 {
		c.DecayFactor = 0.5
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Minute
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	return c
}

type hostState struct {
	host           string
	limiter        *rate.Limiter
	sem            *semaphore.Weighted
	inUse          atomic.Int64
	// holders counts Acquire calls between lookup and permit release, waiters
	// included. Guarded by Governor.mu; a held state is never dropped.
	holders        int
	base           time.Duration
	multiplier     float64
	failures       int
	permanent      int
	suspendedUntil time.Time
	lastUsed       time.Time
}

// Governor manages per-host politeness state.
type Governor struct {
	mu     sync.Mutex
	hosts  map[string]*hostState
	cfg    Config
	logger *zap.Logger
}

// New creates a Governor.
func New(cfg Config, logger *zap.Logger) *Governor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Governor{
		hosts:  make(map[string]*hostState),
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Permit is a granted request slot. Release returns the host's concurrency slot.
type Permit struct {
	once    sync.Once
	release func()
}

// Release is safe to call more than once.
func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.once.Do(p.release)
}

func (g *Governor) state(host string) *hostState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stateLocked(strings.ToLower(host))
}

// hold returns the state for host and pins it until unhold.
func (g *Governor) hold(host string) *hostState {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.stateLocked(strings.ToLower(host))
	st.holders++
	return st
}

func (g *Governor) unhold(st *hostState) {
	g.mu.Lock()
	st.holders--
	st.lastUsed = time.Now()
	g.mu.Unlock()
}

func (g *Governor) stateLocked(key string) *hostState {
	st, ok := g.hosts[key]
	if ok {
		return st
	}
	base := g.cfg.BaseInterval
	concurrency := g.cfg.MaxConcurrent
	if override, found := g.cfg.Hosts[key]; found {
		if override.Interval > 0 {
			base = override.Interval
		}
		if override.MaxConcurrent > 0 {
			concurrency = override.MaxConcurrent
		}
	}
	st = &hostState{
		host:       key,
		limiter:    rate.NewLimiter(rate.Every(base), g.cfg.Burst),
		sem:        semaphore.NewWeighted(int64(concurrency)),
		base:       base,
		multiplier: 1,
		lastUsed:   time.Now(),
	}
	g.hosts[key] = st
	return st
}

// Acquire blocks until host may be fetched: not suspended, a concurrency slot
// free, and the token bucket admitting a request. The wait is bounded by
// MaxWait; exceeding it returns ErrThrottled. Cancelling ctx aborts the wait.
func (g *Governor) Acquire(ctx context.Context, host string) (*Permit, error) {
	parent := ctx
	if g.cfg.MaxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.MaxWait)
		defer cancel()
	}
	st := g.hold(host)
	start := time.Now()
	if err := g.admit(ctx, st); err != nil {
		g.unhold(st)
		return nil, g.acquireErr(parent, host, err)
	}

	st.inUse.Add(1)
	g.mu.Lock()
	st.lastUsed = time.Now()
	g.mu.Unlock()
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitWait(st.host, waited)
	}
	return &Permit{release: func() {
		st.inUse.Add(-1)
		st.sem.Release(1)
		g.unhold(st)
	}}, nil
}

// admit waits out suspension, a concurrency slot and a token, in that order.
// On success the caller owns one semaphore slot.
func (g *Governor) admit(ctx context.Context, st *hostState) error {
	for {
		if err := g.waitSuspension(ctx, st); err != nil {
			return err
		}
		if err := st.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		if err := st.limiter.Wait(ctx); err != nil {
			st.sem.Release(1)
			return err
		}
		if g.suspendedFor(st, time.Now()) > 0 {
			// Suspended while we queued; give the slot back and wait out the cooldown.
			st.sem.Release(1)
			continue
		}
		return nil
	}
}

func (g *Governor) waitSuspension(ctx context.Context, st *hostState) error {
	for {
		wait := g.suspendedFor(st, time.Now())
		if wait <= 0 {
			return nil
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
			return fmt.Errorf("suspended for %s", wait.Round(time.Millisecond))
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (g *Governor) suspendedFor(st *hostState, now time.Time) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st.suspendedUntil.IsZero() {
		return 0
	}
	return st.suspendedUntil.Sub(now)
}

func (g *Governor) acquireErr(parent context.Context, host string, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("acquire %s: %w", host, parent.Err())
	}
	return fmt.Errorf("acquire %s: %w: %v", host, ErrThrottled, err)
}

// ReportOutcome feeds a fetch classification back into the host's state.
func (g *Governor) ReportOutcome(host string, class crawler.OutcomeClass) {
	st := g.state(host)
	now := time.Now()

	g.mu.Lock()
	switch class {
	case crawler.OutcomeSuccess:
		st.failures = 0
		st.permanent = 0
		st.multiplier = math.Max(1, st.multiplier*g.cfg.DecayFactor)
	case crawler.OutcomeRateLimited:
		st.failures++
		g.backoffLocked(st)
	case crawler.OutcomeTransientError:
		st.failures++
		if st.failures > 1 {
			g.backoffLocked(st)
		}
	case crawler.OutcomePermanentError:
		st.permanent++
	}
	tripped := false
	if st.failures >= g.cfg.BreakerThreshold && !now.Before(st.suspendedUntil) {
		st.suspendedUntil = now.Add(g.cfg.Cooldown)
		tripped = true
	}
	interval := g.intervalLocked(st)
	multiplier := st.multiplier
	suspended := now.Before(st.suspendedUntil)
	failures := st.failures
	until := st.suspendedUntil
	g.mu.Unlock()

	st.limiter.SetLimit(rate.Every(interval))
	metrics.SetHostBackoff(st.host, multiplier)
	metrics.SetHostSuspended(st.host, suspended)
	if tripped {
		g.logger.Warn("host suspended",
			zap.String("host", st.host),
			zap.Int("consecutive_failures", failures),
			zap.Time("until", until),
		)
	}
}

func (g *Governor) backoffLocked(st *hostState) {
	maxMultiplier := float64(g.cfg.MaxInterval) / float64(st.base)
	if maxMultiplier < 1 {
		maxMultiplier = 1
	}
	st.multiplier = math.Min(st.multiplier*g.cfg.BackoffFactor, maxMultiplier)
}

func (g *Governor) intervalLocked(st *hostState) time.Duration {
	interval := time.Duration(float64(st.base) * st.multiplier)
	if interval > g.cfg.MaxInterval {
		interval = g.cfg.MaxInterval
	}
	return interval
}

// RetryHint suggests how long a job for host should wait before it is offered again.
func (g *Governor) RetryHint(host string) time.Duration {
	st := g.state(host)
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	hint := g.intervalLocked(st)
	if remaining := st.suspendedUntil.Sub(now); remaining > hint {
		hint = remaining
	}
	return hint
}

// Snapshot returns the state of a host.
func (g *Governor) Snapshot(host string) crawler.HostState {
	st := g.state(host)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked(st, time.Now())
}

// Snapshots returns every tracked host sorted by name.
func (g *Governor) Snapshots() []crawler.HostState {
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]crawler.HostState, 0, len(g.hosts))
	for _, st := range g.hosts {
		out = append(out, g.snapshotLocked(st, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

func (g *Governor) snapshotLocked(st *hostState, now time.Time) crawler.HostState {
	state := crawler.HostState{
		Host:                st.host,
		Interval:            g.intervalLocked(st),
		Multiplier:          st.multiplier,
		ConsecutiveFailures: st.failures,
		PermanentFailures:   st.permanent,
		Suspended:           now.Before(st.suspendedUntil),
		InUse:               int(st.inUse.Load()),
	}
	if state.Suspended {
		state.SuspendedUntil = st.suspendedUntil
	}
	return state
}

// Reset forgets everything known about host. Returns false if it was unknown.
func (g *Governor) Reset(host string) bool {
	key := strings.ToLower(host)
	g.mu.Lock()
	st, ok := g.hosts[key]
	if ok && st.holders == 0 {
		delete(g.hosts, key)
	} else if ok {
		st.failures = 0
		st.permanent = 0
		st.multiplier = 1
		st.suspendedUntil = time.Time{}
		st.limiter.SetLimit(rate.Every(st.base))
	}
	g.mu.Unlock()
	if ok {
		metrics.SetHostBackoff(key, 1)
		metrics.SetHostSuspended(key, false)
	}
	return ok
}

// Prune drops idle hosts at baseline so the map does not grow without bound.
func (g *Governor) Prune(idle time.Duration) int {
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for key, st := range g.hosts {
		if st.holders > 0 || st.multiplier > 1 || now.Before(st.suspendedUntil) {
			continue
		}
		if now.Sub(st.lastUsed) > idle {
			delete(g.hosts, key)
			metrics.ForgetHost(key)
			removed++
		}
	}
	return removed
}

// IsThrottled reports whether err came from the governor's wait bound.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}
