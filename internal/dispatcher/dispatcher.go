// Package dispatcher manages a resizable pool of fetch workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/metrics"
	"github.com/JakeFAU/harvester/internal/worker"
)

// ErrPoolStopped is returned when a stopped pool is started or resized.
var ErrPoolStopped = errors.New("worker pool stopped")

// Requeuer returns abandoned in-flight jobs to the queue.
type Requeuer interface {
	RequeueInFlight() int
}

type member struct {
	w    *worker.Worker
	quit chan struct{}
	done chan struct{}
}

// Pool owns the workers, their cancellation contexts and the shutdown sequence.
type Pool struct {
	deps     worker.Deps
	cfg      worker.Config
	requeuer Requeuer
	logger   *zap.Logger

	mu          sync.Mutex
	size        int
	members     []*member
	nextID      int
	started     bool
	stopped     bool
	runCtx      context.Context
	runCancel   context.CancelFunc
	fetchCtx    context.Context
	fetchCancel context.CancelFunc
	wg          sync.WaitGroup
}

// New creates a Pool of size workers. Nothing runs until Start.
func New(size int, deps worker.Deps, cfg worker.Config, requeuer Requeuer, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if size < 0 {
		size = 0
	}
	if deps.Logger == nil {
		deps.Logger = logger
	}
	return &Pool{
		deps:     deps,
		cfg:      cfg,
		requeuer: requeuer,
		logger:   logger,
		size:     size,
	}
}

// Start launches the workers. Fetches run under a context detached from ctx
// so that a cancelled ctx stops pulling work without aborting fetches;
// Stop decides when those are cut off.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPoolStopped
	}
	if p.started {
		return nil
	}
	p.runCtx, p.runCancel = context.WithCancel(ctx)
	p.fetchCtx, p.fetchCancel = context.WithCancel(context.WithoutCancel(ctx))
	p.started = true
	for i := 0; i < p.size; i++ {
		p.spawnLocked()
	}
	metrics.SetPoolSize(len(p.members))
	p.logger.Info("worker pool started", zap.Int("size", len(p.members)))
	return nil
}

func (p *Pool) spawnLocked() {
	p.nextID++
	m := &member{
		w:    worker.New(p.nextID, p.deps, p.cfg),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	p.members = append(p.members, m)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(m.done)
		m.w.Run(p.runCtx, p.fetchCtx, m.quit)
	}()
}

// Resize grows or shrinks the pool. Shrinking asks the newest workers to
// exit once their current job is finished.
func (p *Pool) Resize(n int) error {
	if n < 0 {
		return fmt.Errorf("resize pool: size must be >= 0, got %d", n)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPoolStopped
	}
	old := p.size
	p.size = n
	if !p.started {
		return nil
	}
	for len(p.members) < n {
		p.spawnLocked()
	}
	for len(p.members) > n {
		last := p.members[len(p.members)-1]
		close(last.quit)
		p.members = p.members[:len(p.members)-1]
	}
	metrics.SetPoolSize(len(p.members))
	p.logger.Info("worker pool resized", zap.Int("from", old), zap.Int("to", n))
	return nil
}

// Size returns the target number of workers.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// Active returns how many workers are processing a job right now.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	active := 0
	for _, m := range p.members {
		if m.w.Busy() {
			active++
		}
	}
	return active
}

// Stop stops pulling new jobs and waits for in-flight fetches until ctx is
// done. Fetches still running then are cancelled; their workers hand the jobs
// back, and any job left in flight is requeued. It returns how many jobs the
// final requeue recovered.
func (p *Pool) Stop(ctx context.Context) int {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return 0
	}
	p.stopped = true
	p.runCancel()
	p.members = nil
	p.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		p.logger.Info("worker pool drained")
	case <-ctx.Done():
		p.logger.Warn("shutdown grace elapsed; cancelling in-flight fetches")
		p.fetchCancel()
		<-finished
	}
	p.fetchCancel()
	metrics.SetPoolSize(0)

	requeued := 0
	if p.requeuer != nil {
		requeued = p.requeuer.RequeueInFlight()
	}
	return requeued
}
