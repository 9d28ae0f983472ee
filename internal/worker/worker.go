// Package worker implements the fetch loop run by each pool member.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/metrics"
	"github.com/JakeFAU/harvester/internal/policy/ratelimit"
)

// Queue is the scheduler surface a worker needs.
type Queue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (crawler.CrawlJob, error)
	Complete(ctx context.Context, jobID string, outcome crawler.FetchOutcome) (crawler.JobState, error)
	Defer(ctx context.Context, jobID string, delay time.Duration) error
}

// Governor hands out politeness permits and learns from outcomes.
type Governor interface {
	Acquire(ctx context.Context, host string) (*ratelimit.Permit, error)
	ReportOutcome(host string, class crawler.OutcomeClass)
	RetryHint(host string) time.Duration
}

// Config controls Worker behavior.
type Config struct {
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// Deps are shared by every worker in a pool. Headless, Detector and Policy are optional.
type Deps struct {
	Queue    Queue
	Governor Governor
	Probe    crawler.Fetcher
	Headless crawler.Fetcher
	Detector crawler.HeadlessDetector
	Policy   crawler.Policy
	Clock    crawler.Clock
	Logger   *zap.Logger
}

// Worker pulls jobs from the scheduler and fetches them one at a time.
type Worker struct {
	id     int
	deps   Deps
	cfg    Config
	logger *zap.Logger
	busy   atomic.Bool
}

// New constructs a Worker.
func New(id int, deps Deps, cfg Config) *Worker {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:     id,
		deps:   deps,
		cfg:    cfg,
		logger: logger.With(zap.Int("worker", id)),
	}
}

// Busy reports whether the worker is processing a job.
func (w *Worker) Busy() bool {
	return w.busy.Load()
}

// Run pulls jobs until runCtx ends or quit is closed. Fetches run under
// fetchCtx so that they survive the end of runCtx until the pool forces them off.
func (w *Worker) Run(runCtx, fetchCtx context.Context, quit <-chan struct{}) {
	for {
		select {
		case <-quit:
			return
		case <-runCtx.Done():
			return
		default:
		}

		job, err := w.deps.Queue.Dequeue(runCtx, w.cfg.PollInterval)
		if err != nil {
			switch {
			case errors.Is(err, crawler.ErrQueueEmpty):
				continue
			case errors.Is(err, crawler.ErrQueueClosed), runCtx.Err() != nil:
				return
			default:
				w.logger.Error("dequeue failed", zap.Error(err))
				continue
			}
		}
		w.Process(fetchCtx, job)
	}
}

// Process runs one job through permit, fetch, classification and completion.
func (w *Worker) Process(ctx context.Context, job crawler.CrawlJob) {
	w.busy.Store(true)
	metrics.IncActiveWorkers()
	defer func() {
		metrics.DecActiveWorkers()
		w.busy.Store(false)
	}()

	logger := w.logger.With(zap.String("job_id", job.ID), zap.String("url", job.URL))
	host := job.Host()

	if w.deps.Policy != nil && !w.deps.Policy.AllowFetch(job.URL) {
		logger.Debug("fetch blocked by policy")
		w.complete(ctx, logger, job, crawler.FetchOutcome{
			Class: crawler.OutcomePermanentError,
			At:    w.deps.Clock.Now(),
			Err:   fmt.Errorf("%w: host %s blocked by policy", crawler.ErrPermanentFetch, host),
		})
		return
	}

	permit, err := w.deps.Governor.Acquire(ctx, host)
	if err != nil {
		delay := time.Duration(0)
		if ctx.Err() == nil {
			delay = w.deps.Governor.RetryHint(host)
		}
		logger.Debug("permit unavailable; deferring", zap.Duration("delay", delay), zap.Error(err))
		w.deferJob(ctx, logger, job, delay)
		return
	}
	outcome := w.fetch(ctx, job)
	permit.Release()

	if ctx.Err() != nil {
		// Cut short by forced shutdown: hand the job back untouched.
		w.deferJob(ctx, logger, job, 0)
		return
	}

	w.deps.Governor.ReportOutcome(host, outcome.Class)
	metrics.ObserveFetch(string(outcome.Class), outcome.Elapsed)
	w.complete(ctx, logger, job, outcome)
}

func (w *Worker) fetch(ctx context.Context, job crawler.CrawlJob) crawler.FetchOutcome {
	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()

	start := time.Now()
	req := crawler.FetchRequest{URL: job.URL, JobID: job.ID}
	resp, err := w.deps.Probe.Fetch(fetchCtx, req)
	if err == nil {
		if promoted, ok := w.maybePromote(fetchCtx, req, resp); ok {
			resp = promoted
		}
	}
	if resp.Duration == 0 {
		resp.Duration = time.Since(start)
	}
	return crawler.ClassifyFetch(resp, err, w.deps.Clock.Now())
}

func (w *Worker) maybePromote(ctx context.Context, req crawler.FetchRequest, resp crawler.FetchResponse) (crawler.FetchResponse, bool) {
	if w.deps.Headless == nil || w.deps.Detector == nil {
		return resp, false
	}
	if w.deps.Policy != nil && !w.deps.Policy.AllowHeadless(req.URL) {
		return resp, false
	}
	if !w.deps.Detector.ShouldPromote(resp) {
		return resp, false
	}
	headlessResp, err := w.deps.Headless.Fetch(ctx, req)
	if err != nil {
		w.logger.Warn("headless promotion failed", zap.String("url", req.URL), zap.Error(err))
		return resp, false
	}
	headlessResp.UsedHeadless = true
	if headlessResp.Headers == nil {
		headlessResp.Headers = resp.Headers
	}
	w.logger.Debug("headless promotion applied", zap.String("url", req.URL))
	return headlessResp, true
}

func (w *Worker) complete(ctx context.Context, logger *zap.Logger, job crawler.CrawlJob, outcome crawler.FetchOutcome) {
	state, err := w.deps.Queue.Complete(ctx, job.ID, outcome)
	if err != nil {
		logger.Error("complete failed", zap.Error(err))
		return
	}
	logger.Debug("job completed",
		zap.String("class", string(outcome.Class)),
		zap.Int("status", outcome.StatusCode),
		zap.String("state", string(state)))
}

func (w *Worker) deferJob(ctx context.Context, logger *zap.Logger, job crawler.CrawlJob, delay time.Duration) {
	if err := w.deps.Queue.Defer(context.WithoutCancel(ctx), job.ID, delay); err != nil {
		logger.Warn("defer failed", zap.Error(err))
	}
}
