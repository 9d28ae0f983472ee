// Package scheduler owns the crawl frontier: a priority queue of pending jobs,
// the in-flight set, retry scheduling and completion handling.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/metrics"
)

// Config tunes queue bounds, retries and staleness.
type Config struct {
	MaxPending         int           `mapstructure:"max_pending"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryBaseDelay     time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay      time.Duration `mapstructure:"retry_max_delay"`
	RetryPriorityStep  int           `mapstructure:"retry_priority_step"`
	MinPriority        int           `mapstructure:"min_priority"`
	StalenessWindow    time.Duration `mapstructure:"staleness_window"`
	UnhealthyThreshold int           `mapstructure:"unhealthy_threshold"`
}

// FingerprintIndex is the slice of the fingerprint store the scheduler needs.
type FingerprintIndex interface {
	Lookup(ctx context.Context, kind crawler.FingerprintKind, fp string) (crawler.FingerprintMeta, bool, error)
	Touch(ctx context.Context, meta crawler.FingerprintMeta) error
}

// Indexer turns a successful fetch into an IndexRecord.
type Indexer interface {
	Process(ctx context.Context, job crawler.CrawlJob, outcome crawler.FetchOutcome) (crawler.IndexResult, error)
}

// Deps are the collaborators a Scheduler works with. Indexer and Sources are optional.
type Deps struct {
	Fingerprints FingerprintIndex
	Indexer      Indexer
	Sources      crawler.SourceStore
	Clock        crawler.Clock
	IDs          crawler.IDGenerator
	Logger       *zap.Logger
}

// Option customizes a single Enqueue call.
type Option func(*enqueueOptions)

type enqueueOptions struct {
	sourceID  string
	staleness time.Duration
	force     bool
	attempt   int
}

// WithSource attributes the job to a source.
func WithSource(id string) Option {
	return func(o *enqueueOptions) { o.sourceID = id }
}

// WithStaleness overrides the global staleness window for this URL.
func WithStaleness(d time.Duration) Option {
	return func(o *enqueueOptions) { o.staleness = d }
}

// WithForce skips the staleness check; a URL already pending or in flight is still rejected.
func WithForce() Option {
	return func(o *enqueueOptions) { o.force = true }
}

// Scheduler is safe for concurrent use by any number of producers and workers.
type Scheduler struct {
	cfg     Config
	retry   RetryPolicy
	fps     FingerprintIndex
	indexer Indexer
	sources crawler.SourceStore
	clock   crawler.Clock
	ids     crawler.IDGenerator
	logger  *zap.Logger

	mu         sync.Mutex
	ready      readyQueue
	delayed    delayQueue
	pending    map[string]*item
	inflight   map[string]crawler.CrawlJob
	inflightFP map[string]string
	health     map[string]int
	unhealthy  map[string]bool
	seq        uint64
	stats      crawler.SchedulerStats
	closed     bool

	wake      chan struct{}
	space     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New builds a Scheduler. Fingerprints, Clock and IDs are required.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if deps.Fingerprints == nil {
		return nil, errors.New("scheduler: fingerprint index is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("scheduler: clock is required")
	}
	if deps.IDs == nil {
		return nil, errors.New("scheduler: id generator is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RetryPriorityStep < 0 {
		cfg.RetryPriorityStep = 0
	}
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = 5
	}
	return &Scheduler{
		cfg:        cfg,
		retry:      NewRetryPolicy(cfg.MaxRetries, cfg.RetryBaseDelay, cfg.RetryMaxDelay),
		fps:        deps.Fingerprints,
		indexer:    deps.Indexer,
		sources:    deps.Sources,
		clock:      deps.Clock,
		ids:        deps.IDs,
		logger:     logger,
		pending:    make(map[string]*item),
		inflight:   make(map[string]crawler.CrawlJob),
		inflightFP: make(map[string]string),
		health:     make(map[string]int),
		unhealthy:  make(map[string]bool),
		wake:       make(chan struct{}, 1),
		space:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}, nil
}

// Enqueue normalizes rawURL and adds a Pending job unless the URL is already
// pending, in flight, or was fetched within the staleness window.
func (s *Scheduler) Enqueue(ctx context.Context, rawURL string, priority int, opts ...Option) (crawler.EnqueueResult, error) {
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}
	normalized, fp, err := crawler.URLFingerprint(rawURL)
	if err != nil {
		metrics.ObserveEnqueue("invalid")
		return crawler.EnqueueResult{URL: rawURL}, err
	}
	res := crawler.EnqueueResult{URL: normalized, Fingerprint: fp}

	if id, ok := s.tracked(fp); ok {
		return s.duplicate(res, id), nil
	}

	window := s.cfg.StalenessWindow
	if o.staleness > 0 {
		window = o.staleness
	}
	if window > 0 && !o.force {
		meta, seen, err := s.fps.Lookup(ctx, crawler.FingerprintURL, fp)
		if err != nil {
			return res, fmt.Errorf("enqueue %s: %w", normalized, err)
		}
		if seen && s.clock.Now().Sub(meta.SeenAt) < window {
			return s.duplicate(res, ""), nil
		}
	}

	id, err := s.ids.NewID()
	if err != nil {
		return res, fmt.Errorf("enqueue %s: generate id: %w", normalized, err)
	}
	now := s.clock.Now()
	job := crawler.CrawlJob{
		ID:              id,
		URL:             normalized,
		Fingerprint:     fp,
		SourceID:        o.sourceID,
		Priority:        priority,
		Attempt:         o.attempt,
		EnqueuedAt:      now,
		NotBefore:       now,
		State:           crawler.JobStatePending,
		StalenessWindow: o.staleness,
	}
	return s.admit(ctx, res, job)
}

// EnqueueJob admits a job produced elsewhere, e.g. received from the broker.
// Priority and attempt are preserved; URL and fingerprint are recomputed.
func (s *Scheduler) EnqueueJob(ctx context.Context, job crawler.CrawlJob) (crawler.EnqueueResult, error) {
	opts := []Option{WithSource(job.SourceID), func(o *enqueueOptions) { o.attempt = job.Attempt }}
	if job.StalenessWindow > 0 {
		opts = append(opts, WithStaleness(job.StalenessWindow))
	}
	return s.Enqueue(ctx, job.URL, job.Priority, opts...)
}

func (s *Scheduler) admit(ctx context.Context, res crawler.EnqueueResult, job crawler.CrawlJob) (crawler.EnqueueResult, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return res, crawler.ErrQueueClosed
		}
		if id, ok := s.trackedLocked(job.Fingerprint); ok {
			s.mu.Unlock()
			return s.duplicate(res, id), nil
		}
		if s.cfg.MaxPending > 0 && len(s.pending) >= s.cfg.MaxPending {
			s.mu.Unlock()
			select {
			case <-s.space:
				continue
			case <-s.done:
				return res, crawler.ErrQueueClosed
			case <-ctx.Done():
				return res, fmt.Errorf("enqueue %s: %w", job.URL, ctx.Err())
			}
		}
		s.pushLocked(job)
		s.stats.Enqueued++
		roomLeft := s.cfg.MaxPending > 0 && len(s.pending) < s.cfg.MaxPending
		s.mu.Unlock()

		if roomLeft {
			signal(s.space)
		}
		signal(s.wake)
		metrics.ObserveEnqueue("accepted")
		res.JobID = job.ID
		res.State = crawler.JobStatePending
		return res, nil
	}
}

func (s *Scheduler) duplicate(res crawler.EnqueueResult, existingID string) crawler.EnqueueResult {
	s.mu.Lock()
	s.stats.Duplicates++
	s.mu.Unlock()
	metrics.ObserveEnqueue("duplicate")
	res.JobID = existingID
	res.State = crawler.JobStateSkippedDuplicate
	return res
}

func (s *Scheduler) tracked(fp string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trackedLocked(fp)
}

func (s *Scheduler) trackedLocked(fp string) (string, bool) {
	if it, ok := s.pending[fp]; ok {
		return it.job.ID, true
	}
	if id, ok := s.inflightFP[fp]; ok {
		return id, true
	}
	return "", false
}

// pushLocked places a pending job on the ready or delayed heap.
func (s *Scheduler) pushLocked(job crawler.CrawlJob) {
	s.seq++
	job.State = crawler.JobStatePending
	it := &item{job: job, seq: s.seq}
	s.pending[job.Fingerprint] = it
	if job.NotBefore.After(s.clock.Now()) {
		heap.Push(&s.delayed, it)
	} else {
		heap.Push(&s.ready, it)
	}
	s.publishDepthLocked()
}

func (s *Scheduler) promoteLocked(now time.Time) {
	for len(s.delayed) > 0 && !s.delayed[0].job.NotBefore.After(now) {
		it := heap.Pop(&s.delayed).(*item)
		heap.Push(&s.ready, it)
	}
}

// Dequeue hands out the highest-priority eligible job, blocking up to timeout.
// A timeout of zero waits until ctx is done. It returns crawler.ErrQueueEmpty
// when the timeout elapses first.
func (s *Scheduler) Dequeue(ctx context.Context, timeout time.Duration) (crawler.CrawlJob, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return crawler.CrawlJob{}, crawler.ErrQueueClosed
		}
		now := s.clock.Now()
		s.promoteLocked(now)
		if len(s.ready) > 0 {
			it := heap.Pop(&s.ready).(*item)
			job := it.job
			delete(s.pending, job.Fingerprint)
			job.State = crawler.JobStateInFlight
			s.inflight[job.ID] = job
			s.inflightFP[job.Fingerprint] = job.ID
			more := len(s.ready) > 0
			s.publishDepthLocked()
			s.mu.Unlock()

			if more {
				signal(s.wake)
			}
			signal(s.space)
			return job, nil
		}
		var retryTimer *time.Timer
		var retryC <-chan time.Time
		if len(s.delayed) > 0 {
			wait := s.delayed[0].job.NotBefore.Sub(now)
			if wait < time.Millisecond {
				wait = time.Millisecond
			}
			retryTimer = time.NewTimer(wait)
			retryC = retryTimer.C
		}
		s.mu.Unlock()

		var err error
		select {
		case <-s.wake:
		case <-retryC:
		case <-s.done:
			err = crawler.ErrQueueClosed
		case <-deadline:
			err = crawler.ErrQueueEmpty
		case <-ctx.Done():
			err = fmt.Errorf("dequeue: %w", ctx.Err())
		}
		if retryTimer != nil {
			retryTimer.Stop()
		}
		if err != nil {
			return crawler.CrawlJob{}, err
		}
	}
}

// Complete applies a fetch outcome to an in-flight job and returns the
// resulting state. Pending means the job went back on the queue.
func (s *Scheduler) Complete(ctx context.Context, jobID string, outcome crawler.FetchOutcome) (crawler.JobState, error) {
	job, ok := s.inFlightJob(jobID)
	if !ok {
		return "", fmt.Errorf("complete %s: %w", jobID, crawler.ErrUnknownJob)
	}

	switch outcome.Class {
	case crawler.OutcomeSuccess:
		return s.completeSuccess(ctx, job, outcome)
	case crawler.OutcomeTransientError, crawler.OutcomeRateLimited:
		return s.retryOrFail(ctx, job, outcome.Class, outcome.RetryAfter, errText(outcome.Err, outcome.Class))
	case crawler.OutcomePermanentError:
		return s.finish(ctx, job, crawler.JobStateFailed, crawler.OutcomePermanentError, errText(outcome.Err, outcome.Class))
	default:
		return "", fmt.Errorf("complete %s: unknown outcome class %q", jobID, outcome.Class)
	}
}

func (s *Scheduler) completeSuccess(ctx context.Context, job crawler.CrawlJob, outcome crawler.FetchOutcome) (crawler.JobState, error) {
	if s.indexer == nil {
		return s.finish(ctx, job, crawler.JobStateDone, crawler.OutcomeSuccess, "")
	}
	res, err := s.indexer.Process(ctx, job, outcome)
	switch {
	case err == nil && res.Duplicate:
		return s.finish(ctx, job, crawler.JobStateSkippedDuplicate, crawler.OutcomeSuccess, "")
	case err == nil:
		return s.finish(ctx, job, crawler.JobStateDone, crawler.OutcomeSuccess, "")
	case errors.Is(err, crawler.ErrStoreUnavailable):
		s.logger.Warn("store unavailable while indexing; requeueing",
			zap.String("job_id", job.ID), zap.String("url", job.URL), zap.Error(err))
		return crawler.JobStatePending, s.requeue(job, s.retry.BaseDelay, "store_unavailable", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return crawler.JobStatePending, s.requeue(job, 0, "interrupted", err.Error())
	case errors.Is(err, crawler.ErrExtraction):
		return s.finish(ctx, job, crawler.JobStateFailed, crawler.OutcomePermanentError, err.Error())
	default:
		return s.retryOrFail(ctx, job, crawler.OutcomeTransientError, 0, err.Error())
	}
}

func (s *Scheduler) retryOrFail(ctx context.Context, job crawler.CrawlJob, class crawler.OutcomeClass, retryAfter time.Duration, reason string) (crawler.JobState, error) {
	job.Attempt++
	if s.retry.Exhausted(job.Attempt) {
		return s.finish(ctx, job, crawler.JobStateFailed, class, reason)
	}
	delay := s.retry.Backoff(job.Attempt)
	if retryAfter > delay {
		delay = retryAfter
	}
	job.Priority -= s.cfg.RetryPriorityStep
	if job.Priority < s.cfg.MinPriority {
		job.Priority = s.cfg.MinPriority
	}
	job.LastError = reason

	s.mu.Lock()
	if _, ok := s.inflight[job.ID]; !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("retry %s: %w", job.ID, crawler.ErrUnknownJob)
	}
	s.removeInFlightLocked(job)
	job.NotBefore = s.clock.Now().Add(delay)
	s.pushLocked(job)
	s.stats.Retried++
	s.mu.Unlock()

	signal(s.wake)
	metrics.ObserveRetry()
	s.logger.Debug("job scheduled for retry",
		zap.String("job_id", job.ID),
		zap.String("url", job.URL),
		zap.Int("attempt", job.Attempt),
		zap.Duration("delay", delay),
		zap.String("class", string(class)))
	return crawler.JobStatePending, nil
}

func (s *Scheduler) finish(ctx context.Context, job crawler.CrawlJob, state crawler.JobState, class crawler.OutcomeClass, reason string) (crawler.JobState, error) {
	now := s.clock.Now()
	s.mu.Lock()
	_, known := s.inflight[job.ID]
	s.mu.Unlock()
	if !known {
		return "", fmt.Errorf("finish %s: %w", job.ID, crawler.ErrUnknownJob)
	}

	// The URL stays in flight until its recency is recorded, so a concurrent
	// Enqueue sees one or the other.
	if err := s.fps.Touch(ctx, crawler.FingerprintMeta{
		Fingerprint: job.Fingerprint,
		Kind:        crawler.FingerprintURL,
		URL:         job.URL,
		SourceID:    job.SourceID,
		SeenAt:      now,
	}); err != nil {
		s.logger.Warn("failed to record url fingerprint", zap.String("url", job.URL), zap.Error(err))
	}

	s.mu.Lock()
	if _, ok := s.inflight[job.ID]; !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("finish %s: %w", job.ID, crawler.ErrUnknownJob)
	}
	s.removeInFlightLocked(job)
	switch state {
	case crawler.JobStateFailed:
		s.stats.Failed++
	default:
		s.stats.Done++
	}
	flagged, cleared := s.trackHealthLocked(job.SourceID, state, class)
	s.publishDepthLocked()
	s.mu.Unlock()

	metrics.ObserveCompletion(string(state))
	if flagged {
		s.logger.Warn("source marked unhealthy", zap.String("source_id", job.SourceID))
		metrics.SetSourceUnhealthy(job.SourceID, true)
	}
	if cleared {
		metrics.SetSourceUnhealthy(job.SourceID, false)
	}

	if s.sources != nil && job.SourceID != "" {
		if err := s.sources.MarkSourceCrawled(ctx, job.SourceID, now, state == crawler.JobStateFailed); err != nil {
			s.logger.Warn("failed to update source", zap.String("source_id", job.SourceID), zap.Error(err))
		}
	}
	if state == crawler.JobStateFailed {
		s.logger.Info("job failed",
			zap.String("job_id", job.ID),
			zap.String("url", job.URL),
			zap.Int("attempt", job.Attempt),
			zap.String("reason", reason))
	}
	return state, nil
}

func (s *Scheduler) trackHealthLocked(sourceID string, state crawler.JobState, class crawler.OutcomeClass) (flagged, cleared bool) {
	if sourceID == "" {
		return false, false
	}
	switch {
	case state == crawler.JobStateFailed && class == crawler.OutcomePermanentError:
		s.health[sourceID]++
		if s.health[sourceID] >= s.cfg.UnhealthyThreshold && !s.unhealthy[sourceID] {
			s.unhealthy[sourceID] = true
			return true, false
		}
	case state != crawler.JobStateFailed:
		delete(s.health, sourceID)
		if s.unhealthy[sourceID] {
			delete(s.unhealthy, sourceID)
			return false, true
		}
	}
	return false, false
}

// Defer returns an in-flight job to the queue without consuming an attempt.
// Workers use it when a politeness permit could not be obtained in time.
func (s *Scheduler) Defer(_ context.Context, jobID string, delay time.Duration) error {
	job, ok := s.inFlightJob(jobID)
	if !ok {
		return fmt.Errorf("defer %s: %w", jobID, crawler.ErrUnknownJob)
	}
	return s.requeue(job, delay, "deferred", "")
}

func (s *Scheduler) requeue(job crawler.CrawlJob, delay time.Duration, reason, lastErr string) error {
	s.mu.Lock()
	if _, ok := s.inflight[job.ID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("requeue %s: %w", job.ID, crawler.ErrUnknownJob)
	}
	s.removeInFlightLocked(job)
	job.NotBefore = s.clock.Now().Add(delay)
	if lastErr != "" {
		job.LastError = lastErr
	}
	s.pushLocked(job)
	s.stats.Requeued++
	s.mu.Unlock()

	signal(s.wake)
	metrics.ObserveRequeue(reason)
	return nil
}

// RequeueInFlight returns every in-flight job to Pending. It is the shutdown
// safety net for jobs whose workers never reported back.
func (s *Scheduler) RequeueInFlight() int {
	s.mu.Lock()
	jobs := make([]crawler.CrawlJob, 0, len(s.inflight))
	for _, job := range s.inflight {
		jobs = append(jobs, job)
	}
	now := s.clock.Now()
	for _, job := range jobs {
		s.removeInFlightLocked(job)
		job.NotBefore = now
		s.pushLocked(job)
		s.stats.Requeued++
	}
	s.mu.Unlock()

	for range jobs {
		metrics.ObserveRequeue("shutdown")
	}
	if len(jobs) > 0 {
		signal(s.wake)
		s.logger.Info("requeued in-flight jobs", zap.Int("count", len(jobs)))
	}
	return len(jobs)
}

func (s *Scheduler) removeInFlightLocked(job crawler.CrawlJob) {
	delete(s.inflight, job.ID)
	if s.inflightFP[job.Fingerprint] == job.ID {
		delete(s.inflightFP, job.Fingerprint)
	}
}

func (s *Scheduler) inFlightJob(jobID string) (crawler.CrawlJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.inflight[jobID]
	return job, ok
}

// Pending returns a snapshot of queued jobs, ready jobs first in dequeue order.
func (s *Scheduler) Pending() []crawler.CrawlJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked()
}

func (s *Scheduler) pendingLocked() []crawler.CrawlJob {
	ready := make(readyQueue, len(s.ready))
	copy(ready, s.ready)
	sort.Slice(ready, ready.Less)
	delayed := make(delayQueue, len(s.delayed))
	copy(delayed, s.delayed)
	sort.Slice(delayed, delayed.Less)

	jobs := make([]crawler.CrawlJob, 0, len(ready)+len(delayed))
	for _, it := range ready {
		jobs = append(jobs, it.job)
	}
	for _, it := range delayed {
		jobs = append(jobs, it.job)
	}
	return jobs
}

// Drain removes and returns every pending job so it can be persisted.
func (s *Scheduler) Drain() []crawler.CrawlJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := s.pendingLocked()
	s.ready = nil
	s.delayed = nil
	s.pending = make(map[string]*item)
	s.publishDepthLocked()
	return jobs
}

// Restore re-admits persisted jobs, keeping their IDs, priorities and attempts.
// Jobs whose URL is already tracked are skipped. Capacity limits do not apply.
func (s *Scheduler) Restore(jobs []crawler.CrawlJob) int {
	s.mu.Lock()
	restored := 0
	for _, job := range jobs {
		if job.ID == "" || job.Fingerprint == "" {
			continue
		}
		if _, ok := s.trackedLocked(job.Fingerprint); ok {
			continue
		}
		s.pushLocked(job)
		restored++
	}
	s.mu.Unlock()
	if restored > 0 {
		signal(s.wake)
	}
	return restored
}

// Stats reports queue sizes and lifetime counters.
func (s *Scheduler) Stats() crawler.SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Pending = len(s.ready)
	st.Delayed = len(s.delayed)
	st.InFlight = len(s.inflight)
	return st
}

// UnhealthySources lists sources currently flagged for repeated permanent failures.
func (s *Scheduler) UnhealthySources() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.unhealthy))
	for id := range s.unhealthy {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// PublishMetrics refreshes the queue depth gauges.
func (s *Scheduler) PublishMetrics() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishDepthLocked()
}

func (s *Scheduler) publishDepthLocked() {
	metrics.SetQueueDepth(len(s.ready), len(s.delayed), len(s.inflight))
}

// Close wakes every blocked caller; subsequent Enqueue and Dequeue calls fail
// with crawler.ErrQueueClosed. Queued jobs stay available to Drain.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func errText(err error, class crawler.OutcomeClass) string {
	if err != nil {
		return err.Error()
	}
	return string(class)
}
