// Package discovery proposes new URLs and sources and feeds them to the
// scheduler on its own schedule.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/metrics"
)

// Config drives a discovery cycle.
type Config struct {
	Queries              []string           `mapstructure:"queries"`
	Modifiers            []string           `mapstructure:"modifiers"`
	MaxQueries           int                `mapstructure:"max_queries"`
	ExcludedDomains      []string           `mapstructure:"excluded_domains"`
	DefaultPriority      int                `mapstructure:"default_priority"`
	TrustedPriority      int                `mapstructure:"trusted_priority"`
	RelevanceBoost       int                `mapstructure:"relevance_boost"`
	MinRelevance         float64            `mapstructure:"min_relevance"`
	DefaultCrawlInterval time.Duration      `mapstructure:"default_crawl_interval"`
	Keywords             map[string]float64 `mapstructure:"keywords"`
	Concurrency          int                `mapstructure:"concurrency"`
}

// Submitter admits a job into the crawl queue. The scheduler implements it
// directly; in producer mode the broker publisher does.
type Submitter interface {
	EnqueueJob(ctx context.Context, job crawler.CrawlJob) (crawler.EnqueueResult, error)
}

// Deps are the engine collaborators. SourceProviders and Filter are optional.
type Deps struct {
	Providers       []crawler.CandidateProvider
	SourceProviders []crawler.SourceProvider
	Sources         crawler.SourceStore
	Submitter       Submitter
	// Filter rejects excluded URLs; usually the fetch policy built from ExcludedDomains.
	Filter crawler.Policy
	Clock  crawler.Clock
	Logger *zap.Logger
}

// Report summarizes one cycle.
type Report struct {
	Queries    int `json:"queries"`
	Candidates int `json:"candidates"`
	Enqueued   int `json:"enqueued"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
	Errors     int `json:"errors"`
}

// Engine runs discovery cycles. Cycles never overlap.
type Engine struct {
	cfg    Config
	deps   Deps
	scorer *Scorer
	logger *zap.Logger

	running sync.Mutex
}

// New validates deps and builds an Engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Sources == nil {
		return nil, errors.New("discovery: source store is required")
	}
	if deps.Submitter == nil {
		return nil, errors.New("discovery: submitter is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("discovery: clock is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.DefaultCrawlInterval <= 0 {
		cfg.DefaultCrawlInterval = 24 * time.Hour
	}
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		scorer: NewScorer(cfg.Keywords, nil, 0),
		logger: deps.Logger.Named("discovery"),
	}, nil
}

type found struct {
	candidate crawler.Candidate
	method    crawler.DiscoveryMethod
	// source is set when the candidate came from a known source's provider.
	source *crawler.Source
}

// RunCycle performs one discovery pass. If a cycle is already running the
// call returns immediately with an empty report.
func (e *Engine) RunCycle(ctx context.Context) (Report, error) {
	if !e.running.TryLock() {
		e.logger.Debug("discovery cycle already running")
		return Report{}, nil
	}
	defer e.running.Unlock()

	start := time.Now()
	defer func() { metrics.ObserveDiscoveryCycle(time.Since(start)) }()

	var report Report
	queries := BuildQueries(e.cfg.Queries, e.cfg.Modifiers, e.cfg.MaxQueries)
	report.Queries = len(queries)

	results, errCount := e.collect(ctx, queries)
	report.Errors += errCount
	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("discovery cycle: %w", err)
	}

	now := e.deps.Clock.Now()
	touched := make(map[string]struct{})
	seen := make(map[string]struct{}, len(results))
	for _, f := range results {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("discovery cycle: %w", err)
		}
		report.Candidates++
		outcome, sourceID := e.admit(ctx, f, seen, now)
		if sourceID != "" {
			touched[sourceID] = struct{}{}
		}
		metrics.ObserveCandidate(f.candidate.Provider, outcome)
		switch outcome {
		case "enqueued":
			report.Enqueued++
		case "duplicate":
			report.Duplicates++
		case "error":
			report.Errors++
		default:
			report.Skipped++
		}
	}

	for id := range touched {
		if err := e.deps.Sources.MarkSourceDiscovered(ctx, id, now); err != nil {
			e.logger.Warn("mark source discovered", zap.String("source_id", id), zap.Error(err))
		}
	}

	e.logger.Info("discovery cycle finished",
		zap.Int("queries", report.Queries),
		zap.Int("candidates", report.Candidates),
		zap.Int("enqueued", report.Enqueued),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("skipped", report.Skipped),
		zap.Int("errors", report.Errors),
		zap.Duration("elapsed", time.Since(start)),
	)
	return report, nil
}

// collect asks every provider for candidates. Provider failures are logged
// and counted; they never abort the cycle.
func (e *Engine) collect(ctx context.Context, queries []string) ([]found, int) {
	var (
		mu      sync.Mutex
		results []found
		errs    int
	)
	record := func(items []found, err error, provider string) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs++
			metrics.ObserveCandidate(provider, "provider_error")
			e.logger.Warn("provider failed", zap.String("provider", provider), zap.Error(err))
			return
		}
		results = append(results, items...)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, p := range e.deps.Providers {
		// Manual lists do not depend on the query and are asked once.
		perProvider := queries
		if p.Method() == crawler.DiscoveryManual {
			perProvider = []string{""}
		}
		for _, q := range perProvider {
			g.Go(func() error {
				cands, err := p.DiscoverCandidates(gctx, q)
				items := make([]found, 0, len(cands))
				for _, c := range cands {
					if c.Provider == "" {
						c.Provider = p.Name()
					}
					if c.Query == "" {
						c.Query = q
					}
					items = append(items, found{candidate: c, method: p.Method()})
				}
				record(items, err, p.Name())
				return nil
			})
		}
	}

	if len(e.deps.SourceProviders) > 0 {
		sources, err := e.deps.Sources.ListSources(ctx)
		if err != nil {
			record(nil, err, "sources")
		}
		now := e.deps.Clock.Now()
		for i := range sources {
			src := sources[i]
			if !src.Active || e.throttled(src, now) {
				continue
			}
			for _, p := range e.deps.SourceProviders {
				g.Go(func() error {
					cands, err := p.DiscoverFromSource(gctx, src)
					items := make([]found, 0, len(cands))
					for _, c := range cands {
						if c.Provider == "" {
							c.Provider = p.Name()
						}
						items = append(items, found{candidate: c, method: src.DiscoveryMethod, source: &src})
					}
					record(items, err, p.Name())
					return nil
				})
			}
		}
	}
	_ = g.Wait()
	return results, errs
}

// admit runs one candidate through filtering, source resolution, throttling,
// scoring and submission. It returns the metrics outcome label and the ID of
// the source the candidate resolved to.
func (e *Engine) admit(ctx context.Context, f found, seen map[string]struct{}, now time.Time) (string, string) {
	normalized, err := crawler.NormalizeURL(f.candidate.URL)
	if err != nil {
		return "invalid", ""
	}
	if e.deps.Filter != nil && !e.deps.Filter.AllowFetch(normalized) {
		return "excluded", ""
	}
	if _, dup := seen[normalized]; dup {
		return "duplicate", ""
	}
	seen[normalized] = struct{}{}

	src, fromSource, err := e.resolveSource(ctx, f, normalized)
	if err != nil {
		e.logger.Warn("resolve source", zap.String("url", normalized), zap.Error(err))
		return "error", ""
	}
	if !src.Active {
		return "paused", ""
	}
	if !fromSource && e.throttled(src, now) {
		return "throttled", ""
	}

	score := e.scorer.Score(f.candidate.Title, f.candidate.Description, src.Domain)
	if !fromSource && e.cfg.MinRelevance > 0 && score < e.cfg.MinRelevance {
		return "irrelevant", src.ID
	}

	job := crawler.CrawlJob{
		URL:             normalized,
		SourceID:        src.ID,
		Priority:        e.priority(src, score),
		StalenessWindow: src.CrawlInterval,
	}
	res, err := e.deps.Submitter.EnqueueJob(ctx, job)
	if err != nil {
		e.logger.Warn("enqueue candidate", zap.String("url", normalized), zap.Error(err))
		return "error", src.ID
	}
	if !res.Accepted() {
		return "duplicate", src.ID
	}
	e.logger.Debug("candidate enqueued",
		zap.String("url", normalized),
		zap.String("source_id", src.ID),
		zap.String("provider", f.candidate.Provider),
		zap.Float64("relevance", score),
		zap.Int("priority", job.Priority),
	)
	return "enqueued", src.ID
}

func (e *Engine) resolveSource(ctx context.Context, f found, normalized string) (crawler.Source, bool, error) {
	if f.source != nil && crawler.HostOf(normalized) == f.source.Domain {
		return *f.source, true, nil
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return crawler.Source{}, false, fmt.Errorf("parse %s: %w", normalized, err)
	}
	method := f.method
	if method == "" {
		method = crawler.DiscoverySearch
	}
	src, err := e.deps.Sources.UpsertSource(ctx, crawler.Source{
		Name:            u.Hostname(),
		RootURL:         u.Scheme + "://" + u.Host + "/",
		Domain:          crawler.HostOf(normalized),
		DiscoveryMethod: method,
		Active:          true,
		CrawlInterval:   e.cfg.DefaultCrawlInterval,
	})
	if err != nil {
		return crawler.Source{}, false, fmt.Errorf("upsert source: %w", err)
	}
	return src, false, nil
}

// throttled reports whether src was announced less than its crawl interval ago.
func (e *Engine) throttled(src crawler.Source, now time.Time) bool {
	if src.LastDiscoveredAt.IsZero() {
		return false
	}
	interval := src.CrawlInterval
	if interval <= 0 {
		interval = e.cfg.DefaultCrawlInterval
	}
	return now.Sub(src.LastDiscoveredAt) < interval
}

func (e *Engine) priority(src crawler.Source, score float64) int {
	base := e.cfg.DefaultPriority
	if src.Trusted {
		base = e.cfg.TrustedPriority
	}
	return base + int(math.Round(score*float64(e.cfg.RelevanceBoost)))
}
