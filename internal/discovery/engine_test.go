package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/clock"
	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/policy/simple"
	"github.com/JakeFAU/harvester/internal/storage/memory"
)

type fakeProvider struct {
	name    string
	method  crawler.DiscoveryMethod
	results map[string][]crawler.Candidate
	err     error

	mu      sync.Mutex
	queries []string
}

func (f *fakeProvider) Name() string                    { return f.name }
func (f *fakeProvider) Method() crawler.DiscoveryMethod { return f.method }

func (f *fakeProvider) DiscoverCandidates(_ context.Context, query string) ([]crawler.Candidate, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.results[query], nil
}

type fakeSourceProvider struct {
	mu    sync.Mutex
	polls []string
	links func(crawler.Source) []crawler.Candidate
}

func (f *fakeSourceProvider) Name() string { return "feed" }

func (f *fakeSourceProvider) DiscoverFromSource(_ context.Context, src crawler.Source) ([]crawler.Candidate, error) {
	f.mu.Lock()
	f.polls = append(f.polls, src.Domain)
	f.mu.Unlock()
	return f.links(src), nil
}

type recordingSubmitter struct {
	mu   sync.Mutex
	jobs []crawler.CrawlJob
	seen map[string]bool
}

func (r *recordingSubmitter) EnqueueJob(_ context.Context, job crawler.CrawlJob) (crawler.EnqueueResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen == nil {
		r.seen = make(map[string]bool)
	}
	if r.seen[job.URL] {
		return crawler.EnqueueResult{URL: job.URL, State: crawler.JobStateSkippedDuplicate}, nil
	}
	r.seen[job.URL] = true
	r.jobs = append(r.jobs, job)
	return crawler.EnqueueResult{URL: job.URL, State: crawler.JobStatePending}, nil
}

type engineHarness struct {
	engine    *Engine
	store     *memory.Store
	submitter *recordingSubmitter
	clock     *clock.Manual
}

func newEngineHarness(t *testing.T, cfg Config, providers []crawler.CandidateProvider, sourceProviders ...crawler.SourceProvider) *engineHarness {
	t.Helper()
	h := &engineHarness{
		store:     memory.NewStore(nil),
		submitter: &recordingSubmitter{},
		clock:     clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	engine, err := New(cfg, Deps{
		Providers:       providers,
		SourceProviders: sourceProviders,
		Sources:         h.store,
		Submitter:       h.submitter,
		Filter:          simple.New(cfg.ExcludedDomains, nil),
		Clock:           h.clock,
		Logger:          zap.NewNop(),
	})
	require.NoError(t, err)
	h.engine = engine
	return h
}

func baseConfig() Config {
	return Config{
		Queries:              []string{"golang"},
		ExcludedDomains:      []string{"facebook.com"},
		DefaultPriority:      1,
		TrustedPriority:      5,
		RelevanceBoost:       2,
		DefaultCrawlInterval: 6 * time.Hour,
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	require.Error(t, err)
	_, err = New(Config{}, Deps{Sources: memory.NewStore(nil)})
	require.Error(t, err)
}

func TestRunCycleFiltersAndEnqueues(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{
		name:   "google",
		method: crawler.DiscoverySearch,
		results: map[string][]crawler.Candidate{
			"golang": {
				{URL: "https://blog.example.com/go-tutorial?utm_source=x", Title: "Golang tutorial", Description: "api testing guide"},
				{URL: "https://blog.example.com/go-tutorial", Title: "dup"},
				{URL: "https://www.facebook.com/golang", Title: "golang"},
				{URL: "ftp://files.example.com/x"},
			},
		},
	}
	h := newEngineHarness(t, baseConfig(), []crawler.CandidateProvider{provider})

	report, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Queries)
	require.Equal(t, 4, report.Candidates)
	require.Equal(t, 1, report.Enqueued)
	require.Equal(t, 1, report.Duplicates)
	require.Equal(t, 2, report.Skipped)

	require.Len(t, h.submitter.jobs, 1)
	job := h.submitter.jobs[0]
	require.Equal(t, "https://blog.example.com/go-tutorial", job.URL)
	require.Equal(t, 6*time.Hour, job.StalenessWindow)
	require.Greater(t, job.Priority, 1)
	require.LessOrEqual(t, job.Priority, 3)

	src, err := h.store.FindSourceByDomain(context.Background(), "blog.example.com")
	require.NoError(t, err)
	require.Equal(t, crawler.DiscoverySearch, src.DiscoveryMethod)
	require.Equal(t, job.SourceID, src.ID)
	require.Equal(t, h.clock.Now(), src.LastDiscoveredAt)
	require.Equal(t, "https://blog.example.com/", src.RootURL)
}

func TestRunCycleThrottlesRecentlyAnnouncedSources(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{
		name:   "bing",
		method: crawler.DiscoverySearch,
		results: map[string][]crawler.Candidate{
			"golang": {{URL: "https://docs.example.org/a", Title: "golang"}},
		},
	}
	h := newEngineHarness(t, baseConfig(), []crawler.CandidateProvider{provider})
	ctx := context.Background()

	_, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)

	provider.results["golang"] = []crawler.Candidate{{URL: "https://docs.example.org/b", Title: "golang"}}
	h.clock.Advance(time.Hour)
	report, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Enqueued)
	require.Equal(t, 1, report.Skipped)

	h.clock.Advance(6 * time.Hour)
	report, err = h.engine.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Enqueued)
	require.Len(t, h.submitter.jobs, 2)
}

func TestRunCycleSkipsPausedSourcesAndUsesTrustedPriority(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{
		name:   "google",
		method: crawler.DiscoverySearch,
		results: map[string][]crawler.Candidate{
			"golang": {
				{URL: "https://paused.test/a"},
				{URL: "https://trusted.test/a"},
			},
		},
	}
	h := newEngineHarness(t, baseConfig(), []crawler.CandidateProvider{provider})
	ctx := context.Background()

	paused, err := h.store.UpsertSource(ctx, crawler.Source{Domain: "paused.test", Active: true})
	require.NoError(t, err)
	require.NoError(t, h.store.SetSourceActive(ctx, paused.ID, false))
	_, err = h.store.UpsertSource(ctx, crawler.Source{Domain: "trusted.test", Active: true, Trusted: true})
	require.NoError(t, err)

	report, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Enqueued)
	require.Equal(t, 1, report.Skipped)
	require.Len(t, h.submitter.jobs, 1)
	require.Equal(t, "https://trusted.test/a", h.submitter.jobs[0].URL)
	require.Equal(t, 5, h.submitter.jobs[0].Priority)
}

func TestRunCycleProviderErrorsAreNotFatal(t *testing.T) {
	t.Parallel()

	broken := &fakeProvider{name: "bing", method: crawler.DiscoverySearch, err: errors.New("quota exceeded")}
	working := &fakeProvider{
		name:   "manual",
		method: crawler.DiscoveryManual,
		results: map[string][]crawler.Candidate{
			"golang": {{URL: "https://seed.test/"}},
		},
	}
	h := newEngineHarness(t, baseConfig(), []crawler.CandidateProvider{broken, working})

	report, err := h.engine.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Errors)
	require.Equal(t, 1, report.Enqueued)

	src, err := h.store.FindSourceByDomain(context.Background(), "seed.test")
	require.NoError(t, err)
	require.Equal(t, crawler.DiscoveryManual, src.DiscoveryMethod)
	require.Equal(t, []string{""}, working.queries)
}

func TestRunCyclePollsActiveSources(t *testing.T) {
	t.Parallel()

	feeds := &fakeSourceProvider{links: func(src crawler.Source) []crawler.Candidate {
		return []crawler.Candidate{{URL: src.RootURL + "posts/1"}}
	}}
	cfg := baseConfig()
	cfg.Queries = nil
	h := newEngineHarness(t, cfg, nil, feeds)
	ctx := context.Background()

	_, err := h.store.UpsertSource(ctx, crawler.Source{Domain: "feed.test", RootURL: "https://feed.test/", Active: true, DiscoveryMethod: crawler.DiscoveryFeed})
	require.NoError(t, err)
	off, err := h.store.UpsertSource(ctx, crawler.Source{Domain: "off.test", RootURL: "https://off.test/", Active: true})
	require.NoError(t, err)
	require.NoError(t, h.store.SetSourceActive(ctx, off.ID, false))

	report, err := h.engine.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Enqueued)
	require.Equal(t, []string{"feed.test"}, feeds.polls)
	require.Equal(t, "https://feed.test/posts/1", h.submitter.jobs[0].URL)

	_, err = h.engine.RunCycle(ctx)
	require.NoError(t, err)
	require.Len(t, feeds.polls, 1)
}

func TestBuildQueries(t *testing.T) {
	t.Parallel()

	got := BuildQueries([]string{"golang", "kubernetes", "GoLang "}, []string{"tutorial", "best practices"}, 0)
	require.Equal(t, []string{
		"golang", "kubernetes",
		"golang tutorial", "golang best practices",
		"kubernetes tutorial", "kubernetes best practices",
	}, got)

	require.Len(t, BuildQueries([]string{"a", "b"}, []string{"x", "y"}, 3), 3)
	require.Empty(t, BuildQueries(nil, []string{"x"}, 5))
}

func TestScorer(t *testing.T) {
	t.Parallel()

	s := NewScorer(map[string]float64{"golang": 1, "machine learning": 1.5}, map[string]float64{"dev.to": 0.3}, 3)
	require.InDelta(t, 0.0, s.Score("cooking recipes", "", "food.test"), 1e-9)
	require.InDelta(t, 1.0/3, s.Score("Golang!", "", "x.test"), 1e-9)
	require.InDelta(t, 2.5/3, s.Score("golang and Machine Learning", "", "x.test"), 1e-9)
	require.InDelta(t, 1.0/3+0.3, s.Score("golang", "", "www.dev.to"), 1e-9)
	require.InDelta(t, 0.0, s.Score("golangish", "", "x.test"), 1e-9)
	require.InDelta(t, 1.0, NewScorer(map[string]float64{"go": 5}, nil, 1).Score("go", "", ""), 1e-9)
}
