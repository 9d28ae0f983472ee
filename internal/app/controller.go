package app

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/api"
	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/scheduler"
)

var errShuttingDown = errors.New("shutting down")

// EnqueueSeed records the URL's host as a trusted manual source and submits
// the URL. A non-positive priority uses discovery.trusted_priority.
func (a *App) EnqueueSeed(ctx context.Context, rawURL string, priority int) (crawler.EnqueueResult, error) {
	if priority <= 0 {
		priority = a.cfg.Discovery.TrustedPriority
	}
	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return crawler.EnqueueResult{URL: rawURL}, err
	}
	sourceID := a.seedSource(ctx, normalized)

	if a.producer != nil {
		return a.producer.EnqueueJob(ctx, crawler.CrawlJob{URL: normalized, SourceID: sourceID, Priority: priority})
	}
	if a.scheduler == nil {
		return crawler.EnqueueResult{URL: normalized}, crawler.ErrQueueClosed
	}
	return a.scheduler.Enqueue(ctx, normalized, priority, scheduler.WithSource(sourceID))
}

// seedSource returns the source ID for the URL's host, creating a manual
// source when none exists. Failures are logged and the seed proceeds unattributed.
func (a *App) seedSource(ctx context.Context, normalized string) string {
	host := crawler.HostOf(normalized)
	if host == "" {
		return ""
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return ""
	}
	src, err := a.storage.UpsertSource(ctx, crawler.Source{
		Name:            host,
		RootURL:         u.Scheme + "://" + u.Host + "/",
		Domain:          host,
		DiscoveryMethod: crawler.DiscoveryManual,
		Active:          true,
		Trusted:         true,
		CrawlInterval:   a.cfg.Discovery.DefaultCrawlInterval,
		CreatedAt:       a.clock.Now(),
	})
	if err != nil {
		a.logger.Warn("seed source upsert failed", zap.String("host", host), zap.Error(err))
		return ""
	}
	return src.ID
}

// PauseSource deactivates a source; discovery skips it until resumed.
func (a *App) PauseSource(ctx context.Context, id string) error {
	return a.setSourceActive(ctx, id, false)
}

// ResumeSource reactivates a paused source.
func (a *App) ResumeSource(ctx context.Context, id string) error {
	return a.setSourceActive(ctx, id, true)
}

func (a *App) setSourceActive(ctx context.Context, id string, active bool) error {
	if err := a.storage.SetSourceActive(ctx, id, active); err != nil {
		return fmt.Errorf("set source %s active=%t: %w", id, active, err)
	}
	a.logger.Info("source updated", zap.String("source_id", id), zap.Bool("active", active))
	return nil
}

// ListSources returns every known source.
func (a *App) ListSources(ctx context.Context) ([]crawler.Source, error) {
	sources, err := a.storage.ListSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return sources, nil
}

// Status summarizes the running process.
func (a *App) Status(context.Context) (api.Status, error) {
	st := api.Status{
		Role:             string(a.role),
		StartedAt:        a.started,
		Fingerprints:     a.fingerprints.Len(),
		UnhealthySources: []string{},
		SuspendedHosts:   []string{},
	}
	if a.pool != nil {
		st.Workers = api.WorkerStatus{Size: a.pool.Size(), Active: a.pool.Active()}
	}
	if a.scheduler != nil {
		st.Queue = a.scheduler.Stats()
		if unhealthy := a.scheduler.UnhealthySources(); len(unhealthy) > 0 {
			st.UnhealthySources = unhealthy
		}
	}
	for _, h := range a.governor.Snapshots() {
		if h.Suspended {
			st.SuspendedHosts = append(st.SuspendedHosts, h.Host)
		}
	}
	sort.Strings(st.SuspendedHosts)
	return st, nil
}

// ResizeWorkers grows or shrinks the fetch pool.
func (a *App) ResizeWorkers(n int) error {
	if a.pool == nil {
		return fmt.Errorf("resize workers: no worker pool in %s role", a.role)
	}
	if err := a.pool.Resize(n); err != nil {
		return fmt.Errorf("resize workers: %w", err)
	}
	a.logger.Info("worker pool resized", zap.Int("size", n))
	return nil
}

// Hosts returns politeness state for every tracked host.
func (a *App) Hosts() []crawler.HostState {
	return a.governor.Snapshots()
}

// ResetHost clears backoff and suspension for host.
func (a *App) ResetHost(host string) bool {
	ok := a.governor.Reset(host)
	if ok {
		a.logger.Info("host politeness reset", zap.String("host", host))
	}
	return ok
}

// Ready reports whether the process can take work.
func (a *App) Ready(ctx context.Context) error {
	if a.stopping.Load() {
		return errShuttingDown
	}
	if p, ok := a.storage.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}
