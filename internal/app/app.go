// Package app assembles a harvester process from configuration, runs it, and
// shuts it down in order.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/api"
	"github.com/JakeFAU/harvester/internal/broker"
	kafkabroker "github.com/JakeFAU/harvester/internal/broker/kafka"
	memorybroker "github.com/JakeFAU/harvester/internal/broker/memory"
	pubsubbroker "github.com/JakeFAU/harvester/internal/broker/pubsub"
	"github.com/JakeFAU/harvester/internal/cache/memcache"
	"github.com/JakeFAU/harvester/internal/clock"
	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/discovery"
	"github.com/JakeFAU/harvester/internal/discovery/feed"
	"github.com/JakeFAU/harvester/internal/discovery/links"
	"github.com/JakeFAU/harvester/internal/discovery/manual"
	"github.com/JakeFAU/harvester/internal/discovery/search"
	"github.com/JakeFAU/harvester/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/harvester/internal/fetcher/colly"
	"github.com/JakeFAU/harvester/internal/fetcher/headless"
	"github.com/JakeFAU/harvester/internal/fingerprint"
	"github.com/JakeFAU/harvester/internal/headless/detector"
	"github.com/JakeFAU/harvester/internal/id/uuid"
	"github.com/JakeFAU/harvester/internal/indexing"
	"github.com/JakeFAU/harvester/internal/logging"
	"github.com/JakeFAU/harvester/internal/notify"
	"github.com/JakeFAU/harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/harvester/internal/policy/simple"
	"github.com/JakeFAU/harvester/internal/scheduler"
	"github.com/JakeFAU/harvester/internal/storage/gcs"
	"github.com/JakeFAU/harvester/internal/storage/local"
	"github.com/JakeFAU/harvester/internal/storage/memory"
	"github.com/JakeFAU/harvester/internal/storage/postgres"
	"github.com/JakeFAU/harvester/internal/tasks"
	"github.com/JakeFAU/harvester/internal/telemetry"
	"github.com/JakeFAU/harvester/internal/worker"
)

// Transport is a broker connection that can both publish and consume.
type Transport interface {
	crawler.Publisher
	broker.Consumer
}

type pinger interface {
	Ping(ctx context.Context) error
}

// App contains the process's long-lived components.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	role    broker.Role
	clock   crawler.Clock
	ids     crawler.IDGenerator
	started time.Time

	storage      crawler.Storage
	blobs        crawler.BlobStore
	blobCloser   func() error
	memcache     *memcache.Repository
	fingerprints *fingerprint.Store
	governor     *ratelimit.Governor
	scheduler    *scheduler.Scheduler
	pipeline     *indexing.Pipeline
	headless     *headless.Fetcher
	pool         *dispatcher.Pool
	transport    Transport
	producer     *broker.Producer
	ingester     *broker.Ingester
	hub          *notify.Hub
	engine       *discovery.Engine
	tasks        *tasks.Runner
	api          *api.Server
	tracer       *sdktrace.TracerProvider

	stopping atomic.Bool
}

// Option customizes Build.
type Option func(*App)

// WithLogger replaces the configured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// WithClock replaces the system clock.
func WithClock(c crawler.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithStorage supplies durable storage instead of opening storage.driver.
func WithStorage(s crawler.Storage) Option {
	return func(a *App) { a.storage = s }
}

// WithTransport supplies a broker connection instead of dialing broker.driver.
func WithTransport(t Transport) Option {
	return func(a *App) { a.transport = t }
}

// Build creates the application's dependencies. On error everything opened so
// far is closed.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	role, err := broker.ParseRole(cfg.Broker.Role)
	if err != nil {
		return nil, fmt.Errorf("broker role: %w", err)
	}
	a := &App{cfg: cfg, role: role, ids: uuid.New()}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		if a.logger, err = logging.New(cfg.Logging); err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(a.logger)
	}
	if a.clock == nil {
		a.clock = clock.New()
	}
	a.started = a.clock.Now()

	defer func() {
		if err != nil {
			a.closeInfrastructure(context.Background())
		}
	}()

	if a.tracer, err = telemetry.InitTracerProvider(ctx, cfg.Telemetry); err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	a.logger.Info("building application", zap.String("role", string(role)))
	if err = setupStorage(ctx, a); err != nil {
		return nil, err
	}
	if err = setupBlobs(ctx, a); err != nil {
		return nil, err
	}
	if err = setupFingerprints(a); err != nil {
		return nil, err
	}
	if err = setupBroker(ctx, a); err != nil {
		return nil, err
	}
	setupNotify(a)
	if err = setupCrawl(ctx, a); err != nil {
		return nil, err
	}
	if err = setupDiscovery(a); err != nil {
		return nil, err
	}
	if err = setupTasks(a); err != nil {
		return nil, err
	}

	apiKey := ""
	if cfg.Auth.Enabled {
		apiKey = cfg.Auth.APIKey
	}
	a.api = api.NewServer(a, api.Options{APIKey: apiKey, RequestTimeout: cfg.Server.RequestTimeout}, a.logger)
	return a, nil
}

func setupStorage(ctx context.Context, a *App) error {
	if a.storage != nil {
		return nil
	}
	switch a.cfg.Storage.Driver {
	case config.DriverPostgres:
		store, err := postgres.New(ctx, a.cfg.Storage.Postgres)
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.storage = store
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("postgres schema init failed: %w", err)
		}
		a.logger.Info("using postgres storage", zap.String("schema", a.cfg.Storage.Postgres.Schema))
	default:
		a.storage = memory.NewStore(a.ids)
		a.logger.Info("using in-memory storage")
	}
	return nil
}

func setupBlobs(ctx context.Context, a *App) error {
	switch a.cfg.Storage.Blob.Driver {
	case config.DriverGCS:
		store, err := gcs.Open(ctx, a.cfg.Storage.Blob.GCS, a.logger)
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.blobs, a.blobCloser = store, store.Close
		a.logger.Info("archiving pages to gcs", zap.String("bucket", a.cfg.Storage.Blob.GCS.Bucket))
	case config.DriverLocal:
		store, err := local.New(a.cfg.Storage.Blob.Local)
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = store
		a.logger.Info("archiving pages locally", zap.String("path", a.cfg.Storage.Blob.Local.BaseDir))
	case config.DriverMemory:
		a.blobs = memory.NewBlobStore()
		a.logger.Info("archiving pages in memory")
	default:
		a.logger.Info("page archiving disabled")
	}
	return nil
}

func setupFingerprints(a *App) error {
	var backend crawler.FingerprintRepository
	switch {
	case a.cfg.Memcache.Enabled:
		repo, err := memcache.Dial(a.cfg.Memcache.Config, a.logger)
		if err != nil {
			return fmt.Errorf("memcache init failed: %w", err)
		}
		a.memcache, backend = repo, repo
		a.logger.Info("fingerprints shared through memcache", zap.String("servers", a.cfg.Memcache.Servers))
	case a.cfg.Storage.Driver == config.DriverPostgres:
		backend = a.storage
	}
	a.fingerprints = fingerprint.New(a.cfg.Fingerprint, backend, a.clock, a.logger)
	return nil
}

// needsTransport reports whether this process talks to a broker at all.
func (a *App) needsTransport() bool {
	return a.role != broker.RoleStandalone || (a.cfg.Notify.Enabled && a.cfg.Notify.Topic != "")
}

func setupBroker(ctx context.Context, a *App) error {
	if !a.needsTransport() {
		return nil
	}
	if a.transport == nil {
		t, err := dialTransport(ctx, a)
		if err != nil {
			return err
		}
		a.transport = t
	}
	if a.role == broker.RoleProducer {
		a.producer = broker.NewProducer(a.transport, a.cfg.Broker.Topic, a.logger)
	}
	return nil
}

func dialTransport(ctx context.Context, a *App) (Transport, error) {
	switch a.cfg.Broker.Driver {
	case config.DriverKafka:
		kcfg := a.cfg.Broker.Kafka
		if kcfg.Topic == "" {
			kcfg.Topic = a.cfg.Broker.Topic
		}
		if a.role != broker.RoleConsumer {
			kcfg.GroupID = ""
		}
		client, err := kafkabroker.New(kcfg, a.logger)
		if err != nil {
			return nil, fmt.Errorf("kafka init failed: %w", err)
		}
		a.logger.Info("using kafka broker", zap.String("brokers", kcfg.Brokers), zap.String("topic", kcfg.Topic))
		return client, nil
	case config.DriverMemory:
		a.logger.Warn("using in-memory broker; jobs do not leave this process")
		return memorybroker.New(a.cfg.Broker.Topic, 0), nil
	default:
		client, err := pubsubbroker.Open(ctx, a.cfg.Broker.PubSub, a.logger)
		if err != nil {
			return nil, fmt.Errorf("pubsub init failed: %w", err)
		}
		a.logger.Info("using pubsub broker", zap.String("project", a.cfg.Broker.PubSub.ProjectID))
		return client, nil
	}
}

func setupNotify(a *App) {
	if !a.cfg.Notify.Enabled {
		a.logger.Info("record notifications disabled")
		return
	}
	var sinks []notify.Sink
	if a.cfg.Notify.Log {
		sinks = append(sinks, notify.NewLogSink(a.logger))
	}
	if a.cfg.Notify.Topic != "" && a.transport != nil {
		sinks = append(sinks, notify.NewPublisherSink(a.transport, a.cfg.Notify.Topic))
	}
	if len(sinks) == 0 {
		a.logger.Warn("notifications enabled but no sinks configured")
		return
	}
	a.hub = notify.NewHub(a.cfg.Notify.Config, a.logger, sinks...)
	a.logger.Info("notification hub initialized",
		zap.Int("sinks", len(sinks)),
		zap.Int("buffer_size", a.cfg.Notify.BufferSize),
	)
}

func setupCrawl(ctx context.Context, a *App) error {
	a.governor = ratelimit.New(a.cfg.RateLimit, a.logger)
	if a.role == broker.RoleProducer {
		return nil
	}

	var notifier indexing.Notifier
	if a.hub != nil {
		notifier = a.hub
	}
	var err error
	a.pipeline, err = indexing.New(a.cfg.Indexing, indexing.Deps{
		Fingerprints: a.fingerprints,
		Records:      a.storage,
		Blobs:        a.blobs,
		Notifier:     notifier,
		Clock:        a.clock,
		IDs:          a.ids,
		Logger:       a.logger,
	})
	if err != nil {
		return fmt.Errorf("indexing pipeline init failed: %w", err)
	}

	a.scheduler, err = scheduler.New(a.cfg.Scheduler, scheduler.Deps{
		Fingerprints: a.fingerprints,
		Indexer:      a.pipeline,
		Sources:      a.storage,
		Clock:        a.clock,
		IDs:          a.ids,
		Logger:       a.logger,
	})
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}
	pending, err := a.storage.LoadPendingJobs(ctx)
	if err != nil {
		return fmt.Errorf("load pending jobs: %w", err)
	}
	if restored := a.scheduler.Restore(pending); restored > 0 {
		a.logger.Info("restored pending jobs", zap.Int("count", restored), zap.Int("loaded", len(pending)))
	}

	probe := collyfetcher.New(a.cfg.Fetch.Config)
	a.logger.Info("using colly probe fetcher", zap.String("user_agent", a.cfg.Fetch.UserAgent))
	var rendered crawler.Fetcher
	if a.cfg.Headless.Enabled {
		a.headless, err = headless.NewChromedp(a.cfg.Headless.Config)
		if err != nil {
			a.logger.Warn("headless fetcher init failed", zap.Error(err))
		} else {
			rendered = a.headless
			a.logger.Info("using headless fetcher", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
		}
	}

	if a.role == broker.RoleConsumer {
		a.ingester = broker.NewIngester(a.transport, a.scheduler, a.logger)
	}

	deps := worker.Deps{
		Queue:    a.scheduler,
		Governor: a.governor,
		Probe:    probe,
		Headless: rendered,
		Detector: detector.NewHeuristic(a.cfg.Headless.PromotionThreshold),
		Policy:   simple.New(a.cfg.Fetch.Blocked, a.cfg.Headless.Hosts),
		Clock:    a.clock,
		Logger:   a.logger,
	}
	a.pool = dispatcher.New(a.cfg.Workers.Count, deps, a.cfg.Workers.Config, a.scheduler, a.logger)
	a.logger.Info("worker pool configured",
		zap.Int("workers", a.cfg.Workers.Count),
		zap.Duration("fetch_timeout", a.cfg.Workers.FetchTimeout),
	)
	return nil
}

func setupDiscovery(a *App) error {
	if !a.cfg.Discovery.Enabled || a.role == broker.RoleConsumer {
		return nil
	}
	dc := a.cfg.Discovery
	var providers []crawler.CandidateProvider
	if len(dc.Manual.Seeds) > 0 {
		providers = append(providers, manual.New(dc.Manual.Seeds))
	}
	if dc.Google.Enabled {
		p, err := search.NewGoogle(dc.Google)
		if err != nil {
			return fmt.Errorf("google provider: %w", err)
		}
		providers = append(providers, p)
	}
	if dc.Bing.Enabled {
		p, err := search.NewBing(dc.Bing)
		if err != nil {
			return fmt.Errorf("bing provider: %w", err)
		}
		providers = append(providers, p)
	}
	var sourceProviders []crawler.SourceProvider
	if dc.Feed.Enabled {
		sourceProviders = append(sourceProviders, feed.New(dc.Feed.Config, a.logger))
	}
	if dc.Links.Enabled {
		sourceProviders = append(sourceProviders, links.New(dc.Links.Config, a.logger))
	}
	if len(providers) == 0 && len(sourceProviders) == 0 {
		a.logger.Warn("discovery enabled but no providers configured")
		return nil
	}

	excluded := append(append([]string{}, dc.ExcludedDomains...), a.cfg.Fetch.Blocked...)
	var err error
	a.engine, err = discovery.New(dc.Config, discovery.Deps{
		Providers:       providers,
		SourceProviders: sourceProviders,
		Sources:         a.storage,
		Submitter:       a.submitter(),
		Filter:          simple.New(excluded, nil),
		Clock:           a.clock,
		Logger:          a.logger,
	})
	if err != nil {
		return fmt.Errorf("discovery init failed: %w", err)
	}
	a.logger.Info("discovery configured",
		zap.Int("providers", len(providers)),
		zap.Int("source_providers", len(sourceProviders)),
		zap.String("schedule", dc.Schedule),
	)
	return nil
}

func setupTasks(a *App) error {
	a.tasks = tasks.NewRunner(a.logger)
	if a.engine != nil {
		if err := a.tasks.Add("discovery", a.cfg.Discovery.Schedule, 0, a.discover); err != nil {
			return fmt.Errorf("schedule discovery: %w", err)
		}
	}
	m := &tasks.Maintenance{
		Fingerprints: a.fingerprints,
		Hosts:        a.governor,
		HostIdle:     a.cfg.Maintenance.HostIdle,
		Logger:       a.logger,
	}
	if a.scheduler != nil {
		m.Queue = a.scheduler
	}
	if err := a.tasks.Add("maintenance", a.cfg.Maintenance.Schedule, a.cfg.Maintenance.Timeout, m.Run); err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	return nil
}

func (a *App) discover(ctx context.Context) error {
	report, err := a.engine.RunCycle(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("discovery cycle finished", zap.Any("report", report))
	return nil
}

// submitter is where discovery and seeds send jobs in this role.
func (a *App) submitter() discovery.Submitter {
	if a.producer != nil {
		return a.producer
	}
	return a.scheduler
}

// Handler exposes the HTTP front door, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.api.Handler()
}

// Run starts the application and blocks until ctx is canceled or SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.pool != nil {
		if err := a.pool.Start(ctx); err != nil {
			return fmt.Errorf("start worker pool: %w", err)
		}
	}

	consumerCtx, cancelConsumer := context.WithCancel(ctx)
	defer cancelConsumer()
	consumerDone := make(chan struct{})
	if a.ingester != nil {
		go func() {
			defer close(consumerDone)
			if err := a.ingester.Run(consumerCtx); err != nil {
				a.logger.Error("broker consumer stopped", zap.Error(err))
				stop()
			}
		}()
	} else {
		close(consumerDone)
	}

	a.tasks.Start()
	if a.engine != nil {
		go a.tasks.RunNow("discovery", 0, a.discover)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	a.logger.Info("application started", zap.String("role", string(a.role)))
	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
	defer cancel()
	return a.shutdown(shutdownCtx, srv, cancelConsumer, consumerDone)
}

func (a *App) shutdown(ctx context.Context, srv *http.Server, cancelConsumer context.CancelFunc, consumerDone <-chan struct{}) error {
	a.stopping.Store(true)

	if err := a.tasks.Stop(ctx); err != nil {
		a.logger.Warn("background tasks did not stop in time", zap.Error(err))
	}
	cancelConsumer()
	select {
	case <-consumerDone:
	case <-ctx.Done():
		a.logger.Warn("broker consumer did not stop in time")
	}

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}

	err := a.stopCrawl(ctx)
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return err
}

// stopCrawl stops the pool and persists whatever is still queued.
func (a *App) stopCrawl(ctx context.Context) error {
	if a.pool != nil {
		graceCtx, cancel := context.WithTimeout(ctx, a.cfg.Shutdown.Grace)
		requeued := a.pool.Stop(graceCtx)
		cancel()
		if requeued > 0 {
			a.logger.Warn("in-flight jobs requeued at shutdown", zap.Int("count", requeued))
		}
	}
	if a.scheduler == nil {
		return nil
	}
	pending := a.scheduler.Drain()
	a.scheduler.Close()
	if err := a.storage.SavePendingJobs(ctx, pending); err != nil {
		a.logger.Error("persist pending jobs failed", zap.Int("count", len(pending)), zap.Error(err))
		return fmt.Errorf("persist pending jobs: %w", err)
	}
	a.logger.Info("pending jobs persisted", zap.Int("count", len(pending)))
	return nil
}

// Close shuts the application down without a running server. It is used by
// tests and by callers that never invoked Run.
func (a *App) Close(ctx context.Context) error {
	a.stopping.Store(true)
	if err := a.tasks.Stop(ctx); err != nil {
		a.logger.Warn("background tasks did not stop in time", zap.Error(err))
	}
	err := a.stopCrawl(ctx)
	a.closeInfrastructure(ctx)
	return err
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("notification hub close failed", zap.Error(err))
		}
	}
	if a.transport != nil {
		if err := a.transport.Close(); err != nil {
			a.logger.Warn("broker close failed", zap.Error(err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.memcache != nil {
		a.memcache.Close()
	}
	if a.blobCloser != nil {
		if err := a.blobCloser(); err != nil {
			a.logger.Warn("blob store close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		a.storage.Close()
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}
