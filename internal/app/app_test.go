package app

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/broker"
	memorybroker "github.com/JakeFAU/harvester/internal/broker/memory"
	"github.com/JakeFAU/harvester/internal/config"
	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/id/uuid"
	"github.com/JakeFAU/harvester/internal/storage/memory"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Workers.Count = 2
	cfg.Discovery.Enabled = false
	cfg.Notify.Log = false
	cfg.Shutdown.Grace = time.Second
	cfg.Shutdown.Timeout = 5 * time.Second
	return cfg
}

func build(t *testing.T, cfg config.Config, opts ...Option) *App {
	t.Helper()
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	a, err := Build(context.Background(), cfg, opts...)
	require.NoError(t, err)
	return a
}

func TestBuildStandaloneMemory(t *testing.T) {
	t.Parallel()

	a := build(t, testConfig(t))
	defer func() { _ = a.Close(context.Background()) }()

	require.Equal(t, broker.RoleStandalone, a.role)
	require.NotNil(t, a.scheduler)
	require.NotNil(t, a.pool)
	require.Nil(t, a.transport)
	require.Nil(t, a.producer)
	require.Nil(t, a.engine)
	require.NoError(t, a.Ready(context.Background()))
}

func TestEnqueueSeedDeduplicatesAndCreatesSource(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := build(t, testConfig(t))
	defer func() { _ = a.Close(ctx) }()

	first, err := a.EnqueueSeed(ctx, "http://Example.test/a#frag", 0)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatePending, first.State)
	require.NotEmpty(t, first.JobID)

	second, err := a.EnqueueSeed(ctx, "http://example.test/a", 0)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStateSkippedDuplicate, second.State)

	_, err = a.EnqueueSeed(ctx, "::not a url", 0)
	require.ErrorIs(t, err, crawler.ErrInvalidURL)

	st, err := a.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Queue.Pending)
	require.Equal(t, "standalone", st.Role)
	require.Equal(t, 2, st.Workers.Size)

	sources, err := a.ListSources(ctx)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	require.Equal(t, "example.test", sources[0].Domain)
	require.Equal(t, crawler.DiscoveryManual, sources[0].DiscoveryMethod)
	require.True(t, sources[0].Trusted)

	pending := a.scheduler.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, sources[0].ID, pending[0].SourceID)
	require.Equal(t, a.cfg.Discovery.TrustedPriority, pending[0].Priority)
}

func TestPauseAndResumeSource(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := build(t, testConfig(t))
	defer func() { _ = a.Close(ctx) }()

	_, err := a.EnqueueSeed(ctx, "https://paused.test/", 3)
	require.NoError(t, err)
	sources, err := a.ListSources(ctx)
	require.NoError(t, err)
	id := sources[0].ID

	require.NoError(t, a.PauseSource(ctx, id))
	src, err := a.storage.GetSource(ctx, id)
	require.NoError(t, err)
	require.False(t, src.Active)

	require.NoError(t, a.ResumeSource(ctx, id))
	src, err = a.storage.GetSource(ctx, id)
	require.NoError(t, err)
	require.True(t, src.Active)

	require.ErrorIs(t, a.PauseSource(ctx, "missing"), crawler.ErrNotFound)
}

func TestResizeWorkersAndHosts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a := build(t, testConfig(t))
	defer func() { _ = a.Close(ctx) }()

	require.NoError(t, a.ResizeWorkers(5))
	st, err := a.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, st.Workers.Size)
	require.Error(t, a.ResizeWorkers(-1))

	require.Empty(t, a.Hosts())
	require.False(t, a.ResetHost("unknown.test"))
}

func TestClosePersistsPendingJobsAndRestores(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore(uuid.New())
	cfg := testConfig(t)

	first := build(t, cfg, WithStorage(store))
	for _, u := range []string{"https://a.test/1", "https://a.test/2", "https://b.test/1"} {
		_, err := first.EnqueueSeed(ctx, u, 2)
		require.NoError(t, err)
	}
	require.NoError(t, first.Close(ctx))
	require.ErrorIs(t, first.Ready(ctx), errShuttingDown)

	saved, err := store.LoadPendingJobs(ctx)
	require.NoError(t, err)
	require.Len(t, saved, 3)
	require.NoError(t, store.SavePendingJobs(ctx, saved))

	second := build(t, cfg, WithStorage(store))
	defer func() { _ = second.Close(ctx) }()
	st, err := second.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, st.Queue.Pending)
}

func TestProducerRolePublishesSeeds(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Broker.Role = string(broker.RoleProducer)
	cfg.Broker.Driver = config.DriverMemory
	transport := memorybroker.New(cfg.Broker.Topic, 8)

	a := build(t, cfg, WithTransport(transport))
	defer func() { _ = a.Close(ctx) }()

	require.Nil(t, a.scheduler)
	require.Nil(t, a.pool)
	require.NotNil(t, a.producer)

	res, err := a.EnqueueSeed(ctx, "https://produced.test/page", 4)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatePending, res.State)

	msgs := transport.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, cfg.Broker.Topic, msgs[0].Topic)
	decoded, err := broker.Decode(msgs[0].Payload)
	require.NoError(t, err)
	require.Equal(t, "https://produced.test/page", decoded.URL)
	require.Equal(t, 4, decoded.Priority)

	st, err := a.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, "producer", st.Role)
	require.Zero(t, st.Workers.Size)
	require.Error(t, a.ResizeWorkers(2))
}

func TestConsumerRoleIngestsIntoScheduler(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Broker.Role = string(broker.RoleConsumer)
	cfg.Broker.Driver = config.DriverMemory

	a := build(t, cfg, WithTransport(memorybroker.New(cfg.Broker.Topic, 8)))
	defer func() { _ = a.Close(ctx) }()

	require.NotNil(t, a.ingester)
	msg := broker.JobMessage{URL: "https://consumed.test/x", Priority: 2}
	require.NoError(t, a.ingester.Ingest(ctx, msg))
	require.NoError(t, a.ingester.Ingest(ctx, msg))
	require.Equal(t, 1, a.scheduler.Stats().Pending)
}

func TestHandlerServesFrontDoor(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "secret"
	a := build(t, cfg)
	defer func() { _ = a.Close(context.Background()) }()

	req := httptest.NewRequest(http.MethodPost, "/v1/seeds", bytes.NewBufferString(`{"urls":["https://front.test/"]}`))
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
