package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/harvester/internal/broker/memory"
	"github.com/JakeFAU/harvester/internal/crawler"
)

type stubSink struct {
	mu      sync.Mutex
	batches [][]crawler.IndexRecord
	closed  bool
}

func (s *stubSink) Consume(_ context.Context, batch []crawler.IndexRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]crawler.IndexRecord(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]crawler.IndexRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]crawler.IndexRecord(nil), s.batches...)
}

func record(id string) crawler.IndexRecord {
	return crawler.IndexRecord{ID: id, URL: "https://example.com/" + id}
}

func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{BufferSize: 8, MaxBatch: 2, MaxBatchWait: time.Minute}, zap.NewNop(), sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Emit(record("a"))
	hub.Emit(record("b"))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{BufferSize: 4, MaxBatch: 10, MaxBatchWait: 25 * time.Millisecond}, nil, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Emit(record("a"))
	require.Eventually(t, func() bool { return len(sink.Batches()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestHubDropsInvalidAndOverflow(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	hub := &Hub{
		records: make(chan crawler.IndexRecord),
		logger:  zap.New(core),
	}
	hub.Emit(crawler.IndexRecord{URL: "https://example.com/"})

	start := time.Now()
	hub.Emit(record("a"))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, 1, logs.FilterMessage("record notifications dropped due to backpressure").Len())
}

func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := &stubSink{}
	hub := NewHub(Config{BufferSize: 4, MaxBatch: 100, MaxBatchWait: time.Minute}, nil, sink)
	hub.Emit(record("a"))

	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.True(t, sink.closed)

	hub.Emit(record("late"))
	require.Len(t, sink.Batches(), 1)
}

type failingPublisher struct{ err error }

func (f failingPublisher) Publish(context.Context, string, any) (string, error) { return "", f.err }

func TestPublisherSink(t *testing.T) {
	t.Parallel()

	mem := memory.New("jobs", 1)
	sink := NewPublisherSink(mem, "records")
	require.NoError(t, sink.Consume(context.Background(), []crawler.IndexRecord{record("a"), record("b")}))
	msgs := mem.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "records", msgs[0].Topic)
	require.Contains(t, string(msgs[1].Payload), `"id":"b"`)

	bad := NewPublisherSink(failingPublisher{err: errors.New("down")}, "records")
	err := bad.Consume(context.Background(), []crawler.IndexRecord{record("a"), record("b")})
	require.ErrorContains(t, err, "publish record a")
	require.ErrorContains(t, err, "publish record b")
}

func TestLogSink(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), []crawler.IndexRecord{record("a")}))
	require.NoError(t, sink.Close(context.Background()))
	entries := logs.FilterMessage("record indexed").All()
	require.Len(t, entries, 1)
	require.Equal(t, "a", entries[0].ContextMap()["record_id"])
}
