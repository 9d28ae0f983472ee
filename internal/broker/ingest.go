package broker

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/metrics"
)

// Enqueuer admits a received job, usually the local scheduler.
type Enqueuer interface {
	EnqueueJob(ctx context.Context, job crawler.CrawlJob) (crawler.EnqueueResult, error)
}

// Ingester pumps messages from a Consumer into an Enqueuer.
type Ingester struct {
	consumer Consumer
	target   Enqueuer
	logger   *zap.Logger
}

// NewIngester wires a consumer to the scheduler.
func NewIngester(consumer Consumer, target Enqueuer, logger *zap.Logger) *Ingester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingester{consumer: consumer, target: target, logger: logger.Named("broker")}
}

// Run consumes until ctx is canceled or the consumer fails.
func (i *Ingester) Run(ctx context.Context) error {
	i.logger.Info("broker consumer started")
	err := i.consumer.Consume(ctx, i.Ingest)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("broker consume: %w", err)
	}
	i.logger.Info("broker consumer stopped")
	return nil
}

// Ingest admits one message. Invalid URLs and duplicates are acknowledged;
// a closed queue or a store failure asks for redelivery.
func (i *Ingester) Ingest(ctx context.Context, msg JobMessage) error {
	ctx, span := tracer.Start(ctx, "broker.ingest", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(attribute.String("harvester.url", msg.URL), attribute.Int("harvester.attempt", msg.Attempt))

	res, err := i.target.EnqueueJob(ctx, msg.Job())
	if err != nil && !errors.Is(err, crawler.ErrInvalidURL) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue failed")
	}
	switch {
	case errors.Is(err, crawler.ErrInvalidURL):
		metrics.ObserveBrokerMessage("in", "invalid")
		i.logger.Warn("dropping invalid job message", zap.String("url", msg.URL), zap.Error(err))
		return nil
	case err != nil:
		metrics.ObserveBrokerMessage("in", "error")
		return fmt.Errorf("ingest %s: %w", msg.URL, err)
	case !res.Accepted():
		metrics.ObserveBrokerMessage("in", "duplicate")
		return nil
	default:
		metrics.ObserveBrokerMessage("in", "enqueued")
		i.logger.Debug("job ingested", zap.String("url", res.URL), zap.String("job_id", res.JobID))
		return nil
	}
}
