package broker

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/metrics"
)

// Producer publishes jobs to the broker topic. It satisfies the same
// EnqueueJob contract as the scheduler so discovery and the API can use
// either.
type Producer struct {
	pub    crawler.Publisher
	topic  string
	logger *zap.Logger
}

// NewProducer builds a Producer that publishes to topic.
func NewProducer(pub crawler.Publisher, topic string, logger *zap.Logger) *Producer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Producer{pub: pub, topic: topic, logger: logger.Named("broker")}
}

// EnqueueJob normalizes the job URL and publishes it. Dedup happens on the
// consuming side, so every valid job is reported as pending.
func (p *Producer) EnqueueJob(ctx context.Context, job crawler.CrawlJob) (crawler.EnqueueResult, error) {
	normalized, fp, err := crawler.URLFingerprint(job.URL)
	if err != nil {
		return crawler.EnqueueResult{URL: job.URL}, err
	}
	job.URL, job.Fingerprint = normalized, fp

	ctx, span := tracer.Start(ctx, "broker.publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(attribute.String("harvester.url", normalized), attribute.String("harvester.topic", p.topic))

	id, err := p.pub.Publish(ctx, p.topic, FromJob(job))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		metrics.ObserveBrokerMessage("out", "error")
		return crawler.EnqueueResult{URL: normalized, Fingerprint: fp}, fmt.Errorf("broker publish %s: %w", normalized, err)
	}
	metrics.ObserveBrokerMessage("out", "published")
	p.logger.Debug("job published", zap.String("url", normalized), zap.String("message_id", id))
	return crawler.EnqueueResult{URL: normalized, Fingerprint: fp, State: crawler.JobStatePending}, nil
}
