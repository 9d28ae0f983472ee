package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/crawler"
)

// LogSink writes one structured log line per record.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the Sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each record in the batch.
func (s *LogSink) Consume(_ context.Context, batch []crawler.IndexRecord) error {
	for _, rec := range batch {
		s.logger.Info("record indexed",
			zap.String("record_id", rec.ID),
			zap.String("url", rec.URL),
			zap.String("source_id", rec.SourceID),
			zap.String("kind", string(rec.Kind)),
			zap.Int("word_count", rec.WordCount),
			zap.Float64("quality", rec.QualityScore),
			zap.String("content_hash", rec.Fingerprint.ContentHash),
		)
	}
	return nil
}

// Close implements Sink.
func (s *LogSink) Close(context.Context) error { return nil }

// PublisherSink publishes each record to a topic.
type PublisherSink struct {
	pub   crawler.Publisher
	topic string
}

// NewPublisherSink publishes records to topic through pub.
func NewPublisherSink(pub crawler.Publisher, topic string) *PublisherSink {
	return &PublisherSink{pub: pub, topic: topic}
}

// Consume publishes every record and reports all failures together.
func (s *PublisherSink) Consume(ctx context.Context, batch []crawler.IndexRecord) error {
	var errs []error
	for _, rec := range batch {
		if _, err := s.pub.Publish(ctx, s.topic, rec); err != nil {
			errs = append(errs, fmt.Errorf("publish record %s: %w", rec.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements Sink. The publisher is owned by the caller.
func (s *PublisherSink) Close(context.Context) error { return nil }
