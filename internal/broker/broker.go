// Package broker moves crawl jobs between processes. A producer publishes
// JobMessages instead of enqueuing locally; a consumer feeds received
// messages into the local scheduler. Delivery is at-least-once and relies on
// scheduler dedup for safety.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/harvester/internal/crawler"
)

var tracer = otel.Tracer("github.com/JakeFAU/harvester/internal/broker")

// Role selects how a process participates in the broker.
type Role string

const (
	// RoleStandalone runs without a broker.
	RoleStandalone Role = "standalone"
	// RoleProducer publishes discovered and seeded jobs.
	RoleProducer Role = "producer"
	// RoleConsumer crawls jobs received from the broker.
	RoleConsumer Role = "consumer"
)

// ParseRole validates a configured role. Empty means standalone.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case "", RoleStandalone:
		return RoleStandalone, nil
	case RoleProducer, RoleConsumer:
		return Role(s), nil
	default:
		return "", fmt.Errorf("unknown broker role %q", s)
	}
}

// JobMessage is the wire form of a crawl job.
type JobMessage struct {
	URL              string `json:"url"`
	Fingerprint      string `json:"fingerprint"`
	SourceID         string `json:"source_id,omitempty"`
	Priority         int    `json:"priority"`
	Attempt          int    `json:"attempt"`
	StalenessSeconds int64  `json:"staleness_seconds,omitempty"`
}

// FromJob converts a job to its wire form.
func FromJob(job crawler.CrawlJob) JobMessage {
	return JobMessage{
		URL:              job.URL,
		Fingerprint:      job.Fingerprint,
		SourceID:         job.SourceID,
		Priority:         job.Priority,
		Attempt:          job.Attempt,
		StalenessSeconds: int64(job.StalenessWindow / time.Second),
	}
}

// Job converts the message back into a job ready for EnqueueJob.
func (m JobMessage) Job() crawler.CrawlJob {
	return crawler.CrawlJob{
		URL:             m.URL,
		Fingerprint:     m.Fingerprint,
		SourceID:        m.SourceID,
		Priority:        m.Priority,
		Attempt:         m.Attempt,
		StalenessWindow: time.Duration(m.StalenessSeconds) * time.Second,
	}
}

// Decode parses a JobMessage payload.
func Decode(data []byte) (JobMessage, error) {
	var m JobMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return JobMessage{}, fmt.Errorf("decode job message: %w", err)
	}
	if m.URL == "" {
		return JobMessage{}, fmt.Errorf("decode job message: %w: empty url", crawler.ErrInvalidURL)
	}
	return m, nil
}

// Handler processes one received message. A nil error acknowledges it; any
// other error asks the transport to redeliver.
type Handler func(ctx context.Context, msg JobMessage) error

// Consumer delivers messages to a Handler until ctx ends.
type Consumer interface {
	Consume(ctx context.Context, handle Handler) error
	Close() error
}
