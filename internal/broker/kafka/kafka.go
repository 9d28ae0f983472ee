// Package kafka carries job messages and record notifications over Kafka.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress/lz4"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/broker"
	"github.com/JakeFAU/harvester/internal/crawler"
)

// Config holds broker addresses plus writer and reader settings.
type Config struct {
	Brokers      string        `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	GroupID      string        `mapstructure:"group_id"`
	RequiredAcks int           `mapstructure:"required_acks"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxWait      time.Duration `mapstructure:"max_wait"`
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Client publishes with a kafka.Writer and consumes the job topic with a
// consumer-group kafka.Reader.
type Client struct {
	cfg    Config
	w      writer
	r      reader
	logger *zap.Logger
}

var (
	_ crawler.Publisher = (*Client)(nil)
	_ broker.Consumer   = (*Client)(nil)
)

// New builds a Client. The reader is only created when a group ID is set.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	addrs := splitBrokers(cfg.Brokers)
	if len(addrs) == 0 {
		return nil, errors.New("kafka: brokers are required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(addrs...),
		Balancer:     &kafka.Hash{},
		MaxAttempts:  cfg.MaxAttempts,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  kafka.Compression(new(lz4.Codec).Code()),
	}
	var r reader
	if cfg.GroupID != "" && cfg.Topic != "" {
		r = kafka.NewReader(kafka.ReaderConfig{
			Brokers: addrs,
			Topic:   cfg.Topic,
			GroupID: cfg.GroupID,
			MaxWait: cfg.MaxWait,
		})
	}
	return newClient(cfg, w, r, logger), nil
}

func newClient(cfg Config, w writer, r reader, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Client{cfg: cfg, w: w, r: r, logger: logger.Named("kafka")}
}

func splitBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// Publish writes payload as JSON to topic. Job messages are keyed by URL
// fingerprint so retries of one URL land on one partition.
func (c *Client) Publish(ctx context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := kafka.Message{Topic: topic, Value: data}
	if job, ok := payload.(broker.JobMessage); ok {
		msg.Key = []byte(job.Fingerprint)
	}
	otel.GetTextMapPropagator().Inject(ctx, &headerCarrier{msg: &msg})

	ctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := c.w.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("write to %s: %w", topic, err)
	}
	return string(msg.Key), nil
}

// Consume fetches from the group reader and commits each message once the
// handler accepts it. A rejected message stops consumption so that it is
// fetched again after restart or rebalance.
func (c *Client) Consume(ctx context.Context, handle broker.Handler) error {
	if c.r == nil {
		return errors.New("kafka: topic and group_id are required to consume")
	}
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("consume canceled: %w", ctx.Err())
			}
			return fmt.Errorf("fetch message: %w", err)
		}
		mctx := otel.GetTextMapPropagator().Extract(ctx, &headerCarrier{msg: &m})
		msg, err := broker.Decode(m.Value)
		if err != nil {
			c.logger.Warn("dropping malformed message",
				zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset), zap.Error(err))
		} else if err := handle(mctx, msg); err != nil {
			return fmt.Errorf("handle offset %d: %w", m.Offset, err)
		}
		if err := c.r.CommitMessages(ctx, m); err != nil {
			return fmt.Errorf("commit offset %d: %w", m.Offset, err)
		}
	}
}

// Close closes the writer and the reader.
func (c *Client) Close() error {
	var errs []error
	if err := c.w.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close kafka writer: %w", err))
	}
	if c.r != nil {
		if err := c.r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close kafka reader: %w", err))
		}
	}
	return errors.Join(errs...)
}

// headerCarrier implements propagation.TextMapCarrier for message headers.
type headerCarrier struct {
	msg *kafka.Message
}

func (c *headerCarrier) Get(key string) string {
	for _, h := range c.msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	for i, h := range c.msg.Headers {
		if h.Key == key {
			c.msg.Headers[i].Value = []byte(value)
			return
		}
	}
	c.msg.Headers = append(c.msg.Headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.msg.Headers))
	for _, h := range c.msg.Headers {
		keys = append(keys, h.Key)
	}
	return keys
}
