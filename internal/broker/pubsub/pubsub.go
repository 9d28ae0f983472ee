// Package pubsub carries job messages and record notifications over Google
// Cloud Pub/Sub. Trace context travels in message attributes.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/broker"
	"github.com/JakeFAU/harvester/internal/crawler"
)

// Config names the project and the subscription consumed in consumer role.
type Config struct {
	ProjectID      string `mapstructure:"project_id"`
	Subscription   string `mapstructure:"subscription"`
	MaxOutstanding int    `mapstructure:"max_outstanding"`
	NumReceivers   int    `mapstructure:"num_receivers"`
}

// Client publishes to any topic and consumes one subscription.
type Client struct {
	cfg    Config
	client *pubsub.Client
	owned  bool
	logger *zap.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

var (
	_ crawler.Publisher = (*Client)(nil)
	_ broker.Consumer   = (*Client)(nil)
)

// Open dials Pub/Sub with Application Default Credentials.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("pubsub: project_id is required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	c := New(client, cfg, logger)
	c.owned = true
	return c, nil
}

// New wraps an existing client. Close will not close it.
func New(client *pubsub.Client, cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		client: client,
		logger: logger.Named("pubsub"),
		topics: make(map[string]*pubsub.Topic),
	}
}

func (c *Client) topic(name string) *pubsub.Topic {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.topics[name]
	if !ok {
		t = c.client.Topic(name)
		c.topics[name] = t
	}
	return t
}

// Publish marshals the payload to JSON and waits for the server ID.
func (c *Client) Publish(ctx context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{Data: data, Attributes: make(map[string]string)}
	otel.GetTextMapPropagator().Inject(ctx, &carrier{attrs: msg.Attributes})

	id, err := c.topic(topic).Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	return id, nil
}

// Consume receives from the configured subscription until ctx ends.
// Undecodable messages are acknowledged and dropped.
func (c *Client) Consume(ctx context.Context, handle broker.Handler) error {
	if c.cfg.Subscription == "" {
		return errors.New("pubsub: subscription is required to consume")
	}
	sub := c.client.Subscription(c.cfg.Subscription)
	if c.cfg.MaxOutstanding > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = c.cfg.MaxOutstanding
	}
	if c.cfg.NumReceivers > 0 {
		sub.ReceiveSettings.NumGoroutines = c.cfg.NumReceivers
	}
	err := sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		ctx = otel.GetTextMapPropagator().Extract(ctx, &carrier{attrs: m.Attributes})
		msg, err := broker.Decode(m.Data)
		if err != nil {
			c.logger.Warn("dropping malformed message", zap.String("message_id", m.ID), zap.Error(err))
			m.Ack()
			return
		}
		if err := handle(ctx, msg); err != nil {
			c.logger.Warn("message will be redelivered", zap.String("message_id", m.ID), zap.Error(err))
			m.Nack()
			return
		}
		m.Ack()
	})
	if err != nil {
		return fmt.Errorf("receive from %s: %w", c.cfg.Subscription, err)
	}
	return nil
}

// Close flushes topics and closes the client when it was opened here.
func (c *Client) Close() error {
	c.mu.Lock()
	for _, t := range c.topics {
		t.Stop()
	}
	c.topics = make(map[string]*pubsub.Topic)
	c.mu.Unlock()
	if !c.owned {
		return nil
	}
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// carrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type carrier struct {
	attrs map[string]string
}

func (c *carrier) Get(key string) string {
	return c.attrs[key]
}

func (c *carrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *carrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
