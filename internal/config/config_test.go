package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Storage.Driver != DriverMemory {
		t.Fatalf("expected memory storage by default, got %q", cfg.Storage.Driver)
	}
	if cfg.Scheduler.MaxRetries != 3 || cfg.RateLimit.BreakerThreshold != 3 {
		t.Fatalf("unexpected retry defaults: %+v %+v", cfg.Scheduler, cfg.RateLimit)
	}
	if cfg.Workers.FetchTimeout != 30*time.Second {
		t.Fatalf("expected squashed worker fetch timeout, got %v", cfg.Workers.FetchTimeout)
	}
	if cfg.Broker.Role != "standalone" {
		t.Fatalf("expected standalone role, got %q", cfg.Broker.Role)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
logging:
  development: true
  level: debug
workers:
  count: 16
  fetch_timeout: 45s
fetch:
  user_agent: test-agent
  respect_robots: false
  blocked: ["ads.example.com"]
headless:
  enabled: true
  max_parallel: 3
  hosts: ["spa.example.com"]
ratelimit:
  base_interval: 2s
  hosts:
    slow.example.com:
      interval: 10s
discovery:
  queries: ["golang", "rust"]
  modifiers: ["tutorial"]
  manual:
    seeds: ["https://seed.example.com/"]
  feed:
    max_items: 25
  bing:
    enabled: true
    api_key: bing-key
storage:
  driver: postgres
  postgres:
    dsn: postgres://localhost/harvester
    max_conns: 4
  blob:
    driver: local
    local:
      base_dir: /tmp/pages
memcache:
  enabled: true
  servers: "10.0.0.1:11211,10.0.0.2:11211"
broker:
  role: consumer
  driver: kafka
  topic: jobs
  kafka:
    brokers: "k1:9092,k2:9092"
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected server and auth overrides, got %+v %+v", cfg.Server, cfg.Auth)
	}
	if !cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging overrides, got %+v", cfg.Logging)
	}
	if cfg.Workers.Count != 16 || cfg.Workers.FetchTimeout != 45*time.Second {
		t.Fatalf("expected worker overrides, got %+v", cfg.Workers)
	}
	if cfg.Fetch.UserAgent != "test-agent" || cfg.Fetch.RespectRobots || len(cfg.Fetch.Blocked) != 1 {
		t.Fatalf("expected fetch overrides, got %+v", cfg.Fetch)
	}
	if !cfg.Headless.Enabled || cfg.Headless.MaxParallel != 3 || cfg.Headless.Hosts[0] != "spa.example.com" {
		t.Fatalf("expected headless overrides, got %+v", cfg.Headless)
	}
	if cfg.RateLimit.BaseInterval != 2*time.Second || cfg.RateLimit.Hosts["slow.example.com"].Interval != 10*time.Second {
		t.Fatalf("expected ratelimit overrides, got %+v", cfg.RateLimit)
	}
	if len(cfg.Discovery.Queries) != 2 || cfg.Discovery.Manual.Seeds[0] != "https://seed.example.com/" {
		t.Fatalf("expected discovery overrides, got %+v", cfg.Discovery)
	}
	if cfg.Discovery.Feed.MaxItems != 25 || !cfg.Discovery.Feed.Enabled {
		t.Fatalf("expected feed overrides with default enabled, got %+v", cfg.Discovery.Feed)
	}
	if !cfg.Discovery.Bing.Enabled || cfg.Discovery.Bing.APIKey != "bing-key" {
		t.Fatalf("expected bing overrides, got %+v", cfg.Discovery.Bing)
	}
	if cfg.Storage.Postgres.MaxConns != 4 || cfg.Storage.Postgres.Schema != "public" {
		t.Fatalf("expected postgres overrides on top of defaults, got %+v", cfg.Storage.Postgres)
	}
	if cfg.Storage.Blob.Local.BaseDir != "/tmp/pages" {
		t.Fatalf("expected blob base dir override, got %q", cfg.Storage.Blob.Local.BaseDir)
	}
	if cfg.Memcache.Servers != "10.0.0.1:11211,10.0.0.2:11211" {
		t.Fatalf("expected memcache servers, got %q", cfg.Memcache.Servers)
	}
	if cfg.Broker.Kafka.Brokers != "k1:9092,k2:9092" || cfg.Broker.Kafka.GroupID != "harvester" {
		t.Fatalf("expected kafka overrides, got %+v", cfg.Broker.Kafka)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("HARVESTER_SERVER_PORT", "7070")
	t.Setenv("HARVESTER_WORKERS_COUNT", "3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected env port 7070, got %d", cfg.Server.Port)
	}
	if cfg.Workers.Count != 3 {
		t.Fatalf("expected env worker count 3, got %d", cfg.Workers.Count)
	}
}

func TestMemcacheRetentionFollowsFingerprint(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	configYAML := `
fingerprint:
  content_retention: 2160h
memcache:
  url_retention: 1h
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Memcache.ContentRetention != 90*24*time.Hour {
		t.Fatalf("expected inherited content retention, got %v", cfg.Memcache.ContentRetention)
	}
	if cfg.Memcache.URLRetention != time.Hour {
		t.Fatalf("expected explicit url retention to win, got %v", cfg.Memcache.URLRetention)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port must be > 0"},
		{"auth key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"retries", func(c *Config) { c.Scheduler.MaxRetries = 0 }, "scheduler.max_retries"},
		{"decay", func(c *Config) { c.RateLimit.DecayFactor = 1 }, "ratelimit.decay_factor"},
		{"backoff", func(c *Config) { c.RateLimit.BackoffFactor = 1 }, "ratelimit.backoff_factor"},
		{"headless", func(c *Config) { c.Headless.Enabled = true; c.Headless.MaxParallel = 0 }, "headless.max_parallel"},
		{"google", func(c *Config) { c.Discovery.Google.Enabled = true }, "discovery.google"},
		{"storage driver", func(c *Config) { c.Storage.Driver = "mysql" }, "storage.driver"},
		{"postgres dsn", func(c *Config) { c.Storage.Driver = DriverPostgres }, "storage.postgres.dsn"},
		{"gcs bucket", func(c *Config) { c.Storage.Blob.Driver = DriverGCS }, "storage.blob.gcs.bucket"},
		{"memcache", func(c *Config) { c.Memcache.Enabled = true }, "memcache.servers"},
		{"role", func(c *Config) { c.Broker.Role = "leader" }, "broker.role"},
		{"consumer subscription", func(c *Config) {
			c.Broker.Role = "consumer"
			c.Broker.PubSub.ProjectID = "proj"
		}, "broker.pubsub.subscription"},
		{"producer project", func(c *Config) { c.Broker.Role = "producer" }, "broker.pubsub.project_id"},
		{"grace", func(c *Config) { c.Shutdown.Grace = 0 }, "shutdown.grace"},
		{"timeout", func(c *Config) { c.Shutdown.Timeout = time.Second }, "shutdown.timeout"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}

	producer := base
	producer.Broker.Role = "producer"
	producer.Broker.Driver = DriverMemory
	if err := producer.Validate(); err != nil {
		t.Fatalf("memory producer should validate: %v", err)
	}
}
