// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/harvester/internal/broker"
	"github.com/JakeFAU/harvester/internal/broker/kafka"
	"github.com/JakeFAU/harvester/internal/broker/pubsub"
	"github.com/JakeFAU/harvester/internal/cache/memcache"
	"github.com/JakeFAU/harvester/internal/discovery"
	"github.com/JakeFAU/harvester/internal/discovery/feed"
	"github.com/JakeFAU/harvester/internal/discovery/links"
	"github.com/JakeFAU/harvester/internal/discovery/search"
	collyfetcher "github.com/JakeFAU/harvester/internal/fetcher/colly"
	"github.com/JakeFAU/harvester/internal/fetcher/headless"
	"github.com/JakeFAU/harvester/internal/fingerprint"
	"github.com/JakeFAU/harvester/internal/indexing"
	"github.com/JakeFAU/harvester/internal/logging"
	"github.com/JakeFAU/harvester/internal/notify"
	"github.com/JakeFAU/harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/harvester/internal/scheduler"
	"github.com/JakeFAU/harvester/internal/storage/gcs"
	"github.com/JakeFAU/harvester/internal/storage/local"
	"github.com/JakeFAU/harvester/internal/storage/postgres"
	"github.com/JakeFAU/harvester/internal/telemetry"
	"github.com/JakeFAU/harvester/internal/worker"
)

// Storage and broker drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverLocal    = "local"
	DriverGCS      = "gcs"
	DriverPubSub   = "pubsub"
	DriverKafka    = "kafka"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig       `mapstructure:"server"`
	Auth        AuthConfig         `mapstructure:"auth"`
	Logging     logging.Config     `mapstructure:"logging"`
	Telemetry   telemetry.Config   `mapstructure:"telemetry"`
	Scheduler   scheduler.Config   `mapstructure:"scheduler"`
	RateLimit   ratelimit.Config   `mapstructure:"ratelimit"`
	Workers     WorkersConfig      `mapstructure:"workers"`
	Fetch       FetchConfig        `mapstructure:"fetch"`
	Headless    HeadlessConfig     `mapstructure:"headless"`
	Discovery   DiscoveryConfig    `mapstructure:"discovery"`
	Indexing    indexing.Config    `mapstructure:"indexing"`
	Fingerprint fingerprint.Config `mapstructure:"fingerprint"`
	Storage     StorageConfig      `mapstructure:"storage"`
	Memcache    MemcacheConfig     `mapstructure:"memcache"`
	Broker      BrokerConfig       `mapstructure:"broker"`
	Notify      NotifyConfig       `mapstructure:"notify"`
	Maintenance MaintenanceConfig  `mapstructure:"maintenance"`
	Shutdown    ShutdownConfig     `mapstructure:"shutdown"`
}

// ServerConfig controls the HTTP front door.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// WorkersConfig sizes the fetch pool.
type WorkersConfig struct {
	Count         int `mapstructure:"count"`
	worker.Config `mapstructure:",squash"`
}

// FetchConfig configures the probe fetcher and the fetch policy.
type FetchConfig struct {
	collyfetcher.Config `mapstructure:",squash"`
	// Blocked hosts are never fetched; subdomains included.
	Blocked []string `mapstructure:"blocked"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled            bool     `mapstructure:"enabled"`
	PromotionThreshold int      `mapstructure:"promotion_threshold"`
	Hosts              []string `mapstructure:"hosts"`
	headless.Config    `mapstructure:",squash"`
}

// DiscoveryConfig drives the discovery engine and its providers.
type DiscoveryConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Schedule         string `mapstructure:"schedule"`
	discovery.Config `mapstructure:",squash"`

	Google search.Config `mapstructure:"google"`
	Bing   search.Config `mapstructure:"bing"`
	Manual ManualConfig  `mapstructure:"manual"`
	Feed   FeedConfig    `mapstructure:"feed"`
	Links  LinksConfig   `mapstructure:"links"`
}

// ManualConfig lists operator-supplied seed URLs re-offered every cycle.
type ManualConfig struct {
	Seeds []string `mapstructure:"seeds"`
}

// FeedConfig toggles RSS, Atom and sitemap polling of known sources.
type FeedConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	feed.Config `mapstructure:",squash"`
}

// LinksConfig toggles outbound link harvesting from source home pages.
type LinksConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	links.Config `mapstructure:",squash"`
}

// StorageConfig selects durable storage and the raw page archive.
type StorageConfig struct {
	Driver   string          `mapstructure:"driver"`
	Postgres postgres.Config `mapstructure:"postgres"`
	Blob     BlobConfig      `mapstructure:"blob"`
}

// BlobConfig selects where raw pages are archived.
type BlobConfig struct {
	Driver string       `mapstructure:"driver"`
	Local  local.Config `mapstructure:"local"`
	GCS    gcs.Config   `mapstructure:"gcs"`
}

// MemcacheConfig enables the shared fingerprint backend.
type MemcacheConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	memcache.Config `mapstructure:",squash"`
}

// BrokerConfig selects the role of this process and the task-queue transport.
type BrokerConfig struct {
	Role   string        `mapstructure:"role"`
	Driver string        `mapstructure:"driver"`
	Topic  string        `mapstructure:"topic"`
	PubSub pubsub.Config `mapstructure:"pubsub"`
	Kafka  kafka.Config  `mapstructure:"kafka"`
}

// NotifyConfig controls how indexed records reach the embedding collaborator.
type NotifyConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Log           bool   `mapstructure:"log"`
	Topic         string `mapstructure:"topic"`
	notify.Config `mapstructure:",squash"`
}

// MaintenanceConfig schedules the housekeeping task.
type MaintenanceConfig struct {
	Schedule string        `mapstructure:"schedule"`
	HostIdle time.Duration `mapstructure:"host_idle"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ShutdownConfig bounds the shutdown sequence.
type ShutdownConfig struct {
	// Grace is how long in-flight fetches may run before being cancelled.
	Grace time.Duration `mapstructure:"grace"`
	// Timeout bounds the whole sequence including persistence.
	Timeout time.Duration `mapstructure:"timeout"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	inheritRetention(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// inheritRetention makes the memcache expirations follow the fingerprint
// retention unless they are configured on their own.
func inheritRetention(v *viper.Viper) {
	for _, key := range []string{"url_retention", "content_retention"} {
		if !v.IsSet("memcache." + key) {
			v.SetDefault("memcache."+key, v.Get("fingerprint."+key))
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", 10*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "harvester")
	v.SetDefault("telemetry.sample_ratio", 1.0)

	v.SetDefault("scheduler.max_pending", 100000)
	v.SetDefault("scheduler.max_retries", 3)
	v.SetDefault("scheduler.retry_base_delay", 30*time.Second)
	v.SetDefault("scheduler.retry_max_delay", 30*time.Minute)
	v.SetDefault("scheduler.retry_priority_step", 1)
	v.SetDefault("scheduler.min_priority", 0)
	v.SetDefault("scheduler.staleness_window", 24*time.Hour)
	v.SetDefault("scheduler.unhealthy_threshold", 5)

	v.SetDefault("ratelimit.base_interval", time.Second)
	v.SetDefault("ratelimit.burst", 1)
	v.SetDefault("ratelimit.max_interval", 5*time.Minute)
	v.SetDefault("ratelimit.backoff_factor", 2.0)
	v.SetDefault("ratelimit.decay_factor", 0.9)
	v.SetDefault("ratelimit.breaker_threshold", 3)
	v.SetDefault("ratelimit.cooldown", 10*time.Minute)
	v.SetDefault("ratelimit.max_wait", 30*time.Second)
	v.SetDefault("ratelimit.max_concurrent", 2)

	v.SetDefault("workers.count", 8)
	v.SetDefault("workers.fetch_timeout", 30*time.Second)
	v.SetDefault("workers.poll_interval", time.Second)

	v.SetDefault("fetch.user_agent", "harvester/0.1 (+https://github.com/JakeFAU/harvester)")
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.timeout", 20*time.Second)
	v.SetDefault("fetch.max_body_size", 10<<20)

	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.promotion_threshold", 60)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.navigation_timeout", 45*time.Second)
	v.SetDefault("headless.settle_delay", 500*time.Millisecond)

	v.SetDefault("discovery.enabled", true)
	v.SetDefault("discovery.schedule", "@every 30m")
	v.SetDefault("discovery.max_queries", 20)
	v.SetDefault("discovery.default_priority", 1)
	v.SetDefault("discovery.trusted_priority", 5)
	v.SetDefault("discovery.relevance_boost", 2)
	v.SetDefault("discovery.min_relevance", 0.0)
	v.SetDefault("discovery.default_crawl_interval", 24*time.Hour)
	v.SetDefault("discovery.concurrency", 4)
	v.SetDefault("discovery.excluded_domains", []string{"facebook.com", "twitter.com", "instagram.com", "linkedin.com"})
	v.SetDefault("discovery.google.enabled", false)
	v.SetDefault("discovery.google.max_results", 10)
	v.SetDefault("discovery.bing.enabled", false)
	v.SetDefault("discovery.bing.max_results", 50)
	v.SetDefault("discovery.feed.enabled", true)
	v.SetDefault("discovery.feed.max_items", 100)
	v.SetDefault("discovery.links.enabled", false)
	v.SetDefault("discovery.links.max_links", 50)

	v.SetDefault("indexing.min_content_chars", 200)
	v.SetDefault("indexing.max_content_chars", 200000)
	v.SetDefault("indexing.near_duplicate_distance", 3)
	v.SetDefault("indexing.near_duplicate_window", 10000)
	v.SetDefault("indexing.archive_prefix", "pages")

	v.SetDefault("fingerprint.shards", 64)
	v.SetDefault("fingerprint.url_retention", 7*24*time.Hour)
	v.SetDefault("fingerprint.content_retention", 30*24*time.Hour)

	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.postgres.schema", "public")
	v.SetDefault("storage.postgres.max_conns", 10)
	v.SetDefault("storage.blob.driver", "")
	v.SetDefault("storage.blob.local.base_dir", "data/pages")

	v.SetDefault("memcache.enabled", false)
	v.SetDefault("memcache.key_prefix", "harvester:fp:")
	v.SetDefault("memcache.timeout", 500*time.Millisecond)

	v.SetDefault("broker.role", string(broker.RoleStandalone))
	v.SetDefault("broker.driver", DriverPubSub)
	v.SetDefault("broker.topic", "harvester-jobs")
	v.SetDefault("broker.pubsub.max_outstanding", 100)
	v.SetDefault("broker.pubsub.num_receivers", 1)
	v.SetDefault("broker.kafka.group_id", "harvester")
	v.SetDefault("broker.kafka.required_acks", 1)
	v.SetDefault("broker.kafka.max_attempts", 5)

	v.SetDefault("notify.enabled", true)
	v.SetDefault("notify.log", true)
	v.SetDefault("notify.topic", "")
	v.SetDefault("notify.buffer_size", 4096)
	v.SetDefault("notify.max_batch", 100)
	v.SetDefault("notify.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("notify.sink_timeout", 10*time.Second)

	v.SetDefault("maintenance.schedule", "@every 5m")
	v.SetDefault("maintenance.host_idle", time.Hour)
	v.SetDefault("maintenance.timeout", 2*time.Minute)

	v.SetDefault("shutdown.grace", 30*time.Second)
	v.SetDefault("shutdown.timeout", time.Minute)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Workers.Count < 0 {
		return fmt.Errorf("workers.count must be >= 0")
	}
	if c.Workers.FetchTimeout <= 0 {
		return fmt.Errorf("workers.fetch_timeout must be > 0")
	}
	if c.Scheduler.MaxRetries <= 0 {
		return fmt.Errorf("scheduler.max_retries must be > 0")
	}
	if c.Scheduler.MaxPending <= 0 {
		return fmt.Errorf("scheduler.max_pending must be > 0")
	}
	if c.RateLimit.BaseInterval <= 0 {
		return fmt.Errorf("ratelimit.base_interval must be > 0")
	}
	if c.RateLimit.BackoffFactor <= 1 {
		return fmt.Errorf("ratelimit.backoff_factor must be > 1")
	}
	if c.RateLimit.DecayFactor <= 0 || c.RateLimit.DecayFactor >= 1 {
		return fmt.Errorf("ratelimit.decay_factor must be in (0, 1)")
	}
	if c.RateLimit.BreakerThreshold <= 0 {
		return fmt.Errorf("ratelimit.breaker_threshold must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Discovery.Enabled && c.Discovery.Schedule == "" {
		return fmt.Errorf("discovery.schedule must be set when discovery is enabled")
	}
	if c.Discovery.Google.Enabled && (c.Discovery.Google.APIKey == "" || c.Discovery.Google.CX == "") {
		return fmt.Errorf("discovery.google.api_key and discovery.google.cx must be set when google is enabled")
	}
	if c.Discovery.Bing.Enabled && c.Discovery.Bing.APIKey == "" {
		return fmt.Errorf("discovery.bing.api_key must be set when bing is enabled")
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn must be set when storage.driver is postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be one of memory, postgres (got %q)", c.Storage.Driver)
	}
	switch c.Storage.Blob.Driver {
	case "", DriverMemory:
	case DriverLocal:
		if c.Storage.Blob.Local.BaseDir == "" {
			return fmt.Errorf("storage.blob.local.base_dir must be set when storage.blob.driver is local")
		}
	case DriverGCS:
		if c.Storage.Blob.GCS.Bucket == "" {
			return fmt.Errorf("storage.blob.gcs.bucket must be set when storage.blob.driver is gcs")
		}
	default:
		return fmt.Errorf("storage.blob.driver must be one of memory, local, gcs (got %q)", c.Storage.Blob.Driver)
	}
	if c.Memcache.Enabled && c.Memcache.Servers == "" {
		return fmt.Errorf("memcache.servers must be set when memcache is enabled")
	}
	if err := c.validateBroker(); err != nil {
		return err
	}
	if c.Notify.Enabled && c.Notify.BufferSize <= 0 {
		return fmt.Errorf("notify.buffer_size must be > 0")
	}
	if c.Maintenance.Schedule == "" {
		return fmt.Errorf("maintenance.schedule must be set")
	}
	if c.Shutdown.Grace <= 0 {
		return fmt.Errorf("shutdown.grace must be > 0")
	}
	if c.Shutdown.Timeout < c.Shutdown.Grace {
		return fmt.Errorf("shutdown.timeout must be >= shutdown.grace")
	}
	return nil
}

func (c Config) validateBroker() error {
	role, err := broker.ParseRole(c.Broker.Role)
	if err != nil {
		return fmt.Errorf("broker.role: %w", err)
	}
	if role == broker.RoleStandalone {
		if c.Notify.Topic != "" {
			return c.validateBrokerDriver(false)
		}
		return nil
	}
	if c.Broker.Topic == "" {
		return fmt.Errorf("broker.topic must be set when broker.role is %s", role)
	}
	return c.validateBrokerDriver(role == broker.RoleConsumer)
}

func (c Config) validateBrokerDriver(consume bool) error {
	switch c.Broker.Driver {
	case DriverPubSub:
		if c.Broker.PubSub.ProjectID == "" {
			return fmt.Errorf("broker.pubsub.project_id must be set when broker.driver is pubsub")
		}
		if consume && c.Broker.PubSub.Subscription == "" {
			return fmt.Errorf("broker.pubsub.subscription must be set for the consumer role")
		}
	case DriverKafka:
		if c.Broker.Kafka.Brokers == "" {
			return fmt.Errorf("broker.kafka.brokers must be set when broker.driver is kafka")
		}
		if consume && c.Broker.Kafka.GroupID == "" {
			return fmt.Errorf("broker.kafka.group_id must be set for the consumer role")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("broker.driver must be one of pubsub, kafka, memory (got %q)", c.Broker.Driver)
	}
	return nil
}
