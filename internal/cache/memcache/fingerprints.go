// Package memcache backs the fingerprint store with a shared memcached
// cluster so several harvester processes agree on what has been seen.
package memcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/crawler"
)

const (
	maxKeyLen = 250
	// maxRelativeExpiration is the largest expiration memcached reads as a
	// relative number of seconds; larger values are unix timestamps.
	maxRelativeExpiration = 30 * 24 * time.Hour
)

// Config selects the memcached servers and per-kind expirations.
type Config struct {
	Servers          string        `mapstructure:"servers"`
	KeyPrefix        string        `mapstructure:"key_prefix"`
	Timeout          time.Duration `mapstructure:"timeout"`
	URLRetention     time.Duration `mapstructure:"url_retention"`
	ContentRetention time.Duration `mapstructure:"content_retention"`
}

// client is the subset of *memcache.Client used here.
type client interface {
	Get(key string) (*memcache.Item, error)
	Add(item *memcache.Item) error
	Set(item *memcache.Item) error
	Delete(key string) error
	Ping() error
	Close() error
}

// Repository implements crawler.FingerprintRepository on memcached. Add
// provides insert-if-absent across processes.
type Repository struct {
	client client
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

var _ crawler.FingerprintRepository = (*Repository)(nil)

// Dial connects to the configured servers and pings them.
func Dial(cfg Config, logger *zap.Logger) (*Repository, error) {
	servers := splitServers(cfg.Servers)
	if len(servers) == 0 {
		return nil, fmt.Errorf("memcache.servers is required")
	}
	ss := new(memcache.ServerList)
	if err := ss.SetServers(servers...); err != nil {
		return nil, fmt.Errorf("memcache servers: %w", err)
	}
	mc := memcache.NewFromSelector(ss)
	if cfg.Timeout > 0 {
		mc.Timeout = cfg.Timeout
	}
	if err := mc.Ping(); err != nil {
		return nil, crawler.Unavailable("memcache ping", err)
	}
	return NewWithClient(mc, cfg, logger), nil
}

// NewWithClient wraps an existing client (primarily for testing).
func NewWithClient(c client, cfg Config, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "harvester:fp:"
	}
	return &Repository{client: c, cfg: cfg, logger: logger.Named("memcache"), now: time.Now}
}

func splitServers(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// FingerprintLookup returns the stored metadata for fp.
func (r *Repository) FingerprintLookup(_ context.Context, fp string) (crawler.FingerprintMeta, bool, error) {
	item, err := r.client.Get(r.key(fp))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return crawler.FingerprintMeta{}, false, nil
	}
	if err != nil {
		return crawler.FingerprintMeta{}, false, crawler.Unavailable("memcache lookup", err)
	}
	var meta crawler.FingerprintMeta
	if err := json.Unmarshal(item.Value, &meta); err != nil {
		r.logger.Warn("dropping undecodable fingerprint entry", zap.String("fingerprint", fp), zap.Error(err))
		return crawler.FingerprintMeta{}, false, nil
	}
	return meta, true, nil
}

// FingerprintCommit adds meta only when the key is absent.
func (r *Repository) FingerprintCommit(_ context.Context, meta crawler.FingerprintMeta) (bool, error) {
	item, err := r.item(meta)
	if err != nil {
		return false, err
	}
	err = r.client.Add(item)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, memcache.ErrNotStored):
		return false, nil
	default:
		return false, crawler.Unavailable("memcache commit", err)
	}
}

// FingerprintTouch overwrites meta, refreshing its expiration.
func (r *Repository) FingerprintTouch(_ context.Context, meta crawler.FingerprintMeta) error {
	item, err := r.item(meta)
	if err != nil {
		return err
	}
	if err := r.client.Set(item); err != nil {
		return crawler.Unavailable("memcache touch", err)
	}
	return nil
}

// FingerprintDelete removes fp. Deleting a missing key is not an error.
func (r *Repository) FingerprintDelete(_ context.Context, fp string) error {
	err := r.client.Delete(r.key(fp))
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return crawler.Unavailable("memcache delete", err)
	}
	return nil
}

// Close releases idle connections.
func (r *Repository) Close() {
	if err := r.client.Close(); err != nil {
		r.logger.Warn("close memcache client", zap.Error(err))
	}
}

func (r *Repository) item(meta crawler.FingerprintMeta) (*memcache.Item, error) {
	value, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode fingerprint: %w", err)
	}
	return &memcache.Item{
		Key:        r.key(meta.Fingerprint),
		Value:      value,
		Expiration: r.expiration(meta.Kind),
	}, nil
}

func (r *Repository) expiration(kind crawler.FingerprintKind) int32 {
	ttl := r.cfg.ContentRetention
	if kind == crawler.FingerprintURL {
		ttl = r.cfg.URLRetention
	}
	if ttl <= 0 {
		return 0
	}
	if ttl > maxRelativeExpiration {
		return int32(r.now().Add(ttl).Unix())
	}
	return int32(ttl / time.Second)
}

// key hashes fingerprints that would exceed memcached's key limit or contain
// characters it rejects.
func (r *Repository) key(fp string) string {
	k := r.cfg.KeyPrefix + fp
	if len(k) <= maxKeyLen && !strings.ContainsAny(k, " \t\r\n") {
		return k
	}
	sum := sha256.Sum256([]byte(fp))
	return r.cfg.KeyPrefix + hex.EncodeToString(sum[:])
}
