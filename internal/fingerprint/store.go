// Package fingerprint implements the content-addressed dedup index shared by
// the scheduler, discovery and indexing.
package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/crawler"
)

const defaultShards = 64

// Config controls sharding and retention.
type Config struct {
	Shards int `mapstructure:"shards"`
	// URLRetention bounds how long URL recency entries stay in memory.
	URLRetention time.Duration `mapstructure:"url_retention"`
	// ContentRetention bounds in-memory content entries. It only applies when a
	// durable backend is configured; without one content entries live for the
	// life of the process.
	ContentRetention time.Duration `mapstructure:"content_retention"`
}

// Purger is implemented by backends that can drop old URL recency rows.
type Purger interface {
	PurgeFingerprints(ctx context.Context, kind crawler.FingerprintKind, before time.Time) (int64, error)
}

// Store is a sharded insert-if-absent set with optional durable backing.
// Commits for the same key are serialized; unrelated keys do not contend.
type Store struct {
	shards  []*shard
	backend crawler.FingerprintRepository
	clock   crawler.Clock
	cfg     Config
	logger  *zap.Logger
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	meta crawler.FingerprintMeta
	// pending is non-nil while the owning commit is talking to the backend.
	pending chan struct{}
}

// New creates a Store. backend may be nil for a purely in-process index.
func New(cfg Config, backend crawler.FingerprintRepository, clock crawler.Clock, logger *zap.Logger) *Store {
	if cfg.Shards <= 0 {
		cfg.Shards = defaultShards
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return &Store{
		shards:  shards,
		backend: backend,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
	}
}

func (s *Store) shardFor(fp string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fp))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Contains reports whether fp of the given kind has been committed or touched.
func (s *Store) Contains(ctx context.Context, kind crawler.FingerprintKind, fp string) (bool, error) {
	_, ok, err := s.Lookup(ctx, kind, fp)
	return ok, err
}

// Lookup returns the metadata recorded for fp of the given kind.
func (s *Store) Lookup(ctx context.Context, kind crawler.FingerprintKind, fp string) (crawler.FingerprintMeta, bool, error) {
	key := kind.Key(fp)
	sh := s.shardFor(key)
	sh.mu.Lock()
	if e, ok := sh.entries[key]; ok && e.pending == nil {
		meta := e.meta
		sh.mu.Unlock()
		return meta, true, nil
	}
	sh.mu.Unlock()

	if s.backend == nil {
		return crawler.FingerprintMeta{}, false, nil
	}
	meta, ok, err := s.backend.FingerprintLookup(ctx, key)
	if err != nil {
		return crawler.FingerprintMeta{}, false, wrapUnavailable("fingerprint lookup", err)
	}
	if !ok {
		return crawler.FingerprintMeta{}, false, nil
	}
	meta.Fingerprint, meta.Kind = fp, kind
	s.remember(key, meta)
	return meta, true, nil
}

func (s *Store) remember(key string, meta crawler.FingerprintMeta) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.entries[key]; ok {
		return
	}
	sh.entries[key] = &entry{meta: meta}
}

// Commit inserts meta.Fingerprint if absent. Exactly one concurrent caller per
// key observes Inserted. A caller that finds a commit in progress waits for it
// and re-evaluates, so a rolled-back commit never hides the key.
func (s *Store) Commit(ctx context.Context, meta crawler.FingerprintMeta) (crawler.CommitResult, error) {
	if meta.Fingerprint == "" {
		return 0, errors.New("fingerprint is required")
	}
	if meta.SeenAt.IsZero() {
		meta.SeenAt = s.clock.Now()
	}
	key := meta.Kind.Key(meta.Fingerprint)
	sh := s.shardFor(key)
	for {
		sh.mu.Lock()
		existing, ok := sh.entries[key]
		if ok && existing.pending == nil {
			sh.mu.Unlock()
			return crawler.AlreadyPresent, nil
		}
		if ok {
			wait := existing.pending
			sh.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return 0, fmt.Errorf("fingerprint commit wait: %w", ctx.Err())
			}
		}
		e := &entry{meta: meta, pending: make(chan struct{})}
		sh.entries[key] = e
		sh.mu.Unlock()

		inserted, err := s.commitBackend(ctx, key, meta)

		sh.mu.Lock()
		done := e.pending
		e.pending = nil
		if err != nil {
			delete(sh.entries, key)
		}
		sh.mu.Unlock()
		close(done)

		if err != nil {
			return 0, err
		}
		if !inserted {
			return crawler.AlreadyPresent, nil
		}
		return crawler.Inserted, nil
	}
}

func (s *Store) commitBackend(ctx context.Context, key string, meta crawler.FingerprintMeta) (bool, error) {
	if s.backend == nil {
		return true, nil
	}
	meta.Fingerprint = key
	inserted, err := s.backend.FingerprintCommit(ctx, meta)
	if err != nil {
		return false, wrapUnavailable("fingerprint commit", err)
	}
	return inserted, nil
}

// Touch records that a URL fingerprint was seen at meta.SeenAt. Unlike Commit it
// overwrites the timestamp of an existing entry.
func (s *Store) Touch(ctx context.Context, meta crawler.FingerprintMeta) error {
	if meta.Fingerprint == "" {
		return errors.New("fingerprint is required")
	}
	if meta.SeenAt.IsZero() {
		meta.SeenAt = s.clock.Now()
	}
	key := meta.Kind.Key(meta.Fingerprint)
	if s.backend != nil {
		stored := meta
		stored.Fingerprint = key
		if err := s.backend.FingerprintTouch(ctx, stored); err != nil {
			return wrapUnavailable("fingerprint touch", err)
		}
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.entries[key]; ok {
		if e.pending == nil {
			e.meta = meta
		}
		return nil
	}
	sh.entries[key] = &entry{meta: meta}
	return nil
}

// Release removes a committed fingerprint whose downstream write failed, so a
// retried job can commit it again. The in-memory entry is always dropped; a
// backend failure is returned and leaves the durable row behind.
func (s *Store) Release(ctx context.Context, kind crawler.FingerprintKind, fp string) error {
	key := kind.Key(fp)
	sh := s.shardFor(key)
	sh.mu.Lock()
	if e, ok := sh.entries[key]; ok && e.pending == nil {
		delete(sh.entries, key)
	}
	sh.mu.Unlock()

	if s.backend != nil {
		if err := s.backend.FingerprintDelete(ctx, key); err != nil {
			return wrapUnavailable("fingerprint release", err)
		}
	}
	return nil
}

// Evict drops in-memory entries that fall outside their retention window and
// returns how many were removed.
func (s *Store) Evict(now time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, e := range sh.entries {
			if e.pending != nil {
				continue
			}
			if s.expired(e.meta, now) {
				delete(sh.entries, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func (s *Store) expired(meta crawler.FingerprintMeta, now time.Time) bool {
	switch meta.Kind {
	case crawler.FingerprintURL:
		return s.cfg.URLRetention > 0 && now.Sub(meta.SeenAt) > s.cfg.URLRetention
	case crawler.FingerprintContent:
		if s.backend == nil {
			return false
		}
		return s.cfg.ContentRetention > 0 && now.Sub(meta.SeenAt) > s.cfg.ContentRetention
	default:
		return false
	}
}

// Sweep runs Evict and purges expired URL recency rows from the backend.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now()
	removed := s.Evict(now)
	purger, ok := s.backend.(Purger)
	if !ok || s.cfg.URLRetention <= 0 {
		return removed, nil
	}
	purged, err := purger.PurgeFingerprints(ctx, crawler.FingerprintURL, now.Add(-s.cfg.URLRetention))
	if err != nil {
		return removed, wrapUnavailable("fingerprint purge", err)
	}
	s.logger.Debug("fingerprint sweep",
		zap.Int("evicted", removed),
		zap.Int64("purged", purged),
	)
	return removed, nil
}

// Len returns the number of settled in-memory entries.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, e := range sh.entries {
			if e.pending == nil {
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

func wrapUnavailable(op string, err error) error {
	if errors.Is(err, crawler.ErrStoreUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return crawler.Unavailable(op, err)
}
