// Package postgres provides the Postgres-backed durable storage.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/id/uuid"
)

var validSchemaName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string        `mapstructure:"dsn"`
	Schema          string        `mapstructure:"schema"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// pool is the subset of pgxpool.Pool used by Store; pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store implements crawler.Storage on Postgres.
type Store struct {
	pool   pool
	schema string
	ids    crawler.IDGenerator
}

var _ crawler.Storage = (*Store)(nil)

// New connects to Postgres using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(p, cfg.Schema, nil)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, schema string, ids crawler.IDGenerator) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if schema == "" {
		schema = "public"
	}
	if !validSchemaName.MatchString(schema) {
		return nil, fmt.Errorf("invalid schema name %q", schema)
	}
	if ids == nil {
		ids = uuid.New()
	}
	return &Store{pool: p, schema: schema, ids: ids}, nil
}

// Ping verifies a connection can be acquired.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return crawler.Unavailable("postgres ping", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) table(name string) string {
	return s.schema + "." + name
}

// EnsureSchema creates the tables used by the store when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := strings.ReplaceAll(schemaDDL, "{schema}", s.schema)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return crawler.Unavailable("ensure schema", err)
	}
	return nil
}

const schemaDDL = `
CREATE SCHEMA IF NOT EXISTS {schema};
CREATE TABLE IF NOT EXISTS {schema}.sources (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	root_url TEXT NOT NULL DEFAULT '',
	domain TEXT NOT NULL UNIQUE,
	discovery_method TEXT NOT NULL DEFAULT 'manual',
	active BOOLEAN NOT NULL DEFAULT TRUE,
	trusted BOOLEAN NOT NULL DEFAULT FALSE,
	feed_url TEXT NOT NULL DEFAULT '',
	sitemap_url TEXT NOT NULL DEFAULT '',
	crawl_interval_seconds BIGINT NOT NULL DEFAULT 0,
	last_crawled_at TIMESTAMPTZ,
	last_discovered_at TIMESTAMPTZ,
	crawl_count BIGINT NOT NULL DEFAULT 0,
	error_count BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS {schema}.index_records (
	id TEXT PRIMARY KEY,
	source_id TEXT,
	url TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL DEFAULT '',
	author TEXT NOT NULL DEFAULT '',
	published_at TIMESTAMPTZ,
	tags TEXT[] NOT NULL DEFAULT '{}',
	kind TEXT NOT NULL,
	language TEXT NOT NULL DEFAULT '',
	word_count INTEGER NOT NULL DEFAULT 0,
	quality_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	content_hash TEXT NOT NULL UNIQUE,
	url_fingerprint TEXT NOT NULL,
	blob_uri TEXT NOT NULL DEFAULT '',
	discovered_at TIMESTAMPTZ NOT NULL,
	indexed_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS {schema}.fingerprints (
	fingerprint TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	url TEXT NOT NULL DEFAULT '',
	source_id TEXT NOT NULL DEFAULT '',
	seen_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS fingerprints_kind_seen_idx ON {schema}.fingerprints (kind, seen_at);
CREATE TABLE IF NOT EXISTS {schema}.pending_jobs (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	source_id TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL,
	attempt INTEGER NOT NULL,
	enqueued_at TIMESTAMPTZ NOT NULL,
	not_before TIMESTAMPTZ,
	last_error TEXT NOT NULL DEFAULT '',
	staleness_seconds BIGINT NOT NULL DEFAULT 0
);
`

const sourceColumns = `id, name, root_url, domain, discovery_method, active, trusted, feed_url, sitemap_url,
	crawl_interval_seconds, last_crawled_at, last_discovered_at, crawl_count, error_count, created_at, updated_at`

// UpsertSource inserts the source or returns the row already registered for its domain.
func (s *Store) UpsertSource(ctx context.Context, src crawler.Source) (crawler.Source, error) {
	domain := strings.ToLower(strings.TrimSpace(src.Domain))
	if domain == "" {
		return crawler.Source{}, fmt.Errorf("upsert source: domain is required")
	}
	if src.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return crawler.Source{}, fmt.Errorf("upsert source: %w", err)
		}
		src.ID = id
	}
	if src.DiscoveryMethod == "" {
		src.DiscoveryMethod = crawler.DiscoveryManual
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id, name, root_url, domain, discovery_method, active, trusted, feed_url, sitemap_url, crawl_interval_seconds
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
ON CONFLICT (domain) DO UPDATE SET updated_at = sources.updated_at
RETURNING %s`, s.table("sources"), sourceColumns)

	row := s.pool.QueryRow(ctx, query,
		src.ID,
		src.Name,
		src.RootURL,
		domain,
		string(src.DiscoveryMethod),
		src.Active,
		src.Trusted,
		src.FeedURL,
		src.SitemapURL,
		int64(src.CrawlInterval/time.Second),
	)
	out, err := scanSource(row)
	if err != nil {
		return crawler.Source{}, crawler.Unavailable("upsert source", err)
	}
	return out, nil
}

// GetSource returns a source by ID.
func (s *Store) GetSource(ctx context.Context, id string) (crawler.Source, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, sourceColumns, s.table("sources"))
	return s.oneSource(ctx, "get source", query, id)
}

// FindSourceByDomain returns the source registered for domain.
func (s *Store) FindSourceByDomain(ctx context.Context, domain string) (crawler.Source, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE domain = $1`, sourceColumns, s.table("sources"))
	return s.oneSource(ctx, "find source", query, strings.ToLower(domain))
}

func (s *Store) oneSource(ctx context.Context, op, query, arg string) (crawler.Source, error) {
	src, err := scanSource(s.pool.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Source{}, fmt.Errorf("%s %s: %w", op, arg, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Source{}, crawler.Unavailable(op, err)
	}
	return src, nil
}

// ListSources returns every source ordered by domain.
func (s *Store) ListSources(ctx context.Context) ([]crawler.Source, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY domain`, sourceColumns, s.table("sources"))
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, crawler.Unavailable("list sources", err)
	}
	defer rows.Close()
	var out []crawler.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, crawler.Unavailable("list sources", err)
		}
		out = append(out, src)
	}
	if err := rows.Err(); err != nil {
		return nil, crawler.Unavailable("list sources", err)
	}
	return out, nil
}

// SetSourceActive pauses or resumes a source.
func (s *Store) SetSourceActive(ctx context.Context, id string, active bool) error {
	query := fmt.Sprintf(`UPDATE %s SET active = $1, updated_at = now() WHERE id = $2`, s.table("sources"))
	return s.updateSource(ctx, "set source active", id, query, active, id)
}

// MarkSourceCrawled bumps the crawl counters of a source.
func (s *Store) MarkSourceCrawled(ctx context.Context, id string, at time.Time, failed bool) error {
	query := fmt.Sprintf(`
UPDATE %s SET
	last_crawled_at = $1,
	crawl_count = crawl_count + 1,
	error_count = error_count + CASE WHEN $2 THEN 1 ELSE 0 END,
	updated_at = now()
WHERE id = $3`, s.table("sources"))
	return s.updateSource(ctx, "mark source crawled", id, query, at, failed, id)
}

// MarkSourceDiscovered records the end of a discovery pass.
func (s *Store) MarkSourceDiscovered(ctx context.Context, id string, at time.Time) error {
	query := fmt.Sprintf(`UPDATE %s SET last_discovered_at = $1, updated_at = now() WHERE id = $2`, s.table("sources"))
	return s.updateSource(ctx, "mark source discovered", id, query, at, id)
}

func (s *Store) updateSource(ctx context.Context, op, id, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return crawler.Unavailable(op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", op, id, crawler.ErrNotFound)
	}
	return nil
}

// InsertIndexRecord inserts rec, reporting false when its content hash already exists.
func (s *Store) InsertIndexRecord(ctx context.Context, rec crawler.IndexRecord) (bool, error) {
	if rec.Fingerprint.ContentHash == "" {
		return false, fmt.Errorf("insert index record: content hash is required")
	}
	tags := rec.Tags
	if tags == nil {
		tags = []string{}
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id, source_id, url, title, body, author, published_at, tags, kind, language,
	word_count, quality_score, content_hash, url_fingerprint, blob_uri, discovered_at, indexed_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
)
ON CONFLICT (content_hash) DO NOTHING`, s.table("index_records"))

	tag, err := s.pool.Exec(ctx, query,
		rec.ID,
		nullString(rec.SourceID),
		rec.URL,
		rec.Title,
		rec.Body,
		rec.Author,
		rec.PublishedAt,
		tags,
		string(rec.Kind),
		rec.Language,
		rec.WordCount,
		rec.QualityScore,
		rec.Fingerprint.ContentHash,
		rec.Fingerprint.URLFingerprint,
		rec.BlobURI,
		rec.DiscoveredAt,
		rec.IndexedAt,
	)
	if err != nil {
		return false, crawler.Unavailable("insert index record", err)
	}
	return tag.RowsAffected() == 1, nil
}

// HasIndexRecord reports whether a record with contentHash exists.
func (s *Store) HasIndexRecord(ctx context.Context, contentHash string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE content_hash = $1)`, s.table("index_records"))
	var exists bool
	if err := s.pool.QueryRow(ctx, query, contentHash).Scan(&exists); err != nil {
		return false, crawler.Unavailable("index record lookup", err)
	}
	return exists, nil
}

// FingerprintLookup returns the stored metadata for fp.
func (s *Store) FingerprintLookup(ctx context.Context, fp string) (crawler.FingerprintMeta, bool, error) {
	query := fmt.Sprintf(`SELECT fingerprint, kind, url, source_id, seen_at FROM %s WHERE fingerprint = $1`,
		s.table("fingerprints"))
	var (
		meta crawler.FingerprintMeta
		kind string
	)
	err := s.pool.QueryRow(ctx, query, fp).Scan(&meta.Fingerprint, &kind, &meta.URL, &meta.SourceID, &meta.SeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.FingerprintMeta{}, false, nil
	}
	if err != nil {
		return crawler.FingerprintMeta{}, false, crawler.Unavailable("fingerprint lookup", err)
	}
	meta.Kind = crawler.FingerprintKind(kind)
	return meta, true, nil
}

// FingerprintCommit is an atomic insert-if-absent.
func (s *Store) FingerprintCommit(ctx context.Context, meta crawler.FingerprintMeta) (bool, error) {
	query := fmt.Sprintf(`
INSERT INTO %s (fingerprint, kind, url, source_id, seen_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (fingerprint) DO NOTHING`, s.table("fingerprints"))
	tag, err := s.pool.Exec(ctx, query, fingerprintArgs(meta)...)
	if err != nil {
		return false, crawler.Unavailable("fingerprint commit", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FingerprintTouch upserts meta, refreshing seen_at.
func (s *Store) FingerprintTouch(ctx context.Context, meta crawler.FingerprintMeta) error {
	query := fmt.Sprintf(`
INSERT INTO %s (fingerprint, kind, url, source_id, seen_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (fingerprint) DO UPDATE SET seen_at = EXCLUDED.seen_at`, s.table("fingerprints"))
	if _, err := s.pool.Exec(ctx, query, fingerprintArgs(meta)...); err != nil {
		return crawler.Unavailable("fingerprint touch", err)
	}
	return nil
}

// FingerprintDelete removes a fingerprint.
func (s *Store) FingerprintDelete(ctx context.Context, fp string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE fingerprint = $1`, s.table("fingerprints"))
	if _, err := s.pool.Exec(ctx, query, fp); err != nil {
		return crawler.Unavailable("fingerprint delete", err)
	}
	return nil
}

// PurgeFingerprints deletes entries of kind last seen before the cutoff.
func (s *Store) PurgeFingerprints(ctx context.Context, kind crawler.FingerprintKind, before time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE kind = $1 AND seen_at < $2`, s.table("fingerprints"))
	tag, err := s.pool.Exec(ctx, query, string(kind), before)
	if err != nil {
		return 0, crawler.Unavailable("purge fingerprints", err)
	}
	return tag.RowsAffected(), nil
}

func fingerprintArgs(meta crawler.FingerprintMeta) []any {
	return []any{meta.Fingerprint, string(meta.Kind), meta.URL, meta.SourceID, meta.SeenAt}
}

// SavePendingJobs replaces the archived queue in a single transaction.
func (s *Store) SavePendingJobs(ctx context.Context, jobs []crawler.CrawlJob) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return crawler.Unavailable("save pending jobs", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	if _, err = tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, s.table("pending_jobs"))); err != nil {
		return crawler.Unavailable("save pending jobs", err)
	}
	insert := fmt.Sprintf(`
INSERT INTO %s (
	id, url, fingerprint, source_id, priority, attempt, enqueued_at, not_before, last_error, staleness_seconds
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)`, s.table("pending_jobs"))
	for _, job := range jobs {
		if _, err = tx.Exec(ctx, insert,
			job.ID,
			job.URL,
			job.Fingerprint,
			job.SourceID,
			job.Priority,
			job.Attempt,
			job.EnqueuedAt,
			nullTime(job.NotBefore),
			job.LastError,
			int64(job.StalenessWindow/time.Second),
		); err != nil {
			return crawler.Unavailable("save pending jobs", err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return crawler.Unavailable("save pending jobs", err)
	}
	return nil
}

// LoadPendingJobs reads and removes the archived queue.
func (s *Store) LoadPendingJobs(ctx context.Context) ([]crawler.CrawlJob, error) {
	query := fmt.Sprintf(`
DELETE FROM %s
RETURNING id, url, fingerprint, source_id, priority, attempt, enqueued_at, not_before, last_error, staleness_seconds`,
		s.table("pending_jobs"))
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, crawler.Unavailable("load pending jobs", err)
	}
	defer rows.Close()
	var jobs []crawler.CrawlJob
	for rows.Next() {
		var (
			job       crawler.CrawlJob
			notBefore *time.Time
			staleness int64
		)
		if err := rows.Scan(
			&job.ID,
			&job.URL,
			&job.Fingerprint,
			&job.SourceID,
			&job.Priority,
			&job.Attempt,
			&job.EnqueuedAt,
			&notBefore,
			&job.LastError,
			&staleness,
		); err != nil {
			return nil, crawler.Unavailable("load pending jobs", err)
		}
		if notBefore != nil {
			job.NotBefore = *notBefore
		}
		job.StalenessWindow = time.Duration(staleness) * time.Second
		job.State = crawler.JobStatePending
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, crawler.Unavailable("load pending jobs", err)
	}
	return jobs, nil
}

func scanSource(row pgx.Row) (crawler.Source, error) {
	var (
		src             crawler.Source
		method          string
		intervalSeconds int64
		lastCrawled     *time.Time
		lastDiscovered  *time.Time
	)
	if err := row.Scan(
		&src.ID,
		&src.Name,
		&src.RootURL,
		&src.Domain,
		&method,
		&src.Active,
		&src.Trusted,
		&src.FeedURL,
		&src.SitemapURL,
		&intervalSeconds,
		&lastCrawled,
		&lastDiscovered,
		&src.CrawlCount,
		&src.ErrorCount,
		&src.CreatedAt,
		&src.UpdatedAt,
	); err != nil {
		return crawler.Source{}, fmt.Errorf("scan source: %w", err)
	}
	src.DiscoveryMethod = crawler.DiscoveryMethod(method)
	src.CrawlInterval = time.Duration(intervalSeconds) * time.Second
	if lastCrawled != nil {
		src.LastCrawledAt = *lastCrawled
	}
	if lastDiscovered != nil {
		src.LastDiscoveredAt = *lastDiscovered
	}
	return src, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
