// Package memory provides in-process implementations of the storage
// collaborators for development, tests and single-node runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/id/uuid"
)

// Store implements crawler.Storage with maps guarded by a single mutex.
type Store struct {
	mu           sync.RWMutex
	ids          crawler.IDGenerator
	sources      map[string]crawler.Source
	byDomain     map[string]string
	records      map[string]crawler.IndexRecord
	recordOrder  []string
	fingerprints map[string]crawler.FingerprintMeta
	pending      []crawler.CrawlJob
}

var _ crawler.Storage = (*Store)(nil)

// NewStore constructs an empty Store. ids may be nil, in which case UUIDv7 is used.
func NewStore(ids crawler.IDGenerator) *Store {
	if ids == nil {
		ids = uuid.New()
	}
	return &Store{
		ids:          ids,
		sources:      make(map[string]crawler.Source),
		byDomain:     make(map[string]string),
		records:      make(map[string]crawler.IndexRecord),
		fingerprints: make(map[string]crawler.FingerprintMeta),
	}
}

// UpsertSource returns the existing source for the domain or creates one.
func (s *Store) UpsertSource(_ context.Context, src crawler.Source) (crawler.Source, error) {
	domain := strings.ToLower(strings.TrimSpace(src.Domain))
	if domain == "" {
		return crawler.Source{}, fmt.Errorf("upsert source: domain is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byDomain[domain]; ok {
		return s.sources[id], nil
	}
	if src.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return crawler.Source{}, fmt.Errorf("upsert source: %w", err)
		}
		src.ID = id
	}
	src.Domain = domain
	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now().UTC()
	}
	src.UpdatedAt = src.CreatedAt
	s.sources[src.ID] = src
	s.byDomain[domain] = src.ID
	return src, nil
}

// GetSource returns a source by ID.
func (s *Store) GetSource(_ context.Context, id string) (crawler.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[id]
	if !ok {
		return crawler.Source{}, fmt.Errorf("source %s: %w", id, crawler.ErrNotFound)
	}
	return src, nil
}

// FindSourceByDomain returns the source registered for domain.
func (s *Store) FindSourceByDomain(_ context.Context, domain string) (crawler.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byDomain[strings.ToLower(domain)]
	if !ok {
		return crawler.Source{}, fmt.Errorf("source for %s: %w", domain, crawler.ErrNotFound)
	}
	return s.sources[id], nil
}

// ListSources returns every source ordered by domain.
func (s *Store) ListSources(_ context.Context) ([]crawler.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Source, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}

// SetSourceActive pauses or resumes a source.
func (s *Store) SetSourceActive(_ context.Context, id string, active bool) error {
	return s.updateSource(id, func(src *crawler.Source) {
		src.Active = active
	})
}

// MarkSourceCrawled records a finished crawl of one of the source's URLs.
func (s *Store) MarkSourceCrawled(_ context.Context, id string, at time.Time, failed bool) error {
	return s.updateSource(id, func(src *crawler.Source) {
		src.LastCrawledAt = at
		src.CrawlCount++
		if failed {
			src.ErrorCount++
		}
	})
}

// MarkSourceDiscovered records the end of a discovery pass over the source.
func (s *Store) MarkSourceDiscovered(_ context.Context, id string, at time.Time) error {
	return s.updateSource(id, func(src *crawler.Source) {
		src.LastDiscoveredAt = at
	})
}

func (s *Store) updateSource(id string, fn func(*crawler.Source)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.sources[id]
	if !ok {
		return fmt.Errorf("source %s: %w", id, crawler.ErrNotFound)
	}
	fn(&src)
	src.UpdatedAt = time.Now().UTC()
	s.sources[id] = src
	return nil
}

// InsertIndexRecord stores rec unless a record with the same content hash exists.
func (s *Store) InsertIndexRecord(_ context.Context, rec crawler.IndexRecord) (bool, error) {
	key := rec.Fingerprint.ContentHash
	if key == "" {
		return false, fmt.Errorf("insert index record: content hash is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[key]; exists {
		return false, nil
	}
	s.records[key] = rec
	s.recordOrder = append(s.recordOrder, key)
	return true, nil
}

// HasIndexRecord reports whether a record with contentHash is stored.
func (s *Store) HasIndexRecord(_ context.Context, contentHash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[contentHash]
	return ok, nil
}

// Records returns stored records in insertion order.
func (s *Store) Records() []crawler.IndexRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.IndexRecord, 0, len(s.recordOrder))
	for _, key := range s.recordOrder {
		out = append(out, s.records[key])
	}
	return out
}

// FingerprintLookup returns the stored metadata for fp.
func (s *Store) FingerprintLookup(_ context.Context, fp string) (crawler.FingerprintMeta, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.fingerprints[fp]
	return meta, ok, nil
}

// FingerprintCommit inserts meta if the fingerprint is absent.
func (s *Store) FingerprintCommit(_ context.Context, meta crawler.FingerprintMeta) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fingerprints[meta.Fingerprint]; ok {
		return false, nil
	}
	s.fingerprints[meta.Fingerprint] = meta
	return true, nil
}

// FingerprintTouch upserts meta.
func (s *Store) FingerprintTouch(_ context.Context, meta crawler.FingerprintMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fingerprints[meta.Fingerprint] = meta
	return nil
}

// FingerprintDelete removes a fingerprint.
func (s *Store) FingerprintDelete(_ context.Context, fp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fingerprints, fp)
	return nil
}

// PurgeFingerprints drops entries of kind last seen before the cutoff.
func (s *Store) PurgeFingerprints(_ context.Context, kind crawler.FingerprintKind, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, meta := range s.fingerprints {
		if meta.Kind == kind && meta.SeenAt.Before(before) {
			delete(s.fingerprints, key)
			n++
		}
	}
	return n, nil
}

// SavePendingJobs replaces the saved queue snapshot.
func (s *Store) SavePendingJobs(_ context.Context, jobs []crawler.CrawlJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append([]crawler.CrawlJob(nil), jobs...)
	return nil
}

// LoadPendingJobs returns the saved queue snapshot and clears it.
func (s *Store) LoadPendingJobs(_ context.Context) ([]crawler.CrawlJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := s.pending
	s.pending = nil
	return jobs, nil
}

// Close is a no-op.
func (s *Store) Close() {}
