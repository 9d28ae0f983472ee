package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a headless fetch is warranted.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// CandidateProvider proposes URLs for a query or topic. Implementations may be
// rate limited or fail; callers treat them as opaque producers.
type CandidateProvider interface {
	Name() string
	Method() DiscoveryMethod
	DiscoverCandidates(ctx context.Context, query string) ([]Candidate, error)
}

// SourceProvider discovers URLs from a known source (feeds, sitemaps, outbound links).
type SourceProvider interface {
	Name() string
	DiscoverFromSource(ctx context.Context, source Source) ([]Candidate, error)
}

// SourceStore persists sources. Sources are deactivated, never deleted.
type SourceStore interface {
	UpsertSource(ctx context.Context, source Source) (Source, error)
	GetSource(ctx context.Context, id string) (Source, error)
	FindSourceByDomain(ctx context.Context, domain string) (Source, error)
	ListSources(ctx context.Context) ([]Source, error)
	SetSourceActive(ctx context.Context, id string, active bool) error
	MarkSourceCrawled(ctx context.Context, id string, at time.Time, failed bool) error
	MarkSourceDiscovered(ctx context.Context, id string, at time.Time) error
}

// RecordStore persists IndexRecords. InsertIndexRecord reports false when a
// record with the same content hash already exists.
type RecordStore interface {
	InsertIndexRecord(ctx context.Context, record IndexRecord) (bool, error)
	HasIndexRecord(ctx context.Context, contentHash string) (bool, error)
}

// FingerprintRepository is the durable backing of the fingerprint store.
// FingerprintCommit must be an atomic insert-if-absent.
type FingerprintRepository interface {
	FingerprintLookup(ctx context.Context, fingerprint string) (FingerprintMeta, bool, error)
	FingerprintCommit(ctx context.Context, meta FingerprintMeta) (bool, error)
	FingerprintTouch(ctx context.Context, meta FingerprintMeta) error
	FingerprintDelete(ctx context.Context, fingerprint string) error
}

// JobArchive keeps pending jobs across restarts.
type JobArchive interface {
	SavePendingJobs(ctx context.Context, jobs []CrawlJob) error
	LoadPendingJobs(ctx context.Context) ([]CrawlJob, error)
}

// Storage is the durable storage collaborator.
type Storage interface {
	SourceStore
	RecordStore
	FingerprintRepository
	JobArchive
	Close()
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes payloads to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and record IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Policy gates which URLs may be fetched and which may use the headless browser.
type Policy interface {
	AllowFetch(rawURL string) bool
	AllowHeadless(rawURL string) bool
}
