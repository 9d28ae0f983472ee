package crawler

import (
	"net/http"
	"time"
)

// JobState tracks a CrawlJob through the scheduler.
type JobState string

// Supported job states.
const (
	JobStatePending          JobState = "pending"
	JobStateInFlight         JobState = "in_flight"
	JobStateDone             JobState = "done"
	JobStateFailed           JobState = "failed"
	JobStateSkippedDuplicate JobState = "skipped_duplicate"
)

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateDone, JobStateFailed, JobStateSkippedDuplicate:
		return true
	default:
		return false
	}
}

// OutcomeClass is the classification tag attached to every fetch attempt.
type OutcomeClass string

// Supported outcome classes.
const (
	OutcomeSuccess        OutcomeClass = "success"
	OutcomeTransientError OutcomeClass = "transient_error"
	OutcomePermanentError OutcomeClass = "permanent_error"
	OutcomeRateLimited    OutcomeClass = "rate_limited"
)

// DiscoveryMethod records how a Source entered the system.
type DiscoveryMethod string

// Supported discovery methods.
const (
	DiscoveryManual DiscoveryMethod = "manual"
	DiscoverySearch DiscoveryMethod = "search"
	DiscoveryFeed   DiscoveryMethod = "feed"
	DiscoveryLinks  DiscoveryMethod = "links"
)

// FingerprintKind separates URL recency entries from content entries.
type FingerprintKind string

// Supported fingerprint kinds.
const (
	FingerprintURL     FingerprintKind = "url"
	FingerprintContent FingerprintKind = "content"
)

// Key namespaces fp by kind, so a URL digest and a content digest never share
// an entry even when their inputs are byte-identical.
func (k FingerprintKind) Key(fp string) string {
	return string(k) + ":" + fp
}

// CommitResult is returned by insert-if-absent fingerprint commits.
type CommitResult int

// Commit results.
const (
	Inserted CommitResult = iota + 1
	AlreadyPresent
)

func (r CommitResult) String() string {
	switch r {
	case Inserted:
		return "inserted"
	case AlreadyPresent:
		return "already_present"
	default:
		return "unknown"
	}
}

// EnqueueResult reports what Enqueue did with a URL.
type EnqueueResult struct {
	JobID       string   `json:"job_id,omitempty"`
	URL         string   `json:"url"`
	Fingerprint string   `json:"fingerprint"`
	State       JobState `json:"state"`
}

// Accepted reports whether a new Pending job was created.
func (r EnqueueResult) Accepted() bool {
	return r.State == JobStatePending
}

// Source is a seed origin (domain or feed).
type Source struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	RootURL          string          `json:"root_url"`
	Domain           string          `json:"domain"`
	DiscoveryMethod  DiscoveryMethod `json:"discovery_method"`
	Active           bool            `json:"active"`
	Trusted          bool            `json:"trusted"`
	FeedURL          string          `json:"feed_url,omitempty"`
	SitemapURL       string          `json:"sitemap_url,omitempty"`
	CrawlInterval    time.Duration   `json:"crawl_interval"`
	LastCrawledAt    time.Time       `json:"last_crawled_at"`
	LastDiscoveredAt time.Time       `json:"last_discovered_at"`
	CrawlCount       int64           `json:"crawl_count"`
	ErrorCount       int64           `json:"error_count"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// CrawlJob is a unit of work owned by the scheduler while pending or in flight.
type CrawlJob struct {
	ID              string        `json:"id"`
	URL             string        `json:"url"`
	Fingerprint     string        `json:"fingerprint"`
	SourceID        string        `json:"source_id,omitempty"`
	Priority        int           `json:"priority"`
	EnqueuedAt      time.Time     `json:"enqueued_at"`
	NotBefore       time.Time     `json:"not_before"`
	Attempt         int           `json:"attempt"`
	State           JobState      `json:"state"`
	LastError       string        `json:"last_error,omitempty"`
	StalenessWindow time.Duration `json:"staleness_window,omitempty"`
}

// Host returns the lowercase host of the job URL.
func (j CrawlJob) Host() string {
	return HostOf(j.URL)
}

// FetchRequest describes a single fetch.
type FetchRequest struct {
	URL     string
	JobID   string
	Headers http.Header
}

// FetchResponse is the raw result returned by a Fetcher.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// FetchOutcome is the classified result of one fetch attempt.
type FetchOutcome struct {
	Class      OutcomeClass
	StatusCode int
	Body       []byte
	Headers    http.Header
	FinalURL   string
	Elapsed    time.Duration
	At         time.Time
	RetryAfter time.Duration
	Err        error
}

// ContentType returns the Content-Type header of the fetched document.
func (o FetchOutcome) ContentType() string {
	if o.Headers == nil {
		return ""
	}
	return o.Headers.Get("Content-Type")
}

// ContentFingerprint identifies normalized content.
type ContentFingerprint struct {
	ContentHash    string `json:"content_hash"`
	URLFingerprint string `json:"url_fingerprint"`
}

// FingerprintMeta is stored alongside a fingerprint.
type FingerprintMeta struct {
	Fingerprint string          `json:"fingerprint"`
	Kind        FingerprintKind `json:"kind"`
	URL         string          `json:"url,omitempty"`
	SourceID    string          `json:"source_id,omitempty"`
	SeenAt      time.Time       `json:"seen_at"`
}

// ContentKind is the detected document genre.
type ContentKind string

// Supported content kinds.
const (
	ContentArticle       ContentKind = "article"
	ContentDocumentation ContentKind = "documentation"
	ContentForum         ContentKind = "forum"
	ContentTutorial      ContentKind = "tutorial"
	ContentGeneral       ContentKind = "general"
)

// IndexRecord is the immutable, index-ready artifact.
type IndexRecord struct {
	ID           string             `json:"id"`
	SourceID     string             `json:"source_id,omitempty"`
	URL          string             `json:"url"`
	Title        string             `json:"title"`
	Body         string             `json:"body"`
	Author       string             `json:"author,omitempty"`
	PublishedAt  *time.Time         `json:"published_at,omitempty"`
	Tags         []string           `json:"tags,omitempty"`
	Kind         ContentKind        `json:"kind"`
	Language     string             `json:"language,omitempty"`
	WordCount    int                `json:"word_count"`
	QualityScore float64            `json:"quality_score"`
	Fingerprint  ContentFingerprint `json:"fingerprint"`
	BlobURI      string             `json:"blob_uri,omitempty"`
	DiscoveredAt time.Time          `json:"discovered_at"`
	IndexedAt    time.Time          `json:"indexed_at"`
}

// Candidate is a URL proposed by a discovery provider.
type Candidate struct {
	URL         string
	Title       string
	Description string
	Provider    string
	Query       string
}

// HostState is a snapshot of politeness state for a host.
type HostState struct {
	Host                string        `json:"host"`
	Interval            time.Duration `json:"interval"`
	Multiplier          float64       `json:"multiplier"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	PermanentFailures   int           `json:"permanent_failures"`
	Suspended           bool          `json:"suspended"`
	SuspendedUntil      time.Time     `json:"suspended_until,omitempty"`
	InUse               int           `json:"in_use"`
}

// SchedulerStats summarizes scheduler state.
type SchedulerStats struct {
	Pending    int   `json:"pending"`
	Delayed    int   `json:"delayed"`
	InFlight   int   `json:"in_flight"`
	Enqueued   int64 `json:"enqueued"`
	Duplicates int64 `json:"duplicates"`
	Done       int64 `json:"done"`
	Failed     int64 `json:"failed"`
	Retried    int64 `json:"retried"`
	Requeued   int64 `json:"requeued"`
}

// IndexResult is what the indexing pipeline reports back for a successful fetch.
type IndexResult struct {
	Record    IndexRecord
	Duplicate bool
	// NearDuplicateOf is set when the document was dropped by the similarity gate.
	NearDuplicateOf string
}
