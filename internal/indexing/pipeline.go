// Package indexing turns fetched pages into deduplicated IndexRecords.
package indexing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/hash/sha256"
	"github.com/JakeFAU/harvester/internal/metrics"
)

// Config holds extraction thresholds and archive settings.
type Config struct {
	MinContentChars       int    `mapstructure:"min_content_chars"`
	MaxContentChars       int    `mapstructure:"max_content_chars"`
	NearDuplicateDistance int    `mapstructure:"near_duplicate_distance"`
	NearDuplicateWindow   int    `mapstructure:"near_duplicate_window"`
	ArchivePrefix         string `mapstructure:"archive_prefix"`
}

// Fingerprints is the slice of the fingerprint store used for content dedup.
type Fingerprints interface {
	Commit(ctx context.Context, meta crawler.FingerprintMeta) (crawler.CommitResult, error)
	Release(ctx context.Context, kind crawler.FingerprintKind, fp string) error
}

// Notifier receives every emitted record. Emit must not block.
type Notifier interface {
	Emit(record crawler.IndexRecord)
}

// Deps are the pipeline collaborators. Blobs and Notifier are optional.
type Deps struct {
	Fingerprints Fingerprints
	Records      crawler.RecordStore
	Blobs        crawler.BlobStore
	Notifier     Notifier
	Clock        crawler.Clock
	IDs          crawler.IDGenerator
	Logger       *zap.Logger
}

// Pipeline is safe for concurrent use by all workers.
type Pipeline struct {
	cfg     Config
	fps     Fingerprints
	records crawler.RecordStore
	blobs   crawler.BlobStore
	notify  Notifier
	hasher  *sha256.Hasher
	clock   crawler.Clock
	ids     crawler.IDGenerator
	logger  *zap.Logger
	near    *nearIndex
}

// New validates dependencies and builds a Pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	switch {
	case deps.Fingerprints == nil:
		return nil, errors.New("indexing: fingerprint store is required")
	case deps.Records == nil:
		return nil, errors.New("indexing: record store is required")
	case deps.Clock == nil:
		return nil, errors.New("indexing: clock is required")
	case deps.IDs == nil:
		return nil, errors.New("indexing: id generator is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		cfg:     cfg,
		fps:     deps.Fingerprints,
		records: deps.Records,
		blobs:   deps.Blobs,
		notify:  deps.Notifier,
		hasher:  sha256.New(),
		clock:   deps.Clock,
		ids:     deps.IDs,
		logger:  logger,
	}
	if cfg.NearDuplicateDistance > 0 {
		p.near = newNearIndex(cfg.NearDuplicateWindow)
	}
	return p, nil
}

// Process extracts, fingerprints and stores the page behind a successful fetch.
// Duplicate content is reported in the result, not as an error. Errors wrap
// crawler.ErrExtraction (terminal) or crawler.ErrStoreUnavailable (requeue).
func (p *Pipeline) Process(ctx context.Context, job crawler.CrawlJob, outcome crawler.FetchOutcome) (crawler.IndexResult, error) {
	if len(outcome.Body) == 0 {
		return crawler.IndexResult{}, fmt.Errorf("%w: empty body for %s", crawler.ErrExtraction, job.URL)
	}
	if ct := outcome.ContentType(); !isHTML(ct) {
		return crawler.IndexResult{}, fmt.Errorf("%w: unsupported content type %q", crawler.ErrExtraction, ct)
	}
	pageURL := job.URL
	if outcome.FinalURL != "" {
		pageURL = outcome.FinalURL
	}

	doc, err := Extract(outcome.Body, pageURL)
	if err != nil {
		return crawler.IndexResult{}, err
	}
	hash, normalized := p.hasher.HashContent(doc.Text)
	if minChars := p.cfg.MinContentChars; minChars > 0 && utf8.RuneCountInString(normalized) < minChars {
		return crawler.IndexResult{}, fmt.Errorf("%w: content shorter than %d chars", crawler.ErrExtraction, minChars)
	}

	claimed := false
	if p.near != nil {
		match, found := p.near.claim(SimHash(normalized), hash, p.cfg.NearDuplicateDistance)
		if found && match != hash {
			metrics.ObserveContentDuplicate("near")
			p.logger.Debug("near-duplicate content dropped",
				zap.String("url", job.URL), zap.String("similar_to", match))
			return crawler.IndexResult{Duplicate: true, NearDuplicateOf: match}, nil
		}
		claimed = !found
	}
	unclaim := func() {
		if claimed {
			p.near.forget(hash)
		}
	}

	fingerprint := crawler.ContentFingerprint{ContentHash: hash, URLFingerprint: job.Fingerprint}
	now := p.clock.Now()
	res, err := p.fps.Commit(ctx, crawler.FingerprintMeta{
		Fingerprint: hash,
		Kind:        crawler.FingerprintContent,
		URL:         job.URL,
		SourceID:    job.SourceID,
		SeenAt:      now,
	})
	if err != nil {
		unclaim()
		return crawler.IndexResult{}, fmt.Errorf("commit content fingerprint: %w", err)
	}
	if res == crawler.AlreadyPresent {
		// A fingerprint whose record insert failed and could not be released
		// has no record behind it; index the content instead of dropping it.
		indexed, err := p.records.HasIndexRecord(ctx, hash)
		if err != nil {
			unclaim()
			return crawler.IndexResult{}, unavailable("look up index record", err)
		}
		if indexed {
			metrics.ObserveContentDuplicate("exact")
			return crawler.IndexResult{Duplicate: true}, nil
		}
		p.logger.Info("content fingerprint has no record; indexing",
			zap.String("url", job.URL), zap.String("fingerprint", hash))
	}

	record, err := p.buildRecord(job, doc, fingerprint)
	if err != nil {
		p.release(ctx, hash)
		unclaim()
		return crawler.IndexResult{}, err
	}
	record.BlobURI = p.archive(ctx, record, outcome.Body)

	inserted, err := p.records.InsertIndexRecord(ctx, record)
	if err != nil {
		p.release(ctx, hash)
		unclaim()
		return crawler.IndexResult{}, unavailable("insert index record", err)
	}
	if !inserted {
		metrics.ObserveContentDuplicate("exact")
		return crawler.IndexResult{Duplicate: true}, nil
	}

	metrics.ObserveIndexRecord()
	if p.notify != nil {
		p.notify.Emit(record)
	}
	p.logger.Debug("record indexed",
		zap.String("record_id", record.ID),
		zap.String("url", record.URL),
		zap.String("kind", string(record.Kind)),
		zap.Int("words", record.WordCount))
	return crawler.IndexResult{Record: record}, nil
}

func (p *Pipeline) buildRecord(job crawler.CrawlJob, doc Document, fp crawler.ContentFingerprint) (crawler.IndexRecord, error) {
	id, err := p.ids.NewID()
	if err != nil {
		return crawler.IndexRecord{}, crawler.Unavailable("generate record id", err)
	}
	body := doc.Text
	if maxChars := p.cfg.MaxContentChars; maxChars > 0 && utf8.RuneCountInString(body) > maxChars {
		body = string([]rune(body)[:maxChars])
	}
	title := doc.Title
	if title == "" {
		title = "Untitled"
	}
	rec := crawler.IndexRecord{
		ID:           id,
		SourceID:     job.SourceID,
		URL:          job.URL,
		Title:        title,
		Body:         body,
		Author:       doc.Author,
		PublishedAt:  doc.Published,
		Tags:         doc.Tags,
		Kind:         doc.Kind,
		Language:     doc.Language,
		WordCount:    len(strings.Fields(doc.Text)),
		Fingerprint:  fp,
		DiscoveredAt: job.EnqueuedAt,
		IndexedAt:    p.clock.Now(),
	}
	rec.QualityScore = QualityScore(rec)
	return rec, nil
}

// QualityScore rates a record between 0.5 and 1.0 from length and metadata completeness.
func QualityScore(rec crawler.IndexRecord) float64 {
	score := 0.5
	if len(rec.Body) > 1000 {
		score += 0.1
	}
	if rec.Title != "Untitled" && len(rec.Title) > 10 {
		score += 0.1
	}
	if rec.Author != "" {
		score += 0.1
	}
	if rec.PublishedAt != nil {
		score += 0.1
	}
	if score > 1 {
		score = 1
	}
	return score
}

// archive stores the raw page. Failures are logged; the record is still indexed.
func (p *Pipeline) archive(ctx context.Context, rec crawler.IndexRecord, body []byte) string {
	if p.blobs == nil {
		return ""
	}
	host := crawler.HostOf(rec.URL)
	if host == "" {
		host = "unknown"
	}
	objectPath := path.Join(p.cfg.ArchivePrefix, host, rec.Fingerprint.ContentHash+".html")
	uri, err := p.blobs.PutObject(ctx, objectPath, "text/html; charset=utf-8", bytes.NewReader(body))
	if err != nil {
		p.logger.Warn("failed to archive raw page", zap.String("url", rec.URL), zap.Error(err))
		return ""
	}
	return uri
}

// release runs even when ctx is already cancelled by shutdown.
func (p *Pipeline) release(ctx context.Context, hash string) {
	if err := p.fps.Release(context.WithoutCancel(ctx), crawler.FingerprintContent, hash); err != nil {
		p.logger.Warn("failed to release content fingerprint", zap.String("fingerprint", hash), zap.Error(err))
	}
}

func unavailable(op string, err error) error {
	if errors.Is(err, crawler.ErrStoreUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return crawler.Unavailable(op, err)
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "html")
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
