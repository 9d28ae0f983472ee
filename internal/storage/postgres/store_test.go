package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/crawler"
)

type fixedIDs struct{ id string }

func (f fixedIDs) NewID() (string, error) { return f.id, nil }

var sourceCols = []string{
	"id", "name", "root_url", "domain", "discovery_method", "active", "trusted", "feed_url", "sitemap_url",
	"crawl_interval_seconds", "last_crawled_at", "last_discovered_at", "crawl_count", "error_count",
	"created_at", "updated_at",
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock, "", fixedIDs{id: "src-1"})
	require.NoError(t, err)
	return store, mock
}

func TestNewWithPoolValidation(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, "", nil)
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewWithPool(mock, "bad;schema", nil)
	require.Error(t, err)
}

func TestUpsertSourceReturnsStoredRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	crawled := created.Add(time.Hour)

	mock.ExpectQuery("INSERT INTO public.sources").
		WithArgs("src-1", "Blog", "https://blog.example.com/", "blog.example.com", "search",
			true, false, "", "", int64(3600)).
		WillReturnRows(pgxmock.NewRows(sourceCols).AddRow(
			"existing-id", "Blog", "https://blog.example.com/", "blog.example.com", "search",
			true, false, "", "", int64(3600), &crawled, nil, int64(4), int64(1), created, created,
		))

	src, err := store.UpsertSource(context.Background(), crawler.Source{
		Name:            "Blog",
		RootURL:         "https://blog.example.com/",
		Domain:          "Blog.Example.com",
		DiscoveryMethod: crawler.DiscoverySearch,
		Active:          true,
		CrawlInterval:   time.Hour,
	})
	require.NoError(t, err)
	require.Equal(t, "existing-id", src.ID)
	require.Equal(t, crawler.DiscoverySearch, src.DiscoveryMethod)
	require.Equal(t, time.Hour, src.CrawlInterval)
	require.Equal(t, crawled, src.LastCrawledAt)
	require.True(t, src.LastDiscoveredAt.IsZero())
	require.EqualValues(t, 4, src.CrawlCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSourceNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT .+ FROM public.sources WHERE id").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetSource(context.Background(), "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListSourcesWrapsUnavailable(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT .+ FROM public.sources ORDER BY domain").
		WillReturnError(errors.New("connection refused"))

	_, err := store.ListSources(context.Background())
	require.ErrorIs(t, err, crawler.ErrStoreUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSourceCrawledMissingRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE public.sources SET").
		WithArgs(at, true, "src-9").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.MarkSourceCrawled(context.Background(), "src-9", at, true)
	require.ErrorIs(t, err, crawler.ErrNotFound)

	mock.ExpectExec("UPDATE public.sources SET active").
		WithArgs(false, "src-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, store.SetSourceActive(context.Background(), "src-1", false))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertIndexRecordConflict(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	rec := crawler.IndexRecord{
		ID:          "rec-1",
		URL:         "https://example.com/a",
		Title:       "A",
		Kind:        crawler.ContentArticle,
		Fingerprint: crawler.ContentFingerprint{ContentHash: "hash-1", URLFingerprint: "u-1"},
	}
	anyArgs := make([]any, 17)
	for i := range anyArgs {
		anyArgs[i] = pgxmock.AnyArg()
	}

	mock.ExpectExec("INSERT INTO public.index_records").
		WithArgs(anyArgs...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO public.index_records").
		WithArgs(anyArgs...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	inserted, err := store.InsertIndexRecord(context.Background(), rec)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = store.InsertIndexRecord(context.Background(), rec)
	require.NoError(t, err)
	require.False(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHasIndexRecord(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("hash-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("hash-2").
		WillReturnError(errors.New("connection reset"))

	ok, err := store.HasIndexRecord(context.Background(), "hash-1")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = store.HasIndexRecord(context.Background(), "hash-2")
	require.ErrorIs(t, err, crawler.ErrStoreUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFingerprintCommitAndLookup(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	seen := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	meta := crawler.FingerprintMeta{Fingerprint: "fp-1", Kind: crawler.FingerprintContent, URL: "https://x.test/", SeenAt: seen}

	mock.ExpectExec("INSERT INTO public.fingerprints").
		WithArgs("fp-1", "content", "https://x.test/", "", seen).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	ok, err := store.FingerprintCommit(context.Background(), meta)
	require.NoError(t, err)
	require.False(t, ok)

	mock.ExpectQuery("SELECT fingerprint, kind, url, source_id, seen_at FROM public.fingerprints").
		WithArgs("fp-1").
		WillReturnRows(pgxmock.NewRows([]string{"fingerprint", "kind", "url", "source_id", "seen_at"}).
			AddRow("fp-1", "content", "https://x.test/", "", seen))
	got, found, err := store.FingerprintLookup(context.Background(), "fp-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, meta, got)

	mock.ExpectQuery("SELECT fingerprint").
		WithArgs("fp-2").
		WillReturnError(pgx.ErrNoRows)
	_, found, err = store.FingerprintLookup(context.Background(), "fp-2")
	require.NoError(t, err)
	require.False(t, found)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeFingerprints(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("DELETE FROM public.fingerprints WHERE kind").
		WithArgs("url", cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 12))

	n, err := store.PurgeFingerprints(context.Background(), crawler.FingerprintURL, cutoff)
	require.NoError(t, err)
	require.EqualValues(t, 12, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePendingJobsTransaction(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	enqueued := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	jobs := []crawler.CrawlJob{
		{ID: "a", URL: "https://a.test/", Fingerprint: "fa", Priority: 5, EnqueuedAt: enqueued},
		{ID: "b", URL: "https://b.test/", Fingerprint: "fb", Priority: 3, Attempt: 1, EnqueuedAt: enqueued},
	}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM public.pending_jobs").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("INSERT INTO public.pending_jobs").
		WithArgs("a", "https://a.test/", "fa", "", 5, 0, enqueued, pgxmock.AnyArg(), "", int64(0)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO public.pending_jobs").
		WithArgs("b", "https://b.test/", "fb", "", 3, 1, enqueued, pgxmock.AnyArg(), "", int64(0)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.SavePendingJobs(context.Background(), jobs))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePendingJobsRollsBackOnError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM public.pending_jobs").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := store.SavePendingJobs(context.Background(), []crawler.CrawlJob{{ID: "a"}})
	require.ErrorIs(t, err, crawler.ErrStoreUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadPendingJobs(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	enqueued := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	notBefore := enqueued.Add(time.Minute)
	mock.ExpectQuery("DELETE FROM public.pending_jobs RETURNING").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "url", "fingerprint", "source_id", "priority", "attempt", "enqueued_at", "not_before",
			"last_error", "staleness_seconds",
		}).
			AddRow("a", "https://a.test/", "fa", "", 5, 0, enqueued, nil, "", int64(0)).
			AddRow("b", "https://b.test/", "fb", "src-1", 3, 2, enqueued, &notBefore, "status 502", int64(86400)))

	jobs, err := store.LoadPendingJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.True(t, jobs[0].NotBefore.IsZero())
	require.Equal(t, crawler.JobStatePending, jobs[0].State)
	require.Equal(t, notBefore, jobs[1].NotBefore)
	require.Equal(t, 24*time.Hour, jobs[1].StalenessWindow)
	require.Equal(t, 2, jobs[1].Attempt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectPing()
	require.NoError(t, store.Ping(context.Background()))
	mock.ExpectPing().WillReturnError(errors.New("connection reset"))
	require.ErrorIs(t, store.Ping(context.Background()), crawler.ErrStoreUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS public").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
