package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, OutcomeSuccess, ClassifyStatus(http.StatusOK, false))
	require.Equal(t, OutcomeRateLimited, ClassifyStatus(http.StatusTooManyRequests, false))
	require.Equal(t, OutcomeRateLimited, ClassifyStatus(http.StatusServiceUnavailable, true))
	require.Equal(t, OutcomeTransientError, ClassifyStatus(http.StatusServiceUnavailable, false))
	require.Equal(t, OutcomeTransientError, ClassifyStatus(http.StatusBadGateway, false))
	require.Equal(t, OutcomeTransientError, ClassifyStatus(http.StatusRequestTimeout, false))
	require.Equal(t, OutcomePermanentError, ClassifyStatus(http.StatusNotFound, false))
	require.Equal(t, OutcomePermanentError, ClassifyStatus(http.StatusForbidden, false))
}

// TestClassifyFetchStatusError ensures fetcher status errors are tagged, not propagated raw.
func TestClassifyFetchStatusError(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	out := ClassifyFetch(FetchResponse{}, &StatusError{StatusCode: 429, RetryAfter: 3 * time.Second}, now)
	require.Equal(t, OutcomeRateLimited, out.Class)
	require.Equal(t, 429, out.StatusCode)
	require.Equal(t, 3*time.Second, out.RetryAfter)
	require.True(t, errors.Is(out.Err, ErrRateLimitSignal))
}

func TestClassifyFetchErrors(t *testing.T) {
	t.Parallel()

	now := time.Now()
	out := ClassifyFetch(FetchResponse{}, fmt.Errorf("colly fetch canceled: %w", context.DeadlineExceeded), now)
	require.Equal(t, OutcomeTransientError, out.Class)
	require.True(t, errors.Is(out.Err, ErrTransientNetwork))

	out = ClassifyFetch(FetchResponse{}, errors.New("URL blocked by robots.txt"), now)
	require.Equal(t, OutcomePermanentError, out.Class)
	require.True(t, errors.Is(out.Err, ErrPermanentFetch))
}

func TestClassifyFetchSuccessReadsRetryAfterOnlyWhenPresent(t *testing.T) {
	t.Parallel()

	resp := FetchResponse{StatusCode: 200, Body: []byte("<html></html>"), Headers: http.Header{}}
	out := ClassifyFetch(resp, nil, time.Now())
	require.Equal(t, OutcomeSuccess, out.Class)
	require.NoError(t, out.Err)
	require.Equal(t, resp.Body, out.Body)
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.Equal(t, 5*time.Second, ParseRetryAfter("5", now))
	require.Equal(t, time.Duration(0), ParseRetryAfter("", now))
	require.Equal(t, time.Duration(0), ParseRetryAfter("-1", now))
	date := now.Add(90 * time.Second).Format(http.TimeFormat)
	require.Equal(t, 90*time.Second, ParseRetryAfter(date, now))
}

func TestUnavailableWraps(t *testing.T) {
	t.Parallel()

	base := errors.New("dial tcp: refused")
	err := Unavailable("fingerprint commit", base)
	require.True(t, errors.Is(err, ErrStoreUnavailable))
	require.True(t, errors.Is(err, base))
	require.Nil(t, Unavailable("noop", nil))
}
