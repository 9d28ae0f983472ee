package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Error taxonomy shared by every component.
var (
	ErrTransientNetwork = errors.New("transient network error")
	ErrPermanentFetch   = errors.New("permanent fetch error")
	ErrRateLimitSignal  = errors.New("rate limited")
	ErrExtraction       = errors.New("extraction failed")
	ErrDuplicateContent = errors.New("duplicate content")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Scheduler and storage errors.
var (
	ErrQueueEmpty  = errors.New("queue empty")
	ErrQueueClosed = errors.New("queue closed")
	ErrUnknownJob  = errors.New("unknown job")
	ErrNotFound    = errors.New("not found")
	ErrInvalidURL  = errors.New("invalid url")
)

// StatusError carries a non-2xx HTTP status out of a fetcher.
type StatusError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// Unavailable wraps err so that errors.Is(err, ErrStoreUnavailable) holds.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// ClassifyFetch turns a fetch result into a tagged FetchOutcome. Workers report
// only the tag; retry decisions are made by the scheduler.
func ClassifyFetch(resp FetchResponse, err error, now time.Time) FetchOutcome {
	out := FetchOutcome{
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
		Headers:    resp.Headers,
		FinalURL:   resp.URL,
		Elapsed:    resp.Duration,
		At:         now,
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		out.StatusCode = statusErr.StatusCode
		out.RetryAfter = statusErr.RetryAfter
		err = nil
	}
	if err != nil {
		out.Class = classifyError(err)
		out.Err = fmt.Errorf("%w: %w", sentinelFor(out.Class), err)
		return out
	}
	if out.RetryAfter == 0 && resp.Headers != nil {
		out.RetryAfter = ParseRetryAfter(resp.Headers.Get("Retry-After"), now)
	}
	out.Class = ClassifyStatus(out.StatusCode, out.RetryAfter > 0)
	if out.Class != OutcomeSuccess {
		out.Err = fmt.Errorf("%w: status %d", sentinelFor(out.Class), out.StatusCode)
	}
	return out
}

// ClassifyStatus maps an HTTP status to an outcome class.
func ClassifyStatus(code int, hasRetryAfter bool) OutcomeClass {
	switch {
	case code >= 200 && code < 300:
		return OutcomeSuccess
	case code == http.StatusTooManyRequests:
		return OutcomeRateLimited
	case code == http.StatusServiceUnavailable && hasRetryAfter:
		return OutcomeRateLimited
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly:
		return OutcomeTransientError
	case code >= 500:
		return OutcomeTransientError
	default:
		// Redirects are followed by the fetcher; a 3xx surfacing here is a loop or a dead end.
		return OutcomePermanentError
	}
}

func classifyError(err error) OutcomeClass {
	switch {
	case errors.Is(err, ErrRateLimitSignal):
		return OutcomeRateLimited
	case errors.Is(err, ErrPermanentFetch), errors.Is(err, ErrInvalidURL):
		return OutcomePermanentError
	case errors.Is(err, ErrTransientNetwork):
		return OutcomeTransientError
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return OutcomeTransientError
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.EPIPE):
		return OutcomeTransientError
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound && !dnsErr.IsTemporary {
			return OutcomePermanentError
		}
		return OutcomeTransientError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return OutcomeTransientError
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "robots.txt"), strings.Contains(msg, "forbidden domain"),
		strings.Contains(msg, "unsupported protocol"), strings.Contains(msg, "missing url"):
		return OutcomePermanentError
	case strings.Contains(msg, "eof"), strings.Contains(msg, "timeout"), strings.Contains(msg, "connection"):
		return OutcomeTransientError
	}
	return OutcomeTransientError
}

func sentinelFor(class OutcomeClass) error {
	switch class {
	case OutcomeRateLimited:
		return ErrRateLimitSignal
	case OutcomePermanentError:
		return ErrPermanentFetch
	default:
		return ErrTransientNetwork
	}
}

// ParseRetryAfter accepts delta-seconds or an HTTP date.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
