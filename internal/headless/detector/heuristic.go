// Package detector decides when to promote crawls to headless renderers.
package detector

import (
	"bytes"
	"mime"
	"strings"

	"github.com/JakeFAU/harvester/internal/crawler"
)

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	BodyLengthThreshold int
}

var _ crawler.HeadlessDetector = (*Heuristic)(nil)

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("__nuxt"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-app"),
	[]byte("ng-version"),
}

var noscriptHints = []string{
	"enable javascript",
	"requires javascript",
	"javascript is disabled",
}

// ShouldPromote decides whether a headless fetch is required. Only
// successful HTML probes are candidates; anything else is left to the
// classifier.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || resp.UsedHeadless {
		return false
	}
	if !htmlContent(resp) {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if noscriptAsksForJS(body) {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

func htmlContent(resp crawler.FetchResponse) bool {
	if resp.Headers == nil {
		return true
	}
	ct := resp.Headers.Get("Content-Type")
	if ct == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.Contains(strings.ToLower(ct), "html")
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

func noscriptAsksForJS(body []byte) bool {
	lower := strings.ToLower(string(body))
	start := strings.Index(lower, "<noscript")
	if start == -1 {
		return false
	}
	end := strings.Index(lower[start:], "</noscript>")
	if end == -1 {
		end = len(lower) - start
	}
	block := lower[start : start+end]
	for _, hint := range noscriptHints {
		if strings.Contains(block, hint) {
			return true
		}
	}
	return false
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Treat the rest of the document as part of the malformed script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			// Script tag never closes; count the rest.
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	if scriptCoverage == 0 {
		return false
	}
	return scriptCoverage*100/total >= 25
}
