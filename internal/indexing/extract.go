package indexing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/harvester/internal/crawler"
)

const (
	boilerplateSelector = "script, style, noscript, template, svg, nav, footer, header, aside, form, iframe, " +
		".advertisement, .ads, .ad, .cookie-banner, .cookie-consent, #cookie-banner, .newsletter, .share, .social"
	substantialChars = 200
	maxTags          = 20
)

var (
	contentSelectors = []string{
		"article", "main", "[role=main]", ".post-content", ".article-content", ".entry-content",
		".content", "#content", "#main",
	}
	authorSelectors = []string{".author", ".byline", "[rel=author]", ".post-author"}
	dateSelectors   = []string{".published", ".post-date", ".date"}
	tagSelectors    = []string{".tags a", ".post-tags a", ".categories a", "a[rel=tag]"}
	dateLayouts     = []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
		time.RFC1123Z,
		time.RFC1123,
		"January 2, 2006",
		"Jan 2, 2006",
		"2 January 2006",
	}
)

// Document is the structured content pulled out of a page.
type Document struct {
	Title     string
	Text      string
	Author    string
	Published *time.Time
	Tags      []string
	Kind      crawler.ContentKind
	Language  string
}

// Extract parses HTML and returns its main content and metadata. Metadata is
// read before boilerplate is stripped because titles and bylines often live
// in headers.
func Extract(body []byte, pageURL string) (Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Document{}, fmt.Errorf("%w: parse html: %w", crawler.ErrExtraction, err)
	}

	out := Document{
		Kind:      detectKind(doc, pageURL),
		Title:     extractTitle(doc),
		Author:    extractAuthor(doc),
		Published: extractPublished(doc),
		Tags:      extractTags(doc),
		Language:  extractLanguage(doc),
	}

	doc.Find(boilerplateSelector).Remove()
	out.Text = collapse(mainContent(doc).Text())
	return out, nil
}

func mainContent(doc *goquery.Document) *goquery.Selection {
	var best *goquery.Selection
	bestLen := 0
	for _, sel := range contentSelectors {
		found := doc.Find(sel).First()
		if found.Length() == 0 {
			continue
		}
		n := len(collapse(found.Text()))
		if n >= substantialChars {
			return found
		}
		if n > bestLen {
			best, bestLen = found, n
		}
	}
	if body := doc.Find("body"); body.Length() > 0 && len(collapse(body.Text())) > bestLen {
		return body
	}
	if best != nil {
		return best
	}
	return doc.Selection
}

func extractTitle(doc *goquery.Document) string {
	if title := collapse(doc.Find("title").First().Text()); title != "" {
		return title
	}
	if og := metaContent(doc, "meta[property='og:title']"); og != "" {
		return og
	}
	if h1 := collapse(doc.Find("h1").First().Text()); h1 != "" {
		return h1
	}
	return metaContent(doc, "meta[name='twitter:title']")
}

func extractAuthor(doc *goquery.Document) string {
	for _, sel := range []string{"meta[name='author']", "meta[property='article:author']"} {
		if v := metaContent(doc, sel); v != "" {
			return v
		}
	}
	for _, sel := range authorSelectors {
		if v := collapse(doc.Find(sel).First().Text()); v != "" {
			return v
		}
	}
	return ""
}

func extractPublished(doc *goquery.Document) *time.Time {
	candidates := []string{metaContent(doc, "meta[property='article:published_time']")}
	if v, ok := doc.Find("time[datetime]").First().Attr("datetime"); ok {
		candidates = append(candidates, v)
	}
	for _, sel := range dateSelectors {
		candidates = append(candidates, collapse(doc.Find(sel).First().Text()))
	}
	for _, raw := range candidates {
		if t, ok := parseDate(raw); ok {
			return &t
		}
	}
	return nil
}

func parseDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func extractTags(doc *goquery.Document) []string {
	seen := make(map[string]struct{})
	var tags []string
	add := func(tag string) {
		tag = strings.ToLower(collapse(tag))
		if tag == "" || len(tags) >= maxTags {
			return
		}
		if _, dup := seen[tag]; dup {
			return
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	for _, sel := range tagSelectors {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) { add(s.Text()) })
	}
	for _, kw := range strings.Split(metaContent(doc, "meta[name='keywords']"), ",") {
		add(kw)
	}
	doc.Find("meta[property='article:tag']").Each(func(_ int, s *goquery.Selection) {
		v, _ := s.Attr("content")
		add(v)
	})
	return tags
}

func extractLanguage(doc *goquery.Document) string {
	lang, _ := doc.Find("html").First().Attr("lang")
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return lang
}

// detectKind classifies the page from OpenGraph and JSON-LD hints, then URL
// patterns, then page structure.
func detectKind(doc *goquery.Document, pageURL string) crawler.ContentKind {
	if metaContent(doc, "meta[property='og:type']") == "article" {
		return crawler.ContentArticle
	}
	var fromSchema crawler.ContentKind
	doc.Find("script[type='application/ld+json']").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var data struct {
			Type any `json:"@type"`
		}
		if err := json.Unmarshal([]byte(s.Text()), &data); err != nil {
			return true
		}
		schemaType := strings.ToLower(fmt.Sprint(data.Type))
		switch {
		case strings.Contains(schemaType, "article"):
			fromSchema = crawler.ContentArticle
		case strings.Contains(schemaType, "documentation"), strings.Contains(schemaType, "techarticle"):
			fromSchema = crawler.ContentDocumentation
		}
		return fromSchema == ""
	})
	if fromSchema != "" {
		return fromSchema
	}

	lower := strings.ToLower(pageURL)
	switch {
	case containsAny(lower, "blog", "article", "post"):
		return crawler.ContentArticle
	case containsAny(lower, "docs", "documentation", "manual"):
		return crawler.ContentDocumentation
	case containsAny(lower, "forum", "discussion", "thread"):
		return crawler.ContentForum
	case containsAny(lower, "tutorial", "guide", "howto"):
		return crawler.ContentTutorial
	}

	switch {
	case doc.Find("article, [class*=article], [class*=post]").Length() > 0:
		return crawler.ContentArticle
	case doc.Find("[class*=documentation], [class*=docs]").Length() > 0:
		return crawler.ContentDocumentation
	case doc.Find("[class*=forum], [class*=thread]").Length() > 0:
		return crawler.ContentForum
	}
	return crawler.ContentGeneral
}

func metaContent(doc *goquery.Document, selector string) string {
	v, _ := doc.Find(selector).First().Attr("content")
	return collapse(v)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
