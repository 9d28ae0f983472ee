// Package links discovers URLs by following anchors on a source's root page.
package links

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/crawler"
)

// chromeSelector matches page furniture whose links are navigation, not content.
const chromeSelector = "nav, header, footer, aside, [role=navigation]"

// Config controls link extraction.
type Config struct {
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxLinks  int           `mapstructure:"max_links"`
	// External keeps links that leave the source's site.
	External bool `mapstructure:"external"`
}

// Provider extracts outbound links from a source root page.
type Provider struct {
	cfg    Config
	logger *zap.Logger
}

var _ crawler.SourceProvider = (*Provider)(nil)

// New builds a Provider.
func New(cfg Config, logger *zap.Logger) *Provider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxLinks <= 0 {
		cfg.MaxLinks = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{cfg: cfg, logger: logger.Named("links")}
}

// Name implements crawler.SourceProvider.
func (p *Provider) Name() string { return "links" }

// DiscoverFromSource fetches the source root and returns its content links.
func (p *Provider) DiscoverFromSource(ctx context.Context, src crawler.Source) ([]crawler.Candidate, error) {
	root := src.RootURL
	if root == "" {
		root = "https://" + src.Domain + "/"
	}
	base, err := url.Parse(root)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("links %s: %w: %q", src.Domain, crawler.ErrInvalidURL, root)
	}
	site := siteKey(base.Hostname())

	c := colly.NewCollector(colly.MaxDepth(1))
	c.Context = ctx
	c.SetRequestTimeout(p.cfg.Timeout)
	if p.cfg.UserAgent != "" {
		c.UserAgent = p.cfg.UserAgent
	}

	var (
		out  []crawler.Candidate
		seen = map[string]struct{}{base.String(): {}}
	)
	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		if len(out) >= p.cfg.MaxLinks || e.DOM.ParentsFiltered(chromeSelector).Length() > 0 {
			return
		}
		if rel, _ := e.DOM.Attr("rel"); strings.Contains(rel, "nofollow") {
			return
		}
		link := e.Request.AbsoluteURL(e.Attr("href"))
		u, err := url.Parse(link)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return
		}
		if !p.cfg.External && siteKey(u.Hostname()) != site {
			return
		}
		u.Fragment = ""
		link = u.String()
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		title := strings.Join(strings.Fields(e.Text), " ")
		if title == "" {
			title, _ = e.DOM.Attr("title")
		}
		out = append(out, crawler.Candidate{URL: link, Title: title, Provider: p.Name()})
	})

	if err := c.Visit(base.String()); err != nil {
		return nil, fmt.Errorf("links %s: %w", src.Domain, err)
	}
	p.logger.Debug("links extracted", zap.String("source", src.Domain), zap.Int("count", len(out)))
	return out, nil
}

func siteKey(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}
