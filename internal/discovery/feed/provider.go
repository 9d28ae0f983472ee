// Package feed discovers URLs from RSS/Atom feeds and XML sitemaps.
package feed

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/crawler"
)

// DefaultProbes are tried against the source root when it has no explicit
// feed or sitemap URL.
var DefaultProbes = []string{"/sitemap.xml", "/feed", "/rss.xml"}

// Config controls feed polling.
type Config struct {
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxItems  int           `mapstructure:"max_items"`
	Probes    []string      `mapstructure:"probes"`
}

// Provider reads feeds and sitemaps with colly's XML callbacks.
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
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 100
	}
	if len(cfg.Probes) == 0 {
		cfg.Probes = DefaultProbes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{cfg: cfg, logger: logger.Named("feed")}
}

// Name implements crawler.SourceProvider.
func (p *Provider) Name() string { return "feed" }

type collected struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	items []crawler.Candidate
	limit int
}

func (c *collected) add(cand crawler.Candidate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cand.URL == "" || len(c.items) >= c.limit {
		return
	}
	if _, dup := c.seen[cand.URL]; dup {
		return
	}
	c.seen[cand.URL] = struct{}{}
	c.items = append(c.items, cand)
}

// DiscoverFromSource polls the source's feed and sitemap. When neither is
// configured the default probe paths are tried and their failures ignored.
func (p *Provider) DiscoverFromSource(ctx context.Context, src crawler.Source) ([]crawler.Candidate, error) {
	targets, probing, err := p.targets(src)
	if err != nil {
		return nil, err
	}
	out := &collected{seen: make(map[string]struct{}), limit: p.cfg.MaxItems}
	collector := p.newCollector(ctx, out)

	var failures []error
	for _, target := range targets {
		if err := collector.Visit(target); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return out.items, fmt.Errorf("feed %s: %w", src.Domain, ctxErr)
			}
			p.logger.Debug("feed target failed", zap.String("url", target), zap.Error(err))
			failures = append(failures, fmt.Errorf("%s: %w", target, err))
		}
	}
	if !probing && len(failures) == len(targets) {
		return nil, fmt.Errorf("feed %s: %w", src.Domain, errors.Join(failures...))
	}
	return out.items, nil
}

func (p *Provider) targets(src crawler.Source) ([]string, bool, error) {
	var explicit []string
	for _, u := range []string{src.FeedURL, src.SitemapURL} {
		if u != "" {
			explicit = append(explicit, u)
		}
	}
	if len(explicit) > 0 {
		return explicit, false, nil
	}
	root := src.RootURL
	if root == "" {
		root = "https://" + src.Domain + "/"
	}
	base, err := url.Parse(root)
	if err != nil || base.Host == "" {
		return nil, false, fmt.Errorf("feed %s: %w: %q", src.Domain, crawler.ErrInvalidURL, root)
	}
	probes := make([]string, 0, len(p.cfg.Probes))
	for _, probe := range p.cfg.Probes {
		probes = append(probes, base.ResolveReference(&url.URL{Path: probe}).String())
	}
	return probes, true, nil
}

func (p *Provider) newCollector(ctx context.Context, out *collected) *colly.Collector {
	// Depth 2 lets a sitemap index pull in its child sitemaps.
	c := colly.NewCollector(colly.MaxDepth(2))
	c.Context = ctx
	c.SetRequestTimeout(p.cfg.Timeout)
	if p.cfg.UserAgent != "" {
		c.UserAgent = p.cfg.UserAgent
	}

	c.OnXML("//item", func(e *colly.XMLElement) {
		out.add(crawler.Candidate{
			URL:         e.Request.AbsoluteURL(strings.TrimSpace(e.ChildText("link"))),
			Title:       strings.TrimSpace(e.ChildText("title")),
			Description: strings.TrimSpace(e.ChildText("description")),
			Provider:    p.Name(),
		})
	})
	c.OnXML("//entry", func(e *colly.XMLElement) {
		link := e.ChildAttr("link[@rel='alternate']", "href")
		if link == "" {
			link = e.ChildAttr("link", "href")
		}
		out.add(crawler.Candidate{
			URL:         e.Request.AbsoluteURL(strings.TrimSpace(link)),
			Title:       strings.TrimSpace(e.ChildText("title")),
			Description: strings.TrimSpace(e.ChildText("summary")),
			Provider:    p.Name(),
		})
	})
	c.OnXML("//urlset/url/loc", func(e *colly.XMLElement) {
		out.add(crawler.Candidate{
			URL:      e.Request.AbsoluteURL(strings.TrimSpace(e.Text)),
			Provider: p.Name(),
		})
	})
	c.OnXML("//sitemapindex/sitemap/loc", func(e *colly.XMLElement) {
		child := e.Request.AbsoluteURL(strings.TrimSpace(e.Text))
		var visited *colly.AlreadyVisitedError
		if err := e.Request.Visit(child); err != nil && !errors.As(err, &visited) {
			p.logger.Debug("child sitemap failed", zap.String("url", child), zap.Error(err))
		}
	})
	return c
}
