// Package manual provides a fixed list of seed URLs to discovery.
package manual

import (
	"context"
	"strings"

	"github.com/JakeFAU/harvester/internal/crawler"
)

// Provider returns the same configured URLs every cycle.
type Provider struct {
	urls []string
}

var _ crawler.CandidateProvider = (*Provider)(nil)

// New builds a Provider from seed URLs. Blank entries are dropped.
func New(urls []string) *Provider {
	kept := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			kept = append(kept, u)
		}
	}
	return &Provider{urls: kept}
}

// Name implements crawler.CandidateProvider.
func (p *Provider) Name() string { return "manual" }

// Method implements crawler.CandidateProvider.
func (p *Provider) Method() crawler.DiscoveryMethod { return crawler.DiscoveryManual }

// DiscoverCandidates ignores the query.
func (p *Provider) DiscoverCandidates(context.Context, string) ([]crawler.Candidate, error) {
	out := make([]crawler.Candidate, 0, len(p.urls))
	for _, u := range p.urls {
		out = append(out, crawler.Candidate{URL: u, Provider: p.Name()})
	}
	return out, nil
}
