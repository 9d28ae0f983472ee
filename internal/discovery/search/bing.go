package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/JakeFAU/harvester/internal/crawler"
)

const bingEndpoint = "https://api.bing.microsoft.com/v7.0/search"

// Bing queries the Web Search v7 API.
type Bing struct {
	cfg    Config
	client *http.Client
}

var _ crawler.CandidateProvider = (*Bing)(nil)

// NewBing builds a Bing provider. api_key is required.
func NewBing(cfg Config) (*Bing, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("bing search: api_key is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = bingEndpoint
	}
	if cfg.MaxResults <= 0 || cfg.MaxResults > 50 {
		cfg.MaxResults = 50
	}
	return &Bing{cfg: cfg, client: newHTTPClient(cfg.Timeout)}, nil
}

// Name implements crawler.CandidateProvider.
func (b *Bing) Name() string { return "bing" }

// Method implements crawler.CandidateProvider.
func (b *Bing) Method() crawler.DiscoveryMethod { return crawler.DiscoverySearch }

type bingResponse struct {
	WebPages struct {
		Value []struct {
			URL     string `json:"url"`
			Name    string `json:"name"`
			Snippet string `json:"snippet"`
		} `json:"value"`
	} `json:"webPages"`
}

// DiscoverCandidates runs query against the API.
func (b *Bing) DiscoverCandidates(ctx context.Context, query string) ([]crawler.Candidate, error) {
	params := url.Values{
		"q":          {query},
		"count":      {strconv.Itoa(b.cfg.MaxResults)},
		"textFormat": {"Raw"},
	}
	header := http.Header{"Ocp-Apim-Subscription-Key": {b.cfg.APIKey}}
	var body bingResponse
	if err := getJSON(ctx, b.client, b.cfg.Endpoint, params, header, &body); err != nil {
		return nil, fmt.Errorf("bing search %q: %w", query, err)
	}
	out := make([]crawler.Candidate, 0, len(body.WebPages.Value))
	for _, item := range body.WebPages.Value {
		if item.URL == "" {
			continue
		}
		out = append(out, crawler.Candidate{
			URL:         item.URL,
			Title:       item.Name,
			Description: item.Snippet,
			Provider:    b.Name(),
			Query:       query,
		})
	}
	return out, nil
}
