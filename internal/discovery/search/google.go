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

const googleEndpoint = "https://www.googleapis.com/customsearch/v1"

// Google queries the Custom Search JSON API.
type Google struct {
	cfg    Config
	client *http.Client
}

var _ crawler.CandidateProvider = (*Google)(nil)

// NewGoogle builds a Google provider. api_key and cx are required.
func NewGoogle(cfg Config) (*Google, error) {
	if cfg.APIKey == "" || cfg.CX == "" {
		return nil, errors.New("google search: api_key and cx are required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = googleEndpoint
	}
	if cfg.MaxResults <= 0 || cfg.MaxResults > 10 {
		cfg.MaxResults = 10
	}
	return &Google{cfg: cfg, client: newHTTPClient(cfg.Timeout)}, nil
}

// Name implements crawler.CandidateProvider.
func (g *Google) Name() string { return "google" }

// Method implements crawler.CandidateProvider.
func (g *Google) Method() crawler.DiscoveryMethod { return crawler.DiscoverySearch }

type googleResponse struct {
	Items []struct {
		Link    string `json:"link"`
		Title   string `json:"title"`
		Snippet string `json:"snippet"`
	} `json:"items"`
}

// DiscoverCandidates runs query against the API.
func (g *Google) DiscoverCandidates(ctx context.Context, query string) ([]crawler.Candidate, error) {
	params := url.Values{
		"key": {g.cfg.APIKey},
		"cx":  {g.cfg.CX},
		"q":   {query},
		"num": {strconv.Itoa(g.cfg.MaxResults)},
	}
	var body googleResponse
	if err := getJSON(ctx, g.client, g.cfg.Endpoint, params, nil, &body); err != nil {
		return nil, fmt.Errorf("google search %q: %w", query, err)
	}
	out := make([]crawler.Candidate, 0, len(body.Items))
	for _, item := range body.Items {
		if item.Link == "" {
			continue
		}
		out = append(out, crawler.Candidate{
			URL:         item.Link,
			Title:       item.Title,
			Description: item.Snippet,
			Provider:    g.Name(),
			Query:       query,
		})
	}
	return out, nil
}
