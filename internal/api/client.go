package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/harvester/internal/crawler"
)

// Client calls a running harvester's front door.
type Client struct {
	base   string
	apiKey string
	http   *http.Client
}

// NewClient targets baseURL (for example http://localhost:8080).
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		apiKey: apiKey,
		http:   &http.Client{Timeout: timeout},
	}
}

// Seed submits URLs at priority.
func (c *Client) Seed(ctx context.Context, urls []string, priority int) ([]SeedResult, error) {
	var out struct {
		Results []SeedResult `json:"results"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/seeds", SeedRequest{URLs: urls, Priority: priority}, &out)
	return out.Results, err
}

// PauseSource deactivates a source.
func (c *Client) PauseSource(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/sources/"+url.PathEscape(id)+"/pause", nil, nil)
}

// ResumeSource reactivates a source.
func (c *Client) ResumeSource(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/sources/"+url.PathEscape(id)+"/resume", nil, nil)
}

// Sources lists every known source.
func (c *Client) Sources(ctx context.Context) ([]crawler.Source, error) {
	var out struct {
		Sources []crawler.Source `json:"sources"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/sources", nil, &out)
	return out.Sources, err
}

// Status fetches process status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, &out)
	return out, err
}

// ResizeWorkers sets the pool size.
func (c *Client) ResizeWorkers(ctx context.Context, n int) error {
	return c.do(ctx, http.MethodPut, "/v1/workers", ResizeRequest{Count: n}, nil)
}

// Hosts returns per-host politeness state.
func (c *Client) Hosts(ctx context.Context) ([]crawler.HostState, error) {
	var out struct {
		Hosts []crawler.HostState `json:"hosts"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/hosts", nil, &out)
	return out.Hosts, err
}

// ResetHost clears backoff and suspension for host.
func (c *Client) ResetHost(ctx context.Context, host string) error {
	return c.do(ctx, http.MethodPost, "/v1/hosts/"+url.PathEscape(host)+"/reset", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(payload, &apiErr) == nil && apiErr.Error != "" {
			return &Error{Status: resp.StatusCode, Message: apiErr.Error}
		}
		if out != nil && json.Unmarshal(payload, out) == nil {
			return &Error{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return &Error{Status: resp.StatusCode, Message: strings.TrimSpace(string(payload))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Error is a non-2xx response from the front door.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("harvester api: %d %s", e.Status, e.Message)
}
