// Package directory pushes denormalized market summaries to the external
// listing service. The actor diffs each summary against the last one it
// pushed and only calls out when something changed; a failed push keeps the
// old snapshot so the next state change retries.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/watthour/gridmarket/internal/domain"
)

// Client is a thin HTTP client for the directory service.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// New creates a Client for the given directory base URL. An empty baseURL
// disables the client; Publish and Remove become no-ops.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled reports whether a directory endpoint is configured.
func (c *Client) Enabled() bool {
	return c.baseURL != ""
}

// Canonical returns the canonical serialization of a summary, used as the
// diff snapshot that decides whether the directory needs an update.
func Canonical(s domain.Summary) string {
	// Struct field order makes encoding/json output deterministic.
	data, _ := json.Marshal(s)
	return string(data)
}

// Publish upserts one market's summary in the directory listing.
func (c *Client) Publish(ctx context.Context, s domain.Summary) error {
	if !c.Enabled() {
		return nil
	}
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("directory: marshal summary: %w", err)
	}
	return c.do(ctx, http.MethodPut, c.marketURL(s.Market), body)
}

// Remove deletes one market's directory entry. Removing storage for the
// market itself is a separate operation; the two are never conflated.
func (c *Client) Remove(ctx context.Context, market string) error {
	if !c.Enabled() {
		return nil
	}
	return c.do(ctx, http.MethodDelete, c.marketURL(market), nil)
}

func (c *Client) marketURL(market string) string {
	return c.baseURL + "/markets/" + url.PathEscape(market)
}

func (c *Client) do(ctx context.Context, method, u string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("directory: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("directory: %s %s: %w", method, u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("directory: %s %s: unexpected status %d: %s",
			method, u, resp.StatusCode, string(respBody))
	}
	return nil
}
