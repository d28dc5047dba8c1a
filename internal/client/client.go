// Package client talks to a running karmagraph server. The karma buffer and
// the LSH index live in the server process, so commands that feed or flush
// them go through the HTTP API rather than the database file.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/lazypower/karmagraph/internal/engine"
)

const (
	defaultServerURL = "http://127.0.0.1:37778"
	httpTimeout      = 30 * time.Second
)

// Client is an HTTP client for the karmagraph API.
type Client struct {
	http      *http.Client
	serverURL string
}

// APIError is a non-2xx response.
type APIError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Message)
}

// New creates a client for serverURL. An empty URL falls back to
// KARMAGRAPH_URL, then http://127.0.0.1:37778.
func New(serverURL string) *Client {
	if serverURL == "" {
		serverURL = os.Getenv("KARMAGRAPH_URL")
	}
	if serverURL == "" {
		serverURL = defaultServerURL
	}
	return &Client{
		http:      &http.Client{Timeout: httpTimeout},
		serverURL: serverURL,
	}
}

// Do sends a request with an optional JSON body and decodes a JSON response
// into out when out is non-nil.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, r)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		msg := string(data)
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Message: msg}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return nil
}

// Healthy checks if the server is reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.Do(ctx, http.MethodGet, "/api/health", nil, nil) == nil
}

// KarmaUpdate is one buffered weight delta.
type KarmaUpdate struct {
	NodeID int64   `json:"node_id"`
	Delta  float64 `json:"delta"`
	Source string  `json:"source,omitempty"`
}

// BufferKarma queues deltas in the server's karma buffer and returns the
// buffer size after queueing.
func (c *Client) BufferKarma(ctx context.Context, updates ...KarmaUpdate) (int, error) {
	var resp struct {
		Buffered int `json:"buffered"`
	}
	err := c.Do(ctx, http.MethodPost, "/api/karma", map[string]any{"updates": updates}, &resp)
	return resp.Buffered, err
}

// RunMaintenance runs one flush, calibrate and reindex cycle on the server.
func (c *Client) RunMaintenance(ctx context.Context) (*engine.MaintenanceReport, error) {
	var report engine.MaintenanceReport
	if err := c.Do(ctx, http.MethodPost, "/api/maintenance", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}
