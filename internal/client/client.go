// Package client is a small Go client for the kindred HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lazypower/kindred/internal/engine"
	"github.com/lazypower/kindred/internal/store"
)

const (
	defaultServerURL = "http://127.0.0.1:37778"
	httpTimeout      = 10 * time.Second
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kindred api: status %d: %s", e.Status, e.Message)
}

// Client talks to a running kindred server.
type Client struct {
	http      *http.Client
	serverURL string
}

// New creates a client for serverURL. An empty URL uses KINDRED_URL, then
// http://127.0.0.1:37778.
func New(serverURL string) *Client {
	if serverURL == "" {
		serverURL = os.Getenv("KINDRED_URL")
	}
	if serverURL == "" {
		serverURL = defaultServerURL
	}
	return &Client{
		http:      &http.Client{Timeout: httpTimeout},
		serverURL: strings.TrimRight(serverURL, "/"),
	}
}

// Healthy checks if the server is reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.do(ctx, http.MethodGet, "/api/health", nil, nil) == nil
}

func (c *Client) Store(ctx context.Context, req engine.StoreRequest) (*store.Memory, error) {
	var m store.Memory
	if err := c.do(ctx, http.MethodPost, "/api/memories", req, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) Retrieve(ctx context.Context, req engine.RetrieveRequest) ([]store.Memory, error) {
	var res struct {
		Memories []store.Memory `json:"memories"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/memories/retrieve", req, &res); err != nil {
		return nil, err
	}
	return res.Memories, nil
}

// ExtractPreferences hands content to the server for background extraction.
func (c *Client) ExtractPreferences(ctx context.Context, userID, companionID, content string) error {
	body := map[string]string{"user_id": userID, "companion_id": companionID, "content": content}
	return c.do(ctx, http.MethodPost, "/api/preferences/extract", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
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
		return err
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
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
