package cli

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

	"github.com/platinummonkey/tollbooth/pkg/httputil"
	"github.com/platinummonkey/tollbooth/pkg/objectstore"
	"github.com/platinummonkey/tollbooth/pkg/registry"
)

// Client calls the Tollbooth HTTP API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for baseURL
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// APIError is a non-2xx response
type APIError struct {
	Status int
	httputil.ErrorResponse
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("server returned %d: %s (%s)", e.Status, e.ErrorResponse.Error, e.Reason)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.ErrorResponse.Error)
}

// UploadPayload stores raw payload bytes
func (c *Client) UploadPayload(ctx context.Context, data []byte) (*objectstore.Payload, error) {
	var payload objectstore.Payload
	err := c.do(ctx, http.MethodPost, "/v1/payloads", "application/octet-stream", bytes.NewReader(data), &payload)
	if err != nil {
		return nil, err
	}
	return &payload, nil
}

// Register publishes a manifest pointing at an uploaded payload
func (c *Client) Register(ctx context.Context, m registry.Manifest, payload *objectstore.Payload) (*registry.Record, error) {
	var record registry.Record
	err := c.doJSON(ctx, http.MethodPost, "/v1/packages", map[string]interface{}{
		"manifest":         m,
		"payload_location": payload.Location,
		"size_bytes":       payload.Size,
	}, &record)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Resolve resolves requirements against the registry
func (c *Client) Resolve(ctx context.Context, reqs []registry.Requirement) (*registry.Resolution, error) {
	var res registry.Resolution
	if err := c.doJSON(ctx, http.MethodPost, "/v1/packages/resolve", map[string]interface{}{"requirements": reqs}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetBalance returns the raw balance JSON
func (c *Client) GetBalance(ctx context.Context, subscriberID string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/v1/subscribers/"+url.PathEscape(subscriberID)+"/balance", "", nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Summarize returns the raw usage summary JSON for [from, to)
func (c *Client) Summarize(ctx context.Context, subscriberID, from, to string) (json.RawMessage, error) {
	q := url.Values{}
	if from != "" {
		q.Set("from", from)
	}
	if to != "" {
		q.Set("to", to)
	}
	path := "/v1/subscribers/" + url.PathEscape(subscriberID) + "/usage/summary"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, "", nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return c.do(ctx, method, path, "application/json", bytes.NewReader(data), out)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.ErrorResponse); err != nil {
			apiErr.ErrorResponse.Error = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
