package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/clipvault/coordinator/internal/model"
)

// Service names under which the dependent services register themselves.
// The worker uses these for registry health lookups before dispatching.
const (
	ServiceNameMetadata   = "metadata"
	ServiceNameStorage    = "storage"
	ServiceNameDownloader = "downloader"
)

// baseClient carries the request plumbing shared by all dependent-service
// clients: JSON encode/decode, request logging, and mapping of transport and
// HTTP failures onto the domain error taxonomy.
type baseClient struct {
	httpClient *http.Client
	baseURL    string
	label      string
}

// post sends a POST request with JSON body
func (c *baseClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// get sends a GET request and parses the JSON response
func (c *baseClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// doRequest executes an HTTP request and maps failures onto the error
// taxonomy: transport errors and timeouts become ErrDependencyUnavailable,
// 404 becomes ErrNotFoundUpstream, 5xx becomes ErrDependencyUnavailable.
func (c *baseClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")

	log.Printf("[%s API] → %s %s", c.label, req.Method, req.URL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return ctxErr
		}
		log.Printf("[%s API] ✗ %s %s — request failed: %v", c.label, req.Method, req.URL.String(), err)
		return fmt.Errorf("%w: %s request failed: %v", model.ErrDependencyUnavailable, c.label, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("[%s API] ✗ %s %s — failed to read response: %v", c.label, req.Method, req.URL.String(), err)
		return fmt.Errorf("%w: %s response read failed: %v", model.ErrDependencyUnavailable, c.label, err)
	}

	log.Printf("[%s API] ← %d %s %s", c.label, resp.StatusCode, req.Method, req.URL.String())

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", model.ErrNotFoundUpstream, c.label, req.URL.Path)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s returned status %d: %s", model.ErrDependencyUnavailable, c.label, resp.StatusCode, string(respBody))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%s API error (status %d): %s", c.label, resp.StatusCode, string(respBody))
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		log.Printf("[%s API] ✗ unmarshal error for %s %s: %v", c.label, req.Method, req.URL.String(), err)
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}
