// Package httputil holds the JSON reply helpers shared by the API handlers
// and a small JSON client for talking to a running server.
package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// HTTPClient abstracts HTTP operations for testability.
// *http.Client satisfies it; MockHTTPClient is the test double.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError is returned by JSONClient for non-2xx replies.
type StatusError struct {
	StatusCode int
	ErrorResponse
}

func (e *StatusError) Error() string {
	if e.ErrorResponse.Error == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.ErrorResponse.Error)
}

// JSONClient sends JSON requests relative to BaseURL.
type JSONClient struct {
	BaseURL string
	HTTP    HTTPClient
}

// NewJSONClient returns a client for baseURL. A nil hc uses
// http.DefaultClient.
func NewJSONClient(baseURL string, hc HTTPClient) *JSONClient {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &JSONClient{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: hc}
}

// Do sends in (if non-nil) as the JSON body and decodes a 2xx reply into
// out (if non-nil). Other replies become a *StatusError.
func (c *JSONClient) Do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4*MaxBodyBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(data, &se.ErrorResponse)
		return se
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// MockHTTPClient replays queued responses and records each request along
// with its body.
type MockHTTPClient struct {
	mu        sync.Mutex
	requests  []*http.Request
	bodies    [][]byte
	responses []MockResponse
}

// MockResponse is a canned reply. A non-nil Error is returned from Do
// instead of a response.
type MockResponse struct {
	StatusCode int
	Body       string
	Error      error
}

// NewMockHTTPClient creates a mock with no queued responses. Unqueued
// requests get an empty 200.
func NewMockHTTPClient() *MockHTTPClient {
	return &MockHTTPClient{}
}

// AddResponse queues a response.
func (m *MockHTTPClient) AddResponse(statusCode int, body string) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, MockResponse{StatusCode: statusCode, Body: body})
	return m
}

// AddErrorResponse queues a transport error.
func (m *MockHTTPClient) AddErrorResponse(err error) *MockHTTPClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, MockResponse{Error: err})
	return m
}

// Do records the request and returns the next queued response.
func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
		req.Body.Close()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	m.bodies = append(m.bodies, body)

	next := MockResponse{StatusCode: http.StatusOK}
	if len(m.responses) > 0 {
		next, m.responses = m.responses[0], m.responses[1:]
	}
	if next.Error != nil {
		return nil, next.Error
	}
	return &http.Response{
		StatusCode: next.StatusCode,
		Body:       io.NopCloser(strings.NewReader(next.Body)),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}

// Request returns the nth recorded request and its body.
func (m *MockHTTPClient) Request(n int) (*http.Request, []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n < 0 || n >= len(m.requests) {
		return nil, nil
	}
	return m.requests[n], m.bodies[n]
}

// RequestCount returns the number of recorded requests.
func (m *MockHTTPClient) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}
