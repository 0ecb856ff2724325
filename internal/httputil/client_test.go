package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestJSONClientRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/position" {
			NotFound(w, "no route")
			return
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			BadRequest(w, "content-type "+ct)
			return
		}
		var in map[string]float64
		if err := DecodeJSON(w, r, &in); err != nil {
			BadRequest(w, err.Error())
			return
		}
		WriteJSONOK(w, map[string]float64{"sum": in["x"] + in["y"]})
	}))
	defer srv.Close()

	c := NewJSONClient(srv.URL+"/", nil)
	var out map[string]float64
	if err := c.Do(context.Background(), http.MethodPost, "/api/position", map[string]float64{"x": 1, "y": 2}, &out); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if out["sum"] != 3 {
		t.Errorf("sum = %v, want 3", out["sum"])
	}

	err := c.Do(context.Background(), http.MethodGet, "/missing", nil, nil)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusNotFound || se.ErrorResponse.Error != "no route" {
		t.Errorf("StatusError = %+v", se)
	}
	if se.Error() != "http 404: no route" {
		t.Errorf("Error() = %q", se.Error())
	}
}

func TestJSONClientWithMock(t *testing.T) {
	mock := NewMockHTTPClient().
		AddResponse(http.StatusBadRequest, `{"error":"degenerate homography","retry":true}`).
		AddErrorResponse(errors.New("connection refused")).
		AddResponse(http.StatusOK, `{"version":2}`)
	c := NewJSONClient("http://launcher.local", mock)

	err := c.Do(context.Background(), http.MethodPost, "/api/calibration", map[string]int{"n": 4}, nil)
	var se *StatusError
	if !errors.As(err, &se) || !se.Retry {
		t.Errorf("first call: err = %v, want retryable StatusError", err)
	}

	if err := c.Do(context.Background(), http.MethodGet, "/api/status", nil, nil); err == nil || err.Error() != "connection refused" {
		t.Errorf("second call: err = %v", err)
	}

	var out struct {
		Version int `json:"version"`
	}
	if err := c.Do(context.Background(), http.MethodGet, "/api/calibration", nil, &out); err != nil {
		t.Fatalf("third call: %v", err)
	}
	if out.Version != 2 {
		t.Errorf("version = %d", out.Version)
	}

	// Unqueued requests get an empty 200.
	if err := c.Do(context.Background(), http.MethodGet, "/api/status", nil, &out); err != nil {
		t.Errorf("unqueued call: %v", err)
	}

	if n := mock.RequestCount(); n != 4 {
		t.Fatalf("RequestCount = %d, want 4", n)
	}
	req, body := mock.Request(0)
	if req.URL.String() != "http://launcher.local/api/calibration" || req.Method != http.MethodPost {
		t.Errorf("request 0 = %s %s", req.Method, req.URL)
	}
	var sent map[string]int
	if err := json.Unmarshal(body, &sent); err != nil || sent["n"] != 4 {
		t.Errorf("request 0 body = %s (%v)", body, err)
	}
	if req, body := mock.Request(1); req.Method != http.MethodGet || len(body) != 0 {
		t.Errorf("request 1 = %s with %d body bytes", req.Method, len(body))
	}
	if req, _ := mock.Request(9); req != nil {
		t.Error("Request(9) should be nil")
	}
}

func TestJSONClientBadReply(t *testing.T) {
	mock := NewMockHTTPClient().AddResponse(http.StatusOK, `not json`)
	c := NewJSONClient("http://x", mock)
	var out map[string]int
	if err := c.Do(context.Background(), http.MethodGet, "/", nil, &out); err == nil {
		t.Error("expected decode error")
	}

	se := &StatusError{StatusCode: 502}
	if se.Error() != "http 502" {
		t.Errorf("Error() = %q", se.Error())
	}
}
