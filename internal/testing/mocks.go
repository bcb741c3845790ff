package testing

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// MockHTTPHandler serves canned JSON responses keyed by method and path and
// records every request it receives.
type MockHTTPHandler struct {
	mu            sync.Mutex
	responses     map[string][]*MockResponse
	requests      []*MockRequest
	defaultStatus int
}

// MockResponse is one canned response.
type MockResponse struct {
	Status int
	Body   any
}

// MockRequest is a captured request.
type MockRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
	At     time.Time
}

// NewMockHTTPHandler creates a handler that answers 200 with no body for
// unregistered routes.
func NewMockHTTPHandler() *MockHTTPHandler {
	return &MockHTTPHandler{
		responses:     make(map[string][]*MockResponse),
		defaultStatus: http.StatusOK,
	}
}

// ServeHTTP implements http.Handler. Queued responses for a route are
// consumed in order; the last one repeats.
func (m *MockHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	body, _ := io.ReadAll(r.Body)
	m.requests = append(m.requests, &MockRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Header: r.Header.Clone(),
		Body:   body,
		At:     time.Now(),
	})

	key := r.Method + ":" + r.URL.Path
	responses, ok := m.responses[key]
	if !ok || len(responses) == 0 {
		w.WriteHeader(m.defaultStatus)
		return
	}
	resp := responses[0]
	if len(responses) > 1 {
		m.responses[key] = responses[1:]
	}
	if resp.Body != nil {
		w.Header().Set("Content-Type", "application/json")
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if resp.Body != nil {
		_ = json.NewEncoder(w).Encode(resp.Body)
	}
}

// AddResponse queues a response for method and path.
func (m *MockHTTPHandler) AddResponse(method, path string, status int, body any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := method + ":" + path
	m.responses[key] = append(m.responses[key], &MockResponse{Status: status, Body: body})
}

// GetRequests returns the captured requests.
func (m *MockHTTPHandler) GetRequests() []*MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*MockRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// NewTestServer starts an httptest server closed at test cleanup.
func (m *MockHTTPHandler) NewTestServer(t interface{ Cleanup(func()) }) *httptest.Server {
	srv := httptest.NewServer(m)
	t.Cleanup(srv.Close)
	return srv
}
