package testhelpers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
)

// MockResponse is one scripted reply from MockAPIServer.
type MockResponse struct {
	Status int    // HTTP status code (200 if not set)
	Body   any    // marshalled as JSON when Raw is empty
	Raw    string // written verbatim when set
}

// Envelope builds a 200 response carrying the standard backend envelope. The
// success flag follows the code.
func Envelope(code int, msg string, data any) MockResponse {
	return MockResponse{
		Body: map[string]any{
			"code":    code,
			"success": code == http.StatusOK,
			"msg":     msg,
			"data":    data,
		},
	}
}

// RecordedRequest captures what MockAPIServer received.
type RecordedRequest struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// MockAPIServer provides a scripted mock of the IM backend. Responses are
// queued per path; the last queued response for a path repeats once the queue
// drains. A handler registered with Handle takes precedence over the queue.
// Unscripted paths return 404.
type MockAPIServer struct {
	Server *httptest.Server

	mu       sync.Mutex
	scripts  map[string][]MockResponse
	handlers map[string]http.HandlerFunc
	requests []RecordedRequest
}

// SetupMockAPIServer creates a mock backend that is closed when the test ends.
func SetupMockAPIServer(t *testing.T) *MockAPIServer {
	t.Helper()

	mock := &MockAPIServer{
		scripts:  map[string][]MockResponse{},
		handlers: map[string]http.HandlerFunc{},
	}

	mock.Server = httptest.NewServer(http.HandlerFunc(mock.serve))
	t.Cleanup(mock.Close)

	return mock
}

func (m *MockAPIServer) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	m.mu.Lock()
	m.requests = append(m.requests, RecordedRequest{
		Method:   r.Method,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
		Header:   r.Header.Clone(),
		Body:     body,
	})

	if h, ok := m.handlers[r.URL.Path]; ok {
		m.mu.Unlock()
		r.Body = io.NopCloser(bytes.NewReader(body))
		h(w, r)
		return
	}

	queue := m.scripts[r.URL.Path]
	if len(queue) == 0 {
		m.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	resp := queue[0]
	if len(queue) > 1 {
		m.scripts[r.URL.Path] = queue[1:]
	}
	m.mu.Unlock()

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}

	if resp.Raw != "" {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, resp.Raw)
		return
	}

	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}

	WriteJSON(w, resp.Body)
}

// URL is the base URL of the mock backend.
func (m *MockAPIServer) URL() string {
	return m.Server.URL
}

// Enqueue appends scripted responses for path (with leading slash).
func (m *MockAPIServer) Enqueue(path string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.scripts[path] = append(m.scripts[path], responses...)
}

// Handle serves path with h instead of queued responses. Requests are still
// recorded.
func (m *MockAPIServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers[path] = h
}

// Requests returns every request received for path, in arrival order.
func (m *MockAPIServer) Requests(path string) []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []RecordedRequest
	for _, r := range m.requests {
		if r.Path == path {
			matched = append(matched, r)
		}
	}
	return matched
}

// Count returns the number of requests received for path.
func (m *MockAPIServer) Count(path string) int {
	return len(m.Requests(path))
}

// Close shuts down the mock server.
func (m *MockAPIServer) Close() {
	m.Server.Close()
}

// MediaFile is a file served by MockMediaServer.
type MediaFile struct {
	Body        []byte
	ContentType string
	Status      int  // HTTP status code (200 if not set)
	Chunked     bool // omit Content-Length by flushing before the body completes

	// Gate, when set, holds the response until it is closed.
	Gate <-chan struct{}
	// Delay pauses a chunked response between its two halves.
	Delay time.Duration
}

// MockMediaServer provides a mock Matrix media repository serving the r0
// download route.
type MockMediaServer struct {
	Server *httptest.Server

	mu           sync.Mutex
	files        map[string]MediaFile
	requestCount int
}

// SetupMockMediaServer creates a mock media repository that is closed when the
// test ends.
func SetupMockMediaServer(t *testing.T) *MockMediaServer {
	t.Helper()

	mock := &MockMediaServer{
		files: map[string]MediaFile{},
	}

	router := http.NewServeMux()
	router.HandleFunc("GET /_matrix/media/r0/download/{server}/{media}", func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("server") + "/" + r.PathValue("media")

		mock.mu.Lock()
		mock.requestCount++
		file, ok := mock.files[key]
		mock.mu.Unlock()

		if !ok {
			http.NotFound(w, r)
			return
		}

		if file.Gate != nil {
			select {
			case <-file.Gate:
			case <-r.Context().Done():
				return
			}
		}

		if file.Status != 0 && file.Status != http.StatusOK {
			w.WriteHeader(file.Status)
			return
		}

		if file.ContentType != "" {
			w.Header().Set("Content-Type", file.ContentType)
		}

		if !file.Chunked {
			w.Header().Set("Content-Length", strconv.Itoa(len(file.Body)))
			_, _ = w.Write(file.Body)
			return
		}

		half := len(file.Body) / 2
		_, _ = w.Write(file.Body[:half])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		if file.Delay > 0 {
			select {
			case <-time.After(file.Delay):
			case <-r.Context().Done():
				return
			}
		}
		_, _ = w.Write(file.Body[half:])
	})

	mock.Server = httptest.NewServer(router)
	t.Cleanup(mock.Close)

	return mock
}

// Add registers a file under server/mediaID.
func (m *MockMediaServer) Add(server, mediaID string, file MediaFile) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.files[server+"/"+mediaID] = file
}

// RequestCount returns the number of download requests received.
func (m *MockMediaServer) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.requestCount
}

// URL is the homeserver base URL of the mock.
func (m *MockMediaServer) URL() string {
	return m.Server.URL
}

// Close shuts down the mock server.
func (m *MockMediaServer) Close() {
	m.Server.Close()
}

// WriteJSON is a helper function that writes a JSON response.
// It sets the Content-Type header and marshals the payload to JSON.
func WriteJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(payload)
	if err != nil {
		// In test context, this should never happen with valid test data
		http.Error(w, fmt.Sprintf("failed to marshal JSON: %v", err), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}
