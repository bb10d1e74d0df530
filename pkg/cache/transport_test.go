package cache

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestTransport_ConditionalRoundTrip(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, time.Hour)

	var requests, conditional atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("X-RateLimit-Remaining", "4000")
		if r.Header.Get("If-None-Match") == `"v1"` {
			conditional.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":1}]`))
	}))
	defer server.Close()

	httpClient := &http.Client{Transport: NewTransport(nil, manager)}

	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodGet, server.URL+"/repos/o/r/issues?page=1", nil)
		req.Header.Set("Authorization", "Bearer token-a")

		resp, err := httpClient.Do(req)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("request %d status = %d, want 200", i, resp.StatusCode)
		}
		if string(body) != `[{"id":1}]` {
			t.Errorf("request %d body = %q", i, body)
		}
		if req.Header.Get("If-None-Match") != "" {
			t.Error("transport modified the caller's request")
		}
	}

	if requests.Load() != 2 {
		t.Errorf("requests = %d, want 2", requests.Load())
	}
	if conditional.Load() != 1 {
		t.Errorf("conditional requests = %d, want 1", conditional.Load())
	}
}

func TestTransport_SeparatesCredentials(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, time.Hour)

	var conditional atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") != "" {
			conditional.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	httpClient := &http.Client{Transport: NewTransport(nil, manager)}
	for _, token := range []string{"token-a", "token-b"} {
		req, _ := http.NewRequest(http.MethodGet, server.URL+"/user/repos", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := httpClient.Do(req)
		if err != nil {
			t.Fatalf("Do() error = %v", err)
		}
		resp.Body.Close()
	}

	if conditional.Load() != 0 {
		t.Errorf("conditional requests = %d, want 0 (entries are per credential)", conditional.Load())
	}
}

func TestTransport_PassesThroughWithoutManager(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") != "" {
			t.Error("unexpected conditional request")
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(`ok`))
	}))
	defer server.Close()

	httpClient := &http.Client{Transport: NewTransport(nil, nil)}
	for i := 0; i < 2; i++ {
		resp, err := httpClient.Get(server.URL)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		resp.Body.Close()
	}
}

func TestTransport_RevalidationKeepsEntryAlive(t *testing.T) {
	client := setupTestRedis(t)
	manager := NewManager(client, 300*time.Millisecond)

	var conditional atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			conditional.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	httpClient := &http.Client{Transport: NewTransport(nil, manager)}
	get := func() {
		t.Helper()
		req, _ := http.NewRequest(http.MethodGet, server.URL+"/repos/o/r/pulls", nil)
		req.Header.Set("Authorization", "Bearer token-a")
		resp, err := httpClient.Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	get()
	time.Sleep(200 * time.Millisecond)
	get()
	time.Sleep(200 * time.Millisecond)
	get()

	if conditional.Load() != 2 {
		t.Errorf("conditional requests = %d, want 2", conditional.Load())
	}
}
