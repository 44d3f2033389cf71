package downloader

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/navono/hf-download-scheduler/app/database"
)

func testPayload(size int) []byte {
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	return payload
}

// rangeServer serves the payload with full Range support.
func rangeServer(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "model.tar", time.Now(), bytes.NewReader(payload))
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestExecutor(t *testing.T, endpoint string, chunkSize int64) *HTTPExecutor {
	t.Helper()
	return NewHTTPExecutor(Options{
		Endpoint:   endpoint,
		Token:      "test-token",
		UserAgent:  "test-agent",
		Dir:        t.TempDir(),
		ChunkSize:  chunkSize,
		MaxRetries: 2,
		Timeout:    10 * time.Second,
	})
}

func testModel() database.Model {
	return database.Model{ID: "m1", Name: "org/model"}
}

func TestExecuteChunkedDownload(t *testing.T) {
	payload := testPayload(10_000)
	server := rangeServer(t, payload)
	executor := newTestExecutor(t, server.URL, 4096)

	var progressCalls int
	var lastDone int64
	outcome, err := executor.Execute(context.Background(), testModel(), database.DownloadSession{ID: "s1"},
		func(done int64, total *int64) {
			progressCalls++
			lastDone = done
			if total == nil || *total != int64(len(payload)) {
				t.Errorf("Expected total %d, got %v", len(payload), total)
			}
		})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if outcome.BytesDownloaded != int64(len(payload)) {
		t.Errorf("Expected %d bytes, got %d", len(payload), outcome.BytesDownloaded)
	}
	if progressCalls < 2 {
		t.Errorf("Expected chunked progress reports, got %d", progressCalls)
	}
	if lastDone != int64(len(payload)) {
		t.Errorf("Expected final progress %d, got %d", len(payload), lastDone)
	}

	written, err := os.ReadFile(outcome.Path)
	if err != nil {
		t.Fatalf("Failed to read downloaded file: %v", err)
	}
	if !bytes.Equal(written, payload) {
		t.Error("Downloaded content does not match the payload")
	}
	if !strings.HasSuffix(outcome.Path, "org--model.tar") {
		t.Errorf("Expected sanitized file name, got %q", outcome.Path)
	}
}

func TestExecuteStreamFallback(t *testing.T) {
	payload := testPayload(5000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No Accept-Ranges header, Range requests ignored.
		w.Header().Set("Content-Length", "5000")
		if r.Method == http.MethodHead {
			return
		}
		w.Write(payload)
	}))
	t.Cleanup(server.Close)

	executor := newTestExecutor(t, server.URL, 1024)
	outcome, err := executor.Execute(context.Background(), testModel(), database.DownloadSession{ID: "s1"},
		func(done int64, total *int64) {})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if outcome.BytesDownloaded != 5000 {
		t.Errorf("Expected 5000 bytes, got %d", outcome.BytesDownloaded)
	}

	written, _ := os.ReadFile(outcome.Path)
	if !bytes.Equal(written, payload) {
		t.Error("Downloaded content does not match the payload")
	}
}

func TestExecuteCancellation(t *testing.T) {
	payload := testPayload(100_000)
	server := rangeServer(t, payload)
	executor := newTestExecutor(t, server.URL, 1024)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := executor.Execute(ctx, testModel(), database.DownloadSession{ID: "s1"},
		func(done int64, total *int64) {
			if done >= 2048 {
				cancel()
			}
		})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestExecuteProbeFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(server.Close)

	executor := newTestExecutor(t, server.URL, 1024)
	_, err := executor.Execute(context.Background(), testModel(), database.DownloadSession{ID: "s1"},
		func(done int64, total *int64) {})
	if err == nil {
		t.Fatal("Expected probe failure")
	}
}

func TestExecuteSendsAuthHeaders(t *testing.T) {
	payload := testPayload(100)
	var mu sync.Mutex
	var sawAuth, sawAgent bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		if r.Header.Get("Authorization") == "Bearer test-token" {
			sawAuth = true
		}
		if r.Header.Get("User-Agent") == "test-agent" {
			sawAgent = true
		}
		mu.Unlock()
		http.ServeContent(w, r, "model.tar", time.Now(), bytes.NewReader(payload))
	}))
	t.Cleanup(server.Close)

	executor := newTestExecutor(t, server.URL, 4096)
	if _, err := executor.Execute(context.Background(), testModel(), database.DownloadSession{ID: "s1"},
		func(done int64, total *int64) {}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !sawAuth {
		t.Error("Expected Authorization header on requests")
	}
	if !sawAgent {
		t.Error("Expected User-Agent header on requests")
	}
}

func TestSanitizeName(t *testing.T) {
	if got := sanitizeName("org/model"); got != "org--model.tar" {
		t.Errorf("Expected org--model.tar, got %q", got)
	}
	if got := sanitizeName("plain"); got != "plain.tar" {
		t.Errorf("Expected plain.tar, got %q", got)
	}
}
