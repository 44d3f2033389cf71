// Package downloader performs the actual byte transfer for a model. The
// scheduler only depends on the Executor interface, so tests swap in fakes.
package downloader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/navono/hf-download-scheduler/app/database"
)

// Outcome reports what a finished transfer produced.
type Outcome struct {
	BytesDownloaded int64
	TotalBytes      *int64
	Path            string
}

// Executor downloads one model. Implementations must honor ctx cancellation
// and report progress as bytes arrive; progress may be called concurrently
// with nothing else, one call at a time.
type Executor interface {
	Execute(ctx context.Context, model database.Model, session database.DownloadSession, progress func(done int64, total *int64)) (*Outcome, error)
}

// HTTPExecutor streams model archives over HTTP in fixed-size chunks with
// per-chunk retry and exponential backoff. Cancellation is observed at chunk
// boundaries and inside reads via the request context.
type HTTPExecutor struct {
	client     *http.Client
	endpoint   string
	token      string
	userAgent  string
	dir        string
	chunkSize  int64
	maxRetries int
}

var _ Executor = (*HTTPExecutor)(nil)

type Options struct {
	Endpoint   string
	Token      string
	UserAgent  string
	Dir        string
	ChunkSize  int64
	MaxRetries int
	Timeout    time.Duration
}

func NewHTTPExecutor(opts Options) *HTTPExecutor {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 8 << 20
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	return &HTTPExecutor{
		client:     &http.Client{Timeout: opts.Timeout},
		endpoint:   strings.TrimRight(opts.Endpoint, "/"),
		token:      opts.Token,
		userAgent:  opts.UserAgent,
		dir:        opts.Dir,
		chunkSize:  opts.ChunkSize,
		maxRetries: opts.MaxRetries,
	}
}

func (e *HTTPExecutor) Execute(ctx context.Context, model database.Model, session database.DownloadSession, progress func(done int64, total *int64)) (*Outcome, error) {
	url := e.sourceURL(model)
	dest := filepath.Join(e.dir, sanitizeName(model.Name))

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}

	total, rangeable, err := e.probe(ctx, url)
	if err != nil {
		return nil, err
	}

	file, err := os.Create(dest)
	if err != nil {
		return nil, fmt.Errorf("failed to create destination file: %w", err)
	}
	defer file.Close()

	slog.Info("Starting download", "model", model.Name, "session", session.ID,
		"url", url, "total_bytes", total, "rangeable", rangeable)

	var done int64
	if rangeable && total != nil {
		done, err = e.downloadChunked(ctx, url, file, *total, progress)
	} else {
		done, err = e.downloadStream(ctx, url, file, total, progress)
	}
	if err != nil {
		return nil, err
	}

	if err := file.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync destination file: %w", err)
	}

	return &Outcome{BytesDownloaded: done, TotalBytes: total, Path: dest}, nil
}

// probe asks the server for the object size and range support.
func (e *HTTPExecutor) probe(ctx context.Context, url string) (*int64, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to build probe request: %w", err)
	}
	e.decorate(req)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("failed to probe %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("probe %s: unexpected status %s", url, resp.Status)
	}

	var total *int64
	if resp.ContentLength > 0 {
		length := resp.ContentLength
		total = &length
	}
	rangeable := strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes")
	return total, rangeable, nil
}

func (e *HTTPExecutor) downloadChunked(ctx context.Context, url string, file *os.File, total int64, progress func(done int64, total *int64)) (int64, error) {
	var done int64
	for done < total {
		if err := ctx.Err(); err != nil {
			return done, err
		}

		end := done + e.chunkSize - 1
		if end >= total {
			end = total - 1
		}

		n, err := e.fetchRange(ctx, url, file, done, end)
		if err != nil {
			return done, err
		}
		done += n
		progress(done, &total)
	}
	return done, nil
}

// fetchRange downloads one byte range, retrying transient failures with
// exponential backoff capped at 30 seconds.
func (e *HTTPExecutor) fetchRange(ctx context.Context, url string, file *os.File, start, end int64) (int64, error) {
	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Second << (attempt - 1)
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			slog.Warn("Retrying chunk", "range_start", start, "attempt", attempt, "backoff", backoff, "error", lastErr)
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(backoff):
			}
		}

		n, err := e.tryRange(ctx, url, file, start, end)
		if err == nil {
			return n, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		lastErr = err
	}
	return 0, fmt.Errorf("chunk %d-%d failed after %d retries: %w", start, end, e.maxRetries, lastErr)
}

func (e *HTTPExecutor) tryRange(ctx context.Context, url string, file *os.File, start, end int64) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	e.decorate(req)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("unexpected status %s for range %d-%d", resp.Status, start, end)
	}

	n, err := io.Copy(io.NewOffsetWriter(file, start), resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to write chunk: %w", err)
	}
	return n, nil
}

// downloadStream handles servers without range support: a single GET read in
// chunk-sized steps so progress and cancellation still work.
func (e *HTTPExecutor) downloadStream(ctx context.Context, url string, file *os.File, total *int64, progress func(done int64, total *int64)) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build download request: %w", err)
	}
	e.decorate(req)

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download %s: unexpected status %s", url, resp.Status)
	}

	var done int64
	buf := make([]byte, e.chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return done, err
		}

		n, err := io.ReadFull(resp.Body, buf)
		if n > 0 {
			if _, werr := file.Write(buf[:n]); werr != nil {
				return done, fmt.Errorf("failed to write chunk: %w", werr)
			}
			done += int64(n)
			progress(done, total)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return done, nil
		}
		if err != nil {
			return done, fmt.Errorf("failed to read response: %w", err)
		}
	}
}

func (e *HTTPExecutor) sourceURL(model database.Model) string {
	return fmt.Sprintf("%s/%s/resolve/main/model.tar", e.endpoint, model.Name)
}

func (e *HTTPExecutor) decorate(req *http.Request) {
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}
}

func sanitizeName(name string) string {
	return strings.ReplaceAll(name, "/", "--") + ".tar"
}
