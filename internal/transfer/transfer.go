package transfer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"
	"github.com/hifidl/hifidl/internal/logctx"
)

const (
	dirPerm = 0755

	// DefaultMaxAttempts is how many times a transient transport failure is
	// retried before surfacing.
	DefaultMaxAttempts = 3

	// DefaultBaseDelay seeds the exponential backoff between attempts.
	DefaultBaseDelay = 1500 * time.Millisecond
)

// SpeedTracker observes transferred bytes and reports the aggregate
// throughput that drives the shared chunk-size decision.
type SpeedTracker interface {
	AddBytes(n int64)
	CurrentSpeed() float64
}

// Downloader moves the bytes of one resolved location to a temporary path
// with retry and adaptive chunking. The caller validates the temp file and
// then finalizes or discards it.
type Downloader struct {
	client      *http.Client
	chunks      *ChunkSizer
	speed       SpeedTracker
	maxAttempts uint
	baseDelay   time.Duration
}

// NewDownloader wires a downloader to the process-wide chunk sizer and speed
// tracker. maxAttempts and baseDelay fall back to the defaults when zero.
func NewDownloader(client *http.Client, chunks *ChunkSizer, speed SpeedTracker, maxAttempts int, baseDelay time.Duration) *Downloader {
	if client == nil {
		client = http.DefaultClient
	}

	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}

	return &Downloader{
		client:      client,
		chunks:      chunks,
		speed:       speed,
		maxAttempts: uint(maxAttempts),
		baseDelay:   baseDelay,
	}
}

// TempPath derives the temporary file name for a transfer. The unique id
// keeps concurrent transfers targeting the same directory from colliding.
func TempPath(finalPath, uniqueID string) string {
	return finalPath + "." + uniqueID + ".tmp"
}

// Download fetches url into a temporary file next to finalPath, retrying
// transient failures with exponential backoff. On success it returns the
// temp path and bytes written; the file is NOT moved into place until the
// caller validates it and calls Finalize. On failure the temp file is
// removed and the final attempt's error is returned.
func (d *Downloader) Download(ctx context.Context, url, finalPath, uniqueID string, sizeEstimate int64, onProgress func(written, total int64)) (string, int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	if err := os.MkdirAll(filepath.Dir(finalPath), dirPerm); err != nil {
		return "", 0, fmt.Errorf("failed to create target directory: %w", err)
	}

	tempPath := TempPath(finalPath, uniqueID)
	attempt := 0

	operation := func() (int64, error) {
		attempt++

		written, err := d.attempt(ctx, url, tempPath, sizeEstimate, onProgress)
		if err == nil {
			return written, nil
		}

		if !IsTransient(err) {
			return 0, backoff.Permanent(err)
		}

		logger.Debug("download attempt failed",
			"file", filepath.Base(finalPath),
			"attempt", attempt,
			"max_attempts", d.maxAttempts,
			"err", err)

		return 0, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.baseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	written, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(d.maxAttempts))
	if err != nil {
		d.Discard(tempPath)

		return "", 0, err
	}

	logger.Debug("transfer complete",
		"file", filepath.Base(finalPath),
		"size", humanize.Bytes(uint64(written)))

	return tempPath, written, nil
}

// Finalize atomically moves a validated temp file into place.
func (d *Downloader) Finalize(tempPath, finalPath string) error {
	if err := os.Rename(tempPath, finalPath); err != nil {
		return fmt.Errorf("failed to finalize transfer: %w", err)
	}

	return nil
}

// Discard removes a temp file, tolerating one that never got created.
func (d *Downloader) Discard(tempPath string) {
	if err := os.Remove(tempPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove temp file", "file", tempPath, "err", err)
	}
}

// attempt performs one full fetch into tempPath, truncating any partial
// bytes from a previous attempt.
func (d *Downloader) attempt(ctx context.Context, url, tempPath string, sizeEstimate int64, onProgress func(written, total int64)) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, backoff.Permanent(err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, &TransientError{Operation: "fetch_file", Err: err}
	}

	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return 0, &TransientError{
			Operation: "fetch_file",
			Err:       fmt.Errorf("HTTP %d", resp.StatusCode),
		}
	case resp.StatusCode >= 400:
		return 0, &RejectedError{
			Operation:  "fetch_file",
			StatusCode: resp.StatusCode,
			APIMessage: resp.Status,
		}
	}

	total := sizeEstimate
	if resp.ContentLength > 0 {
		total = resp.ContentLength
	}

	out, err := os.Create(tempPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}

	defer out.Close()

	return d.copyChunked(resp.Body, out, total, onProgress)
}

// copyChunked streams body to out in chunks of the shared size, feeding the
// speed tracker and re-evaluating the chunk size as it goes. Progress is
// reported through a ProgressReader at chunk-size granularity.
func (d *Downloader) copyChunked(body io.Reader, out *os.File, total int64, onProgress func(written, total int64)) (int64, error) {
	chunkSize := MinChunkSize
	if d.chunks != nil {
		chunkSize = d.chunks.Size()
	}

	reader := NewProgressReader(body, total, int64(chunkSize), onProgress)
	buf := make([]byte, chunkSize)

	var written int64

	for {
		n, rerr := reader.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("failed to write chunk: %w", werr)
			}

			written += int64(n)

			if d.speed != nil {
				d.speed.AddBytes(int64(n))

				if d.chunks != nil {
					if next := d.chunks.Adapt(d.speed.CurrentSpeed()); next != len(buf) {
						buf = make([]byte, next)
					}
				}
			}
		}

		if rerr == io.EOF {
			return written, nil
		}

		if rerr != nil {
			return written, &TransientError{Operation: "fetch_file", Err: rerr}
		}
	}
}
