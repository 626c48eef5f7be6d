// Package fetch downloads paper PDFs with a resumable local cache.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// ErrFetchFailed indicates a transport or IO failure downloading a PDF.
// Per-paper: the record is discarded and the run continues.
var ErrFetchFailed = errors.New("pdf fetch failed")

// DefaultTimeout bounds one PDF download. No retries; the caller decides
// whether to try again on a later run.
const DefaultTimeout = 120 * time.Second

// progressInterval is how many bytes between progress log lines.
const progressInterval = 256 * 1024

// Fetcher downloads PDFs into per-paper directories.
type Fetcher struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// Config holds fetcher configuration.
type Config struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewFetcher creates a new fetcher.
func NewFetcher(cfg Config) *Fetcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Fetcher{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     cfg.Logger,
	}
}

// Fetch streams the PDF at pdfURL to <destDir>/<paperID>.pdf and returns the
// bytes. When reuseExisting is set and a non-empty cached file exists, it is
// read back without a network call.
func (f *Fetcher) Fetch(ctx context.Context, paperID, pdfURL, destDir string, reuseExisting bool) ([]byte, error) {
	if pdfURL == "" {
		return nil, fmt.Errorf("%w: no pdf url for %s", ErrFetchFailed, paperID)
	}

	target := filepath.Join(destDir, paperID+".pdf")

	if reuseExisting {
		if data, ok := f.readCached(target); ok {
			f.logger.Debug("reusing cached pdf", "paper_id", paperID, "bytes", len(data))
			return data, nil
		}
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pdfURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d for %s", ErrFetchFailed, resp.StatusCode, pdfURL)
	}

	// Write to a temp file and rename so a partial download never shows up
	// as a valid cache entry.
	tmp, err := os.CreateTemp(destDir, paperID+".pdf.tmp*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	data, err := f.streamTo(tmp, resp.Body, paperID, resp.ContentLength)
	closeErr := tmp.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, closeErr)
	}

	if err := os.Rename(tmpName, target); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	f.logger.Info("pdf fetched", "paper_id", paperID, "bytes", len(data), "path", target)
	return data, nil
}

// readCached returns the cached file contents when present and non-empty.
func (f *Fetcher) readCached(path string) ([]byte, bool) {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return nil, false
	}
	return data, true
}

// streamTo copies body to w while accumulating the bytes in memory, logging
// progress periodically.
func (f *Fetcher) streamTo(w io.Writer, body io.Reader, paperID string, total int64) ([]byte, error) {
	var data []byte
	buf := make([]byte, 32*1024)
	var written, lastLogged int64

	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return nil, werr
			}
			data = append(data, buf[:n]...)
			written += int64(n)
			if written-lastLogged >= progressInterval {
				f.logger.Debug("download progress", "paper_id", paperID, "bytes", written, "total", total)
				lastLogged = written
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}
