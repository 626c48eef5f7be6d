// Package arxiv queries the arXiv export API and normalizes its Atom feed
// into paper records.
package arxiv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/jackzampolin/skim/internal/paper"
)

const (
	// DefaultBaseURL is the arXiv export query endpoint.
	DefaultBaseURL = "http://export.arxiv.org/api/query"

	// MaxResultsCap is the index-documented per-request ceiling.
	MaxResultsCap = 2000

	// DefaultTimeout bounds the single search HTTP call. There are no
	// retries; the next schedule tick is the retry.
	DefaultTimeout = 30 * time.Second
)

// ErrIndexUnavailable indicates a transport-level failure talking to the
// index. Callers may treat the run as "zero papers" and continue.
var ErrIndexUnavailable = errors.New("preprint index unavailable")

// Client queries the remote preprint index.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewClient creates a new index client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     cfg.Logger,
	}
}

// Search runs one bounded query against the index and returns at most limit
// entries in index-supplied order. Zero hits is not an error.
func (c *Client) Search(ctx context.Context, query string, mode SearchMode, limit int) ([]*paper.Record, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > MaxResultsCap {
		limit = MaxResultsCap
	}

	fullQuery := mode.applyDateClause(query, time.Now())
	sortBy, sortOrder := mode.sortParams()

	params := url.Values{}
	params.Set("search_query", fullQuery)
	params.Set("start", "0")
	params.Set("max_results", fmt.Sprintf("%d", limit))
	params.Set("sortBy", sortBy)
	params.Set("sortOrder", sortOrder)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	c.logger.Debug("searching index", "query", fullQuery, "mode", mode.Kind(), "limit", limit)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrIndexUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrIndexUnavailable, err)
	}

	entries, err := parseFeed(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}

	records := make([]*paper.Record, 0, len(entries))
	for _, e := range entries {
		if len(records) >= limit {
			break
		}
		rec := e.toRecord()
		if rec.PaperID == "" {
			c.logger.Warn("skipping entry without paper id", "link", e.ID)
			continue
		}
		records = append(records, rec)
	}

	c.logger.Info("index search complete", "query", query, "hits", len(records))
	return records, nil
}

var versionSuffix = regexp.MustCompile(`v\d+$`)

// paperIDFromURL derives the stable paper id from the entry's canonical URL,
// e.g. http://arxiv.org/abs/2401.00001v2 -> 2401.00001.
func paperIDFromURL(canonical string) string {
	idx := strings.LastIndex(canonical, "/")
	if idx < 0 || idx == len(canonical)-1 {
		return ""
	}
	id := canonical[idx+1:]
	return versionSuffix.ReplaceAllString(id, "")
}
