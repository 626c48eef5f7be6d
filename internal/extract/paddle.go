package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/avast/retry-go/v4"
)

const (
	// DefaultPaddleTimeout bounds a full structured OCR pass. The sidecar
	// processes page by page; large papers take minutes.
	DefaultPaddleTimeout = 600 * time.Second

	paddleRetryAttempts = 3
)

// PaddleClient talks to the PaddleOCR sidecar over HTTP.
type PaddleClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// PaddleConfig holds sidecar client configuration.
type PaddleConfig struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewPaddleClient creates a client for a running sidecar.
func NewPaddleClient(cfg PaddleConfig) *PaddleClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultPaddleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &PaddleClient{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     cfg.Logger,
	}
}

// Health checks the sidecar health endpoint.
func (c *PaddleClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sidecar unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// paddleResponse is the sidecar's OCR payload.
type paddleResponse struct {
	Markdown       string            `json:"markdown"`
	Images         map[string]string `json:"images"` // name -> base64
	TotalPages     int               `json:"total_pages"`
	ProcessedPages int               `json:"processed_pages"`
	Error          string            `json:"error,omitempty"`
}

// Process uploads the PDF and returns the structured markdown plus extracted
// figures. Transient sidecar failures are retried.
func (c *PaddleClient) Process(ctx context.Context, pdfPath string) (*Result, error) {
	pdfBytes, err := os.ReadFile(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read pdf: %v", ErrOCRFailed, err)
	}

	var parsed paddleResponse
	err = retry.Do(
		func() error {
			r, rerr := c.post(ctx, pdfPath, pdfBytes)
			if rerr != nil {
				return rerr
			}
			parsed = *r
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(paddleRetryAttempts),
		retry.Delay(2*time.Second),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("ocr sidecar request failed, retrying", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOCRFailed, err)
	}

	if parsed.Error != "" {
		return nil, fmt.Errorf("%w: sidecar: %s", ErrOCRFailed, parsed.Error)
	}
	if parsed.ProcessedPages == 0 || parsed.Markdown == "" {
		return nil, fmt.Errorf("%w: sidecar produced no content", ErrOCRFailed)
	}

	images := make(map[string][]byte, len(parsed.Images))
	for name, b64 := range parsed.Images {
		data, derr := base64.StdEncoding.DecodeString(b64)
		if derr != nil {
			c.logger.Warn("dropping undecodable figure", "name", name, "error", derr)
			continue
		}
		images[name] = data
	}

	return &Result{
		Text:   parsed.Markdown,
		Images: images,
		Status: Status{
			TotalPages:     parsed.TotalPages,
			ProcessedPages: parsed.ProcessedPages,
			IsOversized:    parsed.TotalPages > MaxOCRPages,
			CharCount:      len(parsed.Markdown),
			Mode:           ModeStructured,
		},
	}, nil
}

func (c *PaddleClient) post(ctx context.Context, pdfPath string, pdfBytes []byte) (*paddleResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(pdfPath))
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(pdfBytes); err != nil {
		return nil, err
	}
	if err := mw.WriteField("max_pages", fmt.Sprintf("%d", MaxOCRPages)); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ocr", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sidecar status %d: %s", resp.StatusCode, string(body))
	}

	var parsed paddleResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("invalid sidecar response: %w", err)
	}
	return &parsed, nil
}
