// Package extract turns paper PDFs into analyzable text, either with a fast
// local pass or through the structured OCR sidecar.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// ErrOCRFailed indicates no text could be recovered from any page.
// Partial extractions are not errors.
var ErrOCRFailed = errors.New("ocr extraction failed")

// MaxOCRPages caps how many pages are processed per paper. Papers longer than
// this are marked oversized and truncated, not rejected.
const MaxOCRPages = 25

// Mode identifies which extraction path produced a result.
type Mode string

const (
	ModeFast       Mode = "fast"
	ModeStructured Mode = "structured"
)

// Status reports what an extraction pass covered.
type Status struct {
	TotalPages     int  `json:"total_pages"`
	ProcessedPages int  `json:"processed_pages"`
	IsOversized    bool `json:"is_oversized"`
	CharCount      int  `json:"char_count"`
	Mode           Mode `json:"mode"`
}

// Result is the output of one extraction pass. Text holds plain text in fast
// mode and markdown in structured mode; Images is populated only by the
// structured path.
type Result struct {
	Text   string
	Images map[string][]byte
	Status Status
}

// Extractor runs extraction passes over downloaded PDFs.
type Extractor struct {
	paddle *PaddleClient
	logger *slog.Logger
}

// Config holds extractor configuration. Paddle is optional; without it only
// the fast path is available.
type Config struct {
	Paddle *PaddleClient
	Logger *slog.Logger
}

// NewExtractor creates a new extractor.
func NewExtractor(cfg Config) *Extractor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Extractor{
		paddle: cfg.Paddle,
		logger: cfg.Logger,
	}
}

// HasStructured reports whether the structured OCR path is configured.
func (e *Extractor) HasStructured() bool {
	return e.paddle != nil
}

// Structured runs the OCR sidecar over the PDF, returning markdown plus any
// extracted figures.
func (e *Extractor) Structured(ctx context.Context, pdfPath string) (*Result, error) {
	if e.paddle == nil {
		return nil, fmt.Errorf("%w: structured ocr not configured", ErrOCRFailed)
	}
	return e.paddle.Process(ctx, pdfPath)
}

// FastText extracts embedded text from the first MaxOCRPages pages. Pages
// that fail to decode are skipped; the pass only fails when no page yields
// text at all.
func (e *Extractor) FastText(ctx context.Context, pdfPath string) (*Result, error) {
	totalPages, err := api.PageCountFile(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("%w: page count: %v", ErrOCRFailed, err)
	}

	f, reader, err := pdf.Open(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrOCRFailed, err)
	}
	defer f.Close()

	limit := totalPages
	oversized := false
	if limit > MaxOCRPages {
		limit = MaxOCRPages
		oversized = true
		e.logger.Warn("pdf exceeds page cap, truncating", "path", pdfPath, "total_pages", totalPages, "cap", MaxOCRPages)
	}

	var sb strings.Builder
	processed := 0
	for i := 1; i <= limit; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			e.logger.Debug("page text extraction failed, skipping", "path", pdfPath, "page", i, "error", err)
			continue
		}
		text = normalizeWhitespace(text)
		if text == "" {
			continue
		}

		sb.WriteString(text)
		sb.WriteString("\n\n")
		processed++
	}

	if processed == 0 {
		return nil, fmt.Errorf("%w: no text recovered from %d pages", ErrOCRFailed, limit)
	}

	text := strings.TrimSpace(sb.String())
	return &Result{
		Text: text,
		Status: Status{
			TotalPages:     totalPages,
			ProcessedPages: processed,
			IsOversized:    oversized,
			CharCount:      len(text),
			Mode:           ModeFast,
		},
	}, nil
}

// normalizeWhitespace collapses runs of whitespace inside a page while
// keeping it one block.
func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
