// Package deep produces a sectioned markdown report for high-scoring papers,
// combining text analysis with vision passes over extracted figures.
package deep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackzampolin/skim/internal/home"
	"github.com/jackzampolin/skim/internal/providers"
)

// ErrAnalysisFailed indicates the deep report could not be produced. The
// paper keeps its scores and is persisted without a report.
var ErrAnalysisFailed = errors.New("deep analysis failed")

const (
	// DefaultTimeout bounds one full deep analysis.
	DefaultTimeout = 600 * time.Second

	// maxInputChars caps the document text fed into each section prompt.
	maxInputChars = 60_000

	// maxFigures caps how many extracted figures get a vision pass.
	maxFigures = 6
)

// sections defines the report structure. Each entry becomes one LLM call and
// one markdown heading, in order.
var sections = []struct {
	Heading string
	Prompt  string
}{
	{"Research Background", "Summarize the research background and motivation. What problem does this paper address, and why does it matter?"},
	{"Methods", "Describe the methods and technical approach. Highlight what is novel compared to prior work."},
	{"Results", "Summarize the experimental setup and key results, including concrete numbers where the paper reports them."},
	{"Conclusions and Limitations", "State the conclusions, acknowledged limitations, and promising follow-up directions."},
}

// Analyzer generates deep reports.
type Analyzer struct {
	llm     providers.LLMClient
	timeout time.Duration
	logger  *slog.Logger
}

// Config holds analyzer configuration.
type Config struct {
	LLM     providers.LLMClient
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewAnalyzer creates a new deep analyzer.
func NewAnalyzer(cfg Config) *Analyzer {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Analyzer{
		llm:     cfg.LLM,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
}

// Request identifies the paper to analyze and the models to use.
type Request struct {
	Home        *home.Dir
	PaperID     string
	Title       string
	DeepModel   string
	VisionModel string
}

// Analyze reads the paper's OCR bundle from disk and produces the markdown
// report. The structured markdown is preferred; the fast-pass text is the
// fallback. Figure descriptions are best-effort; text sections are not.
func (a *Analyzer) Analyze(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	text, err := a.loadDocument(req.Home, req.PaperID)
	if err != nil {
		return "", err
	}
	if len(text) > maxInputChars {
		text = text[:maxInputChars]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Deep Analysis: %s\n\n", req.Title)

	for _, sec := range sections {
		body, err := a.runSection(ctx, req.DeepModel, req.Title, text, sec.Prompt)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("%w: section %q: %v", ErrAnalysisFailed, sec.Heading, err)
		}
		fmt.Fprintf(&sb, "## %s\n\n%s\n\n", sec.Heading, body)
	}

	if req.VisionModel != "" {
		if figs := a.describeFigures(ctx, req); figs != "" {
			sb.WriteString(figs)
		}
	}

	return strings.TrimSpace(sb.String()) + "\n", nil
}

// loadDocument prefers the structured markdown and falls back to the fast
// text pass.
func (a *Analyzer) loadDocument(dir *home.Dir, paperID string) (string, error) {
	for _, path := range []string{
		dir.OCRMarkdownPath(paperID),
		dir.OCRTextPath(paperID),
	} {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			return string(data), nil
		}
	}
	return "", fmt.Errorf("%w: no extracted text for %s", ErrAnalysisFailed, paperID)
}

func (a *Analyzer) runSection(ctx context.Context, model, title, text, prompt string) (string, error) {
	req := &providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: "You are a careful research analyst. Answer in concise markdown prose, without a top-level heading."},
			{Role: "user", Content: fmt.Sprintf("Paper: %s\n\n%s\n\nPaper text:\n%s", title, prompt, text)},
		},
		Model:       model,
		Temperature: 0.3,
	}

	result, err := a.llm.Chat(ctx, req)
	if err != nil {
		return "", err
	}
	if !result.Success || strings.TrimSpace(result.Content) == "" {
		return "", fmt.Errorf("empty section response")
	}
	return strings.TrimSpace(result.Content), nil
}

// describeFigures runs the vision model over extracted figures. Failures are
// logged and skipped so a bad figure never sinks the report.
func (a *Analyzer) describeFigures(ctx context.Context, req Request) string {
	imgsDir := req.Home.ImagesDir(req.PaperID)
	entries, err := os.ReadDir(imgsDir)
	if err != nil || len(entries) == 0 {
		return ""
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) > maxFigures {
		names = names[:maxFigures]
	}

	var sb strings.Builder
	sb.WriteString("## Figures\n\n")
	described := 0

	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(imgsDir, name))
		if err != nil {
			a.logger.Warn("unreadable figure, skipping", "paper_id", req.PaperID, "name", name, "error", err)
			continue
		}

		chat := &providers.ChatRequest{
			Messages: []providers.Message{
				{
					Role:    "user",
					Content: fmt.Sprintf("This figure is from the paper %q. Describe what it shows and what conclusion it supports, in 2-3 sentences.", req.Title),
					Images:  [][]byte{data},
				},
			},
			Model:       req.VisionModel,
			Temperature: 0.3,
		}

		result, err := a.llm.Chat(ctx, chat)
		if err != nil || !result.Success || strings.TrimSpace(result.Content) == "" {
			a.logger.Warn("figure description failed, skipping", "paper_id", req.PaperID, "name", name, "error", err)
			continue
		}

		fmt.Fprintf(&sb, "**%s**: %s\n\n", name, strings.TrimSpace(result.Content))
		described++
	}

	if described == 0 {
		return ""
	}
	return sb.String()
}
