// Package pipeline orchestrates the per-paper gather flow: dedupe, abstract
// scoring, PDF fetch, OCR, full-text scoring, deep analysis, persistence.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/skim/internal/arxiv"
	"github.com/jackzampolin/skim/internal/deep"
	"github.com/jackzampolin/skim/internal/extract"
	"github.com/jackzampolin/skim/internal/home"
	"github.com/jackzampolin/skim/internal/paper"
	"github.com/jackzampolin/skim/internal/score"
	"github.com/jackzampolin/skim/internal/store"
	"github.com/jackzampolin/skim/internal/taskcfg"
)

// PaperTimeout bounds one paper end to end, on top of the per-stage timeouts
// the components carry themselves.
const PaperTimeout = 1200 * time.Second

// Searcher is the index-client surface the pipeline needs.
type Searcher interface {
	Search(ctx context.Context, query string, mode arxiv.SearchMode, limit int) ([]*paper.Record, error)
}

// Downloader fetches one PDF into a paper directory.
type Downloader interface {
	Fetch(ctx context.Context, paperID, pdfURL, destDir string, reuseExisting bool) ([]byte, error)
}

// TextExtractor is the extraction surface: structured preferred, fast
// fallback.
type TextExtractor interface {
	HasStructured() bool
	Structured(ctx context.Context, pdfPath string) (*extract.Result, error)
	FastText(ctx context.Context, pdfPath string) (*extract.Result, error)
}

// Scorer rates papers at the abstract and full-text stages. fullText arrives
// already truncated; the scorer sends what it is given.
type Scorer interface {
	ScoreAbstract(ctx context.Context, rec *paper.Record, requirements, model string) (*score.Assessment, error)
	ScoreFull(ctx context.Context, rec *paper.Record, fullText, requirements, model string) (*score.Assessment, error)
}

// Analyzer produces the deep report for high-scoring papers.
type Analyzer interface {
	Analyze(ctx context.Context, req deep.Request) (string, error)
}

// Pipeline wires the stages together. One Pipeline serves all tasks; per-run
// state lives on the stack.
type Pipeline struct {
	index       Searcher
	fetcher     Downloader
	extractor   TextExtractor
	scorer      Scorer
	analyzer    Analyzer
	store       *store.Store
	home        *home.Dir
	logger      *slog.Logger
	concurrency int
}

// Config holds pipeline dependencies.
type Config struct {
	Index     Searcher
	Fetcher   Downloader
	Extractor TextExtractor
	Scorer    Scorer
	Analyzer  Analyzer
	Store     *store.Store
	Home      *home.Dir
	Logger    *slog.Logger
	// Concurrency bounds the per-paper fan-out; 1 processes sequentially.
	Concurrency int
}

// New creates a pipeline.
func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Pipeline{
		index:       cfg.Index,
		fetcher:     cfg.Fetcher,
		extractor:   cfg.Extractor,
		scorer:      cfg.Scorer,
		analyzer:    cfg.Analyzer,
		store:       cfg.Store,
		home:        cfg.Home,
		logger:      cfg.Logger,
		concurrency: cfg.Concurrency,
	}
}

// RunSummary aggregates one gather run.
type RunSummary struct {
	TaskID       string        `json:"task_id"`
	TaskName     string        `json:"task_name"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	TotalSeen    int           `json:"total_seen"`
	Relevant     int           `json:"relevant"`
	Persisted    int           `json:"persisted"`
	DeepAnalyzed int           `json:"deep_analyzed"`
	Skipped      int           `json:"skipped"`
	Errors       []StageError  `json:"errors,omitempty"`
}

// Run executes one gather run for a task. cancelled is polled at stage
// boundaries; a nil cancelled never cancels. The returned error is non-nil
// only when the config itself is unusable; an unreachable index yields an
// empty completed run, and per-paper failures land in the summary.
func (p *Pipeline) Run(ctx context.Context, cfg taskcfg.TaskConfig, cancelled func() bool) (*RunSummary, error) {
	if cancelled == nil {
		cancelled = func() bool { return false }
	}

	summary := &RunSummary{
		TaskID:    cfg.TaskID,
		TaskName:  cfg.TaskName,
		StartedAt: time.Now(),
	}
	defer func() { summary.Duration = time.Since(summary.StartedAt) }()

	mode, err := cfg.Mode()
	if err != nil {
		return summary, err
	}

	records, err := p.index.Search(ctx, cfg.SearchQuery, mode, cfg.MaxPapersPerSearch)
	if err != nil {
		// Transient: the run completes with zero papers and the failure in
		// its summary, rather than marking the whole task failed.
		summary.Errors = append(summary.Errors, StageError{
			Stage: StageDedupe, Kind: KindIndexUnavailable, Message: err.Error(),
		})
		p.logger.Warn("index unavailable, run yields zero papers",
			"task_id", cfg.TaskID, "error", err)
		return summary, nil
	}
	summary.TotalSeen = len(records)

	p.logger.Info("gather run started",
		"task_id", cfg.TaskID,
		"query", cfg.SearchQuery,
		"results", len(records))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			out := p.processPaper(gctx, cfg, rec, cancelled)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case out.result.IsFail():
				summary.Errors = append(summary.Errors, StageError{
					PaperID: rec.PaperID,
					Stage:   out.stage,
					Kind:    out.result.Kind(),
					Message: out.result.Err().Error(),
				})
			case out.result.IsSkip():
				summary.Skipped++
			}
			if out.relevant {
				summary.Relevant++
			}
			if rec.Persisted {
				summary.Persisted++
			}
			if rec.DeepSuccess {
				summary.DeepAnalyzed++
			}
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Info("gather run finished",
		"task_id", cfg.TaskID,
		"seen", summary.TotalSeen,
		"relevant", summary.Relevant,
		"persisted", summary.Persisted,
		"deep", summary.DeepAnalyzed,
		"errors", len(summary.Errors))

	return summary, nil
}

// paperOutcome carries a paper's terminal stage and result back to the
// summary aggregation.
type paperOutcome struct {
	stage    Stage
	result   StageResult
	relevant bool
}

func (p *Pipeline) processPaper(ctx context.Context, cfg taskcfg.TaskConfig, rec *paper.Record, cancelled func() bool) paperOutcome {
	ctx, cancel := context.WithTimeout(ctx, PaperTimeout)
	defer cancel()
	defer rec.Cleanup()

	log := p.logger.With("paper_id", rec.PaperID, "task_id", cfg.TaskID)

	// DEDUPE
	exists, err := p.store.Exists(ctx, rec.PaperID)
	if err != nil {
		return paperOutcome{stage: StageDedupe, result: Fail(KindPersistFailed, err)}
	}
	if exists {
		log.Debug("duplicate paper, skipping")
		return paperOutcome{stage: StageDedupe, result: Skip("already stored")}
	}

	if cancelled() {
		return paperOutcome{stage: StageAbstract, result: Fail(KindCancelled, cancelErr(ctx))}
	}

	// ABSTRACT SCORING
	a, err := p.scorer.ScoreAbstract(ctx, rec, cfg.UserRequirements, cfg.AbstractModel)
	if err != nil {
		return paperOutcome{stage: StageAbstract, result: Fail(KindScoringFailed, err)}
	}
	rec.AbstractIsRelevant = a.IsRelevant
	rec.AbstractScore = a.Score
	rec.AbstractJustification = a.Justification
	rec.FinalIsRelevant = a.IsRelevant
	rec.FinalScore = a.Score

	if !a.IsRelevant || a.Score < cfg.RelevanceThreshold {
		log.Debug("below abstract threshold", "score", a.Score, "is_relevant", a.IsRelevant)
		return paperOutcome{stage: StageAbstract, result: Skip("below abstract threshold")}
	}

	if cancelled() {
		return paperOutcome{stage: StageFetch, result: Fail(KindCancelled, cancelErr(ctx)), relevant: finalRelevant(rec, cfg)}
	}

	out := p.analyzeFetched(ctx, cfg, rec, cancelled, log)
	// Relevance is the final judgment: a paper demoted by full-text scoring
	// does not count even though it passed the abstract gate.
	out.relevant = finalRelevant(rec, cfg)
	return out
}

// finalRelevant applies the final judgment: the verdict flag and the score
// threshold must both pass.
func finalRelevant(rec *paper.Record, cfg taskcfg.TaskConfig) bool {
	return rec.FinalIsRelevant && rec.FinalScore >= cfg.RelevanceThreshold
}

// analyzeFetched runs the stages from FETCHING onward. It is the shared tail
// of a gather run and a single-paper re-analysis.
func (p *Pipeline) analyzeFetched(ctx context.Context, cfg taskcfg.TaskConfig, rec *paper.Record, cancelled func() bool, log *slog.Logger) paperOutcome {
	// FETCH
	paperDir, err := p.home.EnsurePaperDir(rec.PaperID)
	if err != nil {
		return paperOutcome{stage: StageFetch, result: Fail(KindFetchFailed, err)}
	}
	pdfBytes, err := p.fetcher.Fetch(ctx, rec.PaperID, rec.PDFURL, paperDir, true)
	if err != nil {
		p.removeArtifacts(rec.PaperID)
		return paperOutcome{stage: StageFetch, result: Fail(KindFetchFailed, err)}
	}
	rec.PDFBytes = pdfBytes

	if cancelled() {
		return paperOutcome{stage: StageOCR, result: Fail(KindCancelled, cancelErr(ctx))}
	}

	// OCR
	ocrResult, err := p.extractText(ctx, rec, log)
	if err != nil {
		p.removeArtifacts(rec.PaperID)
		return paperOutcome{stage: StageOCR, result: Fail(KindOCRFailed, err)}
	}
	rec.OCRText = ocrResult.Text
	rec.OCRImages = ocrResult.Images
	rec.PDFBytes = nil // consumed

	if err := p.writeOCRArtifacts(rec.PaperID, ocrResult); err != nil {
		p.removeArtifacts(rec.PaperID)
		return paperOutcome{stage: StageOCR, result: Fail(KindOCRFailed, err)}
	}

	if cancelled() {
		return paperOutcome{stage: StageFull, result: Fail(KindCancelled, cancelErr(ctx))}
	}

	// FULL SCORING. Truncation to the configured char limit happens here,
	// not in the scorer.
	f, err := p.scorer.ScoreFull(ctx, rec, truncate(rec.OCRText, cfg.OCRCharLimit), cfg.UserRequirements, cfg.FullModel)
	if err != nil {
		return paperOutcome{stage: StageFull, result: Fail(KindScoringFailed, err)}
	}
	rec.FullIsRelevant = f.IsRelevant
	rec.FullScore = f.Score
	rec.FullJustification = f.Justification
	rec.FullAnalyzed = true
	rec.FinalIsRelevant = f.IsRelevant
	rec.FinalScore = f.Score

	if !f.IsRelevant || f.Score < cfg.RelevanceThreshold {
		log.Info("below full-text threshold, discarding", "score", f.Score, "is_relevant", f.IsRelevant)
		p.removeArtifacts(rec.PaperID)
		return paperOutcome{stage: StageFull, result: Skip("below full-text threshold")}
	}

	// DEEP ANALYSIS. Cancellation is honored up to the stage start; once the
	// report is produced its artifacts are persisted even if the run is
	// cancelled meanwhile.
	var deepFailure error
	if cfg.EnableDeepAnalysis && rec.FinalScore >= cfg.DeepAnalysisThreshold && !cancelled() {
		report, derr := p.analyzer.Analyze(ctx, deep.Request{
			Home:        p.home,
			PaperID:     rec.PaperID,
			Title:       rec.Title,
			DeepModel:   cfg.DeepModel,
			VisionModel: cfg.VisionModel,
		})
		rec.DeepAnalyzed = true
		if derr != nil {
			deepFailure = derr
			log.Warn("deep analysis failed, persisting without report", "error", derr)
		} else {
			report = appendReportFooter(report, cfg.DeepModel, rec.PublishedDate)
			if werr := os.WriteFile(p.home.AnalysisPath(rec.PaperID), []byte(report), 0o644); werr != nil {
				deepFailure = werr
				log.Warn("failed to write deep report", "error", werr)
			} else {
				rec.DeepReport = report
				rec.DeepSuccess = true
			}
		}
	}

	// PERSIST
	sp := &store.Paper{
		Record:     *rec,
		TaskID:     cfg.TaskID,
		TaskName:   cfg.TaskName,
		Status:     store.StatusCompleted,
		DeepStatus: deepStatus(rec),
		DeepResult: rec.DeepReport,
		Metadata: map[string]any{
			"ocr_mode":  string(ocrResult.Status.Mode),
			"ocr_pages": ocrResult.Status.ProcessedPages,
		},
	}
	created, err := p.store.Create(ctx, sp)
	if err != nil {
		return paperOutcome{stage: StagePersist, result: Fail(KindPersistFailed, err)}
	}
	if !created {
		// Raced with another run; the row that won stands.
		log.Debug("paper stored concurrently, skipping")
		return paperOutcome{stage: StagePersist, result: Skip("already stored")}
	}
	rec.Persisted = true

	log.Info("paper persisted",
		"final_score", rec.FinalScore,
		"deep", rec.DeepSuccess)

	if deepFailure != nil {
		return paperOutcome{stage: StageDeep, result: Fail(KindAnalysisFailed, deepFailure)}
	}
	return paperOutcome{stage: StagePersist, result: Ok()}
}

// AnalyzeSingle re-runs the analysis stages for one already-known paper,
// entering at FETCHING. The stored row is updated in place.
func (p *Pipeline) AnalyzeSingle(ctx context.Context, cfg taskcfg.TaskConfig, paperID string, cancelled func() bool) (*store.Paper, error) {
	if cancelled == nil {
		cancelled = func() bool { return false }
	}

	existing, err := p.store.GetByPaperID(ctx, paperID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, PaperTimeout)
	defer cancel()

	rec := existing.Record
	rec.Persisted = false
	defer rec.Cleanup()

	log := p.logger.With("paper_id", paperID, "task_id", cfg.TaskID)
	log.Info("re-analysis started")

	if err := p.store.UpdateStatus(ctx, paperID, store.StatusProcessing); err != nil {
		return nil, err
	}

	out := p.reanalyze(ctx, cfg, &rec, cancelled, log)
	if out.result.IsFail() {
		status := store.StatusFailed
		if out.result.Kind() == KindCancelled {
			status = store.StatusCancelled
		}
		if uerr := p.store.UpdateStatus(ctx, paperID, status); uerr != nil {
			log.Warn("failed to record re-analysis status", "error", uerr)
		}
		return nil, fmt.Errorf("%s: %w", out.stage, out.result.Err())
	}

	existing.Record = rec
	existing.Record.Persisted = true
	existing.Status = store.StatusCompleted
	existing.DeepStatus = deepStatus(&rec)
	existing.DeepResult = rec.DeepReport
	if err := p.store.SaveAnalysisResult(ctx, existing); err != nil {
		return nil, err
	}
	return existing, nil
}

// reanalyze mirrors analyzeFetched but updates instead of inserting, and
// never discards the stored row on a low score.
func (p *Pipeline) reanalyze(ctx context.Context, cfg taskcfg.TaskConfig, rec *paper.Record, cancelled func() bool, log *slog.Logger) paperOutcome {
	paperDir, err := p.home.EnsurePaperDir(rec.PaperID)
	if err != nil {
		return paperOutcome{stage: StageFetch, result: Fail(KindFetchFailed, err)}
	}
	if _, err := p.fetcher.Fetch(ctx, rec.PaperID, rec.PDFURL, paperDir, true); err != nil {
		return paperOutcome{stage: StageFetch, result: Fail(KindFetchFailed, err)}
	}

	if cancelled() {
		return paperOutcome{stage: StageOCR, result: Fail(KindCancelled, cancelErr(ctx))}
	}

	ocrResult, err := p.extractText(ctx, rec, log)
	if err != nil {
		return paperOutcome{stage: StageOCR, result: Fail(KindOCRFailed, err)}
	}
	rec.OCRText = ocrResult.Text
	rec.OCRImages = ocrResult.Images
	if err := p.writeOCRArtifacts(rec.PaperID, ocrResult); err != nil {
		return paperOutcome{stage: StageOCR, result: Fail(KindOCRFailed, err)}
	}

	f, err := p.scorer.ScoreFull(ctx, rec, truncate(rec.OCRText, cfg.OCRCharLimit), cfg.UserRequirements, cfg.FullModel)
	if err != nil {
		return paperOutcome{stage: StageFull, result: Fail(KindScoringFailed, err)}
	}
	rec.FullIsRelevant = f.IsRelevant
	rec.FullScore = f.Score
	rec.FullJustification = f.Justification
	rec.FullAnalyzed = true
	rec.FinalIsRelevant = f.IsRelevant
	rec.FinalScore = f.Score

	if cfg.EnableDeepAnalysis && rec.FinalIsRelevant && rec.FinalScore >= cfg.DeepAnalysisThreshold && !cancelled() {
		report, derr := p.analyzer.Analyze(ctx, deep.Request{
			Home:        p.home,
			PaperID:     rec.PaperID,
			Title:       rec.Title,
			DeepModel:   cfg.DeepModel,
			VisionModel: cfg.VisionModel,
		})
		rec.DeepAnalyzed = true
		if derr != nil {
			log.Warn("deep analysis failed during re-analysis", "error", derr)
		} else {
			report = appendReportFooter(report, cfg.DeepModel, rec.PublishedDate)
			if werr := os.WriteFile(p.home.AnalysisPath(rec.PaperID), []byte(report), 0o644); werr == nil {
				rec.DeepReport = report
				rec.DeepSuccess = true
			}
		}
	}

	return paperOutcome{stage: StagePersist, result: Ok()}
}

// extractText prefers the structured sidecar and falls back to the fast local
// pass. The fallback never re-runs earlier stages.
func (p *Pipeline) extractText(ctx context.Context, rec *paper.Record, log *slog.Logger) (*extract.Result, error) {
	pdfPath := p.home.PDFPath(rec.PaperID)

	if p.extractor.HasStructured() {
		res, err := p.extractor.Structured(ctx, pdfPath)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn("structured ocr failed, falling back to fast extraction", "error", err)
	}

	return p.extractor.FastText(ctx, pdfPath)
}

// writeOCRArtifacts stores the extraction outputs alongside the PDF.
func (p *Pipeline) writeOCRArtifacts(paperID string, res *extract.Result) error {
	if res.Status.Mode == extract.ModeStructured {
		if err := os.WriteFile(p.home.OCRMarkdownPath(paperID), []byte(res.Text), 0o644); err != nil {
			return err
		}
		imgsDir := p.home.ImagesDir(paperID)
		for name, data := range res.Images {
			if err := os.WriteFile(filepath.Join(imgsDir, filepath.Base(name)), data, 0o644); err != nil {
				return err
			}
		}
		return nil
	}
	return os.WriteFile(p.home.OCRTextPath(paperID), []byte(res.Text), 0o644)
}

// removeArtifacts deletes the per-paper directory for papers that do not make
// it to persistence.
func (p *Pipeline) removeArtifacts(paperID string) {
	if err := os.RemoveAll(p.home.PaperDir(paperID)); err != nil {
		p.logger.Warn("failed to remove paper artifacts", "paper_id", paperID, "error", err)
	}
}

// cancelErr keeps failure causes non-nil when a cooperative cancel fires
// before the context itself is done.
func cancelErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return context.Canceled
}

// truncate caps text at limit characters; non-positive limits pass it through.
func truncate(text string, limit int) string {
	if limit > 0 && len(text) > limit {
		return text[:limit]
	}
	return text
}

// deepStatus derives the stored deep-analysis status from the record's stage
// flags.
func deepStatus(rec *paper.Record) string {
	switch {
	case rec.DeepSuccess:
		return store.DeepCompleted
	case rec.DeepAnalyzed:
		return store.DeepFailed
	default:
		return store.DeepNone
	}
}

// appendReportFooter stamps the report with the paper's publication date and
// a provenance line.
func appendReportFooter(report, model, published string) string {
	if published == "" {
		published = "unknown"
	}
	return fmt.Sprintf("%s\n\n---\n*Published: %s*\n*Generated automatically by skim | model: %s | %s*\n",
		report, published, model, time.Now().UTC().Format("2006-01-02 15:04 UTC"))
}
