package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/jackzampolin/skim/internal/arxiv"
	"github.com/jackzampolin/skim/internal/deep"
	"github.com/jackzampolin/skim/internal/extract"
	"github.com/jackzampolin/skim/internal/home"
	"github.com/jackzampolin/skim/internal/paper"
	"github.com/jackzampolin/skim/internal/score"
	"github.com/jackzampolin/skim/internal/store"
	"github.com/jackzampolin/skim/internal/taskcfg"
)

type fakeIndex struct {
	records []*paper.Record
	err     error
}

func (f *fakeIndex) Search(_ context.Context, _ string, _ arxiv.SearchMode, _ int) ([]*paper.Record, error) {
	return f.records, f.err
}

type fakeFetcher struct {
	failFor map[string]bool
	calls   atomic.Int64
}

func (f *fakeFetcher) Fetch(_ context.Context, paperID, _, destDir string, _ bool) ([]byte, error) {
	f.calls.Add(1)
	if f.failFor[paperID] {
		return nil, errors.New("connection reset")
	}
	data := []byte("%PDF-1.4 fake")
	if err := os.WriteFile(filepath.Join(destDir, paperID+".pdf"), data, 0o644); err != nil {
		return nil, err
	}
	return data, nil
}

type fakeExtractor struct {
	structured    bool
	structuredErr error
	fastErr       error
	fastCalls     atomic.Int64
}

func (f *fakeExtractor) HasStructured() bool { return f.structured }

func (f *fakeExtractor) Structured(_ context.Context, _ string) (*extract.Result, error) {
	if f.structuredErr != nil {
		return nil, f.structuredErr
	}
	return &extract.Result{
		Text:   "# Paper\n\nStructured markdown body.",
		Images: map[string][]byte{"fig_1.jpg": {0xff, 0xd8}},
		Status: extract.Status{TotalPages: 8, ProcessedPages: 8, CharCount: 32, Mode: extract.ModeStructured},
	}, nil
}

func (f *fakeExtractor) FastText(_ context.Context, _ string) (*extract.Result, error) {
	f.fastCalls.Add(1)
	if f.fastErr != nil {
		return nil, f.fastErr
	}
	return &extract.Result{
		Text:   "Plain extracted text.",
		Status: extract.Status{TotalPages: 8, ProcessedPages: 8, CharCount: 21, Mode: extract.ModeFast},
	}, nil
}

type fakeScorer struct {
	abstractScores      map[string]float64
	fullScores          map[string]float64
	abstractNotRelevant map[string]bool
	fullNotRelevant     map[string]bool
	abstractErr         error
	fullErr             error
	abstractCalls       atomic.Int64
	fullCalls           atomic.Int64
	lastFullTextLen     atomic.Int64
}

func (f *fakeScorer) ScoreAbstract(_ context.Context, rec *paper.Record, _, _ string) (*score.Assessment, error) {
	f.abstractCalls.Add(1)
	if f.abstractErr != nil {
		return nil, f.abstractErr
	}
	s := f.abstractScores[rec.PaperID]
	rel := s >= 0.5 && !f.abstractNotRelevant[rec.PaperID]
	return &score.Assessment{IsRelevant: rel, Score: s, Justification: "abstract"}, nil
}

func (f *fakeScorer) ScoreFull(_ context.Context, rec *paper.Record, fullText, _, _ string) (*score.Assessment, error) {
	f.fullCalls.Add(1)
	f.lastFullTextLen.Store(int64(len(fullText)))
	if f.fullErr != nil {
		return nil, f.fullErr
	}
	s := f.fullScores[rec.PaperID]
	rel := s >= 0.5 && !f.fullNotRelevant[rec.PaperID]
	return &score.Assessment{IsRelevant: rel, Score: s, Justification: "full"}, nil
}

type fakeAnalyzer struct {
	err   error
	calls atomic.Int64
}

func (f *fakeAnalyzer) Analyze(_ context.Context, req deep.Request) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return "# Deep Analysis: " + req.Title + "\n\n## Methods\n\nDetailed.", nil
}

type testEnv struct {
	pipeline  *Pipeline
	store     *store.Store
	home      *home.Dir
	index     *fakeIndex
	fetcher   *fakeFetcher
	extractor *fakeExtractor
	scorer    *fakeScorer
	analyzer  *fakeAnalyzer
}

func newTestEnv(t *testing.T, records ...*paper.Record) *testEnv {
	t.Helper()

	dir, err := home.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := dir.EnsureExists(); err != nil {
		t.Fatal(err)
	}
	st, err := store.Open(dir.StorePath(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	env := &testEnv{
		store:     st,
		home:      dir,
		index:     &fakeIndex{records: records},
		fetcher:   &fakeFetcher{failFor: map[string]bool{}},
		extractor: &fakeExtractor{structured: true},
		scorer: &fakeScorer{
			abstractScores:      map[string]float64{},
			fullScores:          map[string]float64{},
			abstractNotRelevant: map[string]bool{},
			fullNotRelevant:     map[string]bool{},
		},
		analyzer: &fakeAnalyzer{},
	}
	env.pipeline = New(Config{
		Index:     env.index,
		Fetcher:   env.fetcher,
		Extractor: env.extractor,
		Scorer:    env.scorer,
		Analyzer:  env.analyzer,
		Store:     st,
		Home:      dir,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return env
}

func testRecord(id string) *paper.Record {
	return &paper.Record{
		PaperID:       id,
		Title:         "Paper " + id,
		Abstract:      "An abstract.",
		PublishedDate: "2024-01-15",
		PDFURL:        "http://arxiv.org/pdf/" + id,
	}
}

func testTaskConfig() taskcfg.TaskConfig {
	return taskcfg.TaskConfig{
		TaskID:                "task-1",
		TaskName:              "paper_gather",
		SearchQuery:           "robot grasping",
		MaxPapersPerSearch:    10,
		UserRequirements:      "manipulation research",
		AbstractModel:         "fast-m",
		FullModel:             "full-m",
		DeepModel:             "deep-m",
		VisionModel:           "vision-m",
		RelevanceThreshold:    0.7,
		EnableDeepAnalysis:    true,
		DeepAnalysisThreshold: 0.8,
		OCRCharLimit:          10_000,
		SearchMode:            "latest",
	}
}

func TestRun_HappyPathPersistsAndDeepAnalyzes(t *testing.T) {
	env := newTestEnv(t, testRecord("2401.00001"))
	env.scorer.abstractScores["2401.00001"] = 0.9
	env.scorer.fullScores["2401.00001"] = 0.95

	sum, err := env.pipeline.Run(context.Background(), testTaskConfig(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sum.TotalSeen != 1 || sum.Relevant != 1 || sum.Persisted != 1 || sum.DeepAnalyzed != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if len(sum.Errors) != 0 {
		t.Errorf("Errors = %v", sum.Errors)
	}

	p, err := env.store.GetByPaperID(context.Background(), "2401.00001")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != store.StatusCompleted || p.FinalScore != 0.95 || !p.DeepSuccess {
		t.Errorf("stored paper = %+v", p)
	}
	if p.DeepStatus != store.DeepCompleted {
		t.Errorf("DeepStatus = %q, want completed", p.DeepStatus)
	}
	if !strings.Contains(p.DeepResult, "## Methods") {
		t.Error("deep report markdown not stored on the row")
	}
	if p.Metadata["ocr_mode"] != string(extract.ModeStructured) {
		t.Errorf("ocr_mode = %v", p.Metadata["ocr_mode"])
	}

	report, err := os.ReadFile(env.home.AnalysisPath("2401.00001"))
	if err != nil {
		t.Fatalf("reading deep report: %v", err)
	}
	if !strings.Contains(string(report), "Generated automatically by skim") {
		t.Error("deep report missing footer")
	}
	if !strings.Contains(string(report), "Published: 2024-01-15") {
		t.Error("deep report footer missing publication date")
	}
	if _, err := os.Stat(env.home.OCRMarkdownPath("2401.00001")); err != nil {
		t.Errorf("structured markdown not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.home.ImagesDir("2401.00001"), "fig_1.jpg")); err != nil {
		t.Errorf("figure not written: %v", err)
	}
}

func TestRun_BelowAbstractThresholdSkipsWithoutFetch(t *testing.T) {
	env := newTestEnv(t, testRecord("2401.00001"))
	env.scorer.abstractScores["2401.00001"] = 0.3

	sum, err := env.pipeline.Run(context.Background(), testTaskConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Skipped != 1 || sum.Persisted != 0 {
		t.Errorf("summary = %+v", sum)
	}
	if env.fetcher.calls.Load() != 0 {
		t.Error("fetch should not run for irrelevant papers")
	}
	if n, _ := env.store.Count(context.Background()); n != 0 {
		t.Errorf("store count = %d, want 0", n)
	}
}

func TestRun_DuplicateSkipsWithoutScoring(t *testing.T) {
	env := newTestEnv(t, testRecord("2401.00001"))
	if _, err := env.store.Create(context.Background(), &store.Paper{
		Record: *testRecord("2401.00001"), TaskID: "task-0", TaskName: "old",
	}); err != nil {
		t.Fatal(err)
	}

	sum, err := env.pipeline.Run(context.Background(), testTaskConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Skipped != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if env.scorer.abstractCalls.Load() != 0 {
		t.Error("duplicate papers should not be scored")
	}
}

func TestRun_FetchFailureDoesNotAbortRun(t *testing.T) {
	env := newTestEnv(t, testRecord("p1"), testRecord("p2"))
	env.fetcher.failFor["p1"] = true
	for _, id := range []string{"p1", "p2"} {
		env.scorer.abstractScores[id] = 0.9
		env.scorer.fullScores[id] = 0.9
	}

	sum, err := env.pipeline.Run(context.Background(), testTaskConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Persisted != 1 {
		t.Errorf("Persisted = %d, want 1", sum.Persisted)
	}
	if len(sum.Errors) != 1 || sum.Errors[0].Kind != KindFetchFailed || sum.Errors[0].PaperID != "p1" {
		t.Errorf("Errors = %v", sum.Errors)
	}

	// The failed paper's directory must not linger.
	if _, err := os.Stat(env.home.PaperDir("p1")); !os.IsNotExist(err) {
		t.Error("failed paper directory should be removed")
	}
}

func TestRun_StructuredOCRFailureFallsBackToFast(t *testing.T) {
	env := newTestEnv(t, testRecord("2401.00001"))
	env.extractor.structuredErr = errors.New("sidecar down")
	env.scorer.abstractScores["2401.00001"] = 0.9
	env.scorer.fullScores["2401.00001"] = 0.9

	sum, err := env.pipeline.Run(context.Background(), testTaskConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Persisted != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if env.extractor.fastCalls.Load() != 1 {
		t.Error("fast extraction should run after structured failure")
	}
	// The fallback never repeats abstract scoring.
	if env.scorer.abstractCalls.Load() != 1 {
		t.Errorf("abstract calls = %d, want 1", env.scorer.abstractCalls.Load())
	}

	p, _ := env.store.GetByPaperID(context.Background(), "2401.00001")
	if p.Metadata["ocr_mode"] != string(extract.ModeFast) {
		t.Errorf("ocr_mode = %v", p.Metadata["ocr_mode"])
	}
	if _, err := os.Stat(env.home.OCRTextPath("2401.00001")); err != nil {
		t.Errorf("fast-mode text not written: %v", err)
	}
}

func TestRun_BelowFullThresholdDiscardsArtifacts(t *testing.T) {
	env := newTestEnv(t, testRecord("2401.00001"))
	env.scorer.abstractScores["2401.00001"] = 0.9
	env.scorer.fullScores["2401.00001"] = 0.2

	sum, err := env.pipeline.Run(context.Background(), testTaskConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Skipped != 1 || sum.Persisted != 0 {
		t.Errorf("summary = %+v", sum)
	}
	if sum.Relevant != 0 {
		t.Errorf("Relevant = %d, want 0 (paper demoted by full-text score)", sum.Relevant)
	}
	if _, err := os.Stat(env.home.PaperDir("2401.00001")); !os.IsNotExist(err) {
		t.Error("discarded paper directory should be removed")
	}
	if env.analyzer.calls.Load() != 0 {
		t.Error("deep analysis should not run for discarded papers")
	}
}

func TestRun_DemotedPaperNotCountedRelevant(t *testing.T) {
	env := newTestEnv(t, testRecord("2401.00001"))
	env.scorer.abstractScores["2401.00001"] = 0.85
	env.scorer.fullScores["2401.00001"] = 0.4 // passes abstract gate, fails full

	sum, err := env.pipeline.Run(context.Background(), testTaskConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Relevant != 0 {
		t.Errorf("Relevant = %d, want 0", sum.Relevant)
	}
	if sum.Persisted != 0 || sum.Skipped != 1 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestRun_IrrelevantVerdictBlocksPersistDespiteHighScore(t *testing.T) {
	env := newTestEnv(t, testRecord("2401.00001"))
	env.scorer.abstractScores["2401.00001"] = 0.9
	env.scorer.fullScores["2401.00001"] = 0.85
	env.scorer.fullNotRelevant["2401.00001"] = true

	sum, err := env.pipeline.Run(context.Background(), testTaskConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Persisted != 0 || sum.Relevant != 0 || sum.DeepAnalyzed != 0 {
		t.Errorf("summary = %+v", sum)
	}
	if env.analyzer.calls.Load() != 0 {
		t.Error("deep analysis must not run on an is_relevant=false verdict")
	}
	if n, _ := env.store.Count(context.Background()); n != 0 {
		t.Errorf("store count = %d, want 0", n)
	}
}

func TestRun_IrrelevantAbstractVerdictSkipsFetch(t *testing.T) {
	env := newTestEnv(t, testRecord("2401.00001"))
	env.scorer.abstractScores["2401.00001"] = 0.85
	env.scorer.abstractNotRelevant["2401.00001"] = true

	sum, err := env.pipeline.Run(context.Background(), testTaskConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Skipped != 1 || sum.Relevant != 0 {
		t.Errorf("summary = %+v", sum)
	}
	if env.fetcher.calls.Load() != 0 {
		t.Error("fetch should not run on an is_relevant=false verdict")
	}
}

func TestRun_TruncatesFullTextToCharLimit(t *testing.T) {
	env := newTestEnv(t, testRecord("2401.00001"))
	env.scorer.abstractScores["2401.00001"] = 0.9
	env.scorer.fullScores["2401.00001"] = 0.9

	cfg := testTaskConfig()
	cfg.OCRCharLimit = 10 // structured fake text is longer

	if _, err := env.pipeline.Run(context.Background(), cfg, nil); err != nil {
		t.Fatal(err)
	}
	if got := env.scorer.lastFullTextLen.Load(); got != 10 {
		t.Errorf("full text length seen by scorer = %d, want 10", got)
	}
}

func TestRun_DeepFailureStillPersists(t *testing.T) {
	env := newTestEnv(t, testRecord("2401.00001"))
	env.analyzer.err = errors.New("model overloaded")
	env.scorer.abstractScores["2401.00001"] = 0.9
	env.scorer.fullScores["2401.00001"] = 0.9

	sum, err := env.pipeline.Run(context.Background(), testTaskConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Persisted != 1 || sum.DeepAnalyzed != 0 {
		t.Errorf("summary = %+v", sum)
	}
	if len(sum.Errors) != 1 || sum.Errors[0].Kind != KindAnalysisFailed {
		t.Errorf("Errors = %v", sum.Errors)
	}

	p, _ := env.store.GetByPaperID(context.Background(), "2401.00001")
	if !p.DeepAnalyzed || p.DeepSuccess {
		t.Errorf("deep flags = analyzed=%v success=%v", p.DeepAnalyzed, p.DeepSuccess)
	}
}

func TestRun_DeepSkippedBelowDeepThreshold(t *testing.T) {
	env := newTestEnv(t, testRecord("2401.00001"))
	env.scorer.abstractScores["2401.00001"] = 0.9
	env.scorer.fullScores["2401.00001"] = 0.75 // above relevance, below deep

	sum, err := env.pipeline.Run(context.Background(), testTaskConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Persisted != 1 || sum.DeepAnalyzed != 0 {
		t.Errorf("summary = %+v", sum)
	}
	if env.analyzer.calls.Load() != 0 {
		t.Error("deep analysis should not run below its threshold")
	}
}

func TestRun_CancelMidRunKeepsCompletedPapers(t *testing.T) {
	records := []*paper.Record{
		testRecord("p1"), testRecord("p2"), testRecord("p3"),
		testRecord("p4"), testRecord("p5"),
	}
	env := newTestEnv(t, records...)
	for _, r := range records {
		env.scorer.abstractScores[r.PaperID] = 0.9
		env.scorer.fullScores[r.PaperID] = 0.9
	}

	// Flip the flag once two papers have made it through full scoring; they
	// persist, the rest stop at the next stage boundary.
	cancelled := func() bool { return env.scorer.fullCalls.Load() >= 2 }
	sum, err := env.pipeline.Run(context.Background(), testTaskConfig(), cancelled)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Persisted != 2 {
		t.Fatalf("Persisted = %d, want 2", sum.Persisted)
	}
	for _, id := range []string{"p1", "p2"} {
		if _, err := env.store.GetByPaperID(context.Background(), id); err != nil {
			t.Errorf("paper %s should be stored: %v", id, err)
		}
	}
	for _, id := range []string{"p3", "p4", "p5"} {
		if _, err := env.store.GetByPaperID(context.Background(), id); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("paper %s should not be stored, got err = %v", id, err)
		}
	}
	if len(sum.Errors) != 3 {
		t.Errorf("Errors = %v, want 3 cancelled entries", sum.Errors)
	}
	for _, e := range sum.Errors {
		if e.Kind != KindCancelled {
			t.Errorf("error kind = %v, want cancelled", e.Kind)
		}
	}
}

func TestRun_CancelledStopsAtStageBoundary(t *testing.T) {
	env := newTestEnv(t, testRecord("p1"), testRecord("p2"))
	for _, id := range []string{"p1", "p2"} {
		env.scorer.abstractScores[id] = 0.9
		env.scorer.fullScores[id] = 0.9
	}

	cancelled := func() bool { return true }
	sum, err := env.pipeline.Run(context.Background(), testTaskConfig(), cancelled)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Persisted != 0 {
		t.Errorf("Persisted = %d, want 0", sum.Persisted)
	}
	for _, e := range sum.Errors {
		if e.Kind != KindCancelled {
			t.Errorf("error kind = %v, want cancelled", e.Kind)
		}
	}
	if env.fetcher.calls.Load() != 0 {
		t.Error("no fetch should start after cancellation")
	}
}

func TestRun_IndexUnavailableYieldsEmptyRun(t *testing.T) {
	env := newTestEnv(t)
	env.index.err = errors.New("503 service unavailable")

	// Transient index outages complete the run with zero papers instead of
	// failing the task.
	sum, err := env.pipeline.Run(context.Background(), testTaskConfig(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if sum.TotalSeen != 0 || sum.Persisted != 0 {
		t.Errorf("summary = %+v", sum)
	}
	if len(sum.Errors) != 1 || sum.Errors[0].Kind != KindIndexUnavailable {
		t.Errorf("Errors = %v", sum.Errors)
	}
}

func TestAnalyzeSingle_UpdatesStoredPaper(t *testing.T) {
	env := newTestEnv(t)
	rec := testRecord("2401.00001")
	if _, err := env.store.Create(context.Background(), &store.Paper{
		Record: *rec, TaskID: "task-1", TaskName: "paper_gather",
	}); err != nil {
		t.Fatal(err)
	}
	env.scorer.fullScores["2401.00001"] = 0.92

	p, err := env.pipeline.AnalyzeSingle(context.Background(), testTaskConfig(), "2401.00001", nil)
	if err != nil {
		t.Fatalf("AnalyzeSingle() error = %v", err)
	}
	if p.FullScore != 0.92 || !p.FullAnalyzed || !p.DeepSuccess {
		t.Errorf("re-analyzed paper = %+v", p)
	}
	// No abstract re-scoring on the re-analysis path.
	if env.scorer.abstractCalls.Load() != 0 {
		t.Errorf("abstract calls = %d, want 0", env.scorer.abstractCalls.Load())
	}

	got, err := env.store.GetByPaperID(context.Background(), "2401.00001")
	if err != nil {
		t.Fatal(err)
	}
	if got.FullScore != 0.92 || got.Status != store.StatusCompleted {
		t.Errorf("stored = %+v", got)
	}
	if got.DeepStatus != store.DeepCompleted || got.DeepResult == "" {
		t.Errorf("deep columns = %q, %q", got.DeepStatus, got.DeepResult)
	}
}

func TestAnalyzeSingle_FailureMarksPaperFailed(t *testing.T) {
	env := newTestEnv(t)
	rec := testRecord("2401.00001")
	if _, err := env.store.Create(context.Background(), &store.Paper{
		Record: *rec, TaskID: "task-1", TaskName: "paper_gather",
	}); err != nil {
		t.Fatal(err)
	}
	env.fetcher.failFor["2401.00001"] = true

	_, err := env.pipeline.AnalyzeSingle(context.Background(), testTaskConfig(), "2401.00001", nil)
	if err == nil {
		t.Fatal("AnalyzeSingle() error = nil, want fetch failure")
	}

	got, err := env.store.GetByPaperID(context.Background(), "2401.00001")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
}

func TestAnalyzeSingle_UnknownPaper(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.pipeline.AnalyzeSingle(context.Background(), testTaskConfig(), "missing", nil)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}
