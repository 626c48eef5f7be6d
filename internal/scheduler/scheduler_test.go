package scheduler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackzampolin/skim/internal/history"
	"github.com/jackzampolin/skim/internal/home"
	"github.com/jackzampolin/skim/internal/pipeline"
	"github.com/jackzampolin/skim/internal/store"
	"github.com/jackzampolin/skim/internal/taskcfg"
)

// fakeRunner blocks inside Run until release is closed, so tests can observe
// the running state and exercise the overlap guard.
type fakeRunner struct {
	release   chan struct{}
	runs      atomic.Int64
	sawCancel atomic.Bool
	err       error

	mu            sync.Mutex
	lastSingleCfg taskcfg.TaskConfig
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{release: make(chan struct{})}
}

func (f *fakeRunner) Run(_ context.Context, cfg taskcfg.TaskConfig, cancelled func() bool) (*pipeline.RunSummary, error) {
	f.runs.Add(1)
	<-f.release
	if cancelled() {
		f.sawCancel.Store(true)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline.RunSummary{TaskID: cfg.TaskID, TotalSeen: 3, Persisted: 1}, nil
}

func (f *fakeRunner) AnalyzeSingle(_ context.Context, cfg taskcfg.TaskConfig, paperID string, _ func() bool) (*store.Paper, error) {
	f.mu.Lock()
	f.lastSingleCfg = cfg
	f.mu.Unlock()
	return &store.Paper{TaskID: cfg.TaskID, Status: store.StatusCompleted}, nil
}

func (f *fakeRunner) singleCfg() taskcfg.TaskConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSingleCfg
}

func testConfig(id string) taskcfg.TaskConfig {
	cfg := taskcfg.Default()
	cfg.TaskID = id
	cfg.TaskName = "gather_" + id
	cfg.IntervalSeconds = 3600
	cfg.DelayFirstRun = false
	return cfg
}

func newTestScheduler(t *testing.T, runner Runner) (*Scheduler, *history.Store) {
	t.Helper()
	dir, err := home.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := dir.EnsureExists(); err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hist := history.New(dir, logger)
	return New(Config{Runner: runner, History: hist, Logger: logger, Tick: 5 * time.Millisecond}), hist
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAddValidatesAndRejectsDuplicates(t *testing.T) {
	s, _ := newTestScheduler(t, newFakeRunner())

	if _, err := s.Add(testConfig("t1")); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if _, err := s.Add(testConfig("t1")); !errors.Is(err, ErrTaskExists) {
		t.Errorf("duplicate Add() error = %v, want ErrTaskExists", err)
	}

	bad := testConfig("t2")
	bad.SearchQuery = ""
	if _, err := s.Add(bad); !errors.Is(err, taskcfg.ErrInvalidConfig) {
		t.Errorf("invalid Add() error = %v, want ErrInvalidConfig", err)
	}

	// Empty ID gets generated.
	anon := testConfig("")
	got, err := s.Add(anon)
	if err != nil {
		t.Fatal(err)
	}
	if got.TaskID == "" {
		t.Error("Add() should assign a task ID")
	}
}

func TestTriggerOnceOverlapGuard(t *testing.T) {
	runner := newFakeRunner()
	s, _ := newTestScheduler(t, runner)

	if _, err := s.Add(testConfig("t1")); err != nil {
		t.Fatal(err)
	}
	if err := s.TriggerOnce(context.Background(), "t1"); err != nil {
		t.Fatalf("TriggerOnce() error = %v", err)
	}
	waitFor(t, "run to start", func() bool { return runner.runs.Load() == 1 })

	if err := s.TriggerOnce(context.Background(), "t1"); !errors.Is(err, ErrTaskRunning) {
		t.Errorf("overlapping TriggerOnce() error = %v, want ErrTaskRunning", err)
	}

	st, err := s.Status("t1")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Running {
		t.Error("Status().Running = false during run")
	}

	close(runner.release)
	waitFor(t, "run to finish", func() bool {
		st, _ := s.Status("t1")
		return !st.Running
	})
	if runner.runs.Load() != 1 {
		t.Errorf("runs = %d, want 1", runner.runs.Load())
	}
}

func TestRunRecordsHistory(t *testing.T) {
	runner := newFakeRunner()
	close(runner.release) // runs complete immediately
	s, hist := newTestScheduler(t, runner)

	if _, err := s.Add(testConfig("t1")); err != nil {
		t.Fatal(err)
	}
	if err := s.TriggerOnce(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "history entry", func() bool {
		entries, _ := hist.List(history.ListOptions{TaskID: "t1"})
		return len(entries) == 1
	})

	entries, err := hist.List(history.ListOptions{TaskID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	e := entries[0]
	if e.Status != history.StatusCompleted || e.TotalSeen != 3 || e.Persisted != 1 {
		t.Errorf("entry = %+v", e)
	}
	if e.Config == nil {
		t.Error("entry should carry a config snapshot")
	}

	// The snapshot round-trips through the schema upgrade.
	cfg, err := hist.GetConfig(e.ID)
	if err != nil {
		t.Fatalf("GetConfig() error = %v", err)
	}
	if cfg.TaskID != "t1" {
		t.Errorf("snapshot TaskID = %s", cfg.TaskID)
	}
}

func TestCancelFlagsRunningTask(t *testing.T) {
	runner := newFakeRunner()
	s, hist := newTestScheduler(t, runner)

	if _, err := s.Add(testConfig("t1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Cancel("t1"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Cancel(idle) error = %v, want ErrNotRunning", err)
	}

	if err := s.TriggerOnce(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "run to start", func() bool { return runner.runs.Load() == 1 })

	if err := s.Cancel("t1"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	close(runner.release)

	waitFor(t, "cancelled history entry", func() bool {
		entries, _ := hist.List(history.ListOptions{Status: history.StatusCancelled})
		return len(entries) == 1
	})
	if !runner.sawCancel.Load() {
		t.Error("runner never observed the cancel flag")
	}
}

func TestSchedulerLoopStartsDueTasks(t *testing.T) {
	runner := newFakeRunner()
	close(runner.release)
	s, _ := newTestScheduler(t, runner)

	cfg := testConfig("t1")
	cfg.DelayFirstRun = false
	if _, err := s.Add(cfg); err != nil {
		t.Fatal(err)
	}

	delayed := testConfig("t2")
	delayed.DelayFirstRun = true
	if _, err := s.Add(delayed); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitFor(t, "due task to run", func() bool { return runner.runs.Load() >= 1 })

	// The delayed task's first run is one interval out.
	st, err := s.Status("t2")
	if err != nil {
		t.Fatal(err)
	}
	if st.Running || !st.NextRun.After(time.Now()) {
		t.Errorf("delayed task status = %+v", st)
	}
}

func TestFailedRunRecordsFailure(t *testing.T) {
	runner := newFakeRunner()
	runner.err = errors.New("index down")
	close(runner.release)
	s, hist := newTestScheduler(t, runner)

	if _, err := s.Add(testConfig("t1")); err != nil {
		t.Fatal(err)
	}
	if err := s.TriggerOnce(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "failed history entry", func() bool {
		entries, _ := hist.List(history.ListOptions{Status: history.StatusFailed})
		return len(entries) == 1
	})

	st, _ := s.Status("t1")
	if st.LastStatus != history.StatusFailed {
		t.Errorf("LastStatus = %s, want failed", st.LastStatus)
	}
}

func TestRemoveAndUpdate(t *testing.T) {
	s, _ := newTestScheduler(t, newFakeRunner())

	if _, err := s.Add(testConfig("t1")); err != nil {
		t.Fatal(err)
	}

	updated := testConfig("t1")
	updated.SearchQuery = "new query"
	if err := s.Update(updated); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	cfg, err := s.Config("t1")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SearchQuery != "new query" {
		t.Errorf("SearchQuery = %s", cfg.SearchQuery)
	}

	if err := s.Remove("t1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := s.Remove("t1"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("second Remove() error = %v, want ErrTaskNotFound", err)
	}
	if err := s.Update(updated); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("Update(removed) error = %v, want ErrTaskNotFound", err)
	}
}

func TestAnalyzeSingleUsesTaskConfig(t *testing.T) {
	s, _ := newTestScheduler(t, newFakeRunner())

	if _, err := s.Add(testConfig("t1")); err != nil {
		t.Fatal(err)
	}
	p, err := s.AnalyzeSingle(context.Background(), "t1", "2401.00001", nil)
	if err != nil {
		t.Fatalf("AnalyzeSingle() error = %v", err)
	}
	if p.TaskID != "t1" {
		t.Errorf("TaskID = %s", p.TaskID)
	}

	if _, err := s.AnalyzeSingle(context.Background(), "missing", "x", nil); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("error = %v, want ErrTaskNotFound", err)
	}
}

func TestAnalyzeSingleAppliesOverrides(t *testing.T) {
	runner := newFakeRunner()
	s, _ := newTestScheduler(t, runner)

	if _, err := s.Add(testConfig("t1")); err != nil {
		t.Fatal(err)
	}

	overrides := map[string]any{
		"relevance_threshold": 0.4,
		"deep_analysis_model": "another-model",
		"task_id":             "evil", // identity must survive override attempts
	}
	if _, err := s.AnalyzeSingle(context.Background(), "t1", "2401.00001", overrides); err != nil {
		t.Fatalf("AnalyzeSingle() error = %v", err)
	}

	got := runner.singleCfg()
	if got.RelevanceThreshold != 0.4 || got.DeepModel != "another-model" {
		t.Errorf("overrides not applied: %+v", got)
	}
	if got.TaskID != "t1" {
		t.Errorf("TaskID = %s, want t1", got.TaskID)
	}

	// The stored task config is untouched.
	cfg, err := s.Config("t1")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RelevanceThreshold == 0.4 {
		t.Error("override leaked into the registered task config")
	}

	bad := map[string]any{"relevance_threshold": 5.0}
	if _, err := s.AnalyzeSingle(context.Background(), "t1", "x", bad); !errors.Is(err, taskcfg.ErrInvalidConfig) {
		t.Errorf("error = %v, want ErrInvalidConfig", err)
	}
}

// syncBuffer is a threadsafe log sink for asserting on scheduler output.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestDroppedTickIsLoggedWithTaskID(t *testing.T) {
	runner := newFakeRunner() // not released: the run spans several intervals
	var buf syncBuffer
	s := New(Config{
		Runner: runner,
		Logger: slog.New(slog.NewTextHandler(&buf, nil)),
		Tick:   5 * time.Millisecond,
	})

	cfg := testConfig("t1")
	cfg.IntervalSeconds = 1
	if _, err := s.Add(cfg); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitFor(t, "run to start", func() bool { return runner.runs.Load() == 1 })
	waitFor(t, "dropped tick log", func() bool {
		out := buf.String()
		return strings.Contains(out, "dropped scheduled run") && strings.Contains(out, "t1")
	})

	close(runner.release)
}
