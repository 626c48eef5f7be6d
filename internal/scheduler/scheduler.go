// Package scheduler runs registered gather tasks on their intervals, with an
// overlap guard and cooperative per-task cancellation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/skim/internal/history"
	"github.com/jackzampolin/skim/internal/pipeline"
	"github.com/jackzampolin/skim/internal/store"
	"github.com/jackzampolin/skim/internal/taskcfg"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskExists   = errors.New("task already registered")
	ErrTaskRunning  = errors.New("task is already running")
	ErrNotRunning   = errors.New("task is not running")
)

// defaultTick is the scheduler poll interval. Task intervals are expressed in
// seconds, so sub-second precision buys nothing.
const defaultTick = time.Second

// Runner executes gather runs. Satisfied by *pipeline.Pipeline.
type Runner interface {
	Run(ctx context.Context, cfg taskcfg.TaskConfig, cancelled func() bool) (*pipeline.RunSummary, error)
	AnalyzeSingle(ctx context.Context, cfg taskcfg.TaskConfig, paperID string, cancelled func() bool) (*store.Paper, error)
}

// task is the scheduler's per-task state. All fields are guarded by the
// scheduler mutex except the cancel flag, which run workers read lock-free.
type task struct {
	cfg        taskcfg.TaskConfig
	nextRun    time.Time
	lastRun    time.Time
	lastStatus history.Status
	running    bool
	cancel     *atomic.Bool
}

// TaskStatus is a point-in-time snapshot of one registered task.
type TaskStatus struct {
	TaskID          string         `json:"task_id"`
	TaskName        string         `json:"task_name"`
	IntervalSeconds int            `json:"interval_seconds"`
	Running         bool           `json:"running"`
	NextRun         time.Time      `json:"next_run"`
	LastRun         time.Time      `json:"last_run,omitempty"`
	LastStatus      history.Status `json:"last_status,omitempty"`
}

// Scheduler owns the task table and the tick loop. One mutex guards the
// table; the start-or-skip decision for a due task is a single critical
// section, so two runs of the same task can never overlap.
type Scheduler struct {
	mu     sync.Mutex
	tasks  map[string]*task
	wg     sync.WaitGroup
	runner Runner
	hist   *history.Store
	logger *slog.Logger
	tick   time.Duration
	now    func() time.Time
}

// Config configures a scheduler.
type Config struct {
	Runner  Runner
	History *history.Store
	Logger  *slog.Logger
	// Tick overrides the poll interval; tests use short ticks.
	Tick time.Duration
}

// New creates a scheduler with no registered tasks.
func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tick <= 0 {
		cfg.Tick = defaultTick
	}
	return &Scheduler{
		tasks:  make(map[string]*task),
		runner: cfg.Runner,
		hist:   cfg.History,
		logger: cfg.Logger,
		tick:   cfg.Tick,
		now:    time.Now,
	}
}

// Add registers a task. An empty TaskID gets a generated one; the possibly
// amended config is returned. DelayFirstRun pushes the first run one full
// interval out, otherwise the task is due immediately.
func (s *Scheduler) Add(cfg taskcfg.TaskConfig) (taskcfg.TaskConfig, error) {
	if cfg.TaskID == "" {
		cfg.TaskID = uuid.New().String()
	}
	if err := cfg.Validate(); err != nil {
		return taskcfg.TaskConfig{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[cfg.TaskID]; ok {
		return taskcfg.TaskConfig{}, fmt.Errorf("%w: %s", ErrTaskExists, cfg.TaskID)
	}

	next := s.now()
	if cfg.DelayFirstRun {
		next = next.Add(interval(cfg))
	}
	s.tasks[cfg.TaskID] = &task{
		cfg:     cfg,
		nextRun: next,
		cancel:  &atomic.Bool{},
	}

	s.logger.Info("task registered",
		"task_id", cfg.TaskID,
		"task_name", cfg.TaskName,
		"interval_seconds", cfg.IntervalSeconds,
		"next_run", next)
	return cfg, nil
}

// Update replaces a task's config. A running task finishes its current run on
// the old config; the new one applies from the next run.
func (s *Scheduler) Update(cfg taskcfg.TaskConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[cfg.TaskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, cfg.TaskID)
	}
	t.cfg = cfg
	s.logger.Info("task updated", "task_id", cfg.TaskID)
	return nil
}

// Remove unregisters a task. A running task gets its cancel flag set; the
// in-flight run winds down cooperatively.
func (s *Scheduler) Remove(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if t.running {
		t.cancel.Store(true)
	}
	delete(s.tasks, taskID)
	s.logger.Info("task removed", "task_id", taskID)
	return nil
}

// TriggerOnce starts a task immediately, outside its schedule. The overlap
// guard still applies.
func (s *Scheduler) TriggerOnce(ctx context.Context, taskID string) error {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if t.running {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskRunning, taskID)
	}
	t.running = true
	t.cancel.Store(false)
	cfg := t.cfg
	s.mu.Unlock()

	s.launch(ctx, cfg, t)
	return nil
}

// Cancel flags a running task's current run for cooperative shutdown.
func (s *Scheduler) Cancel(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if !t.running {
		return fmt.Errorf("%w: %s", ErrNotRunning, taskID)
	}
	t.cancel.Store(true)
	s.logger.Info("task run cancelled", "task_id", taskID)
	return nil
}

// AnalyzeSingle re-analyzes one paper using the task's current config, with
// per-request overrides layered on top. It runs synchronously and does not
// touch the task's schedule or overlap state.
func (s *Scheduler) AnalyzeSingle(ctx context.Context, taskID, paperID string, overrides map[string]any) (*store.Paper, error) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	cfg := t.cfg
	cancel := t.cancel
	s.mu.Unlock()

	if len(overrides) > 0 {
		merged, err := taskcfg.Override(cfg, overrides)
		if err != nil {
			return nil, err
		}
		cfg = merged
	}

	return s.runner.AnalyzeSingle(ctx, cfg, paperID, cancel.Load)
}

// Status returns one task's snapshot.
func (s *Scheduler) Status(taskID string) (TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return TaskStatus{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return snapshot(t), nil
}

// List returns snapshots for all registered tasks.
func (s *Scheduler) List() []TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskStatus, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, snapshot(t))
	}
	return out
}

// Config returns a task's current config.
func (s *Scheduler) Config(taskID string) (taskcfg.TaskConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return taskcfg.TaskConfig{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return t.cfg, nil
}

// Run drives the tick loop until ctx is cancelled, then waits for in-flight
// runs to wind down. Call it in a goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "tick", s.tick)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			s.cancelAll()
			s.wg.Wait()
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.startDue(ctx)
		}
	}
}

// startDue launches every due, non-running task. The decision and the
// running-flag flip happen under one lock acquisition.
func (s *Scheduler) startDue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	type launch struct {
		cfg taskcfg.TaskConfig
		t   *task
	}
	var due []launch
	for _, t := range s.tasks {
		if now.Before(t.nextRun) {
			continue
		}
		if t.running {
			// Overlapping occurrences are dropped, never queued.
			t.nextRun = now.Add(interval(t.cfg))
			s.logger.Info("dropped scheduled run, previous run still in flight",
				"task_id", t.cfg.TaskID)
			continue
		}
		t.running = true
		t.cancel.Store(false)
		t.nextRun = now.Add(interval(t.cfg))
		due = append(due, launch{cfg: t.cfg, t: t})
	}
	s.mu.Unlock()

	for _, l := range due {
		s.launch(ctx, l.cfg, l.t)
	}
}

// launch runs one gather run in a goroutine and records its outcome.
func (s *Scheduler) launch(ctx context.Context, cfg taskcfg.TaskConfig, t *task) {
	cancel := t.cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		started := s.now().UTC()
		summary, err := s.runner.Run(ctx, cfg, cancel.Load)

		status := history.StatusCompleted
		switch {
		case cancel.Load():
			status = history.StatusCancelled
		case err != nil:
			status = history.StatusFailed
		}

		s.record(cfg, started, status, summary, err)

		s.mu.Lock()
		t.running = false
		t.lastRun = started
		t.lastStatus = status
		s.mu.Unlock()
	}()
}

// record appends the run to the history journal with a config snapshot.
func (s *Scheduler) record(cfg taskcfg.TaskConfig, started time.Time, status history.Status, summary *pipeline.RunSummary, runErr error) {
	if s.hist == nil {
		return
	}

	entry := history.Entry{
		TaskID:     cfg.TaskID,
		TaskName:   cfg.TaskName,
		StartedAt:  started,
		FinishedAt: s.now().UTC(),
		Status:     status,
	}
	if summary != nil {
		entry.TotalSeen = summary.TotalSeen
		entry.Relevant = summary.Relevant
		entry.Persisted = summary.Persisted
		entry.DeepAnalyzed = summary.DeepAnalyzed
		entry.ErrorCount = len(summary.Errors)
	}
	if runErr != nil {
		entry.Error = runErr.Error()
	}
	if raw, err := history.ConfigMap(cfg); err == nil {
		entry.Config = raw
	}

	if _, err := s.hist.Append(entry); err != nil {
		s.logger.Error("failed to record run history", "task_id", cfg.TaskID, "error", err)
	}
}

func (s *Scheduler) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.running {
			t.cancel.Store(true)
		}
	}
}

func snapshot(t *task) TaskStatus {
	return TaskStatus{
		TaskID:          t.cfg.TaskID,
		TaskName:        t.cfg.TaskName,
		IntervalSeconds: t.cfg.IntervalSeconds,
		Running:         t.running,
		NextRun:         t.nextRun,
		LastRun:         t.lastRun,
		LastStatus:      t.lastStatus,
	}
}

func interval(cfg taskcfg.TaskConfig) time.Duration {
	if cfg.IntervalSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(cfg.IntervalSeconds) * time.Second
}
