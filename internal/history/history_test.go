package history

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackzampolin/skim/internal/home"
	"github.com/jackzampolin/skim/internal/taskcfg"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir, err := home.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := dir.EnsureExists(); err != nil {
		t.Fatal(err)
	}
	return New(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testEntry(taskID string, start time.Time) Entry {
	return Entry{
		TaskID:    taskID,
		TaskName:  "paper_gather",
		StartedAt: start,
		Status:    StatusCompleted,
		TotalSeen: 5,
		Persisted: 2,
	}
}

func TestAppendAndList(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)

	id1, err := s.Append(testEntry("task-1", now))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if _, err := s.Append(testEntry("task-2", now.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}

	all, err := s.List(ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("List() len = %d, want 2", len(all))
	}
	// Newest first.
	if all[0].TaskID != "task-2" {
		t.Errorf("first entry = %s, want task-2", all[0].TaskID)
	}

	got, err := s.Get(id1)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.TaskID != "task-1" || got.Persisted != 2 {
		t.Errorf("Get() = %+v", got)
	}
}

func TestList_Filters(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	e1 := testEntry("task-1", base)
	e2 := testEntry("task-1", base.AddDate(0, 0, 10))
	e2.Status = StatusFailed
	e3 := testEntry("task-2", base.AddDate(0, 0, 20))
	for _, e := range []Entry{e1, e2, e3} {
		if _, err := s.Append(e); err != nil {
			t.Fatal(err)
		}
	}

	failed, err := s.List(ListOptions{Status: StatusFailed})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].Status != StatusFailed {
		t.Errorf("status filter = %v", failed)
	}

	byTask, err := s.List(ListOptions{TaskID: "task-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byTask) != 2 {
		t.Errorf("task filter len = %d, want 2", len(byTask))
	}

	windowed, err := s.List(ListOptions{
		Since: base.AddDate(0, 0, 5),
		Until: base.AddDate(0, 0, 15),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(windowed) != 1 || !windowed[0].StartedAt.Equal(e2.StartedAt) {
		t.Errorf("window filter = %v", windowed)
	}

	limited, err := s.List(ListOptions{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || limited[0].TaskID != "task-2" {
		t.Errorf("limit = %v", limited)
	}
}

func TestEntriesShardByMonth(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Append(testEntry("t", time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC))); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(testEntry("t", time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC))); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"2026_07_tasks.json", "2026_08_tasks.json"} {
		if _, err := os.Stat(filepath.Join(s.historyDir, name)); err != nil {
			t.Errorf("missing shard %s: %v", name, err)
		}
	}
}

func TestConfigRoundTripWithUpgrade(t *testing.T) {
	s := newTestStore(t)

	// An old-schema snapshot: no version tag, none of the deep-analysis
	// fields. GetConfig must surface a current-schema config.
	e := testEntry("task-1", time.Now().UTC())
	e.Config = map[string]any{
		"search_query":              "quadruped locomotion",
		"user_requirements":         "legged robots",
		"abstract_analysis_model":   "m1",
		"full_paper_analysis_model": "m2",
	}
	id, err := s.Append(e)
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := s.GetConfig(id)
	if err != nil {
		t.Fatalf("GetConfig() error = %v", err)
	}
	if cfg.Version != taskcfg.CurrentVersion {
		t.Errorf("Version = %s, want %s", cfg.Version, taskcfg.CurrentVersion)
	}
	if cfg.SearchQuery != "quadruped locomotion" || cfg.DeepModel == "" {
		t.Errorf("upgraded config = %+v", cfg)
	}

	cfg.SearchQuery = "hexapod locomotion"
	if err := s.UpdateConfig(id, cfg); err != nil {
		t.Fatalf("UpdateConfig() error = %v", err)
	}
	got, err := s.GetConfig(id)
	if err != nil {
		t.Fatal(err)
	}
	if got.SearchQuery != "hexapod locomotion" {
		t.Errorf("SearchQuery = %s", got.SearchQuery)
	}
}

func TestDeleteAndNotFound(t *testing.T) {
	s := newTestStore(t)

	id, err := s.Append(testEntry("task-1", time.Now().UTC()))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(id); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(deleted) error = %v, want ErrNotFound", err)
	}
	if err := s.Delete(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete(deleted) error = %v, want ErrNotFound", err)
	}
}

func TestCleanupRemovesOldShards(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	if _, err := s.Append(testEntry("t", now)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(testEntry("t", now.AddDate(0, -6, 0))); err != nil {
		t.Fatal(err)
	}

	removed, err := s.Cleanup(3)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	remaining, err := s.List(ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 1 {
		t.Errorf("remaining entries = %d, want 1", len(remaining))
	}
}

func TestPresets(t *testing.T) {
	s := newTestStore(t)

	cfg := taskcfg.Default()
	cfg.SearchQuery = "soft robotics"
	if err := s.SavePreset("soft-robotics", cfg); err != nil {
		t.Fatalf("SavePreset() error = %v", err)
	}

	names, err := s.ListPresets()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "soft-robotics" {
		t.Errorf("ListPresets() = %v", names)
	}

	loaded, err := s.LoadPreset("soft-robotics")
	if err != nil {
		t.Fatalf("LoadPreset() error = %v", err)
	}
	if loaded.SearchQuery != "soft robotics" {
		t.Errorf("SearchQuery = %s", loaded.SearchQuery)
	}

	if err := s.DeletePreset("soft-robotics"); err != nil {
		t.Fatalf("DeletePreset() error = %v", err)
	}
	if _, err := s.LoadPreset("soft-robotics"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LoadPreset(deleted) error = %v, want ErrNotFound", err)
	}

	if err := s.SavePreset("../escape", cfg); err == nil {
		t.Error("SavePreset with path traversal name should fail")
	}
}
