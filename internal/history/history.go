// Package history records gather-run outcomes in monthly JSON journal shards
// and manages named task-config presets.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/skim/internal/home"
	"github.com/jackzampolin/skim/internal/taskcfg"
)

// ErrNotFound is returned when an entry or preset does not exist.
var ErrNotFound = errors.New("history entry not found")

// shardSuffix names the monthly journal files: 2024_01_tasks.json.
const shardSuffix = "_tasks.json"

// Status is the terminal state of one recorded run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Entry is one recorded gather run. Config holds the raw task-config snapshot
// so old entries round-trip through the schema upgrade on read.
type Entry struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	TaskName   string    `json:"task_name"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Status     Status    `json:"status"`

	TotalSeen    int `json:"total_seen"`
	Relevant     int `json:"relevant"`
	Persisted    int `json:"persisted"`
	DeepAnalyzed int `json:"deep_analyzed"`
	ErrorCount   int `json:"error_count"`

	Error  string         `json:"error,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

// ListOptions filters and bounds a listing. Zero values mean "no filter".
type ListOptions struct {
	TaskID string
	Status Status
	Since  time.Time
	Until  time.Time
	Limit  int
}

// Store reads and writes the history journal. A single mutex serializes all
// shard access; the journal is small and contention-free in practice.
type Store struct {
	mu         sync.Mutex
	historyDir string
	presetsDir string
	logger     *slog.Logger
}

// New creates a history store rooted at the home directory.
func New(dir *home.Dir, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		historyDir: dir.TaskHistoryDir(),
		presetsDir: dir.ConfigPresetsDir(),
		logger:     logger,
	}
}

// Append records one run. The entry's ID is assigned here; the entry lands in
// the shard of its start month.
func (s *Store) Append(entry Entry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.StartedAt.IsZero() {
		entry.StartedAt = time.Now().UTC()
	}

	shard := s.shardPath(entry.StartedAt)
	entries, err := s.readShard(shard)
	if err != nil {
		return "", err
	}
	entries = append(entries, entry)
	if err := s.writeShard(shard, entries); err != nil {
		return "", err
	}

	s.logger.Debug("history entry recorded",
		"entry_id", entry.ID,
		"task_id", entry.TaskID,
		"status", entry.Status)
	return entry.ID, nil
}

// List returns entries newest-first.
func (s *Store) List(opts ListOptions) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shards, err := s.shardFiles()
	if err != nil {
		return nil, err
	}

	var out []Entry
	for _, shard := range shards {
		entries, err := s.readShard(shard)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if opts.TaskID != "" && e.TaskID != opts.TaskID {
				continue
			}
			if opts.Status != "" && e.Status != opts.Status {
				continue
			}
			if !opts.Since.IsZero() && e.StartedAt.Before(opts.Since) {
				continue
			}
			if !opts.Until.IsZero() && e.StartedAt.After(opts.Until) {
				continue
			}
			out = append(out, e)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Get returns one entry by ID.
func (s *Store) Get(entryID string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, _, _, err := s.locate(entryID)
	return e, err
}

// GetConfig returns the entry's task config, upgraded to the current schema.
func (s *Store) GetConfig(entryID string) (taskcfg.TaskConfig, error) {
	e, err := s.Get(entryID)
	if err != nil {
		return taskcfg.TaskConfig{}, err
	}
	if e.Config == nil {
		return taskcfg.TaskConfig{}, fmt.Errorf("entry %s carries no config snapshot", entryID)
	}
	return taskcfg.Upgrade(e.Config)
}

// UpdateConfig replaces the entry's config snapshot.
func (s *Store) UpdateConfig(entryID string, cfg taskcfg.TaskConfig) error {
	raw, err := ConfigMap(cfg)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, shard, entries, err := s.locate(entryID)
	if err != nil {
		return err
	}
	for i := range entries {
		if entries[i].ID == e.ID {
			entries[i].Config = raw
			break
		}
	}
	return s.writeShard(shard, entries)
}

// Delete removes one entry.
func (s *Store) Delete(entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, shard, entries, err := s.locate(entryID)
	if err != nil {
		return err
	}
	kept := entries[:0]
	for _, cur := range entries {
		if cur.ID != e.ID {
			kept = append(kept, cur)
		}
	}
	if len(kept) == 0 {
		return os.Remove(shard)
	}
	return s.writeShard(shard, kept)
}

// Cleanup removes whole shards older than keepMonths. Entries inside a kept
// shard are never trimmed individually.
func (s *Store) Cleanup(keepMonths int) (int, error) {
	if keepMonths <= 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, -keepMonths, 0)
	cutoffKey := cutoff.Format("2006_01")

	shards, err := s.shardFiles()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, shard := range shards {
		key := strings.TrimSuffix(filepath.Base(shard), shardSuffix)
		if key < cutoffKey {
			if err := os.Remove(shard); err != nil {
				return removed, err
			}
			removed++
			s.logger.Info("removed expired history shard", "shard", filepath.Base(shard))
		}
	}
	return removed, nil
}

// ConfigMap converts a task config to the raw-map form stored in entries.
func ConfigMap(cfg taskcfg.TaskConfig) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// locate finds the entry and the shard it lives in. Caller holds s.mu.
func (s *Store) locate(entryID string) (Entry, string, []Entry, error) {
	shards, err := s.shardFiles()
	if err != nil {
		return Entry{}, "", nil, err
	}
	for _, shard := range shards {
		entries, err := s.readShard(shard)
		if err != nil {
			return Entry{}, "", nil, err
		}
		for _, e := range entries {
			if e.ID == entryID {
				return e, shard, entries, nil
			}
		}
	}
	return Entry{}, "", nil, fmt.Errorf("%w: %s", ErrNotFound, entryID)
}

// shardFiles returns shard paths sorted newest-first by file name.
func (s *Store) shardFiles() ([]string, error) {
	names, err := filepath.Glob(filepath.Join(s.historyDir, "*"+shardSuffix))
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

func (s *Store) shardPath(t time.Time) string {
	return filepath.Join(s.historyDir, t.UTC().Format("2006_01")+shardSuffix)
}

func (s *Store) readShard(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("corrupt history shard %s: %w", filepath.Base(path), err)
	}
	return entries, nil
}

func (s *Store) writeShard(path string, entries []Entry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
