// Package store persists gathered papers and server settings in a local
// sqlite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/jackzampolin/skim/internal/paper"
)

// ErrNotFound is returned when a paper does not exist.
var ErrNotFound = errors.New("paper not found")

// ErrPersistFailed wraps database write failures. The pipeline surfaces it in
// the run summary without aborting the run.
var ErrPersistFailed = errors.New("persist failed")

// Paper is a stored paper row: the pipeline record plus task attribution and
// bookkeeping columns.
type Paper struct {
	ID int64 `json:"id"`
	paper.Record

	TaskID   string `json:"task_id"`
	TaskName string `json:"task_name"`
	Status   string `json:"status"`

	// DeepStatus tracks the deep-analysis lifecycle; DeepResult holds the
	// finalized report markdown.
	DeepStatus string `json:"deep_analysis_status"`
	DeepResult string `json:"deep_analysis_result,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Statuses papers move through. The store does not enforce transitions; the
// orchestrator owns the lifecycle.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Deep-analysis statuses.
const (
	DeepNone       = "none"
	DeepProcessing = "processing"
	DeepCompleted  = "completed"
	DeepFailed     = "failed"
)

// Store wraps the sqlite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS papers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	paper_id TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL DEFAULT '',
	abstract TEXT NOT NULL DEFAULT '',
	categories TEXT NOT NULL DEFAULT '',
	authors TEXT NOT NULL DEFAULT '',
	published_date TEXT NOT NULL DEFAULT '',
	pdf_url TEXT NOT NULL DEFAULT '',
	search_query TEXT NOT NULL DEFAULT '',
	task_id TEXT NOT NULL DEFAULT '',
	task_name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	abstract_is_relevant INTEGER NOT NULL DEFAULT 0,
	abstract_score REAL NOT NULL DEFAULT 0,
	abstract_justification TEXT NOT NULL DEFAULT '',
	full_is_relevant INTEGER NOT NULL DEFAULT 0,
	full_score REAL NOT NULL DEFAULT 0,
	full_justification TEXT NOT NULL DEFAULT '',
	final_is_relevant INTEGER NOT NULL DEFAULT 0,
	final_score REAL NOT NULL DEFAULT 0,
	full_analyzed INTEGER NOT NULL DEFAULT 0,
	deep_analyzed INTEGER NOT NULL DEFAULT 0,
	deep_success INTEGER NOT NULL DEFAULT 0,
	deep_analysis_status TEXT NOT NULL DEFAULT 'none',
	deep_analysis_result TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_papers_task_id ON papers(task_id);
CREATE INDEX IF NOT EXISTS idx_papers_status ON papers(status);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// Open opens (creating if needed) the sqlite store at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	// sqlite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent task runs.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create inserts a paper. Returns false with no error when a row with the
// same paper_id already exists, so re-gathered papers dedupe cleanly.
func (s *Store) Create(ctx context.Context, p *Paper) (bool, error) {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = StatusPending
	}
	if p.DeepStatus == "" {
		p.DeepStatus = DeepNone
	}

	meta, err := marshalMetadata(p.Metadata)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO papers (
			paper_id, title, abstract, categories, authors, published_date,
			pdf_url, search_query, task_id, task_name, status,
			abstract_is_relevant, abstract_score, abstract_justification,
			full_is_relevant, full_score, full_justification,
			final_is_relevant, final_score,
			full_analyzed, deep_analyzed, deep_success,
			deep_analysis_status, deep_analysis_result,
			metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.PaperID, p.Title, p.Abstract, p.Categories, p.Authors, p.PublishedDate,
		p.PDFURL, p.SearchQuery, p.TaskID, p.TaskName, p.Status,
		p.AbstractIsRelevant, p.AbstractScore, p.AbstractJustification,
		p.FullIsRelevant, p.FullScore, p.FullJustification,
		p.FinalIsRelevant, p.FinalScore,
		p.FullAnalyzed, p.DeepAnalyzed, p.DeepSuccess,
		p.DeepStatus, p.DeepResult,
		meta, now.Format(time.RFC3339), now.Format(time.RFC3339),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}

	p.ID, _ = res.LastInsertId()
	return true, nil
}

// GetByPaperID fetches one paper.
func (s *Store) GetByPaperID(ctx context.Context, paperID string) (*Paper, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" FROM papers WHERE paper_id = ?", paperID)
	return scanPaper(row)
}

// Exists reports whether a paper_id is already stored.
func (s *Store) Exists(ctx context.Context, paperID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM papers WHERE paper_id = ?", paperID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateStatus sets the lifecycle status of a paper.
func (s *Store) UpdateStatus(ctx context.Context, paperID, status string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE papers SET status = ?, updated_at = ? WHERE paper_id = ?",
		status, time.Now().UTC().Format(time.RFC3339), paperID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	return requireRow(res)
}

// SaveAnalysisResult updates all scoring and analysis columns for a paper in
// a single statement.
func (s *Store) SaveAnalysisResult(ctx context.Context, p *Paper) error {
	meta, err := marshalMetadata(p.Metadata)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE papers SET
			status = ?,
			abstract_is_relevant = ?, abstract_score = ?, abstract_justification = ?,
			full_is_relevant = ?, full_score = ?, full_justification = ?,
			final_is_relevant = ?, final_score = ?,
			full_analyzed = ?, deep_analyzed = ?, deep_success = ?,
			deep_analysis_status = ?, deep_analysis_result = ?,
			metadata = ?, updated_at = ?
		WHERE paper_id = ?`,
		p.Status,
		p.AbstractIsRelevant, p.AbstractScore, p.AbstractJustification,
		p.FullIsRelevant, p.FullScore, p.FullJustification,
		p.FinalIsRelevant, p.FinalScore,
		p.FullAnalyzed, p.DeepAnalyzed, p.DeepSuccess,
		p.DeepStatus, p.DeepResult,
		meta, time.Now().UTC().Format(time.RFC3339),
		p.PaperID,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	return requireRow(res)
}

// ListOptions filters List results.
type ListOptions struct {
	TaskID string
	Status string
	Limit  int
	Offset int
}

// List returns papers ordered newest first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*Paper, error) {
	var (
		where []string
		args  []any
	)
	if opts.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, opts.TaskID)
	}
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, opts.Status)
	}

	q := selectColumns + " FROM papers"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"
	if opts.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			q += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPapers(rows)
}

// Search matches a case-insensitive substring against title, abstract and
// authors.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]*Paper, error) {
	if limit <= 0 {
		limit = 50
	}
	pattern := "%" + strings.ToLower(query) + "%"
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		FROM papers
		WHERE lower(title) LIKE ? OR lower(abstract) LIKE ? OR lower(authors) LIKE ?
		ORDER BY final_score DESC, created_at DESC
		LIMIT ?`, pattern, pattern, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPapers(rows)
}

// Delete removes a paper row. Artifact files on disk are the caller's
// responsibility.
func (s *Store) Delete(ctx context.Context, paperID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM papers WHERE paper_id = ?", paperID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	return requireRow(res)
}

// BulkReassignTask moves all papers from one task to another, returning the
// number of rows moved.
func (s *Store) BulkReassignTask(ctx context.Context, fromTaskID, toTaskID, toTaskName string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE papers SET task_id = ?, task_name = ?, updated_at = ?
		WHERE task_id = ?`,
		toTaskID, toTaskName, time.Now().UTC().Format(time.RFC3339), fromTaskID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	return res.RowsAffected()
}

// Count returns the number of stored papers.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM papers").Scan(&n)
	return n, err
}

// GetSetting fetches a settings value; empty string when unset.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// PutSetting upserts a settings value.
func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailed, err)
	}
	return nil
}

const selectColumns = `SELECT
	id, paper_id, title, abstract, categories, authors, published_date,
	pdf_url, search_query, task_id, task_name, status,
	abstract_is_relevant, abstract_score, abstract_justification,
	full_is_relevant, full_score, full_justification,
	final_is_relevant, final_score,
	full_analyzed, deep_analyzed, deep_success,
	deep_analysis_status, deep_analysis_result,
	metadata, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPaper(row rowScanner) (*Paper, error) {
	var (
		p                    Paper
		meta                 string
		createdAt, updatedAt string
	)
	err := row.Scan(
		&p.ID, &p.PaperID, &p.Title, &p.Abstract, &p.Categories, &p.Authors, &p.PublishedDate,
		&p.PDFURL, &p.SearchQuery, &p.TaskID, &p.TaskName, &p.Status,
		&p.AbstractIsRelevant, &p.AbstractScore, &p.AbstractJustification,
		&p.FullIsRelevant, &p.FullScore, &p.FullJustification,
		&p.FinalIsRelevant, &p.FinalScore,
		&p.FullAnalyzed, &p.DeepAnalyzed, &p.DeepSuccess,
		&p.DeepStatus, &p.DeepResult,
		&meta, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if meta != "" && meta != "{}" {
		if uerr := json.Unmarshal([]byte(meta), &p.Metadata); uerr != nil {
			return nil, fmt.Errorf("corrupt metadata for %s: %w", p.PaperID, uerr)
		}
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	p.Persisted = true
	return &p, nil
}

func scanPapers(rows *sql.Rows) ([]*Paper, error) {
	var papers []*Paper
	for rows.Next() {
		p, err := scanPaper(rows)
		if err != nil {
			return nil, err
		}
		papers = append(papers, p)
	}
	return papers, rows.Err()
}

func marshalMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
