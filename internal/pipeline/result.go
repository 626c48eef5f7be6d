package pipeline

import "fmt"

// ErrorKind classifies stage failures for the run summary.
type ErrorKind string

const (
	KindIndexUnavailable ErrorKind = "index_unavailable"
	KindFetchFailed      ErrorKind = "fetch_failed"
	KindOCRFailed        ErrorKind = "ocr_failed"
	KindScoringFailed    ErrorKind = "scoring_failed"
	KindAnalysisFailed   ErrorKind = "analysis_failed"
	KindPersistFailed    ErrorKind = "persist_failed"
	KindCancelled        ErrorKind = "cancelled"
)

// Stage names a pipeline stage for summaries and logs.
type Stage string

const (
	StageDedupe   Stage = "dedupe"
	StageAbstract Stage = "abstract_scoring"
	StageFetch    Stage = "fetching"
	StageOCR      Stage = "ocr"
	StageFull     Stage = "full_scoring"
	StageDeep     Stage = "deep_analysis"
	StagePersist  Stage = "persist"
)

// StageResult is the closed outcome of one stage: Ok, Skip with a reason, or
// Fail with a kind and cause. There is no fourth state.
type StageResult struct {
	status status
	reason string
	kind   ErrorKind
	err    error
}

type status int

const (
	statusOk status = iota
	statusSkip
	statusFail
)

// Ok returns a passing result.
func Ok() StageResult { return StageResult{status: statusOk} }

// Skip returns a non-error early exit (dedupe hit, below threshold).
func Skip(reason string) StageResult { return StageResult{status: statusSkip, reason: reason} }

// Fail returns a failing result with its classification.
func Fail(kind ErrorKind, err error) StageResult {
	return StageResult{status: statusFail, kind: kind, err: err}
}

// IsOk reports whether the stage passed.
func (r StageResult) IsOk() bool { return r.status == statusOk }

// IsSkip reports whether the paper was skipped.
func (r StageResult) IsSkip() bool { return r.status == statusSkip }

// IsFail reports whether the stage failed.
func (r StageResult) IsFail() bool { return r.status == statusFail }

// Reason returns the skip reason.
func (r StageResult) Reason() string { return r.reason }

// Kind returns the failure classification.
func (r StageResult) Kind() ErrorKind { return r.kind }

// Err returns the failure cause.
func (r StageResult) Err() error { return r.err }

// StageError is one recorded failure in a run summary.
type StageError struct {
	PaperID string    `json:"paper_id"`
	Stage   Stage     `json:"stage"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e StageError) String() string {
	return fmt.Sprintf("%s: %s (%s): %s", e.PaperID, e.Stage, e.Kind, e.Message)
}
