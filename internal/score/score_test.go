package score

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/jackzampolin/skim/internal/paper"
	"github.com/jackzampolin/skim/internal/providers"
)

func testRecord() *paper.Record {
	return &paper.Record{
		PaperID:  "2401.00001",
		Title:    "Adaptive Grasping",
		Authors:  "A. Researcher",
		Abstract: "We study grasping with vision-language models.",
	}
}

func TestScoreAbstract(t *testing.T) {
	mock := providers.NewMockClient()
	mock.ResponseJSON = json.RawMessage(`{"is_relevant": true, "relevance_score": 0.85, "justification": "on topic"}`)

	s := NewScorer(Config{LLM: mock})
	a, err := s.ScoreAbstract(context.Background(), testRecord(), "robot grasping papers", "m1")
	if err != nil {
		t.Fatalf("ScoreAbstract() error = %v", err)
	}
	if !a.IsRelevant || a.Score != 0.85 {
		t.Errorf("assessment = %+v", a)
	}
	if a.Justification != "on topic" {
		t.Errorf("Justification = %q", a.Justification)
	}
}

func TestScoreFull_SendsProvidedTextVerbatim(t *testing.T) {
	var gotPrompt string
	mock := providers.NewMockClient()
	mock.ResponseFunc = func(req *providers.ChatRequest) (*providers.ChatResult, error) {
		gotPrompt = req.Messages[1].Content
		return &providers.ChatResult{
			Success:    true,
			ParsedJSON: json.RawMessage(`{"is_relevant": false, "relevance_score": 0.2, "justification": "off topic"}`),
		}, nil
	}

	// Truncation is the orchestrator's job; the scorer must not shorten what
	// it is given.
	text := strings.Repeat("x", 20_000)
	s := NewScorer(Config{LLM: mock})
	if _, err := s.ScoreFull(context.Background(), testRecord(), text, "reqs", "m1"); err != nil {
		t.Fatalf("ScoreFull() error = %v", err)
	}
	if !strings.Contains(gotPrompt, text) {
		t.Error("prompt does not carry the full provided text")
	}
}

func TestScore_FailureIsNeverZero(t *testing.T) {
	mock := providers.NewMockClient()
	mock.ShouldFail = true

	s := NewScorer(Config{LLM: mock})
	a, err := s.ScoreAbstract(context.Background(), testRecord(), "reqs", "m1")
	if !errors.Is(err, ErrScoringFailed) {
		t.Errorf("error = %v, want ErrScoringFailed", err)
	}
	if a != nil {
		t.Errorf("assessment = %+v, want nil on failure", a)
	}
}

func TestScore_UnparseableOutputFails(t *testing.T) {
	mock := providers.NewMockClient()
	mock.ResponseFunc = func(req *providers.ChatRequest) (*providers.ChatResult, error) {
		return &providers.ChatResult{
			Success:      false,
			ErrorType:    "json_parse",
			ErrorMessage: "failed to parse JSON",
			Content:      "I think this paper is great!",
		}, nil
	}

	s := NewScorer(Config{LLM: mock})
	_, err := s.ScoreAbstract(context.Background(), testRecord(), "reqs", "m1")
	if !errors.Is(err, ErrScoringFailed) {
		t.Errorf("error = %v, want ErrScoringFailed", err)
	}
}

func TestScore_OutOfRangeScoreFails(t *testing.T) {
	mock := providers.NewMockClient()
	mock.ResponseFunc = func(req *providers.ChatRequest) (*providers.ChatResult, error) {
		return &providers.ChatResult{
			Success:    true,
			ParsedJSON: json.RawMessage(`{"is_relevant": true, "relevance_score": 7.5, "justification": "x"}`),
		}, nil
	}

	s := NewScorer(Config{LLM: mock})
	_, err := s.ScoreAbstract(context.Background(), testRecord(), "reqs", "m1")
	if !errors.Is(err, ErrScoringFailed) {
		t.Errorf("error = %v, want ErrScoringFailed", err)
	}
}
