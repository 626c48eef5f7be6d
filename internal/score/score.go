// Package score rates paper relevance against user requirements with
// schema-constrained LLM calls.
package score

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackzampolin/skim/internal/paper"
	"github.com/jackzampolin/skim/internal/providers"
)

// ErrScoringFailed indicates the model did not produce a usable assessment.
// A paper is never silently scored zero: scoring failures discard the paper
// and are surfaced in the run summary.
var ErrScoringFailed = errors.New("relevance scoring failed")

// DefaultTimeout bounds one scoring call.
const DefaultTimeout = 120 * time.Second

// assessmentSchema constrains scorer output. The score range is enforced both
// by the provider and locally after parsing.
var assessmentSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"is_relevant": {
			"type": "boolean",
			"description": "Whether the paper matches the user requirements"
		},
		"relevance_score": {
			"type": "number",
			"minimum": 0,
			"maximum": 1,
			"description": "Relevance on a 0.0-1.0 scale"
		},
		"justification": {
			"type": "string",
			"description": "One short paragraph explaining the score"
		}
	},
	"required": ["is_relevant", "relevance_score", "justification"],
	"additionalProperties": false
}`)

// Assessment is one relevance judgement.
type Assessment struct {
	IsRelevant    bool    `json:"is_relevant"`
	Score         float64 `json:"relevance_score"`
	Justification string  `json:"justification"`
}

// Scorer rates papers through an LLM client.
type Scorer struct {
	llm     providers.LLMClient
	timeout time.Duration
	logger  *slog.Logger
}

// Config holds scorer configuration.
type Config struct {
	LLM     providers.LLMClient
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewScorer creates a new scorer.
func NewScorer(cfg Config) *Scorer {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scorer{
		llm:     cfg.LLM,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}
}

const systemPrompt = `You are a research assistant screening arXiv papers for a user.
Judge how well a paper matches the user's stated research requirements.
Score conservatively: only papers squarely on topic deserve scores above 0.8.
Respond with JSON only.`

// ScoreAbstract rates a paper on its title and abstract alone.
func (s *Scorer) ScoreAbstract(ctx context.Context, rec *paper.Record, requirements, model string) (*Assessment, error) {
	prompt := fmt.Sprintf(`User requirements:
%s

Paper:
Title: %s
Authors: %s
Categories: %s
Abstract:
%s

Rate how relevant this paper is to the requirements.`,
		requirements, rec.Title, rec.Authors, rec.Categories, rec.Abstract)

	return s.score(ctx, prompt, model)
}

// ScoreFull rates a paper on its extracted text. The orchestrator owns
// truncation; the text is sent as given.
func (s *Scorer) ScoreFull(ctx context.Context, rec *paper.Record, fullText, requirements, model string) (*Assessment, error) {
	prompt := fmt.Sprintf(`User requirements:
%s

Paper:
Title: %s
Authors: %s

Extracted paper text (may be truncated):
%s

Rate how relevant this paper is to the requirements, based on the full text.`,
		requirements, rec.Title, rec.Authors, fullText)

	return s.score(ctx, prompt, model)
}

func (s *Scorer) score(ctx context.Context, prompt, model string) (*Assessment, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req := &providers.ChatRequest{
		Messages: []providers.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Model:          model,
		Temperature:    0.1,
		ResponseFormat: providers.JSONSchemaFormat("relevance_assessment", assessmentSchema),
	}

	result, err := s.llm.Chat(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrScoringFailed, err)
	}
	if !result.Success || len(result.ParsedJSON) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrScoringFailed, result.ErrorMessage)
	}

	var a Assessment
	if err := json.Unmarshal(result.ParsedJSON, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScoringFailed, err)
	}
	if a.Score < 0 || a.Score > 1 {
		return nil, fmt.Errorf("%w: score %v outside [0,1]", ErrScoringFailed, a.Score)
	}

	s.logger.Debug("scored paper",
		"model", result.ModelUsed,
		"score", a.Score,
		"relevant", a.IsRelevant,
		"tokens", result.TotalTokens)

	return &a, nil
}
