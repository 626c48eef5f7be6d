// Package taskcfg defines the gather-task configuration schema and the
// upgrade-path migration applied to stored configs.
package taskcfg

import (
	"errors"
	"fmt"

	"github.com/jackzampolin/skim/internal/arxiv"
)

// ErrInvalidConfig is returned when a config fails validation after upgrade.
// A run is never started on an invalid config.
var ErrInvalidConfig = errors.New("invalid task config")

// TaskConfig configures one gather task. It is immutable for the duration of
// a run: the scheduler passes it by value into each run worker.
type TaskConfig struct {
	Version string `json:"_version"`

	TaskID   string `json:"task_id"`
	TaskName string `json:"task_name"`

	IntervalSeconds    int    `json:"interval_seconds"`
	SearchQuery        string `json:"search_query"`
	MaxPapersPerSearch int    `json:"max_papers_per_search"`
	UserRequirements   string `json:"user_requirements"`

	// Model selectors. Resolution to a provider happens in the registry.
	AbstractModel string `json:"abstract_analysis_model"`
	FullModel     string `json:"full_paper_analysis_model"`
	DeepModel     string `json:"deep_analysis_model"`
	VisionModel   string `json:"vision_model"`

	RelevanceThreshold    float64 `json:"relevance_threshold"`
	EnableDeepAnalysis    bool    `json:"enable_deep_analysis"`
	DeepAnalysisThreshold float64 `json:"deep_analysis_threshold"`
	OCRCharLimit          int     `json:"ocr_char_limit_for_analysis"`

	// Search mode stored flat (string tag + year payloads) so that old
	// configs round-trip; Mode() re-hydrates the tagged variant.
	SearchMode string `json:"search_mode"`
	StartYear  int    `json:"start_year,omitempty"`
	EndYear    int    `json:"end_year,omitempty"`
	AfterYear  int    `json:"after_year,omitempty"`

	DelayFirstRun bool `json:"delay_first_run"`

	CustomSettings map[string]any `json:"custom_settings,omitempty"`
}

// Mode returns the search mode as the index client's tagged variant.
func (c TaskConfig) Mode() (arxiv.SearchMode, error) {
	mode, err := arxiv.ParseMode(c.SearchMode, c.StartYear, c.EndYear, c.AfterYear)
	if err != nil {
		return arxiv.SearchMode{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return mode, nil
}

// Validate asserts the required fields are present. Called after Upgrade, and
// again by the scheduler before a run starts.
func (c TaskConfig) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"search_query", c.SearchQuery},
		{"user_requirements", c.UserRequirements},
		{"abstract_analysis_model", c.AbstractModel},
		{"full_paper_analysis_model", c.FullModel},
	}
	for _, f := range required {
		if f.value == "" {
			return fmt.Errorf("%w: missing required field %s", ErrInvalidConfig, f.name)
		}
	}

	if c.EnableDeepAnalysis && (c.DeepModel == "" || c.VisionModel == "") {
		return fmt.Errorf("%w: deep analysis enabled but model selectors missing", ErrInvalidConfig)
	}
	if c.RelevanceThreshold < 0 || c.RelevanceThreshold > 1 {
		return fmt.Errorf("%w: relevance_threshold %v outside [0,1]", ErrInvalidConfig, c.RelevanceThreshold)
	}
	if c.DeepAnalysisThreshold < 0 || c.DeepAnalysisThreshold > 1 {
		return fmt.Errorf("%w: deep_analysis_threshold %v outside [0,1]", ErrInvalidConfig, c.DeepAnalysisThreshold)
	}

	// Re-hydrating the mode validates range payloads.
	if _, err := c.Mode(); err != nil {
		return err
	}
	return nil
}

// Default returns a fully populated config at the current schema version.
func Default() TaskConfig {
	cfg, err := Upgrade(map[string]any{})
	if err != nil {
		// The built-in defaults always validate; reaching here means the
		// default tables themselves are broken.
		panic(fmt.Sprintf("taskcfg: default config invalid: %v", err))
	}
	return cfg
}
