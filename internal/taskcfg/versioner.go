package taskcfg

import (
	"encoding/json"
	"fmt"
)

// CurrentVersion is the schema version stamped on every config this build
// writes.
const CurrentVersion = "1.2.0"

// versionOrder is the linear upgrade path. Each released version declares
// only the fields it introduced.
var versionOrder = []string{"1.0.0", "1.1.0", "1.2.0"}

// versionDefaults maps each version to the defaults for its newly introduced
// fields. Applied in order during upgrade for fields that are missing or
// null in the stored config.
var versionDefaults = map[string]map[string]any{
	"1.0.0": {
		"interval_seconds":          3600,
		"search_query":              "machine learning",
		"max_papers_per_search":     20,
		"user_requirements":         "Recent research on machine learning and robotics",
		"abstract_analysis_model":   "qwen/qwen3-30b-a3b",
		"full_paper_analysis_model": "qwen/qwen3-30b-a3b",
		"relevance_threshold":       0.7,
		"task_name":                 "paper_gather",
		"delay_first_run":           true,
	},
	"1.1.0": {
		"search_mode": "latest",
	},
	"1.2.0": {
		"enable_deep_analysis":        true,
		"deep_analysis_threshold":     0.8,
		"deep_analysis_model":         "deepseek/deepseek-chat",
		"vision_model":                "qwen/qwen2.5-vl-72b-instruct",
		"ocr_char_limit_for_analysis": 10000,
	},
}

// upgradePath returns the versions to apply when moving from `from` to
// CurrentVersion. Unknown versions upgrade through the whole path so every
// default gets a chance to fill in.
func upgradePath(from string) []string {
	for i, v := range versionOrder {
		if v == from {
			return versionOrder[i+1:]
		}
	}
	return versionOrder
}

// UpgradeMap applies the upgrade path to a stored config in map form.
// The input is not modified.
func UpgradeMap(raw map[string]any) map[string]any {
	upgraded := make(map[string]any, len(raw))
	for k, v := range raw {
		upgraded[k] = v
	}

	from, _ := upgraded["_version"].(string)
	if from == "" {
		from = "1.0.0"
		// A config with no version tag still gets the 1.0.0 defaults for
		// any fields it left out.
		applyStepDefaults(upgraded, "1.0.0")
	}

	for _, step := range upgradePath(from) {
		applyStepDefaults(upgraded, step)
	}

	upgraded["_version"] = CurrentVersion
	return upgraded
}

func applyStepDefaults(cfg map[string]any, version string) {
	for key, def := range versionDefaults[version] {
		if v, ok := cfg[key]; !ok || v == nil {
			cfg[key] = def
		}
	}
}

// Upgrade migrates a stored config to the current schema, re-hydrates the
// search-mode variant, and validates required fields. This is the only path
// by which stored configs become runnable.
func Upgrade(raw map[string]any) (TaskConfig, error) {
	upgraded := UpgradeMap(raw)

	data, err := json.Marshal(upgraded)
	if err != nil {
		return TaskConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	var cfg TaskConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return TaskConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return TaskConfig{}, err
	}
	return cfg, nil
}

// Override overlays per-request fields onto an existing config and
// revalidates through the upgrade path. Task identity is never overridable.
func Override(cfg TaskConfig, overrides map[string]any) (TaskConfig, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return TaskConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return TaskConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	for k, v := range overrides {
		raw[k] = v
	}
	raw["task_id"] = cfg.TaskID
	raw["task_name"] = cfg.TaskName
	return Upgrade(raw)
}

// UpgradeJSON is Upgrade for raw JSON blobs, as stored in the history
// journal.
func UpgradeJSON(data []byte) (TaskConfig, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return TaskConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return Upgrade(raw)
}
