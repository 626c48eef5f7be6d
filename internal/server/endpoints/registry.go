// Package endpoints defines the HTTP routes of the skim control API and the
// CLI commands that call them.
package endpoints

import (
	"github.com/jackzampolin/skim/internal/api"
	"github.com/jackzampolin/skim/internal/extract"
)

// Config holds dependencies needed by some endpoints.
type Config struct {
	// PaddleManager reports sidecar container status on /status. Nil when the
	// sidecar is externally managed or disabled.
	PaddleManager *extract.DockerManager
}

// All returns all endpoint instances.
func All(cfg Config) []api.Endpoint {
	return []api.Endpoint{
		// Health endpoints
		&HealthEndpoint{},
		&ReadyEndpoint{},
		&StatusEndpoint{PaddleManager: cfg.PaddleManager},

		// Task endpoints
		&CreateTaskEndpoint{},
		&ListTasksEndpoint{},
		&GetTaskEndpoint{},
		&UpdateTaskEndpoint{},
		&DeleteTaskEndpoint{},
		&TriggerTaskEndpoint{},
		&CancelTaskEndpoint{},
		&AnalyzePaperEndpoint{},

		// History endpoints
		&ListHistoryEndpoint{},
		&GetHistoryEndpoint{},
		&GetHistoryConfigEndpoint{},
		&UpdateHistoryConfigEndpoint{},
		&DeleteHistoryEndpoint{},
		&CleanupHistoryEndpoint{},

		// Paper endpoints
		&ListPapersEndpoint{},
		&SearchPapersEndpoint{},
		&GetPaperEndpoint{},
		&DeletePaperEndpoint{},
		&ReassignPapersEndpoint{},

		// Preset endpoints
		&ListPresetsEndpoint{},
		&GetPresetEndpoint{},
		&SavePresetEndpoint{},
		&DeletePresetEndpoint{},

		// Settings endpoints
		&GetSettingEndpoint{},
		&UpdateSettingEndpoint{},
	}
}

// TaskCommands returns endpoints for task operations.
// This groups task-related commands under the "tasks" subcommand.
func TaskCommands() []api.Endpoint {
	return []api.Endpoint{
		&CreateTaskEndpoint{},
		&ListTasksEndpoint{},
		&GetTaskEndpoint{},
		&UpdateTaskEndpoint{},
		&DeleteTaskEndpoint{},
		&TriggerTaskEndpoint{},
		&CancelTaskEndpoint{},
		&AnalyzePaperEndpoint{},
	}
}

// HistoryCommands returns endpoints for run-history operations.
// This groups history-related commands under the "history" subcommand.
func HistoryCommands() []api.Endpoint {
	return []api.Endpoint{
		&ListHistoryEndpoint{},
		&GetHistoryEndpoint{},
		&GetHistoryConfigEndpoint{},
		&UpdateHistoryConfigEndpoint{},
		&DeleteHistoryEndpoint{},
		&CleanupHistoryEndpoint{},
	}
}

// PaperCommands returns endpoints for stored-paper operations.
// This groups paper-related commands under the "papers" subcommand.
func PaperCommands() []api.Endpoint {
	return []api.Endpoint{
		&ListPapersEndpoint{},
		&SearchPapersEndpoint{},
		&GetPaperEndpoint{},
		&DeletePaperEndpoint{},
		&ReassignPapersEndpoint{},
	}
}

// PresetCommands returns endpoints for preset operations.
// This groups preset-related commands under the "presets" subcommand.
func PresetCommands() []api.Endpoint {
	return []api.Endpoint{
		&ListPresetsEndpoint{},
		&GetPresetEndpoint{},
		&SavePresetEndpoint{},
		&DeletePresetEndpoint{},
	}
}

// SettingsCommands returns endpoints for settings operations.
// This groups settings-related commands under the "settings" subcommand.
func SettingsCommands() []api.Endpoint {
	return []api.Endpoint{
		&GetSettingEndpoint{},
		&UpdateSettingEndpoint{},
	}
}
