package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/skim/internal/server/endpoints"
)

var serverURL string

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Commands that call the running server",
	Long: `API commands call the running skim server via HTTP.

These commands require a running server (skim serve).
Use --server to specify a custom server URL.

Examples:
  skim api health               # Check server health
  skim api tasks list           # List gather tasks
  skim api papers search "RAG"  # Search stored papers`,
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Gather task management commands",
}

var papersCmd = &cobra.Command{
	Use:   "papers",
	Short: "Stored paper commands",
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Run history commands",
}

var presetsCmd = &cobra.Command{
	Use:   "presets",
	Short: "Task-config preset commands",
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Runtime settings commands",
}

// getServerURL returns the server URL at runtime (after flag parsing).
func getServerURL() string {
	return serverURL
}

func init() {
	// Add --server flag to api command (persistent so all subcommands inherit it)
	apiCmd.PersistentFlags().StringVar(
		&serverURL, "server", "http://localhost:8112", "Server URL",
	)

	// Health endpoints at top level of api
	apiCmd.AddCommand((&endpoints.HealthEndpoint{}).Command(getServerURL))
	apiCmd.AddCommand((&endpoints.ReadyEndpoint{}).Command(getServerURL))
	apiCmd.AddCommand((&endpoints.StatusEndpoint{}).Command(getServerURL))

	for _, ep := range endpoints.TaskCommands() {
		tasksCmd.AddCommand(ep.Command(getServerURL))
	}
	for _, ep := range endpoints.PaperCommands() {
		papersCmd.AddCommand(ep.Command(getServerURL))
	}
	for _, ep := range endpoints.HistoryCommands() {
		historyCmd.AddCommand(ep.Command(getServerURL))
	}
	for _, ep := range endpoints.PresetCommands() {
		presetsCmd.AddCommand(ep.Command(getServerURL))
	}
	for _, ep := range endpoints.SettingsCommands() {
		settingsCmd.AddCommand(ep.Command(getServerURL))
	}

	apiCmd.AddCommand(tasksCmd)
	apiCmd.AddCommand(papersCmd)
	apiCmd.AddCommand(historyCmd)
	apiCmd.AddCommand(presetsCmd)
	apiCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(apiCmd)
}
