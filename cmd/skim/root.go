package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/skim/internal/api"
	"github.com/jackzampolin/skim/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "skim",
	Short: "Automated research-paper gathering and LLM-powered analysis",
	Long: `Skim watches arXiv for papers matching your research interests,
scores them against your requirements with LLM relevance passes, and
produces deep markdown reports for the papers that clear the bar.

The pipeline includes:
  - Scheduled arXiv searches with configurable queries
  - Two-stage relevance scoring (abstract, then full text)
  - Structured OCR with a PaddleOCR sidecar and a fast local fallback
  - Deep sectioned analysis with figure understanding`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.skim/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "skim home directory (default: ~/.skim)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)

	// Set output format before any command runs
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		api.SetOutputFormat(outputFormat)
	}

	rootCmd.AddCommand(versionCmd)
}
