package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the skim home directory.
	DefaultDirName = ".skim"

	// DataDirName is the subdirectory for paper artifacts and task data.
	DataDirName = "data"

	// PaperAnalyzeDirName holds one directory per gathered paper.
	PaperAnalyzeDirName = "paper_analyze"

	// PaperGatherDirName holds task history shards and config presets.
	PaperGatherDirName = "paper_gather"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"

	// StoreFileName is the sqlite database file name.
	StoreFileName = "skim.db"

	// ImagesDirName is the per-paper subdirectory for OCR image blobs.
	// Markdown image references use the relative "imgs/<name>" form.
	ImagesDirName = "imgs"
)

// Dir represents the skim home directory structure. All per-paper paths are
// derived here; components accept paths from Dir rather than building strings.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.skim).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// DataPath returns the path to the data directory.
func (d *Dir) DataPath() string {
	return filepath.Join(d.path, DataDirName)
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// StorePath returns the path to the sqlite paper store.
func (d *Dir) StorePath() string {
	return filepath.Join(d.path, StoreFileName)
}

// EnsureExists creates the home directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	for _, dir := range []string{
		d.DataPath(),
		filepath.Join(d.DataPath(), PaperAnalyzeDirName),
		d.TaskHistoryDir(),
		d.ConfigPresetsDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}

// PaperDir returns the per-paper artifact directory:
// <data>/paper_analyze/<paperID>.
func (d *Dir) PaperDir(paperID string) string {
	return filepath.Join(d.DataPath(), PaperAnalyzeDirName, paperID)
}

// EnsurePaperDir creates the per-paper directory and its imgs/ subdirectory.
func (d *Dir) EnsurePaperDir(paperID string) (string, error) {
	dir := d.PaperDir(paperID)
	if err := os.MkdirAll(filepath.Join(dir, ImagesDirName), 0o755); err != nil {
		return "", fmt.Errorf("failed to create paper directory: %w", err)
	}
	return dir, nil
}

// PDFPath returns the cached PDF path for a paper.
func (d *Dir) PDFPath(paperID string) string {
	return filepath.Join(d.PaperDir(paperID), paperID+".pdf")
}

// OCRTextPath returns the fast-mode extraction output path.
func (d *Dir) OCRTextPath(paperID string) string {
	return filepath.Join(d.PaperDir(paperID), paperID+"_ocr.txt")
}

// OCRMarkdownPath returns the structured-mode extraction output path.
func (d *Dir) OCRMarkdownPath(paperID string) string {
	return filepath.Join(d.PaperDir(paperID), paperID+"_paddleocr.md")
}

// ImagesDir returns the per-paper directory for extracted image blobs.
func (d *Dir) ImagesDir(paperID string) string {
	return filepath.Join(d.PaperDir(paperID), ImagesDirName)
}

// AnalysisPath returns the deep-analysis report path.
func (d *Dir) AnalysisPath(paperID string) string {
	return filepath.Join(d.PaperDir(paperID), paperID+"_analysis.md")
}

// GatherDataDir returns the root of task-history and preset storage.
func (d *Dir) GatherDataDir() string {
	return filepath.Join(d.DataPath(), PaperGatherDirName)
}

// TaskHistoryDir returns the directory holding monthly journal shards.
func (d *Dir) TaskHistoryDir() string {
	return filepath.Join(d.GatherDataDir(), "task_history")
}

// ConfigPresetsDir returns the directory holding named config presets.
func (d *Dir) ConfigPresetsDir() string {
	return filepath.Join(d.GatherDataDir(), "config_presets")
}
