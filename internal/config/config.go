// Package config holds process-level settings and the evaluation
// initialization document. Settings are passed down explicitly from the
// composition root; the working directory must be resolved before logging
// because the default model log files live under it.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const tempDirName = ".temp"

// Settings locates the per-process working directory and the log level.
type Settings struct {
	WorkingDir string
	LogLevel   string
}

// Default returns settings rooted in the system temp directory.
func Default() Settings {
	return Settings{
		WorkingDir: filepath.Join(os.TempDir(), "twinflow"),
		LogLevel:   "info",
	}
}

// EnsureWorkingDir creates the working directory tree, including the shared
// temp subdirectory.
func (s Settings) EnsureWorkingDir() error {
	return os.MkdirAll(s.TempDir(), 0755)
}

// ModelDir is the directory owned by one model instance, named after the
// model name and its process-unique id so that a second instance of the
// same twin file gets its own tree.
func (s Settings) ModelDir(name, id string) string {
	return filepath.Join(s.WorkingDir, fmt.Sprintf("%s.%s", name, id))
}

// TempDir is the scratch directory shared by all models, used for solver
// log files before the model name is known.
func (s Settings) TempDir() string {
	return filepath.Join(s.WorkingDir, tempDirName)
}

// ModelLogPath is the solver log file for a model id.
func (s Settings) ModelLogPath(id string) string {
	return filepath.Join(s.TempDir(), id+".log")
}

// EvalConfig is the externally authored evaluation-initialization document:
// parameter and input overlays applied on top of the model's start values.
// YAML is accepted, which includes the JSON form other tooling emits.
type EvalConfig struct {
	Version string `yaml:"version"`
	Model   struct {
		Parameters map[string]float64 `yaml:"parameters"`
		Inputs     map[string]float64 `yaml:"inputs"`
	} `yaml:"model"`
}

// LoadEvalConfig reads an evaluation-initialization document.
func LoadEvalConfig(path string) (*EvalConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading evaluation config: %w", err)
	}
	var cfg EvalConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing evaluation config %s: %w", path, err)
	}
	return &cfg, nil
}
