// Package registry persists the saved states of a twin model: the scalar
// inputs, outputs and parameters captured at a simulation time, alongside
// the solver's opaque binary state blob. A registry is scoped to one
// (model id, model name) pair so that a later model instance built from the
// same twin file can resume where an earlier one stopped.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/san-kum/twinflow/internal/config"
	"github.com/san-kum/twinflow/internal/logging"
)

const (
	backupDirName    = "backup"
	registryFilename = "registry.json"
	statePrefix      = "saved_state_"
	stateExt         = ".bin"
)

var (
	// ErrStateNotFound indicates no saved state lies within the requested
	// time window.
	ErrStateNotFound = errors.New("registry: no saved state matches the requested time")

	// ErrWrite indicates the registry file could not be rewritten. The
	// previous on-disk registry is left intact.
	ErrWrite = errors.New("registry: write failed")

	// ErrRegistry indicates a missing model directory or a corrupt
	// registry file.
	ErrRegistry = errors.New("registry: invalid registry")
)

// SavedState is the metadata of one saved model state. The scalar maps
// reflect the model at exactly Time; the binary blob stored next to the
// registry file is the solver state at that same instant.
type SavedState struct {
	ID         string             `json:"id"`
	Time       float64            `json:"time"`
	Inputs     map[string]float64 `json:"inputs"`
	Outputs    map[string]float64 `json:"outputs"`
	Parameters map[string]float64 `json:"parameters"`
}

// NewSavedState builds a record with a fresh id over copies of the given
// maps, so later mutation of the model's live maps cannot corrupt it.
func NewSavedState(time float64, inputs, outputs, parameters map[string]float64) SavedState {
	return SavedState{
		ID:         newID(),
		Time:       time,
		Inputs:     copyMap(inputs),
		Outputs:    copyMap(outputs),
		Parameters: copyMap(parameters),
	}
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

func copyMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type registryFile struct {
	SavedStates []SavedState `json:"saved_states"`
}

// Registry is the append-only saved-state log of one model identity.
type Registry struct {
	modelID   string
	modelName string
	backupDir string
	states    []SavedState
	log       *slog.Logger
}

// Open attaches to the registry of an existing model directory. The model
// directory must have been created by the model instance that owns it;
// opening a registry for an unknown identity is an error.
func Open(settings config.Settings, modelID, modelName string, log *slog.Logger) (*Registry, error) {
	modelDir := settings.ModelDir(modelName, modelID)
	if _, err := os.Stat(modelDir); err != nil {
		return nil, fmt.Errorf("%w: model directory %s does not exist, use an existing model id and name",
			ErrRegistry, modelDir)
	}
	backupDir := filepath.Join(modelDir, backupDirName)
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating %s: %v", ErrRegistry, backupDir, err)
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Registry{
		modelID:   modelID,
		modelName: modelName,
		backupDir: backupDir,
		states:    nil,
		log:       logging.ForModel(log, modelName, modelID),
	}, nil
}

// FilePath is the registry metadata file.
func (r *Registry) FilePath() string {
	return filepath.Join(r.backupDir, registryFilename)
}

// StatePath is the binary blob file for a record, derived from its id.
func (r *Registry) StatePath(ss SavedState) string {
	return filepath.Join(r.backupDir, statePrefix+ss.ID+stateExt)
}

// Append adds a record and rewrites the registry file. The file is written
// to a temp sibling and renamed into place so a failed write never leaves a
// truncated registry behind.
func (r *Registry) Append(ss SavedState) error {
	r.states = append(r.states, ss)
	if err := r.write(); err != nil {
		r.states = r.states[:len(r.states)-1]
		return err
	}
	r.log.Info("saved state appended", "op", "Append", "time", ss.Time, "state_id", ss.ID)
	return nil
}

// Find reads the registry fresh from disk and returns the first record
// whose time lies within [t-epsilon, t+epsilon]. When several records
// match, the earliest appended one wins and a warning is logged; this is a
// deliberate simple tie-break, not a nearest search.
func (r *Registry) Find(t, epsilon float64) (SavedState, error) {
	if err := r.read(); err != nil {
		return SavedState{}, err
	}

	var matches []SavedState
	for _, ss := range r.states {
		if ss.Time > t-epsilon && ss.Time < t+epsilon {
			matches = append(matches, ss)
		}
	}
	if len(matches) == 0 {
		return SavedState{}, fmt.Errorf("%w: time %v (epsilon %v)", ErrStateNotFound, t, epsilon)
	}
	if len(matches) > 1 {
		r.log.Warn("multiple saved states match, using the first one",
			"op", "Find", "time", t, "epsilon", epsilon, "chosen_time", matches[0].Time)
	}
	return matches[0], nil
}

// Len returns the number of records currently held in memory.
func (r *Registry) Len() int { return len(r.states) }

// States returns the in-memory records, refreshed from disk.
func (r *Registry) States() ([]SavedState, error) {
	if err := r.read(); err != nil {
		return nil, err
	}
	out := make([]SavedState, len(r.states))
	copy(out, r.states)
	return out, nil
}

func (r *Registry) write() error {
	data, err := json.MarshalIndent(registryFile{SavedStates: r.states}, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	tmp := r.FilePath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := os.Rename(tmp, r.FilePath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrWrite, err)
	}
	return nil
}

func (r *Registry) read() error {
	data, err := os.ReadFile(r.FilePath())
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", ErrRegistry, r.FilePath(), err)
	}
	var f registryFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("%w: parsing %s: %v", ErrRegistry, r.FilePath(), err)
	}
	r.states = f.SavedStates
	return nil
}
