// Package twin drives the lifecycle of one twin model instance: opening the
// solver handle, initializing scalar state, stepping or batch-evaluating,
// saving and restoring solver state, and delegating field work to the
// embedded ROMs. All calls are synchronous; a model is not safe for
// concurrent use.
package twin

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/san-kum/twinflow/internal/config"
	"github.com/san-kum/twinflow/internal/logging"
	"github.com/san-kum/twinflow/internal/registry"
	"github.com/san-kum/twinflow/internal/runtime"
	"github.com/san-kum/twinflow/internal/tbrom"
)

const (
	timeColumn     = "Time"
	romFolderName  = "ROM_files"
	snapshotPrefix = "snapshot_"
	snapshotExt    = ".bin"

	// Default epsilon for saved-state time matching. The window is
	// absolute, not relative to the time, so states saved at t=0 stay
	// reachable.
	DefaultStateEpsilon = 1e-8
)

type lifecycle int

const (
	stateUnopened lifecycle = iota
	stateOpened
	stateInstantiated
	stateInitialized
	stateClosed
)

func (s lifecycle) String() string {
	switch s {
	case stateUnopened:
		return "unopened"
	case stateOpened:
		return "opened"
	case stateInstantiated:
		return "instantiated"
	case stateInitialized:
		return "initialized"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// Options configures a model instance. Open is the seam to the native
// solver; tests and the CLI demo pass runtime.Opener over a fake model.
type Options struct {
	Settings config.Settings
	Logger   *slog.Logger
	Open     runtime.OpenFunc
}

// InitOptions carries the overlays applied on top of the model's declared
// start values during initialization. Config, when present, takes
// precedence over the Parameters and Inputs maps.
type InitOptions struct {
	Parameters map[string]float64
	Inputs     map[string]float64
	Config     *config.EvalConfig
}

// BatchOptions controls batch evaluation output. StepSize zero keeps the
// input time grid; a positive value resamples to a fixed grid, with
// continuous inputs linearly interpolated when Interpolate is set.
type BatchOptions struct {
	StepSize    float64
	Interpolate bool
}

// TwinModel orchestrates one solver handle through the
// unopened -> opened -> instantiated -> initialized lifecycle.
type TwinModel struct {
	id       string
	name     string
	path     string
	settings config.Settings
	baseLog  *slog.Logger
	log      *slog.Logger
	open     runtime.OpenFunc

	handle runtime.Handle
	state  lifecycle

	paramNames  []string
	inputNames  []string
	outputNames []string

	params  map[string]float64
	inputs  map[string]float64
	outputs map[string]float64

	evalTime float64

	roms       map[string]*tbrom.Rom
	romNames   []string
	ssRegistry *registry.Registry
}

// New prepares an unopened model for the given twin file.
func New(path string, opts Options) *TwinModel {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
	return &TwinModel{
		id:       id,
		path:     path,
		settings: opts.Settings,
		baseLog:  opts.Logger,
		log:      logging.ForModel(opts.Logger, "", id),
		open:     opts.Open,
		state:    stateUnopened,
		roms:     make(map[string]*tbrom.Rom),
	}
}

// ID is the process-unique model identifier.
func (m *TwinModel) ID() string { return m.id }

// Name is the model name reported by the solver, empty before Open.
func (m *TwinModel) Name() string { return m.name }

// EvaluationTime is the current simulation clock in seconds.
func (m *TwinModel) EvaluationTime() float64 { return m.evalTime }

// Initialized reports whether the model is ready to evaluate.
func (m *TwinModel) Initialized() bool { return m.state == stateInitialized }

// Dir is the model's working directory.
func (m *TwinModel) Dir() string { return m.settings.ModelDir(m.name, m.id) }

// LogPath is the solver's own log file for this model.
func (m *TwinModel) LogPath() string { return m.settings.ModelLogPath(m.id) }

func (m *TwinModel) ParameterNames() []string { return m.paramNames }
func (m *TwinModel) InputNames() []string     { return m.inputNames }
func (m *TwinModel) OutputNames() []string    { return m.outputNames }

// Parameters returns a copy of the current parameter values.
func (m *TwinModel) Parameters() map[string]float64 { return copyValues(m.params) }

// Inputs returns a copy of the current input values.
func (m *TwinModel) Inputs() map[string]float64 { return copyValues(m.inputs) }

// Outputs returns a copy of the output values at the current evaluation
// time, or nil before the first initialization.
func (m *TwinModel) Outputs() map[string]float64 {
	if m.outputs == nil {
		return nil
	}
	return copyValues(m.outputs)
}

// RomNames lists the ROM components discovered in the twin.
func (m *TwinModel) RomNames() []string { return m.romNames }

func copyValues(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (m *TwinModel) op(name string) *slog.Logger {
	return m.log.With("op", name)
}

func (m *TwinModel) runtimeLogLevel() runtime.LogLevel {
	switch logging.ParseLevel(m.settings.LogLevel) {
	case slog.LevelDebug:
		return runtime.LogAll
	case slog.LevelWarn:
		return runtime.LogWarning
	case slog.LevelError:
		return runtime.LogError
	default:
		return runtime.LogAll
	}
}

// Open validates the twin file path, opens the solver handle, caches the
// declared variable name lists and discovers embedded ROMs. The name lists
// are queried once and reused for the handle's lifetime.
func (m *TwinModel) Open() error {
	log := m.op("Open")
	if m.state != stateUnopened {
		return fmt.Errorf("%w: open called in state %s", ErrLifecycle, m.state)
	}
	if _, err := os.Stat(m.path); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidModelPath, m.path)
	}
	if err := m.settings.EnsureWorkingDir(); err != nil {
		return fmt.Errorf("twin: preparing working directory: %w", err)
	}

	handle, err := m.open(m.path, m.LogPath(), m.runtimeLogLevel())
	if err != nil {
		log.Error("solver open failed", "path", m.path, "error", err)
		return fmt.Errorf("twin: opening model %s: %w", m.path, err)
	}
	m.handle = handle
	m.name = handle.ModelName()
	m.log = logging.ForModel(m.baseLog, m.name, m.id)

	m.paramNames = nil
	for _, name := range handle.VarNames(runtime.Parameters) {
		// Solver-internal tuning parameters are not part of the model's
		// parameter surface.
		if strings.Contains(name, "solver.") {
			continue
		}
		m.paramNames = append(m.paramNames, name)
	}
	m.inputNames = append([]string(nil), handle.VarNames(runtime.Inputs)...)
	m.outputNames = append([]string(nil), handle.VarNames(runtime.Outputs)...)

	if err := os.MkdirAll(m.Dir(), 0755); err != nil {
		return fmt.Errorf("twin: creating model directory: %w", err)
	}

	if err := m.discoverRoms(); err != nil {
		return err
	}

	m.state = stateOpened
	m.op("Open").Info("model opened", "path", m.path,
		"parameters", len(m.paramNames), "inputs", len(m.inputNames),
		"outputs", len(m.outputNames), "roms", len(m.romNames))
	return nil
}

// Instantiate creates the solver-side model instance. It must follow Open
// and happens once per handle.
func (m *TwinModel) Instantiate() error {
	if m.state != stateOpened {
		return fmt.Errorf("%w: instantiate called in state %s", ErrLifecycle, m.state)
	}
	if err := m.handle.Instantiate(); err != nil {
		m.op("Instantiate").Error("solver instantiation failed", "error", err)
		return fmt.Errorf("twin: instantiating model: %w", err)
	}
	m.resetScalarsToStart()
	m.state = stateInstantiated
	m.op("Instantiate").Info("model instantiated")
	return nil
}

func (m *TwinModel) resetScalarsToStart() {
	m.params = make(map[string]float64, len(m.paramNames))
	for _, name := range m.paramNames {
		v, err := m.handle.VarStart(name)
		if err == nil {
			m.params[name] = v
		}
	}
	m.inputs = make(map[string]float64, len(m.inputNames))
	for _, name := range m.inputNames {
		v, err := m.handle.VarStart(name)
		if err == nil {
			m.inputs[name] = v
		}
	}
}

// Initialize resets every parameter and input to its declared start value,
// applies the caller's overlays, resets the evaluation clock to zero and
// initializes the solver. Unknown overlay names are logged and ignored. A
// model that is already initialized is reset first.
func (m *TwinModel) Initialize(opts InitOptions) error {
	log := m.op("Initialize")
	switch m.state {
	case stateInstantiated, stateInitialized:
	default:
		return fmt.Errorf("%w: initialize called in state %s", ErrLifecycle, m.state)
	}

	params, inputs := opts.Parameters, opts.Inputs
	if opts.Config != nil {
		params = opts.Config.Model.Parameters
		inputs = opts.Config.Model.Inputs
	}

	if m.state == stateInitialized {
		if err := m.handle.Reset(); err != nil {
			log.Error("solver reset failed", "error", err)
			return fmt.Errorf("twin: resetting model: %w", err)
		}
	}

	m.resetScalarsToStart()
	m.overlayParameters(params, log)
	m.overlayInputs(inputs, log)
	m.evalTime = 0

	for _, romName := range m.romNames {
		outDir := m.romDir(romName)
		if err := os.MkdirAll(outDir, 0755); err != nil {
			return fmt.Errorf("twin: creating ROM output directory: %w", err)
		}
		if err := m.handle.SetRomOutputDirectory(romName, outDir); err != nil {
			return fmt.Errorf("twin: setting ROM output directory: %w", err)
		}
	}

	if err := m.pushScalars(); err != nil {
		return err
	}
	if err := m.handle.Initialize(); err != nil {
		log.Error("solver initialization failed", "error", err)
		return fmt.Errorf("twin: initializing model (see solver log %s): %w", m.LogPath(), err)
	}
	if err := m.refreshOutputs(); err != nil {
		return err
	}
	m.state = stateInitialized
	log.Info("evaluation initialized", "parameters", len(params), "inputs", len(inputs))
	return nil
}

func (m *TwinModel) overlayParameters(params map[string]float64, log *slog.Logger) {
	for name, v := range params {
		if _, ok := m.params[name]; !ok {
			log.Warn("parameter not found in model, ignoring", "parameter", name)
			continue
		}
		m.params[name] = v
	}
}

func (m *TwinModel) overlayInputs(inputs map[string]float64, log *slog.Logger) {
	for name, v := range inputs {
		if _, ok := m.inputs[name]; !ok {
			if name != timeColumn {
				log.Warn("input not found in model, ignoring", "input", name)
			}
			continue
		}
		m.inputs[name] = v
	}
}

func (m *TwinModel) pushScalars() error {
	for _, name := range m.paramNames {
		if err := m.handle.SetValue(name, m.params[name]); err != nil {
			return fmt.Errorf("twin: setting parameter %q: %w", name, err)
		}
	}
	for _, name := range m.inputNames {
		if err := m.handle.SetValue(name, m.inputs[name]); err != nil {
			return fmt.Errorf("twin: setting input %q: %w", name, err)
		}
	}
	return nil
}

func (m *TwinModel) refreshOutputs() error {
	outputs := make(map[string]float64, len(m.outputNames))
	for _, name := range m.outputNames {
		v, err := m.handle.GetValue(name)
		if err != nil {
			return fmt.Errorf("twin: reading output %q: %w", name, err)
		}
		outputs[name] = v
	}
	m.outputs = outputs
	return nil
}

// Step advances the model by stepSize seconds, applying the given inputs at
// the current time first. Unknown input names warn and are ignored. On a
// solver failure the clock is left untouched and the caller must
// reinitialize.
func (m *TwinModel) Step(stepSize float64, inputs map[string]float64) error {
	log := m.op("Step")
	if m.state != stateInitialized {
		return fmt.Errorf("%w: step requires an initialized model (state %s)", ErrLifecycle, m.state)
	}
	if stepSize <= 0 {
		return fmt.Errorf("%w: step size must be greater than zero, got %v", ErrInvalidArgument, stepSize)
	}

	m.overlayInputs(inputs, log)
	for name := range inputs {
		if _, ok := m.inputs[name]; !ok {
			continue
		}
		if err := m.handle.SetValue(name, m.inputs[name]); err != nil {
			return fmt.Errorf("twin: setting input %q: %w", name, err)
		}
	}

	if err := m.handle.Step(m.evalTime+stepSize, 0); err != nil {
		log.Error("solver step failed", "time", m.evalTime, "error", err)
		return &EvaluationError{Time: m.evalTime, LogPath: m.LogPath(), Err: err}
	}
	m.evalTime += stepSize
	if err := m.refreshOutputs(); err != nil {
		return err
	}
	log.Debug("stepped", "time", m.evalTime)
	return nil
}

// EvaluateBatch drives the model across a whole input time history. The
// table must have a Time column with a first row at t=0. Declared inputs
// missing from the table are held constant at their initialization values.
// The result has Time followed by every output in declared order.
func (m *TwinModel) EvaluateBatch(in *Table, opts BatchOptions) (*Table, error) {
	log := m.op("EvaluateBatch")
	if m.state != stateInitialized {
		return nil, fmt.Errorf("%w: batch evaluation requires an initialized model (state %s)", ErrLifecycle, m.state)
	}
	times, ok := in.Column(timeColumn)
	if !ok {
		return nil, fmt.Errorf("%w: input table has no %q column (columns: %v)", ErrInvalidArgument, timeColumn, in.Columns)
	}
	if len(times) == 0 {
		return nil, fmt.Errorf("%w: input table is empty", ErrInvalidArgument)
	}
	if math.Abs(times[0]) > math.SmallestNonzeroFloat64 {
		return nil, fmt.Errorf("%w: input table must start at t=0, first time instant is %v", ErrInvalidArgument, times[0])
	}

	for _, col := range in.Columns {
		if col == timeColumn {
			continue
		}
		if _, ok := m.inputs[col]; !ok {
			log.Warn("input not found in model, ignoring column", "input", col)
		}
	}

	rows := make([][]float64, len(times))
	for i := range times {
		row := make([]float64, 0, 1+len(m.inputNames))
		row = append(row, times[i])
		for _, name := range m.inputNames {
			vals, ok := in.Column(name)
			if ok {
				row = append(row, vals[i])
			} else {
				row = append(row, m.inputs[name])
			}
		}
		rows[i] = row
	}

	outRows, err := m.handle.BatchStep(rows, opts.StepSize, opts.Interpolate)
	if err != nil {
		log.Error("solver batch evaluation failed", "error", err)
		return nil, &EvaluationError{Time: m.evalTime, LogPath: m.LogPath(), Err: err}
	}

	out := &Table{Columns: append([]string{timeColumn}, m.outputNames...), Rows: outRows}
	if len(outRows) > 0 {
		last := outRows[len(outRows)-1]
		m.evalTime = last[0]
		for i, name := range m.outputNames {
			m.outputs[name] = last[1+i]
		}
	}
	log.Info("batch evaluated", "input_rows", len(rows), "output_rows", len(outRows))
	return out, nil
}

// SaveState captures the solver's internal state and the current scalar
// maps as one registry record. The record and blob always describe the same
// instant.
func (m *TwinModel) SaveState() error {
	log := m.op("SaveState")
	if m.state != stateInitialized {
		return fmt.Errorf("%w: save-state requires an initialized model (state %s)", ErrLifecycle, m.state)
	}
	if m.ssRegistry == nil {
		reg, err := registry.Open(m.settings, m.id, m.name, m.baseLog)
		if err != nil {
			return err
		}
		m.ssRegistry = reg
	}

	ss := registry.NewSavedState(m.evalTime, m.inputs, m.outputs, m.params)
	if err := m.handle.SaveState(m.ssRegistry.StatePath(ss)); err != nil {
		log.Error("solver state save failed", "time", m.evalTime, "error", err)
		return fmt.Errorf("twin: saving solver state: %w", err)
	}
	if err := m.ssRegistry.Append(ss); err != nil {
		return err
	}
	log.Info("state saved", "time", m.evalTime, "state_id", ss.ID)
	return nil
}

// LoadState restores a state saved by another model instance of the same
// twin file, identified by that instance's model id and the approximate
// save time. It replaces evaluation initialization.
func (m *TwinModel) LoadState(modelID string, evaluationTime, epsilon float64) error {
	log := m.op("LoadState")
	switch m.state {
	case stateInstantiated, stateInitialized:
	default:
		return fmt.Errorf("%w: load-state called in state %s", ErrLifecycle, m.state)
	}

	reg, err := registry.Open(m.settings, modelID, m.name, m.baseLog)
	if err != nil {
		return err
	}
	ss, err := reg.Find(evaluationTime, epsilon)
	if err != nil {
		return err
	}

	if m.state == stateInitialized {
		if err := m.handle.Reset(); err != nil {
			return fmt.Errorf("twin: resetting model: %w", err)
		}
	}
	m.resetScalarsToStart()
	m.overlayParameters(ss.Parameters, log)
	m.overlayInputs(ss.Inputs, log)
	if err := m.pushScalars(); err != nil {
		return err
	}

	if err := m.handle.LoadState(reg.StatePath(ss)); err != nil {
		log.Error("solver state load failed", "state_id", ss.ID, "error", err)
		return fmt.Errorf("twin: loading solver state %s: %w", ss.ID, err)
	}
	m.evalTime = ss.Time
	// The solver's outputs directly after a state load are not reliable;
	// the registry record holds the outputs captured at save time.
	m.outputs = copyValues(ss.Outputs)
	m.state = stateInitialized
	log.Info("state loaded", "from_model", modelID, "time", ss.Time, "state_id", ss.ID)
	return nil
}

// Close releases the solver handle. Any lifecycle call after Close fails.
func (m *TwinModel) Close() error {
	if m.state == stateClosed {
		return fmt.Errorf("%w: model already closed", ErrLifecycle)
	}
	m.state = stateClosed
	if m.handle == nil {
		return nil
	}
	if err := m.handle.Close(); err != nil {
		return fmt.Errorf("twin: closing model: %w", err)
	}
	m.op("Close").Info("model closed")
	return nil
}
