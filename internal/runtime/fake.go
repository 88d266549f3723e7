package runtime

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// Var declares one model variable with its start value and optional bounds.
type Var struct {
	Name   string
	Start  float64
	Min    float64
	Max    float64
	HasMin bool
	HasMax bool
}

// FakeModel describes a deterministic in-memory twin used in place of the
// native solver. Each output integrates its gain-weighted inputs over time
// and adds a direct feedthrough term:
//
//	y_k(t) = start_k + integral of sum_i Gains[k][i]*u_i dt + sum_i Feedthrough[k][i]*u_i(t)
//
// which is enough dynamics for the orchestration layer to have something
// real to save, restore and reconstruct.
type FakeModel struct {
	Name       string
	Parameters []Var
	Inputs     []Var
	Outputs    []Var

	// Gains and Feedthrough map output name -> input name -> coefficient.
	Gains       map[string]map[string]float64
	Feedthrough map[string]map[string]float64

	// Roms and RomDirs describe embedded ROM components and their resource
	// directories, keyed by ROM name.
	Roms    map[string]RomInfo
	RomDirs map[string]string

	// FailAt makes Step and BatchStep fail once the clock reaches that
	// time. Zero disables the trap.
	FailAt float64
}

// Fake implements Handle over a FakeModel.
type Fake struct {
	spec         FakeModel
	names        map[VarCategory][]string
	vars         map[string]Var
	values       map[string]float64
	acc          map[string]float64
	time         float64
	romOutDirs   map[string]string
	instantiated bool
	initialized  bool
	closed       bool
}

type fakeState struct {
	Time float64            `json:"time"`
	Acc  map[string]float64 `json:"acc"`
}

// NewFake builds a handle over the given model description.
func NewFake(spec FakeModel) *Fake {
	f := &Fake{
		spec:       spec,
		names:      make(map[VarCategory][]string),
		vars:       make(map[string]Var),
		values:     make(map[string]float64),
		acc:        make(map[string]float64),
		romOutDirs: make(map[string]string),
	}
	for cat, vars := range map[VarCategory][]Var{
		Parameters: spec.Parameters,
		Inputs:     spec.Inputs,
		Outputs:    spec.Outputs,
	} {
		for _, v := range vars {
			f.names[cat] = append(f.names[cat], v.Name)
			f.vars[v.Name] = v
			f.values[v.Name] = v.Start
		}
	}
	return f
}

// Opener returns an OpenFunc that serves the given model regardless of the
// twin file contents. The solver log file is created so callers can point
// users at it.
func Opener(spec FakeModel) OpenFunc {
	return func(modelPath, logPath string, level LogLevel) (Handle, error) {
		if logPath != "" && level != LogNone {
			f, err := os.Create(logPath)
			if err != nil {
				return nil, &StatusError{Op: "open", Status: StatusFatal, Detail: err.Error()}
			}
			fmt.Fprintf(f, "model %s opened from %s\n", spec.Name, modelPath)
			f.Close()
		}
		return NewFake(spec), nil
	}
}

func (f *Fake) ModelName() string { return f.spec.Name }

func (f *Fake) VarNames(cat VarCategory) []string { return f.names[cat] }

func (f *Fake) lookup(name, query string) (Var, error) {
	v, ok := f.vars[name]
	if !ok {
		return Var{}, &PropertyError{Var: name, Query: query, Err: ErrProperty}
	}
	return v, nil
}

func (f *Fake) VarStart(name string) (float64, error) {
	v, err := f.lookup(name, "start")
	if err != nil {
		return 0, err
	}
	return v.Start, nil
}

func (f *Fake) VarMin(name string) (float64, error) {
	v, err := f.lookup(name, "min")
	if err != nil {
		return 0, err
	}
	if !v.HasMin {
		return 0, &PropertyError{Var: name, Query: "min", Err: ErrPropertyNotDefined}
	}
	return v.Min, nil
}

func (f *Fake) VarMax(name string) (float64, error) {
	v, err := f.lookup(name, "max")
	if err != nil {
		return 0, err
	}
	if !v.HasMax {
		return 0, &PropertyError{Var: name, Query: "max", Err: ErrPropertyNotDefined}
	}
	return v.Max, nil
}

func (f *Fake) SetValue(name string, value float64) error {
	if f.closed {
		return ErrClosed
	}
	if _, ok := f.vars[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownVariable, name)
	}
	f.values[name] = value
	return nil
}

func (f *Fake) GetValue(name string) (float64, error) {
	if f.closed {
		return 0, ErrClosed
	}
	v, ok := f.values[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownVariable, name)
	}
	return v, nil
}

func (f *Fake) Instantiate() error {
	if f.closed {
		return ErrClosed
	}
	f.instantiated = true
	return nil
}

func (f *Fake) Initialize() error {
	if f.closed {
		return ErrClosed
	}
	if !f.instantiated {
		return &StatusError{Op: "initialize", Status: StatusErr, Detail: "model not instantiated"}
	}
	f.time = 0
	for _, name := range f.names[Outputs] {
		f.acc[name] = 0
	}
	f.refreshOutputs()
	f.initialized = true
	return nil
}

func (f *Fake) Initialized() bool { return f.initialized }

func (f *Fake) Reset() error {
	if f.closed {
		return ErrClosed
	}
	if !f.instantiated {
		return &StatusError{Op: "reset", Status: StatusErr, Detail: "model not instantiated"}
	}
	f.time = 0
	f.initialized = false
	for name, v := range f.vars {
		f.values[name] = v.Start
	}
	for _, name := range f.names[Outputs] {
		f.acc[name] = 0
	}
	return nil
}

func (f *Fake) Step(stopTime, stepHint float64) error {
	if f.closed {
		return ErrClosed
	}
	if !f.initialized {
		return &StatusError{Op: "step", Status: StatusErr, Detail: "model not initialized"}
	}
	if f.spec.FailAt > 0 && stopTime >= f.spec.FailAt {
		return &StatusError{Op: "step", Status: StatusFatal, Detail: "solver diverged"}
	}
	f.advance(stopTime)
	f.refreshOutputs()
	return nil
}

func (f *Fake) advance(stopTime float64) {
	dt := stopTime - f.time
	for _, out := range f.names[Outputs] {
		for in, g := range f.spec.Gains[out] {
			f.acc[out] += dt * g * f.values[in]
		}
	}
	f.time = stopTime
}

func (f *Fake) refreshOutputs() {
	for _, out := range f.names[Outputs] {
		y := f.vars[out].Start + f.acc[out]
		for in, d := range f.spec.Feedthrough[out] {
			y += d * f.values[in]
		}
		f.values[out] = y
	}
}

func (f *Fake) BatchStep(inputRows [][]float64, stepSize float64, interpolate bool) ([][]float64, error) {
	if f.closed {
		return nil, ErrClosed
	}
	if !f.initialized {
		return nil, &StatusError{Op: "batch_step", Status: StatusErr, Detail: "model not initialized"}
	}
	inNames := f.names[Inputs]
	for _, row := range inputRows {
		if len(row) != 1+len(inNames) {
			return nil, &StatusError{
				Op:     "batch_step",
				Status: StatusErr,
				Detail: fmt.Sprintf("input row has %d columns, want %d", len(row), 1+len(inNames)),
			}
		}
	}

	var out [][]float64
	record := func(t float64) {
		row := make([]float64, 0, 1+len(f.names[Outputs]))
		row = append(row, t)
		for _, name := range f.names[Outputs] {
			row = append(row, f.values[name])
		}
		out = append(out, row)
	}

	if stepSize == 0 {
		for _, row := range inputRows {
			t := row[0]
			if f.spec.FailAt > 0 && t >= f.spec.FailAt {
				return nil, &StatusError{Op: "batch_step", Status: StatusFatal, Detail: "solver diverged"}
			}
			f.advance(t)
			for i, name := range inNames {
				f.values[name] = row[1+i]
			}
			f.refreshOutputs()
			record(t)
		}
		return out, nil
	}

	end := inputRows[len(inputRows)-1][0]
	steps := int(math.Ceil(end / stepSize))
	for j := 0; j <= steps; j++ {
		t := float64(j) * stepSize
		if t > end {
			t = end
		}
		if f.spec.FailAt > 0 && t >= f.spec.FailAt {
			return nil, &StatusError{Op: "batch_step", Status: StatusFatal, Detail: "solver diverged"}
		}
		f.advance(t)
		for i, name := range inNames {
			f.values[name] = sampleInput(inputRows, 1+i, t, interpolate)
		}
		f.refreshOutputs()
		record(t)
	}
	return out, nil
}

// sampleInput picks the input value at time t from the row history, either
// zero-order held or linearly interpolated between the bracketing rows.
func sampleInput(rows [][]float64, col int, t float64, interpolate bool) float64 {
	prev := rows[0]
	for _, row := range rows {
		if row[0] > t {
			if interpolate {
				span := row[0] - prev[0]
				if span > 0 {
					frac := (t - prev[0]) / span
					return prev[col] + frac*(row[col]-prev[col])
				}
			}
			return prev[col]
		}
		prev = row
	}
	return prev[col]
}

func (f *Fake) SaveState(path string) error {
	if f.closed {
		return ErrClosed
	}
	acc := make(map[string]float64, len(f.acc))
	for k, v := range f.acc {
		acc[k] = v
	}
	data, err := json.Marshal(fakeState{Time: f.time, Acc: acc})
	if err != nil {
		return &StatusError{Op: "save_state", Status: StatusErr, Detail: err.Error()}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return &StatusError{Op: "save_state", Status: StatusErr, Detail: err.Error()}
	}
	return nil
}

func (f *Fake) LoadState(path string) error {
	if f.closed {
		return ErrClosed
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return &StatusError{Op: "load_state", Status: StatusErr, Detail: err.Error()}
	}
	var st fakeState
	if err := json.Unmarshal(data, &st); err != nil {
		return &StatusError{Op: "load_state", Status: StatusErr, Detail: err.Error()}
	}
	f.time = st.Time
	for k, v := range st.Acc {
		f.acc[k] = v
	}
	f.initialized = true
	f.refreshOutputs()
	return nil
}

func (f *Fake) VisualizationResources() map[string]RomInfo { return f.spec.Roms }

func (f *Fake) RomResourceDirectory(romName string) (string, error) {
	dir, ok := f.spec.RomDirs[romName]
	if !ok {
		return "", &StatusError{Op: "rom_resource_directory", Status: StatusErr,
			Detail: fmt.Sprintf("unknown ROM %q", romName)}
	}
	return dir, nil
}

func (f *Fake) SetRomOutputDirectory(romName, dir string) error {
	if _, ok := f.spec.Roms[romName]; !ok {
		return &StatusError{Op: "set_rom_output_directory", Status: StatusErr,
			Detail: fmt.Sprintf("unknown ROM %q", romName)}
	}
	f.romOutDirs[romName] = dir
	return nil
}

func (f *Fake) Close() error {
	if f.closed {
		return ErrClosed
	}
	f.closed = true
	return nil
}
