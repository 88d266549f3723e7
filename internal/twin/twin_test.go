package twin

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/san-kum/twinflow/internal/config"
	"github.com/san-kum/twinflow/internal/registry"
	"github.com/san-kum/twinflow/internal/runtime"
)

func newTestModel(t *testing.T, spec runtime.FakeModel) *TwinModel {
	t.Helper()
	wd := t.TempDir()
	twinPath := filepath.Join(wd, spec.Name+".twin")
	if err := os.WriteFile(twinPath, []byte("twin"), 0644); err != nil {
		t.Fatalf("twin file write failed: %v", err)
	}
	return New(twinPath, Options{
		Settings: config.Settings{WorkingDir: filepath.Join(wd, "work"), LogLevel: "error"},
		Open:     runtime.Opener(spec),
	})
}

func simpleSpec() runtime.FakeModel {
	return runtime.FakeModel{
		Name: "heater",
		Parameters: []runtime.Var{
			{Name: "gain", Start: 1},
			{Name: "solver.tolerance", Start: 1e-6},
		},
		Inputs: []runtime.Var{
			{Name: "u", Start: 1},
			{Name: "w", Start: 0.5},
		},
		Outputs: []runtime.Var{
			{Name: "y", Start: 10},
		},
		Gains: map[string]map[string]float64{
			"y": {"u": 2},
		},
	}
}

func openModel(t *testing.T, spec runtime.FakeModel) *TwinModel {
	t.Helper()
	m := newTestModel(t, spec)
	if err := m.Open(); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := m.Instantiate(); err != nil {
		t.Fatalf("instantiate failed: %v", err)
	}
	return m
}

func startModel(t *testing.T, spec runtime.FakeModel, opts InitOptions) *TwinModel {
	t.Helper()
	m := openModel(t, spec)
	if err := m.Initialize(opts); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	return m
}

func TestOpenCachesDeclaredNames(t *testing.T) {
	m := newTestModel(t, simpleSpec())
	if err := m.Open(); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer m.Close()

	if m.Name() != "heater" {
		t.Errorf("expected name 'heater', got '%s'", m.Name())
	}
	if len(m.ID()) != 24 {
		t.Errorf("expected 24-char id, got '%s'", m.ID())
	}

	params := m.ParameterNames()
	if len(params) != 1 || params[0] != "gain" {
		t.Errorf("expected solver-internal parameters skipped, got %v", params)
	}
	if got := m.InputNames(); len(got) != 2 || got[0] != "u" || got[1] != "w" {
		t.Errorf("unexpected input names: %v", got)
	}
	if got := m.OutputNames(); len(got) != 1 || got[0] != "y" {
		t.Errorf("unexpected output names: %v", got)
	}

	if _, err := os.Stat(m.Dir()); err != nil {
		t.Errorf("model directory not created: %v", err)
	}
	if m.Outputs() != nil {
		t.Error("expected nil outputs before first initialization")
	}
}

func TestOpenRejectsMissingPath(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "nope.twin"), Options{
		Settings: config.Settings{WorkingDir: t.TempDir(), LogLevel: "error"},
		Open:     runtime.Opener(simpleSpec()),
	})
	if err := m.Open(); !errors.Is(err, ErrInvalidModelPath) {
		t.Errorf("expected ErrInvalidModelPath, got %v", err)
	}
}

func TestLifecycleGuards(t *testing.T) {
	m := newTestModel(t, simpleSpec())

	if err := m.Instantiate(); !errors.Is(err, ErrLifecycle) {
		t.Errorf("expected ErrLifecycle instantiating unopened model, got %v", err)
	}
	if err := m.Initialize(InitOptions{}); !errors.Is(err, ErrLifecycle) {
		t.Errorf("expected ErrLifecycle initializing unopened model, got %v", err)
	}
	if err := m.Step(1, nil); !errors.Is(err, ErrLifecycle) {
		t.Errorf("expected ErrLifecycle stepping unopened model, got %v", err)
	}

	if err := m.Open(); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := m.Open(); !errors.Is(err, ErrLifecycle) {
		t.Errorf("expected ErrLifecycle on double open, got %v", err)
	}
	if err := m.Initialize(InitOptions{}); !errors.Is(err, ErrLifecycle) {
		t.Errorf("expected ErrLifecycle initializing before instantiate, got %v", err)
	}
	if err := m.Instantiate(); err != nil {
		t.Fatalf("instantiate failed: %v", err)
	}
	if err := m.Instantiate(); !errors.Is(err, ErrLifecycle) {
		t.Errorf("expected ErrLifecycle on double instantiate, got %v", err)
	}
	if err := m.Step(1, nil); !errors.Is(err, ErrLifecycle) {
		t.Errorf("expected ErrLifecycle stepping uninitialized model, got %v", err)
	}
}

func TestInitializeOverlaysStartValues(t *testing.T) {
	m := startModel(t, simpleSpec(), InitOptions{
		Parameters: map[string]float64{"gain": 5, "bogus": 1},
		Inputs:     map[string]float64{"u": 3},
	})
	defer m.Close()

	if got := m.Parameters()["gain"]; got != 5 {
		t.Errorf("expected gain 5, got %v", got)
	}
	if got := m.Inputs()["u"]; got != 3 {
		t.Errorf("expected u 3, got %v", got)
	}
	if got := m.Inputs()["w"]; got != 0.5 {
		t.Errorf("expected w held at start 0.5, got %v", got)
	}
	if m.EvaluationTime() != 0 {
		t.Errorf("expected clock at 0, got %v", m.EvaluationTime())
	}
	if got := m.Outputs()["y"]; got != 10 {
		t.Errorf("expected y at start 10, got %v", got)
	}
	if !m.Initialized() {
		t.Error("expected model to report initialized")
	}
}

func TestInitializeConfigTakesPrecedence(t *testing.T) {
	cfg := &config.EvalConfig{}
	cfg.Model.Inputs = map[string]float64{"u": 7}

	m := startModel(t, simpleSpec(), InitOptions{
		Inputs: map[string]float64{"u": 3},
		Config: cfg,
	})
	defer m.Close()

	if got := m.Inputs()["u"]; got != 7 {
		t.Errorf("expected config overlay u=7 to win, got %v", got)
	}
}

func TestReinitializeResetsEvaluation(t *testing.T) {
	m := startModel(t, simpleSpec(), InitOptions{Inputs: map[string]float64{"u": 3}})
	defer m.Close()

	if err := m.Step(1, nil); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if m.EvaluationTime() != 1 {
		t.Fatalf("expected clock at 1, got %v", m.EvaluationTime())
	}

	if err := m.Initialize(InitOptions{}); err != nil {
		t.Fatalf("reinitialize failed: %v", err)
	}
	if m.EvaluationTime() != 0 {
		t.Errorf("expected clock reset to 0, got %v", m.EvaluationTime())
	}
	if got := m.Inputs()["u"]; got != 1 {
		t.Errorf("expected u back at start 1, got %v", got)
	}
	if got := m.Outputs()["y"]; got != 10 {
		t.Errorf("expected y back at start 10, got %v", got)
	}
}

func TestStepAdvancesClockAndOutputs(t *testing.T) {
	m := startModel(t, simpleSpec(), InitOptions{})
	defer m.Close()

	for i := 0; i < 3; i++ {
		if err := m.Step(0.5, nil); err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}
	}
	if m.EvaluationTime() != 1.5 {
		t.Errorf("expected clock at 1.5, got %v", m.EvaluationTime())
	}
	// y = 10 + 2*1*1.5
	if got := m.Outputs()["y"]; got != 13 {
		t.Errorf("expected y=13, got %v", got)
	}
}

func TestStepAppliesInputOverlay(t *testing.T) {
	m := startModel(t, simpleSpec(), InitOptions{})
	defer m.Close()

	if err := m.Step(1, map[string]float64{"u": 4, "bogus": 9}); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if got := m.Inputs()["u"]; got != 4 {
		t.Errorf("expected u=4 after overlay, got %v", got)
	}
	if got := m.Outputs()["y"]; got != 18 {
		t.Errorf("expected y=18, got %v", got)
	}
}

func TestStepRejectsNonPositiveSize(t *testing.T) {
	m := startModel(t, simpleSpec(), InitOptions{})
	defer m.Close()

	for _, size := range []float64{0, -1} {
		err := m.Step(size, map[string]float64{"u": 99})
		if !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("step size %v: expected ErrInvalidArgument, got %v", size, err)
		}
	}
	if m.EvaluationTime() != 0 {
		t.Errorf("expected clock untouched, got %v", m.EvaluationTime())
	}
	if got := m.Inputs()["u"]; got != 1 {
		t.Errorf("expected inputs untouched, got u=%v", got)
	}
}

func TestStepFailureReportsEvaluationError(t *testing.T) {
	spec := simpleSpec()
	spec.FailAt = 2
	m := startModel(t, spec, InitOptions{})
	defer m.Close()

	if err := m.Step(1, nil); err != nil {
		t.Fatalf("step before trap failed: %v", err)
	}

	err := m.Step(1.5, nil)
	var evalErr *EvaluationError
	if !errors.As(err, &evalErr) {
		t.Fatalf("expected EvaluationError, got %v", err)
	}
	if evalErr.Time != 1 {
		t.Errorf("expected failure reported at t=1, got %v", evalErr.Time)
	}
	if evalErr.LogPath != m.LogPath() {
		t.Errorf("expected solver log path %s, got %s", m.LogPath(), evalErr.LogPath)
	}
	if m.EvaluationTime() != 1 {
		t.Errorf("expected clock left at 1, got %v", m.EvaluationTime())
	}
}

func TestEvaluateBatch(t *testing.T) {
	m := startModel(t, simpleSpec(), InitOptions{})
	defer m.Close()

	in := &Table{
		Columns: []string{"Time", "u", "extra"},
		Rows: [][]float64{
			{0, 1, 9},
			{1, 1, 9},
			{2, 3, 9},
		},
	}
	out, err := m.EvaluateBatch(in, BatchOptions{})
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}

	if len(out.Columns) != 2 || out.Columns[0] != "Time" || out.Columns[1] != "y" {
		t.Errorf("unexpected output columns: %v", out.Columns)
	}
	if len(out.Rows) != 3 {
		t.Fatalf("expected 3 output rows, got %d", len(out.Rows))
	}
	// u=1 over [0,1] then still 1 over [1,2]: y = 10+2, 10+4
	if out.Rows[1][1] != 12 {
		t.Errorf("expected y=12 at t=1, got %v", out.Rows[1][1])
	}
	if out.Rows[2][1] != 14 {
		t.Errorf("expected y=14 at t=2, got %v", out.Rows[2][1])
	}
	if m.EvaluationTime() != 2 {
		t.Errorf("expected clock at 2 after batch, got %v", m.EvaluationTime())
	}
	if got := m.Outputs()["y"]; got != 14 {
		t.Errorf("expected outputs updated to last row, got y=%v", got)
	}
}

func TestEvaluateBatchHoldsMissingInputs(t *testing.T) {
	m := startModel(t, simpleSpec(), InitOptions{Inputs: map[string]float64{"u": 3}})
	defer m.Close()

	in := &Table{
		Columns: []string{"Time"},
		Rows:    [][]float64{{0}, {1}},
	}
	out, err := m.EvaluateBatch(in, BatchOptions{})
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	// u held at its initialization value 3: y = 10 + 2*3*1
	if out.Rows[1][1] != 16 {
		t.Errorf("expected y=16 with held input, got %v", out.Rows[1][1])
	}
}

func TestEvaluateBatchValidation(t *testing.T) {
	m := startModel(t, simpleSpec(), InitOptions{})
	defer m.Close()

	_, err := m.EvaluateBatch(&Table{Columns: []string{"u"}, Rows: [][]float64{{1}}}, BatchOptions{})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument without Time column, got %v", err)
	}

	_, err = m.EvaluateBatch(&Table{Columns: []string{"Time"}, Rows: [][]float64{{0.5}}}, BatchOptions{})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument without t=0 row, got %v", err)
	}

	_, err = m.EvaluateBatch(&Table{Columns: []string{"Time"}}, BatchOptions{})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for empty table, got %v", err)
	}
}

func TestSaveStateLoadStateAcrossModels(t *testing.T) {
	wd := t.TempDir()
	settings := config.Settings{WorkingDir: filepath.Join(wd, "work"), LogLevel: "error"}
	twinPath := filepath.Join(wd, "heater.twin")
	if err := os.WriteFile(twinPath, []byte("twin"), 0644); err != nil {
		t.Fatalf("twin file write failed: %v", err)
	}
	opts := Options{Settings: settings, Open: runtime.Opener(simpleSpec())}

	first := New(twinPath, opts)
	if err := first.Open(); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := first.Instantiate(); err != nil {
		t.Fatalf("instantiate failed: %v", err)
	}
	if err := first.Initialize(InitOptions{Inputs: map[string]float64{"u": 2}}); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if err := first.Step(3, nil); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if err := first.SaveState(); err != nil {
		t.Fatalf("save state failed: %v", err)
	}
	yAtSave := first.Outputs()["y"]
	if err := first.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	second := New(twinPath, opts)
	if err := second.Open(); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer second.Close()
	if err := second.Instantiate(); err != nil {
		t.Fatalf("instantiate failed: %v", err)
	}
	if err := second.LoadState(first.ID(), 3, DefaultStateEpsilon); err != nil {
		t.Fatalf("load state failed: %v", err)
	}

	if second.EvaluationTime() != 3 {
		t.Errorf("expected clock restored to 3, got %v", second.EvaluationTime())
	}
	if got := second.Outputs()["y"]; got != yAtSave {
		t.Errorf("expected restored y=%v from the record, got %v", yAtSave, got)
	}
	if got := second.Inputs()["u"]; got != 2 {
		t.Errorf("expected restored u=2, got %v", got)
	}
	if !second.Initialized() {
		t.Error("expected loaded model to report initialized")
	}

	// The restored evaluation keeps integrating from where the first one
	// stopped.
	if err := second.Step(1, nil); err != nil {
		t.Fatalf("step after load failed: %v", err)
	}
	if got := second.Outputs()["y"]; got != yAtSave+4 {
		t.Errorf("expected y=%v after 1s at u=2, got %v", yAtSave+4, got)
	}
}

func TestLoadStateNoMatch(t *testing.T) {
	m := startModel(t, simpleSpec(), InitOptions{})
	defer m.Close()

	if err := m.SaveState(); err != nil {
		t.Fatalf("save state failed: %v", err)
	}
	err := m.LoadState(m.ID(), 42, DefaultStateEpsilon)
	if !errors.Is(err, registry.ErrStateNotFound) {
		t.Errorf("expected ErrStateNotFound, got %v", err)
	}
}

func TestLoadStateUnknownModelID(t *testing.T) {
	m := startModel(t, simpleSpec(), InitOptions{})
	defer m.Close()

	err := m.LoadState("ffffffffffffffffffffffff", 0, DefaultStateEpsilon)
	if !errors.Is(err, registry.ErrRegistry) {
		t.Errorf("expected ErrRegistry for unknown model id, got %v", err)
	}
}

func TestCloseGuards(t *testing.T) {
	m := startModel(t, simpleSpec(), InitOptions{})

	if err := m.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := m.Close(); !errors.Is(err, ErrLifecycle) {
		t.Errorf("expected ErrLifecycle on double close, got %v", err)
	}
	if err := m.Step(1, nil); !errors.Is(err, ErrLifecycle) {
		t.Errorf("expected ErrLifecycle stepping closed model, got %v", err)
	}
	if err := m.Initialize(InitOptions{}); !errors.Is(err, ErrLifecycle) {
		t.Errorf("expected ErrLifecycle initializing closed model, got %v", err)
	}
}
