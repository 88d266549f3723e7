// Package runtime defines the contract between twinflow and the native twin
// solver. The solver itself is an external black box; everything above it
// talks to this interface so that the orchestration layer can be exercised
// against the in-memory Fake without the native engine installed.
package runtime

// VarCategory selects one of the three variable groups a model declares.
type VarCategory int

const (
	Parameters VarCategory = iota
	Inputs
	Outputs
)

func (c VarCategory) String() string {
	switch c {
	case Parameters:
		return "parameters"
	case Inputs:
		return "inputs"
	case Outputs:
		return "outputs"
	}
	return "unknown"
}

// LogLevel controls the native solver's own log file verbosity.
type LogLevel int

const (
	LogNone LogLevel = iota
	LogAll
	LogWarning
	LogError
	LogFatal
)

// RomInfo describes one reduced-order model component embedded in a twin,
// as reported by the solver's visualization resources query.
type RomInfo struct {
	Views []string
}

// Handle is an opened twin model inside the native solver. Calls are
// synchronous and block until the solver returns. Variable indices follow
// the order of VarNames for the variable's category.
type Handle interface {
	ModelName() string

	// VarNames returns the declared variable names for a category, in the
	// solver's order. The slice is stable for the handle's lifetime.
	VarNames(cat VarCategory) []string

	VarStart(name string) (float64, error)
	VarMin(name string) (float64, error)
	VarMax(name string) (float64, error)

	SetValue(name string, value float64) error
	GetValue(name string) (float64, error)

	Instantiate() error
	Initialize() error
	Initialized() bool
	Reset() error

	// Step advances the model to stopTime. stepHint is the solver's
	// internal step size suggestion; zero lets the solver choose.
	Step(stopTime, stepHint float64) error

	// BatchStep evaluates the model over a whole input history. Each input
	// row is Time followed by every declared input in order. With
	// stepSize == 0 output rows land on the input time grid; otherwise
	// they land on a fixed grid of spacing stepSize, with continuous
	// inputs linearly interpolated when interpolate is set. Each output
	// row is Time followed by every declared output in order.
	BatchStep(inputRows [][]float64, stepSize float64, interpolate bool) ([][]float64, error)

	SaveState(path string) error
	LoadState(path string) error

	// VisualizationResources reports the ROM components embedded in the
	// twin, keyed by ROM name. An empty map means no ROMs.
	VisualizationResources() map[string]RomInfo
	RomResourceDirectory(romName string) (string, error)
	SetRomOutputDirectory(romName, dir string) error

	Close() error
}

// OpenFunc opens a twin model file and returns a live handle. logPath and
// level configure the solver's own log file.
type OpenFunc func(modelPath, logPath string, level LogLevel) (Handle, error)
