package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/guptarohit/asciigraph"
	"github.com/san-kum/twinflow/internal/analysis"
	"github.com/san-kum/twinflow/internal/config"
	"github.com/san-kum/twinflow/internal/logging"
	"github.com/san-kum/twinflow/internal/registry"
	"github.com/san-kum/twinflow/internal/runtime"
	"github.com/san-kum/twinflow/internal/twin"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	workDir    string
	logLevel   string
	configFile string
	inputFile  string
	outputFile string
	stepSize   float64
	stepCount  int
	interp     bool
	saveState  bool
	scenario   string
	plotColumn string
	modelName  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "twinflow",
		Short: "evaluate digital twin models",
	}
	rootCmd.PersistentFlags().StringVar(&workDir, "workdir", config.Default().WorkingDir, "working directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	evaluateCmd := &cobra.Command{
		Use:   "evaluate [twin_file]",
		Short: "batch-evaluate a twin over an input time history",
		Args:  cobra.MaximumNArgs(1),
		RunE:  evaluateBatch,
	}
	evaluateCmd.Flags().StringVar(&inputFile, "input", "", "input CSV with a Time column (required)")
	evaluateCmd.Flags().StringVar(&outputFile, "output", "", "output CSV path (default stdout)")
	evaluateCmd.Flags().StringVar(&configFile, "config", "", "evaluation initialization file (yaml)")
	evaluateCmd.Flags().Float64Var(&stepSize, "step-size", 0, "fixed output step size (0 keeps the input grid)")
	evaluateCmd.Flags().BoolVar(&interp, "interpolate", false, "interpolate inputs between rows")
	evaluateCmd.MarkFlagRequired("input")

	stepCmd := &cobra.Command{
		Use:   "step [twin_file]",
		Short: "step a twin and print the outputs",
		Args:  cobra.MaximumNArgs(1),
		RunE:  stepModel,
	}
	stepCmd.Flags().Float64Var(&stepSize, "step-size", 0.1, "step size in seconds")
	stepCmd.Flags().IntVar(&stepCount, "steps", 10, "number of steps")
	stepCmd.Flags().StringVar(&configFile, "config", "", "evaluation initialization file (yaml)")
	stepCmd.Flags().StringVar(&scenario, "scenario", "", "per-step input scenario (yaml)")
	stepCmd.Flags().BoolVar(&saveState, "save", false, "save the final state to the registry")

	statesCmd := &cobra.Command{
		Use:   "states [model_id]",
		Short: "list the saved states of a model",
		Args:  cobra.ExactArgs(1),
		RunE:  listStates,
	}
	statesCmd.Flags().StringVar(&modelName, "name", demoSpec().Name, "model name")

	plotCmd := &cobra.Command{
		Use:   "plot [twin_file]",
		Short: "batch-evaluate and chart one output column",
		Args:  cobra.MaximumNArgs(1),
		RunE:  plotOutput,
	}
	plotCmd.Flags().StringVar(&inputFile, "input", "", "input CSV with a Time column (required)")
	plotCmd.Flags().StringVar(&configFile, "config", "", "evaluation initialization file (yaml)")
	plotCmd.Flags().StringVar(&plotColumn, "column", "", "output column to chart (default first output)")
	plotCmd.MarkFlagRequired("input")

	analyzeCmd := &cobra.Command{
		Use:   "analyze [twin_file]",
		Short: "frequency analysis of one output column",
		Args:  cobra.MaximumNArgs(1),
		RunE:  analyzeOutput,
	}
	analyzeCmd.Flags().StringVar(&inputFile, "input", "", "input CSV with a Time column (required)")
	analyzeCmd.Flags().StringVar(&configFile, "config", "", "evaluation initialization file (yaml)")
	analyzeCmd.Flags().StringVar(&plotColumn, "column", "", "output column to analyze (default first output)")
	analyzeCmd.MarkFlagRequired("input")

	infoCmd := &cobra.Command{
		Use:   "info [twin_file]",
		Short: "show a twin's variables and start values",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showInfo,
	}

	rootCmd.AddCommand(evaluateCmd, stepCmd, statesCmd, plotCmd, analyzeCmd, infoCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// demoSpec is the model served when no native solver is wired in: a heater
// plate whose temperature integrates the heat input and bleeds to ambient.
func demoSpec() runtime.FakeModel {
	return runtime.FakeModel{
		Name: "heater",
		Parameters: []runtime.Var{
			{Name: "thermal_mass", Start: 1},
		},
		Inputs: []runtime.Var{
			{Name: "heat_in", Start: 0, Min: 0, Max: 100, HasMin: true, HasMax: true},
			{Name: "ambient", Start: 20},
		},
		Outputs: []runtime.Var{
			{Name: "temperature", Start: 20},
			{Name: "heat_flux", Start: 0},
		},
		Gains: map[string]map[string]float64{
			"temperature": {"heat_in": 0.5},
		},
		Feedthrough: map[string]map[string]float64{
			"heat_flux": {"heat_in": 1},
		},
	}
}

func settings() config.Settings {
	return config.Settings{WorkingDir: workDir, LogLevel: logLevel}
}

// resolveTwinPath returns the twin file to open. Without an argument a
// placeholder file under the working directory stands in for it, since the
// demo model ignores the file contents anyway.
func resolveTwinPath(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	s := settings()
	if err := s.EnsureWorkingDir(); err != nil {
		return "", err
	}
	path := filepath.Join(s.TempDir(), "demo.twin")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte("demo"), 0644); err != nil {
			return "", err
		}
	}
	return path, nil
}

func openModel(args []string) (*twin.TwinModel, error) {
	path, err := resolveTwinPath(args)
	if err != nil {
		return nil, err
	}
	m := twin.New(path, twin.Options{
		Settings: settings(),
		Logger:   logging.NewLogger(logLevel, os.Stderr),
		Open:     runtime.Opener(demoSpec()),
	})
	if err := m.Open(); err != nil {
		return nil, err
	}
	if err := m.Instantiate(); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func initOptions() (twin.InitOptions, error) {
	var opts twin.InitOptions
	if configFile != "" {
		cfg, err := config.LoadEvalConfig(configFile)
		if err != nil {
			return opts, err
		}
		opts.Config = cfg
	}
	return opts, nil
}

func evaluateBatch(cmd *cobra.Command, args []string) error {
	m, err := openModel(args)
	if err != nil {
		return err
	}
	defer m.Close()

	opts, err := initOptions()
	if err != nil {
		return err
	}
	if err := m.Initialize(opts); err != nil {
		return err
	}

	in, err := twin.ReadCSVTable(inputFile)
	if err != nil {
		return err
	}
	out, err := m.EvaluateBatch(in, twin.BatchOptions{StepSize: stepSize, Interpolate: interp})
	if err != nil {
		return err
	}

	if outputFile == "" {
		return out.WriteCSV(os.Stdout)
	}
	f, err := os.Create(outputFile)
	if err != nil {
		return err
	}
	if err := out.WriteCSV(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Printf("wrote %d rows to %s\n", len(out.Rows), outputFile)
	return nil
}

// stepScenario is the yaml document behind --scenario: inputs applied
// before each step, in order. Steps beyond the list hold the last inputs.
type stepScenario struct {
	Steps []struct {
		Inputs map[string]float64 `yaml:"inputs"`
	} `yaml:"steps"`
}

func loadScenario(path string) (*stepScenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	var sc stepScenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parsing scenario %s: %w", path, err)
	}
	return &sc, nil
}

func stepModel(cmd *cobra.Command, args []string) error {
	m, err := openModel(args)
	if err != nil {
		return err
	}
	defer m.Close()

	opts, err := initOptions()
	if err != nil {
		return err
	}
	if err := m.Initialize(opts); err != nil {
		return err
	}

	var sc *stepScenario
	if scenario != "" {
		if sc, err = loadScenario(scenario); err != nil {
			return err
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprint(w, "TIME")
	for _, name := range m.OutputNames() {
		fmt.Fprintf(w, "\t%s", name)
	}
	fmt.Fprintln(w)

	printRow := func() {
		outputs := m.Outputs()
		fmt.Fprintf(w, "%.4f", m.EvaluationTime())
		for _, name := range m.OutputNames() {
			fmt.Fprintf(w, "\t%.6f", outputs[name])
		}
		fmt.Fprintln(w)
	}
	printRow()

	for i := 0; i < stepCount; i++ {
		var inputs map[string]float64
		if sc != nil && i < len(sc.Steps) {
			inputs = sc.Steps[i].Inputs
		}
		if err := m.Step(stepSize, inputs); err != nil {
			w.Flush()
			return err
		}
		printRow()
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if saveState {
		if err := m.SaveState(); err != nil {
			return err
		}
		fmt.Printf("\nstate saved at t=%.4f\n", m.EvaluationTime())
	}
	fmt.Printf("model id: %s\n", m.ID())
	return nil
}

func listStates(cmd *cobra.Command, args []string) error {
	reg, err := registry.Open(settings(), args[0], modelName, logging.NewLogger(logLevel, os.Stderr))
	if err != nil {
		return err
	}
	states, err := reg.States()
	if err != nil {
		return err
	}
	if len(states) == 0 {
		fmt.Println("no saved states")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIME\tOUTPUTS")
	for _, ss := range states {
		fmt.Fprintf(w, "%s\t%.6f\t%d\n", ss.ID, ss.Time, len(ss.Outputs))
	}
	return w.Flush()
}

func plotOutput(cmd *cobra.Command, args []string) error {
	m, err := openModel(args)
	if err != nil {
		return err
	}
	defer m.Close()

	opts, err := initOptions()
	if err != nil {
		return err
	}
	if err := m.Initialize(opts); err != nil {
		return err
	}

	in, err := twin.ReadCSVTable(inputFile)
	if err != nil {
		return err
	}
	out, err := m.EvaluateBatch(in, twin.BatchOptions{})
	if err != nil {
		return err
	}

	column := plotColumn
	if column == "" {
		column = m.OutputNames()[0]
	}
	data, ok := out.Column(column)
	if !ok {
		return fmt.Errorf("no output column %q (available: %v)", column, m.OutputNames())
	}

	graph := asciigraph.Plot(data,
		asciigraph.Height(10),
		asciigraph.Width(80),
		asciigraph.Caption(fmt.Sprintf("%s vs time", column)),
	)
	fmt.Println(graph)
	return nil
}

func analyzeOutput(cmd *cobra.Command, args []string) error {
	m, err := openModel(args)
	if err != nil {
		return err
	}
	defer m.Close()

	opts, err := initOptions()
	if err != nil {
		return err
	}
	if err := m.Initialize(opts); err != nil {
		return err
	}

	in, err := twin.ReadCSVTable(inputFile)
	if err != nil {
		return err
	}
	out, err := m.EvaluateBatch(in, twin.BatchOptions{})
	if err != nil {
		return err
	}

	column := plotColumn
	if column == "" {
		column = m.OutputNames()[0]
	}
	data, ok := out.Column(column)
	if !ok {
		return fmt.Errorf("no output column %q (available: %v)", column, m.OutputNames())
	}
	times, _ := out.Column("Time")
	if len(times) < 2 {
		return fmt.Errorf("need at least two rows to analyze")
	}
	dt := (times[len(times)-1] - times[0]) / float64(len(times)-1)

	ps := analysis.PowerSpectrum(data)
	plotData := ps
	if len(ps) >= 8 {
		plotData = ps[:len(ps)/4]
	}
	graph := asciigraph.Plot(plotData,
		asciigraph.Height(15),
		asciigraph.Width(80),
		asciigraph.Caption(fmt.Sprintf("power spectrum (%s)", column)),
	)
	fmt.Println(graph)
	fmt.Println()

	min, max, mean := analysis.Stats(data)
	fmt.Printf("min: %.6f  max: %.6f  mean: %.6f\n", min, max, mean)
	if freq := analysis.DominantFrequency(data, dt); freq > 0 {
		fmt.Printf("dominant frequency: %.3f hz (period %.3f s)\n", freq, 1/freq)
	} else {
		fmt.Println("no dominant oscillation")
	}
	return nil
}

func showInfo(cmd *cobra.Command, args []string) error {
	m, err := openModel(args)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Initialize(twin.InitOptions{}); err != nil {
		return err
	}

	fmt.Printf("model: %s\n", m.Name())
	fmt.Printf("id: %s\n", m.ID())
	fmt.Printf("directory: %s\n\n", m.Dir())

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tVALUE")
	params := m.Parameters()
	for _, name := range m.ParameterNames() {
		fmt.Fprintf(w, "%s\tparameter\t%.6f\n", name, params[name])
	}
	inputs := m.Inputs()
	for _, name := range m.InputNames() {
		fmt.Fprintf(w, "%s\tinput\t%.6f\n", name, inputs[name])
	}
	outputs := m.Outputs()
	for _, name := range m.OutputNames() {
		fmt.Fprintf(w, "%s\toutput\t%.6f\n", name, outputs[name])
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if roms := m.RomNames(); len(roms) > 0 {
		fmt.Printf("\nROM components: %v\n", roms)
	}
	return nil
}
