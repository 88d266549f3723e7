package twin

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/san-kum/twinflow/internal/tbrom"
)

// discoverRoms loads the basis resources of every ROM the solver reports
// and wires their mode coefficients to the twin's scalar variables by the
// port-name convention. A ROM whose ports do not match stays loaded but
// unwired; field operations on it fail with ErrRomNotConnected.
func (m *TwinModel) discoverRoms() error {
	log := m.op("Open")
	resources := m.handle.VisualizationResources()

	names := make([]string, 0, len(resources))
	for name := range resources {
		names = append(names, name)
	}
	sort.Strings(names)

	multi := len(names) > 1
	for _, name := range names {
		dir, err := m.handle.RomResourceDirectory(name)
		if err != nil {
			log.Warn("ROM resource directory not available, skipping", "rom", name, "error", err)
			continue
		}
		rom, err := tbrom.Load(name, dir)
		if err != nil {
			return fmt.Errorf("twin: loading ROM %s: %w", name, err)
		}
		m.wireRomPorts(rom, multi, log)
		m.roms[name] = rom
		m.romNames = append(m.romNames, name)
	}
	return nil
}

// wireRomPorts connects mode coefficients to twin variables. Input field
// ports are named <field>_mode_<i> with i counted from zero; output field
// ports are outField_mode_<i> with i counted from one. With more than one
// ROM in the twin every port carries a _<rom> suffix.
func (m *TwinModel) wireRomPorts(rom *tbrom.Rom, multi bool, log *slog.Logger) {
	suffix := ""
	if multi {
		suffix = "_" + rom.Name()
	}

	for _, field := range rom.FieldInputNames() {
		vars := make([]string, 0, rom.InputModes(field))
		for i := 0; i < rom.InputModes(field); i++ {
			port := fmt.Sprintf("%s_mode_%d%s", field, i, suffix)
			name, ok := matchModeVar(m.inputNames, port)
			if !ok {
				break
			}
			vars = append(vars, name)
		}
		if len(vars) == rom.InputModes(field) {
			if err := rom.WireInputModes(field, vars); err != nil {
				log.Warn("input field wiring rejected", "rom", rom.Name(), "field", field, "error", err)
			}
		} else {
			log.Debug("input field mode coefficients not exposed as twin inputs",
				"rom", rom.Name(), "field", field)
		}
	}

	vars := make([]string, 0, rom.Modes())
	for i := 1; i <= rom.Modes(); i++ {
		port := fmt.Sprintf("outField_mode_%d%s", i, suffix)
		name, ok := matchModeVar(m.outputNames, port)
		if !ok {
			break
		}
		vars = append(vars, name)
	}
	if len(vars) == rom.Modes() {
		if err := rom.WireOutputModes(vars); err != nil {
			log.Warn("output field wiring rejected", "rom", rom.Name(), "error", err)
		}
	} else {
		log.Debug("output field mode coefficients not exposed as twin outputs", "rom", rom.Name())
	}
}

// matchModeVar finds the variable carrying a mode-coefficient port. Real
// twins decorate port names with block prefixes, so containment is enough;
// the digit-boundary check keeps mode_1 from also claiming mode_10.
func matchModeVar(varNames []string, port string) (string, bool) {
	for _, name := range varNames {
		idx := strings.Index(name, port)
		if idx < 0 {
			continue
		}
		rest := name[idx+len(port):]
		if len(rest) > 0 && rest[0] >= '0' && rest[0] <= '9' {
			continue
		}
		return name, true
	}
	return "", false
}

func (m *TwinModel) romDir(romName string) string {
	return filepath.Join(m.Dir(), romFolderName, romName)
}

func (m *TwinModel) rom(romName string) (*tbrom.Rom, error) {
	if len(m.roms) == 0 {
		return nil, fmt.Errorf("%w: model %s has no ROM component", ErrNoRom, m.name)
	}
	rom, ok := m.roms[romName]
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrNoRom, romName, m.romNames)
	}
	return rom, nil
}

// FieldInputNames lists the input fields of a ROM, in discovery order.
func (m *TwinModel) FieldInputNames(romName string) ([]string, error) {
	rom, err := m.rom(romName)
	if err != nil {
		return nil, err
	}
	return rom.FieldInputNames(), nil
}

// SnapshotFilePath is the on-disk location GenerateSnapshot writes for the
// current evaluation time.
func (m *TwinModel) SnapshotFilePath(romName string) (string, error) {
	if _, err := m.rom(romName); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s%.6f%s", snapshotPrefix, m.evalTime, snapshotExt)
	return filepath.Join(m.romDir(romName), name), nil
}

// GenerateSnapshot reconstructs a ROM's output field at the current
// evaluation time from the live output mode coefficients. With onDisk set
// the snapshot is written under the ROM directory and its path returned;
// otherwise the field vector is returned in memory.
func (m *TwinModel) GenerateSnapshot(romName string, onDisk bool) ([]float64, string, error) {
	log := m.op("GenerateSnapshot")
	if m.state != stateInitialized {
		return nil, "", fmt.Errorf("%w: snapshot generation requires an initialized model (state %s)", ErrLifecycle, m.state)
	}
	rom, err := m.rom(romName)
	if err != nil {
		return nil, "", err
	}
	if !rom.HasOutputModeCoefficients() {
		return nil, "", fmt.Errorf("%w: output field of ROM %s", ErrRomNotConnected, romName)
	}

	coeffs := make([]float64, 0, rom.Modes())
	for _, varName := range rom.OutputModeVars() {
		coeffs = append(coeffs, m.outputs[varName])
	}

	var path string
	if onDisk {
		if err := os.MkdirAll(m.romDir(romName), 0755); err != nil {
			return nil, "", fmt.Errorf("twin: creating ROM directory: %w", err)
		}
		path, err = m.SnapshotFilePath(romName)
		if err != nil {
			return nil, "", err
		}
	}
	field, err := rom.Reconstruct(coeffs, onDisk, path)
	if err != nil {
		return nil, "", err
	}
	log.Debug("snapshot generated", "rom", romName, "time", m.evalTime, "on_disk", onDisk)
	return field, path, nil
}

// ProjectFieldInput projects an input field snapshot onto the ROM's basis
// and feeds the resulting mode coefficients into the twin's regular inputs,
// so the next Step or Initialize sees the field.
func (m *TwinModel) ProjectFieldInput(romName, field string, snapshot []float64) error {
	log := m.op("ProjectFieldInput")
	switch m.state {
	case stateInstantiated, stateInitialized:
	default:
		return fmt.Errorf("%w: field projection called in state %s", ErrLifecycle, m.state)
	}
	rom, err := m.rom(romName)
	if err != nil {
		return err
	}
	if !rom.HasInputModeCoefficients(field) {
		return fmt.Errorf("%w: input field %q of ROM %s", ErrRomNotConnected, field, romName)
	}

	coeffs, err := rom.Project(field, snapshot)
	if err != nil {
		return err
	}
	for i, varName := range rom.InputModeVars(field) {
		m.inputs[varName] = coeffs[i]
		if err := m.handle.SetValue(varName, coeffs[i]); err != nil {
			return fmt.Errorf("twin: setting mode coefficient %q: %w", varName, err)
		}
	}
	log.Debug("field input projected", "rom", romName, "field", field, "modes", len(coeffs))
	return nil
}

// ProjectFieldInputFile is ProjectFieldInput over an on-disk snapshot.
func (m *TwinModel) ProjectFieldInputFile(romName, field, snapshotPath string) error {
	snapshot, err := tbrom.ReadSnapshot(snapshotPath)
	if err != nil {
		return err
	}
	return m.ProjectFieldInput(romName, field, snapshot)
}
