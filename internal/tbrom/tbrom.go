// Package tbrom converts between compact modal coefficient vectors and full
// spatial field snapshots for one reduced-order model component. Each field
// carries an orthogonal SVD-type basis: projecting a snapshot onto the basis
// yields one scalar coefficient per mode, and a linear combination of the
// modes rebuilds the snapshot.
package tbrom

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	inputFieldPrefix = "binaryInputField_"
	outputFieldDir   = "binaryOutputField"
	basisFilename    = "basis.svd"
)

// Rom holds the bases of one ROM component: zero or more named input fields
// and exactly one output field. Bases are immutable once loaded.
//
// Mode coefficients live in the twin's regular input/output variable maps;
// the wiring methods record which variable names carry them. A ROM whose
// coefficients are not wired to live variables is a valid configuration:
// projection and reconstruction then return empty results instead of
// failing.
type Rom struct {
	name     string
	inBasis  map[string][][]float64
	inFields []string
	outBasis [][]float64

	inModeVars  map[string][]string
	outModeVars []string
}

// Load discovers the bases in a ROM resource directory. Input field bases
// live in subdirectories tagged with the field name; the output basis is
// required.
func Load(name, resourceDir string) (*Rom, error) {
	entries, err := os.ReadDir(resourceDir)
	if err != nil {
		return nil, fmt.Errorf("tbrom: reading resource directory for %s: %w", name, err)
	}

	r := &Rom{
		name:       name,
		inBasis:    make(map[string][][]float64),
		inModeVars: make(map[string][]string),
	}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), inputFieldPrefix) {
			continue
		}
		field := strings.TrimPrefix(e.Name(), inputFieldPrefix)
		basis, err := ReadBasis(filepath.Join(resourceDir, e.Name(), basisFilename))
		if err != nil {
			return nil, fmt.Errorf("tbrom: input field %q of %s: %w", field, name, err)
		}
		r.inBasis[field] = basis
		r.inFields = append(r.inFields, field)
	}

	outPath := filepath.Join(resourceDir, outputFieldDir, basisFilename)
	r.outBasis, err = ReadBasis(outPath)
	if err != nil {
		return nil, fmt.Errorf("tbrom: output field of %s: %w", name, err)
	}
	return r, nil
}

func (r *Rom) Name() string { return r.name }

// FieldInputNames returns the input field names, in discovery order.
func (r *Rom) FieldInputNames() []string { return r.inFields }

// Modes returns the mode count of the output field basis.
func (r *Rom) Modes() int { return len(r.outBasis) }

// FieldSize returns the flattened degree-of-freedom count of the output
// field.
func (r *Rom) FieldSize() int { return len(r.outBasis[0]) }

// InputModes returns the mode count of a named input field basis, or zero
// for an unknown field.
func (r *Rom) InputModes(field string) int { return len(r.inBasis[field]) }

// InputFieldSize returns the snapshot length a named input field expects,
// or zero for an unknown field.
func (r *Rom) InputFieldSize(field string) int {
	basis, ok := r.inBasis[field]
	if !ok || len(basis) == 0 {
		return 0
	}
	return len(basis[0])
}

// WireInputModes records the twin input variable names carrying the mode
// coefficients of an input field, in mode order. Wiring succeeds only with
// one variable per mode.
func (r *Rom) WireInputModes(field string, varNames []string) error {
	basis, ok := r.inBasis[field]
	if !ok {
		return fmt.Errorf("tbrom: %s has no input field %q", r.name, field)
	}
	if len(varNames) != len(basis) {
		return fmt.Errorf("tbrom: field %q of %s has %d modes, got %d variables",
			field, r.name, len(basis), len(varNames))
	}
	r.inModeVars[field] = varNames
	return nil
}

// WireOutputModes records the twin output variable names carrying the
// output field mode coefficients, in mode order.
func (r *Rom) WireOutputModes(varNames []string) error {
	if len(varNames) != len(r.outBasis) {
		return fmt.Errorf("tbrom: %s has %d output modes, got %d variables",
			r.name, len(r.outBasis), len(varNames))
	}
	r.outModeVars = varNames
	return nil
}

// HasInputModeCoefficients reports whether a field's coefficients are wired
// to live twin inputs.
func (r *Rom) HasInputModeCoefficients(field string) bool {
	return len(r.inModeVars[field]) > 0
}

// HasOutputModeCoefficients reports whether the output coefficients are
// wired to live twin outputs.
func (r *Rom) HasOutputModeCoefficients() bool { return len(r.outModeVars) > 0 }

// InputModeVars returns the wired variable names for a field, in mode order.
func (r *Rom) InputModeVars(field string) []string { return r.inModeVars[field] }

// OutputModeVars returns the wired output variable names, in mode order.
func (r *Rom) OutputModeVars() []string { return r.outModeVars }

// Project computes the mode coefficients of an input field snapshot:
// coefficients[m] = dot(basis[m], snapshot). It returns an empty result if
// the field's coefficients are not wired, and fails on a snapshot whose
// length does not match the basis.
func (r *Rom) Project(field string, snapshot []float64) ([]float64, error) {
	if !r.HasInputModeCoefficients(field) {
		return nil, nil
	}
	basis := r.inBasis[field]
	if len(snapshot) != len(basis[0]) {
		return nil, fmt.Errorf("tbrom: snapshot length %d does not match field %q size %d",
			len(snapshot), field, len(basis[0]))
	}
	coeffs := make([]float64, len(basis))
	for m, mode := range basis {
		var dot float64
		for i, v := range mode {
			dot += v * snapshot[i]
		}
		coeffs[m] = dot
	}
	return coeffs, nil
}

// Reconstruct rebuilds the output field snapshot from mode coefficients:
// field = sum over m of coefficients[m]*basis[m]. With onDisk set the
// snapshot is written to outputPath and nil is returned; otherwise the
// vector is returned in memory. An unwired output yields an empty result.
func (r *Rom) Reconstruct(coeffs []float64, onDisk bool, outputPath string) ([]float64, error) {
	if !r.HasOutputModeCoefficients() {
		return nil, nil
	}
	if len(coeffs) != len(r.outBasis) {
		return nil, fmt.Errorf("tbrom: %d coefficients for %d modes of %s",
			len(coeffs), len(r.outBasis), r.name)
	}
	field := make([]float64, len(r.outBasis[0]))
	for m, mode := range r.outBasis {
		c := coeffs[m]
		for i, v := range mode {
			field[i] += c * v
		}
	}
	if onDisk {
		if err := WriteSnapshot(outputPath, field); err != nil {
			return nil, fmt.Errorf("tbrom: writing snapshot for %s: %w", r.name, err)
		}
		return nil, nil
	}
	return field, nil
}
