package twin

import (
	"errors"
	"fmt"
)

// Domain errors for twin model evaluation.
var (
	// ErrLifecycle indicates an operation invoked in the wrong lifecycle
	// state, e.g. stepping a model that was never initialized.
	ErrLifecycle = errors.New("twin: operation invoked in the wrong lifecycle state")

	// ErrInvalidArgument indicates a caller-supplied value the model
	// cannot evaluate with, e.g. a non-positive step size.
	ErrInvalidArgument = errors.New("twin: invalid argument")

	// ErrInvalidModelPath indicates the twin file path does not exist.
	ErrInvalidModelPath = errors.New("twin: model path does not exist")

	// ErrNoRom indicates a ROM operation on a twin without any ROM, or
	// with an unknown ROM name.
	ErrNoRom = errors.New("twin: no such ROM in this twin")

	// ErrRomNotConnected indicates a ROM whose mode coefficients are not
	// wired to live twin variables.
	ErrRomNotConnected = errors.New("twin: ROM mode coefficients are not connected to twin variables")
)

// EvaluationError reports a solver failure mid-step or mid-batch. The model
// clock is left at the time the failure occurred; the caller must
// reinitialize the evaluation before continuing.
type EvaluationError struct {
	Time    float64
	LogPath string
	Err     error
}

func (e *EvaluationError) Error() string {
	msg := fmt.Sprintf("twin: evaluation failed at t=%v: %v; reinitialize the model evaluation and restart", e.Time, e.Err)
	if e.LogPath != "" {
		msg += fmt.Sprintf(" (solver log: %s)", e.LogPath)
	}
	return msg
}

func (e *EvaluationError) Unwrap() error { return e.Err }
