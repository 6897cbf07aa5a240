// Package errs defines the failure classes shared by the pipeline packages.
//
// Packages wrap one of the sentinels with fmt.Errorf("%w: ...") so callers can
// branch with errors.Is without depending on message text.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig indicates an unusable configuration (window sizes, split
	// fractions, thresholds). Raised before any training starts.
	ErrConfig = errors.New("configuration error")

	// ErrDataIntegrity indicates malformed input: unknown anomaly codes,
	// missing columns, runs absent from every partition.
	ErrDataIntegrity = errors.New("data integrity error")

	// ErrDegenerateClass indicates a class with zero examples where a
	// weighted loss needs it.
	ErrDegenerateClass = errors.New("degenerate class")

	// ErrDiverged indicates a non-finite loss after gradient clipping.
	ErrDiverged = errors.New("training diverged")

	// ErrNotTrained indicates a model used before Fit or Load.
	ErrNotTrained = errors.New("model not trained")
)

// DivergenceError reports where training stopped on a non-finite loss.
type DivergenceError struct {
	Stage string
	Epoch int
	Batch int
	Loss  float64
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("%s: %s diverged at epoch %d batch %d (loss=%v)",
		ErrDiverged, e.Stage, e.Epoch, e.Batch, e.Loss)
}

// Unwrap lets errors.Is match ErrDiverged.
func (e *DivergenceError) Unwrap() error {
	return ErrDiverged
}
