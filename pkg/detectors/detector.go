// Package detectors defines the two cascade stages' contracts and the
// helpers they share.
package detectors

import (
	"context"
	"fmt"

	"github.com/hed1ad/plantguard/pkg/errs"
	"github.com/hed1ad/plantguard/pkg/schema"
	"github.com/hed1ad/plantguard/pkg/window"
)

// Detector is the binary stage: it scores each window with the probability
// that it contains an anomaly.
type Detector interface {
	// Score returns one probability in [0, 1] per window.
	Score(ctx context.Context, windows []window.Window) ([]float64, error)
}

// Classifier is the conditional stage: it assigns an anomaly type to windows
// already flagged by a Detector.
type Classifier interface {
	// Classify returns one label per window.
	Classify(ctx context.Context, windows []window.Window) ([]Label, error)
}

// Label is a Classifier decision.
type Label struct {
	// Code is the chosen anomaly type, never schema.Normal.
	Code schema.Code
	// Probability is the softmax probability of Code.
	Probability float64
	// Probabilities holds the softmax output indexed by schema.AnomalyCodes order.
	Probabilities []float64
}

// Config holds the training settings shared by both stages.
type Config struct {
	// Hidden is the recurrent state size.
	Hidden int
	// Epochs is the number of passes over the training windows.
	Epochs int
	// BatchSize is the minibatch size.
	BatchSize int
	// LearningRate is the Adam step size.
	LearningRate float64
	// ClipNorm is the global gradient norm ceiling.
	ClipNorm float64
	// Threshold is the decision threshold used for validation metrics.
	Threshold float64
	// Workers bounds parallel scoring goroutines (0 means GOMAXPROCS).
	Workers int
	// RandomSeed for reproducibility.
	RandomSeed int64
}

// DefaultConfig returns the detector-stage defaults.
func DefaultConfig() Config {
	return Config{
		Hidden:       64,
		Epochs:       12,
		BatchSize:    256,
		LearningRate: 1e-3,
		ClipNorm:     5.0,
		Threshold:    0.5,
		RandomSeed:   42,
	}
}

// Inputs returns the window views as model inputs without copying.
func Inputs(windows []window.Window) [][]float64 {
	out := make([][]float64, len(windows))
	for i, w := range windows {
		out[i] = w.Values
	}
	return out
}

// BinaryCounts returns how many windows carry binary label 0 and 1.
func BinaryCounts(windows []window.Window) (neg, pos int) {
	for _, w := range windows {
		if w.Anomalous() {
			pos++
		} else {
			neg++
		}
	}
	return neg, pos
}

// Shape checks that every window has the same length and feature count and
// returns them.
func Shape(windows []window.Window) (length, dim int, err error) {
	if len(windows) == 0 {
		return 0, 0, nil
	}
	length, dim = windows[0].Len, windows[0].Dim
	for i, w := range windows {
		if w.Len != length || w.Dim != dim || len(w.Values) != w.Len*w.Dim {
			return 0, 0, fmt.Errorf("%w: window %d (run %s) is %dx%d with %d values, want %dx%d",
				errs.ErrDataIntegrity, i, w.RunID, w.Len, w.Dim, len(w.Values), length, dim)
		}
	}
	return length, dim, nil
}
