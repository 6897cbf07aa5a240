// Package cascade composes a binary Detector and a conditional Classifier
// into a single per-window decision.
package cascade

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/hed1ad/plantguard/pkg/detectors"
	"github.com/hed1ad/plantguard/pkg/errs"
	"github.com/hed1ad/plantguard/pkg/schema"
	"github.com/hed1ad/plantguard/pkg/window"
)

// Engine routes windows through the detector and sends only the flagged
// ones to the classifier.
type Engine struct {
	Detector   detectors.Detector
	Classifier detectors.Classifier
	Threshold  float64
}

// Result holds the per-window cascade outcome, index aligned with the input.
type Result struct {
	// Flags is true where the detector probability reached the threshold.
	Flags []bool
	// Types is the classifier code for flagged windows and Normal elsewhere.
	Types []schema.Code
	// Probabilities is the detector output.
	Probabilities []float64
	// Confidence is the classifier probability of Types for flagged windows
	// and 1-p for the rest.
	Confidence []float64
}

// Len returns the number of windows in the result.
func (r Result) Len() int {
	return len(r.Flags)
}

// Flagged returns how many windows were flagged.
func (r Result) Flagged() int {
	n := 0
	for _, f := range r.Flags {
		if f {
			n++
		}
	}
	return n
}

// ValidateThreshold rejects thresholds outside [0, 1].
func ValidateThreshold(t float64) error {
	if math.IsNaN(t) || t < 0 || t > 1 {
		return fmt.Errorf("%w: threshold must be in [0, 1], got %v", errs.ErrConfig, t)
	}
	return nil
}

// Infer runs the cascade. The classifier is called at most once, with the
// flagged windows in input order, and never with an empty slice.
func (e *Engine) Infer(ctx context.Context, windows []window.Window) (Result, error) {
	if err := ValidateThreshold(e.Threshold); err != nil {
		return Result{}, err
	}
	n := len(windows)
	res := Result{
		Flags:         make([]bool, n),
		Types:         make([]schema.Code, n),
		Probabilities: make([]float64, n),
		Confidence:    make([]float64, n),
	}
	if n == 0 {
		return res, nil
	}

	probs, err := e.Detector.Score(ctx, windows)
	if err != nil {
		return Result{}, fmt.Errorf("detect: %w", err)
	}
	if len(probs) != n {
		return Result{}, fmt.Errorf("%w: detector returned %d scores for %d windows", errs.ErrDataIntegrity, len(probs), n)
	}
	copy(res.Probabilities, probs)

	var flagged []int
	for i, p := range probs {
		res.Types[i] = schema.Normal
		res.Confidence[i] = 1 - p
		if p >= e.Threshold {
			res.Flags[i] = true
			flagged = append(flagged, i)
		}
	}
	if len(flagged) == 0 {
		return res, nil
	}

	subset := make([]window.Window, len(flagged))
	for j, i := range flagged {
		subset[j] = windows[i]
	}
	labels, err := e.Classifier.Classify(ctx, subset)
	if err != nil {
		return Result{}, fmt.Errorf("classify: %w", err)
	}
	if len(labels) != len(flagged) {
		return Result{}, fmt.Errorf("%w: classifier returned %d labels for %d windows", errs.ErrDataIntegrity, len(labels), len(flagged))
	}
	for j, i := range flagged {
		res.Types[i] = labels[j].Code
		res.Confidence[i] = labels[j].Probability
	}
	return res, nil
}

// SweepPoint is the number of windows flagged at one threshold.
type SweepPoint struct {
	Threshold float64 `json:"threshold"`
	Flagged   int     `json:"flagged"`
}

// Sweep counts flagged windows for each threshold, in ascending threshold
// order. Counts are non-increasing along the result.
func Sweep(probabilities, thresholds []float64) []SweepPoint {
	ts := append([]float64(nil), thresholds...)
	sort.Float64s(ts)
	sorted := append([]float64(nil), probabilities...)
	sort.Float64s(sorted)

	out := make([]SweepPoint, len(ts))
	for i, t := range ts {
		// First index with p >= t.
		k := sort.SearchFloat64s(sorted, t)
		out[i] = SweepPoint{Threshold: t, Flagged: len(sorted) - k}
	}
	return out
}

// Grid returns n evenly spaced thresholds from lo to hi inclusive.
func Grid(lo, hi float64, n int) []float64 {
	if n <= 1 {
		return []float64{lo}
	}
	out := make([]float64, n)
	step := (hi - lo) / float64(n-1)
	for i := range out {
		out[i] = lo + float64(i)*step
	}
	return out
}
