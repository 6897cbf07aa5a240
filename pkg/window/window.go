// Package window converts per-timestep run readings into fixed-length
// labelled sequences.
//
// Two labels are derived per window with deliberately different policies:
// the binary label is an OR over the member timesteps (any anomalous step
// flags the window) and the class label is the majority code (the dominant
// regime inside the window, ties resolved to the lowest code).
package window

import (
	"fmt"

	"github.com/hed1ad/plantguard/pkg/errs"
	"github.com/hed1ad/plantguard/pkg/runs"
	"github.com/hed1ad/plantguard/pkg/schema"
)

// Window is a contiguous slice of one run. Values is a read-only view into
// the run's row-major storage with Len*Dim entries.
type Window struct {
	RunID  string
	Start  int
	Len    int
	Dim    int
	Values []float64
	Binary uint8
	Class  schema.Code
}

// Step returns the feature vector at offset t inside the window.
func (w Window) Step(t int) []float64 {
	return w.Values[t*w.Dim : (t+1)*w.Dim]
}

// Anomalous reports whether the binary label is set.
func (w Window) Anomalous() bool {
	return w.Binary == 1
}

// Count returns how many windows a run of length t yields.
func Count(t, length, stride int) int {
	if length <= 0 || stride <= 0 || t < length {
		return 0
	}
	return (t-length)/stride + 1
}

// Extract slides a window of the given length and stride over r.
// Runs shorter than length yield no windows.
func Extract(r *runs.Run, length, stride int) ([]Window, error) {
	if err := validate(length, stride); err != nil {
		return nil, err
	}
	n := Count(r.Len(), length, stride)
	out := make([]Window, 0, n)
	for i := 0; i < n; i++ {
		start := i * stride
		codes := r.Codes[start : start+length]
		out = append(out, Window{
			RunID:  r.ID,
			Start:  start,
			Len:    length,
			Dim:    r.Dim,
			Values: r.Values[start*r.Dim : (start+length)*r.Dim : (start+length)*r.Dim],
			Binary: BinaryLabel(codes),
			Class:  MajorityLabel(codes),
		})
	}
	return out, nil
}

// ExtractAll windows every run. The window length may not exceed the
// shortest run.
func ExtractAll(rs []*runs.Run, length, stride int) (Set, error) {
	if err := validate(length, stride); err != nil {
		return nil, err
	}
	for _, r := range rs {
		if r.Len() < length {
			return nil, fmt.Errorf("%w: window length %d exceeds run %s of length %d",
				errs.ErrConfig, length, r.ID, r.Len())
		}
	}
	var out Set
	for _, r := range rs {
		ws, err := Extract(r, length, stride)
		if err != nil {
			return nil, err
		}
		out = append(out, ws...)
	}
	return out, nil
}

func validate(length, stride int) error {
	if length <= 0 {
		return fmt.Errorf("%w: window length must be positive, got %d", errs.ErrConfig, length)
	}
	if stride <= 0 {
		return fmt.Errorf("%w: stride must be positive, got %d", errs.ErrConfig, stride)
	}
	return nil
}

// BinaryLabel is 1 iff any code is non-Normal.
func BinaryLabel(codes []schema.Code) uint8 {
	for _, c := range codes {
		if c != schema.Normal {
			return 1
		}
	}
	return 0
}

// MajorityLabel returns the most frequent code. Equal counts resolve to the
// lowest code value.
func MajorityLabel(codes []schema.Code) schema.Code {
	var counts [schema.NumCodes]int
	for _, c := range codes {
		counts[c]++
	}
	best := schema.Normal
	for c := 1; c < schema.NumCodes; c++ {
		if counts[c] > counts[best] {
			best = schema.Code(c)
		}
	}
	return best
}
