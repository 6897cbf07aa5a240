// Package scale fits and applies a robust per-feature location/scale estimate.
//
// Anomalies are present in the training runs on purpose, so the estimator is
// median/IQR rather than mean/variance: a step of hundreds of kelvin in a few
// percent of the timesteps does not move it.
package scale

import (
	"fmt"
	"sort"

	"github.com/hed1ad/plantguard/pkg/errs"
	"github.com/hed1ad/plantguard/pkg/runs"
	"github.com/hed1ad/plantguard/pkg/split"
)

// Quantile range used for the spread.
const (
	lowerQuantile = 0.25
	upperQuantile = 0.75
)

// Params holds one (center, spread) pair per feature. Immutable after Fit.
type Params struct {
	Center []float64
	Spread []float64
}

// Dim returns the number of features the params were fit on.
func (p Params) Dim() int {
	return len(p.Center)
}

// Fit estimates median and interquartile range per feature over every
// timestep of the given runs. A zero spread is replaced by 1.
func Fit(rs []*runs.Run) (Params, error) {
	if len(rs) == 0 {
		return Params{}, fmt.Errorf("%w: no runs to fit scaler", errs.ErrDataIntegrity)
	}
	dim := rs[0].Dim
	total := 0
	for _, r := range rs {
		if r.Dim != dim {
			return Params{}, fmt.Errorf("%w: run %s has %d features, want %d",
				errs.ErrDataIntegrity, r.ID, r.Dim, dim)
		}
		total += r.Len()
	}
	if total == 0 {
		return Params{}, fmt.Errorf("%w: no timesteps to fit scaler", errs.ErrDataIntegrity)
	}

	p := Params{
		Center: make([]float64, dim),
		Spread: make([]float64, dim),
	}
	column := make([]float64, 0, total)
	for j := 0; j < dim; j++ {
		column = column[:0]
		for _, r := range rs {
			for t := 0; t < r.Len(); t++ {
				column = append(column, r.Values[t*dim+j])
			}
		}
		sort.Float64s(column)

		p.Center[j] = quantile(column, 0.5)
		spread := quantile(column, upperQuantile) - quantile(column, lowerQuantile)
		if spread == 0 {
			spread = 1
		}
		p.Spread[j] = spread
	}
	return p, nil
}

// FitPartition fits on the train side of part only.
func FitPartition(store *runs.Store, part split.Partition) (Params, error) {
	train, err := store.Runs(part.Train)
	if err != nil {
		return Params{}, err
	}
	return Fit(train)
}

// ApplyRow returns (row - center) / spread.
func (p Params) ApplyRow(row []float64) []float64 {
	out := make([]float64, len(row))
	p.applyInto(out, row)
	return out
}

func (p Params) applyInto(dst, row []float64) {
	for j, v := range row {
		dst[j] = (v - p.Center[j]) / p.Spread[j]
	}
}

// Apply returns a normalized copy of r. r itself is not modified.
func (p Params) Apply(r *runs.Run) (*runs.Run, error) {
	if r.Dim != p.Dim() {
		return nil, fmt.Errorf("%w: run %s has %d features, scaler has %d",
			errs.ErrDataIntegrity, r.ID, r.Dim, p.Dim())
	}
	values := make([]float64, len(r.Values))
	for t := 0; t < r.Len(); t++ {
		lo, hi := t*r.Dim, (t+1)*r.Dim
		p.applyInto(values[lo:hi], r.Values[lo:hi])
	}
	return r.WithValues(values), nil
}

// ApplyAll normalizes every run.
func (p Params) ApplyAll(rs []*runs.Run) ([]*runs.Run, error) {
	out := make([]*runs.Run, len(rs))
	for i, r := range rs {
		n, err := p.Apply(r)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

// quantile interpolates linearly between closest ranks (numpy's default).
// sorted must be ascending and non-empty.
func quantile(sorted []float64, q float64) float64 {
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
