package pipeline

import (
	"context"
	"fmt"

	"github.com/hed1ad/plantguard/pkg/cascade"
	"github.com/hed1ad/plantguard/pkg/errs"
	"github.com/hed1ad/plantguard/pkg/eval"
	"github.com/hed1ad/plantguard/pkg/runs"
	"github.com/hed1ad/plantguard/pkg/window"
)

// Evaluate scores every run of store with a trained model and evaluates the
// cascade against the labels in the store. sweepPoints thresholds between 0
// and 1 are counted as well; zero skips the sweep.
func Evaluate(ctx context.Context, m *cascade.Model, store *runs.Store, sweepPoints int) (eval.Summary, error) {
	if m == nil || m.Engine == nil {
		return eval.Summary{}, fmt.Errorf("%w: incomplete model", errs.ErrConfig)
	}
	if store.Dim() != m.Scale.Dim() {
		return eval.Summary{}, fmt.Errorf("%w: runs have %d features, model expects %d",
			errs.ErrDataIntegrity, store.Dim(), m.Scale.Dim())
	}
	rs, err := store.Runs(store.IDs())
	if err != nil {
		return eval.Summary{}, err
	}
	norm, err := m.Scale.ApplyAll(rs)
	if err != nil {
		return eval.Summary{}, err
	}

	// Runs shorter than the window yield no windows rather than an error.
	var windows window.Set
	for _, r := range norm {
		ws, err := window.Extract(r, m.WindowLength, m.Stride)
		if err != nil {
			return eval.Summary{}, err
		}
		windows = append(windows, ws...)
	}
	if len(windows) == 0 {
		return eval.Summary{}, fmt.Errorf("%w: no run is at least %d timesteps long",
			errs.ErrDataIntegrity, m.WindowLength)
	}

	res, err := m.Engine.Infer(ctx, windows)
	if err != nil {
		return eval.Summary{}, err
	}
	summary, err := eval.Evaluate(windows, res)
	if err != nil {
		return eval.Summary{}, err
	}
	if sweepPoints > 0 {
		summary.Sweep = cascade.Sweep(res.Probabilities, cascade.Grid(0, 1, sweepPoints))
	}
	return summary, nil
}
