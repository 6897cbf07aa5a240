package cascade

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/plantguard/pkg/detectors"
	"github.com/hed1ad/plantguard/pkg/errs"
	"github.com/hed1ad/plantguard/pkg/schema"
	"github.com/hed1ad/plantguard/pkg/window"
)

// fixedDetector scores each window with probs[window.Start].
type fixedDetector struct {
	probs []float64
	err   error
}

func (d *fixedDetector) Score(_ context.Context, ws []window.Window) ([]float64, error) {
	if d.err != nil {
		return nil, d.err
	}
	out := make([]float64, len(ws))
	for i, w := range ws {
		out[i] = d.probs[w.Start]
	}
	return out, nil
}

// recordingClassifier remembers every call and labels windows Ramp.
type recordingClassifier struct {
	calls [][]int
}

func (c *recordingClassifier) Classify(_ context.Context, ws []window.Window) ([]detectors.Label, error) {
	starts := make([]int, len(ws))
	out := make([]detectors.Label, len(ws))
	for i, w := range ws {
		starts[i] = w.Start
		out[i] = detectors.Label{Code: schema.Ramp, Probability: 0.8, Probabilities: []float64{0.1, 0.1, 0.8}}
	}
	c.calls = append(c.calls, starts)
	return out, nil
}

func windowsN(n int) []window.Window {
	out := make([]window.Window, n)
	for i := range out {
		out[i] = window.Window{RunID: "r", Start: i, Len: 1, Dim: 1, Values: []float64{0}}
	}
	return out
}

func TestEngine_Infer(t *testing.T) {
	clf := &recordingClassifier{}
	e := &Engine{
		Detector:   &fixedDetector{probs: []float64{0.1, 0.5, 0.49, 0.9}},
		Classifier: clf,
		Threshold:  0.5,
	}
	res, err := e.Infer(context.Background(), windowsN(4))
	require.NoError(t, err)

	assert.Equal(t, []bool{false, true, false, true}, res.Flags)
	assert.Equal(t, []schema.Code{schema.Normal, schema.Ramp, schema.Normal, schema.Ramp}, res.Types)
	assert.Equal(t, []float64{0.1, 0.5, 0.49, 0.9}, res.Probabilities)
	assert.InDeltaSlice(t, []float64{0.9, 0.8, 0.51, 0.8}, res.Confidence, 1e-12)
	assert.Equal(t, [][]int{{1, 3}}, clf.calls)
	assert.Equal(t, 2, res.Flagged())
}

func TestEngine_ClassifierNeverSeesUnflagged(t *testing.T) {
	clf := &recordingClassifier{}
	e := &Engine{
		Detector:   &fixedDetector{probs: []float64{0.1, 0.2, 0.3}},
		Classifier: clf,
		Threshold:  0.5,
	}
	res, err := e.Infer(context.Background(), windowsN(3))
	require.NoError(t, err)
	assert.Empty(t, clf.calls)
	for _, c := range res.Types {
		assert.Equal(t, schema.Normal, c)
	}

	res, err = e.Infer(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Len())
	assert.Empty(t, clf.calls)
}

func TestEngine_Errors(t *testing.T) {
	boom := errors.New("boom")
	e := &Engine{Detector: &fixedDetector{err: boom}, Classifier: &recordingClassifier{}, Threshold: 0.5}
	_, err := e.Infer(context.Background(), windowsN(1))
	assert.ErrorIs(t, err, boom)

	e = &Engine{Detector: &fixedDetector{probs: []float64{1}}, Classifier: &recordingClassifier{}, Threshold: 1.5}
	_, err = e.Infer(context.Background(), windowsN(1))
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestSweep(t *testing.T) {
	probs := []float64{0.05, 0.2, 0.5, 0.5, 0.7, 0.95}
	points := Sweep(probs, []float64{0.9, 0.1, 0.5, 0.0, 1.0})

	want := []SweepPoint{
		{Threshold: 0.0, Flagged: 6},
		{Threshold: 0.1, Flagged: 5},
		{Threshold: 0.5, Flagged: 4},
		{Threshold: 0.9, Flagged: 1},
		{Threshold: 1.0, Flagged: 0},
	}
	assert.Equal(t, want, points)

	grid := Sweep(probs, Grid(0, 1, 21))
	for i := 1; i < len(grid); i++ {
		assert.LessOrEqual(t, grid[i].Flagged, grid[i-1].Flagged)
	}
}

func TestSweepMatchesInfer(t *testing.T) {
	probs := []float64{0.05, 0.2, 0.5, 0.7, 0.95}
	for _, th := range Grid(0, 1, 11) {
		e := &Engine{Detector: &fixedDetector{probs: probs}, Classifier: &recordingClassifier{}, Threshold: th}
		res, err := e.Infer(context.Background(), windowsN(len(probs)))
		require.NoError(t, err)
		assert.Equal(t, Sweep(probs, []float64{th})[0].Flagged, res.Flagged(), "threshold %v", th)
	}
}
