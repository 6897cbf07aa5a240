package scale

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/plantguard/pkg/errs"
	"github.com/hed1ad/plantguard/pkg/runs"
	"github.com/hed1ad/plantguard/pkg/schema"
	"github.com/hed1ad/plantguard/pkg/split"
)

func newRun(id string, dim int, values ...float64) *runs.Run {
	n := len(values) / dim
	r := &runs.Run{ID: id, Dim: dim, Values: values}
	r.Timestamps = make([]int64, n)
	r.Codes = make([]schema.Code, n)
	for i := range r.Timestamps {
		r.Timestamps[i] = int64(i)
	}
	return r
}

func TestQuantile(t *testing.T) {
	sorted := []float64{1, 2, 3, 4}
	assert.InDelta(t, 2.5, quantile(sorted, 0.5), 1e-12)
	assert.InDelta(t, 1.75, quantile(sorted, 0.25), 1e-12)
	assert.InDelta(t, 3.25, quantile(sorted, 0.75), 1e-12)
	assert.InDelta(t, 4, quantile(sorted, 1), 1e-12)
	assert.InDelta(t, 7, quantile([]float64{7}, 0.3), 1e-12)
}

func TestFitRobustToOutliers(t *testing.T) {
	clean := newRun("a", 1, 1, 2, 3, 4, 5, 6, 7, 8, 9)
	dirty := newRun("a", 1, 1, 2, 3, 4, 5, 6, 7, 8, 9000)

	pc, err := Fit([]*runs.Run{clean})
	require.NoError(t, err)
	pd, err := Fit([]*runs.Run{dirty})
	require.NoError(t, err)

	assert.Equal(t, pc.Center, pd.Center)
	assert.Equal(t, pc.Spread, pd.Spread)
	assert.InDelta(t, 5, pc.Center[0], 1e-12)
	assert.InDelta(t, 4, pc.Spread[0], 1e-12)
}

func TestFitConstantFeature(t *testing.T) {
	p, err := Fit([]*runs.Run{newRun("a", 2, 1, 3, 1, 5, 1, 7)})
	require.NoError(t, err)
	assert.Equal(t, 1.0, p.Spread[0])
	assert.Equal(t, 1.0, p.Center[0])
	assert.InDelta(t, 2, p.Spread[1], 1e-12)
}

func TestFitErrors(t *testing.T) {
	_, err := Fit(nil)
	assert.ErrorIs(t, err, errs.ErrDataIntegrity)

	_, err = Fit([]*runs.Run{newRun("a", 1, 1), newRun("b", 2, 1, 2)})
	assert.ErrorIs(t, err, errs.ErrDataIntegrity)
}

func TestFitPartitionUsesTrainOnly(t *testing.T) {
	store := runs.NewStore(1)
	require.NoError(t, store.Add(newRun("train", 1, 0, 1, 2, 3, 4)))
	require.NoError(t, store.Add(newRun("test", 1, 100, 200, 300, 400, 500)))

	part := split.Partition{Train: []string{"train"}, Test: []string{"test"}}
	p, err := FitPartition(store, part)
	require.NoError(t, err)
	assert.InDelta(t, 2, p.Center[0], 1e-12)
	assert.InDelta(t, 2, p.Spread[0], 1e-12)

	superset := split.Partition{Train: []string{"train", "test"}}
	ps, err := FitPartition(store, superset)
	require.NoError(t, err)
	assert.NotEqual(t, p.Center, ps.Center, "refit on a superset must change the estimate")
}

func TestApply(t *testing.T) {
	p := Params{Center: []float64{1, 10}, Spread: []float64{2, 5}}
	r := newRun("a", 2, 3, 20, 1, 0)

	n, err := p.Apply(r)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 0, -2}, n.Values)
	assert.Equal(t, []float64{3, 20, 1, 0}, r.Values, "input must not be modified")
	assert.Equal(t, r.Codes, n.Codes)

	// Applying stored params twice from the raw run gives the same result.
	again, err := p.Apply(r)
	require.NoError(t, err)
	assert.Equal(t, n.Values, again.Values)

	assert.Equal(t, []float64{1, 2}, p.ApplyRow([]float64{3, 20}))

	_, err = p.Apply(newRun("b", 1, 1))
	assert.ErrorIs(t, err, errs.ErrDataIntegrity)
}
