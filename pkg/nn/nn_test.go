package nn

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hed1ad/plantguard/pkg/errs"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func randomSeq(rng *rand.Rand, steps, in int) []float64 {
	x := make([]float64, steps*in)
	for i := range x {
		x[i] = rng.NormFloat64()
	}
	return x
}

func sampleLoss(m *SeqModel, x []float64, target int, loss Loss) float64 {
	logits := m.Forward(x)
	l, w := loss.Eval(logits, target, make([]float64, len(logits)))
	return l / w
}

func TestGradientsMatchFiniteDifferences(t *testing.T) {
	tests := []struct {
		name   string
		out    int
		target int
		loss   Loss
	}{
		{"bce positive", 1, 1, WeightedBCE{PosWeight: 3}},
		{"bce negative", 1, 0, WeightedBCE{PosWeight: 3}},
		{"weighted ce", 3, 2, WeightedCE{Weights: []float64{1, 2, 0.5}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewSeqModel(2, 3, tt.out, 7)
			require.NoError(t, err)
			x := randomSeq(rand.New(rand.NewSource(1)), 5, 2)

			tp := m.newTape()
			m.zeroGrad()
			logits := m.forwardTrain(x, tp)
			_, w := tt.loss.Eval(logits, tt.target, tp.dlogits)
			m.backwardTrain(x, tp)

			const eps = 1e-6
			for pi, p := range m.params() {
				for j := range p.W {
					orig := p.W[j]
					p.W[j] = orig + eps
					up := sampleLoss(m, x, tt.target, tt.loss)
					p.W[j] = orig - eps
					down := sampleLoss(m, x, tt.target, tt.loss)
					p.W[j] = orig

					numeric := (up - down) / (2 * eps)
					analytic := p.G[j] / w
					assert.InDelta(t, numeric, analytic, 1e-5, "param %d index %d", pi, j)
				}
			}
		})
	}
}

func TestWeightedBCE(t *testing.T) {
	d := make([]float64, 1)

	l, w := WeightedBCE{PosWeight: 4}.Eval([]float64{0}, 1, d)
	assert.InDelta(t, 4*math.Ln2, l, 1e-12)
	assert.Equal(t, 1.0, w)
	assert.InDelta(t, -2.0, d[0], 1e-12)

	l, _ = WeightedBCE{PosWeight: 4}.Eval([]float64{0}, 0, d)
	assert.InDelta(t, math.Ln2, l, 1e-12)
	assert.InDelta(t, 0.5, d[0], 1e-12)

	// Extreme logits stay finite.
	l, _ = WeightedBCE{PosWeight: 1}.Eval([]float64{-800}, 1, d)
	assert.InDelta(t, 800, l, 1e-9)
}

func TestWeightedCEStable(t *testing.T) {
	d := make([]float64, 3)
	l, w := WeightedCE{Weights: []float64{1, 1, 2}}.Eval([]float64{1000, 0, -1000}, 2, d)
	assert.False(t, math.IsInf(l, 0))
	assert.InDelta(t, 2*2000, l, 1e-6)
	assert.Equal(t, 2.0, w)
	assert.InDelta(t, 2.0, d[0], 1e-9)
	assert.InDelta(t, -2.0, d[2], 1e-9)
}

func TestClipGradNorm(t *testing.T) {
	params := []Param{
		{W: make([]float64, 2), G: []float64{3, 0}},
		{W: make([]float64, 1), G: []float64{4}},
	}
	norm := ClipGradNorm(params, 1)
	assert.InDelta(t, 5, norm, 1e-12)

	var sq float64
	for _, p := range params {
		for _, g := range p.G {
			sq += g * g
		}
	}
	assert.InDelta(t, 1, math.Sqrt(sq), 1e-5)

	small := []Param{{W: make([]float64, 1), G: []float64{0.5}}}
	assert.InDelta(t, 0.5, ClipGradNorm(small, 5), 1e-12)
	assert.Equal(t, 0.5, small[0].G[0])
}

func TestAdamFirstStep(t *testing.T) {
	p := []Param{{W: []float64{1, -1}, G: []float64{0.2, -3}}}
	NewAdam(0.01).Step(p)
	// The bias-corrected first step moves each weight by about lr against
	// the gradient sign.
	assert.InDelta(t, 0.99, p[0].W[0], 1e-6)
	assert.InDelta(t, -0.99, p[0].W[1], 1e-6)
}

func TestNewSeqModelInvalid(t *testing.T) {
	_, err := NewSeqModel(0, 4, 1, 1)
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestSeqModelMarshalRoundTrip(t *testing.T) {
	m, err := NewSeqModel(3, 4, 2, 11)
	require.NoError(t, err)
	data, err := m.MarshalBinary()
	require.NoError(t, err)

	var got SeqModel
	require.NoError(t, got.UnmarshalBinary(data))
	x := randomSeq(rand.New(rand.NewSource(2)), 6, 3)
	assert.Equal(t, m.Forward(x), got.Forward(x))
}

// separable returns sequences whose label is the sign of the mean of the
// first feature.
func separable(n, steps, in int, seed int64) []Sample {
	rng := rand.New(rand.NewSource(seed))
	out := make([]Sample, n)
	for i := range out {
		target := i % 2
		x := randomSeq(rng, steps, in)
		shift := -1.5
		if target == 1 {
			shift = 1.5
		}
		for s := 0; s < steps; s++ {
			x[s*in] += shift
		}
		out[i] = Sample{X: x, Target: target}
	}
	return out
}

func TestFitReducesLoss(t *testing.T) {
	m, err := NewSeqModel(2, 8, 1, 3)
	require.NoError(t, err)
	data := separable(128, 6, 2, 5)

	var seen []int
	history, err := Fit(context.Background(), m, data, WeightedBCE{PosWeight: 1}, TrainConfig{
		Stage:        "detector",
		Epochs:       8,
		BatchSize:    16,
		LearningRate: 1e-2,
		ClipNorm:     5,
		Seed:         9,
		Hook: func(em EpochMetrics) error {
			seen = append(seen, em.Epoch)
			return nil
		},
	})
	require.NoError(t, err)
	require.Len(t, history, 8)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, seen)
	assert.Equal(t, 8, history[0].Batches)
	assert.Less(t, history[7].Loss, history[0].Loss)

	logits, err := Predict(context.Background(), m, [][]float64{data[0].X, data[1].X}, 1, 2)
	require.NoError(t, err)
	assert.Less(t, Sigmoid(logits[0][0]), 0.5)
	assert.Greater(t, Sigmoid(logits[1][0]), 0.5)
}

func TestFitDeterministic(t *testing.T) {
	data := separable(40, 4, 2, 1)
	run := func() []float64 {
		m, err := NewSeqModel(2, 4, 1, 3)
		require.NoError(t, err)
		_, err = Fit(context.Background(), m, data, WeightedBCE{PosWeight: 1}, TrainConfig{
			Epochs: 2, BatchSize: 8, LearningRate: 1e-3, ClipNorm: 5, Seed: 42,
		})
		require.NoError(t, err)
		return m.Forward(data[0].X)
	}
	assert.Equal(t, run(), run())
}

func TestFitHookStop(t *testing.T) {
	m, err := NewSeqModel(2, 4, 1, 3)
	require.NoError(t, err)
	history, err := Fit(context.Background(), m, separable(20, 3, 2, 1), WeightedBCE{PosWeight: 1}, TrainConfig{
		Epochs: 10, BatchSize: 4, LearningRate: 1e-3,
		Hook: func(em EpochMetrics) error {
			if em.Epoch == 2 {
				return ErrStop
			}
			return nil
		},
	})
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestFitCancelledAtEpochBoundary(t *testing.T) {
	m, err := NewSeqModel(2, 4, 1, 3)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	history, err := Fit(ctx, m, separable(20, 3, 2, 1), WeightedBCE{PosWeight: 1}, TrainConfig{
		Epochs: 5, BatchSize: 4, LearningRate: 1e-3,
		Hook: func(em EpochMetrics) error {
			if em.Epoch == 1 {
				cancel()
			}
			return nil
		},
	})
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, history, 1)
	assert.Equal(t, 5, history[0].Batches)
}

func TestFitDiverges(t *testing.T) {
	m, err := NewSeqModel(2, 4, 1, 3)
	require.NoError(t, err)
	data := separable(16, 3, 2, 1)
	data[5].X[0] = math.NaN()

	_, err = Fit(context.Background(), m, data, WeightedBCE{PosWeight: 1}, TrainConfig{
		Stage: "detector", Epochs: 3, BatchSize: 4, LearningRate: 1e-3, ClipNorm: 5,
	})
	require.ErrorIs(t, err, errs.ErrDiverged)
	var de *errs.DivergenceError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "detector", de.Stage)
	assert.Equal(t, 1, de.Epoch)
	assert.GreaterOrEqual(t, de.Batch, 1)
}

func TestFitInvalidConfig(t *testing.T) {
	m, err := NewSeqModel(2, 4, 1, 3)
	require.NoError(t, err)
	tests := []TrainConfig{
		{Epochs: 0, BatchSize: 1, LearningRate: 1},
		{Epochs: 1, BatchSize: 0, LearningRate: 1},
		{Epochs: 1, BatchSize: 1, LearningRate: 0},
		{Epochs: 1, BatchSize: 1, LearningRate: 1, ClipNorm: -1},
	}
	for _, cfg := range tests {
		_, err := Fit(context.Background(), m, nil, WeightedBCE{PosWeight: 1}, cfg)
		assert.ErrorIs(t, err, errs.ErrConfig)
	}

	_, err = Fit(context.Background(), m, []Sample{{X: []float64{1, 2, 3}}}, WeightedBCE{PosWeight: 1},
		TrainConfig{Epochs: 1, BatchSize: 1, LearningRate: 1})
	assert.ErrorIs(t, err, errs.ErrDataIntegrity)
}

func TestPredictMatchesForward(t *testing.T) {
	m, err := NewSeqModel(3, 5, 3, 2)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(4))
	inputs := make([][]float64, 37)
	for i := range inputs {
		inputs[i] = randomSeq(rng, 4, 3)
	}
	got, err := Predict(context.Background(), m, inputs, 5, 4)
	require.NoError(t, err)
	for i, x := range inputs {
		assert.Equal(t, m.Forward(x), got[i])
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Predict(ctx, m, inputs, 5, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
