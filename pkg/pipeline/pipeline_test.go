package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hed1ad/plantguard/pkg/artifact"
	"github.com/hed1ad/plantguard/pkg/config"
	"github.com/hed1ad/plantguard/pkg/errs"
	"github.com/hed1ad/plantguard/pkg/history"
	"github.com/hed1ad/plantguard/pkg/runs"
	"github.com/hed1ad/plantguard/pkg/schema"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testSchema = schema.MustNew([]string{
	"Mixer/Level", "Mixer/Temperature", "Pasteurizer/Temperature", "Hardening/Temperature",
})

// makeStore builds n runs of length steps. Odd runs carry an anomaly over
// timesteps 30..49 whose type cycles through the anomaly codes; each type
// disturbs a different feature.
func makeStore(t *testing.T, n, steps int, anomalies bool) *runs.Store {
	t.Helper()
	rng := rand.New(rand.NewSource(5))
	store := runs.NewStore(testSchema.Len())
	for r := 0; r < n; r++ {
		id := fmt.Sprintf("run-%02d", r)
		code := schema.Normal
		if anomalies && r%2 == 1 {
			code = schema.AnomalyCodes()[(r/2)%3]
		}
		for ts := 0; ts < steps; ts++ {
			row := make([]float64, testSchema.Len())
			for j := range row {
				row[j] = 10*float64(j+1) + rng.NormFloat64()
			}
			c := schema.Normal
			if code != schema.Normal && ts >= 30 && ts < 50 {
				c = code
				row[int(code)-1] += 8
			}
			require.NoError(t, store.Append(id, int64(ts), row, c))
		}
	}
	return store
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Split.TestFraction = 0.3
	cfg.Window = config.Window{Length: 10, Stride: 5}
	for _, st := range []*config.Stage{&cfg.Detector, &cfg.Classifier} {
		st.Hidden = 8
		st.Epochs = 3
		st.BatchSize = 32
		st.LearningRate = 1e-2
	}
	cfg.Cascade.SweepPoints = 5
	return &cfg
}

func TestTrain(t *testing.T) {
	ctx := context.Background()
	store := makeStore(t, 10, 80, true)
	cfg := testConfig()
	cfg.Baseline.Enabled = true
	cfg.Baseline.Trees = 20
	cfg.Baseline.SampleSize = 64

	hist, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer hist.Close()

	out, err := Train(ctx, cfg, store, nil,
		WithSchema(testSchema),
		WithHistory(hist),
		WithDescription("unit"),
	)
	require.NoError(t, err)

	require.NoError(t, out.Partition.Validate(store.IDs()))
	assert.Len(t, out.Partition.Test, 3)
	// 80 timesteps, L=10, S=5: 15 windows per run.
	assert.Equal(t, 7*15, out.TrainWindows)
	assert.Equal(t, 3*15, out.TestWindows)
	assert.Len(t, out.Detector, 3)
	assert.Len(t, out.Classifier, 3)

	assert.Equal(t, out.TestWindows, out.Summary.Binary.Windows)
	assert.Len(t, out.Summary.Sweep, 5)
	for i := 1; i < len(out.Summary.Sweep); i++ {
		assert.LessOrEqual(t, out.Summary.Sweep[i].Flagged, out.Summary.Sweep[i-1].Flagged)
	}
	require.NotNil(t, out.Summary.Baseline)
	assert.Equal(t, "iforest", out.Summary.Baseline.Name)

	require.NotNil(t, out.Bundle)
	assert.Equal(t, testSchema.Names(), out.Bundle.Features)
	assert.Equal(t, out.Scale, out.Bundle.Scale)
	assert.Equal(t, 10, out.Bundle.WindowLength)

	sess, err := hist.Session(ctx, out.SessionID)
	require.NoError(t, err)
	assert.Equal(t, history.StatusSucceeded, sess.Status)
	assert.Equal(t, out.Bundle.ID, sess.ArtifactID)
	assert.Equal(t, "unit", sess.Description)
	assert.Equal(t, 7, sess.TrainRuns)
	assert.Equal(t, out.Summary.Binary.BalancedAccuracy, sess.DetectorBalancedAcc)

	epochs, err := hist.Epochs(ctx, out.SessionID)
	require.NoError(t, err)
	assert.Len(t, epochs, 6)

	// The bundle reproduces a working service.
	dir := t.TempDir()
	require.NoError(t, out.Bundle.Save(dir))
	svc, err := artifact.Service(dir, nil)
	require.NoError(t, err)
	r, ok := store.Get(out.Partition.Test[0])
	require.True(t, ok)
	results, err := svc.ScoreRun(ctx, r)
	require.NoError(t, err)
	assert.Len(t, results, 15)
}

func TestTrainDeterministic(t *testing.T) {
	store := makeStore(t, 8, 60, true)
	a, err := Train(context.Background(), testConfig(), store, nil, WithSchema(testSchema))
	require.NoError(t, err)
	b, err := Train(context.Background(), testConfig(), store, nil, WithSchema(testSchema))
	require.NoError(t, err)

	assert.Equal(t, a.Partition, b.Partition)
	assert.Equal(t, a.Scale, b.Scale)
	assert.Equal(t, a.Summary, b.Summary)
	require.Len(t, b.Detector, len(a.Detector))
	for i := range a.Detector {
		assert.Equal(t, a.Detector[i].Loss, b.Detector[i].Loss)
	}
	assert.NotEqual(t, a.Bundle.ID, b.Bundle.ID)
	assert.Empty(t, a.SessionID)
}

func TestTrainValidatesFirst(t *testing.T) {
	store := makeStore(t, 4, 40, true)

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		schema  *schema.Schema
		wantErr error
	}{
		{
			name:    "window longer than shortest run",
			mutate:  func(c *config.Config) { c.Window.Length = 41 },
			wantErr: errs.ErrConfig,
		},
		{
			name:    "non-positive stride",
			mutate:  func(c *config.Config) { c.Window.Stride = 0 },
			wantErr: errs.ErrConfig,
		},
		{
			name:    "schema width mismatch",
			schema:  schema.MustNew([]string{"Mixer/Level"}),
			wantErr: errs.ErrDataIntegrity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hist, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
			require.NoError(t, err)
			defer hist.Close()

			cfg := testConfig()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			sch := testSchema
			if tt.schema != nil {
				sch = tt.schema
			}
			_, err = Train(context.Background(), cfg, store, nil, WithSchema(sch), WithHistory(hist))
			assert.ErrorIs(t, err, tt.wantErr)

			sessions, err := hist.Sessions(context.Background(), 0)
			require.NoError(t, err)
			assert.Empty(t, sessions, "nothing is recorded before validation passes")
		})
	}
}

func TestTrainDegenerateRecordsFailure(t *testing.T) {
	ctx := context.Background()
	store := makeStore(t, 6, 40, false)

	hist, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer hist.Close()

	out, err := Train(ctx, testConfig(), store, nil, WithSchema(testSchema), WithHistory(hist))
	assert.ErrorIs(t, err, errs.ErrDegenerateClass)
	assert.Nil(t, out)

	sessions, err := hist.Sessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, history.StatusFailed, sessions[0].Status)
	assert.Contains(t, sessions[0].Error, "degenerate")
}

func TestTrainCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Train(ctx, testConfig(), makeStore(t, 6, 40, true), nil, WithSchema(testSchema))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTrainRequiresInputs(t *testing.T) {
	_, err := Train(context.Background(), nil, nil, nil)
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestEvaluateBundle(t *testing.T) {
	ctx := context.Background()
	store := makeStore(t, 8, 60, true)
	out, err := Train(ctx, testConfig(), store, nil, WithSchema(testSchema))
	require.NoError(t, err)

	m, err := out.Bundle.Model()
	require.NoError(t, err)

	test := runs.NewStore(testSchema.Len())
	for _, id := range out.Partition.Test {
		r, ok := store.Get(id)
		require.True(t, ok)
		require.NoError(t, test.Add(r))
	}
	summary, err := Evaluate(ctx, m, test, 5)
	require.NoError(t, err)
	assert.Equal(t, out.Summary.Binary, summary.Binary)
	assert.Equal(t, out.Summary.Multiclass, summary.Multiclass)
	assert.Equal(t, out.Summary.Sweep, summary.Sweep)

	_, err = Evaluate(ctx, m, runs.NewStore(1), 0)
	assert.ErrorIs(t, err, errs.ErrDataIntegrity)
}
