// Package pipeline runs the end-to-end training of the cascade: partition,
// normalization, windowing, both stages, evaluation and bundling.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hed1ad/plantguard/pkg/artifact"
	"github.com/hed1ad/plantguard/pkg/cascade"
	"github.com/hed1ad/plantguard/pkg/config"
	"github.com/hed1ad/plantguard/pkg/detectors/iforest"
	"github.com/hed1ad/plantguard/pkg/detectors/stage1"
	"github.com/hed1ad/plantguard/pkg/detectors/stage2"
	"github.com/hed1ad/plantguard/pkg/errs"
	"github.com/hed1ad/plantguard/pkg/eval"
	"github.com/hed1ad/plantguard/pkg/history"
	"github.com/hed1ad/plantguard/pkg/nn"
	"github.com/hed1ad/plantguard/pkg/runs"
	"github.com/hed1ad/plantguard/pkg/scale"
	"github.com/hed1ad/plantguard/pkg/schema"
	"github.com/hed1ad/plantguard/pkg/split"
	"github.com/hed1ad/plantguard/pkg/window"
)

// Outcome is everything a training session produced.
type Outcome struct {
	SessionID    string
	Partition    split.Partition
	Scale        scale.Params
	TrainWindows int
	TestWindows  int
	Summary      eval.Summary
	Bundle       *artifact.Bundle
	Detector     []nn.EpochMetrics
	Classifier   []nn.EpochMetrics
	Duration     time.Duration
}

type trainer struct {
	cfg     *config.Config
	store   *runs.Store
	logger  *zap.Logger
	schema  *schema.Schema
	history *history.Store
	desc    string
}

// Option configures Train.
type Option func(*trainer)

// WithSchema sets the feature schema of the store. Defaults to the plant
// schema.
func WithSchema(s *schema.Schema) Option {
	return func(t *trainer) {
		t.schema = s
	}
}

// WithHistory records the session and its epochs in h.
func WithHistory(h *history.Store) Option {
	return func(t *trainer) {
		t.history = h
	}
}

// WithDescription attaches a free-form note to the history session.
func WithDescription(desc string) Option {
	return func(t *trainer) {
		t.desc = desc
	}
}

// Train validates cfg against store, trains both stages on the train
// partition, evaluates the cascade on the test partition and returns the
// assembled bundle. Nothing is trained when the configuration is invalid.
func Train(ctx context.Context, cfg *config.Config, store *runs.Store, logger *zap.Logger, opts ...Option) (*Outcome, error) {
	if cfg == nil || store == nil {
		return nil, fmt.Errorf("%w: configuration and run store are required", errs.ErrConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &trainer{cfg: cfg, store: store, logger: logger, schema: schema.Default()}
	for _, opt := range opts {
		opt(t)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	return t.run(ctx)
}

func (t *trainer) validate() error {
	if err := t.cfg.Validate(); err != nil {
		return err
	}
	if t.store.Len() == 0 {
		return fmt.Errorf("%w: no runs to train on", errs.ErrDataIntegrity)
	}
	if t.schema.Len() != t.store.Dim() {
		return fmt.Errorf("%w: schema has %d features, runs have %d",
			errs.ErrDataIntegrity, t.schema.Len(), t.store.Dim())
	}
	if shortest := t.store.ShortestRun(); t.cfg.Window.Length > shortest {
		return fmt.Errorf("%w: window length %d exceeds shortest run (%d timesteps)",
			errs.ErrConfig, t.cfg.Window.Length, shortest)
	}
	return nil
}

func (t *trainer) run(ctx context.Context) (out *Outcome, err error) {
	started := time.Now()
	cfg := t.cfg
	ids := t.store.IDs()

	var splitOpts []split.Option
	if cfg.Split.Stratify {
		splitOpts = append(splitOpts, split.WithStratify(t.store.Strata()))
	}
	part, err := split.Split(ids, cfg.Split.TestFraction, cfg.Split.Seed, splitOpts...)
	if err != nil {
		return nil, err
	}
	if err := part.Validate(ids); err != nil {
		return nil, err
	}

	params, err := scale.FitPartition(t.store, part)
	if err != nil {
		return nil, fmt.Errorf("fit scaler: %w", err)
	}
	trainSet, err := t.windows(params, part.Train)
	if err != nil {
		return nil, fmt.Errorf("train windows: %w", err)
	}
	testSet, err := t.windows(params, part.Test)
	if err != nil {
		return nil, fmt.Errorf("test windows: %w", err)
	}

	t.logger.Info("prepared windows",
		zap.Int("train_runs", len(part.Train)),
		zap.Int("test_runs", len(part.Test)),
		zap.Int("train_windows", len(trainSet)),
		zap.Int("test_windows", len(testSet)),
		zap.Int("train_positives", trainSet.Positives()),
	)

	sessionID, err := t.startSession(ctx, part)
	if err != nil {
		return nil, err
	}
	out = &Outcome{
		SessionID:    sessionID,
		Partition:    part,
		Scale:        params,
		TrainWindows: len(trainSet),
		TestWindows:  len(testSet),
	}
	defer func() {
		res := history.Result{TrainWindows: len(trainSet), TestWindows: len(testSet), Err: err}
		if err == nil {
			res.ArtifactID = out.Bundle.ID
			res.DetectorBalancedAcc = out.Summary.Binary.BalancedAccuracy
			res.ClassifierBalancedAcc = out.Summary.Multiclass.BalancedAccuracy
		}
		if ferr := t.finishSession(sessionID, res); ferr != nil && err == nil {
			err = ferr
		}
		if err != nil {
			out = nil
		}
	}()

	det := stage1.New(
		stage1.WithConfig(cfg.DetectorConfig()),
		stage1.WithLogger(t.logger.With(zap.String("stage", stage1.Stage))),
		stage1.WithEpochHook(t.hook(ctx, sessionID)),
	)
	if err = det.Fit(ctx, trainSet, testSet); err != nil {
		return out, fmt.Errorf("train detector: %w", err)
	}
	clf := stage2.New(
		stage2.WithConfig(cfg.ClassifierConfig()),
		stage2.WithStrictClassCounts(cfg.Classifier.StrictClassCounts),
		stage2.WithInputs(t.store.Dim()),
		stage2.WithLogger(t.logger.With(zap.String("stage", stage2.Stage))),
		stage2.WithEpochHook(t.hook(ctx, sessionID)),
	)
	if err = clf.Fit(ctx, trainSet, testSet); err != nil {
		return out, fmt.Errorf("train classifier: %w", err)
	}
	out.Detector, out.Classifier = det.Metrics(), clf.Metrics()

	engine := &cascade.Engine{Detector: det, Classifier: clf, Threshold: cfg.Cascade.Threshold}
	res, err := engine.Infer(ctx, testSet)
	if err != nil {
		return out, fmt.Errorf("evaluate cascade: %w", err)
	}
	summary, err := eval.Evaluate(testSet, res)
	if err != nil {
		return out, err
	}
	if cfg.Cascade.SweepPoints > 0 {
		summary.Sweep = cascade.Sweep(res.Probabilities, cascade.Grid(0, 1, cfg.Cascade.SweepPoints))
	}
	if cfg.Baseline.Enabled {
		baseline, err := t.baseline(ctx, trainSet, testSet)
		if err != nil {
			return out, fmt.Errorf("baseline: %w", err)
		}
		summary.Baseline = &baseline
	}
	out.Summary = summary

	bundle, err := artifact.New(t.schema.Names(), params, cfg.Window.Length, cfg.Window.Stride,
		cfg.Cascade.Threshold, det, clf)
	if err != nil {
		return out, err
	}
	out.Bundle = bundle
	out.Duration = time.Since(started)

	t.logger.Info("training complete",
		zap.String("bundle", bundle.ID),
		zap.Float64("detector_balanced_accuracy", summary.Binary.BalancedAccuracy),
		zap.Float64("classifier_balanced_accuracy", summary.Multiclass.BalancedAccuracy),
		zap.Duration("duration", out.Duration),
	)
	return out, nil
}

// windows normalizes the given runs with params and slices them.
func (t *trainer) windows(params scale.Params, ids []string) (window.Set, error) {
	rs, err := t.store.Runs(ids)
	if err != nil {
		return nil, err
	}
	norm, err := params.ApplyAll(rs)
	if err != nil {
		return nil, err
	}
	return window.ExtractAll(norm, t.cfg.Window.Length, t.cfg.Window.Stride)
}

// baseline fits the unsupervised forest on the train windows and reports
// its binary stage on the test windows.
func (t *trainer) baseline(ctx context.Context, train, test window.Set) (eval.Stage, error) {
	b := t.cfg.Baseline
	f := iforest.New(
		iforest.WithTrees(b.Trees),
		iforest.WithSampleSize(b.SampleSize),
		iforest.WithContamination(b.Contamination),
		iforest.WithSeed(t.cfg.Split.Seed),
	)
	if err := f.Fit(ctx, train); err != nil {
		return eval.Stage{}, err
	}
	scores, err := f.Score(ctx, test)
	if err != nil {
		return eval.Stage{}, err
	}
	pred := make([]int, len(scores))
	for i, flag := range f.Flags(scores) {
		if flag {
			pred[i] = 1
		}
	}
	return eval.NewStage("iforest", test.Binary(), pred, eval.BinaryName), nil
}

func (t *trainer) hook(ctx context.Context, sessionID string) nn.EpochHook {
	if t.history == nil {
		return nil
	}
	return func(em nn.EpochMetrics) error {
		return t.history.RecordEpoch(ctx, sessionID, em)
	}
}

func (t *trainer) startSession(ctx context.Context, part split.Partition) (string, error) {
	if t.history == nil {
		return "", nil
	}
	var buf bytes.Buffer
	if err := t.cfg.Encode(&buf); err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	id, err := t.history.StartSession(ctx, history.Meta{
		Config:      buf.String(),
		TrainRuns:   len(part.Train),
		TestRuns:    len(part.Test),
		Features:    t.schema.Len(),
		WindowLen:   t.cfg.Window.Length,
		WindowStep:  t.cfg.Window.Stride,
		Description: t.desc,
	})
	if err != nil {
		return "", fmt.Errorf("start history session: %w", err)
	}
	return id, nil
}

// finishSession runs detached from the training context so a cancelled
// session is still closed out.
func (t *trainer) finishSession(id string, res history.Result) error {
	if t.history == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.history.FinishSession(ctx, id, res); err != nil {
		return fmt.Errorf("finish history session: %w", err)
	}
	return nil
}
