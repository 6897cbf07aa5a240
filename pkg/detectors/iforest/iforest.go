// Package iforest implements an unsupervised Isolation Forest over window
// summaries. It needs no labels and serves as the baseline the supervised
// detector is compared against.
package iforest

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/hed1ad/plantguard/pkg/errs"
	"github.com/hed1ad/plantguard/pkg/window"
)

// Forest scores windows by how quickly random axis-aligned splits isolate
// their summary vector.
type Forest struct {
	mu sync.RWMutex

	// Configuration
	nTrees        int
	sampleSize    int
	contamination float64
	threshold     float64
	maxDepth      int
	rng           *rand.Rand

	// Trained model
	trees   [][]Node
	dim     int
	trained bool

	// Normalizer c(n) for the subsample size
	avgPathLength float64
}

// Node is one node of a flattened isolation tree. Leaves have Left == -1.
type Node struct {
	Feature int
	Split   float64
	Left    int
	Right   int
	Size    int
}

// Option configures a Forest.
type Option func(*Forest)

// WithTrees sets the number of isolation trees.
func WithTrees(n int) Option {
	return func(f *Forest) {
		f.nTrees = n
	}
}

// WithSampleSize sets the subsample size for each tree.
func WithSampleSize(n int) Option {
	return func(f *Forest) {
		f.sampleSize = n
	}
}

// WithContamination sets the expected proportion of anomalous windows; the
// threshold is placed at that upper quantile of the training scores.
func WithContamination(c float64) Option {
	return func(f *Forest) {
		f.contamination = c
	}
}

// WithSeed sets the random seed for reproducibility.
func WithSeed(seed int64) Option {
	return func(f *Forest) {
		f.rng = rand.New(rand.NewSource(seed))
	}
}

// New creates a Forest with the given options.
func New(opts ...Option) *Forest {
	f := &Forest{
		nTrees:        100,
		sampleSize:    256,
		contamination: 0.1,
		threshold:     0.5,
		rng:           rand.New(rand.NewSource(42)),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.maxDepth = depthLimit(f.sampleSize)
	return f
}

func depthLimit(sampleSize int) int {
	return int(math.Ceil(math.Log2(float64(max(sampleSize, 2)))))
}

// Summarize reduces a window to per-feature mean followed by per-feature
// range (max - min).
func Summarize(w window.Window) []float64 {
	out := make([]float64, 2*w.Dim)
	for j := 0; j < w.Dim; j++ {
		lo, hi, sum := math.Inf(1), math.Inf(-1), 0.0
		for t := 0; t < w.Len; t++ {
			v := w.Values[t*w.Dim+j]
			sum += v
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		out[j] = sum / float64(w.Len)
		out[w.Dim+j] = hi - lo
	}
	return out
}

// Fit builds the forest from unlabelled windows.
func (f *Forest) Fit(ctx context.Context, windows []window.Window) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(windows) == 0 {
		return fmt.Errorf("%w: empty training data", errs.ErrDataIntegrity)
	}
	if f.nTrees <= 0 || f.sampleSize <= 0 {
		return fmt.Errorf("%w: trees and sample size must be positive", errs.ErrConfig)
	}
	data := make([][]float64, len(windows))
	for i, w := range windows {
		data[i] = Summarize(w)
	}

	sampleSize := min(f.sampleSize, len(data))
	f.maxDepth = depthLimit(sampleSize)
	f.dim = len(data[0])
	f.trees = make([][]Node, f.nTrees)
	for i := range f.trees {
		if err := ctx.Err(); err != nil {
			return err
		}
		indices := f.rng.Perm(len(data))[:sampleSize]
		sample := make([][]float64, sampleSize)
		for j, idx := range indices {
			sample[j] = data[idx]
		}
		var tree []Node
		f.grow(&tree, sample, 0)
		f.trees[i] = tree
	}

	f.avgPathLength = averagePathLength(float64(sampleSize))
	f.trained = true

	if f.contamination > 0 {
		scores := f.score(data)
		f.threshold = percentile(scores, 100*(1-f.contamination))
	}
	return nil
}

// grow appends the subtree for data to tree and returns its index.
func (f *Forest) grow(tree *[]Node, data [][]float64, depth int) int {
	idx := len(*tree)
	*tree = append(*tree, Node{Left: -1, Right: -1, Size: len(data)})
	if depth >= f.maxDepth || len(data) <= 1 {
		return idx
	}

	feature := f.rng.Intn(f.dim)
	lo, hi := data[0][feature], data[0][feature]
	for _, row := range data[1:] {
		lo = math.Min(lo, row[feature])
		hi = math.Max(hi, row[feature])
	}
	if lo == hi {
		return idx
	}

	split := lo + f.rng.Float64()*(hi-lo)
	var left, right [][]float64
	for _, row := range data {
		if row[feature] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}

	l := f.grow(tree, left, depth+1)
	r := f.grow(tree, right, depth+1)
	(*tree)[idx] = Node{Feature: feature, Split: split, Left: l, Right: r, Size: len(data)}
	return idx
}

// Score returns anomaly scores in (0, 1]; higher is more anomalous.
func (f *Forest) Score(ctx context.Context, windows []window.Window) ([]float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, fmt.Errorf("%w: isolation forest", errs.ErrNotTrained)
	}
	data := make([][]float64, len(windows))
	for i, w := range windows {
		if 2*w.Dim != f.dim {
			return nil, fmt.Errorf("%w: window has %d features, forest expects %d",
				errs.ErrDataIntegrity, w.Dim, f.dim/2)
		}
		data[i] = Summarize(w)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.score(data), nil
}

func (f *Forest) score(data [][]float64) []float64 {
	scores := make([]float64, len(data))
	for i, sample := range data {
		var total float64
		for _, tree := range f.trees {
			total += pathLength(sample, tree, 0, 0)
		}
		avg := total / float64(len(f.trees))
		if f.avgPathLength == 0 {
			scores[i] = 0.5
			continue
		}
		// s(x, n) = 2^(-E[h(x)] / c(n))
		scores[i] = math.Pow(2, -avg/f.avgPathLength)
	}
	return scores
}

// Flags applies the threshold to scores.
func (f *Forest) Flags(scores []float64) []bool {
	t := f.Threshold()
	out := make([]bool, len(scores))
	for i, s := range scores {
		out[i] = s >= t
	}
	return out
}

func pathLength(sample []float64, tree []Node, idx, depth int) float64 {
	n := tree[idx]
	if n.Left < 0 {
		return float64(depth) + averagePathLength(float64(n.Size))
	}
	if sample[n.Feature] < n.Split {
		return pathLength(sample, tree, n.Left, depth+1)
	}
	return pathLength(sample, tree, n.Right, depth+1)
}

// averagePathLength is the mean unsuccessful search depth in a BST of n
// nodes: c(n) = 2H(n-1) - 2(n-1)/n.
func averagePathLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	return 2*(math.Log(n-1)+0.5772156649) - 2*(n-1)/n
}

// Threshold returns the current anomaly threshold.
func (f *Forest) Threshold() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.threshold
}

// SetThreshold updates the anomaly threshold.
func (f *Forest) SetThreshold(t float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threshold = t
}

type snapshot struct {
	Trees         [][]Node
	Dim           int
	SampleSize    int
	Contamination float64
	Threshold     float64
	AvgPathLength float64
}

// Save serializes the trained forest.
func (f *Forest) Save() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, fmt.Errorf("%w: isolation forest", errs.ErrNotTrained)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snapshot{
		Trees:         f.trees,
		Dim:           f.dim,
		SampleSize:    f.sampleSize,
		Contamination: f.contamination,
		Threshold:     f.threshold,
		AvgPathLength: f.avgPathLength,
	}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load deserializes a forest produced by Save.
func (f *Forest) Load(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var s snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return fmt.Errorf("%w: isolation forest: %v", errs.ErrDataIntegrity, err)
	}
	f.trees, f.dim, f.sampleSize = s.Trees, s.Dim, s.SampleSize
	f.contamination, f.threshold, f.avgPathLength = s.Contamination, s.Threshold, s.AvgPathLength
	f.nTrees = len(s.Trees)
	f.maxDepth = depthLimit(f.sampleSize)
	f.trained = true
	return nil
}

// percentile returns the p-th percentile by nearest lower rank.
func percentile(data []float64, p float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)
	idx := int(float64(len(sorted)-1) * p / 100)
	return sorted[idx]
}
