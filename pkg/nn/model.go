// Package nn implements the sequence-to-one recurrent model shared by both
// cascade stages, together with its losses, optimizer and training loop.
package nn

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math/rand"

	"github.com/hed1ad/plantguard/pkg/errs"
)

// SeqModel maps an (L, In) sequence to Out logits through a GRU whose
// final hidden state feeds a dense head.
type SeqModel struct {
	GRU  GRU
	Head Dense

	grad *SeqModel
}

// NewSeqModel initializes weights uniformly in ±1/sqrt(fan) from seed.
func NewSeqModel(in, hidden, out int, seed int64) (*SeqModel, error) {
	if in <= 0 || hidden <= 0 || out <= 0 {
		return nil, fmt.Errorf("%w: model sizes must be positive (in=%d hidden=%d out=%d)",
			errs.ErrConfig, in, hidden, out)
	}
	rng := rand.New(rand.NewSource(seed))
	return &SeqModel{
		GRU:  newGRU(in, hidden, rng),
		Head: newDense(hidden, out, rng),
	}, nil
}

// Inputs returns the per-timestep feature count.
func (m *SeqModel) Inputs() int {
	return m.GRU.In
}

// Outputs returns the number of logits.
func (m *SeqModel) Outputs() int {
	return m.Head.Out
}

// Forward returns the logits for one sequence. Safe for concurrent use as
// long as no training step runs at the same time.
func (m *SeqModel) Forward(x []float64) []float64 {
	s := m.GRU.scratch()
	h := m.GRU.forward(x, s, nil)
	out := make([]float64, m.Head.Out)
	m.Head.forward(h, out)
	return out
}

// Param pairs a weight slice with its gradient.
type Param struct {
	W []float64
	G []float64
}

// params lists every weight with its gradient buffer, allocating the
// buffers on first use.
func (m *SeqModel) params() []Param {
	if m.grad == nil {
		m.grad = &SeqModel{GRU: m.GRU.zeroLike(), Head: m.Head.zeroLike()}
	}
	g := m.grad
	return []Param{
		{W: m.GRU.Wi, G: g.GRU.Wi},
		{W: m.GRU.Wh, G: g.GRU.Wh},
		{W: m.GRU.Bi, G: g.GRU.Bi},
		{W: m.GRU.Bh, G: g.GRU.Bh},
		{W: m.Head.W, G: g.Head.W},
		{W: m.Head.B, G: g.Head.B},
	}
}

// tape holds the reusable buffers of one forward/backward pass.
type tape struct {
	scratch *gruScratch
	cache   gruCache
	hLast   []float64
	logits  []float64
	dlogits []float64
}

func (m *SeqModel) newTape() *tape {
	return &tape{
		scratch: m.GRU.scratch(),
		hLast:   make([]float64, m.GRU.Hidden),
		logits:  make([]float64, m.Head.Out),
		dlogits: make([]float64, m.Head.Out),
	}
}

// forwardTrain runs a forward pass recording activations on tp.
func (m *SeqModel) forwardTrain(x []float64, tp *tape) []float64 {
	h := m.GRU.forward(x, tp.scratch, &tp.cache)
	copy(tp.hLast, h)
	m.Head.forward(tp.hLast, tp.logits)
	return tp.logits
}

// backwardTrain accumulates gradients of tp.dlogits into the grad buffers.
func (m *SeqModel) backwardTrain(x []float64, tp *tape) {
	dh := m.Head.backward(tp.hLast, tp.dlogits, &m.grad.Head)
	m.GRU.backward(x, &tp.cache, dh, &m.grad.GRU)
}

func (m *SeqModel) zeroGrad() {
	for _, p := range m.params() {
		for i := range p.G {
			p.G[i] = 0
		}
	}
}

// MarshalBinary encodes the weights with gob.
func (m *SeqModel) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(struct {
		GRU  GRU
		Head Dense
	}{m.GRU, m.Head}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes weights produced by MarshalBinary.
func (m *SeqModel) UnmarshalBinary(data []byte) error {
	var w struct {
		GRU  GRU
		Head Dense
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return err
	}
	if w.GRU.Hidden != w.Head.In || len(w.GRU.Wi) != 3*w.GRU.Hidden*w.GRU.In {
		return fmt.Errorf("%w: inconsistent model weights", errs.ErrDataIntegrity)
	}
	m.GRU, m.Head, m.grad = w.GRU, w.Head, nil
	return nil
}
