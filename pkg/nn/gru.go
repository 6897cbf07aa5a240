package nn

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// GRU is a single-layer gated recurrent unit. Gate rows are laid out as
// reset, update, candidate: Wi is 3H x In, Wh is 3H x H, both row-major.
//
//	r  = sigmoid(Wi_r x + Bi_r + Wh_r h + Bh_r)
//	z  = sigmoid(Wi_z x + Bi_z + Wh_z h + Bh_z)
//	n  = tanh(Wi_n x + Bi_n + r * (Wh_n h + Bh_n))
//	h' = (1 - z) * n + z * h
type GRU struct {
	In     int
	Hidden int
	Wi     []float64
	Wh     []float64
	Bi     []float64
	Bh     []float64
}

func newGRU(in, hidden int, rng *rand.Rand) GRU {
	k := 1 / math.Sqrt(float64(hidden))
	g := GRU{
		In:     in,
		Hidden: hidden,
		Wi:     make([]float64, 3*hidden*in),
		Wh:     make([]float64, 3*hidden*hidden),
		Bi:     make([]float64, 3*hidden),
		Bh:     make([]float64, 3*hidden),
	}
	for _, p := range [][]float64{g.Wi, g.Wh, g.Bi, g.Bh} {
		uniform(p, k, rng)
	}
	return g
}

// gruCache keeps the per-step activations needed for backpropagation
// through time. Every field is steps*H long.
type gruCache struct {
	steps int
	hPrev []float64
	r     []float64
	z     []float64
	n     []float64
	ghn   []float64
}

func (c *gruCache) reset(steps, hidden int) {
	size := steps * hidden
	if cap(c.hPrev) < size {
		c.hPrev = make([]float64, size)
		c.r = make([]float64, size)
		c.z = make([]float64, size)
		c.n = make([]float64, size)
		c.ghn = make([]float64, size)
	}
	c.steps = steps
	c.hPrev = c.hPrev[:size]
	c.r = c.r[:size]
	c.z = c.z[:size]
	c.n = c.n[:size]
	c.ghn = c.ghn[:size]
}

// gruScratch holds per-call buffers so concurrent forward passes never
// share memory.
type gruScratch struct {
	h, gi, gh []float64
}

func (g *GRU) scratch() *gruScratch {
	return &gruScratch{
		h:  make([]float64, g.Hidden),
		gi: make([]float64, 3*g.Hidden),
		gh: make([]float64, 3*g.Hidden),
	}
}

// forward runs the sequence x (steps*In, row-major) from a zero state and
// returns the final hidden state in s.h. When cache is non-nil the
// activations of every step are recorded.
func (g *GRU) forward(x []float64, s *gruScratch, cache *gruCache) []float64 {
	H := g.Hidden
	steps := len(x) / g.In
	if cache != nil {
		cache.reset(steps, H)
	}
	for i := range s.h {
		s.h[i] = 0
	}

	for t := 0; t < steps; t++ {
		xt := x[t*g.In : (t+1)*g.In]
		matVec(s.gi, g.Wi, g.Bi, xt)
		matVec(s.gh, g.Wh, g.Bh, s.h)

		var hp, rc, zc, nc, ghn []float64
		if cache != nil {
			lo, hi := t*H, (t+1)*H
			hp, rc, zc, nc, ghn = cache.hPrev[lo:hi], cache.r[lo:hi], cache.z[lo:hi], cache.n[lo:hi], cache.ghn[lo:hi]
			copy(hp, s.h)
		}

		for i := 0; i < H; i++ {
			r := sigmoid(s.gi[i] + s.gh[i])
			z := sigmoid(s.gi[H+i] + s.gh[H+i])
			n := math.Tanh(s.gi[2*H+i] + r*s.gh[2*H+i])
			if cache != nil {
				rc[i], zc[i], nc[i], ghn[i] = r, z, n, s.gh[2*H+i]
			}
			s.h[i] = (1-z)*n + z*s.h[i]
		}
	}
	return s.h
}

// backward accumulates parameter gradients into grad given dL/dh at the
// final step. dh is consumed.
func (g *GRU) backward(x []float64, cache *gruCache, dh []float64, grad *GRU) {
	H := g.Hidden
	dgi := make([]float64, 3*H)
	dgh := make([]float64, 3*H)
	dhPrev := make([]float64, H)

	for t := cache.steps - 1; t >= 0; t-- {
		lo, hi := t*H, (t+1)*H
		hp, r, z, n, ghn := cache.hPrev[lo:hi], cache.r[lo:hi], cache.z[lo:hi], cache.n[lo:hi], cache.ghn[lo:hi]
		xt := x[t*g.In : (t+1)*g.In]

		for i := 0; i < H; i++ {
			dn := dh[i] * (1 - z[i])
			dz := dh[i] * (hp[i] - n[i])
			dhPrev[i] = dh[i] * z[i]

			dan := dn * (1 - n[i]*n[i])
			dar := dan * ghn[i] * r[i] * (1 - r[i])
			daz := dz * z[i] * (1 - z[i])

			dgi[i], dgi[H+i], dgi[2*H+i] = dar, daz, dan
			dgh[i], dgh[H+i], dgh[2*H+i] = dar, daz, dan*r[i]
		}

		outerAdd(grad.Wi, dgi, xt)
		floats.Add(grad.Bi, dgi)
		outerAdd(grad.Wh, dgh, hp)
		floats.Add(grad.Bh, dgh)

		// dh_{t-1} += Wh^T dgh
		for k := 0; k < 3*H; k++ {
			if dgh[k] != 0 {
				floats.AddScaled(dhPrev, dgh[k], g.Wh[k*H:(k+1)*H])
			}
		}
		dh, dhPrev = dhPrev, dh
	}
}

func (g *GRU) zeroLike() GRU {
	return GRU{
		In:     g.In,
		Hidden: g.Hidden,
		Wi:     make([]float64, len(g.Wi)),
		Wh:     make([]float64, len(g.Wh)),
		Bi:     make([]float64, len(g.Bi)),
		Bh:     make([]float64, len(g.Bh)),
	}
}
