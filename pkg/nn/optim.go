package nn

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Adam implements the Adam optimizer with bias correction.
type Adam struct {
	LR      float64
	Beta1   float64
	Beta2   float64
	Epsilon float64

	step int
	m, v [][]float64
}

// NewAdam returns Adam with the usual betas and epsilon.
func NewAdam(lr float64) *Adam {
	return &Adam{LR: lr, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}
}

// Step applies one update to params using their current gradients.
func (a *Adam) Step(params []Param) {
	if a.m == nil {
		a.m = make([][]float64, len(params))
		a.v = make([][]float64, len(params))
		for i, p := range params {
			a.m[i] = make([]float64, len(p.W))
			a.v[i] = make([]float64, len(p.W))
		}
	}
	a.step++
	bc1 := 1 - math.Pow(a.Beta1, float64(a.step))
	bc2 := 1 - math.Pow(a.Beta2, float64(a.step))
	stepSize := a.LR / bc1
	sqrtBC2 := math.Sqrt(bc2)

	for i, p := range params {
		m, v := a.m[i], a.v[i]
		for j, g := range p.G {
			m[j] = a.Beta1*m[j] + (1-a.Beta1)*g
			v[j] = a.Beta2*v[j] + (1-a.Beta2)*g*g
			p.W[j] -= stepSize * m[j] / (math.Sqrt(v[j])/sqrtBC2 + a.Epsilon)
		}
	}
}

// ClipGradNorm rescales all gradients so their global L2 norm is at most
// maxNorm and returns the norm measured before clipping.
func ClipGradNorm(params []Param, maxNorm float64) float64 {
	var sq float64
	for _, p := range params {
		sq += floats.Dot(p.G, p.G)
	}
	total := math.Sqrt(sq)
	if maxNorm > 0 && total > maxNorm && finite(total) {
		coef := maxNorm / (total + 1e-6)
		for _, p := range params {
			floats.Scale(coef, p.G)
		}
	}
	return total
}
