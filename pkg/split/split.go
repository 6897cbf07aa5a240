// Package split partitions whole runs into train and test sets.
//
// Windows inside one run overlap and are strongly correlated, so the unit of
// partitioning is the run id, never the timestep or the window.
package split

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/hed1ad/plantguard/pkg/errs"
	"github.com/hed1ad/plantguard/pkg/schema"
)

// Partition is a disjoint train/test assignment of run ids.
type Partition struct {
	Train []string
	Test  []string
}

// Side names the partition a run belongs to.
type Side int

const (
	None Side = iota
	Train
	Test
)

func (s Side) String() string {
	switch s {
	case Train:
		return "train"
	case Test:
		return "test"
	default:
		return "none"
	}
}

// Of returns the side holding id.
func (p Partition) Of(id string) Side {
	for _, t := range p.Train {
		if t == id {
			return Train
		}
	}
	for _, t := range p.Test {
		if t == id {
			return Test
		}
	}
	return None
}

// Validate checks that train and test are disjoint and cover exactly all.
func (p Partition) Validate(all []string) error {
	seen := make(map[string]Side, len(all))
	for _, id := range p.Train {
		seen[id] = Train
	}
	for _, id := range p.Test {
		if seen[id] == Train {
			return fmt.Errorf("%w: run %s in both train and test", errs.ErrDataIntegrity, id)
		}
		seen[id] = Test
	}
	for _, id := range all {
		if seen[id] == None {
			return fmt.Errorf("%w: run %s in no partition", errs.ErrDataIntegrity, id)
		}
		delete(seen, id)
	}
	for id := range seen {
		return fmt.Errorf("%w: partition names unknown run %s", errs.ErrDataIntegrity, id)
	}
	return nil
}

type splitter struct {
	strata map[string]schema.Code
}

// Option configures Split.
type Option func(*splitter)

// WithStratify keeps the per-regime proportion of runs in both partitions.
// Runs missing from strata are grouped as Normal.
func WithStratify(strata map[string]schema.Code) Option {
	return func(s *splitter) {
		s.strata = strata
	}
}

// Split holds out round(fraction*len(ids)) runs as the test set.
// The result depends only on the id set, fraction and seed.
func Split(ids []string, fraction float64, seed int64, opts ...Option) (Partition, error) {
	if !(fraction > 0 && fraction < 1) {
		return Partition{}, fmt.Errorf("%w: test fraction %v outside (0,1)", errs.ErrConfig, fraction)
	}

	sp := &splitter{}
	for _, opt := range opts {
		opt(sp)
	}

	sorted := dedupe(ids)
	n := len(sorted)
	nTest := int(math.Round(fraction * float64(n)))
	if sp.strata == nil && (nTest == 0 || nTest == n) {
		return Partition{}, degenerate(fraction, n, nTest)
	}

	rng := rand.New(rand.NewSource(seed))

	var test map[string]bool
	if sp.strata != nil {
		test = sp.stratified(sorted, fraction, rng)
		if len(test) == 0 || len(test) == n {
			return Partition{}, degenerate(fraction, n, len(test))
		}
	} else {
		rng.Shuffle(n, func(i, j int) { sorted[i], sorted[j] = sorted[j], sorted[i] })
		test = make(map[string]bool, nTest)
		for _, id := range sorted[:nTest] {
			test[id] = true
		}
	}

	var p Partition
	for _, id := range dedupe(ids) {
		if test[id] {
			p.Test = append(p.Test, id)
		} else {
			p.Train = append(p.Train, id)
		}
	}
	return p, nil
}

func (sp *splitter) stratified(sorted []string, fraction float64, rng *rand.Rand) map[string]bool {
	groups := make(map[schema.Code][]string)
	for _, id := range sorted {
		c := sp.strata[id]
		groups[c] = append(groups[c], id)
	}

	test := make(map[string]bool)
	for _, c := range schema.Codes() {
		g := groups[c]
		rng.Shuffle(len(g), func(i, j int) { g[i], g[j] = g[j], g[i] })
		k := int(math.Round(fraction * float64(len(g))))
		for _, id := range g[:k] {
			test[id] = true
		}
	}
	return test
}

func dedupe(ids []string) []string {
	set := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := set[id]; ok {
			continue
		}
		set[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func degenerate(fraction float64, n, nTest int) error {
	return fmt.Errorf("%w: test fraction %v of %d runs holds out %d runs",
		errs.ErrConfig, fraction, n, nTest)
}
