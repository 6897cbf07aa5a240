// Package runs holds per-run ordered multivariate series with their
// per-timestep ground-truth anomaly codes.
package runs

import (
	"fmt"
	"sort"

	"github.com/hed1ad/plantguard/pkg/errs"
	"github.com/hed1ad/plantguard/pkg/schema"
)

// Run is one physical trial. Values is row-major with Len()*Dim entries.
type Run struct {
	ID         string
	Timestamps []int64
	Values     []float64
	Codes      []schema.Code
	Dim        int
}

// Len returns the number of timesteps.
func (r *Run) Len() int {
	return len(r.Codes)
}

// Row returns the feature vector at timestep t. The slice aliases the run.
func (r *Run) Row(t int) []float64 {
	return r.Values[t*r.Dim : (t+1)*r.Dim]
}

// WithValues returns a copy of the run sharing ids, timestamps and codes
// but carrying different feature values (e.g. normalized ones).
func (r *Run) WithValues(values []float64) *Run {
	return &Run{
		ID:         r.ID,
		Timestamps: r.Timestamps,
		Values:     values,
		Codes:      r.Codes,
		Dim:        r.Dim,
	}
}

// Store groups appended timesteps by run id, preserving arrival order.
type Store struct {
	dim  int
	runs map[string]*Run
}

// NewStore creates an empty store for dim-dimensional rows.
func NewStore(dim int) *Store {
	return &Store{
		dim:  dim,
		runs: make(map[string]*Run),
	}
}

// Dim returns the feature dimensionality.
func (s *Store) Dim() int {
	return s.dim
}

// Append adds one timestep to run id. Timestamps must not decrease within a run.
func (s *Store) Append(id string, ts int64, row []float64, code schema.Code) error {
	if id == "" {
		return fmt.Errorf("%w: empty run id", errs.ErrDataIntegrity)
	}
	if len(row) != s.dim {
		return fmt.Errorf("%w: run %s: row has %d features, want %d",
			errs.ErrDataIntegrity, id, len(row), s.dim)
	}
	if !code.Valid() {
		return fmt.Errorf("%w: run %s: unknown anomaly code %d", errs.ErrDataIntegrity, id, code)
	}

	r, ok := s.runs[id]
	if !ok {
		r = &Run{ID: id, Dim: s.dim}
		s.runs[id] = r
	}
	if n := len(r.Timestamps); n > 0 && ts < r.Timestamps[n-1] {
		return fmt.Errorf("%w: run %s: timestamp %d precedes %d",
			errs.ErrDataIntegrity, id, ts, r.Timestamps[n-1])
	}

	r.Timestamps = append(r.Timestamps, ts)
	r.Values = append(r.Values, row...)
	r.Codes = append(r.Codes, code)
	return nil
}

// Add inserts a complete run, replacing nothing.
func (s *Store) Add(r *Run) error {
	if _, dup := s.runs[r.ID]; dup {
		return fmt.Errorf("%w: duplicate run %s", errs.ErrDataIntegrity, r.ID)
	}
	if r.Dim != s.dim || len(r.Values) != r.Len()*r.Dim || len(r.Timestamps) != r.Len() {
		return fmt.Errorf("%w: run %s has inconsistent shape", errs.ErrDataIntegrity, r.ID)
	}
	s.runs[r.ID] = r
	return nil
}

// Get returns the run with the given id.
func (s *Store) Get(id string) (*Run, bool) {
	r, ok := s.runs[id]
	return r, ok
}

// IDs returns all run ids in sorted order.
func (s *Store) IDs() []string {
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Runs resolves ids to runs, failing on any unknown id.
func (s *Store) Runs(ids []string) ([]*Run, error) {
	out := make([]*Run, 0, len(ids))
	for _, id := range ids {
		r, ok := s.runs[id]
		if !ok {
			return nil, fmt.Errorf("%w: unknown run %s", errs.ErrDataIntegrity, id)
		}
		out = append(out, r)
	}
	return out, nil
}

// Len returns the number of runs.
func (s *Store) Len() int {
	return len(s.runs)
}

// Timesteps returns the total number of timesteps across runs.
func (s *Store) Timesteps() int {
	n := 0
	for _, r := range s.runs {
		n += r.Len()
	}
	return n
}

// ShortestRun returns the length of the shortest run, or 0 for an empty store.
func (s *Store) ShortestRun() int {
	shortest := 0
	for _, r := range s.runs {
		if shortest == 0 || r.Len() < shortest {
			shortest = r.Len()
		}
	}
	return shortest
}

// DominantCode returns the first non-Normal code of a run, or Normal.
// Runs are recorded per injected anomaly, so this names the run's regime.
func (s *Store) DominantCode(id string) schema.Code {
	r, ok := s.runs[id]
	if !ok {
		return schema.Normal
	}
	for _, c := range r.Codes {
		if c != schema.Normal {
			return c
		}
	}
	return schema.Normal
}

// Strata maps every run id to its dominant code.
func (s *Store) Strata() map[string]schema.Code {
	out := make(map[string]schema.Code, len(s.runs))
	for id := range s.runs {
		out[id] = s.DominantCode(id)
	}
	return out
}
