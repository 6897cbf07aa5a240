// Package schema fixes the ordered feature columns and anomaly codes of the plant.
package schema

import (
	"fmt"
	"strings"

	"github.com/hed1ad/plantguard/pkg/errs"
)

// Code is the ground-truth anomaly label of a single timestep.
type Code uint8

const (
	Normal Code = iota
	Freeze
	Step
	Ramp
)

// NumCodes is the size of the closed code set.
const NumCodes = 4

var codeNames = [NumCodes]string{"Normal", "Freeze", "Step", "Ramp"}

func (c Code) String() string {
	if int(c) < NumCodes {
		return codeNames[c]
	}
	return fmt.Sprintf("Code(%d)", uint8(c))
}

// Valid reports whether c belongs to the closed code set.
func (c Code) Valid() bool {
	return int(c) < NumCodes
}

// ParseCode converts an integer label into a Code.
func ParseCode(v int) (Code, error) {
	if v < 0 || v >= NumCodes {
		return 0, fmt.Errorf("%w: unknown anomaly code %d", errs.ErrDataIntegrity, v)
	}
	return Code(v), nil
}

// ParseName converts a label name ("Step", "ramp") into a Code.
func ParseName(name string) (Code, error) {
	for i, n := range codeNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return Code(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown anomaly name %q", errs.ErrDataIntegrity, name)
}

// Codes returns every code in ascending order.
func Codes() []Code {
	return []Code{Normal, Freeze, Step, Ramp}
}

// AnomalyCodes returns the non-Normal codes in ascending order.
func AnomalyCodes() []Code {
	return []Code{Freeze, Step, Ramp}
}

// Schema is a fixed ordered list of named numeric features.
type Schema struct {
	names []string
	index map[string]int
}

// New builds a schema from ordered feature names. Names must be unique.
func New(names []string) (*Schema, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: schema has no features", errs.ErrConfig)
	}
	s := &Schema{
		names: make([]string, len(names)),
		index: make(map[string]int, len(names)),
	}
	for i, n := range names {
		if _, dup := s.index[n]; dup {
			return nil, fmt.Errorf("%w: duplicate feature %q", errs.ErrConfig, n)
		}
		s.names[i] = n
		s.index[n] = i
	}
	return s, nil
}

// MustNew is New for package-level literals.
func MustNew(names []string) *Schema {
	s, err := New(names)
	if err != nil {
		panic(err)
	}
	return s
}

// Len returns the number of features.
func (s *Schema) Len() int {
	return len(s.names)
}

// Names returns a copy of the ordered feature names.
func (s *Schema) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Name returns the feature at position i.
func (s *Schema) Name(i int) string {
	return s.names[i]
}

// Index returns the position of a feature.
func (s *Schema) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// Module returns the process module a feature belongs to ("Mixer/Level" -> "Mixer").
func Module(name string) string {
	if i := strings.IndexByte(name, '/'); i >= 0 {
		return name[:i]
	}
	return name
}

// Reconcile builds a row in schema order from a keyed record.
// Absent features default to 0 and are returned in missing; unknown keys are ignored.
func (s *Schema) Reconcile(record map[string]float64) (row []float64, missing []string) {
	row = make([]float64, len(s.names))
	for i, n := range s.names {
		v, ok := record[n]
		if !ok {
			missing = append(missing, n)
			continue
		}
		row[i] = v
	}
	return row, missing
}

// Bind maps every schema feature onto its column index in header.
func (s *Schema) Bind(header []string) ([]int, error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[strings.TrimSpace(h)] = i
	}
	cols := make([]int, len(s.names))
	var absent []string
	for i, n := range s.names {
		c, ok := pos[n]
		if !ok {
			absent = append(absent, n)
			continue
		}
		cols[i] = c
	}
	if len(absent) > 0 {
		return nil, fmt.Errorf("%w: required feature columns absent: %s",
			errs.ErrDataIntegrity, strings.Join(absent, ", "))
	}
	return cols, nil
}
