package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/plantguard/pkg/errs"
)

func TestDefault(t *testing.T) {
	s := Default()
	assert.Equal(t, 54, s.Len())

	perModule := map[string]int{}
	for _, n := range s.Names() {
		perModule[Module(n)]++
	}
	assert.Equal(t, map[string]int{
		"Mixer":          13,
		"Pasteurizer":    8,
		"Homogenizer":    4,
		"AgeingCooling":  7,
		"DynamicFreezer": 16,
		"Hardening":      6,
	}, perModule)
}

func TestParseCode(t *testing.T) {
	tests := []struct {
		name    string
		in      int
		want    Code
		wantErr bool
	}{
		{name: "normal", in: 0, want: Normal},
		{name: "ramp", in: 3, want: Ramp},
		{name: "negative", in: -1, wantErr: true},
		{name: "out of range", in: 4, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCode(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, errs.ErrDataIntegrity)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseName(t *testing.T) {
	c, err := ParseName(" step ")
	require.NoError(t, err)
	assert.Equal(t, Step, c)

	_, err = ParseName("Spike")
	assert.ErrorIs(t, err, errs.ErrDataIntegrity)
}

func TestNewRejectsDuplicates(t *testing.T) {
	_, err := New([]string{"a", "b", "a"})
	assert.ErrorIs(t, err, errs.ErrConfig)

	_, err = New(nil)
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestReconcileDefaultsMissingToZero(t *testing.T) {
	s := MustNew([]string{"a", "b", "c"})

	row, missing := s.Reconcile(map[string]float64{
		"c":       3,
		"a":       1,
		"unknown": 99,
	})

	assert.Equal(t, []float64{1, 0, 3}, row)
	assert.Equal(t, []string{"b"}, missing)
}

func TestBind(t *testing.T) {
	s := MustNew([]string{"a", "b"})

	cols, err := s.Bind([]string{"Run id", "b", " a ", "Anomaly"})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, cols)

	_, err = s.Bind([]string{"a", "Anomaly"})
	assert.ErrorIs(t, err, errs.ErrDataIntegrity)
	assert.Contains(t, err.Error(), "b")
}
