package csv

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/plantguard/pkg/errs"
	pgio "github.com/hed1ad/plantguard/pkg/io"
	"github.com/hed1ad/plantguard/pkg/schema"
)

var testSchema = schema.MustNew([]string{"Mixer/Level", "Mixer/Temperature"})

func TestReadRecords(t *testing.T) {
	src := strings.Join([]string{
		"number,Timestamp,Mixer/Temperature,Mixer/Level,Anomaly,Run id",
		"0,2024-05-01 10:00:00,276.1,0.5,0,7",
		"1,2024-05-01 10:00:30,276.3,0.6,2,7",
		"2,12.5,275.0,true,0,8",
	}, "\n")

	r, err := NewReaderFrom(strings.NewReader(src), testSchema)
	require.NoError(t, err)
	defer r.Close()

	records, err := r.Read(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, "7", records[0].RunID)
	assert.Equal(t, []float64{0.5, 276.1}, records[0].Values)
	assert.Equal(t, schema.Step, records[1].Code)
	assert.Greater(t, records[1].Timestamp, records[0].Timestamp)
	assert.Equal(t, []float64{1, 275.0}, records[2].Values)
	assert.Equal(t, int64(12_500_000_000), records[2].Timestamp)
}

func TestReaderHeaderValidation(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{name: "feature missing", header: "Timestamp,Mixer/Level,Anomaly,Run id"},
		{name: "run column missing", header: "Timestamp,Mixer/Level,Mixer/Temperature,Anomaly"},
		{name: "anomaly column missing", header: "Timestamp,Mixer/Level,Mixer/Temperature,Run id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReaderFrom(strings.NewReader(tt.header+"\n"), testSchema)
			assert.ErrorIs(t, err, errs.ErrDataIntegrity)
		})
	}
}

func TestReadRejectsBadCells(t *testing.T) {
	tests := []struct {
		name string
		row  string
	}{
		{name: "unknown code", row: "0,0.5,1,9,r"},
		{name: "fractional code", row: "0,0.5,1,1.5,r"},
		{name: "bad feature", row: "0,abc,1,0,r"},
		{name: "bad timestamp", row: "yesterday,0.5,1,0,r"},
		{name: "epoch milliseconds", row: "1700000000000,0.5,1,0,r"},
		{name: "NaN timestamp", row: "NaN,0.5,1,0,r"},
		{name: "infinite timestamp", row: "-Inf,0.5,1,0,r"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := "Timestamp,Mixer/Level,Mixer/Temperature,Anomaly,Run id\n" + tt.row + "\n"
			r, err := NewReaderFrom(strings.NewReader(src), testSchema)
			require.NoError(t, err)

			_, err = r.Read(context.Background())
			assert.ErrorIs(t, err, errs.ErrDataIntegrity)
		})
	}
}

func TestLoadStore(t *testing.T) {
	src := strings.Join([]string{
		"Timestamp,Mixer/Level,Mixer/Temperature,Anomaly,Run id",
		"1,0.1,1,0,a",
		"1,0.2,2,0,b",
		"2,0.3,3,1,a",
	}, "\n")

	r, err := NewReaderFrom(strings.NewReader(src), testSchema)
	require.NoError(t, err)

	store, err := LoadStore(context.Background(), r, testSchema.Len())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, store.IDs())

	a, _ := store.Get("a")
	assert.Equal(t, 2, a.Len())
	assert.Equal(t, []schema.Code{schema.Normal, schema.Freeze}, a.Codes)
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "12.5", want: 12_500_000_000},
		{in: "1700000000", want: 1_700_000_000_000_000_000},
		{in: "-3", want: -3_000_000_000},
		{in: "1970-01-01 00:00:01", want: 1_000_000_000},
		{in: "1700000000000", wantErr: true},
		{in: "1699999999000", wantErr: true},
		{in: "9.3e9", wantErr: true},
		{in: "9999-01-01 00:00:00", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseTimestamp(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, errs.ErrDataIntegrity)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadStoreRejectsOutOfOrderTimestamps(t *testing.T) {
	tests := []struct {
		name string
		rows []string
	}{
		{name: "epoch seconds", rows: []string{"1700000001,0.1,1,0,a", "1700000000,0.2,2,0,a"}},
		{name: "epoch milliseconds", rows: []string{"1700000000000,0.1,1,0,a", "1699999999000,0.2,2,0,a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := "Timestamp,Mixer/Level,Mixer/Temperature,Anomaly,Run id\n" + strings.Join(tt.rows, "\n")
			r, err := NewReaderFrom(strings.NewReader(src), testSchema)
			require.NoError(t, err)

			_, err = LoadStore(context.Background(), r, testSchema.Len())
			assert.ErrorIs(t, err, errs.ErrDataIntegrity)
		})
	}
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.WriteAll([]pgio.Result{
		{RunID: "a", Start: 0, IsAnomaly: true, Type: schema.Ramp, Probability: 0.9, Confidence: 0.75},
		{RunID: "a", Start: 10, Type: schema.Normal, Probability: 0.1, Confidence: 0.9},
	}))
	require.NoError(t, w.Close())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "run_id,start,is_anomaly,anomaly_code,anomaly_type,probability,confidence", lines[0])
	assert.Equal(t, "a,0,true,3,Ramp,0.900000,0.750000", lines[1])
	assert.Equal(t, "a,10,false,0,Normal,0.100000,0.900000", lines[2])
}
