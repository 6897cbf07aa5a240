package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/hed1ad/plantguard/pkg/cascade"
	"github.com/hed1ad/plantguard/pkg/detectors"
	"github.com/hed1ad/plantguard/pkg/errs"
	"github.com/hed1ad/plantguard/pkg/scale"
	"github.com/hed1ad/plantguard/pkg/schema"
	"github.com/hed1ad/plantguard/pkg/window"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// lastStepDetector flags windows whose final step has a first feature
// above 1.
type lastStepDetector struct {
	err error
}

func (d lastStepDetector) Score(_ context.Context, ws []window.Window) ([]float64, error) {
	if d.err != nil {
		return nil, d.err
	}
	out := make([]float64, len(ws))
	for i, w := range ws {
		out[i] = 0.2
		if w.Step(w.Len - 1)[0] > 1 {
			out[i] = 0.95
		}
	}
	return out, nil
}

type stepClassifier struct{}

func (stepClassifier) Classify(_ context.Context, ws []window.Window) ([]detectors.Label, error) {
	out := make([]detectors.Label, len(ws))
	for i := range out {
		out[i] = detectors.Label{Code: schema.Step, Probability: 0.7, Probabilities: []float64{0.1, 0.7, 0.2}}
	}
	return out, nil
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, det lastStepDetector, opts ...Option) *Server {
	t.Helper()
	svc, err := cascade.NewService(&cascade.Model{
		ID:           "model-7",
		CreatedAt:    time.Unix(0, 0).UTC(),
		Schema:       schema.MustNew([]string{"Mixer/Level", "Pasteurizer/Temperature"}),
		Scale:        scale.Params{Center: []float64{0, 0}, Spread: []float64{1, 1}},
		WindowLength: 2,
		Stride:       1,
		Engine:       &cascade.Engine{Detector: det, Classifier: stepClassifier{}, Threshold: 0.5},
	}, nil)
	require.NoError(t, err)
	srv, err := NewServer(svc, nil, opts...)
	require.NoError(t, err)
	srv.now = func() time.Time { return fixedNow }
	return srv
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, lastStepDetector{})
	w := do(t, srv, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, HealthResponse{Status: "healthy", ModelLoaded: true, ModelID: "model-7", Timestamp: fixedNow}, resp)
}

func TestModelInfo(t *testing.T) {
	srv := newTestServer(t, lastStepDetector{})
	w := do(t, srv, http.MethodGet, "/model_info", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["model_loaded"])
	assert.Equal(t, "model-7", resp["model_id"])
	assert.Equal(t, float64(2), resp["features"])
	assert.Equal(t, []any{"Freeze", "Step", "Ramp"}, resp["anomaly_types"])
}

func TestPredict(t *testing.T) {
	srv := newTestServer(t, lastStepDetector{})

	tests := []struct {
		name      string
		body      string
		wantFlags []bool
	}{
		{
			name:      "single object",
			body:      `{"Mixer/Level": 0.5, "Pasteurizer/Temperature": 3}`,
			wantFlags: []bool{false},
		},
		{
			name:      "array of rows",
			body:      `[{"Mixer/Level": 0.5, "Pasteurizer/Temperature": 3}, {"Mixer/Level": 4, "Pasteurizer/Temperature": 3}]`,
			wantFlags: []bool{false, true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, srv, http.MethodPost, "/predict", tt.body)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())

			var resp PredictResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, "success", resp.Status)
			assert.Equal(t, w.Header().Get(RequestIDHeader), resp.RequestID)
			require.Len(t, resp.Predictions, len(tt.wantFlags))
			for i, want := range tt.wantFlags {
				p := resp.Predictions[i]
				assert.Equal(t, want, p.Anomalous)
				assert.Equal(t, fixedNow, p.Timestamp)
				if want {
					assert.Equal(t, "Step", p.Type)
					assert.Equal(t, 2, p.Code)
					assert.Equal(t, 0.7, p.Confidence)
					assert.Equal(t, "Mixer/Level", p.Suspect)
				} else {
					assert.Equal(t, "Normal", p.Type)
					assert.InDelta(t, 0.8, p.Confidence, 1e-12)
					assert.Empty(t, p.Suspect)
				}
			}
		})
	}
}

func TestPredictReportsMissingFeatures(t *testing.T) {
	srv := newTestServer(t, lastStepDetector{})
	w := do(t, srv, http.MethodPost, "/predict", `{"Mixer/Level": 0.1, "Unknown": 9}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp PredictResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Predictions, 1)
	assert.Equal(t, []string{"Pasteurizer/Temperature"}, resp.Predictions[0].Missing)
}

func TestBatchPredict(t *testing.T) {
	srv := newTestServer(t, lastStepDetector{})
	body := `{"batch_data": [{"Mixer/Level": 0}, {"Mixer/Level": 5}, {"Mixer/Level": 0}]}`
	w := do(t, srv, http.MethodPost, "/batch_predict", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp BatchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.TotalProcessed)
	require.Len(t, resp.Predictions, 3)
	for i, p := range resp.Predictions {
		assert.Equal(t, i, p.RowID)
	}
	assert.False(t, resp.Predictions[0].Anomalous)
	assert.True(t, resp.Predictions[1].Anomalous)
	assert.False(t, resp.Predictions[2].Anomalous)
}

func TestBadRequests(t *testing.T) {
	srv := newTestServer(t, lastStepDetector{}, WithMaxBodyBytes(256))

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{"predict empty body", http.MethodPost, "/predict", "", http.StatusBadRequest},
		{"predict null", http.MethodPost, "/predict", "null", http.StatusBadRequest},
		{"predict empty array", http.MethodPost, "/predict", "[]", http.StatusBadRequest},
		{"predict scalar", http.MethodPost, "/predict", "42", http.StatusBadRequest},
		{"predict string value", http.MethodPost, "/predict", `{"Mixer/Level": "hot"}`, http.StatusBadRequest},
		{"predict malformed", http.MethodPost, "/predict", `{"Mixer/Level": `, http.StatusBadRequest},
		{"predict too large", http.MethodPost, "/predict", `{"Mixer/Level": 1` + strings.Repeat(" ", 300) + `}`, http.StatusRequestEntityTooLarge},
		{"batch missing key", http.MethodPost, "/batch_predict", `{"rows": []}`, http.StatusBadRequest},
		{"batch empty", http.MethodPost, "/batch_predict", `{"batch_data": []}`, http.StatusBadRequest},
		{"predict wrong method", http.MethodGet, "/predict", "", http.StatusMethodNotAllowed},
		{"batch wrong method", http.MethodPut, "/batch_predict", "", http.StatusMethodNotAllowed},
		{"health wrong method", http.MethodPost, "/health", "", http.StatusMethodNotAllowed},
		{"model info wrong method", http.MethodDelete, "/model_info", "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, srv, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Error)
			assert.NotEmpty(t, resp.RequestID)
		})
	}
}

func TestScoringFailure(t *testing.T) {
	srv := newTestServer(t, lastStepDetector{err: errors.New("model exploded")})
	w := do(t, srv, http.MethodPost, "/predict", `{"Mixer/Level": 1}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	srv = newTestServer(t, lastStepDetector{err: errs.ErrDataIntegrity})
	w = do(t, srv, http.MethodPost, "/predict", `{"Mixer/Level": 1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestIDPropagates(t *testing.T) {
	srv := newTestServer(t, lastStepDetector{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get(RequestIDHeader))
}

func TestNewServerInvalid(t *testing.T) {
	_, err := NewServer(nil, nil)
	assert.ErrorIs(t, err, errs.ErrConfig)

	svc, err := cascade.NewService(&cascade.Model{
		Schema:       schema.MustNew([]string{"Mixer/Level"}),
		Scale:        scale.Params{Center: []float64{0}, Spread: []float64{1}},
		WindowLength: 1,
		Stride:       1,
		Engine:       &cascade.Engine{Detector: lastStepDetector{}, Classifier: stepClassifier{}, Threshold: 0.5},
	}, nil)
	require.NoError(t, err)
	_, err = NewServer(svc, nil, WithMaxBodyBytes(0))
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	srv := newTestServer(t, lastStepDetector{}, WithShutdownTimeout(time.Second))
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ctx, listener)
	}()

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + listener.Addr().String() + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, resp.Body.Close())
	client.CloseIdleConnections()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
