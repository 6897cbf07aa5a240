package api

import (
	"time"

	"github.com/hed1ad/plantguard/pkg/cascade"
)

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status      string    `json:"status"`
	ModelLoaded bool      `json:"model_loaded"`
	ModelID     string    `json:"model_id"`
	Timestamp   time.Time `json:"timestamp"`
}

// ModelInfoResponse is returned by /model_info.
type ModelInfoResponse struct {
	ModelLoaded bool `json:"model_loaded"`
	cascade.ModelInfo
}

// Prediction is one scored row of /predict.
type Prediction struct {
	cascade.RowScore
	Timestamp time.Time `json:"timestamp"`
}

// PredictResponse is returned by /predict.
type PredictResponse struct {
	Predictions []Prediction `json:"predictions"`
	Status      string       `json:"status"`
	RequestID   string       `json:"request_id,omitempty"`
}

// BatchRequest is the body of /batch_predict.
type BatchRequest struct {
	BatchData []map[string]float64 `json:"batch_data"`
}

// BatchPrediction is one scored row of /batch_predict.
type BatchPrediction struct {
	RowID int `json:"row_id"`
	cascade.RowScore
}

// BatchResponse is returned by /batch_predict.
type BatchResponse struct {
	Predictions    []BatchPrediction `json:"batch_predictions"`
	TotalProcessed int               `json:"total_processed"`
	Status         string            `json:"status"`
	RequestID      string            `json:"request_id,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}
