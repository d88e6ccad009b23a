package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"digitserve/db"
	"digitserve/imaging"
	"digitserve/ml"
)

const maxUploadBytes = 5 << 20 // 5MB

// Predictor classifies raw uploaded image bytes.
type Predictor interface {
	PredictImage(raw []byte) (ml.Prediction, error)
}

// ModelRegistry is the slice of the registry the handlers need.
type ModelRegistry interface {
	State() ml.TrainingState
	StatusMessage() string
	CurrentArtifact() *ml.Artifact
	RequestTraining() bool
	Retrain() bool
}

var (
	predictor     Predictor
	modelRegistry ModelRegistry
	loadRuns      = db.LoadTrainingRuns
)

// SetPredictor injects the prediction service.
func SetPredictor(p Predictor) {
	predictor = p
}

// SetRegistry injects the model registry.
func SetRegistry(r ModelRegistry) {
	modelRegistry = r
}

func RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("POST /api/predict", handlePredict)
	mux.HandleFunc("GET /api/training/status", handleTrainingStatus)
	mux.HandleFunc("POST /api/training/start", handleTrainingStart)
	mux.HandleFunc("GET /api/model/info", handleModelInfo)
	mux.HandleFunc("GET /api/model/runs", handleModelRuns)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handlePredict(w http.ResponseWriter, r *http.Request) {
	if predictor == nil {
		writeError(w, http.StatusServiceUnavailable, "prediction service not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form, upload the image under field 'image'")
		return
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no image file provided, use 'image' as the form field name")
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read uploaded file")
		return
	}

	start := time.Now()
	pred, err := predictor.PredictImage(raw)
	if err != nil {
		writePredictError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"digit":              pred.Digit,
		"confidence":         pred.Confidence,
		"probabilities":      pred.Probabilities,
		"top_k":              pred.TopK,
		"processing_time_ms": time.Since(start).Milliseconds(),
	})
}

// writePredictError maps pipeline errors onto status codes: input errors
// are 400s the client must fix, readiness errors are 503s worth retrying.
func writePredictError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, imaging.ErrEmptyImage):
		writeError(w, http.StatusBadRequest, "uploaded file is empty")
	case errors.Is(err, imaging.ErrDecode):
		writeError(w, http.StatusBadRequest, "image could not be decoded, supported formats: PNG, JPEG, GIF")
	case errors.Is(err, imaging.ErrDegenerateImage):
		writeError(w, http.StatusBadRequest, "image is blank or has no recognizable content")
	case errors.Is(err, ml.ErrModelNotReady):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "prediction failed")
	}
}

func handleTrainingStatus(w http.ResponseWriter, r *http.Request) {
	if modelRegistry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"state":   modelRegistry.State().String(),
		"message": modelRegistry.StatusMessage(),
	})
}

func handleTrainingStart(w http.ResponseWriter, r *http.Request) {
	if modelRegistry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry not configured")
		return
	}
	scheduled := modelRegistry.Retrain()
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"scheduled": scheduled,
		"state":     modelRegistry.State().String(),
	})
}

func handleModelInfo(w http.ResponseWriter, r *http.Request) {
	if modelRegistry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry not configured")
		return
	}
	artifact := modelRegistry.CurrentArtifact()
	if artifact == nil {
		writeError(w, http.StatusServiceUnavailable, modelRegistry.StatusMessage())
		return
	}
	writeJSON(w, http.StatusOK, artifact.Meta)
}

func handleModelRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	runs, err := loadRuns(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
