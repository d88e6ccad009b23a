package ml

import (
	"context"
	"time"
)

// Classifier is a trainable multi-class model. Predict returns the winning
// label together with the full class-probability distribution; confidence
// is the predicted class's probability mass. A substituted classifier that
// exposes only decision margins must normalize them into [0,1] and return
// that approximation in place of true probabilities.
type Classifier interface {
	Train(features [][]float64, labels []int) error
	Predict(features []float64) (label int, probs []float64, err error)
	Save(path string) error
	Load(path string) error
	NumFeatures() int
	NumClasses() int
}

// DatasetSource supplies labeled training images. Acquisition may be slow
// or networked; failures abort the training run.
type DatasetSource interface {
	Load(ctx context.Context) (features [][]float64, labels []int, err error)
}

// RunRecorder persists a summary of a finished training run.
type RunRecorder interface {
	RecordRun(meta Metadata) error
}

// Metadata records how an artifact was produced, for reproducibility and
// reporting.
type Metadata struct {
	ModelType       string     `json:"model_type"`
	Epochs          int        `json:"epochs"`
	LearningRate    float64    `json:"learning_rate"`
	Seed            int64      `json:"seed"`
	TrainingSamples int        `json:"training_samples"`
	TestSamples     int        `json:"test_samples"`
	AugmentFactor   int        `json:"augment_factor"`
	TrainedAt       time.Time  `json:"trained_at"`
	Duration        string     `json:"duration"`
	Evaluation      Evaluation `json:"evaluation"`
}

// Artifact is the immutable bundle produced by one training run. A new
// artifact fully replaces the old one; nothing is mutated in place.
type Artifact struct {
	Classifier Classifier
	Scaler     *Scaler
	Meta       Metadata
}

// Alternative is one non-winning candidate digit.
type Alternative struct {
	Digit       int     `json:"digit"`
	Probability float64 `json:"probability"`
}

// Prediction is the result of classifying one image.
type Prediction struct {
	Digit         int           `json:"digit"`
	Confidence    float64       `json:"confidence"`
	Probabilities []float64     `json:"probabilities"`
	TopK          []Alternative `json:"top_k"`
}
