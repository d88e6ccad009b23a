package ml

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"digitserve/imaging"
	"digitserve/logging"
)

// PipelineConfig fixes the hyperparameters of one training run. All values
// are recorded in the artifact metadata.
type PipelineConfig struct {
	SampleSize    int     `yaml:"sample_size"`
	AugmentFactor int     `yaml:"augment_factor"`
	Epochs        int     `yaml:"epochs"`
	LearningRate  float64 `yaml:"learning_rate"`
	TestRatio     float64 `yaml:"test_ratio"`
	Seed          int64   `yaml:"seed"`
}

// Pipeline turns a labeled dataset into a ready Artifact: acquire,
// stratified sample, augment, fit scaler, fit classifier, evaluate. Each
// stage boundary checks ctx so an aborted run fails cleanly instead of
// completing.
type Pipeline struct {
	Source   DatasetSource
	Config   PipelineConfig
	Recorder RunRecorder
}

func (p *Pipeline) Run(ctx context.Context) (*Artifact, error) {
	if p.Source == nil {
		return nil, errors.New("no dataset source configured")
	}
	log := logging.L()
	start := time.Now()

	features, labels, err := p.Source.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("dataset acquisition: %w", err)
	}
	if len(features) == 0 || len(features) != len(labels) {
		return nil, errors.New("dataset is empty or inconsistent")
	}
	// augmentation and inference both assume canonical rasters
	for i, vec := range features {
		if len(vec) != imaging.VectorLen {
			return nil, fmt.Errorf("dataset vector %d has length %d, want %d", i, len(vec), imaging.VectorLen)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	features, labels = StratifiedSample(features, labels, p.Config.SampleSize, p.Config.Seed)
	log.Infow("training set sampled", "samples", len(features))
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	trainX, trainY, testX, testY := splitDataset(features, labels, p.Config.TestRatio, p.Config.Seed)
	if len(trainX) == 0 {
		return nil, errors.New("training split is empty")
	}

	if p.Config.AugmentFactor > 0 {
		trainX, trainY = Augment(trainX, trainY, p.Config.AugmentFactor, p.Config.Seed)
		log.Infow("training set augmented",
			"factor", p.Config.AugmentFactor, "samples", len(trainX))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	scaler := &Scaler{}
	if err := scaler.Fit(trainX); err != nil {
		return nil, fmt.Errorf("scaler fit: %w", err)
	}
	scaledX, err := scaler.TransformAll(trainX)
	if err != nil {
		return nil, fmt.Errorf("scaler transform: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	clf := NewSoftmaxClassifier(p.Config.Epochs, p.Config.LearningRate, p.Config.Seed)
	log.Infow("fitting classifier",
		"samples", len(scaledX), "epochs", clf.Epochs, "learning_rate", clf.LearningRate)
	if err := clf.Train(scaledX, trainY); err != nil {
		return nil, fmt.Errorf("classifier fit: %w", err)
	}

	eval, err := Evaluate(clf, scaler, testX, testY)
	if err != nil {
		return nil, fmt.Errorf("evaluation: %w", err)
	}
	log.Infow("model evaluated",
		"accuracy", eval.Accuracy, "f1", eval.F1, "test_samples", len(testX))

	meta := Metadata{
		ModelType:       softmaxModelType,
		Epochs:          clf.Epochs,
		LearningRate:    clf.LearningRate,
		Seed:            p.Config.Seed,
		TrainingSamples: len(trainX),
		TestSamples:     len(testX),
		AugmentFactor:   p.Config.AugmentFactor,
		TrainedAt:       time.Now().UTC(),
		Duration:        time.Since(start).Round(time.Millisecond).String(),
		Evaluation:      eval,
	}

	if p.Recorder != nil {
		if err := p.Recorder.RecordRun(meta); err != nil {
			log.Warnw("failed to record training run", "error", err)
		}
	}

	return &Artifact{Classifier: clf, Scaler: scaler, Meta: meta}, nil
}

// StratifiedSample bounds the dataset to limit samples while preserving
// per-class proportions. The full set passes through when it already fits
// the bound.
func StratifiedSample(features [][]float64, labels []int, limit int, seed int64) ([][]float64, []int) {
	if limit <= 0 || len(features) <= limit {
		return features, labels
	}

	byClass := make(map[int][]int)
	for i, y := range labels {
		byClass[y] = append(byClass[y], i)
	}
	// fixed class order so the seed reproduces the sample
	classes := make([]int, 0, len(byClass))
	for y := range byClass {
		classes = append(classes, y)
	}
	sort.Ints(classes)

	rnd := rand.New(rand.NewSource(seed))
	ratio := float64(limit) / float64(len(features))

	var picked []int
	for _, y := range classes {
		indices := byClass[y]
		rnd.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
		n := int(float64(len(indices))*ratio + 0.5)
		if n > len(indices) {
			n = len(indices)
		}
		picked = append(picked, indices[:n]...)
	}
	rnd.Shuffle(len(picked), func(i, j int) {
		picked[i], picked[j] = picked[j], picked[i]
	})

	outX := make([][]float64, len(picked))
	outY := make([]int, len(picked))
	for i, idx := range picked {
		outX[i] = features[idx]
		outY[i] = labels[idx]
	}
	return outX, outY
}

func splitDataset(features [][]float64, labels []int, testRatio float64, seed int64) (trainX [][]float64, trainY []int, testX [][]float64, testY []int) {
	if testRatio <= 0 || testRatio >= 1 {
		testRatio = 0.2
	}
	rnd := rand.New(rand.NewSource(seed))
	indices := rnd.Perm(len(features))

	split := int(float64(len(features)) * (1 - testRatio))
	for i, idx := range indices {
		if i < split {
			trainX = append(trainX, features[idx])
			trainY = append(trainY, labels[idx])
		} else {
			testX = append(testX, features[idx])
			testY = append(testY, labels[idx])
		}
	}
	return trainX, trainY, testX, testY
}
