package ml

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"digitserve/imaging"
)

// fakeSource serves a synthetic dataset with full-size feature vectors so
// the augmentation stage can treat them as rasters. Class k gets a bright
// block in a class-specific position.
type fakeSource struct {
	samplesPerClass int
	classes         int
	err             error
}

func (f *fakeSource) Load(ctx context.Context) ([][]float64, []int, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	rnd := rand.New(rand.NewSource(1))
	var features [][]float64
	var labels []int
	for k := 0; k < f.classes; k++ {
		for i := 0; i < f.samplesPerClass; i++ {
			vec := make([]float64, imaging.VectorLen)
			baseX := 4 + (k%3)*8
			baseY := 4 + (k/3)*8
			for y := baseY; y < baseY+6; y++ {
				for x := baseX; x < baseX+6; x++ {
					vec[y*imaging.Side+x] = 0.8 + rnd.Float64()*0.2
				}
			}
			features = append(features, vec)
			labels = append(labels, k)
		}
	}
	return features, labels, nil
}

func TestPipelineRunProducesArtifact(t *testing.T) {
	pipeline := &Pipeline{
		Source: &fakeSource{samplesPerClass: 30, classes: 3},
		Config: PipelineConfig{
			AugmentFactor: 1,
			Epochs:        5,
			LearningRate:  0.1,
			TestRatio:     0.2,
			Seed:          42,
		},
	}

	artifact, err := pipeline.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if artifact.Classifier == nil || artifact.Scaler == nil {
		t.Fatal("artifact is missing classifier or scaler")
	}
	if artifact.Scaler.NumFeatures() != imaging.VectorLen {
		t.Fatalf("scaler features = %d, want %d", artifact.Scaler.NumFeatures(), imaging.VectorLen)
	}
	if artifact.Meta.ModelType != softmaxModelType {
		t.Fatalf("model type = %q", artifact.Meta.ModelType)
	}
	// 90 samples, 20% hold-out, one augmentation pass doubles the train split
	if artifact.Meta.TestSamples != 18 {
		t.Fatalf("test samples = %d, want 18", artifact.Meta.TestSamples)
	}
	if artifact.Meta.TrainingSamples != 144 {
		t.Fatalf("training samples = %d, want 144", artifact.Meta.TrainingSamples)
	}
	if artifact.Meta.Evaluation.Accuracy < 0.9 {
		t.Fatalf("accuracy %f on trivially separable classes", artifact.Meta.Evaluation.Accuracy)
	}
}

func TestPipelineRunRecordsRun(t *testing.T) {
	recorder := &captureRecorder{}
	pipeline := &Pipeline{
		Source:   &fakeSource{samplesPerClass: 20, classes: 2},
		Config:   PipelineConfig{Epochs: 3, LearningRate: 0.1, TestRatio: 0.2, Seed: 1},
		Recorder: recorder,
	}
	if _, err := pipeline.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if recorder.calls != 1 {
		t.Fatalf("recorder called %d times, want 1", recorder.calls)
	}
	if recorder.last.ModelType != softmaxModelType {
		t.Fatalf("recorded model type = %q", recorder.last.ModelType)
	}
}

// a recorder failure must not fail the run
func TestPipelineRunToleratesRecorderError(t *testing.T) {
	pipeline := &Pipeline{
		Source:   &fakeSource{samplesPerClass: 20, classes: 2},
		Config:   PipelineConfig{Epochs: 3, LearningRate: 0.1, TestRatio: 0.2, Seed: 1},
		Recorder: &captureRecorder{err: errors.New("db down")},
	}
	if _, err := pipeline.Run(context.Background()); err != nil {
		t.Fatalf("run failed because of recorder: %v", err)
	}
}

type captureRecorder struct {
	calls int
	last  Metadata
	err   error
}

func (r *captureRecorder) RecordRun(meta Metadata) error {
	r.calls++
	r.last = meta
	return r.err
}

// fixedDimSource serves vectors of an arbitrary length.
type fixedDimSource struct {
	dim, n int
}

func (f *fixedDimSource) Load(ctx context.Context) ([][]float64, []int, error) {
	features := make([][]float64, f.n)
	labels := make([]int, f.n)
	for i := range features {
		features[i] = make([]float64, f.dim)
		features[i][i%f.dim] = 1
		labels[i] = i % 2
	}
	return features, labels, nil
}

// A structurally valid dataset with the wrong raster size must fail the
// run instead of panicking inside augmentation.
func TestPipelineRunRejectsWrongVectorLength(t *testing.T) {
	pipeline := &Pipeline{
		Source: &fixedDimSource{dim: 100, n: 40},
		Config: PipelineConfig{AugmentFactor: 1, Epochs: 1, LearningRate: 0.1, Seed: 1},
	}
	if _, err := pipeline.Run(context.Background()); err == nil {
		t.Fatal("expected error for non-canonical vector length")
	}
}

func TestPipelineRunPropagatesSourceError(t *testing.T) {
	boom := errors.New("download failed")
	pipeline := &Pipeline{Source: &fakeSource{err: boom}}
	if _, err := pipeline.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected source error, got %v", err)
	}
}

func TestPipelineRunWithoutSource(t *testing.T) {
	pipeline := &Pipeline{}
	if _, err := pipeline.Run(context.Background()); err == nil {
		t.Fatal("expected error without a dataset source")
	}
}

func TestPipelineRunHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pipeline := &Pipeline{
		Source: &fakeSource{samplesPerClass: 20, classes: 2},
		Config: PipelineConfig{Epochs: 3, LearningRate: 0.1, Seed: 1},
	}
	if _, err := pipeline.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestStratifiedSamplePreservesProportions(t *testing.T) {
	var features [][]float64
	var labels []int
	// 600 of class 0, 300 of class 1, 100 of class 2
	for _, c := range []struct{ label, n int }{{0, 600}, {1, 300}, {2, 100}} {
		for i := 0; i < c.n; i++ {
			features = append(features, []float64{float64(c.label)})
			labels = append(labels, c.label)
		}
	}

	outX, outY := StratifiedSample(features, labels, 100, 42)
	if len(outX) != len(outY) {
		t.Fatalf("features and labels diverge: %d vs %d", len(outX), len(outY))
	}
	if len(outX) < 95 || len(outX) > 105 {
		t.Fatalf("sampled %d, want about 100", len(outX))
	}

	counts := make(map[int]int)
	for _, y := range outY {
		counts[y]++
	}
	if counts[0] < 55 || counts[0] > 65 {
		t.Fatalf("class 0 count = %d, want about 60", counts[0])
	}
	if counts[1] < 25 || counts[1] > 35 {
		t.Fatalf("class 1 count = %d, want about 30", counts[1])
	}
	if counts[2] < 7 || counts[2] > 13 {
		t.Fatalf("class 2 count = %d, want about 10", counts[2])
	}
}

// The recorded seed must reproduce the sample exactly.
func TestStratifiedSampleDeterministicForSeed(t *testing.T) {
	var features [][]float64
	var labels []int
	for i := 0; i < 500; i++ {
		features = append(features, []float64{float64(i)})
		labels = append(labels, i%7)
	}

	aX, aY := StratifiedSample(features, labels, 100, 42)
	bX, bY := StratifiedSample(features, labels, 100, 42)

	if len(aX) != len(bX) {
		t.Fatalf("sample sizes differ: %d vs %d", len(aX), len(bX))
	}
	for i := range aX {
		if aX[i][0] != bX[i][0] || aY[i] != bY[i] {
			t.Fatalf("samples diverge at %d despite identical seed", i)
		}
	}
}

func TestStratifiedSamplePassThrough(t *testing.T) {
	features := [][]float64{{1}, {2}}
	labels := []int{0, 1}

	outX, outY := StratifiedSample(features, labels, 10, 42)
	if len(outX) != 2 || len(outY) != 2 {
		t.Fatal("dataset within the bound must pass through untouched")
	}
	outX, _ = StratifiedSample(features, labels, 0, 42)
	if len(outX) != 2 {
		t.Fatal("non-positive limit must disable sampling")
	}
}

func TestSplitDataset(t *testing.T) {
	var features [][]float64
	var labels []int
	for i := 0; i < 100; i++ {
		features = append(features, []float64{float64(i)})
		labels = append(labels, i%10)
	}

	trainX, trainY, testX, testY := splitDataset(features, labels, 0.2, 42)
	if len(trainX) != 80 || len(testX) != 20 {
		t.Fatalf("split %d/%d, want 80/20", len(trainX), len(testX))
	}
	if len(trainX) != len(trainY) || len(testX) != len(testY) {
		t.Fatal("features and labels diverge after split")
	}

	seen := make(map[float64]bool)
	for _, vec := range trainX {
		seen[vec[0]] = true
	}
	for _, vec := range testX {
		if seen[vec[0]] {
			t.Fatalf("sample %v leaked into both splits", vec)
		}
	}
}

func TestSplitDatasetDefaultsBadRatio(t *testing.T) {
	features := make([][]float64, 10)
	labels := make([]int, 10)
	for i := range features {
		features[i] = []float64{float64(i)}
	}
	trainX, _, testX, _ := splitDataset(features, labels, 1.5, 42)
	if len(trainX) != 8 || len(testX) != 2 {
		t.Fatalf("split %d/%d with invalid ratio, want default 80/20", len(trainX), len(testX))
	}
}
