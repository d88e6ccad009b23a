package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"digitserve/logging"
	"digitserve/ml"
	"digitserve/mnist"
)

func main() {
	dataDir := flag.String("data_dir", "./data", "dataset cache directory")
	mnistURL := flag.String("mnist_url", "https://storage.googleapis.com/cvdf-datasets/mnist", "mnist base url")
	modelsDir := flag.String("models_dir", "./models", "model output directory")
	sampleSize := flag.Int("sample_size", 20000, "max training samples (stratified)")
	augmentFactor := flag.Int("augment_factor", 2, "augmentation passes per sample")
	epochs := flag.Int("epochs", 30, "training epochs")
	learningRate := flag.Float64("learning_rate", 0.1, "initial learning rate")
	testRatio := flag.Float64("test_ratio", 0.2, "hold-out ratio")
	seed := flag.Int64("seed", 42, "random seed")
	flag.Parse()

	if err := logging.Init(logging.Config{Level: "info"}); err != nil {
		log.Fatalf("failed to initialize logging: %v", err)
	}
	defer logging.Sync()

	pipeline := &ml.Pipeline{
		Source: &mnist.Source{BaseURL: *mnistURL, DataDir: *dataDir},
		Config: ml.PipelineConfig{
			SampleSize:    *sampleSize,
			AugmentFactor: *augmentFactor,
			Epochs:        *epochs,
			LearningRate:  *learningRate,
			TestRatio:     *testRatio,
			Seed:          *seed,
		},
	}

	registry := ml.NewRegistry(*modelsDir, pipeline.Run)
	if !registry.RequestTraining() {
		log.Fatal("training could not be scheduled")
	}
	if err := registry.Wait(context.Background()); err != nil {
		log.Fatalf("training interrupted: %v", err)
	}

	artifact := registry.CurrentArtifact()
	if artifact == nil {
		logging.Sync()
		log.Fatalf("training failed: %s", registry.StatusMessage())
	}

	eval := artifact.Meta.Evaluation
	fmt.Printf("accuracy=%.4f precision=%.4f recall=%.4f f1=%.4f\n",
		eval.Accuracy, eval.Precision, eval.Recall, eval.F1)
	fmt.Printf("model saved to %s\n", *modelsDir)
	os.Exit(0)
}
