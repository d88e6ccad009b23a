package ml

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"digitserve/imaging"
)

var (
	ErrModelNotReady = errors.New("model not ready")
	ErrShape         = errors.New("feature vector shape mismatch")
)

const topKAlternatives = 3

// Service answers predictions against the registry's current model.
// Repeated uploads of identical images are served from an LRU cache keyed
// by content digest.
type Service struct {
	registry *Registry
	cache    *lru.Cache[string, Prediction]
}

func NewService(registry *Registry, cacheSize int) (*Service, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New[string, Prediction](cacheSize)
	if err != nil {
		return nil, err
	}
	// cached results belong to one model; drop them when a new artifact
	// is installed
	registry.Subscribe(func(state TrainingState) {
		if state == StateCompleted {
			cache.Purge()
		}
	})
	return &Service{registry: registry, cache: cache}, nil
}

// PredictVector classifies an already-normalized feature vector. The
// readiness check is repeated here so a state flip between the caller's
// check and this call can never read a half-installed model.
func (s *Service) PredictVector(features []float64) (Prediction, error) {
	if s.registry.State() != StateCompleted {
		return Prediction{}, fmt.Errorf("%w: %s", ErrModelNotReady, s.registry.StatusMessage())
	}
	artifact := s.registry.CurrentArtifact()
	if artifact == nil {
		return Prediction{}, ErrModelNotReady
	}

	if len(features) != artifact.Scaler.NumFeatures() {
		return Prediction{}, fmt.Errorf("%w: got %d, want %d",
			ErrShape, len(features), artifact.Scaler.NumFeatures())
	}

	scaled, err := artifact.Scaler.Transform(features)
	if err != nil {
		return Prediction{}, fmt.Errorf("%w: %v", ErrShape, err)
	}
	label, probs, err := artifact.Classifier.Predict(scaled)
	if err != nil {
		return Prediction{}, err
	}

	return Prediction{
		Digit:         label,
		Confidence:    probs[label],
		Probabilities: probs,
		TopK:          topK(probs, topKAlternatives),
	}, nil
}

// PredictImage normalizes raw uploaded image bytes and classifies them.
// The readiness check comes before the cache lookup: a cached result
// belongs to the completed model and must not answer for a registry that
// is mid-retrain.
func (s *Service) PredictImage(raw []byte) (Prediction, error) {
	if s.registry.State() != StateCompleted {
		return Prediction{}, fmt.Errorf("%w: %s", ErrModelNotReady, s.registry.StatusMessage())
	}

	sum := sha256.Sum256(raw)
	digest := hex.EncodeToString(sum[:])
	if cached, ok := s.cache.Get(digest); ok {
		return cached, nil
	}

	vec, err := imaging.Normalize(raw)
	if err != nil {
		return Prediction{}, err
	}
	pred, err := s.PredictVector(vec)
	if err != nil {
		return Prediction{}, err
	}

	s.cache.Add(digest, pred)
	return pred, nil
}

func topK(probs []float64, k int) []Alternative {
	alternatives := make([]Alternative, len(probs))
	for digit, p := range probs {
		alternatives[digit] = Alternative{Digit: digit, Probability: p}
	}
	sort.Slice(alternatives, func(i, j int) bool {
		return alternatives[i].Probability > alternatives[j].Probability
	})
	if k > len(alternatives) {
		k = len(alternatives)
	}
	return alternatives[:k]
}
