package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
)

// Scaler standardizes feature vectors to zero mean and unit variance per
// dimension. It is fitted exactly once during training and read-only
// afterwards; inference applies the identical transform.
type Scaler struct {
	Mean   []float64 `json:"mean"`
	Stddev []float64 `json:"stddev"`
}

// Fit computes per-dimension mean and standard deviation.
func (s *Scaler) Fit(features [][]float64) error {
	if len(features) == 0 {
		return errors.New("no features to fit")
	}
	dim := len(features[0])
	if dim == 0 {
		return errors.New("feature vectors are empty")
	}

	mean := make([]float64, dim)
	for _, vec := range features {
		if len(vec) != dim {
			return errors.New("inconsistent feature dimensions")
		}
		for i, v := range vec {
			mean[i] += v
		}
	}
	for i := range mean {
		mean[i] /= float64(len(features))
	}

	stddev := make([]float64, dim)
	for _, vec := range features {
		for i, v := range vec {
			d := v - mean[i]
			stddev[i] += d * d
		}
	}
	for i := range stddev {
		stddev[i] = math.Sqrt(stddev[i] / float64(len(features)))
		// constant dimensions pass through unscaled
		if stddev[i] < 1e-10 {
			stddev[i] = 1.0
		}
	}

	s.Mean = mean
	s.Stddev = stddev
	return nil
}

// NumFeatures returns the fitted input length, or 0 before fitting.
func (s *Scaler) NumFeatures() int { return len(s.Mean) }

// Transform standardizes one vector. A length mismatch is a contract
// violation, never a silent reshape.
func (s *Scaler) Transform(features []float64) ([]float64, error) {
	if len(s.Mean) == 0 {
		return nil, errors.New("scaler not fitted")
	}
	if len(features) != len(s.Mean) {
		return nil, fmt.Errorf("expected %d features, got %d", len(s.Mean), len(features))
	}
	scaled := make([]float64, len(features))
	for i, v := range features {
		scaled[i] = (v - s.Mean[i]) / s.Stddev[i]
	}
	return scaled, nil
}

// TransformAll standardizes a whole dataset.
func (s *Scaler) TransformAll(features [][]float64) ([][]float64, error) {
	out := make([][]float64, len(features))
	for i, vec := range features {
		scaled, err := s.Transform(vec)
		if err != nil {
			return nil, err
		}
		out[i] = scaled
	}
	return out, nil
}

func (s *Scaler) Save(path string) error {
	if len(s.Mean) == 0 {
		return errors.New("scaler not fitted")
	}
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

func (s *Scaler) Load(path string) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var loaded Scaler
	if err := json.Unmarshal(payload, &loaded); err != nil {
		return err
	}
	if len(loaded.Mean) == 0 || len(loaded.Mean) != len(loaded.Stddev) {
		return errors.New("invalid scaler file")
	}
	s.Mean = loaded.Mean
	s.Stddev = loaded.Stddev
	return nil
}
