package ml

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"os"
)

const softmaxModelType = "softmax_regression"

// SoftmaxClassifier is a multinomial logistic regression model trained
// with shuffled stochastic gradient descent. It yields a true probability
// distribution over the ten digit classes.
type SoftmaxClassifier struct {
	Weights  [][]float64 `json:"weights"` // classes x (features+1), bias last
	Classes  int         `json:"classes"`
	Features int         `json:"features"`

	Epochs       int     `json:"epochs"`
	LearningRate float64 `json:"learning_rate"`
	Seed         int64   `json:"seed"`
}

func NewSoftmaxClassifier(epochs int, learningRate float64, seed int64) *SoftmaxClassifier {
	if epochs <= 0 {
		epochs = 30
	}
	if learningRate <= 0 {
		learningRate = 0.1
	}
	return &SoftmaxClassifier{
		Classes:      10,
		Epochs:       epochs,
		LearningRate: learningRate,
		Seed:         seed,
	}
}

func (c *SoftmaxClassifier) NumFeatures() int { return c.Features }
func (c *SoftmaxClassifier) NumClasses() int  { return c.Classes }

func (c *SoftmaxClassifier) Train(features [][]float64, labels []int) error {
	if len(features) == 0 || len(labels) == 0 {
		return errors.New("features or labels empty")
	}
	if len(features) != len(labels) {
		return errors.New("features and labels size mismatch")
	}
	if c.Classes <= 0 {
		c.Classes = 10
	}
	c.Features = len(features[0])
	for _, vec := range features {
		if len(vec) != c.Features {
			return errors.New("inconsistent feature dimensions")
		}
	}
	for _, y := range labels {
		if y < 0 || y >= c.Classes {
			return errors.New("label out of range")
		}
	}

	c.Weights = make([][]float64, c.Classes)
	for k := range c.Weights {
		c.Weights[k] = make([]float64, c.Features+1)
	}

	rnd := rand.New(rand.NewSource(c.Seed))
	indices := make([]int, len(features))
	for i := range indices {
		indices[i] = i
	}

	for epoch := 0; epoch < c.Epochs; epoch++ {
		lr := c.LearningRate * math.Pow(0.95, float64(epoch))
		rnd.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
		for _, idx := range indices {
			x := features[idx]
			probs := c.probabilities(x)
			for k := 0; k < c.Classes; k++ {
				target := 0.0
				if labels[idx] == k {
					target = 1.0
				}
				grad := lr * (target - probs[k])
				w := c.Weights[k]
				for j, v := range x {
					w[j] += grad * v
				}
				w[c.Features] += grad // bias
			}
		}
	}
	return nil
}

func (c *SoftmaxClassifier) Predict(features []float64) (int, []float64, error) {
	if len(c.Weights) == 0 {
		return 0, nil, errors.New("model not trained")
	}
	if len(features) != c.Features {
		return 0, nil, errors.New("feature length mismatch")
	}
	probs := c.probabilities(features)
	best := 0
	for k, p := range probs {
		if p > probs[best] {
			best = k
		}
	}
	return best, probs, nil
}

func (c *SoftmaxClassifier) probabilities(features []float64) []float64 {
	logits := make([]float64, c.Classes)
	maxLogit := math.Inf(-1)
	for k := 0; k < c.Classes; k++ {
		w := c.Weights[k]
		var z float64
		for j, v := range features {
			z += w[j] * v
		}
		z += w[c.Features]
		logits[k] = z
		if z > maxLogit {
			maxLogit = z
		}
	}

	var sum float64
	for k, z := range logits {
		logits[k] = math.Exp(z - maxLogit)
		sum += logits[k]
	}
	for k := range logits {
		logits[k] /= sum
	}
	return logits
}

func (c *SoftmaxClassifier) Save(path string) error {
	if len(c.Weights) == 0 {
		return errors.New("model not trained")
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

func (c *SoftmaxClassifier) Load(path string) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var loaded SoftmaxClassifier
	if err := json.Unmarshal(payload, &loaded); err != nil {
		return err
	}
	if len(loaded.Weights) == 0 || loaded.Features <= 0 || loaded.Classes <= 0 {
		return errors.New("invalid model file")
	}
	*c = loaded
	return nil
}
