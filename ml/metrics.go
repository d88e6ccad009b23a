package ml

import "errors"

// Evaluation summarizes hold-out performance of a trained model. Macro
// averaging weighs every digit class equally.
type Evaluation struct {
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Confusion [][]int `json:"confusion_matrix"`
}

// Evaluate runs the classifier over a scaled hold-out set and computes
// accuracy, macro precision/recall/F1 and the confusion matrix.
func Evaluate(clf Classifier, scaler *Scaler, testX [][]float64, testY []int) (Evaluation, error) {
	if len(testX) == 0 {
		return Evaluation{}, errors.New("empty test set")
	}
	if len(testX) != len(testY) {
		return Evaluation{}, errors.New("test features and labels size mismatch")
	}

	classes := clf.NumClasses()
	confusion := make([][]int, classes)
	for i := range confusion {
		confusion[i] = make([]int, classes)
	}

	for i, vec := range testX {
		scaled, err := scaler.Transform(vec)
		if err != nil {
			return Evaluation{}, err
		}
		predicted, _, err := clf.Predict(scaled)
		if err != nil {
			return Evaluation{}, err
		}
		confusion[testY[i]][predicted]++
	}

	return evaluationFromConfusion(confusion), nil
}

func evaluationFromConfusion(confusion [][]int) Evaluation {
	classes := len(confusion)
	var total, correct int
	for actual := range confusion {
		for predicted, n := range confusion[actual] {
			total += n
			if actual == predicted {
				correct += n
			}
		}
	}

	var precisionSum, recallSum, f1Sum float64
	for k := 0; k < classes; k++ {
		var predicted, actual int
		for i := 0; i < classes; i++ {
			predicted += confusion[i][k]
			actual += confusion[k][i]
		}
		tp := confusion[k][k]

		var precision, recall float64
		if predicted > 0 {
			precision = float64(tp) / float64(predicted)
		}
		if actual > 0 {
			recall = float64(tp) / float64(actual)
		}
		precisionSum += precision
		recallSum += recall
		if precision+recall > 0 {
			f1Sum += 2 * precision * recall / (precision + recall)
		}
	}

	eval := Evaluation{Confusion: confusion}
	if total > 0 {
		eval.Accuracy = float64(correct) / float64(total)
	}
	if classes > 0 {
		eval.Precision = precisionSum / float64(classes)
		eval.Recall = recallSum / float64(classes)
		eval.F1 = f1Sum / float64(classes)
	}
	return eval
}
