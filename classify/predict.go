package classify

import (
	"fmt"

	"github.com/leafscan/leaf-classification-service/models"
)

// Argmax returns the index and value of the largest entry. The first
// maximum wins on ties. An empty vector yields -1.
func Argmax(probs []float32) (int, float32) {
	if len(probs) == 0 {
		return -1, 0
	}

	maxIdx := 0
	maxVal := probs[0]
	for i, val := range probs[1:] {
		if val > maxVal {
			maxVal = val
			maxIdx = i + 1
		}
	}
	return maxIdx, maxVal
}

// NewPrediction reduces a probability vector to the predicted class and its confidence.
func NewPrediction(model string, labels []string, probs []float32) (*models.Prediction, error) {
	idx, confidence := Argmax(probs)
	if idx < 0 {
		return nil, ErrEmptyOutput
	}
	if idx >= len(labels) {
		return nil, fmt.Errorf("%w: index %d, %d labels", ErrClassOutOfRange, idx, len(labels))
	}

	out := make([]float32, len(probs))
	copy(out, probs)

	return &models.Prediction{
		Model:         model,
		ClassIndex:    idx,
		Class:         labels[idx],
		Confidence:    confidence,
		Probabilities: out,
	}, nil
}
