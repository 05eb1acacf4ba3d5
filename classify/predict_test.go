package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArgmax(t *testing.T) {
	idx, val := Argmax([]float32{0.1, 0.7, 0.15, 0.05})
	assert.Equal(t, 1, idx)
	assert.Equal(t, float32(0.7), val)

	// First maximum wins
	idx, _ = Argmax([]float32{0.4, 0.1, 0.4, 0.1})
	assert.Equal(t, 0, idx)

	idx, val = Argmax(nil)
	assert.Equal(t, -1, idx)
	assert.Zero(t, val)
}

func TestNewPrediction(t *testing.T) {
	probs := []float32{0.05, 0.1, 0.8, 0.05}

	p, err := NewPrediction("ResNet50", DefaultLabels, probs)
	require.NoError(t, err)

	assert.Equal(t, "ResNet50", p.Model)
	assert.Equal(t, 2, p.ClassIndex)
	assert.Equal(t, "Brown spot", p.Class)
	assert.Equal(t, float32(0.8), p.Confidence)
	assert.Equal(t, probs, p.Probabilities)

	// The prediction owns its probabilities
	probs[2] = 0
	assert.Equal(t, float32(0.8), p.Probabilities[2])
}

func TestNewPrediction_ConfidenceIsMaximum(t *testing.T) {
	probs := []float32{0.21, 0.33, 0.26, 0.2}

	p, err := NewPrediction("MobileNetV2", DefaultLabels, probs)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, p.ClassIndex, 0)
	assert.Less(t, p.ClassIndex, len(DefaultLabels))
	for _, v := range probs {
		assert.LessOrEqual(t, v, p.Confidence)
	}
}

func TestNewPrediction_Errors(t *testing.T) {
	_, err := NewPrediction("m", DefaultLabels, nil)
	assert.ErrorIs(t, err, ErrEmptyOutput)

	_, err = NewPrediction("m", DefaultLabels, []float32{0, 0, 0, 0, 1})
	assert.ErrorIs(t, err, ErrClassOutOfRange)
}
