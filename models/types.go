package models

import "time"

// Prediction is the reduced output of one model for one image.
type Prediction struct {
	Model         string    `json:"model"`
	ClassIndex    int       `json:"class_index"`
	Class         string    `json:"class"`
	Confidence    float32   `json:"confidence"`
	Probabilities []float32 `json:"probabilities"`
}

type ProcessingTimings struct {
	RequestID   string
	Model       string
	Acquire     time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Total       time.Duration
}
