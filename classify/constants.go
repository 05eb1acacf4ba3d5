package classify

import "time"

const (
	DefaultInputSize   = 64
	InceptionInputSize = 75
	NumChannels        = 3

	DefaultPoolSize   = 2
	AcquireTimeout    = 5 * time.Second
	HealthCheckPeriod = 60 * time.Second
)

// DefaultLabels is the class label space shared by every leaf model.
var DefaultLabels = []string{
	"Health",
	"Bacterial leaf blight",
	"Brown spot",
	"Leaf smut",
}

// Layout is the memory ordering of the input tensor.
type Layout string

const (
	// LayoutNHWC is the channels-last ordering Keras models are exported with.
	LayoutNHWC Layout = "nhwc"
	// LayoutNCHW is the channels-first ordering.
	LayoutNCHW Layout = "nchw"
)

// Shape returns the batch-of-one tensor shape for a square input of the given size.
func (l Layout) Shape(size int) []int64 {
	s := int64(size)
	if l == LayoutNCHW {
		return []int64{1, NumChannels, s, s}
	}
	return []int64{1, s, s, NumChannels}
}
