package config

import (
	"runtime"
	"time"

	"github.com/leafscan/leaf-classification-service/classify"
)

const (
	DefaultAddr           = "127.0.0.1:8080"
	DefaultTimeout        = 60 * time.Second
	DefaultMaxUploadBytes = 10 << 20
	DefaultUploadDir      = "static/images"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
)

// Default returns the configuration used when no config file is given:
// the three leaf models next to the working directory.
func Default() *Config {
	labels := make([]string, len(classify.DefaultLabels))
	copy(labels, classify.DefaultLabels)

	return &Config{
		Server: ServerConfig{
			Addr:           DefaultAddr,
			ReadTimeout:    DefaultTimeout,
			WriteTimeout:   DefaultTimeout,
			MaxUploadBytes: DefaultMaxUploadBytes,
		},
		Runtime: RuntimeConfig{
			IntraOpThreads: runtime.NumCPU(),
			InterOpThreads: runtime.NumCPU(),
		},
		Storage: StorageConfig{
			UploadDir: DefaultUploadDir,
		},
		Labels: labels,
		Models: []ModelConfig{
			{Name: "MobileNetV2", Path: "MobileNetv2_leaf.onnx", InputSize: classify.DefaultInputSize, Layout: string(classify.LayoutNHWC), PoolSize: classify.DefaultPoolSize},
			{Name: "ResNet50", Path: "Resnet_leaf.onnx", InputSize: classify.DefaultInputSize, Layout: string(classify.LayoutNHWC), PoolSize: classify.DefaultPoolSize},
			{Name: "InceptionV3", Path: "Inceptionv3_leaf.onnx", InputSize: classify.InceptionInputSize, Layout: string(classify.LayoutNHWC), PoolSize: classify.DefaultPoolSize},
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
