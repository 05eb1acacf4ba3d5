package config

import "time"

// Config holds the service configuration.
type Config struct {
	Server  ServerConfig  `json:"server"  yaml:"server"`
	Runtime RuntimeConfig `json:"runtime" yaml:"runtime"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
	Labels  []string      `json:"labels"  yaml:"labels"`
	Models  []ModelConfig `json:"models"  yaml:"models"`
	Log     LogConfig     `json:"log"     yaml:"log"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr           string        `json:"addr"             yaml:"addr"`
	ReadTimeout    time.Duration `json:"read_timeout"     yaml:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"    yaml:"write_timeout"`
	MaxUploadBytes int64         `json:"max_upload_bytes" yaml:"max_upload_bytes"`
}

// RuntimeConfig holds ONNX Runtime settings.
type RuntimeConfig struct {
	SharedLibraryPath string `json:"shared_library_path,omitempty" yaml:"shared_library_path,omitempty"`
	IntraOpThreads    int    `json:"intra_op_threads,omitempty"    yaml:"intra_op_threads,omitempty"`
	InterOpThreads    int    `json:"inter_op_threads,omitempty"    yaml:"inter_op_threads,omitempty"`
}

// StorageConfig holds where uploads are written.
type StorageConfig struct {
	UploadDir string `json:"upload_dir" yaml:"upload_dir"`
}

// ModelConfig describes one classification model.
type ModelConfig struct {
	Name       string `json:"name"                  yaml:"name"`
	Path       string `json:"path"                  yaml:"path"`
	InputSize  int    `json:"input_size"            yaml:"input_size"`
	Layout     string `json:"layout,omitempty"      yaml:"layout,omitempty"`
	InputName  string `json:"input_name,omitempty"  yaml:"input_name,omitempty"`
	OutputName string `json:"output_name,omitempty" yaml:"output_name,omitempty"`
	PoolSize   int    `json:"pool_size,omitempty"   yaml:"pool_size,omitempty"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `json:"level"          yaml:"level"`
	Format string `json:"format"         yaml:"format"`
	File   string `json:"file,omitempty" yaml:"file,omitempty"`
}
