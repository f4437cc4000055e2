package engine

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/anvil-ml/anvil/internal/device"
)

// Config holds model dimensions and dispatch tuning for one engine.
type Config struct {
	ModelDim int     `yaml:"model_dim"`
	FFDim    int     `yaml:"ff_dim"`
	SeqLen   int     `yaml:"seq_len"`
	Eps      float32 `yaml:"eps"`
	Seed     int64   `yaml:"seed"`

	Accel          bool  `yaml:"accel"`
	MatMulMinElems int   `yaml:"matmul_min_elems"`
	FusedMinElems  int   `yaml:"fused_min_elems"`
	MaxDeviceMem   int64 `yaml:"max_device_mem"`
}

func DefaultConfig() Config {
	return Config{
		ModelDim:       64,
		FFDim:          256,
		SeqLen:         16,
		Eps:            1e-5,
		Seed:           42,
		Accel:          true,
		MatMulMinElems: 1024,
		FusedMinElems:  4096,
		MaxDeviceMem:   device.DefaultMaxMemory,
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ModelDim <= 0 {
		return fmt.Errorf("model_dim must be positive, got %d", c.ModelDim)
	}
	if c.FFDim <= 0 {
		return fmt.Errorf("ff_dim must be positive, got %d", c.FFDim)
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("seq_len must be positive, got %d", c.SeqLen)
	}
	if c.Eps <= 0 {
		return fmt.Errorf("eps must be positive, got %g", c.Eps)
	}
	if c.MatMulMinElems < 0 || c.FusedMinElems < 0 {
		return fmt.Errorf("dispatch thresholds must not be negative")
	}
	if c.MaxDeviceMem <= 0 {
		return fmt.Errorf("max_device_mem must be positive, got %d", c.MaxDeviceMem)
	}
	return nil
}
