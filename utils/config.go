package utils

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the run configuration of the resnet20 command.
type Config struct {
	Seed      int64  `yaml:"seed"`
	BatchSize int    `yaml:"batch_size"`
	Input     string `yaml:"input"`
	TrainMode bool   `yaml:"train_mode"`
	Encrypted bool   `yaml:"encrypted"`
	LogN      int    `yaml:"log_n"`
	TopK      int    `yaml:"top_k"`
	Verbose   bool   `yaml:"verbose"`
}

// Input kinds for the synthetic batch.
const (
	InputZeros  = "zeros"
	InputRandom = "random"
)

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Seed:      42,
		BatchSize: 2,
		Input:     InputRandom,
		LogN:      13,
		TopK:      3,
		Verbose:   true,
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig. Unknown keys are
// rejected; an empty file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return DecodeConfig(f)
}

// DecodeConfig is LoadConfig for an already open reader.
func DecodeConfig(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ApplyOverrides sets fields from key=value pairs using the YAML key names,
// as collected from explicitly set command-line flags.
func ApplyOverrides(cfg *Config, overrides map[string]string) error {
	for key, val := range overrides {
		var err error
		switch key {
		case "seed":
			cfg.Seed, err = strconv.ParseInt(val, 10, 64)
		case "batch_size":
			cfg.BatchSize, err = strconv.Atoi(val)
		case "input":
			cfg.Input = val
		case "train_mode":
			cfg.TrainMode, err = strconv.ParseBool(val)
		case "encrypted":
			cfg.Encrypted, err = strconv.ParseBool(val)
		case "log_n":
			cfg.LogN, err = strconv.Atoi(val)
		case "top_k":
			cfg.TopK, err = strconv.Atoi(val)
		case "verbose":
			cfg.Verbose, err = strconv.ParseBool(val)
		default:
			return fmt.Errorf("unknown config key %q", key)
		}
		if err != nil {
			return fmt.Errorf("config key %s: %w", key, err)
		}
	}
	return nil
}

// ValidateConfig validates the run configuration.
func ValidateConfig(config *Config) error {
	if config.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if config.Input != InputZeros && config.Input != InputRandom {
		return fmt.Errorf("input must be %q or %q, got %q", InputZeros, InputRandom, config.Input)
	}
	if config.TopK <= 0 {
		return fmt.Errorf("top_k must be positive")
	}
	if config.Encrypted && (config.LogN < 12 || config.LogN > 16) {
		return fmt.Errorf("log_n must be in [12, 16] for encrypted runs, got %d", config.LogN)
	}
	return nil
}
