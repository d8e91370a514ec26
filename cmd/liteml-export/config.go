package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is an export profile (~/.config/liteml-export/config.yaml).
// All fields are pointers so we can distinguish "not set" from zero values.
type Config struct {
	GroupSize  *int   `yaml:"group_size"`
	TrueQuant  *bool  `yaml:"true_quant"`
	FuseLMHead *bool  `yaml:"fuse_lm_head"`
	Layout     string `yaml:"layout"`
	Variant    string `yaml:"variant"`

	// Source layout
	WeightsSection    string `yaml:"weights_section"`
	QuantizersSection string `yaml:"quantizers_section"`
	LoadWorkers       *int   `yaml:"load_workers"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "liteml-export", "config.yaml")
}

// LoadConfig reads the profile at path, or the default profile when path is
// empty. A missing default profile yields a zero Config; a missing explicit
// one is an error.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = configPath()
		if path == "" {
			return Config{}, nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// apply copies profile values into o for every flag the user did not set.
func (o *exportOptions) apply(isSet func(string) bool, cfg Config) {
	if cfg.GroupSize != nil && !isSet("group-size") {
		o.groupSize = *cfg.GroupSize
	}
	if cfg.TrueQuant != nil && !isSet("true-quant") {
		o.trueQuant = *cfg.TrueQuant
		o.profileTrueQuant = true
	}
	if cfg.FuseLMHead != nil && !isSet("fuse-lm-head") {
		o.fuseLMHead = *cfg.FuseLMHead
		o.profileFuseLMHead = true
	}
	if cfg.Layout != "" && !isSet("layout") {
		o.layout = cfg.Layout
	}
	if cfg.Variant != "" && !isSet("variant") {
		o.variant = cfg.Variant
	}
	if cfg.WeightsSection != "" && !isSet("weights-section") {
		o.weightsSection = cfg.WeightsSection
	}
	if cfg.QuantizersSection != "" && !isSet("quantizers-section") {
		o.quantizersSection = cfg.QuantizersSection
	}
	if cfg.LoadWorkers != nil && !isSet("load-workers") {
		o.loadWorkers = *cfg.LoadWorkers
	}
	if cfg.LogLevel != "" && !isSet("log-level") {
		o.logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !isSet("log-format") {
		o.logFormat = cfg.LogFormat
	}
}
