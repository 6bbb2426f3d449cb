package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// config holds the run-time knobs a novakernel invocation can load
// from a YAML file, layered under whatever the command line sets
// directly.
type config struct {
	Test       bool   `yaml:"test"`
	MemSizeMiB uint64 `yaml:"memSizeMiB"`
}

func defaultConfig() config {
	return config{MemSizeMiB: 128}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
