package config

import (
	"os"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
)

// Load reads the YAML config at path (if the file exists) and then applies
// environment overrides. An empty path falls back to ROADWATCH_CONFIG or
// config.yaml.
func Load(path string) (*AppConfig, error) {
	if strings.TrimSpace(path) == "" {
		path = os.Getenv("ROADWATCH_CONFIG")
	}
	if strings.TrimSpace(path) == "" {
		path = "config.yaml"
	}
	var cfg AppConfig
	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
