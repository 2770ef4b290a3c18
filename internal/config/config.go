package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models printlegion.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		DevLogin  bool   `yaml:"dev_login"`
	} `yaml:"auth"`
	Matching struct {
		// MaxClaimDistanceKm caps how far a printer may be from the job
		// creator when claiming.
		MaxClaimDistanceKm float64 `yaml:"max_claim_distance_km"`
		// ActiveJobLimit caps how many unfinished claimed jobs a printer
		// may hold at once.
		ActiveJobLimit int `yaml:"active_job_limit"`
	} `yaml:"matching"`
	Geocoder struct {
		BaseURL  string `yaml:"base_url"`
		RedisURL string `yaml:"redis_url"`
	} `yaml:"geocoder"`
	Stats struct {
		RefreshInterval time.Duration `yaml:"refresh_interval"`
	} `yaml:"stats"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "printlegion.yml")
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Server.Addr = ":8400"
	cfg.Server.BasePath = "/v0"
	cfg.Auth.DevLogin = false
	cfg.Matching.MaxClaimDistanceKm = 25
	cfg.Matching.ActiveJobLimit = 1
	cfg.Geocoder.BaseURL = "https://nominatim.openstreetmap.org"
	cfg.Stats.RefreshInterval = 6 * time.Hour
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Matching.MaxClaimDistanceKm <= 0 {
		return fmt.Errorf("config.matching.max_claim_distance_km must be positive")
	}
	if c.Matching.ActiveJobLimit <= 0 {
		return fmt.Errorf("config.matching.active_job_limit must be positive")
	}
	if c.Stats.RefreshInterval <= 0 {
		return fmt.Errorf("config.stats.refresh_interval must be positive")
	}
	return nil
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist. Values missing from the file keep their defaults.
func Load(workspace string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromYAML parses and validates config from raw YAML bytes, layered over
// defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
