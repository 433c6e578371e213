package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the daemon.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr        string `json:"addr" yaml:"addr" toml:"addr"`
	DataDir     string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
	CatalogPath string `json:"catalog_path" yaml:"catalog_path" toml:"catalog_path"`

	// Worker pool tunables.
	MaxWorkersPerEnv int `json:"max_workers_per_env" yaml:"max_workers_per_env" toml:"max_workers_per_env"`
	MaxQueueDepth    int `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	InvokeTimeoutMs  int `json:"invoke_timeout_ms" yaml:"invoke_timeout_ms" toml:"invoke_timeout_ms"`
	IdleEvictSec     int `json:"idle_evict_seconds" yaml:"idle_evict_seconds" toml:"idle_evict_seconds"`

	// Download tunables.
	MaxDownloads  int `json:"max_downloads" yaml:"max_downloads" toml:"max_downloads"`
	FetchAttempts int `json:"fetch_attempts" yaml:"fetch_attempts" toml:"fetch_attempts"`
	ProbeBudgetMs int `json:"probe_budget_ms" yaml:"probe_budget_ms" toml:"probe_budget_ms"`

	// Optional credentials for s3:// artifact mirrors.
	S3 S3Config `json:"s3" yaml:"s3" toml:"s3"`
}

// S3Config configures access to s3:// artifact mirrors.
type S3Config struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
	AccessKey string `json:"access_key" yaml:"access_key" toml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key" toml:"secret_key"`
	Region    string `json:"region" yaml:"region" toml:"region"`
	UseSSL    bool   `json:"use_ssl" yaml:"use_ssl" toml:"use_ssl"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
