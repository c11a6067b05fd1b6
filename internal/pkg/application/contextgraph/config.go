package contextgraph

import (
	"io"

	yaml "gopkg.in/yaml.v2"
)

const (
	BackendMemory   string = "memory"
	BackendNeo4j    string = "neo4j"
	BackendPostgres string = "postgres"
	BackendNone     string = "none"
)

type StoreConfig struct {
	Backend string `yaml:"backend"`
}

type EventsConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type BatchConfig struct {
	Workers int `yaml:"workers"`
}

type PreloadedContext struct {
	URL  string `yaml:"url"`
	Path string `yaml:"path"`
}

type ContextsConfig struct {
	CacheSize int                `yaml:"cacheSize"`
	Preload   []PreloadedContext `yaml:"preload"`
}

type AuthzConfig struct {
	PolicyFile string `yaml:"policyFile"`
}

// Config selects the storage backends and tunes the application. Connection
// settings for the backends are read from the environment.
type Config struct {
	Graph    StoreConfig    `yaml:"graph"`
	History  StoreConfig    `yaml:"history"`
	Events   EventsConfig   `yaml:"events"`
	Batch    BatchConfig    `yaml:"batch"`
	Contexts ContextsConfig `yaml:"contexts"`
	Authz    AuthzConfig    `yaml:"authz"`
}

func LoadConfiguration(data io.Reader) (*Config, error) {

	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	err = yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	return cfg, nil
}

// DefaultConfiguration keeps everything in memory and publishes no events
func DefaultConfiguration() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Graph.Backend == "" {
		cfg.Graph.Backend = BackendMemory
	}

	if cfg.History.Backend == "" {
		cfg.History.Backend = BackendMemory
	}

	if cfg.Batch.Workers <= 0 {
		cfg.Batch.Workers = 8
	}

	if cfg.Contexts.CacheSize <= 0 {
		cfg.Contexts.CacheSize = 64
	}
}
