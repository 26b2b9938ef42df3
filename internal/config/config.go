package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"maturion/internal/maturity"
)

// Config models maturion.yml.
type Config struct {
	Index struct {
		Code string `yaml:"code"`
		Type string `yaml:"type"`
	} `yaml:"index"`
	Storage struct {
		MaxUploadMB int `yaml:"max_upload_mb"`
	} `yaml:"storage"`
	Webhooks []Webhook `yaml:"webhooks"`
}

type Webhook struct {
	URL     string   `yaml:"url"`
	Actions []string `yaml:"actions"`
	Secret  string   `yaml:"secret"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with mx index init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Index.Code == "" {
		return fmt.Errorf("config.index.code is required")
	}
	if _, err := maturity.Type(c.Index.Type); err != nil {
		return fmt.Errorf("config.index.type: %w", err)
	}
	if c.Storage.MaxUploadMB < 0 {
		return fmt.Errorf("config.storage.max_upload_mb must not be negative")
	}
	for i, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// MaxUploadBytes resolves the upload cap; 25 MB when unset.
func (c *Config) MaxUploadBytes() int64 {
	mb := c.Storage.MaxUploadMB
	if mb == 0 {
		mb = 25
	}
	return int64(mb) << 20
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "maturion.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(indexCode, indexType string) string {
	return fmt.Sprintf(defaultTemplate, indexCode, indexType)
}

// Default returns the default Config struct for an index.
func Default(indexCode, indexType string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(GenerateDefault(indexCode, indexType)), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `index:
  code: %s
  type: %s

storage:
  max_upload_mb: 25

webhooks: []
`
