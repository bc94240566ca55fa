package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models driveline.yml.
type Config struct {
	Registration string `yaml:"registration"`
	Runner       struct {
		Strategy string `yaml:"strategy"`
		Docker   struct {
			NamePrefix  string `yaml:"name_prefix"`
			StagingRoot string `yaml:"staging_root"`
		} `yaml:"docker"`
		Kube struct {
			Namespace  string `yaml:"namespace"`
			TTLMinutes int    `yaml:"ttl_minutes"`
		} `yaml:"kube"`
	} `yaml:"runner"`
	Signing struct {
		PrivateKey string   `yaml:"private_key"`
		PublicKeys []string `yaml:"public_keys"`
	} `yaml:"signing"`
	Auth struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
	Cache struct {
		Dir string `yaml:"dir"`
	} `yaml:"cache"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create with dl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Registration == "" {
		return fmt.Errorf("config.registration is required")
	}
	switch c.Runner.Strategy {
	case "", "docker", "kube":
	default:
		return fmt.Errorf("config.runner.strategy must be 'docker' or 'kube'")
	}
	if c.Runner.Strategy == "kube" && c.Runner.Kube.Namespace == "" {
		return fmt.Errorf("config.runner.kube.namespace is required for the kube strategy")
	}
	if c.Runner.Kube.TTLMinutes < 0 {
		return fmt.Errorf("config.runner.kube.ttl_minutes must not be negative")
	}
	if len(c.Signing.PublicKeys) > 0 {
		for i, key := range c.Signing.PublicKeys {
			if key == "" {
				return fmt.Errorf("config.signing.public_keys[%d] is empty", i)
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Strategy returns the configured runner strategy, defaulting to docker.
func (c *Config) Strategy() string {
	if c.Runner.Strategy == "" {
		return "docker"
	}
	return c.Runner.Strategy
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "driveline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(registration string) string {
	return fmt.Sprintf(defaultTemplate, registration)
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

// Default returns the default Config struct for a registration.
func Default(registration string) *Config {
	var cfg Config
	cfg.Registration = registration
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, registration))).Decode(&cfg)
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

const defaultTemplate = `registration: %s

runner:
  strategy: docker
  docker:
    name_prefix: dl-
  kube:
    namespace: driveline
    ttl_minutes: 30

signing:
  private_key: ""
  public_keys: []

auth:
  jwt_secret: ""
  allow_legacy_actor_header: false

cache:
  dir: ""

webhooks: []
`
