package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models eleutherios.yml.
type Config struct {
	Instance struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"instance"`
	Services struct {
		Catalog map[string]ServiceEntry `yaml:"catalog"`
	} `yaml:"services"`
	Payments struct {
		Provider   string   `yaml:"provider"`
		Currencies []string `yaml:"currencies"`
		MinAmount  float64  `yaml:"min_amount"`
		MaxAmount  float64  `yaml:"max_amount"`
	} `yaml:"payments"`
	Defaults struct {
		StakeholderCapabilities []string `yaml:"stakeholder_capabilities"`
		CreatorCapabilities     []string `yaml:"creator_capabilities"`
	} `yaml:"defaults"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type ServiceEntry struct {
	Description string `yaml:"description"`
	Payment     bool   `yaml:"payment,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with eleu config init", path)
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
	if c.Instance.ID == "" {
		return fmt.Errorf("config.instance.id is required")
	}
	if c.Instance.Kind != "governance-instance" {
		return fmt.Errorf("config.instance.kind must be 'governance-instance'")
	}
	if len(c.Services.Catalog) == 0 {
		return fmt.Errorf("config.services.catalog is required")
	}
	for name := range c.Services.Catalog {
		if name == "" {
			return fmt.Errorf("config.services.catalog contains empty service name")
		}
	}
	if c.Payments.Provider == "" {
		return fmt.Errorf("config.payments.provider is required")
	}
	if len(c.Payments.Currencies) == 0 {
		return fmt.Errorf("config.payments.currencies is required")
	}
	for _, cur := range c.Payments.Currencies {
		if len(cur) != 3 {
			return fmt.Errorf("currency %q must be a 3-letter code", cur)
		}
	}
	if c.Payments.MinAmount <= 0 {
		return fmt.Errorf("config.payments.min_amount must be positive")
	}
	if c.Payments.MaxAmount <= c.Payments.MinAmount {
		return fmt.Errorf("config.payments.max_amount must exceed min_amount")
	}
	if len(c.Defaults.StakeholderCapabilities) == 0 {
		return fmt.Errorf("config.defaults.stakeholder_capabilities is required")
	}
	if len(c.Defaults.CreatorCapabilities) == 0 {
		return fmt.Errorf("config.defaults.creator_capabilities is required")
	}
	return nil
}

// PaymentCapable reports whether a service is flagged for payments.
func (c *Config) PaymentCapable(serviceName string) bool {
	entry, ok := c.Services.Catalog[serviceName]
	return ok && entry.Payment
}

// CurrencyAllowed reports whether a currency is on the whitelist.
func (c *Config) CurrencyAllowed(currency string) bool {
	for _, cur := range c.Payments.Currencies {
		if cur == currency {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "eleutherios.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(instanceID string) string {
	return fmt.Sprintf(defaultTemplate, instanceID)
}

// Default returns the default Config struct for an instance.
func Default(instanceID string) *Config {
	var cfg Config
	cfg.Instance.ID = instanceID
	cfg.Instance.Kind = "governance-instance"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, instanceID))).Decode(&cfg)
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

const defaultTemplate = `instance:
  id: %s
  kind: governance-instance

services:
  catalog:
    Chat:
      description: "Forum chat transcript"
    Notify:
      description: "Stakeholder notifications"
    HousingApplication:
      description: "Social housing application intake"
    HealthcareReferral:
      description: "Healthcare referral routing"
    StripePayment:
      description: "Payment collection between stakeholders"
      payment: true

payments:
  provider: mock
  currencies: [NZD, AUD, USD, EUR, GBP]
  min_amount: 0.50
  max_amount: 10000

defaults:
  stakeholder_capabilities: [join, message]
  creator_capabilities: [join, message, post, moderate]
`
