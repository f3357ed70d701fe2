package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models forestline.yml.
type Config struct {
	Roles struct {
		FieldOperator string   `yaml:"field_operator"`
		Office        []string `yaml:"office"`
	} `yaml:"roles"`
	Geo struct {
		DefaultCRS string `yaml:"default_crs"`
	} `yaml:"geo"`
	Region struct {
		Debounce      Duration `yaml:"debounce"`
		CacheTTL      Duration `yaml:"cache_ttl"`
		LookupTimeout Duration `yaml:"lookup_timeout"`
	} `yaml:"region"`
	Export  Export  `yaml:"export"`
	Logging Logging `yaml:"logging"`
}

type Export struct {
	Driver    string `yaml:"driver"`
	Directory string `yaml:"directory"`
	S3        struct {
		Bucket       string `yaml:"bucket"`
		Region       string `yaml:"region"`
		Endpoint     string `yaml:"endpoint"`
		Prefix       string `yaml:"prefix"`
		UsePathStyle bool   `yaml:"use_path_style"`
	} `yaml:"s3"`
}

type Logging struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

// Duration reads Go duration strings such as "500ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// IsOffice reports whether role may plan, assign and edit.
func (c *Config) IsOffice(role string) bool {
	for _, r := range c.Roles.Office {
		if r == role {
			return true
		}
	}
	return false
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Roles.FieldOperator == "" {
		return fmt.Errorf("config.roles.field_operator is required")
	}
	if len(c.Roles.Office) == 0 {
		return fmt.Errorf("config.roles.office must list at least one role")
	}
	for _, r := range c.Roles.Office {
		if r == "" {
			return fmt.Errorf("config.roles.office contains empty role")
		}
		if r == c.Roles.FieldOperator {
			return fmt.Errorf("role %s cannot be both office and field operator", r)
		}
	}
	switch c.Geo.DefaultCRS {
	case "", "auto", "projected", "geographic":
	default:
		return fmt.Errorf("config.geo.default_crs must be auto, projected or geographic")
	}
	if c.Region.Debounce.Duration < 0 || c.Region.CacheTTL.Duration < 0 || c.Region.LookupTimeout.Duration < 0 {
		return fmt.Errorf("config.region durations must not be negative")
	}
	switch c.Export.Driver {
	case "", "fs":
	case "s3":
		if c.Export.S3.Bucket == "" {
			return fmt.Errorf("config.export.s3.bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("config.export.driver must be fs or s3")
	}
	switch c.Logging.Encoding {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.logging.encoding must be json or console")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "forestline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault reads the workspace config, falling back to Default when the file is absent.
func LoadOrDefault(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys
// keep their default values.
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `roles:
  field_operator: PO
  office: [ADMIN, PLANNER, SUPERVISOR]

geo:
  # auto trusts the document crs and falls back to range detection
  default_crs: auto

region:
  debounce: 500ms
  cache_ttl: 5m
  lookup_timeout: 5s

export:
  driver: fs
  directory: exports
  s3:
    bucket: ""
    region: eu-west-1
    endpoint: ""
    prefix: forestline/
    use_path_style: false

logging:
  level: info
  encoding: json
`
