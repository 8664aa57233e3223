// Package config loads and validates the storyloom configuration from a
// YAML file plus environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Project   ProjectConfig    `yaml:"project" validate:"required"`
	Providers []ProviderConfig `yaml:"providers" validate:"required,min=1,dive"`
	Paths     PathsConfig      `yaml:"paths"`
	Knowledge KnowledgeConfig  `yaml:"knowledge"`
	Limits    Limits           `yaml:"limits" validate:"required"`
}

type ProjectConfig struct {
	Name     string `yaml:"name" validate:"required,min=1,max=100"`
	Genre    string `yaml:"genre" validate:"required"`
	Premise  string `yaml:"premise" validate:"required,min=20"`
	Chapters int    `yaml:"chapters" validate:"required,min=1,max=100"`
}

type ProviderConfig struct {
	Name    string `yaml:"name" validate:"required"`
	BaseURL string `yaml:"base_url" validate:"required,url"`
	APIKey  string `yaml:"api_key" validate:"required,min=8"`
	Model   string `yaml:"model" validate:"required"`
	Timeout int    `yaml:"timeout" validate:"min=0,max=3600"`
}

type PathsConfig struct {
	OutputDir string `yaml:"output_dir" validate:"required"`
	DataDir   string `yaml:"data_dir" validate:"required"`
}

type KnowledgeConfig struct {
	URL string `yaml:"url" validate:"omitempty,url"`
}

// Load reads the config file, applies environment overrides and
// defaults, and validates the result. The .env file is optional.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = defaultConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvironment()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func defaultConfigPath() string {
	if path := os.Getenv("STORYLOOM_CONFIG"); path != "" {
		return path
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "storyloom", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "storyloom", "config.yaml")
}

func (c *Config) applyDefaults() {
	if c.Paths.OutputDir == "" {
		c.Paths.OutputDir = "output"
	}
	if c.Paths.DataDir == "" {
		c.Paths.DataDir = "data"
	}
	if c.Project.Chapters == 0 {
		c.Project.Chapters = 10
	}
	c.Limits.applyDefaults()
}

// applyEnvironment resolves ${VAR}-style API key placeholders and the
// STORYLOOM_API_KEY fallback.
func (c *Config) applyEnvironment() {
	for i := range c.Providers {
		key := c.Providers[i].APIKey
		if len(key) > 3 && key[0] == '$' && key[1] == '{' && key[len(key)-1] == '}' {
			c.Providers[i].APIKey = os.Getenv(key[2 : len(key)-1])
		}
		if c.Providers[i].APIKey == "" {
			c.Providers[i].APIKey = os.Getenv("STORYLOOM_API_KEY")
		}
	}
}

func (c *Config) validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok {
			for _, fieldErr := range errs {
				return fmt.Errorf("field %s failed %s validation", fieldErr.Namespace(), fieldErr.Tag())
			}
		}
		return err
	}
	return c.Limits.validate()
}
