// Package configuration loads the operator configuration from an optional
// YAML file with environment variable overrides.
package configuration

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	"terminal.sh/coffee-operator/internal/terminal"
)

const (
	// EnvBearerToken overrides the bearer token from the config file. The
	// environment is the preferred place for the credential.
	EnvBearerToken = "TERMINAL_BEARER_TOKEN"

	// EnvEnvironment overrides the service environment from the config file.
	EnvEnvironment = "TERMINAL_ENVIRONMENT"
)

// Config is the operator configuration.
type Config struct {
	// API configures the connection to the coffee service.
	API APIConfig `json:"api"`

	// Catalog configures the product catalog cache.
	Catalog CatalogConfig `json:"catalog"`
}

// APIConfig configures the coffee service client.
type APIConfig struct {
	// Environment selects the service endpoint. Defaults to production.
	Environment string `json:"environment,omitempty" validate:"omitempty,oneof=production dev"`

	// BaseURL overrides the endpoint derived from Environment, mainly for
	// local development against a stub.
	BaseURL string `json:"baseURL,omitempty" validate:"omitempty,url"`

	// Token is the bearer token used against the service. Prefer setting it
	// through TERMINAL_BEARER_TOKEN instead of placing it in a file.
	Token string `json:"token,omitempty"`
}

// CatalogConfig configures the product catalog cache.
type CatalogConfig struct {
	// RefreshInterval bounds how long the product catalog is served from
	// cache. Zero keeps the built-in default.
	RefreshInterval metav1.Duration `json:"refreshInterval,omitempty"`
}

// Load reads the configuration from path, applies environment overrides and
// validates the result. An empty path loads from the environment alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if token := os.Getenv(EnvBearerToken); token != "" {
		cfg.API.Token = token
	}
	if env := os.Getenv(EnvEnvironment); env != "" {
		cfg.API.Environment = env
	}
	if cfg.API.Environment == "" {
		cfg.API.Environment = terminal.EnvironmentProduction
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.API.Token == "" {
		return nil, errors.New("bearer token must be set, either in the config file or via " + EnvBearerToken)
	}

	return cfg, nil
}
