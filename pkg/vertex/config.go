// Package vertex is the Vertex AI transport layer: configuration
// resolution, service-account token exchange, and the REST operations for
// cached content, token counting, and content generation.
package vertex

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/bearing-app/consistency-engine/pkg/errors"
)

const (
	// DefaultRegion is the non-secret region default
	DefaultRegion = "us-east1"
	// DefaultModel is the generation model used for consistency checks
	DefaultModel = "gemini-2.5-pro"
)

// Config holds the resolved Vertex AI settings
type Config struct {
	ProjectID           string `mapstructure:"project_id"`
	Region              string `mapstructure:"region"`
	ServiceAccountEmail string `mapstructure:"service_account_email"`
	ServiceAccountKey   string `mapstructure:"service_account_key"`
	Model               string `mapstructure:"model"`
}

// ResolveConfig reads the Vertex settings from the environment and
// validates them before any network call. Missing required settings fail
// fast with a configuration error naming the exact setting; credentials
// are never silently defaulted.
func ResolveConfig() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	cfg := &Config{
		ProjectID:           v.GetString("GOOGLE_CLOUD_PROJECT"),
		Region:              v.GetString("GOOGLE_CLOUD_REGION"),
		ServiceAccountEmail: v.GetString("GOOGLE_SERVICE_ACCOUNT_EMAIL"),
		ServiceAccountKey:   v.GetString("GOOGLE_SERVICE_ACCOUNT_KEY"),
		Model:               v.GetString("VERTEX_MODEL"),
	}

	if cfg.ProjectID == "" {
		return nil, errors.ConfigMissing("GOOGLE_CLOUD_PROJECT")
	}
	if cfg.ServiceAccountEmail == "" {
		return nil, errors.ConfigMissing("GOOGLE_SERVICE_ACCOUNT_EMAIL")
	}
	if cfg.ServiceAccountKey == "" {
		return nil, errors.ConfigMissing("GOOGLE_SERVICE_ACCOUNT_KEY")
	}
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	// Single-line secret stores escape newlines in PEM keys
	cfg.ServiceAccountKey = strings.ReplaceAll(cfg.ServiceAccountKey, `\n`, "\n")

	return cfg, nil
}

// IsConfigured reports whether all required settings are present without
// surfacing the validation error.
func IsConfigured() bool {
	_, err := ResolveConfig()
	return err == nil
}

// ModelResource returns the fully qualified model resource name
func (c *Config) ModelResource() string {
	return "projects/" + c.ProjectID + "/locations/" + c.Region + "/publishers/google/models/" + c.Model
}
