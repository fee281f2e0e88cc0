package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the proxy's typed configuration, loaded once at startup from
// the environment (§6). Every field is read-only after Load returns.
type Config struct {
	ProxyTo            string   `mapstructure:"PROXY_TO"`
	BackendType        string   `mapstructure:"BACKEND_TYPE"`
	TokenIssuer        string   `mapstructure:"TOKEN_ISSUER"`
	WellKnownEndpoint  string   `mapstructure:"WELL_KNOWN_ENDPOINT"`
	AccessChecker      string   `mapstructure:"ACCESS_CHECKER"`
	AllowedQueriesFile string   `mapstructure:"ALLOWED_QUERIES_FILE"`
	RunMode            string   `mapstructure:"RUN_MODE"`
	Port               string   `mapstructure:"PORT"`
	UpstreamTimeout    string   `mapstructure:"UPSTREAM_TIMEOUT"`
	LogLevel           string   `mapstructure:"LOG_LEVEL"`
	GCPFHIRStoreScopes []string `mapstructure:"GCP_FHIR_STORE_SCOPES"`
}

// Load reads configuration from the environment (and an optional .env file
// for local development), applying the defaults named in §6.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("BACKEND_TYPE", "HAPI")
	v.SetDefault("WELL_KNOWN_ENDPOINT", ".well-known/openid-configuration")
	v.SetDefault("ACCESS_CHECKER", "permissive")
	v.SetDefault("RUN_MODE", "PROD")
	v.SetDefault("PORT", "8080")
	v.SetDefault("UPSTREAM_TIMEOUT", "30s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("GCP_FHIR_STORE_SCOPES", "https://www.googleapis.com/auth/cloud-platform")

	v.BindEnv("PROXY_TO")
	v.BindEnv("BACKEND_TYPE")
	v.BindEnv("TOKEN_ISSUER")
	v.BindEnv("WELL_KNOWN_ENDPOINT")
	v.BindEnv("ACCESS_CHECKER")
	v.BindEnv("ALLOWED_QUERIES_FILE")
	v.BindEnv("RUN_MODE")
	v.BindEnv("PORT")
	v.BindEnv("UPSTREAM_TIMEOUT")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("GCP_FHIR_STORE_SCOPES")

	// Try reading .env file, but don't fail if missing.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.GCPFHIRStoreScopes == nil {
		scopes := v.GetString("GCP_FHIR_STORE_SCOPES")
		if scopes != "" {
			cfg.GCPFHIRStoreScopes = strings.Split(scopes, ",")
		}
	}

	if cfg.ProxyTo == "" {
		return nil, fmt.Errorf("PROXY_TO is required")
	}
	if cfg.TokenIssuer == "" {
		return nil, fmt.Errorf("TOKEN_ISSUER is required")
	}

	return cfg, nil
}

// IsDevMode reports whether RUN_MODE is DEV, which enables §4.1's
// issuer-relaxation override. It does not gate the Permissive Checker:
// ACCESS_CHECKER=permissive is accepted in any run mode.
func (c *Config) IsDevMode() bool {
	return strings.EqualFold(c.RunMode, "DEV")
}

// UpstreamTimeoutDuration parses UpstreamTimeout as a Go duration.
func (c *Config) UpstreamTimeoutDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.UpstreamTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid UPSTREAM_TIMEOUT %q: %w", c.UpstreamTimeout, err)
	}
	return d, nil
}

// Validate checks that the configuration is safe to run, returning an
// error the caller should treat as ConfigInvalid and refuse to start on.
func (c *Config) Validate() error {
	if c.ProxyTo == "" {
		return fmt.Errorf("PROXY_TO is required")
	}
	if c.TokenIssuer == "" {
		return fmt.Errorf("TOKEN_ISSUER is required")
	}

	switch strings.ToUpper(c.BackendType) {
	case "GCP", "HAPI":
	default:
		return fmt.Errorf("BACKEND_TYPE must be \"GCP\" or \"HAPI\", got %q", c.BackendType)
	}

	if _, err := c.UpstreamTimeoutDuration(); err != nil {
		return err
	}

	if len(c.GCPFHIRStoreScopes) == 0 {
		return fmt.Errorf("GCP_FHIR_STORE_SCOPES must not be empty")
	}

	return nil
}
