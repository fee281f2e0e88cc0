package config

import (
	"os"
	"testing"
	"time"
)

func clearProxyEnv() {
	for _, k := range []string{
		"PROXY_TO", "BACKEND_TYPE", "TOKEN_ISSUER", "WELL_KNOWN_ENDPOINT",
		"ACCESS_CHECKER", "ALLOWED_QUERIES_FILE", "RUN_MODE", "PORT",
		"UPSTREAM_TIMEOUT", "LOG_LEVEL", "GCP_FHIR_STORE_SCOPES",
	} {
		os.Unsetenv(k)
	}
}

func TestLoad_RequiresProxyTo(t *testing.T) {
	clearProxyEnv()
	os.Setenv("TOKEN_ISSUER", "https://idp.example.com")
	defer clearProxyEnv()

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when PROXY_TO is missing")
	}
}

func TestLoad_RequiresTokenIssuer(t *testing.T) {
	clearProxyEnv()
	os.Setenv("PROXY_TO", "https://fhir.example.com/fhir")
	defer clearProxyEnv()

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when TOKEN_ISSUER is missing")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearProxyEnv()
	os.Setenv("PROXY_TO", "https://fhir.example.com/fhir")
	os.Setenv("TOKEN_ISSUER", "https://idp.example.com")
	defer clearProxyEnv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.BackendType != "HAPI" {
		t.Errorf("expected default backend HAPI, got %s", cfg.BackendType)
	}
	if cfg.RunMode != "PROD" {
		t.Errorf("expected default run mode PROD, got %s", cfg.RunMode)
	}
	if cfg.UpstreamTimeout != "30s" {
		t.Errorf("expected default upstream timeout 30s, got %s", cfg.UpstreamTimeout)
	}
	if cfg.AccessChecker != "permissive" {
		t.Errorf("expected default access checker permissive, got %s", cfg.AccessChecker)
	}
	if len(cfg.GCPFHIRStoreScopes) != 1 || cfg.GCPFHIRStoreScopes[0] != "https://www.googleapis.com/auth/cloud-platform" {
		t.Errorf("unexpected default GCP scopes: %v", cfg.GCPFHIRStoreScopes)
	}
}

func TestConfig_IsDevMode(t *testing.T) {
	c := &Config{RunMode: "DEV"}
	if !c.IsDevMode() {
		t.Error("expected IsDevMode() to return true for RUN_MODE=DEV")
	}

	c.RunMode = "dev"
	if !c.IsDevMode() {
		t.Error("expected IsDevMode() to be case-insensitive")
	}

	c.RunMode = "PROD"
	if c.IsDevMode() {
		t.Error("expected IsDevMode() to return false for RUN_MODE=PROD")
	}
}

func TestConfig_UpstreamTimeoutDuration(t *testing.T) {
	c := &Config{UpstreamTimeout: "45s"}
	d, err := c.UpstreamTimeoutDuration()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != 45*time.Second {
		t.Errorf("expected 45s, got %v", d)
	}

	c.UpstreamTimeout = "not-a-duration"
	if _, err := c.UpstreamTimeoutDuration(); err == nil {
		t.Error("expected error for invalid duration string")
	}
}

func validConfig() *Config {
	return &Config{
		ProxyTo:            "https://fhir.example.com/fhir",
		BackendType:        "HAPI",
		TokenIssuer:        "https://idp.example.com",
		UpstreamTimeout:    "30s",
		GCPFHIRStoreScopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
	}
}

func TestValidate_Valid(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_MissingProxyTo(t *testing.T) {
	c := validConfig()
	c.ProxyTo = ""
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for missing PROXY_TO")
	}
}

func TestValidate_MissingTokenIssuer(t *testing.T) {
	c := validConfig()
	c.TokenIssuer = ""
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for missing TOKEN_ISSUER")
	}
}

func TestValidate_InvalidBackendType(t *testing.T) {
	c := validConfig()
	c.BackendType = "AZURE"
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for unrecognized BACKEND_TYPE")
	}
}

func TestValidate_GCPBackendType(t *testing.T) {
	c := validConfig()
	c.BackendType = "GCP"
	if err := c.Validate(); err != nil {
		t.Fatalf("unexpected error for BACKEND_TYPE=GCP: %v", err)
	}
}

func TestValidate_InvalidUpstreamTimeout(t *testing.T) {
	c := validConfig()
	c.UpstreamTimeout = "garbage"
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for invalid UPSTREAM_TIMEOUT")
	}
}

func TestValidate_RequiresGCPScopes(t *testing.T) {
	c := validConfig()
	c.GCPFHIRStoreScopes = nil
	if err := c.Validate(); err == nil {
		t.Fatal("expected error for empty GCP_FHIR_STORE_SCOPES")
	}
}
