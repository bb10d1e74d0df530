package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

// clearEnv blanks every variable FromEnv reads so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"TEAM_IDS", "GHTOKEN_SERVICE_DOMAIN", "GHTOKEN_SERVICE_BEARER", "SERVICE_AUTH",
		"GITHUB_TOKENS", "GITHUB_TOKEN", "GITHUB_API_URL", "PER_PAGE", "MAX_PAGES",
		"MAX_WORKERS", "RATE_LIMIT_POLL_INTERVAL", "REQUESTS_PER_SECOND", "REDIS_URL",
		"LOG_LEVEL", "LOG_PRETTY", "METRICS_ADDR",
	} {
		t.Setenv(key, "")
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error = %v", err)
	}

	if cfg.IssuerURL != DefaultIssuerURL {
		t.Errorf("IssuerURL = %q, want %q", cfg.IssuerURL, DefaultIssuerURL)
	}
	if cfg.APIBaseURL != DefaultAPIBaseURL {
		t.Errorf("APIBaseURL = %q, want %q", cfg.APIBaseURL, DefaultAPIBaseURL)
	}
	if cfg.PerPage != 100 || cfg.MaxPages != 0 || cfg.Concurrency != 4 {
		t.Errorf("PerPage/MaxPages/Concurrency = %d/%d/%d, want 100/0/4", cfg.PerPage, cfg.MaxPages, cfg.Concurrency)
	}
	if cfg.PollInterval != 5*time.Minute {
		t.Errorf("PollInterval = %s, want 5m", cfg.PollInterval)
	}
	if cfg.Mode() != "" {
		t.Errorf("Mode() = %q, want empty", cfg.Mode())
	}
	if err := cfg.Validate(); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("Validate() error = %v, want ErrNoCredentials", err)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("TEAM_IDS", " team-a, ,team-b ")
	t.Setenv("SERVICE_AUTH", "fallback-bearer")
	t.Setenv("GHTOKEN_SERVICE_DOMAIN", "http://tokens:3001")
	t.Setenv("PER_PAGE", "50")
	t.Setenv("MAX_PAGES", "3")
	t.Setenv("MAX_WORKERS", "8")
	t.Setenv("RATE_LIMIT_POLL_INTERVAL", "90")
	t.Setenv("REQUESTS_PER_SECOND", "1.5")
	t.Setenv("LOG_PRETTY", "true")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error = %v", err)
	}

	if want := []string{"team-a", "team-b"}; !reflect.DeepEqual(cfg.Identities, want) {
		t.Errorf("Identities = %v, want %v", cfg.Identities, want)
	}
	if cfg.IssuerBearer != "fallback-bearer" {
		t.Errorf("IssuerBearer = %q, want SERVICE_AUTH fallback", cfg.IssuerBearer)
	}
	if cfg.IssuerURL != "http://tokens:3001" {
		t.Errorf("IssuerURL = %q", cfg.IssuerURL)
	}
	if cfg.PerPage != 50 || cfg.MaxPages != 3 || cfg.Concurrency != 8 {
		t.Errorf("PerPage/MaxPages/Concurrency = %d/%d/%d, want 50/3/8", cfg.PerPage, cfg.MaxPages, cfg.Concurrency)
	}
	if cfg.PollInterval != 90*time.Second {
		t.Errorf("PollInterval = %s, want 90s", cfg.PollInterval)
	}
	if cfg.RequestsPerSecond != 1.5 {
		t.Errorf("RequestsPerSecond = %g, want 1.5", cfg.RequestsPerSecond)
	}
	if !cfg.LogPretty {
		t.Error("LogPretty = false, want true")
	}
	if cfg.Mode() != ModeIssuer {
		t.Errorf("Mode() = %q, want %q", cfg.Mode(), ModeIssuer)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestFromEnv_BearerPrecedence(t *testing.T) {
	clearEnv(t)
	t.Setenv("GHTOKEN_SERVICE_BEARER", "primary")
	t.Setenv("SERVICE_AUTH", "fallback")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error = %v", err)
	}
	if cfg.IssuerBearer != "primary" {
		t.Errorf("IssuerBearer = %q, want primary", cfg.IssuerBearer)
	}
}

func TestFromEnv_InvalidNumbers(t *testing.T) {
	clearEnv(t)
	t.Setenv("PER_PAGE", "many")
	t.Setenv("RATE_LIMIT_POLL_INTERVAL", "soon")

	_, err := FromEnv()
	if err == nil {
		t.Fatal("FromEnv() error = nil, want error")
	}
	for _, key := range []string{"PER_PAGE", "RATE_LIMIT_POLL_INTERVAL"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not mention %s", err, key)
		}
	}
}

func TestMode(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want CredentialMode
	}{
		{name: "none", cfg: Config{}, want: ""},
		{name: "direct", cfg: Config{Token: "t"}, want: ModeDirect},
		{name: "issuer", cfg: Config{Identities: []string{"a"}, Token: "t"}, want: ModeIssuer},
		{name: "tokens win", cfg: Config{Tokens: []string{"x"}, Identities: []string{"a"}, Token: "t"}, want: ModeTokens},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Mode(); got != tt.want {
				t.Errorf("Mode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Default()
		cfg.Tokens = []string{"ghp_x"}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "direct token", mutate: func(c *Config) { c.Tokens = nil; c.Token = "ghp_y" }},
		{name: "identities without bearer", mutate: func(c *Config) {
			c.Tokens = nil
			c.Identities = []string{"team-a"}
		}, wantErr: "GHTOKEN_SERVICE_BEARER"},
		{name: "per page too large", mutate: func(c *Config) { c.PerPage = 101 }, wantErr: "per_page"},
		{name: "negative max pages", mutate: func(c *Config) { c.MaxPages = -1 }, wantErr: "max_pages"},
		{name: "no workers", mutate: func(c *Config) { c.Concurrency = 0 }, wantErr: "max_workers"},
		{name: "zero poll interval", mutate: func(c *Config) { c.PollInterval = 0 }, wantErr: "poll_interval"},
		{name: "relative api url", mutate: func(c *Config) { c.APIBaseURL = "api.github.com" }, wantErr: "api_base_url"},
		{name: "unknown resource", mutate: func(c *Config) { c.Resources = []string{"stars"} }, wantErr: "stars"},
		{name: "unknown log level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: "loud"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()

			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_YAMLOverlay(t *testing.T) {
	clearEnv(t)
	t.Setenv("GITHUB_TOKENS", "env-1,env-2")
	t.Setenv("MAX_WORKERS", "2")

	path := filepath.Join(t.TempDir(), "harvest.yaml")
	data := `
repos:
  - octo/hello
  - octo/world
resources: [pulls, comments]
max_workers: 6
poll_interval: 30s
log_level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if want := []string{"env-1", "env-2"}; !reflect.DeepEqual(cfg.Tokens, want) {
		t.Errorf("Tokens = %v, want %v (kept from env)", cfg.Tokens, want)
	}
	if want := []string{"octo/hello", "octo/world"}; !reflect.DeepEqual(cfg.Repos, want) {
		t.Errorf("Repos = %v, want %v", cfg.Repos, want)
	}
	if want := []string{"pulls", "comments"}; !reflect.DeepEqual(cfg.Resources, want) {
		t.Errorf("Resources = %v, want %v", cfg.Resources, want)
	}
	if cfg.Concurrency != 6 {
		t.Errorf("Concurrency = %d, want 6 from file", cfg.Concurrency)
	}
	if cfg.PollInterval != 30*time.Second {
		t.Errorf("PollInterval = %s, want 30s", cfg.PollInterval)
	}
	if cfg.PerPage != DefaultPerPage {
		t.Errorf("PerPage = %d, want default", cfg.PerPage)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load(missing) error = nil, want error")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("max_workers: [1, 2"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load(bad yaml) error = nil, want error")
	}
}
