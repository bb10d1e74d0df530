// Package config loads the harvester configuration from the environment
// and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/gh-harvester/pkg/logging"
	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultIssuerURL    = "http://localhost:3001"
	DefaultAPIBaseURL   = "https://api.github.com/"
	DefaultPerPage      = 100
	DefaultConcurrency  = 4
	DefaultPollInterval = 5 * time.Minute
)

// Resources that can be harvested.
const (
	ResourcePulls       = "pulls"
	ResourceIssues      = "issues"
	ResourceCommits     = "commits"
	ResourceComments    = "comments"
	ResourcePullCommits = "pull_commits"
)

// ErrNoCredentials is returned by Validate when no credential source is configured.
var ErrNoCredentials = errors.New("no credentials configured: set TEAM_IDS with GHTOKEN_SERVICE_BEARER, GITHUB_TOKENS or GITHUB_TOKEN")

// CredentialMode tells how secrets are obtained.
type CredentialMode string

const (
	// ModeIssuer fetches one secret per identity from the token service.
	ModeIssuer CredentialMode = "issuer"

	// ModeTokens rotates over directly supplied secrets.
	ModeTokens CredentialMode = "tokens"

	// ModeDirect uses a single secret without a pool and waits out its rate limit.
	ModeDirect CredentialMode = "direct"
)

// Config holds the complete harvester configuration.
type Config struct {
	// Credentials
	Identities   []string `yaml:"identities"`
	IssuerURL    string   `yaml:"issuer_url"`
	IssuerBearer string   `yaml:"issuer_bearer"`
	Tokens       []string `yaml:"tokens"`
	Token        string   `yaml:"token"`

	// GitHub
	APIBaseURL        string        `yaml:"api_base_url"`
	PerPage           int           `yaml:"per_page"`
	MaxPages          int           `yaml:"max_pages"`
	Concurrency       int           `yaml:"max_workers"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`

	// What to harvest
	Repos     []string `yaml:"repos"`
	Resources []string `yaml:"resources"`
	State     string   `yaml:"state"`

	// Infrastructure
	RedisURL    string `yaml:"redis_url"`
	LogLevel    string `yaml:"log_level"`
	LogPretty   bool   `yaml:"log_pretty"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the configuration without any environment applied.
func Default() Config {
	return Config{
		IssuerURL:    DefaultIssuerURL,
		APIBaseURL:   DefaultAPIBaseURL,
		PerPage:      DefaultPerPage,
		Concurrency:  DefaultConcurrency,
		PollInterval: DefaultPollInterval,
		Resources:    []string{ResourcePulls},
		State:        "closed",
		LogLevel:     string(logging.LevelInfo),
	}
}

// FromEnv returns the defaults overridden by environment variables.
func FromEnv() (Config, error) {
	cfg := Default()

	cfg.Identities = getEnvList("TEAM_IDS", cfg.Identities)
	cfg.IssuerURL = getEnv("GHTOKEN_SERVICE_DOMAIN", cfg.IssuerURL)
	cfg.IssuerBearer = getEnv("GHTOKEN_SERVICE_BEARER", getEnv("SERVICE_AUTH", cfg.IssuerBearer))
	cfg.Tokens = getEnvList("GITHUB_TOKENS", cfg.Tokens)
	cfg.Token = getEnv("GITHUB_TOKEN", cfg.Token)
	cfg.APIBaseURL = getEnv("GITHUB_API_URL", cfg.APIBaseURL)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.MetricsAddr = getEnv("METRICS_ADDR", cfg.MetricsAddr)

	var errs []error
	var err error
	if cfg.PerPage, err = getEnvInt("PER_PAGE", cfg.PerPage); err != nil {
		errs = append(errs, err)
	}
	if cfg.MaxPages, err = getEnvInt("MAX_PAGES", cfg.MaxPages); err != nil {
		errs = append(errs, err)
	}
	if cfg.Concurrency, err = getEnvInt("MAX_WORKERS", cfg.Concurrency); err != nil {
		errs = append(errs, err)
	}
	if cfg.PollInterval, err = getEnvDuration("RATE_LIMIT_POLL_INTERVAL", cfg.PollInterval); err != nil {
		errs = append(errs, err)
	}
	if cfg.RequestsPerSecond, err = getEnvFloat("REQUESTS_PER_SECOND", cfg.RequestsPerSecond); err != nil {
		errs = append(errs, err)
	}
	if cfg.LogPretty, err = getEnvBool("LOG_PRETTY", cfg.LogPretty); err != nil {
		errs = append(errs, err)
	}

	return cfg, errors.Join(errs...)
}

// Load reads the environment, then overlays the YAML file at path if path is not empty.
// Keys present in the file replace the environment value; absent keys are left unchanged.
func Load(path string) (Config, error) {
	cfg, err := FromEnv()
	if err != nil {
		return Config{}, err
	}
	if path == "" {
		return cfg, nil
	}
	if err := cfg.MergeFile(path); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// MergeFile overlays the YAML file at path onto c.
func (c *Config) MergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Mode reports which credential source is used.
// Directly supplied tokens win over the token service; a single GITHUB_TOKEN is the fallback.
func (c Config) Mode() CredentialMode {
	switch {
	case len(c.Tokens) > 0:
		return ModeTokens
	case len(c.Identities) > 0:
		return ModeIssuer
	case c.Token != "":
		return ModeDirect
	default:
		return ""
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error

	switch c.Mode() {
	case "":
		errs = append(errs, ErrNoCredentials)
	case ModeIssuer:
		if c.IssuerBearer == "" {
			errs = append(errs, fmt.Errorf("TEAM_IDS requires GHTOKEN_SERVICE_BEARER or SERVICE_AUTH"))
		}
		if err := checkURL("issuer_url", c.IssuerURL); err != nil {
			errs = append(errs, err)
		}
	}

	if err := checkURL("api_base_url", c.APIBaseURL); err != nil {
		errs = append(errs, err)
	}
	if c.PerPage < 1 || c.PerPage > 100 {
		errs = append(errs, fmt.Errorf("per_page must be between 1 and 100 (got %d)", c.PerPage))
	}
	if c.MaxPages < 0 {
		errs = append(errs, fmt.Errorf("max_pages must be >= 0 (got %d)", c.MaxPages))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("max_workers must be >= 1 (got %d)", c.Concurrency))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be > 0 (got %s)", c.PollInterval))
	}
	if c.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("requests_per_second must be >= 0 (got %g)", c.RequestsPerSecond))
	}
	for _, r := range c.Resources {
		if !knownResource(r) {
			errs = append(errs, fmt.Errorf("unknown resource %q", r))
		}
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func knownResource(r string) bool {
	switch r {
	case ResourcePulls, ResourceIssues, ResourceCommits, ResourceComments, ResourcePullCommits:
		return true
	}
	return false
}

func checkURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL (got %q)", field, raw)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

// getEnvDuration accepts Go durations ("90s", "5m") or plain seconds ("300").
func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
