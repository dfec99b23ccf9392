// Package config loads runtime configuration from an optional YAML file and the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileEnv names the variable pointing at an optional YAML config file.
const FileEnv = "KEYWARD_CONFIG"

// Config contains runtime configuration values. Environment variables win over the file.
type Config struct {
	Environment     string        `yaml:"app_env"`
	HTTPAddr        string        `yaml:"http_addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	DatabaseURL     string        `yaml:"database_url"`
	BaseURL         string        `yaml:"oauth_base_url"`
	LoginPageURL    string        `yaml:"login_page_url"`
	DashboardURL    string        `yaml:"dashboard_url"`
	VaultDir        string        `yaml:"vault_dir"`
	VaultKey        string        `yaml:"vault_key"`
	PrimaryTenant   string        `yaml:"primary_tenant"`
	JWTSecret       string        `yaml:"jwt_secret"`
	RedisURL        string        `yaml:"redis_url"`
	RateLimitRPM    int           `yaml:"rate_limit_rpm"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TrustedProxies  []string      `yaml:"trusted_proxies"`
}

// Defaults returns the development configuration.
func Defaults() Config {
	return Config{
		Environment:     "development",
		HTTPAddr:        ":3010",
		GRPCAddr:        ":3011",
		BaseURL:         "http://localhost:3010",
		LoginPageURL:    "/login.html",
		DashboardURL:    "/app/integrations.html",
		VaultDir:        "clients",
		PrimaryTenant:   "agency_internal",
		RateLimitRPM:    60,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Production reports whether APP_ENV is production.
func (c Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Load reads configuration from the process environment.
func Load() (Config, error) {
	return LoadFrom(os.LookupEnv)
}

// LoadFrom reads configuration using lookup for environment values.
func LoadFrom(lookup func(string) (string, bool)) (Config, error) {
	cfg := Defaults()
	if path, ok := lookup(FileEnv); ok && path != "" {
		if err := readFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	e := env{lookup}
	cfg.Environment = e.str("APP_ENV", cfg.Environment)
	cfg.HTTPAddr = e.str("HTTP_ADDR", cfg.HTTPAddr)
	cfg.GRPCAddr = e.str("GRPC_ADDR", cfg.GRPCAddr)
	cfg.DatabaseURL = e.str("DATABASE_URL", cfg.DatabaseURL)
	cfg.BaseURL = strings.TrimRight(e.str("OAUTH_BASE_URL", cfg.BaseURL), "/")
	cfg.LoginPageURL = e.str("LOGIN_PAGE_URL", cfg.LoginPageURL)
	cfg.DashboardURL = e.str("DASHBOARD_URL", cfg.DashboardURL)
	cfg.VaultDir = e.str("VAULT_DIR", cfg.VaultDir)
	cfg.VaultKey = e.str("VAULT_KEY", cfg.VaultKey)
	cfg.PrimaryTenant = e.str("PRIMARY_TENANT", cfg.PrimaryTenant)
	cfg.JWTSecret = e.str("JWT_SECRET", cfg.JWTSecret)
	cfg.RedisURL = e.str("REDIS_URL", cfg.RedisURL)
	cfg.RateLimitRPM = e.integer("RATE_LIMIT_RPM", cfg.RateLimitRPM)
	cfg.ShutdownTimeout = e.duration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.TrustedProxies = e.list("TRUSTED_PROXIES", cfg.TrustedProxies)

	if cfg.RateLimitRPM <= 0 {
		return Config{}, fmt.Errorf("RATE_LIMIT_RPM must be positive, got %d", cfg.RateLimitRPM)
	}
	if cfg.HTTPAddr == "" {
		return Config{}, fmt.Errorf("HTTP_ADDR is required")
	}
	return cfg, nil
}

func readFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

type env struct {
	lookup func(string) (string, bool)
}

func (e env) str(key, def string) string {
	if v, ok := e.lookup(key); ok {
		return v
	}
	return def
}

func (e env) duration(key string, def time.Duration) time.Duration {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func (e env) integer(key string, def int) int {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func (e env) list(key string, def []string) []string {
	if v, ok := e.lookup(key); ok {
		var cleaned []string
		for _, p := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
