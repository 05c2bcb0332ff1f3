// Package config loads service settings from the environment, an optional
// .env file and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"sarraf.org/internal/guard"
)

// Config is the runtime configuration of the API and migration binaries.
type Config struct {
	HTTPAddr   string
	GRPCAddr   string
	PGDSN      string
	AuthSecret string
	AuthIssuer string
	Guard      GuardConfig
	RateBurst  int
	RatePerSec float64
	Migrate    bool
}

// GuardConfig tunes the invariant guard.
type GuardConfig struct {
	Retries    int
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Epsilon    decimal.Decimal
}

// Options converts the settings for guard.New.
func (g GuardConfig) Options() guard.Options {
	return guard.Options{
		Retries:    g.Retries,
		MinBackoff: g.MinBackoff,
		MaxBackoff: g.MaxBackoff,
		Epsilon:    g.Epsilon,
	}
}

// source resolves a key from the environment first, then the YAML file.
type source struct {
	file map[string]string
}

func (s source) get(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	if v, ok := s.file[key]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

// Load reads .env (envPath or ./.env, a missing default file is ignored),
// then the YAML file named by SARRAF_CONFIG, then the environment. The
// environment wins.
func Load(envPath ...string) (*Config, error) {
	if len(envPath) > 0 && envPath[0] != "" {
		if err := godotenv.Load(envPath[0]); err != nil {
			return nil, fmt.Errorf("load .env file: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	src := source{}
	if path := strings.TrimSpace(os.Getenv("SARRAF_CONFIG")); path != "" {
		file, err := readYAML(path)
		if err != nil {
			return nil, err
		}
		src.file = file
	}

	var errs []error
	retries, err := strconv.Atoi(src.get("SARRAF_GUARD_RETRIES", strconv.Itoa(guard.DefaultRetries)))
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid SARRAF_GUARD_RETRIES: %w", err))
	}
	minBackoff, err := time.ParseDuration(src.get("SARRAF_GUARD_BACKOFF", guard.DefaultMinBackoff.String()))
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid SARRAF_GUARD_BACKOFF: %w", err))
	}
	maxBackoff, err := time.ParseDuration(src.get("SARRAF_GUARD_MAX_BACKOFF", guard.DefaultMaxBackoff.String()))
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid SARRAF_GUARD_MAX_BACKOFF: %w", err))
	}
	epsilon, err := decimal.NewFromString(src.get("SARRAF_INVARIANT_EPSILON", "0.001"))
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid SARRAF_INVARIANT_EPSILON: %w", err))
	}
	burst, err := strconv.Atoi(src.get("SARRAF_RATE_BURST", "20"))
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid SARRAF_RATE_BURST: %w", err))
	}
	perSec, err := strconv.ParseFloat(src.get("SARRAF_RATE_PER_SEC", "10"), 64)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid SARRAF_RATE_PER_SEC: %w", err))
	}
	migrate, err := strconv.ParseBool(src.get("SARRAF_MIGRATIONS", "true"))
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid SARRAF_MIGRATIONS: %w", err))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return &Config{
		HTTPAddr:   src.get("SARRAF_HTTP_ADDR", ":8080"),
		GRPCAddr:   src.get("SARRAF_GRPC_ADDR", ":9090"),
		PGDSN:      src.get("SARRAF_PG_DSN", ""),
		AuthSecret: src.get("SARRAF_AUTH_SECRET", ""),
		AuthIssuer: src.get("SARRAF_AUTH_ISSUER", "sarraf"),
		Guard: GuardConfig{
			Retries:    retries,
			MinBackoff: minBackoff,
			MaxBackoff: maxBackoff,
			Epsilon:    epsilon,
		},
		RateBurst:  burst,
		RatePerSec: perSec,
		Migrate:    migrate,
	}, nil
}

// readYAML decodes a flat mapping of SARRAF_* keys to scalar values.
func readYAML(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var values map[string]yaml.Node
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(values))
	for k, node := range values {
		if node.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("config key %s must be a scalar", k)
		}
		out[strings.ToUpper(k)] = node.Value
	}
	return out, nil
}

// Validate checks ranges. The auth secret is required when requireSecret is set.
func (c *Config) Validate(requireSecret bool) error {
	var problems []string
	if c.Guard.Retries < 0 {
		problems = append(problems, "guard retries must not be negative")
	}
	if c.Guard.MinBackoff <= 0 || c.Guard.MaxBackoff < c.Guard.MinBackoff {
		problems = append(problems, "guard backoff must be positive and not exceed the max backoff")
	}
	if !c.Guard.Epsilon.IsPositive() {
		problems = append(problems, "invariant epsilon must be positive")
	}
	if c.RateBurst <= 0 || c.RatePerSec <= 0 {
		problems = append(problems, "rate limit must be positive")
	}
	if requireSecret && c.AuthSecret == "" {
		problems = append(problems, "SARRAF_AUTH_SECRET is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
