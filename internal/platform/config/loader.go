package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultPath is read when CMAIL_CONFIG is not set.
	DefaultPath = ".config.yaml"
	envPrefix   = "CMAIL_"
	envPathVar  = "CMAIL_CONFIG"

	minSessionSecretLen = 12
)

// Loader layers defaults, an optional YAML file and CMAIL_* environment
// variables into a validated Config.
type Loader struct {
	useDotEnv bool
	path      string
	environ   map[string]string
}

// NewLoader creates a loader reading the file named by CMAIL_CONFIG or
// .config.yaml.
func NewLoader() *Loader {
	return &Loader{useDotEnv: true}
}

// WithDotEnv toggles loading variables from a .env file before reading config.
func (l *Loader) WithDotEnv(enabled bool) *Loader {
	l.useDotEnv = enabled
	return l
}

// WithPath overrides the configuration file path.
func (l *Loader) WithPath(path string) *Loader {
	l.path = path
	return l
}

// WithEnvironment replaces the process environment (useful for tests).
func (l *Loader) WithEnvironment(environ map[string]string) *Loader {
	l.environ = environ
	return l
}

// Result captures the loaded configuration and its origin path. Path is empty
// when no file was found.
type Result struct {
	Config *Config
	Path   string
}

// Load builds the configuration.
func (l *Loader) Load() (*Result, error) {
	if l.useDotEnv {
		// a missing .env is normal outside local development
		_ = godotenv.Load()
	}

	cfg := DefaultConfig()

	path := l.resolvePath()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		path = ""
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	opts := env.Options{Prefix: envPrefix}
	if l.environ != nil {
		opts.Environment = l.environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, err
	}

	return &Result{Config: cfg, Path: path}, nil
}

func (l *Loader) resolvePath() string {
	if l.path != "" {
		return l.path
	}
	if l.environ != nil {
		if p := l.environ[envPathVar]; p != "" {
			return p
		}
		return DefaultPath
	}
	if p := os.Getenv(envPathVar); p != "" {
		return p
	}
	return DefaultPath
}

func (l *Loader) validate(cfg *Config) error {
	return cfg.Validate()
}

// Validate checks the invariants the services rely on.
func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Database.DSN == "" {
		problems = append(problems, "database.dsn is required")
	}
	switch secret := strings.TrimSpace(c.Session.Secret); {
	case secret == "":
		problems = append(problems, "session.secret is required")
	case len(secret) < minSessionSecretLen:
		problems = append(problems, fmt.Sprintf("session.secret must be at least %d characters", minSessionSecretLen))
	}
	if c.OAuth.CodeTTL <= 0 || c.OAuth.AccessTokenTTL <= 0 || c.OAuth.RefreshTokenTTL <= 0 {
		problems = append(problems, "oauth ttl values must be positive")
	}
	if c.OAuth.RefreshTokenTTL < c.OAuth.AccessTokenTTL {
		problems = append(problems, "oauth.refresh_token_ttl must not be shorter than access_token_ttl")
	}
	if c.Verification.CodeDigits < 4 || c.Verification.CodeDigits > 6 {
		problems = append(problems, fmt.Sprintf("verification.code_digits %d must be between 4 and 6", c.Verification.CodeDigits))
	}
	if c.Verification.EmailTTL <= 0 || c.Verification.SMSTTL <= 0 {
		problems = append(problems, "verification ttl values must be positive")
	}
	if c.Verification.MaxAttempts < 1 {
		problems = append(problems, "verification.max_attempts must be at least 1")
	}
	switch strings.ToLower(c.CodeStore.Type) {
	case "memory", "sqlite":
	case "redis":
		if c.CodeStore.Redis.Addr == "" {
			problems = append(problems, "code_store.redis.addr is required for the redis store")
		}
	default:
		problems = append(problems, fmt.Sprintf("code_store.type %q is not supported", c.CodeStore.Type))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
