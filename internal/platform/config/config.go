package config

import "time"

type Config struct {
	Server        ServerConfig        `yaml:"server" envPrefix:"SERVER_"`
	Log           LogConfig           `yaml:"log" envPrefix:"LOG_"`
	Web           WebConfig           `yaml:"web" envPrefix:"WEB_"`
	Database      DatabaseConfig      `yaml:"database" envPrefix:"DATABASE_"`
	Session       SessionConfig       `yaml:"session" envPrefix:"SESSION_"`
	OAuth         OAuthConfig         `yaml:"oauth" envPrefix:"OAUTH_"`
	Verification  VerificationConfig  `yaml:"verification" envPrefix:"VERIFICATION_"`
	CodeStore     CodeStoreConfig     `yaml:"code_store" envPrefix:"CODE_STORE_"`
	Observability ObservabilityConfig `yaml:"observability" envPrefix:"OBSERVABILITY_"`
}

type ServerConfig struct {
	IP              string        `yaml:"ip" env:"IP"`
	Port            int           `yaml:"port" env:"PORT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

type LogConfig struct {
	Level string `yaml:"log_level" env:"LEVEL"`
	Dir   string `yaml:"log_dir" env:"DIR"`
	File  string `yaml:"log_file" env:"FILE"`
}

// WebConfig controls serving of the built React client and CORS.
type WebConfig struct {
	StaticDir      string   `yaml:"static_dir" env:"STATIC_DIR"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn" env:"DSN"`
}

// SessionConfig configures verification of the session JWT presented on
// authenticated routes.
type SessionConfig struct {
	Secret string `yaml:"secret" env:"SECRET"`
}

type OAuthConfig struct {
	CodeTTL                       time.Duration `yaml:"code_ttl" env:"CODE_TTL"`
	AccessTokenTTL                time.Duration `yaml:"access_token_ttl" env:"ACCESS_TOKEN_TTL"`
	RefreshTokenTTL               time.Duration `yaml:"refresh_token_ttl" env:"REFRESH_TOKEN_TTL"`
	RotateRefreshTokens           bool          `yaml:"rotate_refresh_tokens" env:"ROTATE_REFRESH_TOKENS"`
	RestrictPublicClientRedirects bool          `yaml:"restrict_public_client_redirects" env:"RESTRICT_PUBLIC_CLIENT_REDIRECTS"`
	PublicClientRedirectURIs      []string      `yaml:"public_client_redirect_uris" env:"PUBLIC_CLIENT_REDIRECT_URIS" envSeparator:","`
	TokenCleanupInterval          time.Duration `yaml:"token_cleanup_interval" env:"TOKEN_CLEANUP_INTERVAL"`
}

type VerificationConfig struct {
	CodeDigits    int           `yaml:"code_digits" env:"CODE_DIGITS"`
	EmailTTL      time.Duration `yaml:"email_ttl" env:"EMAIL_TTL"`
	SMSTTL        time.Duration `yaml:"sms_ttl" env:"SMS_TTL"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	MaxAttempts   int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	DevEcho       bool          `yaml:"dev_echo" env:"DEV_ECHO"`
}

// CodeStoreConfig selects the backend for authorization and verification codes.
type CodeStoreConfig struct {
	Type    string        `yaml:"type" env:"TYPE"`
	Cleanup time.Duration `yaml:"cleanup" env:"CLEANUP"`
	Redis   RedisConfig   `yaml:"redis" envPrefix:"REDIS_"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Username string `yaml:"username,omitempty" env:"USERNAME"`
	Password string `yaml:"password,omitempty" env:"PASSWORD"`
	DB       int    `yaml:"db,omitempty" env:"DB"`
	Prefix   string `yaml:"prefix,omitempty" env:"PREFIX"`
}

type ObservabilityConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
}
