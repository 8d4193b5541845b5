package config

import "time"

// DefaultConfig returns the configuration used when no file or environment
// override is present.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			IP:              "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level: "INFO",
			Dir:   "data/logs",
			File:  "server.log",
		},
		Web: WebConfig{
			AllowedOrigins: []string{"*"},
		},
		Database: DatabaseConfig{
			DSN: "data/cmail.db",
		},
		OAuth: OAuthConfig{
			CodeTTL:              10 * time.Minute,
			AccessTokenTTL:       time.Hour,
			RefreshTokenTTL:      30 * 24 * time.Hour,
			TokenCleanupInterval: time.Hour,
		},
		Verification: VerificationConfig{
			CodeDigits:    6,
			EmailTTL:      10 * time.Minute,
			SMSTTL:        5 * time.Minute,
			SweepInterval: time.Minute,
			MaxAttempts:   5,
		},
		CodeStore: CodeStoreConfig{
			Type:    "memory",
			Cleanup: time.Minute,
			Redis: RedisConfig{
				Addr:   "127.0.0.1:6379",
				Prefix: "cmail:",
			},
		},
	}
}
