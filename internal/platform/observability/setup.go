package observability

import (
	"context"
	"log/slog"
	"sync"
)

// Config captures observability toggles.
type Config struct {
	Enabled bool
}

// ShutdownFunc allows callers to tear down observability state.
type ShutdownFunc func(context.Context) error

var (
	stateMu            sync.RWMutex
	instrumentationLog *slog.Logger
	instrumentationCfg Config
)

func current() (*slog.Logger, Config) {
	stateMu.RLock()
	defer stateMu.RUnlock()
	return instrumentationLog, instrumentationCfg
}

// Setup installs the logger used for spans and metric datapoints. Counters are
// always aggregated; span/metric log lines are only emitted when enabled.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) (ShutdownFunc, error) {
	stateMu.Lock()
	instrumentationLog = logger
	instrumentationCfg = cfg
	stateMu.Unlock()

	if logger != nil {
		if cfg.Enabled {
			logger.InfoContext(ctx, "[Obs] span and metric logging enabled")
		} else {
			logger.InfoContext(ctx, "[Obs] span and metric logging disabled")
		}
	}
	return func(context.Context) error {
		stateMu.Lock()
		instrumentationLog = nil
		instrumentationCfg = Config{}
		stateMu.Unlock()
		return nil
	}, nil
}
