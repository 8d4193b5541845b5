package observability

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

var counters = struct {
	sync.Mutex
	values map[string]float64
}{values: make(map[string]float64)}

// StartSpan records a lightweight span lifecycle around an operation.
func StartSpan(ctx context.Context, component, operation string) (context.Context, func(error)) {
	logger, cfg := current()
	if logger == nil || !cfg.Enabled {
		return ctx, func(error) {}
	}

	start := time.Now()
	return ctx, func(err error) {
		level := slog.LevelInfo
		attrs := []slog.Attr{
			slog.String("component", component),
			slog.String("operation", operation),
			slog.Duration("duration", time.Since(start)),
		}
		if err != nil {
			level = slog.LevelWarn
			attrs = append(attrs, slog.Any("error", err))
		}
		logger.LogAttrs(ctx, level, "[Obs] span", attrs...)
	}
}

// RecordMetric adds value to the named counter and, when enabled, emits the
// datapoint through the configured logger at info level.
func RecordMetric(ctx context.Context, name string, value float64, labels map[string]string) {
	counters.Lock()
	counters.values[name] += value
	counters.Unlock()

	logger, cfg := current()
	if logger == nil || !cfg.Enabled {
		return
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := []slog.Attr{
		slog.String("metric", name),
		slog.Float64("value", value),
	}
	for _, k := range keys {
		attrs = append(attrs, slog.String(k, labels[k]))
	}
	logger.LogAttrs(ctx, slog.LevelInfo, "[Obs] metric", attrs...)
}

// Snapshot returns the aggregated counters whose name starts with prefix.
func Snapshot(prefix string) map[string]float64 {
	counters.Lock()
	defer counters.Unlock()

	out := make(map[string]float64)
	for name, value := range counters.values {
		if strings.HasPrefix(name, prefix) {
			out[name] = value
		}
	}
	return out
}
