package httptransport

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"cmail-server-go/internal/platform/observability"
)

// StatsFunc reports the state of one backing store.
type StatsFunc func(ctx context.Context) (map[string]any, error)

// HealthHandler serves GET /healthz.
type HealthHandler struct {
	stats   map[string]StatsFunc
	started time.Time
}

func NewHealthHandler(stats map[string]StatsFunc) *HealthHandler {
	return &HealthHandler{stats: stats, started: time.Now()}
}

func (h *HealthHandler) Register(router *gin.RouterGroup) {
	router.GET("/healthz", h.handle)
}

func (h *HealthHandler) handle(c *gin.Context) {
	ctx := c.Request.Context()
	status := "ok"
	code := http.StatusOK

	stores := make(map[string]any, len(h.stats))
	for name, fn := range h.stats {
		s, err := fn(ctx)
		if err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
			stores[name] = gin.H{"error": "unavailable"}
			continue
		}
		stores[name] = s
	}

	metrics := observability.Snapshot("oauth.")
	for k, v := range observability.Snapshot("verification.") {
		metrics[k] = v
	}

	c.JSON(code, gin.H{
		"status":  status,
		"uptime":  time.Since(h.started).Round(time.Second).String(),
		"stores":  stores,
		"memory":  memoryReport(ctx),
		"metrics": metrics,
	})
}

func memoryReport(ctx context.Context) gin.H {
	report := gin.H{}
	if proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if info, err := proc.MemoryInfoWithContext(ctx); err == nil {
			report["rss_bytes"] = info.RSS
			report["vms_bytes"] = info.VMS
		}
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		report["system_used_percent"] = vm.UsedPercent
	}
	return report
}
