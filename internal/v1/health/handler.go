// Package health serves the Kubernetes-style probe endpoints plus a system
// stats endpoint for dashboards.
package health

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/vibespeak/realtime/internal/v1/logging"
	"github.com/vibespeak/realtime/internal/v1/types"
	"github.com/vibespeak/realtime/internal/v1/voice"
)

// cpuSampleInterval paces the background CPU sampling loop.
const cpuSampleInterval = 10 * time.Second

// VoiceProber is the slice of the UDP relay the readiness check needs: a
// stats round-trip proves the relay loop is alive and draining its mailbox.
type VoiceProber interface {
	Snapshot(ctx context.Context) (voice.Stats, error)
}

// Handler manages the health and stats endpoints.
type Handler struct {
	bus       types.BusService
	relay     VoiceProber
	startedAt time.Time

	mu         sync.RWMutex
	cpuPercent float64
}

// NewHandler wires the health endpoints. Either dependency may be nil; a
// missing dependency is reported healthy rather than blocking rollout.
func NewHandler(busService types.BusService, relay VoiceProber) *Handler {
	return &Handler{
		bus:       busService,
		relay:     relay,
		startedAt: time.Now(),
	}
}

// Run samples system load until ctx is cancelled. The first sample primes
// gopsutil's baseline; later samples are smoothed with an exponential moving
// average so one busy tick doesn't spike the reported value.
func (h *Handler) Run(ctx context.Context) {
	ticker := time.NewTicker(cpuSampleInterval)
	defer ticker.Stop()

	h.sampleCPU()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sampleCPU()
		}
	}
}

func (h *Handler) sampleCPU() {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return
	}
	current := percents[0]

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cpuPercent == 0 {
		h.cpuPercent = current
		return
	}
	const alpha = 0.3
	h.cpuPercent = alpha*current + (1-alpha)*h.cpuPercent
}

// LivenessResponse is the liveness probe body.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the readiness probe body.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. Returns 200 whenever the process is up;
// no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. Returns 200 only when every critical
// dependency answers; 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{
		"bus":         h.checkBus(ctx),
		"voice_relay": h.checkRelay(ctx),
	}

	status, statusCode := "ready", http.StatusOK
	for _, v := range checks {
		if v != "healthy" {
			status, statusCode = "unavailable", http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkBus(ctx context.Context) string {
	if h.bus == nil {
		return "healthy" // single-instance mode
	}
	if err := h.bus.Ping(ctx); err != nil {
		logging.Error(ctx, "Bus health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

func (h *Handler) checkRelay(ctx context.Context) string {
	if h.relay == nil {
		return "healthy" // voice plane disabled
	}
	probeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if _, err := h.relay.Snapshot(probeCtx); err != nil {
		logging.Error(ctx, "Voice relay health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

// MemoryStats is the memory block of the stats body.
type MemoryStats struct {
	UsedPercent float64 `json:"usedPercent"`
	UsedMB      float64 `json:"usedMB"`
	TotalMB     float64 `json:"totalMB"`
	HeapAllocMB float64 `json:"heapAllocMB"`
	GCCount     uint32  `json:"gcCount"`
}

// LoadStats is the load-average block of the stats body.
type LoadStats struct {
	Load1  float64 `json:"load1"`
	Load5  float64 `json:"load5"`
	Load15 float64 `json:"load15"`
}

// StatsResponse is the system stats body.
type StatsResponse struct {
	Status        string      `json:"status"`
	UptimeSeconds float64     `json:"uptimeSeconds"`
	Goroutines    int         `json:"goroutines"`
	CPUPercent    float64     `json:"cpuPercent"`
	Memory        MemoryStats `json:"memory"`
	Load          *LoadStats  `json:"load,omitempty"`
	Timestamp     string      `json:"timestamp"`
}

// Stats handles GET /health/stats.
func (h *Handler) Stats(c *gin.Context) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	h.mu.RLock()
	cpuPercent := h.cpuPercent
	h.mu.RUnlock()

	resp := StatsResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(h.startedAt).Seconds(),
		Goroutines:    runtime.NumGoroutine(),
		CPUPercent:    cpuPercent,
		Memory: MemoryStats{
			HeapAllocMB: float64(ms.HeapAlloc) / 1024 / 1024,
			GCCount:     ms.NumGC,
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp.Memory.UsedPercent = vm.UsedPercent
		resp.Memory.UsedMB = float64(vm.Used) / 1024 / 1024
		resp.Memory.TotalMB = float64(vm.Total) / 1024 / 1024
	}
	if avg, err := load.Avg(); err == nil {
		resp.Load = &LoadStats{Load1: avg.Load1, Load5: avg.Load5, Load15: avg.Load15}
	}

	c.JSON(http.StatusOK, resp)
}
