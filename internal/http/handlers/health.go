package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ActiveCounter reports how many sessions have a running encoder.
type ActiveCounter interface {
	ActiveCount() int
}

// HealthHandler serves liveness, readiness and system information.
type HealthHandler struct {
	version   string
	startTime time.Time
	store     Pinger
	sessions  ActiveCounter
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{version: version, startTime: time.Now()}
}

// WithStore sets the session store checked by readiness.
func (h *HealthHandler) WithStore(p Pinger) *HealthHandler {
	h.store = p
	return h
}

// WithSessions sets the source of the active session count.
func (h *HealthHandler) WithSessions(c ActiveCounter) *HealthHandler {
	h.sessions = c
	return h
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "livez",
		Method:      http.MethodGet,
		Path:        "/livez",
		Summary:     "Liveness probe",
		Tags:        []string{"System"},
	}, h.GetLivez)

	huma.Register(api, huma.Operation{
		OperationID: "readyz",
		Method:      http.MethodGet,
		Path:        "/readyz",
		Summary:     "Readiness probe",
		Description: "Reports ready once the session store answers",
		Tags:        []string{"System"},
	}, h.GetReadyz)

	huma.Register(api, huma.Operation{
		OperationID: "systemInfo",
		Method:      http.MethodGet,
		Path:        "/api/v1/system",
		Summary:     "System information",
		Tags:        []string{"System"},
	}, h.GetSystem)
}

// LivezInput is the input for the liveness probe.
type LivezInput struct{}

// LivezOutput is the output for the liveness probe.
type LivezOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// GetLivez always reports ok while the process serves requests.
func (h *HealthHandler) GetLivez(_ context.Context, _ *LivezInput) (*LivezOutput, error) {
	out := &LivezOutput{}
	out.Body.Status = "ok"
	return out, nil
}

// ReadyzInput is the input for the readiness probe.
type ReadyzInput struct{}

// ReadyzOutput is the output for the readiness probe.
type ReadyzOutput struct {
	Status int
	Body   struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
}

// GetReadyz reports whether the store is reachable. Not-ready answers 503.
func (h *HealthHandler) GetReadyz(ctx context.Context, _ *ReadyzInput) (*ReadyzOutput, error) {
	out := &ReadyzOutput{Status: http.StatusOK}
	out.Body.Status = "ready"
	out.Body.Components = map[string]string{"store": "ok"}

	switch {
	case h.store == nil:
		out.Body.Components["store"] = "not_configured"
	default:
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := h.store.Ping(pctx); err != nil {
			out.Body.Components["store"] = "error: " + err.Error()
		}
	}
	if out.Body.Components["store"] != "ok" {
		out.Status = http.StatusServiceUnavailable
		out.Body.Status = "not_ready"
	}
	return out, nil
}

// SystemInfo describes the host and the relay.
type SystemInfo struct {
	Version        string  `json:"version"`
	Uptime         string  `json:"uptime"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	ActiveSessions int     `json:"active_sessions"`
	Cores          int     `json:"cores"`
	Load1Min       float64 `json:"load_1min"`
	Load5Min       float64 `json:"load_5min"`
	Load15Min      float64 `json:"load_15min"`
	MemoryTotal    uint64  `json:"memory_total_bytes,omitempty"`
	MemoryUsedPct  float64 `json:"memory_used_percent,omitempty"`
}

// SystemOutput is the output for system information.
type SystemOutput struct {
	Body SystemInfo
}

// GetSystem returns host load, memory and relay counters.
func (h *HealthHandler) GetSystem(ctx context.Context, _ *struct{}) (*SystemOutput, error) {
	uptime := time.Since(h.startTime)
	info := SystemInfo{
		Version:       h.version,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		Cores:         runtime.NumCPU(),
	}
	if h.sessions != nil {
		info.ActiveSessions = h.sessions.ActiveCount()
	}
	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		info.Load1Min, info.Load5Min, info.Load15Min = avg.Load1, avg.Load5, avg.Load15
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		info.MemoryTotal = vm.Total
		info.MemoryUsedPct = vm.UsedPercent
	}
	return &SystemOutput{Body: info}, nil
}
