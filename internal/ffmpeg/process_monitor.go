package ffmpeg

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessStats contains resource usage statistics for an FFmpeg process.
type ProcessStats struct {
	PID int `json:"pid"`

	CPUPercent float64       `json:"cpu_percent"` // averaged over the process lifetime, 100 per core
	CPUUser    time.Duration `json:"cpu_user"`
	CPUSystem  time.Duration `json:"cpu_system"`

	MemoryRSSBytes uint64  `json:"memory_rss_bytes"`
	MemoryVMSBytes uint64  `json:"memory_vms_bytes"`
	MemoryPercent  float32 `json:"memory_percent"`
	Threads        int32   `json:"threads"`

	StartedAt time.Time     `json:"started_at"`
	Uptime    time.Duration `json:"uptime"`
	SampledAt time.Time     `json:"sampled_at"`
}

// SampleProcess reads the current resource usage of pid. Fields that the
// platform cannot report are left zero.
func SampleProcess(ctx context.Context, pid int, startedAt time.Time) (*ProcessStats, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, fmt.Errorf("inspecting process %d: %w", pid, err)
	}

	now := time.Now()
	stats := &ProcessStats{
		PID:       pid,
		StartedAt: startedAt,
		Uptime:    now.Sub(startedAt),
		SampledAt: now,
	}

	if pct, err := proc.CPUPercentWithContext(ctx); err == nil {
		stats.CPUPercent = pct
	}
	if times, err := proc.TimesWithContext(ctx); err == nil {
		stats.CPUUser = time.Duration(times.User * float64(time.Second))
		stats.CPUSystem = time.Duration(times.System * float64(time.Second))
	}
	if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
		stats.MemoryRSSBytes = mem.RSS
		stats.MemoryVMSBytes = mem.VMS
	}
	if pct, err := proc.MemoryPercentWithContext(ctx); err == nil {
		stats.MemoryPercent = pct
	}
	if n, err := proc.NumThreadsWithContext(ctx); err == nil {
		stats.Threads = n
	}
	return stats, nil
}

// Stats samples the resource usage of a running process.
func (p *Process) Stats(ctx context.Context) (*ProcessStats, error) {
	select {
	case <-p.done:
		return nil, fmt.Errorf("process %d has exited", p.Pid())
	default:
	}
	return SampleProcess(ctx, p.Pid(), p.started)
}
