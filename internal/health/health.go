// Package health implements the self-health endpoint supplementing C8
// (SPEC_FULL.md §5.2): goroutine counts, process uptime, CPU/memory,
// and a DB ping, reported alongside the plain spec.md "status":"ok"
// shape. The process-stat collection reuses the teacher's gopsutil
// dependency, repurposed here from process-churn detection
// (internal/monitor/process.go in the teacher) to self-reporting.
package health

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Pinger is the subset of *store.Store the health reporter needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Reporter builds health snapshots for the /health endpoint.
type Reporter struct {
	store     Pinger
	startedAt time.Time
	proc      *process.Process

	activeSessions func() int
}

// New builds a Reporter. activeSessions is an optional callback (the
// sessionizer's ActiveCount) reporting how many sessions are currently
// tracked in memory; nil omits that field.
func New(st Pinger, activeSessions func() int) *Reporter {
	r := &Reporter{
		store:          st,
		startedAt:      time.Now(),
		activeSessions: activeSessions,
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		r.proc = p
	}
	return r
}

// Snapshot is the JSON shape served at GET /health.
type Snapshot struct {
	Status         string  `json:"status"`
	UptimeSeconds  float64 `json:"uptimeSeconds"`
	Goroutines     int     `json:"goroutines"`
	CPUPercent     float64 `json:"cpuPercent,omitempty"`
	RSSBytes       uint64  `json:"rssBytes,omitempty"`
	DBOk           bool    `json:"dbOk"`
	ActiveSessions int     `json:"activeSessions,omitempty"`
}

// Check gathers a Snapshot. It never returns an error -- a failure to
// read process stats or ping the database degrades individual fields
// rather than failing the whole response, since /health must stay
// reachable even when a sub-check is unhealthy.
func (r *Reporter) Check(ctx context.Context) Snapshot {
	snap := Snapshot{
		Status:        "ok",
		UptimeSeconds: time.Since(r.startedAt).Seconds(),
		Goroutines:    runtime.NumGoroutine(),
	}

	if r.proc != nil {
		if cpu, err := r.proc.CPUPercentWithContext(ctx); err == nil {
			snap.CPUPercent = cpu
		}
		if mem, err := r.proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
			snap.RSSBytes = mem.RSS
		}
	}

	if r.store != nil {
		snap.DBOk = r.store.Ping(ctx) == nil
		if !snap.DBOk {
			snap.Status = "degraded"
		}
	}

	if r.activeSessions != nil {
		snap.ActiveSessions = r.activeSessions()
	}

	return snap
}
