package metrics

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// firehoseGraceWindow is how long after startup a not-yet-connected consumer
// still counts as healthy, covering the first dial and backoff cycle.
const firehoseGraceWindow = time.Minute

// Pinger is a reachability probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthConfig bounds the readiness checks. MemoryLimitMB 0 disables the
// memory check.
type HealthConfig struct {
	MemoryLimitMB     int
	MemoryMaxFraction float64
}

// Health computes the readiness signal: queue reachable, index reachable,
// firehose connected (or within its grace window, or disabled), memory
// below the configured fraction.
type Health struct {
	cfg      HealthConfig
	queue    Pinger
	index    Pinger
	firehose FirehoseStatus // nil when ingestion is disabled
	heapUsed func() uint64  // swapped out in tests
}

// NewHealth wires the readiness checks.
func NewHealth(cfg HealthConfig, queue, index Pinger, firehose FirehoseStatus) *Health {
	return &Health{cfg: cfg, queue: queue, index: index, firehose: firehose, heapUsed: heapAlloc}
}

// CheckResult is the readiness verdict with per-check detail.
type CheckResult struct {
	Ready  bool              `json:"ready"`
	Checks map[string]string `json:"checks"`
}

// Ready runs every check and aggregates.
func (h *Health) Ready(ctx context.Context) CheckResult {
	res := CheckResult{Ready: true, Checks: make(map[string]string)}

	check := func(name string, ok bool, detail string) {
		if ok {
			res.Checks[name] = "ok"
			return
		}
		res.Ready = false
		res.Checks[name] = detail
	}

	if err := h.queue.Ping(ctx); err != nil {
		check("queue", false, err.Error())
	} else {
		check("queue", true, "")
	}

	if err := h.index.Ping(ctx); err != nil {
		check("index", false, err.Error())
	} else {
		check("index", true, "")
	}

	check("firehose", h.firehoseHealthy(), h.firehoseDetail())

	if h.cfg.MemoryLimitMB > 0 {
		used, limit := h.memoryUsage()
		check("memory", used <= limit,
			fmt.Sprintf("heap %d bytes over budget %d", used, limit))
	}

	return res
}

func (h *Health) firehoseHealthy() bool {
	if h.firehose == nil {
		return true
	}
	if h.firehose.Fatal() {
		return false
	}
	if h.firehose.Connected() {
		return true
	}
	return time.Since(h.firehose.StartedAt()) < firehoseGraceWindow
}

func (h *Health) firehoseDetail() string {
	if h.firehose == nil {
		return "disabled"
	}
	if h.firehose.Fatal() {
		return "stopped on fatal failure"
	}
	return "disconnected past grace window"
}

func (h *Health) memoryUsage() (used, limit uint64) {
	limitBytes := uint64(h.cfg.MemoryLimitMB) << 20
	return h.heapUsed(), uint64(float64(limitBytes) * h.cfg.MemoryMaxFraction)
}

func heapAlloc() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}
