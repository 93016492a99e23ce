package services

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/manthysbr/jewelforge/internal/core/domain"
	"github.com/manthysbr/jewelforge/internal/core/ports"
)

const bytesPerMB = 1024 * 1024

// GenerationStatsFunc reports the engine's own load for inclusion in snapshots.
type GenerationStatsFunc func() domain.GenerationStat

// ResourceMonitor samples host pressure on an interval and publishes the
// result as an atomically replaced snapshot. Readers never block on sampling.
type ResourceMonitor struct {
	logger   *slog.Logger
	probe    ports.ResourceProbe
	interval time.Duration

	mu     sync.RWMutex
	limits domain.ResourceConfig
	genFn  GenerationStatsFunc

	latest    atomic.Pointer[domain.ResourceSnapshot]
	onSample  func(domain.ResourceSnapshot)
	sampleMu  sync.Mutex
	probeTime time.Duration
}

func NewResourceMonitor(logger *slog.Logger, probe ports.ResourceProbe, limits domain.ResourceConfig, monitoring domain.MonitoringConfig) *ResourceMonitor {
	return &ResourceMonitor{
		logger:    logger,
		probe:     probe,
		interval:  monitoring.SampleInterval(),
		limits:    limits,
		probeTime: 2 * time.Second,
	}
}

// AttachGenerationStats wires the scheduler's counters into snapshots.
func (m *ResourceMonitor) AttachGenerationStats(fn GenerationStatsFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.genFn = fn
}

// OnSample registers a hook run after each sample (metrics export).
func (m *ResourceMonitor) OnSample(fn func(domain.ResourceSnapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSample = fn
}

// UpdateLimits swaps thresholds at runtime; the next sample uses them.
func (m *ResourceMonitor) UpdateLimits(limits domain.ResourceConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits = limits
}

// Latest returns the most recent snapshot without sampling. Before the first
// sample every dimension is reported unknown at low pressure.
func (m *ResourceMonitor) Latest() domain.ResourceSnapshot {
	if snap := m.latest.Load(); snap != nil {
		return *snap
	}
	return domain.ResourceSnapshot{
		Memory:    domain.UsageStat{Unknown: true},
		Disk:      domain.UsageStat{Unknown: true},
		Processes: domain.ProcessStat{Unknown: true},
		CPU:       domain.CPUStat{Unknown: true},
		Level:     domain.PressureLow,
		Degraded:  []string{"memory", "disk", "processes", "cpu"},
	}
}

// Run samples until ctx is cancelled. Blocks.
func (m *ResourceMonitor) Run(ctx context.Context) error {
	m.logger.Info("resource monitor started", "interval", m.interval)
	m.Sample(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("resource monitor stopped")
			return nil
		case <-ticker.C:
			m.Sample(ctx)
		}
	}
}

// Sample measures every dimension, classifies pressure, and replaces the
// latest snapshot. A dimension that cannot be measured is flagged degraded
// and treated as not over limit.
func (m *ResourceMonitor) Sample(ctx context.Context) domain.ResourceSnapshot {
	m.sampleMu.Lock()
	defer m.sampleMu.Unlock()

	m.mu.RLock()
	limits := m.limits
	genFn := m.genFn
	onSample := m.onSample
	m.mu.RUnlock()

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTime)
	defer cancel()

	snap := domain.ResourceSnapshot{TakenAt: time.Now()}

	if used, total, err := m.probe.Memory(probeCtx); err != nil {
		snap.Memory = domain.UsageStat{Unknown: true}
		snap.Degraded = append(snap.Degraded, "memory")
		m.logger.Debug("memory sample failed", "error", err)
	} else {
		snap.Memory = usage(used, total)
		if limits.MaxMemoryMB > 0 && used/bytesPerMB >= limits.MaxMemoryMB {
			snap.Memory.IsOverLimit = true
		}
		if limits.Thresholds.Critical > 0 && snap.Memory.Percentage >= limits.Thresholds.Critical {
			snap.Memory.IsOverLimit = true
		}
	}

	if used, total, err := m.probe.Disk(probeCtx, limits.DiskPath); err != nil {
		snap.Disk = domain.UsageStat{Unknown: true}
		snap.Degraded = append(snap.Degraded, "disk")
		m.logger.Debug("disk sample failed", "path", limits.DiskPath, "error", err)
	} else {
		snap.Disk = usage(used, total)
		snap.Disk.IsOverLimit = limits.Thresholds.Critical > 0 && snap.Disk.Percentage >= limits.Thresholds.Critical
	}

	if count, err := m.probe.ProcessCount(probeCtx); err != nil {
		snap.Processes = domain.ProcessStat{Unknown: true, Limit: limits.MaxProcesses}
		snap.Degraded = append(snap.Degraded, "processes")
		m.logger.Debug("process sample failed", "error", err)
	} else {
		snap.Processes = domain.ProcessStat{
			Count:       count,
			Limit:       limits.MaxProcesses,
			IsOverLimit: limits.MaxProcesses > 0 && count >= limits.MaxProcesses,
		}
	}

	if cpuUsage, load, err := m.probe.CPU(probeCtx); err != nil {
		snap.CPU = domain.CPUStat{Unknown: true}
		snap.Degraded = append(snap.Degraded, "cpu")
		m.logger.Debug("cpu sample failed", "error", err)
	} else {
		snap.CPU = domain.CPUStat{Usage: cpuUsage, Load: load}
	}

	if genFn != nil {
		snap.Generation = genFn()
	}

	snap.Level = Classify(snap, limits.Thresholds)
	m.latest.Store(&snap)

	if onSample != nil {
		onSample(snap)
	}
	return snap
}

// Classify returns the highest pressure level across memory, disk and
// process usage. Over-limit dimensions are critical; unknown ones are low.
func Classify(snap domain.ResourceSnapshot, t domain.PressureThresholds) domain.PressureLevel {
	worst := domain.PressureLow
	consider := func(level domain.PressureLevel) {
		if level.Severity() > worst.Severity() {
			worst = level
		}
	}

	if !snap.Memory.Unknown {
		consider(levelFor(snap.Memory.Percentage, snap.Memory.IsOverLimit, t))
	}
	if !snap.Disk.Unknown {
		consider(levelFor(snap.Disk.Percentage, snap.Disk.IsOverLimit, t))
	}
	if !snap.Processes.Unknown {
		pct := 0.0
		if snap.Processes.Limit > 0 {
			pct = float64(snap.Processes.Count) / float64(snap.Processes.Limit) * 100
		}
		consider(levelFor(pct, snap.Processes.IsOverLimit, t))
	}
	return worst
}

func levelFor(pct float64, overLimit bool, t domain.PressureThresholds) domain.PressureLevel {
	switch {
	case overLimit || (t.Critical > 0 && pct >= t.Critical):
		return domain.PressureCritical
	case t.High > 0 && pct >= t.High:
		return domain.PressureHigh
	case t.Medium > 0 && pct >= t.Medium:
		return domain.PressureMedium
	}
	return domain.PressureLow
}

func usage(used, total uint64) domain.UsageStat {
	stat := domain.UsageStat{Used: used, Total: total}
	if total > 0 {
		stat.Percentage = float64(used) / float64(total) * 100
	}
	return stat
}
