// Package system measures the local host with gopsutil.
package system

import (
	"context"
	"fmt"

	"github.com/manthysbr/jewelforge/internal/core/ports"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// Probe reads host memory, disk, process and CPU figures.
type Probe struct{}

var _ ports.ResourceProbe = Probe{}

func NewProbe() Probe {
	return Probe{}
}

func (Probe) Memory(ctx context.Context) (uint64, uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("read memory: %w", err)
	}
	return vm.Used, vm.Total, nil
}

func (Probe) Disk(ctx context.Context, path string) (uint64, uint64, error) {
	if path == "" {
		path = "/"
	}
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, 0, fmt.Errorf("read disk usage for %s: %w", path, err)
	}
	return u.Used, u.Total, nil
}

func (Probe) ProcessCount(ctx context.Context) (int, error) {
	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("list processes: %w", err)
	}
	return len(pids), nil
}

// CPU returns usage since the previous call and the 1/5/15 minute load
// averages. Load is omitted on platforms that do not report it.
func (Probe) CPU(ctx context.Context) (float64, []float64, error) {
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, nil, fmt.Errorf("read cpu usage: %w", err)
	}
	var usage float64
	if len(pct) > 0 {
		usage = pct[0]
	}

	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return usage, nil, nil
	}
	return usage, []float64{avg.Load1, avg.Load5, avg.Load15}, nil
}
