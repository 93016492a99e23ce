package domain

import "time"

// PressureLevel classifies how loaded the host is.
type PressureLevel string

const (
	PressureLow      PressureLevel = "low"
	PressureMedium   PressureLevel = "medium"
	PressureHigh     PressureLevel = "high"
	PressureCritical PressureLevel = "critical"
)

// Severity orders levels so the worst dimension can win.
func (l PressureLevel) Severity() int {
	switch l {
	case PressureMedium:
		return 1
	case PressureHigh:
		return 2
	case PressureCritical:
		return 3
	}
	return 0
}

type UsageStat struct {
	Used        uint64  `json:"used"`
	Total       uint64  `json:"total"`
	Percentage  float64 `json:"percentage"`
	IsOverLimit bool    `json:"is_over_limit"`
	Unknown     bool    `json:"unknown,omitempty"`
}

type ProcessStat struct {
	Count       int  `json:"count"`
	Limit       int  `json:"limit"`
	IsOverLimit bool `json:"is_over_limit"`
	Unknown     bool `json:"unknown,omitempty"`
}

type CPUStat struct {
	Usage   float64   `json:"usage"`
	Load    []float64 `json:"load"`
	Unknown bool      `json:"unknown,omitempty"`
}

type GenerationStat struct {
	ActiveJobs    int `json:"active_jobs"`
	QueuedJobs    int `json:"queued_jobs"`
	CompletedJobs int `json:"completed_jobs"`
	FailedJobs    int `json:"failed_jobs"`
}

// ResourceSnapshot is immutable once produced; the next sample replaces it.
type ResourceSnapshot struct {
	Memory     UsageStat      `json:"memory"`
	Disk       UsageStat      `json:"disk"`
	Processes  ProcessStat    `json:"processes"`
	CPU        CPUStat        `json:"cpu"`
	Generation GenerationStat `json:"generation"`
	Level      PressureLevel  `json:"level"`
	Degraded   []string       `json:"degraded,omitempty"`
	TakenAt    time.Time      `json:"taken_at"`
}

// Critical reports whether new work must be refused.
func (s ResourceSnapshot) Critical() bool {
	return s.Level == PressureCritical
}
