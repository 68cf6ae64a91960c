// Package health samples process resource usage on an interval and combines it
// with the recent execution error rate into a coarse status.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/mattjoyce/toolgate/internal/log"
)

// Status is the coarse health of the process.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// DefaultInterval is how often Start samples when no interval is configured.
const DefaultInterval = 30 * time.Second

// Sample is one reading of process resource usage.
type Sample struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryRSS     uint64  `json:"memory_rss_bytes"`
	Goroutines    int     `json:"goroutines"`
}

// Sampler reads current resource usage.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// ErrorRater reports the failed fraction of recent executions.
type ErrorRater interface {
	ErrorRate(window time.Duration) float64
}

// ProcessSampler reads the current process's usage with gopsutil.
type ProcessSampler struct {
	proc *process.Process
}

func NewProcessSampler() (*ProcessSampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("open process handle: %w", err)
	}
	return &ProcessSampler{proc: p}, nil
}

func (s *ProcessSampler) Sample(ctx context.Context) (Sample, error) {
	cpu, err := s.proc.CPUPercentWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("read cpu: %w", err)
	}
	memPct, err := s.proc.MemoryPercentWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("read memory percent: %w", err)
	}
	mem, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("read memory info: %w", err)
	}
	return Sample{
		CPUPercent:    cpu,
		MemoryPercent: float64(memPct),
		MemoryRSS:     mem.RSS,
		Goroutines:    runtime.NumGoroutine(),
	}, nil
}

// Thresholds are the limits that move the status off healthy. Error rates are
// fractions in [0,1]; CPU and memory are percentages.
type Thresholds struct {
	ErrorWindow        time.Duration `yaml:"error_window" toml:"error_window"`
	ErrorRateDegraded  float64       `yaml:"error_rate_degraded" toml:"error_rate_degraded"`
	ErrorRateUnhealthy float64       `yaml:"error_rate_unhealthy" toml:"error_rate_unhealthy"`
	CPUDegraded        float64       `yaml:"cpu_degraded" toml:"cpu_degraded"`
	CPUUnhealthy       float64       `yaml:"cpu_unhealthy" toml:"cpu_unhealthy"`
	MemoryDegraded     float64       `yaml:"memory_degraded" toml:"memory_degraded"`
	MemoryUnhealthy    float64       `yaml:"memory_unhealthy" toml:"memory_unhealthy"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		ErrorWindow:        5 * time.Minute,
		ErrorRateDegraded:  0.10,
		ErrorRateUnhealthy: 0.50,
		CPUDegraded:        80,
		CPUUnhealthy:       95,
		MemoryDegraded:     80,
		MemoryUnhealthy:    95,
	}
}

// Report is the outcome of one health evaluation.
type Report struct {
	Status    Status    `json:"status"`
	Issues    []string  `json:"issues"`
	Sample    Sample    `json:"sample"`
	ErrorRate float64   `json:"error_rate"`
	CheckedAt time.Time `json:"checked_at"`
	Uptime    string    `json:"uptime"`
}

// Evaluate maps a sample and error rate onto a status and its issues. The
// worst individual finding wins.
func Evaluate(s Sample, errorRate float64, th Thresholds) (Status, []string) {
	status := StatusHealthy
	issues := []string{}

	check := func(value, degraded, unhealthy float64, format string) {
		switch {
		case unhealthy > 0 && value >= unhealthy:
			status = StatusUnhealthy
			issues = append(issues, fmt.Sprintf(format, value)+" (critical)")
		case degraded > 0 && value >= degraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
			issues = append(issues, fmt.Sprintf(format, value))
		}
	}

	check(errorRate*100, th.ErrorRateDegraded*100, th.ErrorRateUnhealthy*100, "recent error rate is %.1f%%")
	check(s.CPUPercent, th.CPUDegraded, th.CPUUnhealthy, "cpu usage is %.1f%%")
	check(s.MemoryPercent, th.MemoryDegraded, th.MemoryUnhealthy, "memory usage is %.1f%%")
	return status, issues
}

// Monitor samples on an interval and keeps the latest Report.
type Monitor struct {
	sampler    Sampler
	rater      ErrorRater
	thresholds Thresholds
	interval   time.Duration
	started    time.Time
	logger     *slog.Logger

	mu     sync.RWMutex
	latest *Report
}

// NewMonitor builds a monitor. rater may be nil, in which case the error rate is 0.
func NewMonitor(sampler Sampler, rater ErrorRater, th Thresholds, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if th.ErrorWindow <= 0 {
		th.ErrorWindow = DefaultThresholds().ErrorWindow
	}
	return &Monitor{
		sampler:    sampler,
		rater:      rater,
		thresholds: th,
		interval:   interval,
		started:    time.Now(),
		logger:     log.WithComponent("health"),
	}
}

// SampleNow takes a reading, stores it as the latest report and returns it.
func (m *Monitor) SampleNow(ctx context.Context) Report {
	var errRate float64
	if m.rater != nil {
		errRate = m.rater.ErrorRate(m.thresholds.ErrorWindow)
	}

	sample, err := m.sampler.Sample(ctx)
	status, issues := Evaluate(sample, errRate, m.thresholds)
	if err != nil {
		m.logger.Warn("resource sampling failed", "error", err)
		if status == StatusHealthy {
			status = StatusDegraded
		}
		issues = append(issues, "resource sampling failed: "+err.Error())
	}

	r := Report{
		Status:    status,
		Issues:    issues,
		Sample:    sample,
		ErrorRate: errRate,
		CheckedAt: time.Now().UTC(),
		Uptime:    time.Since(m.started).Truncate(time.Second).String(),
	}

	m.mu.Lock()
	prev := m.latest
	m.latest = &r
	m.mu.Unlock()

	if prev == nil || prev.Status != r.Status {
		m.logger.Info("health status", "status", r.Status, "issues", r.Issues)
	}
	return r
}

// Latest returns the most recent report, or false before the first sample.
func (m *Monitor) Latest() (Report, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.latest == nil {
		return Report{}, false
	}
	return *m.latest, true
}

// Current returns the latest report, sampling first if none exists yet.
func (m *Monitor) Current(ctx context.Context) Report {
	if r, ok := m.Latest(); ok {
		return r
	}
	return m.SampleNow(ctx)
}

// Start samples immediately and then on every interval until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.logger.Info("health monitor started", "interval", m.interval)
	m.SampleNow(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped")
			return
		case <-ticker.C:
			m.SampleNow(ctx)
		}
	}
}
