package health

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/toolgate/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

type fakeSampler struct {
	sample Sample
	err    error
	calls  atomic.Int32
}

func (f *fakeSampler) Sample(ctx context.Context) (Sample, error) {
	f.calls.Add(1)
	return f.sample, f.err
}

type fixedRate float64

func (r fixedRate) ErrorRate(time.Duration) float64 { return float64(r) }

func TestEvaluate(t *testing.T) {
	th := DefaultThresholds()

	tests := []struct {
		name       string
		sample     Sample
		errorRate  float64
		wantStatus Status
		wantIssues int
	}{
		{name: "all quiet", sample: Sample{CPUPercent: 5, MemoryPercent: 10}, wantStatus: StatusHealthy},
		{name: "error rate degraded", sample: Sample{}, errorRate: 0.2, wantStatus: StatusDegraded, wantIssues: 1},
		{name: "error rate unhealthy", sample: Sample{}, errorRate: 0.6, wantStatus: StatusUnhealthy, wantIssues: 1},
		{name: "cpu degraded", sample: Sample{CPUPercent: 85}, wantStatus: StatusDegraded, wantIssues: 1},
		{name: "memory unhealthy", sample: Sample{MemoryPercent: 97}, wantStatus: StatusUnhealthy, wantIssues: 1},
		{
			name:       "worst finding wins",
			sample:     Sample{CPUPercent: 99, MemoryPercent: 85},
			errorRate:  0.15,
			wantStatus: StatusUnhealthy,
			wantIssues: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, issues := Evaluate(tt.sample, tt.errorRate, th)
			assert.Equal(t, tt.wantStatus, status)
			assert.Len(t, issues, tt.wantIssues)
		})
	}
}

func TestEvaluateZeroThresholdsDisabled(t *testing.T) {
	status, issues := Evaluate(Sample{CPUPercent: 100, MemoryPercent: 100}, 1, Thresholds{})
	assert.Equal(t, StatusHealthy, status)
	assert.Empty(t, issues)
}

func TestMonitorSampleNow(t *testing.T) {
	s := &fakeSampler{sample: Sample{CPUPercent: 90, Goroutines: 12}}
	m := NewMonitor(s, fixedRate(0), DefaultThresholds(), time.Minute)

	_, ok := m.Latest()
	assert.False(t, ok)

	r := m.SampleNow(context.Background())
	assert.Equal(t, StatusDegraded, r.Status)
	require.Len(t, r.Issues, 1)
	assert.Contains(t, r.Issues[0], "cpu usage is 90.0%")
	assert.Equal(t, 12, r.Sample.Goroutines)

	latest, ok := m.Latest()
	require.True(t, ok)
	assert.Equal(t, r.CheckedAt, latest.CheckedAt)

	// Current reuses the stored report.
	m.Current(context.Background())
	assert.EqualValues(t, 1, s.calls.Load())
}

func TestMonitorSamplingFailure(t *testing.T) {
	s := &fakeSampler{err: errors.New("permission denied")}
	m := NewMonitor(s, nil, DefaultThresholds(), 0)

	r := m.SampleNow(context.Background())
	assert.Equal(t, StatusDegraded, r.Status)
	require.Len(t, r.Issues, 1)
	assert.Contains(t, r.Issues[0], "permission denied")
}

func TestMonitorUsesErrorRate(t *testing.T) {
	m := NewMonitor(&fakeSampler{}, fixedRate(0.75), DefaultThresholds(), 0)
	r := m.SampleNow(context.Background())
	assert.Equal(t, StatusUnhealthy, r.Status)
	assert.InDelta(t, 0.75, r.ErrorRate, 1e-9)
}

func TestMonitorStart(t *testing.T) {
	s := &fakeSampler{}
	m := NewMonitor(s, nil, DefaultThresholds(), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return s.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}

	r, ok := m.Latest()
	require.True(t, ok)
	assert.Equal(t, StatusHealthy, r.Status)
}

func TestProcessSampler(t *testing.T) {
	s, err := NewProcessSampler()
	require.NoError(t, err)

	sample, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Greater(t, sample.MemoryRSS, uint64(0))
	assert.Greater(t, sample.Goroutines, 0)
}
