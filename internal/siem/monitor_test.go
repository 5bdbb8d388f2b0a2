package siem

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/agentgate/internal/config"
	"github.com/fyrsmithlabs/agentgate/internal/logging"
	"github.com/fyrsmithlabs/agentgate/internal/security"
)

type captureSink struct {
	mu     sync.Mutex
	events []security.Event
}

func (c *captureSink) Record(_ context.Context, e security.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureSink) all() []security.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]security.Event, len(c.events))
	copy(out, c.events)
	return out
}

type captureResponder struct {
	mu        sync.Mutex
	throttled []string
	killed    []string
}

func (c *captureResponder) Throttle(_ context.Context, pluginID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.throttled = append(c.throttled, pluginID)
}

func (c *captureResponder) Kill(_ context.Context, pluginID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.killed = append(c.killed, pluginID)
}

func testSIEMConfig() config.SIEMConfig {
	return config.SIEMConfig{
		WarmupSamples:    20,
		AnomalyThreshold: 2.0,
		SampleInterval:   config.Duration(5 * time.Second),
	}
}

func newTestMonitor(t *testing.T) (*Monitor, *captureSink, *captureResponder) {
	t.Helper()
	sink := &captureSink{}
	responder := &captureResponder{}
	m := New(testSIEMConfig(), sink, responder, logging.NewTestLogger().Logger)
	return m, sink, responder
}

// warmUp feeds samples alternating around 10% CPU so the baseline has a
// non-zero spread: mean 10, stddev ~1 on every dimension.
func warmUp(t *testing.T, m *Monitor, pluginID string) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		offset := float64(i%2)*2 - 1 // -1, +1, -1, ...
		sample := Metrics{
			CPUPercent:    10 + offset,
			MemoryPercent: 10 + offset,
			Connections:   10 + offset,
			Processes:     10 + offset,
		}
		anomaly, err := m.Observe(ctx, pluginID, sample)
		require.NoError(t, err)
		assert.Nil(t, anomaly, "warm-up samples must not raise anomalies")
	}
}

func TestObserveRequiresRegistration(t *testing.T) {
	m, _, _ := newTestMonitor(t)
	_, err := m.Observe(context.Background(), "ghost", Metrics{})
	assert.ErrorIs(t, err, ErrProcessNotRegistered)
}

func TestWarmupEstablishesBaseline(t *testing.T) {
	ctx := context.Background()
	m, sink, _ := newTestMonitor(t)

	m.RegisterProcess(ctx, "p1")
	warmUp(t, m, "p1")
	assert.Empty(t, sink.all())

	// In-profile samples after warm-up stay quiet.
	anomaly, err := m.Observe(ctx, "p1", Metrics{CPUPercent: 10.5, MemoryPercent: 10, Connections: 10, Processes: 10})
	require.NoError(t, err)
	assert.Nil(t, anomaly)
}

func TestAnomalySeverityGrading(t *testing.T) {
	// Baseline: mean 10, stddev ~1 on each dimension.
	tests := []struct {
		name     string
		cpu      float64
		severity security.Severity
	}{
		{"medium above 2 sigma", 12.6, security.SeverityMedium},
		{"high above 3 sigma", 13.5, security.SeverityHigh},
		{"critical above 5 sigma", 20, security.SeverityCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m, sink, _ := newTestMonitor(t)
			m.RegisterProcess(ctx, "p1")
			warmUp(t, m, "p1")

			anomaly, err := m.Observe(ctx, "p1", Metrics{
				CPUPercent: tt.cpu, MemoryPercent: 10, Connections: 10, Processes: 10,
			})
			require.NoError(t, err)
			require.NotNil(t, anomaly)
			assert.Equal(t, tt.severity, anomaly.Severity)
			assert.Equal(t, "cpu_percent", anomaly.Dimension)

			events := sink.all()
			require.Len(t, events, 1)
			assert.Equal(t, "behavior.anomaly", events[0].Kind)
			assert.Equal(t, tt.severity, events[0].Severity)
		})
	}
}

func TestHighAnomalyThrottles(t *testing.T) {
	ctx := context.Background()
	m, _, responder := newTestMonitor(t)
	m.RegisterProcess(ctx, "p1")
	warmUp(t, m, "p1")

	_, err := m.Observe(ctx, "p1", Metrics{CPUPercent: 14, MemoryPercent: 10, Connections: 10, Processes: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, responder.throttled)
	assert.Empty(t, responder.killed)
	assert.False(t, m.IsQuarantined("p1"))
}

func TestCriticalAnomalyQuarantinesAndKills(t *testing.T) {
	ctx := context.Background()
	m, _, responder := newTestMonitor(t)
	m.RegisterProcess(ctx, "p1")
	warmUp(t, m, "p1")

	_, err := m.Observe(ctx, "p1", Metrics{CPUPercent: 90, MemoryPercent: 10, Connections: 10, Processes: 10})
	require.NoError(t, err)
	assert.True(t, m.IsQuarantined("p1"))
	assert.Equal(t, []string{"p1"}, responder.killed)

	// Further critical samples while quarantined do not kill again.
	_, err = m.Observe(ctx, "p1", Metrics{CPUPercent: 95, MemoryPercent: 10, Connections: 10, Processes: 10})
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, responder.killed)
}

func TestReleaseQuarantine(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMonitor(t)
	m.RegisterProcess(ctx, "p1")
	warmUp(t, m, "p1")

	_, err := m.Observe(ctx, "p1", Metrics{CPUPercent: 90, MemoryPercent: 10, Connections: 10, Processes: 10})
	require.NoError(t, err)
	require.True(t, m.IsQuarantined("p1"))

	require.NoError(t, m.ReleaseQuarantine(ctx, "p1"))
	assert.False(t, m.IsQuarantined("p1"))
	assert.ErrorIs(t, m.ReleaseQuarantine(ctx, "p1"), ErrNotQuarantined)
}

func TestBaselineReadOnlyAfterWarmup(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMonitor(t)
	m.RegisterProcess(ctx, "p1")
	warmUp(t, m, "p1")

	// A sustained elevated load keeps deviating: the baseline does not
	// drift toward the anomalous behavior.
	for i := 0; i < 50; i++ {
		anomaly, err := m.Observe(ctx, "p1", Metrics{CPUPercent: 20, MemoryPercent: 10, Connections: 10, Processes: 10})
		require.NoError(t, err)
		require.NotNil(t, anomaly)
		assert.Equal(t, security.SeverityCritical, anomaly.Severity)
	}
}

func TestRebaseline(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMonitor(t)
	m.RegisterProcess(ctx, "p1")
	warmUp(t, m, "p1")

	require.NoError(t, m.Rebaseline(ctx, "p1"))

	// Back in warm-up: previously anomalous load trains the new baseline.
	anomaly, err := m.Observe(ctx, "p1", Metrics{CPUPercent: 20, MemoryPercent: 20, Connections: 20, Processes: 20})
	require.NoError(t, err)
	assert.Nil(t, anomaly)

	assert.ErrorIs(t, m.Rebaseline(ctx, "ghost"), ErrProcessNotRegistered)
}

func TestUnregisterClearsQuarantine(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMonitor(t)
	m.RegisterProcess(ctx, "p1")
	warmUp(t, m, "p1")

	_, err := m.Observe(ctx, "p1", Metrics{CPUPercent: 90, MemoryPercent: 10, Connections: 10, Processes: 10})
	require.NoError(t, err)
	require.True(t, m.IsQuarantined("p1"))

	m.Unregister("p1")
	assert.False(t, m.IsQuarantined("p1"))
	_, err = m.Observe(ctx, "p1", Metrics{})
	assert.ErrorIs(t, err, ErrProcessNotRegistered)
}

func TestStatusListsMonitoredAndQuarantined(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMonitor(t)
	m.RegisterProcess(ctx, "p2")
	m.RegisterProcess(ctx, "p1")
	warmUp(t, m, "p1")

	_, err := m.Observe(ctx, "p1", Metrics{CPUPercent: 90, MemoryPercent: 10, Connections: 10, Processes: 10})
	require.NoError(t, err)

	snap := m.Status()
	assert.Equal(t, []string{"p1", "p2"}, snap.Monitored)
	assert.Equal(t, []string{"p1"}, snap.Quarantined)
}
