// Package siem watches plugin runtime behavior against per-plugin
// baselines. Each monitored plugin goes through a warm-up phase where its
// normal resource profile is learned; after that, deviations from the
// baseline grade into anomalies and drive an escalating response: log,
// throttle, quarantine.
package siem

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentgate/internal/config"
	"github.com/fyrsmithlabs/agentgate/internal/logging"
	"github.com/fyrsmithlabs/agentgate/internal/security"
)

// Errors for monitor operations.
var (
	ErrProcessNotRegistered = errors.New("process not registered with monitor")
	ErrNotQuarantined       = errors.New("plugin is not quarantined")
)

// Metrics is one behavioral sample for a plugin.
type Metrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	Connections   float64 `json:"connections"`
	Processes     float64 `json:"processes"`
}

// dimensions orders the metric fields for baseline bookkeeping.
var dimensions = []string{"cpu_percent", "memory_percent", "connections", "processes"}

func (m Metrics) values() [4]float64 {
	return [4]float64{m.CPUPercent, m.MemoryPercent, m.Connections, m.Processes}
}

// Anomaly is one graded deviation from a plugin's baseline.
type Anomaly struct {
	PluginID  string            `json:"plugin_id"`
	Dimension string            `json:"dimension"`
	Observed  float64           `json:"observed"`
	Expected  float64           `json:"expected"`
	Deviation float64           `json:"deviation"`
	Severity  security.Severity `json:"severity"`
}

// baseline accumulates mean and variance per dimension with Welford's
// algorithm during warm-up, then freezes.
type baseline struct {
	count int
	mean  [4]float64
	m2    [4]float64
}

func (b *baseline) add(values [4]float64) {
	b.count++
	for i, v := range values {
		delta := v - b.mean[i]
		b.mean[i] += delta / float64(b.count)
		b.m2[i] += delta * (v - b.mean[i])
	}
}

func (b *baseline) stddev(i int) float64 {
	if b.count < 2 {
		return 0
	}
	return math.Sqrt(b.m2[i] / float64(b.count-1))
}

// processState is one monitored plugin.
type processState struct {
	baseline    baseline
	established bool
	lastSample  time.Time
}

// Sampler produces behavioral metrics for a plugin on demand. The
// gateway wires this to the sandbox's resource probes.
type Sampler interface {
	Sample(ctx context.Context, pluginID string) (Metrics, error)
}

// Responder applies graduated enforcement. The gateway wires Throttle to
// the traffic governor and Kill to the sandbox executor.
type Responder interface {
	Throttle(ctx context.Context, pluginID string)
	Kill(ctx context.Context, pluginID string)
}

// NopResponder ignores enforcement requests.
type NopResponder struct{}

func (NopResponder) Throttle(context.Context, string) {}
func (NopResponder) Kill(context.Context, string)     {}

// Monitor tracks baselines and quarantine state for all plugins.
type Monitor struct {
	mu          sync.Mutex
	processes   map[string]*processState
	quarantined map[string]bool

	cfg       config.SIEMConfig
	sink      security.Sink
	responder Responder
	logger    *logging.Logger
	now       func() time.Time
}

// New creates a monitor. Anomaly events go to sink; enforcement goes
// through responder.
func New(cfg config.SIEMConfig, sink security.Sink, responder Responder, logger *logging.Logger) *Monitor {
	if sink == nil {
		sink = security.NopSink{}
	}
	if responder == nil {
		responder = NopResponder{}
	}
	return &Monitor{
		processes:   make(map[string]*processState),
		quarantined: make(map[string]bool),
		cfg:         cfg,
		sink:        sink,
		responder:   responder,
		logger:      logger.Named("siem"),
		now:         time.Now,
	}
}

// RegisterProcess starts tracking a plugin. Registration is idempotent;
// re-registering an already tracked plugin keeps its baseline.
func (m *Monitor) RegisterProcess(ctx context.Context, pluginID string) {
	m.mu.Lock()
	_, exists := m.processes[pluginID]
	if !exists {
		m.processes[pluginID] = &processState{}
	}
	m.mu.Unlock()

	if !exists {
		m.logger.Info(ctx, "behavioral monitoring started", zap.String("plugin_id", pluginID))
	}
}

// Snapshot summarizes monitoring state for operators.
type Snapshot struct {
	Monitored   []string `json:"monitored"`
	Quarantined []string `json:"quarantined"`
}

// Status reports which plugins are tracked and which are quarantined.
func (m *Monitor) Status() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Monitored:   make([]string, 0, len(m.processes)),
		Quarantined: make([]string, 0, len(m.quarantined)),
	}
	for id := range m.processes {
		snap.Monitored = append(snap.Monitored, id)
	}
	for id := range m.quarantined {
		snap.Quarantined = append(snap.Quarantined, id)
	}
	sort.Strings(snap.Monitored)
	sort.Strings(snap.Quarantined)
	return snap
}

// Unregister stops tracking a plugin and clears its quarantine.
func (m *Monitor) Unregister(pluginID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processes, pluginID)
	delete(m.quarantined, pluginID)
}

// Observe feeds one sample. During warm-up the sample trains the
// baseline and never raises anomalies; afterwards the baseline is
// read-only and deviations are graded and responded to.
func (m *Monitor) Observe(ctx context.Context, pluginID string, sample Metrics) (*Anomaly, error) {
	m.mu.Lock()
	state, ok := m.processes[pluginID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrProcessNotRegistered, pluginID)
	}
	state.lastSample = m.now().UTC()

	if !state.established {
		state.baseline.add(sample.values())
		if state.baseline.count >= m.cfg.WarmupSamples {
			state.established = true
			m.logger.Info(ctx, "behavioral baseline established",
				zap.String("plugin_id", pluginID),
				zap.Int("samples", state.baseline.count),
			)
		}
		m.mu.Unlock()
		return nil, nil
	}

	anomaly := m.grade(pluginID, state, sample)
	m.mu.Unlock()

	if anomaly == nil {
		return nil, nil
	}
	m.respond(ctx, anomaly)
	return anomaly, nil
}

// grade returns the worst deviation across dimensions, or nil when the
// sample is within tolerance. Caller holds mu.
func (m *Monitor) grade(pluginID string, state *processState, sample Metrics) *Anomaly {
	values := sample.values()
	var worst *Anomaly
	for i, v := range values {
		sd := state.baseline.stddev(i)
		if sd == 0 {
			// A flat baseline cannot grade deviation meaningfully.
			continue
		}
		deviation := math.Abs(v-state.baseline.mean[i]) / sd
		if worst == nil || deviation > worst.Deviation {
			worst = &Anomaly{
				PluginID:  pluginID,
				Dimension: dimensions[i],
				Observed:  v,
				Expected:  state.baseline.mean[i],
				Deviation: deviation,
			}
		}
	}
	if worst == nil || worst.Deviation <= m.cfg.AnomalyThreshold {
		return nil
	}

	switch {
	case worst.Deviation > 5:
		worst.Severity = security.SeverityCritical
	case worst.Deviation > 3:
		worst.Severity = security.SeverityHigh
	default:
		worst.Severity = security.SeverityMedium
	}
	return worst
}

// respond applies the response ladder: medium logs, high throttles,
// critical quarantines and kills the running workload.
func (m *Monitor) respond(ctx context.Context, anomaly *Anomaly) {
	event := security.NewEvent("behavior.anomaly", anomaly.Severity, anomaly.PluginID,
		fmt.Sprintf("%s deviated %.1f sigma from baseline (observed %.1f, expected %.1f)",
			anomaly.Dimension, anomaly.Deviation, anomaly.Observed, anomaly.Expected))
	event.Details = map[string]string{
		"dimension": anomaly.Dimension,
		"deviation": fmt.Sprintf("%.2f", anomaly.Deviation),
	}
	m.sink.Record(ctx, event)

	m.logger.Warn(ctx, "behavioral anomaly",
		zap.String("plugin_id", anomaly.PluginID),
		zap.String("dimension", anomaly.Dimension),
		zap.Float64("deviation", anomaly.Deviation),
		zap.String("severity", anomaly.Severity.String()),
	)

	switch anomaly.Severity {
	case security.SeverityHigh:
		m.responder.Throttle(ctx, anomaly.PluginID)
	case security.SeverityCritical:
		m.mu.Lock()
		already := m.quarantined[anomaly.PluginID]
		m.quarantined[anomaly.PluginID] = true
		m.mu.Unlock()
		// Kill fires only on the transition into quarantine; a plugin
		// already quarantined has no admitted sessions to terminate.
		if !already {
			m.logger.Error(ctx, "plugin quarantined",
				zap.String("plugin_id", anomaly.PluginID))
			m.responder.Kill(ctx, anomaly.PluginID)
		}
	}
}

// IsQuarantined reports whether a plugin is blocked from execution.
func (m *Monitor) IsQuarantined(pluginID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quarantined[pluginID]
}

// ReleaseQuarantine lifts a quarantine after operator review.
func (m *Monitor) ReleaseQuarantine(ctx context.Context, pluginID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.quarantined[pluginID] {
		return fmt.Errorf("%w: %s", ErrNotQuarantined, pluginID)
	}
	delete(m.quarantined, pluginID)
	m.logger.Info(ctx, "quarantine released", zap.String("plugin_id", pluginID))
	return nil
}

// Rebaseline discards a plugin's learned profile and restarts warm-up.
// Used after a legitimate behavior change, e.g. a plugin upgrade.
func (m *Monitor) Rebaseline(ctx context.Context, pluginID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.processes[pluginID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProcessNotRegistered, pluginID)
	}
	state.baseline = baseline{}
	state.established = false
	m.logger.Info(ctx, "baseline reset", zap.String("plugin_id", pluginID))
	return nil
}

// Run samples every registered plugin at the configured interval until
// the context is cancelled. Sampling failures are logged and skipped.
func (m *Monitor) Run(ctx context.Context, sampler Sampler) {
	ticker := time.NewTicker(m.cfg.SampleInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx, sampler)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context, sampler Sampler) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.processes))
	for id := range m.processes {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		sample, err := sampler.Sample(ctx, id)
		if err != nil {
			m.logger.Debug(ctx, "behavior sample failed",
				zap.String("plugin_id", id), zap.Error(err))
			continue
		}
		if _, err := m.Observe(ctx, id, sample); err != nil {
			m.logger.Debug(ctx, "behavior observation failed",
				zap.String("plugin_id", id), zap.Error(err))
		}
	}
}
