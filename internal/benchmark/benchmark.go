// Package benchmark measures plugin performance and grades it into
// tiers. Summaries aggregate the trailing day of trials; plugins without
// data sit at maximum risk until they are measured.
package benchmark

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentgate/internal/logging"
)

// Errors for benchmark operations.
var (
	ErrAlreadyRunning = errors.New("plugin benchmark already in progress")
	ErrTrialNotFound  = errors.New("benchmark trial not found")
	ErrNoData         = errors.New("no benchmark data for plugin")
)

// Tier grades a plugin's measured performance.
type Tier string

const (
	TierStable   Tier = "stable"
	TierBeta     Tier = "beta"
	TierRisky    Tier = "risky"
	TierUnstable Tier = "unstable"
)

// summaryWindow bounds which trials feed a summary.
const summaryWindow = 24 * time.Hour

// tierLimits are the ceilings a summary must stay under to earn a tier.
type tierLimits struct {
	responseTimeMS float64
	errorRate      float64
	cpuPercent     float64
	memoryMB       float64
}

var tierThresholds = []struct {
	tier   Tier
	limits tierLimits
}{
	{TierStable, tierLimits{responseTimeMS: 500, errorRate: 0.01, cpuPercent: 50, memoryMB: 256}},
	{TierBeta, tierLimits{responseTimeMS: 1000, errorRate: 0.05, cpuPercent: 70, memoryMB: 384}},
	{TierRisky, tierLimits{responseTimeMS: 2000, errorRate: 0.10, cpuPercent: 85, memoryMB: 512}},
}

// Trial is one completed measurement.
type Trial struct {
	ID             string    `json:"id"`
	PluginID       string    `json:"plugin_id"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	ResponseTimeMS float64   `json:"response_time_ms"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryMB       float64   `json:"memory_mb"`
	Throughput     float64   `json:"throughput"`
}

// Summary aggregates a plugin's recent trials.
type Summary struct {
	PluginID          string    `json:"plugin_id"`
	TrialCount        int       `json:"trial_count"`
	SuccessCount      int       `json:"success_count"`
	AvgResponseTimeMS float64   `json:"avg_response_time_ms"`
	ErrorRate         float64   `json:"error_rate"`
	AvgCPUPercent     float64   `json:"avg_cpu_percent"`
	AvgMemoryMB       float64   `json:"avg_memory_mb"`
	AvgThroughput     float64   `json:"avg_throughput"`
	Tier              Tier      `json:"tier"`
	RiskScore         int       `json:"risk_score"`
	UpdatedAt         time.Time `json:"updated_at"`
	Recommendations   []string  `json:"recommendations,omitempty"`
}

// Manager stores trials and derives summaries.
type Manager struct {
	mu      sync.Mutex
	trials  map[string][]Trial
	active  map[string]string // pluginID -> trial id
	summary map[string]*Summary

	logger *logging.Logger
	now    func() time.Time
}

// NewManager creates an empty benchmark store.
func NewManager(logger *logging.Logger) *Manager {
	return &Manager{
		trials:  make(map[string][]Trial),
		active:  make(map[string]string),
		summary: make(map[string]*Summary),
		logger:  logger.Named("benchmark"),
		now:     time.Now,
	}
}

// Run measures one invocation of fn for the plugin and folds the result
// into the plugin's summary. Only one benchmark per plugin runs at a
// time.
func (m *Manager) Run(ctx context.Context, pluginID string, fn func(ctx context.Context) error) (*Summary, error) {
	m.mu.Lock()
	if _, busy := m.active[pluginID]; busy {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, pluginID)
	}
	trialID := "bench_" + uuid.NewString()
	m.active[pluginID] = trialID
	m.mu.Unlock()

	started := m.now().UTC()
	err := fn(ctx)
	finished := m.now().UTC()

	trial := Trial{
		ID:             trialID,
		PluginID:       pluginID,
		StartedAt:      started,
		FinishedAt:     finished,
		ResponseTimeMS: float64(finished.Sub(started)) / float64(time.Millisecond),
		Success:        err == nil,
	}
	if err != nil {
		trial.Error = err.Error()
	}
	if d := finished.Sub(started).Seconds(); d > 0 && err == nil {
		trial.Throughput = 1 / d
	}

	m.Record(ctx, trial)
	return m.SummaryFor(pluginID)
}

// Record stores a completed trial and refreshes the plugin's summary.
// Callers with real resource measurements fill CPUPercent and MemoryMB
// before recording.
func (m *Manager) Record(ctx context.Context, trial Trial) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if trial.ID == "" {
		trial.ID = "bench_" + uuid.NewString()
	}
	delete(m.active, trial.PluginID)
	m.trials[trial.PluginID] = append(m.trials[trial.PluginID], trial)
	m.refreshSummary(trial.PluginID)

	m.logger.Debug(ctx, "benchmark trial recorded",
		zap.String("plugin_id", trial.PluginID),
		zap.Bool("success", trial.Success),
		zap.Float64("response_time_ms", trial.ResponseTimeMS),
	)
}

// SummaryFor returns the plugin's current summary.
func (m *Manager) SummaryFor(pluginID string) (*Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.summary[pluginID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoData, pluginID)
	}
	clone := *s
	return &clone, nil
}

// TierFor returns the plugin's tier; unmeasured plugins are unstable.
func (m *Manager) TierFor(pluginID string) Tier {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.summary[pluginID]; ok {
		return s.Tier
	}
	return TierUnstable
}

// RiskFor returns the plugin's risk score; unmeasured plugins score the
// maximum 100.
func (m *Manager) RiskFor(pluginID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.summary[pluginID]; ok {
		return s.RiskScore
	}
	return 100
}

// Plugins lists every plugin with benchmark data.
func (m *Manager) Plugins() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.summary))
	for id := range m.summary {
		out = append(out, id)
	}
	return out
}

// refreshSummary rebuilds the summary from trials inside the window.
// Caller holds mu.
func (m *Manager) refreshSummary(pluginID string) {
	cutoff := m.now().UTC().Add(-summaryWindow)
	var recent []Trial
	for _, t := range m.trials[pluginID] {
		if t.StartedAt.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) == 0 {
		return
	}

	var (
		successCount  int
		responseTimes []float64
		throughputs   []float64
		cpuSum        float64
		memSum        float64
	)
	for _, t := range recent {
		if t.Success {
			successCount++
			responseTimes = append(responseTimes, t.ResponseTimeMS)
		}
		if t.Throughput > 0 {
			throughputs = append(throughputs, t.Throughput)
		}
		cpuSum += t.CPUPercent
		memSum += t.MemoryMB
	}

	s := &Summary{
		PluginID:          pluginID,
		TrialCount:        len(recent),
		SuccessCount:      successCount,
		AvgResponseTimeMS: mean(responseTimes),
		ErrorRate:         1 - float64(successCount)/float64(len(recent)),
		AvgCPUPercent:     cpuSum / float64(len(recent)),
		AvgMemoryMB:       memSum / float64(len(recent)),
		AvgThroughput:     mean(throughputs),
		UpdatedAt:         m.now().UTC(),
	}
	s.Tier = gradeTier(s)
	s.RiskScore = scoreRisk(s)
	s.Recommendations = recommend(s)
	m.summary[pluginID] = s
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// gradeTier assigns the best tier whose every ceiling the summary
// respects.
func gradeTier(s *Summary) Tier {
	for _, t := range tierThresholds {
		if s.AvgResponseTimeMS <= t.limits.responseTimeMS &&
			s.ErrorRate <= t.limits.errorRate &&
			s.AvgCPUPercent <= t.limits.cpuPercent &&
			s.AvgMemoryMB <= t.limits.memoryMB {
			return t.tier
		}
	}
	return TierUnstable
}

// scoreRisk grades each metric into 0/5/15/25 points and sums, capped at
// 100.
func scoreRisk(s *Summary) int {
	score := 0

	switch {
	case s.AvgResponseTimeMS > 2000:
		score += 25
	case s.AvgResponseTimeMS > 1000:
		score += 15
	case s.AvgResponseTimeMS > 500:
		score += 5
	}

	switch {
	case s.ErrorRate > 0.10:
		score += 25
	case s.ErrorRate > 0.05:
		score += 15
	case s.ErrorRate > 0.01:
		score += 5
	}

	switch {
	case s.AvgCPUPercent > 80:
		score += 25
	case s.AvgCPUPercent > 60:
		score += 15
	case s.AvgCPUPercent > 40:
		score += 5
	}

	switch {
	case s.AvgMemoryMB > 512:
		score += 25
	case s.AvgMemoryMB > 384:
		score += 15
	case s.AvgMemoryMB > 256:
		score += 5
	}

	if score > 100 {
		score = 100
	}
	return score
}

func recommend(s *Summary) []string {
	var out []string
	if s.AvgResponseTimeMS > 1000 {
		out = append(out, "response time is high, consider optimizing the hot path")
	}
	if s.ErrorRate > 0.05 {
		out = append(out, "error rate is high, review failure handling")
	}
	if s.AvgCPUPercent > 70 {
		out = append(out, "cpu usage is high, consider reducing work per request")
	}
	if s.AvgMemoryMB > 384 {
		out = append(out, "memory usage is high, check for retained allocations")
	}
	if len(out) == 0 {
		out = append(out, "performance is within acceptable ranges")
	}
	return out
}
