package benchmark

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/agentgate/internal/logging"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(logging.NewTestLogger().Logger)
}

func trialAt(pluginID string, at time.Time, responseMS float64, success bool, cpu, mem float64) Trial {
	return Trial{
		PluginID:       pluginID,
		StartedAt:      at,
		FinishedAt:     at.Add(time.Duration(responseMS) * time.Millisecond),
		ResponseTimeMS: responseMS,
		Success:        success,
		CPUPercent:     cpu,
		MemoryMB:       mem,
	}
}

func TestRunRecordsTrial(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	summary, err := m.Run(ctx, "p1", func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TrialCount)
	assert.Equal(t, 1, summary.SuccessCount)
	assert.Equal(t, 0.0, summary.ErrorRate)
}

func TestRunRecordsFailure(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	boom := errors.New("plugin exploded")
	summary, err := m.Run(ctx, "p1", func(context.Context) error { return boom })
	require.NoError(t, err)
	assert.Equal(t, 1.0, summary.ErrorRate)
	assert.Equal(t, 0, summary.SuccessCount)
}

func TestTierGrading(t *testing.T) {
	tests := []struct {
		name       string
		responseMS float64
		errorRate  float64 // fraction of failing trials out of 100
		cpu        float64
		mem        float64
		want       Tier
	}{
		{"stable", 200, 0, 30, 128, TierStable},
		{"beta on response time", 800, 0, 30, 128, TierBeta},
		{"beta on error rate", 200, 0.03, 30, 128, TierBeta},
		{"risky on cpu", 200, 0, 80, 128, TierRisky},
		{"unstable", 3000, 0.2, 95, 1024, TierUnstable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m := newTestManager(t)
			now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			m.now = func() time.Time { return now }

			failures := int(tt.errorRate * 100)
			for i := 0; i < 100; i++ {
				m.Record(ctx, trialAt("p1", now.Add(-time.Minute), tt.responseMS, i >= failures, tt.cpu, tt.mem))
			}
			assert.Equal(t, tt.want, m.TierFor("p1"))
		})
	}
}

func TestRiskScore(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	// Every metric in its worst band: 4 x 25 points.
	m.Record(ctx, trialAt("p1", now.Add(-time.Minute), 5000, true, 95, 1024))
	m.Record(ctx, trialAt("p1", now.Add(-time.Minute), 5000, false, 95, 1024))
	assert.Equal(t, 100, m.RiskFor("p1"))

	// A healthy plugin scores zero.
	m.Record(ctx, trialAt("p2", now.Add(-time.Minute), 100, true, 20, 64))
	assert.Equal(t, 0, m.RiskFor("p2"))
}

func TestUnmeasuredPluginIsMaxRisk(t *testing.T) {
	m := newTestManager(t)
	assert.Equal(t, TierUnstable, m.TierFor("ghost"))
	assert.Equal(t, 100, m.RiskFor("ghost"))
	_, err := m.SummaryFor("ghost")
	assert.ErrorIs(t, err, ErrNoData)
}

func TestSummaryWindowExcludesOldTrials(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	// One stale failure and one fresh success; only the fresh trial
	// feeds the summary.
	m.Record(ctx, trialAt("p1", now.Add(-25*time.Hour), 5000, false, 95, 1024))
	m.Record(ctx, trialAt("p1", now.Add(-time.Minute), 100, true, 20, 64))

	summary, err := m.SummaryFor("p1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TrialCount)
	assert.Equal(t, TierStable, summary.Tier)
}

func TestConcurrentRunRefused(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = m.Run(ctx, "p1", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	_, err := m.Run(ctx, "p1", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	close(release)
}

func TestRecommendations(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	m.Record(ctx, trialAt("p1", now.Add(-time.Minute), 100, true, 20, 64))
	summary, err := m.SummaryFor("p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"performance is within acceptable ranges"}, summary.Recommendations)

	m.Record(ctx, trialAt("p2", now.Add(-time.Minute), 5000, true, 95, 1024))
	summary, err = m.SummaryFor("p2")
	require.NoError(t, err)
	assert.Len(t, summary.Recommendations, 3)
}
