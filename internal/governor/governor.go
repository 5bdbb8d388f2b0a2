// Package governor controls the rate and health of plugin traffic. Each
// plugin gets a token bucket for admission and a circuit breaker for
// failure isolation; sustained bursts raise security events without
// blocking traffic that the bucket would otherwise admit.
package governor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentgate/internal/config"
	"github.com/fyrsmithlabs/agentgate/internal/logging"
	"github.com/fyrsmithlabs/agentgate/internal/security"
)

// Errors for admission decisions.
var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrCircuitOpen       = errors.New("circuit breaker is open")
)

// burstWindow is the window burst detection counts arrivals in.
const burstWindow = time.Second

// minBurstHistory is how many completed windows a plugin needs before
// its mean rate is trusted for burst detection.
const minBurstHistory = 10

// Stats is a per-plugin snapshot for operators.
type Stats struct {
	PluginID   string        `json:"plugin_id"`
	Tokens     float64       `json:"tokens"`
	Capacity   float64       `json:"capacity"`
	RefillRate float64       `json:"refill_rate"`
	Breaker    BreakerStatus `json:"breaker"`
}

// Governor manages admission state for all plugins. State is in-memory;
// buckets start full after a restart.
type Governor struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	breakers map[string]*breaker

	cfg    config.GovernorConfig
	sink   security.Sink
	logger *logging.Logger
	now    func() time.Time

	// bursts holds each plugin's request-rate history for burst
	// detection.
	bursts map[string]*burstTracker
}

// New creates a governor. Events from burst detection go to sink.
func New(cfg config.GovernorConfig, sink security.Sink, logger *logging.Logger) *Governor {
	if sink == nil {
		sink = security.NopSink{}
	}
	return &Governor{
		buckets:  make(map[string]*bucket),
		breakers: make(map[string]*breaker),
		bursts:   make(map[string]*burstTracker),
		cfg:      cfg,
		sink:     sink,
		logger:   logger.Named("governor"),
		now:      time.Now,
	}
}

// Admit charges one token for a plugin request. Refused requests cost
// nothing. Burst pressure is observed on every arrival, admitted or not,
// and raises a security event without affecting the admission decision.
func (g *Governor) Admit(ctx context.Context, pluginID string) error {
	now := g.now()
	bk := g.bucketFor(pluginID, now)

	g.checkBurst(ctx, pluginID, now)

	if !bk.take(1, now) {
		g.logger.Warn(ctx, "request rate limited",
			zap.String("plugin_id", pluginID),
			zap.Float64("tokens", bk.level(now)),
		)
		return fmt.Errorf("%w: plugin %s", ErrRateLimitExceeded, pluginID)
	}
	return nil
}

// CheckBreaker reports whether the plugin's circuit currently refuses
// calls. Unlike Do it never admits a half-open trial, so gates can
// consult it before committing resources that a refusal must not spend.
func (g *Governor) CheckBreaker(pluginID string) error {
	if g.breakerFor(pluginID).refusing(g.now()) {
		return fmt.Errorf("%w: plugin %s", ErrCircuitOpen, pluginID)
	}
	return nil
}

// Do runs fn under the plugin's circuit breaker. An open circuit refuses
// the call with ErrCircuitOpen; otherwise fn's result feeds the breaker.
func (g *Governor) Do(ctx context.Context, pluginID string, fn func(ctx context.Context) error) error {
	br := g.breakerFor(pluginID)

	if !br.allow(g.now()) {
		return fmt.Errorf("%w: plugin %s", ErrCircuitOpen, pluginID)
	}

	err := fn(ctx)
	if err != nil {
		br.recordFailure(g.now())
		if br.status().State == BreakerOpen {
			g.logger.Warn(ctx, "circuit breaker opened",
				zap.String("plugin_id", pluginID),
				zap.Error(err),
			)
		}
		return err
	}
	br.recordSuccess(g.now())
	return nil
}

// SetLimit overrides a plugin's bucket parameters.
func (g *Governor) SetLimit(pluginID string, capacity, refillRate float64) {
	now := g.now()
	g.bucketFor(pluginID, now).resize(capacity, refillRate, now)
}

// ResetBreaker forces a plugin's breaker closed. Operator action after a
// confirmed fix; automatic recovery through half-open still applies when
// nobody intervenes.
func (g *Governor) ResetBreaker(ctx context.Context, pluginID string) {
	g.breakerFor(pluginID).reset()
	g.logger.Info(ctx, "circuit breaker reset", zap.String("plugin_id", pluginID))
}

// Statistics returns the plugin's current admission state.
func (g *Governor) Statistics(pluginID string) Stats {
	now := g.now()
	bk := g.bucketFor(pluginID, now)
	br := g.breakerFor(pluginID)

	bk.mu.Lock()
	capacity, rate := bk.capacity, bk.refillRate
	bk.mu.Unlock()

	return Stats{
		PluginID:   pluginID,
		Tokens:     bk.level(now),
		Capacity:   capacity,
		RefillRate: rate,
		Breaker:    br.status(),
	}
}

// Forget drops all admission state for a plugin. Called when a plugin is
// revoked.
func (g *Governor) Forget(pluginID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.buckets, pluginID)
	delete(g.breakers, pluginID)
	delete(g.bursts, pluginID)
}

func (g *Governor) bucketFor(pluginID string, now time.Time) *bucket {
	g.mu.Lock()
	defer g.mu.Unlock()

	bk, ok := g.buckets[pluginID]
	if !ok {
		bk = newBucket(g.cfg.DefaultCapacity, g.cfg.DefaultRefillRate, now)
		g.buckets[pluginID] = bk
	}
	return bk
}

func (g *Governor) breakerFor(pluginID string) *breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	br, ok := g.breakers[pluginID]
	if !ok {
		br = newBreaker(
			g.cfg.Breaker.FailureThreshold,
			g.cfg.Breaker.ErrorRateThreshold,
			g.cfg.Breaker.Window.Duration(),
			g.cfg.Breaker.Cooldown.Duration(),
		)
		g.breakers[pluginID] = br
	}
	return br
}

// burstTracker keeps one plugin's request-rate history as arrivals per
// burst window. Completed windows, idle ones included, feed the mean
// that the current window is judged against.
type burstTracker struct {
	windowStart time.Time
	count       int
	windows     int
	total       int
	alerted     bool
}

// observe rolls completed windows into the history and records one
// arrival in the current window.
func (bt *burstTracker) observe(now time.Time, window time.Duration) {
	if bt.windowStart.IsZero() {
		bt.windowStart = now
	}
	if elapsed := now.Sub(bt.windowStart); elapsed >= window {
		passed := int(elapsed / window)
		bt.total += bt.count
		bt.windows += passed
		bt.count = 0
		bt.alerted = false
		bt.windowStart = bt.windowStart.Add(time.Duration(passed) * window)
	}
	bt.count++
}

// mean arrivals per completed window.
func (bt *burstTracker) mean() float64 {
	if bt.windows == 0 {
		return 0
	}
	return float64(bt.total) / float64(bt.windows)
}

// checkBurst compares the current window's arrivals against the
// plugin's own historical rate. A spike past the burst multiple of the
// mean raises one event per window; detection never blocks admission.
// Nothing fires until enough windows have passed to trust the mean.
func (g *Governor) checkBurst(ctx context.Context, pluginID string, now time.Time) {
	g.mu.Lock()
	bt, ok := g.bursts[pluginID]
	if !ok {
		bt = &burstTracker{}
		g.bursts[pluginID] = bt
	}
	bt.observe(now, burstWindow)

	// A plugin that was mostly idle still gets a floor of one arrival
	// per window, so a single request after a quiet stretch is not a
	// burst.
	base := math.Max(bt.mean(), 1)
	threshold := base * g.cfg.BurstMultiplier
	if bt.windows < minBurstHistory || float64(bt.count) <= threshold || bt.alerted {
		g.mu.Unlock()
		return
	}
	bt.alerted = true
	arrivals := bt.count
	g.mu.Unlock()

	event := security.NewEvent("traffic.burst", security.SeverityMedium, pluginID,
		fmt.Sprintf("request burst: %d arrivals in %s against a mean of %.1f", arrivals, burstWindow, base))
	event.Details = map[string]string{
		"arrivals":  fmt.Sprintf("%d", arrivals),
		"mean":      fmt.Sprintf("%.1f", base),
		"threshold": fmt.Sprintf("%.0f", threshold),
	}
	g.sink.Record(ctx, event)
	g.logger.Warn(ctx, "traffic burst detected",
		zap.String("plugin_id", pluginID),
		zap.Int("arrivals", arrivals),
		zap.Float64("historical_mean", base),
	)
}
