// Package gateway composes the security components into one control
// path. Every plugin execution passes through the same gate sequence:
// registration, permission, rate limit, quarantine, credential
// injection, sandbox. The outcome is always audited, refusals included.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentgate/internal/audit"
	"github.com/fyrsmithlabs/agentgate/internal/benchmark"
	"github.com/fyrsmithlabs/agentgate/internal/config"
	"github.com/fyrsmithlabs/agentgate/internal/governor"
	"github.com/fyrsmithlabs/agentgate/internal/logging"
	"github.com/fyrsmithlabs/agentgate/internal/manifest"
	"github.com/fyrsmithlabs/agentgate/internal/permission"
	"github.com/fyrsmithlabs/agentgate/internal/registry"
	"github.com/fyrsmithlabs/agentgate/internal/sandbox"
	"github.com/fyrsmithlabs/agentgate/internal/security"
	"github.com/fyrsmithlabs/agentgate/internal/siem"
	"github.com/fyrsmithlabs/agentgate/internal/vault"
)

var tracer = otel.Tracer("agentgate/gateway")

// Errors for the execution control path.
var (
	ErrPluginNotApproved = errors.New("plugin is not approved for execution")
	ErrPermissionDenied  = errors.New("plugin lacks the required capability")
	ErrQuarantined       = errors.New("plugin is quarantined")
	ErrInjectionPending  = errors.New("credential injection is not approved yet")
	ErrNoWorkload        = errors.New("execution request carries no workload")
)

// Gateway owns the composed security components.
type Gateway struct {
	Registry    *registry.Registry
	Permissions *permission.Broker
	Vault       *vault.Vault
	Sandbox     *sandbox.Executor
	Governor    *governor.Governor
	Monitor     *siem.Monitor
	Benchmarks  *benchmark.Manager
	Ledger      *audit.Ledger

	logger *logging.Logger
}

// New wires the full component graph from configuration. Security events
// from every producer flow into the audit ledger and metrics; critical
// anomalies cascade into throttling and kills.
func New(cfg *config.Config, logger *logging.Logger) (*Gateway, error) {
	g := &Gateway{logger: logger.Named("gateway")}

	ledger, err := audit.Open(cfg.AuditPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("opening audit ledger: %w", err)
	}
	g.Ledger = ledger

	sink := security.SinkFunc(g.recordSecurityEvent)

	reg, err := registry.New(cfg.StateDir, logger)
	if err != nil {
		return nil, fmt.Errorf("opening plugin registry: %w", err)
	}
	g.Registry = reg

	broker, err := permission.New(cfg.StateDir, reg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening permission broker: %w", err)
	}
	g.Permissions = broker

	if !cfg.Vault.MasterKey.IsSet() {
		return nil, fmt.Errorf("vault master key is not configured")
	}
	v, err := vault.New(cfg.StateDir, cfg.Vault.MasterKey.Value(), cfg.Vault.ApprovalWindow.Duration(), logger)
	if err != nil {
		return nil, fmt.Errorf("opening credential vault: %w", err)
	}
	g.Vault = v

	g.Sandbox = sandbox.NewExecutor(cfg.Sandbox, sink, logger)
	g.Governor = governor.New(cfg.Governor, sink, logger)
	g.Monitor = siem.New(cfg.SIEM, sink, &responder{g: g, cfg: cfg.Governor}, logger)
	g.Benchmarks = benchmark.NewManager(logger)

	// Revoking a plugin cascades: grants drop, admission state resets,
	// behavioral tracking stops.
	reg.OnRevoke(func(ctx context.Context, pluginID string) {
		if err := broker.RevokeSubject(ctx, pluginID); err != nil {
			g.logger.Error(ctx, "grant cascade failed",
				zap.String("plugin_id", pluginID), zap.Error(err))
		}
		g.Governor.Forget(pluginID)
		g.Monitor.Unregister(pluginID)
		g.audit(ctx, "plugin.revoke_cascade", "gateway", map[string]string{"plugin_id": pluginID})
	})

	return g, nil
}

// Close releases held resources.
func (g *Gateway) Close() error {
	return g.Ledger.Close()
}

// responder maps SIEM escalation onto the governor and sandbox.
type responder struct {
	g   *Gateway
	cfg config.GovernorConfig
}

// Throttle quarters the plugin's sustained rate.
func (r *responder) Throttle(ctx context.Context, pluginID string) {
	r.g.Governor.SetLimit(pluginID, r.cfg.DefaultCapacity/4, r.cfg.DefaultRefillRate/4)
	r.g.audit(ctx, "plugin.throttled", "siem", map[string]string{"plugin_id": pluginID})
}

// Kill terminates the plugin's running sessions.
func (r *responder) Kill(ctx context.Context, pluginID string) {
	killed := r.g.Sandbox.KillAll(ctx, pluginID)
	QuarantinedPlugins.Inc()
	r.g.audit(ctx, "plugin.quarantine_kill", "siem", map[string]any{
		"plugin_id": pluginID,
		"sessions":  killed,
	})
}

// behaviorSampler feeds the sandbox's live probe readings to the
// behavioral monitor as baseline metrics.
type behaviorSampler struct {
	g *Gateway
}

func (s *behaviorSampler) Sample(ctx context.Context, pluginID string) (siem.Metrics, error) {
	usage, limits, ok := s.g.Sandbox.LatestUsage(pluginID)
	if !ok {
		return siem.Metrics{}, fmt.Errorf("no probe sample for plugin %s", pluginID)
	}
	metrics := siem.Metrics{
		CPUPercent:  usage.CPUPercent,
		Connections: float64(usage.Connections),
		Processes:   float64(usage.Processes),
	}
	if limits.MaxMemoryMB > 0 {
		metrics.MemoryPercent = float64(usage.MemoryMB) / float64(limits.MaxMemoryMB) * 100
	}
	return metrics, nil
}

// Run drives behavioral sampling until ctx is cancelled. Baselines form
// from the sandbox probes of whatever is running; idle plugins are
// skipped until they execute again.
func (g *Gateway) Run(ctx context.Context) {
	g.Monitor.Run(ctx, &behaviorSampler{g: g})
}

// recordSecurityEvent is the shared sink for all producers.
func (g *Gateway) recordSecurityEvent(ctx context.Context, event security.Event) {
	SecurityEventsTotal.WithLabelValues(event.Kind, event.Severity.String()).Inc()
	g.audit(ctx, "security.event", "gateway", event)
}

// audit appends a ledger entry, logging rather than failing when the
// ledger write itself breaks. Decisions already made are not reversed by
// audit trouble, but the failure is loud.
func (g *Gateway) audit(ctx context.Context, kind, actor string, payload any) {
	if _, err := g.Ledger.Log(ctx, kind, actor, payload); err != nil {
		g.logger.Error(ctx, "audit append failed",
			zap.String("kind", kind), zap.Error(err))
	}
}

// ExecuteRequest describes one plugin invocation.
type ExecuteRequest struct {
	PluginID   string
	Capability manifest.Capability

	// InjectionID names an approved credential injection to consume
	// before execution. Empty means no credential is needed.
	InjectionID string
	// OnSecret receives the released plaintext. The gateway zeroes its
	// copy after the call; the receiver owns further handling.
	OnSecret func(secret []byte)

	Call  sandbox.Call
	Probe sandbox.Probe
	// Hints optionally tighten the sandbox limits for this invocation.
	Hints *sandbox.Limits
}

// ExecuteResult is the outcome of one invocation.
type ExecuteResult struct {
	SessionID string
	State     sandbox.SessionState
	Output    []byte
	Duration  time.Duration
}

// executionRecord is the audit payload for executions.
type executionRecord struct {
	PluginID   string `json:"plugin_id"`
	Capability string `json:"capability,omitempty"`
	Injection  string `json:"injection_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	Outcome    string `json:"outcome"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// ExecutePlugin runs the full control path. The gates run in a fixed
// order; the first refusal wins and later gates never see the request.
// Whatever happens, the attempt lands in the audit ledger.
func (g *Gateway) ExecutePlugin(ctx context.Context, req ExecuteRequest) (result *ExecuteResult, err error) {
	ctx, span := tracer.Start(ctx, "gateway.execute_plugin",
		trace.WithAttributes(attribute.String("plugin.id", req.PluginID)))
	defer span.End()

	started := time.Now()
	outcome := "error"
	record := executionRecord{
		PluginID:   req.PluginID,
		Capability: string(req.Capability),
		Injection:  req.InjectionID,
	}
	defer func() {
		record.Outcome = outcome
		record.DurationMS = time.Since(started).Milliseconds()
		if err != nil {
			record.Error = err.Error()
		}
		if result != nil {
			record.SessionID = result.SessionID
		}
		ExecutionsTotal.WithLabelValues(outcome).Inc()
		ExecutionDuration.Observe(time.Since(started).Seconds())
		g.audit(ctx, "plugin.execute", "gateway", record)
	}()

	if req.Call == nil {
		outcome = "error"
		return nil, ErrNoWorkload
	}

	// Gate 1: the plugin must be registered and approved.
	state, lookupErr := g.Registry.StateOf(req.PluginID)
	if lookupErr != nil {
		outcome = "denied"
		return nil, lookupErr
	}
	if state != registry.StateApproved {
		outcome = "denied"
		return nil, fmt.Errorf("%w: plugin %s is %s", ErrPluginNotApproved, req.PluginID, state)
	}

	// Gate 2: the plugin must hold the capability it wants to exercise.
	if req.Capability != "" && !g.Permissions.Check(req.PluginID, req.Capability) {
		outcome = "denied"
		return nil, fmt.Errorf("%w: %s needs %s", ErrPermissionDenied, req.PluginID, req.Capability)
	}

	// Gate 3: circuit and rate admission. The circuit is consulted here,
	// before the injection gate, so an open circuit never burns a
	// single-use credential approval downstream.
	if brErr := g.Governor.CheckBreaker(req.PluginID); brErr != nil {
		outcome = "circuit_open"
		return nil, brErr
	}
	if admitErr := g.Governor.Admit(ctx, req.PluginID); admitErr != nil {
		outcome = "rate_limited"
		return nil, admitErr
	}

	// Gate 4: quarantined plugins do not run.
	if g.Monitor.IsQuarantined(req.PluginID) {
		outcome = "quarantined"
		return nil, fmt.Errorf("%w: %s", ErrQuarantined, req.PluginID)
	}

	// Gate 5: consume the credential injection, if one is named. An
	// unapproved injection fails the request now; callers retry after
	// approval rather than blocking here.
	if req.InjectionID != "" {
		secret, injErr := g.Vault.ExecuteInjection(ctx, req.InjectionID)
		if injErr != nil {
			outcome = "injection_failed"
			if errors.Is(injErr, vault.ErrNotApproved) {
				return nil, fmt.Errorf("%w: %s", ErrInjectionPending, req.InjectionID)
			}
			return nil, injErr
		}
		if req.OnSecret != nil {
			req.OnSecret(secret)
		}
		for i := range secret {
			secret[i] = 0
		}
	}

	// Gate 6: run in the sandbox under the circuit breaker.
	limits := g.Sandbox.EffectiveLimits(g.manifestHints(req.PluginID, req.Hints))
	session := g.Sandbox.Create(ctx, req.PluginID, limits)
	g.Monitor.RegisterProcess(ctx, req.PluginID)

	var execResult *sandbox.Result
	doErr := g.Governor.Do(ctx, req.PluginID, func(ctx context.Context) error {
		var execErr error
		execResult, execErr = g.Sandbox.Execute(ctx, session.ID, req.Call, req.Probe)
		if execErr != nil {
			return execErr
		}
		if execResult.State != sandbox.SessionCompleted {
			return fmt.Errorf("session %s finished %s", session.ID, execResult.State)
		}
		return nil
	})

	if execResult != nil {
		result = &ExecuteResult{
			SessionID: execResult.SessionID,
			State:     execResult.State,
			Output:    execResult.Output,
			Duration:  execResult.Duration,
		}
	}

	if doErr != nil {
		if errors.Is(doErr, governor.ErrCircuitOpen) {
			outcome = "circuit_open"
			return nil, doErr
		}
		switch {
		case execResult == nil:
			outcome = "error"
		case execResult.State == sandbox.SessionTimedOut:
			outcome = "timed_out"
		case execResult.State == sandbox.SessionKilled:
			outcome = "killed"
		case execResult.State == sandbox.SessionCrashed:
			outcome = "crashed"
		default:
			outcome = "error"
		}
		return result, doErr
	}

	outcome = "completed"
	return result, nil
}

// manifestHints merges the publisher's manifest resource hints with the
// caller's per-request hints, keeping whichever is tighter.
func (g *Gateway) manifestHints(pluginID string, reqHints *sandbox.Limits) *sandbox.Limits {
	reg, err := g.Registry.Get(pluginID)
	if err != nil || reg.Manifest.Resources == nil {
		return reqHints
	}
	res := reg.Manifest.Resources

	hints := sandbox.Limits{}
	if reqHints != nil {
		hints = *reqHints
	}
	if res.MaxCPUPercent > 0 && (hints.MaxCPUPercent == 0 || res.MaxCPUPercent < hints.MaxCPUPercent) {
		hints.MaxCPUPercent = res.MaxCPUPercent
	}
	if res.MaxMemoryMB > 0 && (hints.MaxMemoryMB == 0 || res.MaxMemoryMB < hints.MaxMemoryMB) {
		hints.MaxMemoryMB = res.MaxMemoryMB
	}
	if d := time.Duration(res.MaxDurationS) * time.Second; d > 0 && (hints.MaxDuration == 0 || d < hints.MaxDuration) {
		hints.MaxDuration = d
	}
	return &hints
}
