// Package sandbox runs plugin workloads under resource limits and a hard
// deadline. The executor does not interpret workloads itself; callers
// hand it a Call to run and a Probe to watch, and the executor enforces
// limits by killing the call and recording what happened.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentgate/internal/config"
	"github.com/fyrsmithlabs/agentgate/internal/logging"
	"github.com/fyrsmithlabs/agentgate/internal/security"
)

// Errors for sandbox operations.
var (
	ErrSessionNotFound    = errors.New("sandbox session not found")
	ErrSessionNotRunnable = errors.New("sandbox session is not in a runnable state")
)

// SessionState tracks a session through execution.
type SessionState string

const (
	SessionCreated   SessionState = "created"
	SessionRunning   SessionState = "running"
	SessionCompleted SessionState = "completed"
	SessionTimedOut  SessionState = "timed_out"
	SessionKilled    SessionState = "killed"
	SessionCrashed   SessionState = "crashed"
)

// Limits bound one session's execution.
type Limits struct {
	MaxCPUPercent  float64       `json:"max_cpu_percent"`
	MaxMemoryMB    int64         `json:"max_memory_mb"`
	MaxDuration    time.Duration `json:"max_duration"`
	MaxConnections int           `json:"max_connections"`
}

// Usage is one resource sample from a running session.
type Usage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryMB    int64   `json:"memory_mb"`
	Connections int     `json:"connections"`
	Processes   int     `json:"processes"`
}

// exceeds returns the name of the first violated limit, or "".
func (l Limits) exceeds(u Usage) string {
	if l.MaxCPUPercent > 0 && u.CPUPercent > l.MaxCPUPercent {
		return "cpu"
	}
	if l.MaxMemoryMB > 0 && u.MemoryMB > l.MaxMemoryMB {
		return "memory"
	}
	if l.MaxConnections > 0 && u.Connections > l.MaxConnections {
		return "connections"
	}
	return ""
}

// Call is a runnable workload. Run must return once the workload is
// finished or killed; Kill must force termination and is safe to call
// concurrently with Run.
type Call interface {
	Run(ctx context.Context) (output []byte, err error)
	Kill() error
}

// Probe samples a running workload's resource usage.
type Probe interface {
	Sample() (Usage, error)
}

// NopProbe reports zero usage. Used when no measurement backend exists
// for a workload.
type NopProbe struct{}

func (NopProbe) Sample() (Usage, error) { return Usage{}, nil }

// Session is one sandboxed execution slot.
type Session struct {
	ID         string       `json:"id"`
	PluginID   string       `json:"plugin_id"`
	State      SessionState `json:"state"`
	Limits     Limits       `json:"limits"`
	CreatedAt  time.Time    `json:"created_at"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`

	cancel context.CancelFunc

	// lastUsage is the newest probe sample while the session runs,
	// served to behavioral monitoring through LatestUsage.
	lastUsage   *Usage
	lastSampled time.Time
}

// Result is the outcome of one execution.
type Result struct {
	SessionID string        `json:"session_id"`
	State     SessionState  `json:"state"`
	Output    []byte        `json:"output,omitempty"`
	Duration  time.Duration `json:"duration"`
	Err       error         `json:"-"`
}

// Executor creates sessions and runs workloads in them. Every abnormal
// termination emits exactly one security event per session.
type Executor struct {
	mu       sync.Mutex
	sessions map[string]*Session

	defaults Limits
	sample   time.Duration
	sink     security.Sink
	logger   *logging.Logger
}

// NewExecutor builds an executor with default limits from configuration.
func NewExecutor(cfg config.SandboxConfig, sink security.Sink, logger *logging.Logger) *Executor {
	if sink == nil {
		sink = security.NopSink{}
	}
	return &Executor{
		sessions: make(map[string]*Session),
		defaults: Limits{
			MaxCPUPercent:  cfg.MaxCPUPercent,
			MaxMemoryMB:    cfg.MaxMemoryMB,
			MaxDuration:    cfg.MaxDuration.Duration(),
			MaxConnections: cfg.MaxConnections,
		},
		sample: cfg.SampleInterval.Duration(),
		sink:   sink,
		logger: logger.Named("sandbox"),
	}
}

// EffectiveLimits lowers the executor defaults by the publisher's
// resource hints. Hints can only tighten limits, never widen them.
func (e *Executor) EffectiveLimits(hints *Limits) Limits {
	limits := e.defaults
	if hints == nil {
		return limits
	}
	if hints.MaxCPUPercent > 0 && hints.MaxCPUPercent < limits.MaxCPUPercent {
		limits.MaxCPUPercent = hints.MaxCPUPercent
	}
	if hints.MaxMemoryMB > 0 && hints.MaxMemoryMB < limits.MaxMemoryMB {
		limits.MaxMemoryMB = hints.MaxMemoryMB
	}
	if hints.MaxDuration > 0 && hints.MaxDuration < limits.MaxDuration {
		limits.MaxDuration = hints.MaxDuration
	}
	if hints.MaxConnections > 0 && hints.MaxConnections < limits.MaxConnections {
		limits.MaxConnections = hints.MaxConnections
	}
	return limits
}

// Create allocates a session for a plugin under the given limits.
func (e *Executor) Create(ctx context.Context, pluginID string, limits Limits) *Session {
	sess := &Session{
		ID:        "sbx_" + uuid.NewString(),
		PluginID:  pluginID,
		State:     SessionCreated,
		Limits:    limits,
		CreatedAt: time.Now().UTC(),
	}

	e.mu.Lock()
	e.sessions[sess.ID] = sess
	e.mu.Unlock()

	e.logger.Debug(ctx, "sandbox session created",
		zap.String("session_id", sess.ID),
		zap.String("plugin_id", pluginID),
		zap.Duration("max_duration", limits.MaxDuration),
	)
	clone := *sess
	clone.cancel = nil
	return &clone
}

// Get returns a session snapshot.
func (e *Executor) Get(sessionID string) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, ok := e.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	clone := *sess
	clone.cancel = nil
	return &clone, nil
}

// Kill forces a running session to terminate. The in-flight Execute
// observes the cancellation and finalizes the session as Killed.
func (e *Executor) Kill(ctx context.Context, sessionID string) error {
	e.mu.Lock()
	sess, ok := e.sessions[sessionID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	cancel := sess.cancel
	state := sess.State
	e.mu.Unlock()

	if state != SessionRunning || cancel == nil {
		return fmt.Errorf("%w: session %s is %s", ErrSessionNotRunnable, sessionID, state)
	}
	e.logger.Warn(ctx, "sandbox session kill requested", zap.String("session_id", sessionID))
	cancel()
	return nil
}

// KillAll terminates every running session for a plugin. Used by threat
// response when a plugin is quarantined mid-flight.
func (e *Executor) KillAll(ctx context.Context, pluginID string) int {
	e.mu.Lock()
	var cancels []context.CancelFunc
	for _, sess := range e.sessions {
		if sess.PluginID == pluginID && sess.State == SessionRunning && sess.cancel != nil {
			cancels = append(cancels, sess.cancel)
		}
	}
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if len(cancels) > 0 {
		e.logger.Warn(ctx, "killed running sessions",
			zap.String("plugin_id", pluginID),
			zap.Int("sessions", len(cancels)),
		)
	}
	return len(cancels)
}

// LatestUsage returns the newest probe sample across the plugin's
// running sessions, with the limits it was measured under. The second
// return is false when nothing is running or nothing has been sampled
// yet.
func (e *Executor) LatestUsage(pluginID string) (Usage, Limits, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		usage  Usage
		limits Limits
		at     time.Time
		found  bool
	)
	for _, sess := range e.sessions {
		if sess.PluginID != pluginID || sess.State != SessionRunning || sess.lastUsage == nil {
			continue
		}
		if !found || sess.lastSampled.After(at) {
			usage = *sess.lastUsage
			limits = sess.Limits
			at = sess.lastSampled
			found = true
		}
	}
	return usage, limits, found
}

type runOutcome struct {
	output []byte
	err    error
}

// Execute runs the call inside the session, sampling the probe at the
// configured interval. The session finishes in exactly one of Completed,
// TimedOut, Killed, or Crashed; every terminal state except Completed
// emits one security event.
func (e *Executor) Execute(ctx context.Context, sessionID string, call Call, probe Probe) (*Result, error) {
	e.mu.Lock()
	sess, ok := e.sessions[sessionID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if sess.State != SessionCreated {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: session %s is %s", ErrSessionNotRunnable, sessionID, sess.State)
	}
	runCtx, cancel := context.WithCancel(ctx)
	deadline := time.NewTimer(sess.Limits.MaxDuration)
	defer deadline.Stop()
	defer cancel()

	started := time.Now().UTC()
	sess.State = SessionRunning
	sess.StartedAt = &started
	sess.cancel = cancel
	limits := sess.Limits
	pluginID := sess.PluginID
	e.mu.Unlock()

	if probe == nil {
		probe = NopProbe{}
	}

	done := make(chan runOutcome, 1)
	go func() {
		output, err := call.Run(runCtx)
		done <- runOutcome{output: output, err: err}
	}()

	ticker := time.NewTicker(e.sample)
	defer ticker.Stop()

	var (
		finalState SessionState
		violation  string
	)

loop:
	for {
		select {
		case out := <-done:
			if out.err != nil {
				event := security.NewEvent("sandbox.crashed", security.SeverityMedium, pluginID,
					fmt.Sprintf("session crashed: %v", out.err))
				event.Details = map[string]string{"session_id": sessionID}
				e.sink.Record(ctx, event)
				return e.finalize(ctx, sess, SessionCrashed, out, started, "")
			}
			return e.finalize(ctx, sess, SessionCompleted, out, started, "")
		case <-deadline.C:
			finalState = SessionTimedOut
			break loop
		case <-runCtx.Done():
			// Manual kill or caller cancellation.
			finalState = SessionKilled
			violation = "cancelled"
			break loop
		case <-ticker.C:
			usage, err := probe.Sample()
			if err != nil {
				e.logger.Warn(ctx, "resource probe failed",
					zap.String("session_id", sessionID), zap.Error(err))
				continue
			}
			e.mu.Lock()
			sess.lastUsage = &usage
			sess.lastSampled = time.Now()
			e.mu.Unlock()
			if v := limits.exceeds(usage); v != "" {
				finalState = SessionKilled
				violation = v
				break loop
			}
		}
	}

	// Force termination and wait for Run to return.
	cancel()
	if err := call.Kill(); err != nil {
		e.logger.Warn(ctx, "workload kill failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	out := <-done

	result, runErr := e.finalize(ctx, sess, finalState, out, started, violation)

	severity := security.SeverityHigh
	kind := "sandbox.killed"
	message := fmt.Sprintf("session killed: %s", violation)
	if finalState == SessionTimedOut {
		kind = "sandbox.timeout"
		message = fmt.Sprintf("session exceeded max duration %s", limits.MaxDuration)
	}
	event := security.NewEvent(kind, severity, pluginID, message)
	event.Details = map[string]string{"session_id": sessionID}
	if violation != "" {
		event.Details["violation"] = violation
	}
	e.sink.Record(ctx, event)

	return result, runErr
}

// finalize records the terminal state and builds the result.
func (e *Executor) finalize(ctx context.Context, sess *Session, state SessionState, out runOutcome, started time.Time, violation string) (*Result, error) {
	finished := time.Now().UTC()

	e.mu.Lock()
	sess.State = state
	sess.FinishedAt = &finished
	sess.cancel = nil
	sessionID := sess.ID
	pluginID := sess.PluginID
	e.mu.Unlock()

	result := &Result{
		SessionID: sessionID,
		State:     state,
		Output:    out.output,
		Duration:  finished.Sub(started),
		Err:       out.err,
	}

	fields := []zap.Field{
		zap.String("session_id", sessionID),
		zap.String("plugin_id", pluginID),
		zap.String("state", string(state)),
		zap.Duration("duration", result.Duration),
	}
	if violation != "" {
		fields = append(fields, zap.String("violation", violation))
	}
	switch state {
	case SessionCompleted:
		e.logger.Info(ctx, "sandbox session completed", fields...)
	default:
		e.logger.Warn(ctx, "sandbox session terminated", fields...)
	}
	return result, nil
}
