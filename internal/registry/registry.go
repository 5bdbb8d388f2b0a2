// Package registry owns plugin lifecycle state: every plugin admitted to
// the gateway has exactly one registration here, moving through
// Pending -> Approved -> Revoked. Revocation is a soft delete; the record
// is retained for audit.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentgate/internal/logging"
	"github.com/fyrsmithlabs/agentgate/internal/manifest"
)

// Errors for registry operations.
var (
	ErrDuplicateID     = errors.New("plugin id already registered")
	ErrNotFound        = errors.New("plugin not found")
	ErrInvalidState    = errors.New("invalid lifecycle transition")
	ErrRegistryCorrupt = errors.New("registry file corrupted")
)

// State is a registration's lifecycle state.
type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateRevoked  State = "revoked"
)

// LifecycleEvent records one lifecycle transition on a registration.
type LifecycleEvent struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason,omitempty"`
	From      State     `json:"from,omitempty"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// Registration binds a validated manifest to its lifecycle state.
type Registration struct {
	Manifest   manifest.Manifest `json:"manifest"`
	State      State             `json:"state"`
	ApprovedBy string            `json:"approved_by,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Events     []LifecycleEvent  `json:"events"`
}

// RevocationHook is invoked after a registration transitions to Revoked,
// outside the registry lock. The permission broker registers one to
// cascade grant revocation.
type RevocationHook func(ctx context.Context, pluginID string)

// registryFile is the persisted structure.
type registryFile struct {
	Version int                      `json:"version"`
	Plugins map[string]*Registration `json:"plugins"`
}

// Registry manages plugin registrations with JSON persistence.
type Registry struct {
	mu       sync.RWMutex
	data     *registryFile
	filePath string
	logger   *logging.Logger

	hookMu sync.RWMutex
	hooks  []RevocationHook
}

// New creates a registry persisting to stateDir/registry.json. Existing
// state is loaded; a missing file starts empty.
func New(stateDir string, logger *logging.Logger) (*Registry, error) {
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	r := &Registry{
		data: &registryFile{
			Version: 1,
			Plugins: make(map[string]*Registration),
		},
		filePath: filepath.Join(stateDir, "registry.json"),
		logger:   logger.Named("registry"),
	}

	if err := r.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}
	return r, nil
}

// OnRevoke registers a hook fired after every revocation.
func (r *Registry) OnRevoke(hook RevocationHook) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Register validates and verifies a manifest and records it as Pending.
// Fails with manifest.ErrSchemaInvalid, manifest.ErrSignatureInvalid, or
// ErrDuplicateID.
func (r *Registry) Register(ctx context.Context, m manifest.Manifest) (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	if err := m.Verify(); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.data.Plugins[m.ID]; exists {
		return "", fmt.Errorf("%w: %s", ErrDuplicateID, m.ID)
	}

	now := time.Now().UTC()
	m.CreatedAt = now
	reg := &Registration{
		Manifest:  m,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
		Events: []LifecycleEvent{{
			ID:        "lc_" + uuid.NewString(),
			Kind:      "registered",
			To:        StatePending,
			Timestamp: now,
		}},
	}
	r.data.Plugins[m.ID] = reg

	if err := r.save(); err != nil {
		delete(r.data.Plugins, m.ID)
		return "", err
	}

	r.logger.Info(ctx, "plugin registered",
		zap.String("plugin_id", m.ID),
		zap.String("version", m.Version),
		zap.String("publisher", m.Publisher),
	)
	return m.ID, nil
}

// Approve transitions Pending -> Approved. Any other starting state fails
// with ErrInvalidState.
func (r *Registry) Approve(ctx context.Context, id, approver string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.data.Plugins[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if reg.State != StatePending {
		return fmt.Errorf("%w: approve requires pending, plugin %s is %s", ErrInvalidState, id, reg.State)
	}

	now := time.Now().UTC()
	reg.State = StateApproved
	reg.ApprovedBy = approver
	reg.UpdatedAt = now
	reg.Events = append(reg.Events, LifecycleEvent{
		ID:        "lc_" + uuid.NewString(),
		Kind:      "approved",
		Actor:     approver,
		From:      StatePending,
		To:        StateApproved,
		Timestamp: now,
	})

	if err := r.save(); err != nil {
		return err
	}
	r.logger.Info(ctx, "plugin approved", zap.String("plugin_id", id), zap.String("approver", approver))
	return nil
}

// Revoke transitions any non-terminal state to Revoked and fires the
// revocation hooks (cascading grant revocation). Revoking an already
// revoked plugin fails with ErrInvalidState.
func (r *Registry) Revoke(ctx context.Context, id, actor, reason string) error {
	r.mu.Lock()
	reg, ok := r.data.Plugins[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if reg.State == StateRevoked {
		r.mu.Unlock()
		return fmt.Errorf("%w: plugin %s already revoked", ErrInvalidState, id)
	}

	now := time.Now().UTC()
	from := reg.State
	reg.State = StateRevoked
	reg.UpdatedAt = now
	reg.Events = append(reg.Events, LifecycleEvent{
		ID:        "lc_" + uuid.NewString(),
		Kind:      "revoked",
		Actor:     actor,
		Reason:    reason,
		From:      from,
		To:        StateRevoked,
		Timestamp: now,
	})
	err := r.save()
	r.mu.Unlock()
	if err != nil {
		return err
	}

	r.logger.Warn(ctx, "plugin revoked",
		zap.String("plugin_id", id),
		zap.String("actor", actor),
		zap.String("reason", reason),
	)

	// Hooks run unlocked; a hook may call back into the registry.
	r.hookMu.RLock()
	hooks := make([]RevocationHook, len(r.hooks))
	copy(hooks, r.hooks)
	r.hookMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, id)
	}
	return nil
}

// Get returns the registration for a plugin id.
func (r *Registry) Get(id string) (*Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.data.Plugins[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	clone := *reg
	return &clone, nil
}

// StateOf returns the lifecycle state for a plugin id.
func (r *Registry) StateOf(id string) (State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.data.Plugins[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return reg.State, nil
}

// IsApproved reports whether the plugin exists and is in the Approved
// state. Satisfies the permission broker's subject check.
func (r *Registry) IsApproved(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.data.Plugins[id]
	return ok && reg.State == StateApproved
}

// List returns all registrations, optionally filtered by state.
func (r *Registry) List(filter State) []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Registration, 0, len(r.data.Plugins))
	for _, reg := range r.data.Plugins {
		if filter != "" && reg.State != filter {
			continue
		}
		clone := *reg
		out = append(out, &clone)
	}
	return out
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.filePath)
	if err != nil {
		return err
	}
	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("%w: %v", ErrRegistryCorrupt, err)
	}
	if file.Plugins == nil {
		file.Plugins = make(map[string]*Registration)
	}
	r.data = &file
	return nil
}

func (r *Registry) save() error {
	data, err := json.MarshalIndent(r.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}

	// Write atomically
	tmpPath := r.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := os.Rename(tmpPath, r.filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename registry: %w", err)
	}
	return nil
}
