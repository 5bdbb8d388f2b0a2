package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InjectionState tracks an injection through its lifecycle.
type InjectionState string

const (
	InjectionRequested InjectionState = "requested"
	InjectionApproved  InjectionState = "approved"
	InjectionDenied    InjectionState = "denied"
	InjectionExecuted  InjectionState = "executed"
	InjectionExpired   InjectionState = "expired"
)

// Injection is one plugin's request to receive a credential. The secret
// is released exactly once, on the first ExecuteInjection after approval,
// and only while the approval window is open.
type Injection struct {
	ID           string         `json:"id"`
	PluginID     string         `json:"plugin_id"`
	CredentialID string         `json:"credential_id"`
	TargetDomain string         `json:"target_domain"`
	State        InjectionState `json:"state"`
	ResolvedBy   string         `json:"resolved_by,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	RequestedAt  time.Time      `json:"requested_at"`
	ApprovedAt   *time.Time     `json:"approved_at,omitempty"`
	ExecutedAt   *time.Time     `json:"executed_at,omitempty"`
}

// RequestInjection files a request for pluginID to receive credentialID
// for use against targetDomain. The target must match the credential's
// domain or one of its aliases; a mismatch fails with ErrDomainMismatch
// before any approval can happen.
func (v *Vault) RequestInjection(ctx context.Context, pluginID, credentialID, targetDomain string) (*Injection, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	stored, ok := v.data.Credentials[credentialID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCredentialNotFound, credentialID)
	}
	if !stored.Credential.matchesDomain(targetDomain) {
		return nil, fmt.Errorf("%w: credential %s is scoped to %s, requested for %s",
			ErrDomainMismatch, credentialID, stored.Credential.Domain, targetDomain)
	}

	inj := &Injection{
		ID:           "inj_" + uuid.NewString(),
		PluginID:     pluginID,
		CredentialID: credentialID,
		TargetDomain: targetDomain,
		State:        InjectionRequested,
		RequestedAt:  v.now().UTC(),
	}
	v.data.Injections[inj.ID] = inj

	if err := v.save(); err != nil {
		delete(v.data.Injections, inj.ID)
		return nil, err
	}

	v.logger.Info(ctx, "injection requested",
		zap.String("injection_id", inj.ID),
		zap.String("plugin_id", pluginID),
		zap.String("credential_id", credentialID),
		zap.String("target_domain", targetDomain),
	)
	clone := *inj
	return &clone, nil
}

// ApproveInjection moves Requested to Approved and starts the approval
// window. Resolving twice fails with ErrInjectionResolved.
func (v *Vault) ApproveInjection(ctx context.Context, injectionID, approver string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	inj, ok := v.data.Injections[injectionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInjectionNotFound, injectionID)
	}
	if inj.State != InjectionRequested {
		return fmt.Errorf("%w: injection %s is %s", ErrInjectionResolved, injectionID, inj.State)
	}

	now := v.now().UTC()
	inj.State = InjectionApproved
	inj.ResolvedBy = approver
	inj.ApprovedAt = &now

	if err := v.save(); err != nil {
		return err
	}
	v.logger.Info(ctx, "injection approved",
		zap.String("injection_id", injectionID),
		zap.String("approver", approver),
		zap.Duration("window", v.approvalWindow),
	)
	return nil
}

// DenyInjection moves Requested to Denied.
func (v *Vault) DenyInjection(ctx context.Context, injectionID, approver, reason string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	inj, ok := v.data.Injections[injectionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInjectionNotFound, injectionID)
	}
	if inj.State != InjectionRequested {
		return fmt.Errorf("%w: injection %s is %s", ErrInjectionResolved, injectionID, inj.State)
	}

	inj.State = InjectionDenied
	inj.ResolvedBy = approver
	inj.Reason = reason

	if err := v.save(); err != nil {
		return err
	}
	v.logger.Info(ctx, "injection denied",
		zap.String("injection_id", injectionID),
		zap.String("reason", reason),
	)
	return nil
}

// ExecuteInjection releases the credential plaintext for an approved
// injection. Single use: the first call consumes the approval, a second
// fails with ErrAlreadyConsumed. Calling after the approval window closes
// fails with ErrApprovalExpired and marks the injection Expired.
func (v *Vault) ExecuteInjection(ctx context.Context, injectionID string) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	inj, ok := v.data.Injections[injectionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInjectionNotFound, injectionID)
	}

	switch inj.State {
	case InjectionApproved:
		// fall through to window check
	case InjectionExecuted:
		return nil, fmt.Errorf("%w: injection %s", ErrAlreadyConsumed, injectionID)
	case InjectionExpired:
		return nil, fmt.Errorf("%w: injection %s", ErrApprovalExpired, injectionID)
	default:
		return nil, fmt.Errorf("%w: injection %s is %s", ErrNotApproved, injectionID, inj.State)
	}

	now := v.now().UTC()
	if v.approvalWindow > 0 && now.After(inj.ApprovedAt.Add(v.approvalWindow)) {
		inj.State = InjectionExpired
		if err := v.save(); err != nil {
			return nil, err
		}
		v.logger.Warn(ctx, "injection approval expired",
			zap.String("injection_id", injectionID),
			zap.String("plugin_id", inj.PluginID),
		)
		return nil, fmt.Errorf("%w: injection %s", ErrApprovalExpired, injectionID)
	}

	stored, ok := v.data.Credentials[inj.CredentialID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCredentialNotFound, inj.CredentialID)
	}
	secret, err := v.keys.open(stored.Envelope)
	if err != nil {
		return nil, err
	}

	inj.State = InjectionExecuted
	inj.ExecutedAt = &now
	if err := v.save(); err != nil {
		inj.State = InjectionApproved
		inj.ExecutedAt = nil
		zero(secret)
		return nil, err
	}

	v.logger.Info(ctx, "injection executed",
		zap.String("injection_id", injectionID),
		zap.String("plugin_id", inj.PluginID),
		zap.String("credential_id", inj.CredentialID),
	)
	return secret, nil
}

// GetInjection returns an injection record by id.
func (v *Vault) GetInjection(injectionID string) (*Injection, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	inj, ok := v.data.Injections[injectionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrInjectionNotFound, injectionID)
	}
	clone := *inj
	return &clone, nil
}
