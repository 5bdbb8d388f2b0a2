package gateway

import (
	"context"
	"io"
	"time"

	"github.com/fyrsmithlabs/agentgate/internal/audit"
	"github.com/fyrsmithlabs/agentgate/internal/benchmark"
	"github.com/fyrsmithlabs/agentgate/internal/governor"
	"github.com/fyrsmithlabs/agentgate/internal/manifest"
	"github.com/fyrsmithlabs/agentgate/internal/permission"
	"github.com/fyrsmithlabs/agentgate/internal/registry"
	"github.com/fyrsmithlabs/agentgate/internal/siem"
	"github.com/fyrsmithlabs/agentgate/internal/vault"
)

// The control surface wraps the component operations that mutate state
// so every administrative action lands in the audit ledger with its
// actor.

// RegisterPlugin validates, verifies, and records a manifest as pending.
func (g *Gateway) RegisterPlugin(ctx context.Context, m manifest.Manifest) (string, error) {
	id, err := g.Registry.Register(ctx, m)
	if err != nil {
		return "", err
	}
	g.audit(ctx, "plugin.registered", m.Publisher, map[string]string{
		"plugin_id": id,
		"version":   m.Version,
	})
	return id, nil
}

// ApprovePlugin moves a pending plugin to approved.
func (g *Gateway) ApprovePlugin(ctx context.Context, pluginID, approver string) error {
	if err := g.Registry.Approve(ctx, pluginID, approver); err != nil {
		return err
	}
	g.audit(ctx, "plugin.approved", approver, map[string]string{"plugin_id": pluginID})
	return nil
}

// RevokePlugin revokes a plugin; the registry hook cascades grant and
// state cleanup.
func (g *Gateway) RevokePlugin(ctx context.Context, pluginID, actor, reason string) error {
	if err := g.Registry.Revoke(ctx, pluginID, actor, reason); err != nil {
		return err
	}
	g.audit(ctx, "plugin.revoked", actor, map[string]string{
		"plugin_id": pluginID,
		"reason":    reason,
	})
	return nil
}

// RequestPermission files a capability request for an approved plugin.
func (g *Gateway) RequestPermission(ctx context.Context, pluginID string, cap manifest.Capability, scope, justification string) (*permission.Request, error) {
	req, err := g.Permissions.Request(ctx, pluginID, cap, scope, justification)
	if err != nil {
		return nil, err
	}
	g.audit(ctx, "permission.requested", pluginID, req)
	return req, nil
}

// ApprovePermission resolves a permission request and mints grants.
func (g *Gateway) ApprovePermission(ctx context.Context, requestID, approver string, ttl time.Duration) error {
	if err := g.Permissions.Approve(ctx, requestID, approver, ttl); err != nil {
		return err
	}
	g.audit(ctx, "permission.approved", approver, map[string]string{"request_id": requestID})
	return nil
}

// DenyPermission resolves a permission request without granting.
func (g *Gateway) DenyPermission(ctx context.Context, requestID, approver, reason string) error {
	if err := g.Permissions.Deny(ctx, requestID, approver, reason); err != nil {
		return err
	}
	g.audit(ctx, "permission.denied", approver, map[string]string{
		"request_id": requestID,
		"reason":     reason,
	})
	return nil
}

// AddCredential stores a secret in the vault. Only metadata is audited.
func (g *Gateway) AddCredential(ctx context.Context, actor, name, domain string, aliases []string, secret []byte) (*vault.Credential, error) {
	cred, err := g.Vault.AddCredential(ctx, name, domain, aliases, secret)
	if err != nil {
		return nil, err
	}
	g.audit(ctx, "credential.added", actor, map[string]string{
		"credential_id": cred.ID,
		"name":          cred.Name,
		"domain":        cred.Domain,
	})
	return cred, nil
}

// RequestInjection files a credential release request for a plugin.
func (g *Gateway) RequestInjection(ctx context.Context, pluginID, credentialID, targetDomain string) (*vault.Injection, error) {
	inj, err := g.Vault.RequestInjection(ctx, pluginID, credentialID, targetDomain)
	if err != nil {
		return nil, err
	}
	g.audit(ctx, "injection.requested", pluginID, inj)
	return inj, nil
}

// ApproveInjection opens the injection's execution window.
func (g *Gateway) ApproveInjection(ctx context.Context, injectionID, approver string) error {
	if err := g.Vault.ApproveInjection(ctx, injectionID, approver); err != nil {
		return err
	}
	g.audit(ctx, "injection.approved", approver, map[string]string{"injection_id": injectionID})
	return nil
}

// DenyInjection refuses a credential release.
func (g *Gateway) DenyInjection(ctx context.Context, injectionID, approver, reason string) error {
	if err := g.Vault.DenyInjection(ctx, injectionID, approver, reason); err != nil {
		return err
	}
	g.audit(ctx, "injection.denied", approver, map[string]string{
		"injection_id": injectionID,
		"reason":       reason,
	})
	return nil
}

// ReleaseQuarantine lifts a plugin's quarantine after review.
func (g *Gateway) ReleaseQuarantine(ctx context.Context, pluginID, actor string) error {
	if err := g.Monitor.ReleaseQuarantine(ctx, pluginID); err != nil {
		return err
	}
	QuarantinedPlugins.Dec()
	g.audit(ctx, "plugin.quarantine_released", actor, map[string]string{"plugin_id": pluginID})
	return nil
}

// ResetBreaker forces a plugin's circuit breaker closed.
func (g *Gateway) ResetBreaker(ctx context.Context, pluginID, actor string) {
	g.Governor.ResetBreaker(ctx, pluginID)
	g.audit(ctx, "breaker.reset", actor, map[string]string{"plugin_id": pluginID})
}

// GetCredential returns credential metadata. The secret stays sealed.
func (g *Gateway) GetCredential(id string) (*vault.Credential, error) {
	return g.Vault.GetCredential(id)
}

// IsQuarantined reports whether the plugin is blocked from execution.
func (g *Gateway) IsQuarantined(pluginID string) bool {
	return g.Monitor.IsQuarantined(pluginID)
}

// PluginStats returns the plugin's admission state.
func (g *Gateway) PluginStats(pluginID string) governor.Stats {
	return g.Governor.Statistics(pluginID)
}

// SecurityReport is an operator snapshot of the security posture.
type SecurityReport struct {
	ApprovedPlugins int              `json:"approved_plugins"`
	PendingPlugins  int              `json:"pending_plugins"`
	RevokedPlugins  int              `json:"revoked_plugins"`
	Monitoring      siem.Snapshot    `json:"monitoring"`
	Admission       []governor.Stats `json:"admission"`
}

// SecurityReportNow assembles the current posture across components.
func (g *Gateway) SecurityReportNow() *SecurityReport {
	snap := g.Monitor.Status()
	report := &SecurityReport{
		ApprovedPlugins: len(g.Registry.List(registry.StateApproved)),
		PendingPlugins:  len(g.Registry.List(registry.StatePending)),
		RevokedPlugins:  len(g.Registry.List(registry.StateRevoked)),
		Monitoring:      snap,
		Admission:       make([]governor.Stats, 0, len(snap.Monitored)),
	}
	for _, id := range snap.Monitored {
		report.Admission = append(report.Admission, g.Governor.Statistics(id))
	}
	return report
}

// RunBenchmark measures one invocation and refreshes the plugin's tier.
func (g *Gateway) RunBenchmark(ctx context.Context, pluginID string, fn func(ctx context.Context) error) (*benchmark.Summary, error) {
	summary, err := g.Benchmarks.Run(ctx, pluginID, fn)
	if err != nil {
		return nil, err
	}
	g.audit(ctx, "benchmark.completed", "gateway", summary)
	return summary, nil
}

// VerifyAudit walks the ledger chain. Zero bounds mean the whole chain.
func (g *Gateway) VerifyAudit(from, to uint64) (*audit.VerifyReport, error) {
	return g.Ledger.VerifyIntegrity(from, to)
}

// ExportAudit writes the ledger to w; the export is itself audited.
// Zero bounds mean the whole chain.
func (g *Gateway) ExportAudit(ctx context.Context, w io.Writer, format, actor string, from, to uint64) error {
	return g.Ledger.Export(ctx, w, format, actor, from, to)
}
