package permission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/agentgate/internal/logging"
	"github.com/fyrsmithlabs/agentgate/internal/manifest"
)

func allowAll() SubjectChecker {
	return SubjectCheckerFunc(func(string) bool { return true })
}

func newTestBroker(t *testing.T, subjects SubjectChecker) *Broker {
	t.Helper()
	b, err := New(t.TempDir(), subjects, logging.NewTestLogger().Logger)
	require.NoError(t, err)
	return b
}

func TestRequestRejectsUnapprovedSubject(t *testing.T) {
	b := newTestBroker(t, SubjectCheckerFunc(func(s string) bool { return s == "trusted" }))

	_, err := b.Request(context.Background(), "untrusted", manifest.CapNetworkRead, "", "")
	assert.ErrorIs(t, err, ErrSubjectNotApproved)

	req, err := b.Request(context.Background(), "trusted", manifest.CapNetworkRead, "", "")
	require.NoError(t, err)
	assert.Equal(t, RequestPending, req.State)
}

func TestRequestRejectsInvalidCapability(t *testing.T) {
	b := newTestBroker(t, allowAll())
	_, err := b.Request(context.Background(), "p1", manifest.Capability("bogus"), "", "")
	assert.ErrorIs(t, err, ErrCapabilityInvalid)
}

func TestRequestRiskScore(t *testing.T) {
	b := newTestBroker(t, allowAll())

	req, err := b.Request(context.Background(), "p1", manifest.CapSystemExecute, "", "needs shell")
	require.NoError(t, err)
	assert.Equal(t, 80, req.RiskScore)

	req, err = b.Request(context.Background(), "p1", manifest.CapVaultRead, "", "")
	require.NoError(t, err)
	assert.Equal(t, 10, req.RiskScore)
}

func TestApproveGrantsCapabilityAndDependencies(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, allowAll())

	req, err := b.Request(ctx, "p1", manifest.CapVaultWrite, "", "")
	require.NoError(t, err)

	assert.False(t, b.Check("p1", manifest.CapVaultWrite))

	require.NoError(t, b.Approve(ctx, req.ID, "ops@acme", 0))

	// vault.write implies vault.read.
	assert.True(t, b.Check("p1", manifest.CapVaultWrite))
	assert.True(t, b.Check("p1", manifest.CapVaultRead))
	assert.False(t, b.Check("p1", manifest.CapSystemExecute))
	assert.False(t, b.Check("p2", manifest.CapVaultWrite))
}

func TestApproveResolveOnce(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, allowAll())

	req, err := b.Request(ctx, "p1", manifest.CapNetworkRead, "", "")
	require.NoError(t, err)

	require.NoError(t, b.Approve(ctx, req.ID, "ops@acme", 0))
	assert.ErrorIs(t, b.Approve(ctx, req.ID, "ops@acme", 0), ErrAlreadyResolved)
	assert.ErrorIs(t, b.Deny(ctx, req.ID, "ops@acme", "late"), ErrAlreadyResolved)
}

func TestDeny(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, allowAll())

	req, err := b.Request(ctx, "p1", manifest.CapSystemExecute, "", "")
	require.NoError(t, err)
	require.NoError(t, b.Deny(ctx, req.ID, "ops@acme", "too risky"))

	got, err := b.GetRequest(req.ID)
	require.NoError(t, err)
	assert.Equal(t, RequestDenied, got.State)
	assert.Equal(t, "too risky", got.Reason)
	assert.False(t, b.Check("p1", manifest.CapSystemExecute))
}

func TestGrantExpiry(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, allowAll())

	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return current }

	req, err := b.Request(ctx, "p1", manifest.CapNetworkRead, "", "")
	require.NoError(t, err)
	require.NoError(t, b.Approve(ctx, req.ID, "ops@acme", time.Hour))

	assert.True(t, b.Check("p1", manifest.CapNetworkRead))

	current = current.Add(59 * time.Minute)
	assert.True(t, b.Check("p1", manifest.CapNetworkRead))

	current = current.Add(2 * time.Minute)
	assert.False(t, b.Check("p1", manifest.CapNetworkRead))
	assert.Empty(t, b.GrantsFor("p1"))
}

func TestRevokeSubject(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, allowAll())

	approved, err := b.Request(ctx, "p1", manifest.CapVaultWrite, "", "")
	require.NoError(t, err)
	require.NoError(t, b.Approve(ctx, approved.ID, "ops@acme", 0))

	pending, err := b.Request(ctx, "p1", manifest.CapSystemExecute, "", "")
	require.NoError(t, err)

	other, err := b.Request(ctx, "p2", manifest.CapNetworkRead, "", "")
	require.NoError(t, err)
	require.NoError(t, b.Approve(ctx, other.ID, "ops@acme", 0))

	require.NoError(t, b.RevokeSubject(ctx, "p1"))

	assert.False(t, b.Check("p1", manifest.CapVaultWrite))
	assert.False(t, b.Check("p1", manifest.CapVaultRead))
	assert.True(t, b.Check("p2", manifest.CapNetworkRead))

	got, err := b.GetRequest(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, RequestDenied, got.State)
	assert.Equal(t, "subject revoked", got.Reason)
}

func TestSubjectRisk(t *testing.T) {
	ctx := context.Background()
	b := newTestBroker(t, allowAll())

	req, err := b.Request(ctx, "p1", manifest.CapVaultWrite, "", "")
	require.NoError(t, err)
	require.NoError(t, b.Approve(ctx, req.ID, "ops@acme", 0))

	// vault.write (50) plus implied vault.read (10).
	assert.Equal(t, 60, b.SubjectRisk("p1"))
	assert.Equal(t, 0, b.SubjectRisk("p2"))
}

func TestPersistenceAcrossRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	logger := logging.NewTestLogger().Logger

	b1, err := New(dir, allowAll(), logger)
	require.NoError(t, err)
	req, err := b1.Request(ctx, "p1", manifest.CapNetworkRead, "", "")
	require.NoError(t, err)
	require.NoError(t, b1.Approve(ctx, req.ID, "ops@acme", 0))

	b2, err := New(dir, allowAll(), logger)
	require.NoError(t, err)
	assert.True(t, b2.Check("p1", manifest.CapNetworkRead))

	got, err := b2.GetRequest(req.ID)
	require.NoError(t, err)
	assert.Equal(t, RequestApproved, got.State)
}
