package vault

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/agentgate/internal/logging"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	key, err := GenerateMasterKey()
	require.NoError(t, err)
	v, err := New(t.TempDir(), key, 5*time.Minute, logging.NewTestLogger().Logger)
	require.NoError(t, err)
	return v
}

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := GenerateMasterKey()
	require.NoError(t, err)
	keys, err := newKeyring(key)
	require.NoError(t, err)

	env, err := keys.seal([]byte("sk-live-abc123"))
	require.NoError(t, err)
	assert.NotContains(t, env.Ciphertext, "sk-live")

	plaintext, err := keys.open(env)
	require.NoError(t, err)
	assert.Equal(t, []byte("sk-live-abc123"), plaintext)
}

func TestOpenWithWrongMasterKey(t *testing.T) {
	keyA, err := GenerateMasterKey()
	require.NoError(t, err)
	keyB, err := GenerateMasterKey()
	require.NoError(t, err)

	ringA, err := newKeyring(keyA)
	require.NoError(t, err)
	ringB, err := newKeyring(keyB)
	require.NoError(t, err)

	env, err := ringA.seal([]byte("secret"))
	require.NoError(t, err)
	_, err = ringB.open(env)
	assert.Error(t, err)
}

func TestAddCredential(t *testing.T) {
	ctx := context.Background()
	v := newTestVault(t)

	cred, err := v.AddCredential(ctx, "weather-api-key", "api.weather.example.com", []string{"weather.example.com"}, []byte("sk-123"))
	require.NoError(t, err)
	assert.NotEmpty(t, cred.ID)
	assert.Equal(t, "weather-api-key", cred.Name)

	_, err = v.AddCredential(ctx, "weather-api-key", "other.example.com", nil, []byte("sk-456"))
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestGetCredentialReturnsMetadataOnly(t *testing.T) {
	ctx := context.Background()
	v := newTestVault(t)

	cred, err := v.AddCredential(ctx, "api-key", "api.example.com", nil, []byte("sk-secret-value"))
	require.NoError(t, err)

	got, err := v.GetCredential(cred.ID)
	require.NoError(t, err)
	assert.Equal(t, cred.ID, got.ID)

	// Metadata marshals without any trace of the secret.
	raw, err := json.Marshal(got)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sk-secret-value")
}

func TestPersistedFileHoldsNoPlaintext(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	key, err := GenerateMasterKey()
	require.NoError(t, err)
	v, err := New(dir, key, time.Minute, logging.NewTestLogger().Logger)
	require.NoError(t, err)

	_, err = v.AddCredential(ctx, "api-key", "api.example.com", nil, []byte("sk-super-secret"))
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, "vault.json"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sk-super-secret")
}

func TestRequestInjectionDomainMatch(t *testing.T) {
	ctx := context.Background()
	v := newTestVault(t)

	cred, err := v.AddCredential(ctx, "api-key", "api.example.com", []string{"alias.example.com"}, []byte("sk-1"))
	require.NoError(t, err)

	_, err = v.RequestInjection(ctx, "p1", cred.ID, "evil.example.com")
	assert.ErrorIs(t, err, ErrDomainMismatch)

	inj, err := v.RequestInjection(ctx, "p1", cred.ID, "api.example.com")
	require.NoError(t, err)
	assert.Equal(t, InjectionRequested, inj.State)

	// Aliases satisfy the domain check, case-insensitively.
	_, err = v.RequestInjection(ctx, "p1", cred.ID, "ALIAS.example.com")
	assert.NoError(t, err)
}

func TestInjectionLifecycleSingleUse(t *testing.T) {
	ctx := context.Background()
	v := newTestVault(t)

	cred, err := v.AddCredential(ctx, "api-key", "api.example.com", nil, []byte("sk-1"))
	require.NoError(t, err)
	inj, err := v.RequestInjection(ctx, "p1", cred.ID, "api.example.com")
	require.NoError(t, err)

	// Execution before approval fails.
	_, err = v.ExecuteInjection(ctx, inj.ID)
	assert.ErrorIs(t, err, ErrNotApproved)

	require.NoError(t, v.ApproveInjection(ctx, inj.ID, "ops@acme"))

	secret, err := v.ExecuteInjection(ctx, inj.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("sk-1"), secret)

	// Second execution is refused.
	_, err = v.ExecuteInjection(ctx, inj.ID)
	assert.ErrorIs(t, err, ErrAlreadyConsumed)

	got, err := v.GetInjection(inj.ID)
	require.NoError(t, err)
	assert.Equal(t, InjectionExecuted, got.State)
}

func TestInjectionApprovalWindow(t *testing.T) {
	ctx := context.Background()
	v := newTestVault(t)

	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return current }

	cred, err := v.AddCredential(ctx, "api-key", "api.example.com", nil, []byte("sk-1"))
	require.NoError(t, err)
	inj, err := v.RequestInjection(ctx, "p1", cred.ID, "api.example.com")
	require.NoError(t, err)
	require.NoError(t, v.ApproveInjection(ctx, inj.ID, "ops@acme"))

	current = current.Add(6 * time.Minute) // window is 5 minutes
	_, err = v.ExecuteInjection(ctx, inj.ID)
	assert.ErrorIs(t, err, ErrApprovalExpired)

	got, err := v.GetInjection(inj.ID)
	require.NoError(t, err)
	assert.Equal(t, InjectionExpired, got.State)

	// Expired stays expired.
	_, err = v.ExecuteInjection(ctx, inj.ID)
	assert.ErrorIs(t, err, ErrApprovalExpired)
}

func TestInjectionResolveOnce(t *testing.T) {
	ctx := context.Background()
	v := newTestVault(t)

	cred, err := v.AddCredential(ctx, "api-key", "api.example.com", nil, []byte("sk-1"))
	require.NoError(t, err)
	inj, err := v.RequestInjection(ctx, "p1", cred.ID, "api.example.com")
	require.NoError(t, err)

	require.NoError(t, v.DenyInjection(ctx, inj.ID, "ops@acme", "not needed"))
	assert.ErrorIs(t, v.ApproveInjection(ctx, inj.ID, "ops@acme"), ErrInjectionResolved)
	assert.ErrorIs(t, v.DenyInjection(ctx, inj.ID, "ops@acme", "again"), ErrInjectionResolved)

	_, err = v.ExecuteInjection(ctx, inj.ID)
	assert.ErrorIs(t, err, ErrNotApproved)
}

func TestPersistenceAcrossRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	key, err := GenerateMasterKey()
	require.NoError(t, err)
	logger := logging.NewTestLogger().Logger

	v1, err := New(dir, key, 5*time.Minute, logger)
	require.NoError(t, err)
	cred, err := v1.AddCredential(ctx, "api-key", "api.example.com", nil, []byte("sk-persisted"))
	require.NoError(t, err)
	inj, err := v1.RequestInjection(ctx, "p1", cred.ID, "api.example.com")
	require.NoError(t, err)
	require.NoError(t, v1.ApproveInjection(ctx, inj.ID, "ops@acme"))

	v2, err := New(dir, key, 5*time.Minute, logger)
	require.NoError(t, err)
	secret, err := v2.ExecuteInjection(ctx, inj.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("sk-persisted"), secret)
}

func TestDeleteCredential(t *testing.T) {
	ctx := context.Background()
	v := newTestVault(t)

	cred, err := v.AddCredential(ctx, "api-key", "api.example.com", nil, []byte("sk-1"))
	require.NoError(t, err)
	require.NoError(t, v.DeleteCredential(ctx, cred.ID))

	_, err = v.GetCredential(cred.ID)
	assert.ErrorIs(t, err, ErrCredentialNotFound)
	assert.ErrorIs(t, v.DeleteCredential(ctx, cred.ID), ErrCredentialNotFound)
}
