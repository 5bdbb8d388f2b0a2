package manifest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}

func validManifest() Manifest {
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	return Manifest{
		ID:          "weather-fetcher",
		Name:        "Weather Fetcher",
		Version:     "1.2.0",
		Description: "Fetches weather data from upstream APIs.",
		Publisher:   "acme-tools",
		Capabilities: []CapabilityGrant{
			{Capability: CapNetworkRead},
			{Capability: CapAPIRead, Scope: "weather.example.com"},
		},
		PublisherKey: encodeKey(pub),
	}
}

func TestCapabilityCatalog(t *testing.T) {
	tests := []struct {
		cap       Capability
		known     bool
		extension bool
		valid     bool
	}{
		{CapVaultRead, true, false, true},
		{CapSystemExecute, true, false, true},
		{Capability("ext.custom-tool"), false, true, true},
		{Capability("bogus"), false, false, false},
		{Capability("ext."), false, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.cap), func(t *testing.T) {
			assert.Equal(t, tt.known, tt.cap.Known())
			assert.Equal(t, tt.extension, tt.cap.Extension())
			assert.Equal(t, tt.valid, tt.cap.Valid())
		})
	}
}

func TestCapabilityDependencies(t *testing.T) {
	assert.Contains(t, CapVaultWrite.Dependencies(), CapVaultRead)
	assert.Contains(t, CapAPIRead.Dependencies(), CapNetworkRead)
	assert.Empty(t, CapNetworkRead.Dependencies())
}

func TestCapabilityRiskWeight(t *testing.T) {
	assert.Equal(t, 10, CapVaultRead.RiskWeight())
	assert.Equal(t, 50, CapVaultWrite.RiskWeight())
	assert.Equal(t, 80, CapSystemExecute.RiskWeight())
	// Extension capabilities fall back to the default weight.
	assert.Equal(t, 50, Capability("ext.custom-tool").RiskWeight())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Manifest)
		wantErr string
	}{
		{"valid", func(m *Manifest) {}, ""},
		{"id too short", func(m *Manifest) { m.ID = "ab" }, "id"},
		{"id bad chars", func(m *Manifest) { m.ID = "has space" }, "id"},
		{"version not semver", func(m *Manifest) { m.Version = "1.2" }, "version"},
		{"name too long", func(m *Manifest) { m.Name = strings.Repeat("x", 101) }, "name"},
		{"description too long", func(m *Manifest) { m.Description = strings.Repeat("x", 501) }, "description"},
		{"missing publisher", func(m *Manifest) { m.Publisher = "" }, "publisher"},
		{"no capabilities", func(m *Manifest) { m.Capabilities = nil }, "capabilit"},
		{"unknown capability", func(m *Manifest) {
			m.Capabilities = []CapabilityGrant{{Capability: "bogus"}}
		}, "capability"},
		{"too many capabilities", func(m *Manifest) {
			m.Capabilities = nil
			for i := 0; i < 21; i++ {
				m.Capabilities = append(m.Capabilities, CapabilityGrant{
					Capability: Capability("ext.cap-" + strings.Repeat("a", i+1)),
				})
			}
		}, "capabilities"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validManifest()
			tt.mutate(&m)
			err := m.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrSchemaInvalid)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateCollectsAllViolations(t *testing.T) {
	m := validManifest()
	m.ID = "ab"
	m.Version = "nope"
	err := m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "id")
	assert.Contains(t, err.Error(), "version")
}

func TestCapabilitySetIncludesDependencies(t *testing.T) {
	m := validManifest()
	m.Capabilities = []CapabilityGrant{{Capability: CapVaultWrite}}
	set := m.CapabilitySet()
	assert.True(t, set[CapVaultWrite])
	assert.True(t, set[CapVaultRead])
}

func TestSignAndVerify(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	m := validManifest()
	require.NoError(t, m.Sign(priv))
	assert.NotEmpty(t, m.PublisherKey)
	assert.NotEmpty(t, m.Signature)
	assert.NoError(t, m.Verify())
}

func TestVerifyRejectsTampering(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Manifest)
	}{
		{"changed name", func(m *Manifest) { m.Name = "Totally Different" }},
		{"changed version", func(m *Manifest) { m.Version = "9.9.9" }},
		{"changed description", func(m *Manifest) { m.Description = "harmless" }},
		{"escalated capabilities", func(m *Manifest) {
			m.Capabilities = append(m.Capabilities, CapabilityGrant{Capability: CapSystemExecute})
		}},
		{"swapped key", func(m *Manifest) {
			pub, _, _ := ed25519.GenerateKey(rand.Reader)
			m.PublisherKey = encodeKey(pub)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validManifest()
			require.NoError(t, m.Sign(priv))
			tt.mutate(&m)
			assert.ErrorIs(t, m.Verify(), ErrSignatureInvalid)
		})
	}
}

func TestVerifyUnsigned(t *testing.T) {
	m := validManifest()
	assert.ErrorIs(t, m.Verify(), ErrSignatureInvalid)
}

func TestSigningBytesDeterministic(t *testing.T) {
	a := validManifest()
	b := validManifest()
	// Capability order does not affect the signed payload.
	b.Capabilities = []CapabilityGrant{b.Capabilities[1], b.Capabilities[0]}

	ba, err := a.SigningBytes()
	require.NoError(t, err)
	bb, err := b.SigningBytes()
	require.NoError(t, err)
	assert.Equal(t, ba, bb)
}

func TestFingerprintStable(t *testing.T) {
	m := validManifest()
	f1, err := m.Fingerprint()
	require.NoError(t, err)
	f2, err := m.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, f1, f2)

	m.Version = "2.0.0"
	f3, err := m.Fingerprint()
	require.NoError(t, err)
	assert.NotEqual(t, f1, f3)
}
