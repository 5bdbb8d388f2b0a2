package manifest

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
)

// signingPayload is the canonical subset of manifest fields covered by the
// publisher signature. Mutable bookkeeping (timestamps, the signature
// itself) is excluded; changing any covered field requires re-signing.
type signingPayload struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Description  string            `json:"description"`
	Publisher    string            `json:"publisher"`
	Capabilities []CapabilityGrant `json:"capabilities"`
	RiskTier     RiskTier          `json:"risk_tier"`
}

// SigningBytes returns the canonical byte representation the publisher
// signs: deterministic JSON with capabilities sorted by name.
func (m *Manifest) SigningBytes() ([]byte, error) {
	caps := make([]CapabilityGrant, len(m.Capabilities))
	copy(caps, m.Capabilities)
	sort.Slice(caps, func(i, j int) bool {
		if caps[i].Capability != caps[j].Capability {
			return caps[i].Capability < caps[j].Capability
		}
		return caps[i].Scope < caps[j].Scope
	})

	payload := signingPayload{
		ID:           m.ID,
		Name:         m.Name,
		Version:      m.Version,
		Description:  m.Description,
		Publisher:    m.Publisher,
		Capabilities: caps,
		RiskTier:     m.RiskTier,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling signing payload: %w", err)
	}
	return data, nil
}

// contentHash returns the SHA-256 digest of the signing bytes. The
// signature covers the digest, not the raw payload, so verifiers can log
// the content hash as the manifest's fingerprint.
func (m *Manifest) contentHash() ([]byte, error) {
	data, err := m.SigningBytes()
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}

// Fingerprint returns the base64-encoded content hash used in audit
// entries and registry listings.
func (m *Manifest) Fingerprint() (string, error) {
	digest, err := m.contentHash()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(digest), nil
}

// Sign signs the manifest with the publisher's private key and stores the
// signature and public key on the manifest. Used by publisher tooling and
// tests; the gateway itself only verifies.
func (m *Manifest) Sign(priv ed25519.PrivateKey) error {
	digest, err := m.contentHash()
	if err != nil {
		return err
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("unexpected public key type")
	}
	m.PublisherKey = base64.StdEncoding.EncodeToString(pub)
	m.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, digest))
	return nil
}

// Verify checks the manifest signature against the declared publisher key.
// Returns an error wrapping ErrSignatureInvalid on any failure: missing
// signature, malformed key, or digest mismatch.
func (m *Manifest) Verify() error {
	if m.Signature == "" {
		return fmt.Errorf("%w: manifest is unsigned", ErrSignatureInvalid)
	}
	pubBytes, err := base64.StdEncoding.DecodeString(m.PublisherKey)
	if err != nil {
		return fmt.Errorf("%w: malformed publisher key: %v", ErrSignatureInvalid, err)
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: publisher key must be %d bytes, got %d", ErrSignatureInvalid, ed25519.PublicKeySize, len(pubBytes))
	}
	sig, err := base64.StdEncoding.DecodeString(m.Signature)
	if err != nil {
		return fmt.Errorf("%w: malformed signature: %v", ErrSignatureInvalid, err)
	}
	digest, err := m.contentHash()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pubBytes), digest, sig) {
		return fmt.Errorf("%w: signature does not match content hash", ErrSignatureInvalid)
	}
	return nil
}
