// Package manifest defines the signed plugin manifest schema and its
// validation rules. A manifest is immutable once signed; any change ships
// as a new version with a new signature.
package manifest

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrSchemaInvalid indicates the manifest failed schema validation.
	ErrSchemaInvalid = errors.New("manifest schema invalid")

	// ErrSignatureInvalid indicates the publisher signature did not verify.
	ErrSignatureInvalid = errors.New("manifest signature invalid")
)

// Capability names a host capability a plugin may request. The set is
// closed; out-of-catalog capabilities must carry the "ext." prefix and are
// accepted as extension capabilities at parse time.
type Capability string

const (
	CapVaultRead  Capability = "vault.read"
	CapVaultWrite Capability = "vault.write"
	CapVaultAdmin Capability = "vault.admin"

	CapCoreRead  Capability = "core.read"
	CapCoreWrite Capability = "core.write"
	CapCoreAdmin Capability = "core.admin"

	CapNetworkRead  Capability = "network.read"
	CapNetworkWrite Capability = "network.write"
	CapNetworkAdmin Capability = "network.admin"

	CapFileRead    Capability = "file.read"
	CapFileWrite   Capability = "file.write"
	CapFileExecute Capability = "file.execute"

	CapSystemRead    Capability = "system.read"
	CapSystemWrite   Capability = "system.write"
	CapSystemExecute Capability = "system.execute"

	CapAPIRead  Capability = "api.read"
	CapAPIWrite Capability = "api.write"

	CapUserRead  Capability = "user.read"
	CapUserWrite Capability = "user.write"
)

// extensionPrefix marks capabilities outside the fixed catalog.
const extensionPrefix = "ext."

var knownCapabilities = map[Capability]bool{
	CapVaultRead: true, CapVaultWrite: true, CapVaultAdmin: true,
	CapCoreRead: true, CapCoreWrite: true, CapCoreAdmin: true,
	CapNetworkRead: true, CapNetworkWrite: true, CapNetworkAdmin: true,
	CapFileRead: true, CapFileWrite: true, CapFileExecute: true,
	CapSystemRead: true, CapSystemWrite: true, CapSystemExecute: true,
	CapAPIRead: true, CapAPIWrite: true,
	CapUserRead: true, CapUserWrite: true,
}

// Known reports whether the capability is in the fixed catalog.
func (c Capability) Known() bool {
	return knownCapabilities[c]
}

// Extension reports whether the capability uses the extension escape case.
func (c Capability) Extension() bool {
	return strings.HasPrefix(string(c), extensionPrefix) && len(c) > len(extensionPrefix)
}

// Valid reports whether the capability is accepted at parse time.
func (c Capability) Valid() bool {
	return c.Known() || c.Extension()
}

// Dependencies returns capabilities implied by this one. Write access
// implies read access on the same resource.
func (c Capability) Dependencies() []Capability {
	switch c {
	case CapVaultWrite, CapVaultAdmin:
		return []Capability{CapVaultRead}
	case CapCoreWrite, CapCoreAdmin:
		return []Capability{CapCoreRead}
	case CapNetworkWrite, CapNetworkAdmin:
		return []Capability{CapNetworkRead}
	case CapFileWrite, CapFileExecute:
		return []Capability{CapFileRead}
	case CapAPIWrite:
		return []Capability{CapAPIRead, CapNetworkRead}
	case CapAPIRead:
		return []Capability{CapNetworkRead}
	case CapUserWrite:
		return []Capability{CapUserRead}
	}
	return nil
}

// RiskWeight scores the capability for request risk assessment.
// Weights follow the gateway's approval policy: system and vault access
// carry the highest review burden.
func (c Capability) RiskWeight() int {
	switch c {
	case CapVaultRead:
		return 10
	case CapVaultWrite, CapVaultAdmin:
		return 50
	case CapCoreRead:
		return 5
	case CapCoreWrite, CapCoreAdmin:
		return 30
	case CapNetworkRead, CapNetworkWrite, CapNetworkAdmin:
		return 40
	case CapFileRead, CapFileWrite, CapFileExecute:
		return 60
	case CapSystemRead, CapSystemWrite, CapSystemExecute:
		return 80
	case CapAPIRead, CapAPIWrite:
		return 35
	default:
		return 50
	}
}

// RiskTier classifies a plugin's overall risk.
type RiskTier string

const (
	RiskLow      RiskTier = "low"
	RiskModerate RiskTier = "moderate"
	RiskHigh     RiskTier = "high"
	RiskCritical RiskTier = "critical"
)

// Valid reports whether the tier is one of the defined values.
func (r RiskTier) Valid() bool {
	switch r {
	case RiskLow, RiskModerate, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// CapabilityGrant is one requested capability with optional scope.
type CapabilityGrant struct {
	Capability Capability `json:"capability"`
	Scope      string     `json:"scope,omitempty"`
}

// ResourceHints carries optional sandbox sizing hints from the publisher.
// Hints never raise limits above gateway policy; they may lower them.
type ResourceHints struct {
	MaxCPUPercent float64 `json:"max_cpu_percent,omitempty"`
	MaxMemoryMB   int64   `json:"max_memory_mb,omitempty"`
	MaxDurationS  int64   `json:"max_duration_s,omitempty"`
}

// Manifest is a plugin's signed identity and capability declaration.
type Manifest struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Description  string            `json:"description"`
	Publisher    string            `json:"publisher"`
	Capabilities []CapabilityGrant `json:"capabilities"`
	RiskTier     RiskTier          `json:"risk_tier"`
	Resources    *ResourceHints    `json:"resources,omitempty"`

	// PublisherKey is the publisher's ed25519 public key, base64 (raw 32
	// bytes). Signature is the base64 ed25519 signature over SigningBytes.
	PublisherKey string `json:"publisher_key"`
	Signature    string `json:"signature,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Validation bounds.
const (
	maxNameLength        = 100
	maxDescriptionLength = 500
	maxCapabilities      = 20
)

var (
	idPattern      = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,50}$`)
	versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)
)
