package manifest

import (
	"fmt"
)

// Validate checks the manifest against the schema rules. All violations
// are collected so the publisher sees every problem at once; the returned
// error wraps ErrSchemaInvalid.
func (m *Manifest) Validate() error {
	var errs []string

	if m.ID == "" {
		errs = append(errs, "id is required")
	} else if !idPattern.MatchString(m.ID) {
		errs = append(errs, "id must be alphanumeric with hyphens/underscores, 3-50 chars")
	}

	if m.Name == "" {
		errs = append(errs, "name is required")
	} else if len(m.Name) > maxNameLength {
		errs = append(errs, fmt.Sprintf("name too long (max %d)", maxNameLength))
	}

	if m.Version == "" {
		errs = append(errs, "version is required")
	} else if !versionPattern.MatchString(m.Version) {
		errs = append(errs, "version must be semantic (e.g. 1.0.0)")
	}

	if m.Description == "" {
		errs = append(errs, "description is required")
	} else if len(m.Description) > maxDescriptionLength {
		errs = append(errs, fmt.Sprintf("description too long (max %d)", maxDescriptionLength))
	}

	if m.Publisher == "" {
		errs = append(errs, "publisher is required")
	}

	if len(m.Capabilities) == 0 {
		errs = append(errs, "at least one capability is required")
	} else if len(m.Capabilities) > maxCapabilities {
		errs = append(errs, fmt.Sprintf("too many capabilities (max %d)", maxCapabilities))
	}
	seen := make(map[Capability]bool, len(m.Capabilities))
	for _, grant := range m.Capabilities {
		if !grant.Capability.Valid() {
			errs = append(errs, fmt.Sprintf("unknown capability %q (extension capabilities need the %q prefix)", grant.Capability, extensionPrefix))
			continue
		}
		if seen[grant.Capability] {
			errs = append(errs, fmt.Sprintf("duplicate capability %q", grant.Capability))
		}
		seen[grant.Capability] = true
	}

	if m.RiskTier != "" && !m.RiskTier.Valid() {
		errs = append(errs, fmt.Sprintf("invalid risk_tier %q", m.RiskTier))
	}

	if m.Resources != nil {
		if m.Resources.MaxCPUPercent < 0 || m.Resources.MaxCPUPercent > 100 {
			errs = append(errs, "resources.max_cpu_percent must be in [0,100]")
		}
		if m.Resources.MaxMemoryMB < 0 {
			errs = append(errs, "resources.max_memory_mb must be >= 0")
		}
		if m.Resources.MaxDurationS < 0 {
			errs = append(errs, "resources.max_duration_s must be >= 0")
		}
	}

	if m.PublisherKey == "" {
		errs = append(errs, "publisher_key is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", ErrSchemaInvalid, errs)
	}
	return nil
}

// CapabilitySet returns the declared capabilities as a lookup set,
// including implied dependencies.
func (m *Manifest) CapabilitySet() map[Capability]bool {
	set := make(map[Capability]bool, len(m.Capabilities))
	for _, grant := range m.Capabilities {
		set[grant.Capability] = true
		for _, dep := range grant.Capability.Dependencies() {
			set[dep] = true
		}
	}
	return set
}
