package extension

import (
	"fmt"
	"slices"
)

// Policy governs which capabilities an extension may request.
type Policy struct {
	AllowedCapabilities []Capability `yaml:"allowedCapabilities"`
	DeniedCapabilities  []Capability `yaml:"deniedCapabilities"`
}

// IsZero reports whether the policy constrains nothing.
func (p Policy) IsZero() bool {
	return len(p.AllowedCapabilities) == 0 && len(p.DeniedCapabilities) == 0
}

// Merge fills the empty lists of p from other.
func (p Policy) Merge(other Policy) Policy {
	if len(p.AllowedCapabilities) == 0 {
		p.AllowedCapabilities = other.AllowedCapabilities
	}
	if len(p.DeniedCapabilities) == 0 {
		p.DeniedCapabilities = other.DeniedCapabilities
	}
	return p
}

// MergePolicies combines host defaults with an optional per-extension override.
func MergePolicies(defaults Policy, override *Policy) Policy {
	if override == nil {
		return defaults
	}
	merged := override.Merge(defaults)
	if merged.IsZero() {
		return defaults
	}
	return merged
}

// PolicyEnforcer decides whether an extension may be activated under a policy.
type PolicyEnforcer interface {
	Validate(desc Description, policy Policy) error
}

// CapabilityEnforcer checks requested capabilities against allow and deny lists.
// An empty allow list permits everything that is not denied.
type CapabilityEnforcer struct{}

// Validate implements PolicyEnforcer.
func (CapabilityEnforcer) Validate(desc Description, policy Policy) error {
	for _, c := range policy.DeniedCapabilities {
		if slices.Contains(desc.Capabilities, c) {
			return fmt.Errorf("capability %s is explicitly denied", c)
		}
	}
	if len(policy.AllowedCapabilities) == 0 {
		return nil
	}
	for _, c := range desc.Capabilities {
		if !slices.Contains(policy.AllowedCapabilities, c) {
			return fmt.Errorf("capability %s not permitted", c)
		}
	}
	return nil
}
