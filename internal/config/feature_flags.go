package config

// FlagResolver resolves a feature flag for an org against the site-wide
// defaults and the org's own allowlist. Resolution is fail-open: an unknown
// flag name, or an org with no entry at all, resolves to enabled (§6).
type FlagResolver struct {
	flags FeatureFlagsConfig
}

func NewFlagResolver(flags FeatureFlagsConfig) *FlagResolver {
	return &FlagResolver{flags: flags}
}

// IsEnabled reports whether flagName is enabled for orgID.
func (r *FlagResolver) IsEnabled(orgID, flagName string) bool {
	if allow, ok := r.flags.Allowlists[orgID]; ok {
		if enabled, ok := allow[flagName]; ok {
			return enabled
		}
	}
	if enabled, ok := r.flags.Defaults[flagName]; ok {
		return enabled
	}
	// Unknown flag => fail-open.
	return true
}
