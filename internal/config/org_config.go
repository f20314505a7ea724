package config

import (
	"gopkg.in/yaml.v3"

	"github.com/reflexio/reflexio/internal/errors"
)

// ExtractorConfig is the static, per-org YAML configuration for one
// extractor (profile, feedback, or evaluation), referenced throughout §4.2.
type ExtractorConfig struct {
	Name                   string   `yaml:"name"`
	Service                string   `yaml:"service"` // profile | feedback | evaluation
	RequestSourcesEnabled  []string `yaml:"request_sources_enabled,omitempty"`
	AllowManualTrigger     bool     `yaml:"allow_manual_trigger"`
	WindowSize             int      `yaml:"window_size,omitempty"`
	Stride                 int      `yaml:"stride,omitempty"`
}

// EffectiveWindow resolves the per-extractor window/stride override against
// the org-wide defaults (§4.2 step 1.a).
func (e ExtractorConfig) EffectiveWindow(globalWindowSize, globalStride int) (windowSize, stride int) {
	windowSize = e.WindowSize
	if windowSize <= 0 {
		windowSize = globalWindowSize
	}
	stride = e.Stride
	if stride <= 0 {
		stride = globalStride
	}
	return windowSize, stride
}

// SourceEnabled reports whether this extractor should run for the given
// request source (§4.2 step 1).
func (e ExtractorConfig) SourceEnabled(source string) bool {
	if len(e.RequestSourcesEnabled) == 0 {
		return true
	}
	for _, s := range e.RequestSourcesEnabled {
		if s == source {
			return true
		}
	}
	return false
}

// AgentSuccessConfig configures the evaluation service's success definition
// (§4.5).
type AgentSuccessConfig struct {
	EvaluationName string   `yaml:"evaluation_name"`
	ToolSet        []string `yaml:"tool_set,omitempty"`
	ActionSpace    []string `yaml:"action_space,omitempty"`
	SamplingRate   float64  `yaml:"sampling_rate"`
}

// OrgConfig is the full per-org extraction/evaluation configuration
// document (§4.2 "static ExtractorConfig[] from the per-org YAML").
type OrgConfig struct {
	OrgID                string                `yaml:"org_id"`
	ExtractionWindowSize int                   `yaml:"extraction_window_size"`
	ExtractionStride     int                   `yaml:"extraction_stride"`
	Extractors           []ExtractorConfig     `yaml:"extractors"`
	AgentSuccess         []AgentSuccessConfig  `yaml:"agent_success"`
	FeatureFlags         map[string]bool       `yaml:"feature_flags,omitempty"`
}

func orgConfigDefaults() *OrgConfig {
	return &OrgConfig{
		ExtractionWindowSize: 10,
		ExtractionStride:     5,
	}
}

// ParseOrgConfig parses a per-org YAML document.
func ParseOrgConfig(data []byte) (*OrgConfig, error) {
	cfg := orgConfigDefaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "parsing org config")
	}
	return cfg, nil
}

// ExtractorsFor filters this org's extractors by service name.
func (o *OrgConfig) ExtractorsFor(service string) []ExtractorConfig {
	var out []ExtractorConfig
	for _, e := range o.Extractors {
		if e.Service == service {
			out = append(out, e)
		}
	}
	return out
}
