package config_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/reflexio/reflexio/internal/config"
)

var _ = Describe("OrgConfig", func() {
	Describe("ParseOrgConfig", func() {
		It("parses extractors and agent success configs", func() {
			doc := []byte(`
org_id: org1
extraction_window_size: 10
extraction_stride: 5
extractors:
  - name: tone_extractor
    service: feedback
    allow_manual_trigger: true
    window_size: 3
    stride: 2
  - name: profile_extractor
    service: profile
agent_success:
  - evaluation_name: default
    sampling_rate: 0.5
`)
			cfg, err := config.ParseOrgConfig(doc)
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.OrgID).To(Equal("org1"))
			Expect(cfg.ExtractorsFor("feedback")).To(HaveLen(1))
			Expect(cfg.ExtractorsFor("profile")).To(HaveLen(1))
			Expect(cfg.ExtractorsFor("evaluation")).To(BeEmpty())
		})

		It("applies defaults when the document is empty", func() {
			cfg, err := config.ParseOrgConfig([]byte(``))
			Expect(err).NotTo(HaveOccurred())
			Expect(cfg.ExtractionWindowSize).To(Equal(10))
			Expect(cfg.ExtractionStride).To(Equal(5))
		})
	})

	Describe("ExtractorConfig.EffectiveWindow", func() {
		It("falls back to the org-wide defaults when unset", func() {
			e := config.ExtractorConfig{}
			w, s := e.EffectiveWindow(10, 5)
			Expect(w).To(Equal(10))
			Expect(s).To(Equal(5))
		})

		It("prefers the per-extractor override", func() {
			e := config.ExtractorConfig{WindowSize: 3, Stride: 2}
			w, s := e.EffectiveWindow(10, 5)
			Expect(w).To(Equal(3))
			Expect(s).To(Equal(2))
		})
	})

	Describe("ExtractorConfig.SourceEnabled", func() {
		It("allows any source when the allowlist is empty", func() {
			e := config.ExtractorConfig{}
			Expect(e.SourceEnabled("web")).To(BeTrue())
		})

		It("restricts to the configured sources otherwise", func() {
			e := config.ExtractorConfig{RequestSourcesEnabled: []string{"web", "api"}}
			Expect(e.SourceEnabled("web")).To(BeTrue())
			Expect(e.SourceEnabled("cli")).To(BeFalse())
		})
	})
})

var _ = Describe("FlagResolver", func() {
	It("resolves an explicit org allowlist entry first", func() {
		r := config.NewFlagResolver(config.FeatureFlagsConfig{
			Defaults:   map[string]bool{"skill_generation": true},
			Allowlists: map[string]map[string]bool{"org1": {"skill_generation": false}},
		})
		Expect(r.IsEnabled("org1", "skill_generation")).To(BeFalse())
		Expect(r.IsEnabled("org2", "skill_generation")).To(BeTrue())
	})

	It("fails open for an unknown flag", func() {
		r := config.NewFlagResolver(config.FeatureFlagsConfig{})
		Expect(r.IsEnabled("org1", "never_heard_of_it")).To(BeTrue())
	})
})
