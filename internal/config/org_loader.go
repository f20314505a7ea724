package config

import (
	"context"
	"os"
	"path/filepath"

	"github.com/reflexio/reflexio/internal/errors"
)

// OrgConfigLoader resolves an org's ExtractorConfig/AgentSuccessConfig
// document (§4.2, §4.5) through the LRU+TTL OrgCache (§5, §9), falling back
// to the per-org YAML file on a cache miss. Each org's document lives at
// <Dir>/<orgID>.yaml.
type OrgConfigLoader struct {
	Dir   string
	Cache *OrgCache
}

// Load returns orgID's OrgConfig, populating the cache on a miss.
func (l *OrgConfigLoader) Load(ctx context.Context, orgID string) (*OrgConfig, error) {
	if l.Cache != nil {
		if cfg := l.Cache.Get(orgID); cfg != nil {
			return cfg, nil
		}
	}

	path := filepath.Join(l.Dir, orgID+".yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := orgConfigDefaults()
		cfg.OrgID = orgID
		if l.Cache != nil {
			_ = l.Cache.Put(ctx, orgID, cfg)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeDatabase, "reading org config %s", path)
	}

	cfg, err := ParseOrgConfig(data)
	if err != nil {
		return nil, err
	}
	if cfg.OrgID == "" {
		cfg.OrgID = orgID
	}
	if l.Cache != nil {
		if putErr := l.Cache.Put(ctx, orgID, cfg); putErr != nil {
			return cfg, nil
		}
	}
	return cfg, nil
}
