// Command reflexio-batch runs one of the versioned batch operations of
// §4.6 synchronously from the command line, for operators who want a
// scriptable alternative to the HTTP kickoff endpoints. Exit codes: 0 on
// success, non-zero on failure (§6).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/reflexio/reflexio/internal/config"
	"github.com/reflexio/reflexio/pkg/embeddings"
	"github.com/reflexio/reflexio/pkg/feedback"
	"github.com/reflexio/reflexio/pkg/generation"
	"github.com/reflexio/reflexio/pkg/llm"
	"github.com/reflexio/reflexio/pkg/opstate"
	"github.com/reflexio/reflexio/pkg/profile"
	"github.com/reflexio/reflexio/pkg/store"
	memorystore "github.com/reflexio/reflexio/pkg/store/memory"
	postgresstore "github.com/reflexio/reflexio/pkg/store/postgres"
	"github.com/reflexio/reflexio/pkg/versioning"
)

const (
	exitOK             = 0
	exitBadArgs        = 2
	exitConfigError    = 3
	exitOperationError = 4
)

func main() {
	operation := flag.String("operation", "", "one of: upgrade-profiles, downgrade-profiles, upgrade-raw-feedbacks, downgrade-raw-feedbacks, upgrade-aggregated-feedbacks, downgrade-aggregated-feedbacks, rerun-profiles, rerun-feedbacks, aggregate-feedback")
	configPath := flag.String("config", "./config/config.yaml", "path to config.yaml")
	agentVersion := flag.String("agent-version", "", "agent_version / org key (required for rerun-profiles, rerun-feedbacks)")
	source := flag.String("source", "", "request source (required for rerun-profiles, rerun-feedbacks)")
	rerun := flag.Bool("rerun", false, "bypass fingerprint comparison for aggregate-feedback")
	stopOnError := flag.Bool("stop-on-error", false, "abort the whole sweep on the first failed item")
	flag.Parse()

	if *operation == "" {
		fmt.Fprintln(os.Stderr, "missing -operation")
		os.Exit(exitBadArgs)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Error("failed to load config")
		os.Exit(exitConfigError)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to build store")
		os.Exit(exitConfigError)
	}
	defer closeStore()

	mgr := opstate.New(st, cfg.Deadlines.StaleLockTimeout, logger)
	runner := &versioning.Runner{Opstate: mgr, Logger: logger}
	requestID := fmt.Sprintf("batch-%d", time.Now().Unix())

	if err := run(ctx, *operation, runner, mgr, st, cfg, logger, requestID, *agentVersion, *source, *rerun, *stopOnError); err != nil {
		logger.WithError(err).WithField("operation", *operation).Error("batch operation failed")
		os.Exit(exitOperationError)
	}

	logger.WithField("operation", *operation).Info("batch operation completed")
	os.Exit(exitOK)
}

func run(ctx context.Context, operation string, runner *versioning.Runner, mgr *opstate.Manager, st store.Store, cfg *config.Config, logger logrus.FieldLogger, requestID, agentVersion, source string, rerun, stopOnError bool) error {
	switch operation {
	case "upgrade-profiles":
		lc := &profile.Lifecycle{Store: st, Opstate: mgr}
		userIDs, err := st.DistinctProfileUserIDs(ctx)
		if err != nil {
			return err
		}
		return runner.UpgradeAllProfiles(ctx, lc, userIDs, requestID, stopOnError)

	case "downgrade-profiles":
		lc := &profile.Lifecycle{Store: st, Opstate: mgr}
		userIDs, err := st.DistinctProfileUserIDs(ctx)
		if err != nil {
			return err
		}
		return runner.DowngradeAllProfiles(ctx, lc, userIDs, requestID, stopOnError)

	case "upgrade-raw-feedbacks":
		lc := &feedback.Lifecycle{Store: st, Opstate: mgr}
		scopes, err := st.DistinctFeedbackScopes(ctx)
		if err != nil {
			return err
		}
		return runner.UpgradeAllRawFeedbacks(ctx, lc, scopes, requestID, stopOnError)

	case "downgrade-raw-feedbacks":
		lc := &feedback.Lifecycle{Store: st, Opstate: mgr}
		scopes, err := st.DistinctFeedbackScopes(ctx)
		if err != nil {
			return err
		}
		return runner.DowngradeAllRawFeedbacks(ctx, lc, scopes, requestID, stopOnError)

	case "rerun-profiles":
		if agentVersion == "" || source == "" {
			return fmt.Errorf("-agent-version and -source are required for rerun-profiles")
		}
		provider := llm.NewAnthropicProvider(os.Getenv("ANTHROPIC_API_KEY"))
		embeddingsClient := buildEmbeddings(cfg, logger)
		orgCfg, err := loadOrgConfig(cfg, agentVersion)
		if err != nil {
			return err
		}
		svc := &profile.Service{
			Store:   st,
			Opstate: mgr,
			Dedup:   &profile.Deduplicator{Provider: provider, Model: cfg.LLM.Model},
			Updater: &profile.Updater{Store: st, Embeddings: embeddingsClient},
			Logger:  logger,
		}
		extractors := buildProfileExtractors(orgCfg, provider, st, cfg.LLM.Model)
		userIDs, err := st.DistinctProfileUserIDs(ctx)
		if err != nil {
			return err
		}
		params := generation.Params{
			Service:          "profile",
			OrgID:            agentVersion,
			GlobalWindowSize: orgCfg.ExtractionWindowSize,
			GlobalStride:     orgCfg.ExtractionStride,
			ExtractorTimeout: cfg.Deadlines.ExtractorTimeout,
			PoolSize:         cfg.Concurrency.ExtractorPoolSize,
		}
		return runner.RerunProfileGeneration(ctx, svc, extractors, orgCfg.ExtractorsFor("profile"), params, userIDs, source, agentVersion, requestID, time.Now().Unix(), stopOnError)

	case "rerun-feedbacks":
		if agentVersion == "" || source == "" {
			return fmt.Errorf("-agent-version and -source are required for rerun-feedbacks")
		}
		provider := llm.NewAnthropicProvider(os.Getenv("ANTHROPIC_API_KEY"))
		embeddingsClient := buildEmbeddings(cfg, logger)
		orgCfg, err := loadOrgConfig(cfg, agentVersion)
		if err != nil {
			return err
		}
		svc := &feedback.Service{
			Store:   st,
			Opstate: mgr,
			Dedup:   &feedback.Deduplicator{Provider: provider, Model: cfg.LLM.Model},
			Writer:  &feedback.Writer{Store: st, Embeddings: embeddingsClient},
			Logger:  logger,
		}
		extractors := buildFeedbackExtractors(orgCfg, provider, cfg.LLM.Model)
		userIDs, err := st.DistinctProfileUserIDs(ctx)
		if err != nil {
			return err
		}
		params := generation.Params{
			Service:          "feedback",
			OrgID:            agentVersion,
			GlobalWindowSize: orgCfg.ExtractionWindowSize,
			GlobalStride:     orgCfg.ExtractionStride,
			ExtractorTimeout: cfg.Deadlines.ExtractorTimeout,
			PoolSize:         cfg.Concurrency.ExtractorPoolSize,
		}
		return runner.RerunFeedbackGeneration(ctx, svc, extractors, orgCfg.ExtractorsFor("feedback"), params, userIDs, source, agentVersion, requestID, time.Now().Unix(), stopOnError)

	case "aggregate-feedback":
		provider := llm.NewAnthropicProvider(os.Getenv("ANTHROPIC_API_KEY"))
		agg := &feedback.Aggregator{Store: st, Opstate: mgr, Provider: provider, Model: cfg.LLM.Model}
		scopes, err := st.DistinctFeedbackScopes(ctx)
		if err != nil {
			return err
		}
		return runner.RunFeedbackAggregation(ctx, agg, scopes, rerun, stopOnError)

	case "upgrade-aggregated-feedbacks":
		lc := &feedback.AggregatedLifecycle{Store: st, Opstate: mgr}
		scopes, err := st.DistinctFeedbackScopes(ctx)
		if err != nil {
			return err
		}
		return runner.UpgradeAllAggregatedFeedbacks(ctx, lc, scopes, requestID, stopOnError)

	case "downgrade-aggregated-feedbacks":
		lc := &feedback.AggregatedLifecycle{Store: st, Opstate: mgr}
		scopes, err := st.DistinctFeedbackScopes(ctx)
		if err != nil {
			return err
		}
		return runner.DowngradeAllAggregatedFeedbacks(ctx, lc, scopes, requestID, stopOnError)

	default:
		return fmt.Errorf("unknown -operation %q", operation)
	}
}

func loadOrgConfig(cfg *config.Config, agentVersion string) (*config.OrgConfig, error) {
	loader := &config.OrgConfigLoader{Dir: cfg.OrgConfigDir}
	return loader.Load(context.Background(), agentVersion)
}

func buildProfileExtractors(orgCfg *config.OrgConfig, provider llm.Provider, st store.Store, model string) []profile.Extractor {
	var out []profile.Extractor
	for _, ec := range orgCfg.ExtractorsFor("profile") {
		out = append(out, &profile.LLMExtractor{ExtractorName: ec.Name, Provider: provider, Model: model, Store: st})
	}
	return out
}

func buildFeedbackExtractors(orgCfg *config.OrgConfig, provider llm.Provider, model string) []feedback.Extractor {
	var out []feedback.Extractor
	for _, ec := range orgCfg.ExtractorsFor("feedback") {
		out = append(out, &feedback.LLMExtractor{ExtractorName: ec.Name, Provider: provider, Model: model})
	}
	return out
}

func buildEmbeddings(cfg *config.Config, logger logrus.FieldLogger) embeddings.Client {
	dim := cfg.LLM.EmbeddingDim
	if dim <= 0 {
		dim = 1536
	}
	local := embeddings.NewLocalEmbeddingService(dim, logger)
	return embeddings.NewBreakerClient(local, "embeddings")
}

func buildStore(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (store.Store, func(), error) {
	if !cfg.Database.Enabled {
		return memorystore.New(logger), func() {}, nil
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Database.Host, cfg.Database.Port, cfg.Database.Username,
		cfg.Database.Password, cfg.Database.Database, cfg.Database.SSLMode)

	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return postgresstore.New(db, logger), func() { _ = db.Close() }, nil
}
