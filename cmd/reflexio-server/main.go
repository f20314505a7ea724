// Command reflexio-server runs the HTTP API described in §6: publish,
// read/search, and the versioned batch operations, backed by whichever
// store backend internal/config.DatabaseConfig selects.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/reflexio/reflexio/internal/config"
	"github.com/reflexio/reflexio/internal/httpapi"
	"github.com/reflexio/reflexio/pkg/cluster"
	"github.com/reflexio/reflexio/pkg/embeddings"
	"github.com/reflexio/reflexio/pkg/evaluation"
	"github.com/reflexio/reflexio/pkg/feedback"
	"github.com/reflexio/reflexio/pkg/llm"
	"github.com/reflexio/reflexio/pkg/opstate"
	"github.com/reflexio/reflexio/pkg/orchestrator"
	"github.com/reflexio/reflexio/pkg/profile"
	"github.com/reflexio/reflexio/pkg/store"
	memorystore "github.com/reflexio/reflexio/pkg/store/memory"
	postgresstore "github.com/reflexio/reflexio/pkg/store/postgres"
	"github.com/reflexio/reflexio/pkg/telemetry"
	"github.com/reflexio/reflexio/pkg/versioning"
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	configPath := flag.String("config", getEnv("REFLEXIO_CONFIG", "./config/config.yaml"), "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}

	logger := newLogger(cfg.Logging)
	logger.WithField("config", cfg.String()).Info("starting reflexio-server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to build store")
	}
	defer closeStore()

	mgr := opstate.New(st, cfg.Deadlines.StaleLockTimeout, logger)

	provider, fallback := buildLLMProviders(ctx, cfg, logger)
	llmClient := llm.NewFailoverClient(provider, fallback, cfg.LLM.FailureThreshold, cfg.LLM.ResetTimeout, logger)

	embeddingsClient := buildEmbeddings(cfg, logger)

	redisClient := buildRedis(cfg)
	orgCache := config.NewOrgCache(config.DefaultOrgCacheTTL, config.DefaultOrgCacheSize, redisClient, logger)
	defer orgCache.Close()
	orgLoader := &config.OrgConfigLoader{Dir: cfg.OrgConfigDir, Cache: orgCache}

	profileExtractors, feedbackExtractors := buildExtractorRegistry(cfg, llmClient, st, logger)

	profileSvc := &profile.Service{
		Store:   st,
		Opstate: mgr,
		Dedup:   &profile.Deduplicator{Provider: llmClient, Model: cfg.LLM.Model},
		Updater: &profile.Updater{Store: st, Embeddings: embeddingsClient},
		Logger:  logger,
	}
	profileLifecycle := &profile.Lifecycle{Store: st, Opstate: mgr}

	feedbackSvc := &feedback.Service{
		Store:   st,
		Opstate: mgr,
		Dedup:   &feedback.Deduplicator{Provider: llmClient, Model: cfg.LLM.Model},
		Writer:  &feedback.Writer{Store: st, Embeddings: embeddingsClient},
		Logger:  logger,
	}
	feedbackLifecycle := &feedback.Lifecycle{Store: st, Opstate: mgr}
	aggregatedLifecycle := &feedback.AggregatedLifecycle{Store: st, Opstate: mgr}
	aggregator := &feedback.Aggregator{
		Store:    st,
		Opstate:  mgr,
		Provider: llmClient,
		Model:    cfg.LLM.Model,
		Cluster:  cluster.Options{},
	}

	evaluationSvc := &evaluation.Service{
		Judge:      &evaluation.Judge{Provider: llmClient, Model: cfg.LLM.Model},
		Store:      st,
		Embeddings: embeddingsClient,
	}

	orch := &orchestrator.Orchestrator{
		Store:           st,
		Opstate:         mgr,
		Embeddings:      embeddingsClient,
		Logger:          logger,
		PublishDeadline: cfg.Deadlines.PublishDeadline,
	}

	runner := &versioning.Runner{Opstate: mgr, Logger: logger}

	telemetryProvider, err := telemetry.NewProvider(ctx, "reflexio-server", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if err != nil {
		logger.WithError(err).Warn("telemetry provider unavailable, continuing without tracing")
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := telemetryProvider.Shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Warn("telemetry shutdown failed")
			}
		}()
	}

	deps := &httpapi.Deps{
		Store:        st,
		Opstate:      mgr,
		Orchestrator: orch,
		Runner:       runner,
		OrgLoader:    orgLoader,

		ProfileService:    profileSvc,
		ProfileExtractors: profileExtractors,
		ProfileLifecycle:  profileLifecycle,

		FeedbackService:     feedbackSvc,
		FeedbackExtractors:  feedbackExtractors,
		FeedbackLifecycle:   feedbackLifecycle,
		Aggregator:          aggregator,
		AggregatedLifecycle: aggregatedLifecycle,

		Evaluation: evaluationSvc,

		Deadlines:   cfg.Deadlines,
		Concurrency: cfg.Concurrency,

		Logger:    logger,
		AccessLog: buildZapLogger(cfg.Logging),

		ReadinessCheck: func() error {
			readyCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := st.GetOperationState(readyCtx, "__readiness_probe__"); err != nil {
				return err
			}
			return llmClient.ReadinessCheck(readyCtx)
		},
	}

	router := httpapi.NewRouter(deps)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsSrv := &http.Server{
		Addr:              ":" + cfg.Server.MetricsPort,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("addr", srv.Addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("http server failed")
		}
	}()

	go func() {
		logger.WithField("addr", metricsSrv.Addr).Info("metrics server listening")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("graceful shutdown failed")
	}
	_ = metricsSrv.Shutdown(shutdownCtx)
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

func buildStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (store.Store, func(), error) {
	if !cfg.Database.Enabled {
		logger.Info("database disabled, using in-memory store")
		return memorystore.New(logger), func() {}, nil
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Database.Host, cfg.Database.Port, cfg.Database.Username,
		cfg.Database.Password, cfg.Database.Database, cfg.Database.SSLMode)

	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetimeMinutes) * time.Minute)

	logger.Info("connected to postgres")
	return postgresstore.New(db, logger), func() { _ = db.Close() }, nil
}

func buildLLMProviders(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (llm.Provider, llm.Provider) {
	var primary, secondary llm.Provider
	switch cfg.LLM.Provider {
	case "bedrock":
		p, err := llm.NewBedrockProvider(ctx, getEnv("AWS_REGION", "us-east-1"))
		if err != nil {
			logger.WithError(err).Warn("bedrock provider unavailable, falling back to anthropic as primary")
			primary = llm.NewAnthropicProvider(os.Getenv("ANTHROPIC_API_KEY"))
		} else {
			primary = p
			if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
				secondary = llm.NewAnthropicProvider(apiKey)
			}
		}
	default:
		primary = llm.NewAnthropicProvider(os.Getenv("ANTHROPIC_API_KEY"))
		if p, err := llm.NewBedrockProvider(ctx, getEnv("AWS_REGION", "us-east-1")); err == nil {
			secondary = p
		} else {
			logger.WithError(err).Warn("bedrock fallback provider unavailable")
		}
	}
	return primary, secondary
}

func buildEmbeddings(cfg *config.Config, logger *logrus.Logger) embeddings.Client {
	dim := cfg.LLM.EmbeddingDim
	if dim <= 0 {
		dim = 1536
	}
	local := embeddings.NewLocalEmbeddingService(dim, logger)
	return embeddings.NewBreakerClient(local, "embeddings")
}

func buildRedis(cfg *config.Config) *goredis.Client {
	if !cfg.Redis.Enabled {
		return nil
	}
	return goredis.NewClient(&goredis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
}

// buildZapLogger builds the access-log sink for the HTTP transport
// boundary (§10): zap here, logrus everywhere below it.
func buildZapLogger(cfg config.LoggingConfig) *zap.Logger {
	level := zapcore.InfoLevel
	_ = level.UnmarshalText([]byte(cfg.Level))

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "text" {
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level)
	return zap.New(core)
}

// buildExtractorRegistry scans every *.yaml in cfg.OrgConfigDir for
// extractor names and builds one LLMExtractor per distinct name per
// service (§4.2): orgs share the process-wide provider/model, so the
// per-org YAML only needs to name which extractors it selects.
func buildExtractorRegistry(cfg *config.Config, provider llm.Provider, st store.Store, logger *logrus.Logger) ([]profile.Extractor, []feedback.Extractor) {
	model := cfg.LLM.Model
	profileNames := map[string]bool{}
	feedbackNames := map[string]bool{}

	entries, err := os.ReadDir(cfg.OrgConfigDir)
	if err != nil {
		logger.WithError(err).WithField("dir", cfg.OrgConfigDir).Warn("org config directory unreadable, starting with no extractors")
	} else {
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(cfg.OrgConfigDir, entry.Name()))
			if err != nil {
				continue
			}
			orgCfg, err := config.ParseOrgConfig(data)
			if err != nil {
				logger.WithError(err).WithField("file", entry.Name()).Warn("skipping invalid org config")
				continue
			}
			for _, ec := range orgCfg.Extractors {
				switch ec.Service {
				case "profile":
					profileNames[ec.Name] = true
				case "feedback":
					feedbackNames[ec.Name] = true
				}
			}
		}
	}

	var profileExtractors []profile.Extractor
	for name := range profileNames {
		profileExtractors = append(profileExtractors, &profile.LLMExtractor{
			ExtractorName: name,
			Provider:      provider,
			Model:         model,
			Store:         st,
		})
	}

	var feedbackExtractors []feedback.Extractor
	for name := range feedbackNames {
		feedbackExtractors = append(feedbackExtractors, &feedback.LLMExtractor{
			ExtractorName: name,
			Provider:      provider,
			Model:         model,
		})
	}

	return profileExtractors, feedbackExtractors
}
