package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// NewRouter wires every endpoint of §6 behind CORS, panic recovery, and a
// zap-backed access log — the HTTP boundary logs through zap while every
// business package underneath logs through logrus (§10).
func NewRouter(d *Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(accessLog(d.AccessLog))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		MaxAge:           300,
		AllowCredentials: false,
	}))

	r.Get("/healthz", d.handleHealthz)
	r.Get("/readyz", d.handleReadyz)

	r.Post("/publish_interaction", d.handlePublishInteraction)

	r.Post("/get_requests", d.handleGetRequests)
	r.Post("/get_interactions", d.handleGetInteractions)
	r.Post("/search_profiles", d.handleSearchProfiles)
	r.Post("/search_feedbacks", d.handleSearchFeedbacks)
	r.Post("/get_raw_feedbacks", d.handleGetRawFeedbacks)
	r.Post("/get_feedbacks", d.handleGetFeedbacks)
	r.Post("/get_agent_success_evaluation_results", d.handleGetEvaluationResults)

	r.Post("/rerun_profile_generation", d.handleRerunProfileGeneration)
	r.Post("/rerun_feedback_generation", d.handleRerunFeedbackGeneration)
	r.Post("/run_feedback_aggregation", d.handleRunFeedbackAggregation)
	r.Post("/upgrade_all_profiles", d.handleUpgradeAllProfiles)
	r.Post("/downgrade_all_profiles", d.handleDowngradeAllProfiles)
	r.Post("/upgrade_all_raw_feedbacks", d.handleUpgradeAllRawFeedbacks)
	r.Post("/downgrade_all_raw_feedbacks", d.handleDowngradeAllRawFeedbacks)
	r.Post("/upgrade_all_aggregated_feedbacks", d.handleUpgradeAllAggregatedFeedbacks)
	r.Post("/downgrade_all_aggregated_feedbacks", d.handleDowngradeAllAggregatedFeedbacks)

	r.Get("/get_operation_status", d.handleGetOperationStatus)
	r.Post("/cancel_operation", d.handleCancelOperation)

	return r
}

// accessLog logs one structured line per request: method, path, status,
// and duration, at the transport boundary, while business-level logging
// stays on logrus.
func accessLog(log *zap.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
