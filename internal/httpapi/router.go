package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"pushd.sh/pushd/internal/logging"
	"pushd.sh/pushd/internal/telemetry"
)

// statusRecorder wraps a ResponseWriter to capture the status code a
// handler writes, since http.ResponseWriter itself exposes no getter for
// it and RequestsTotal needs it as a label.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// withMetrics records RequestDuration and RequestsTotal for every request
// against the matched route template (so /apps/{appName} aggregates
// across app names rather than exploding into one series per app).
func withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		timer := telemetry.NewTimer()
		defer func() {
			route := mux.CurrentRoute(r)
			tmpl := r.URL.Path
			if route != nil {
				if t, err := route.GetPathTemplate(); err == nil {
					tmpl = t
				}
			}
			timer.ObserveRoute(tmpl)
			telemetry.RequestsTotal.WithLabelValues(tmpl, r.Method, strconv.Itoa(rec.status)).Inc()
		}()
		next.ServeHTTP(rec, r)
	})
}

// withRequestContext assigns every inbound request a request ID, attaches
// a request-scoped child logger to its context (internal/logging.Into),
// and sets the JSON content type every response here uses. Grounded on
// cmd/service/service.go's setContentType middleware, generalized to also
// carry the request-scoped logger the teacher's bespoke logger package
// had no equivalent for.
func withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		logger := logging.WithRequestID(requestID)
		ctx := logging.Into(r.Context(), logger)
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recoverMiddleware converts a panicking handler into a 500 rather than
// taking down the process, matching net/http's per-request-goroutine
// isolation model (spec §5's scheduling model).
func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logging.From(r.Context()).Error().Interface("panic", rec).Msg("handler panic")
				writeJSON(w, http.StatusInternalServerError, errorBody{Error: "other", Message: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// healthGateway is the subset of internal/metastore.Gateway and
// internal/cachestore.Gateway the health endpoint needs: both stores must
// answer for spec §6's `GET /health` to report healthy.
type healthGateway interface {
	HealthCheck(ctx context.Context) error
}

func healthHandler(meta, cache healthGateway) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := meta.HealthCheck(r.Context()); err != nil {
			writeError(w, r, err)
			return
		}
		if err := cache.HealthCheck(r.Context()); err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("Healthy"))
	})
}

// NewAcquisitionRouter builds spec §6's client-facing surface: updateCheck,
// reportStatus/deploy, reportStatus/download (each with their
// /v0.1/public/codepush/... snake_case alias), and /health. Grounded on
// cmd/service/service.go's mux.NewRouter + .Methods() route tree.
func NewAcquisitionRouter(h *AcquisitionHandlers, meta, cache healthGateway) *mux.Router {
	router := mux.NewRouter()
	router.Use(recoverMiddleware, withRequestContext, withMetrics)

	router.Handle("/updateCheck", http.HandlerFunc(h.updateCheck)).Methods(http.MethodGet)
	router.Handle("/v0.1/public/codepush/update_check", http.HandlerFunc(h.updateCheckSnakeCase)).Methods(http.MethodGet)

	router.Handle("/reportStatus/deploy", http.HandlerFunc(h.reportStatusDeploy)).Methods(http.MethodPost)
	router.Handle("/v0.1/public/codepush/report_status/deploy", http.HandlerFunc(h.reportStatusDeploySnakeCase)).Methods(http.MethodPost)

	router.Handle("/reportStatus/download", http.HandlerFunc(h.reportStatusDownload)).Methods(http.MethodPost)
	router.Handle("/v0.1/public/codepush/report_status/download", http.HandlerFunc(h.reportStatusDownloadSnakeCase)).Methods(http.MethodPost)

	router.Handle("/health", healthHandler(meta, cache)).Methods(http.MethodGet)

	return router
}

// NewManagementRouter builds spec §6's operator-facing surface: app,
// deployment, collaborator, and release CRUD, fronted by auth and (on the
// release route) rate limiting.
func NewManagementRouter(h *ManagementHandlers, auth Authenticator, limiter RateLimiter) *mux.Router {
	router := mux.NewRouter()
	router.Use(recoverMiddleware, withRequestContext, withMetrics, withAuth(auth))

	router.Handle("/apps", http.HandlerFunc(h.createApp)).Methods(http.MethodPost)
	router.Handle("/apps", http.HandlerFunc(h.listApps)).Methods(http.MethodGet)
	router.Handle("/apps/{appName}", http.HandlerFunc(h.getApp)).Methods(http.MethodGet)
	router.Handle("/apps/{appName}", http.HandlerFunc(h.renameApp)).Methods(http.MethodPatch)
	router.Handle("/apps/{appName}", http.HandlerFunc(h.deleteApp)).Methods(http.MethodDelete)
	router.Handle("/apps/{appName}/transfer/{email}", http.HandlerFunc(h.transferApp)).Methods(http.MethodPost)
	router.Handle("/apps/{appName}/collaborators/{email}", http.HandlerFunc(h.addCollaborator)).Methods(http.MethodPost)
	router.Handle("/apps/{appName}/collaborators/{email}", http.HandlerFunc(h.removeCollaborator)).Methods(http.MethodDelete)

	router.Handle("/apps/{appName}/deployments", http.HandlerFunc(h.createDeployment)).Methods(http.MethodPost)
	router.Handle("/apps/{appName}/deployments", http.HandlerFunc(h.listDeployments)).Methods(http.MethodGet)
	router.Handle("/apps/{appName}/deployments/{deploymentName}", http.HandlerFunc(h.getDeployment)).Methods(http.MethodGet)
	router.Handle("/apps/{appName}/deployments/{deploymentName}", http.HandlerFunc(h.renameDeployment)).Methods(http.MethodPatch)
	router.Handle("/apps/{appName}/deployments/{deploymentName}", http.HandlerFunc(h.deleteDeployment)).Methods(http.MethodDelete)

	router.Handle("/apps/{appName}/deployments/{deploymentName}/release",
		withRateLimit(limiter)(http.HandlerFunc(h.release))).Methods(http.MethodPost)
	router.Handle("/apps/{appName}/deployments/{deploymentName}/release", http.HandlerFunc(h.patchRelease)).Methods(http.MethodPatch)
	router.Handle("/apps/{appName}/deployments/{deploymentName}/promote/{destDeploymentName}", http.HandlerFunc(h.promote)).Methods(http.MethodPost)
	router.Handle("/apps/{appName}/deployments/{deploymentName}/rollback", http.HandlerFunc(h.rollback)).Methods(http.MethodPost)
	router.Handle("/apps/{appName}/deployments/{deploymentName}/rollback/{targetRelease}", http.HandlerFunc(h.rollback)).Methods(http.MethodPost)
	router.Handle("/apps/{appName}/deployments/{deploymentName}/history", http.HandlerFunc(h.getHistory)).Methods(http.MethodGet)
	router.Handle("/apps/{appName}/deployments/{deploymentName}/history", http.HandlerFunc(h.clearHistory)).Methods(http.MethodDelete)
	router.Handle("/apps/{appName}/deployments/{deploymentName}/metrics", http.HandlerFunc(h.getMetrics)).Methods(http.MethodGet)

	return router
}
