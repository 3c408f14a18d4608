package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bher20/utilitycost/internal/api/swagger"
	"github.com/bher20/utilitycost/internal/auth"
	"github.com/bher20/utilitycost/internal/clock"
	"github.com/bher20/utilitycost/internal/metrics"
	"github.com/bher20/utilitycost/internal/notification"
	"github.com/bher20/utilitycost/internal/rates"
	"github.com/bher20/utilitycost/internal/recalc"
	"github.com/bher20/utilitycost/internal/storage"
)

// RateLookup is the resolver surface the API reads through. Forget drops
// cached resolutions after a publish.
type RateLookup interface {
	rates.Lookup
	Forget(utilityType string)
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	Store       storage.Storage
	Clock       clock.Clock
	Catalog     *rates.StorageCatalog
	Lookup      RateLookup
	Forecaster  *rates.Forecaster
	Job         *recalc.Job
	Dispatcher  *notification.Dispatcher
	Email       *notification.Service
	Policy      *auth.Policy
	DefaultRole string
	Logger      *zap.Logger
}

// NewMux constructs the HTTP mux, wiring in the API routes, metrics, and
// health endpoints.
func NewMux(s *Server) *http.ServeMux {
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	s.Logger = s.Logger.Named("api")
	if s.Clock == nil {
		s.Clock = clock.Real()
	}

	mux := http.NewServeMux()

	// Metrics endpoint.
	mux.Handle("/metrics", promhttp.Handler())

	// Health / readiness / liveness.
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.Store.Ping(r.Context()); err != nil {
			s.Logger.Warn("readyz: db ping failed", zap.Error(err))
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	mux.HandleFunc("/livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("live"))
	})

	mux.Handle("/openapi.yaml", swagger.Handler())
	mux.Handle("/docs/", http.StripPrefix("/docs", swagger.Handler()))

	s.registerRateRoutes(mux)
	s.registerConsumptionRoutes(mux)
	s.registerNotificationRoutes(mux)
	s.registerRecalcRoutes(mux)

	return mux
}

// route wraps a handler with role resolution, the permission check for
// obj/act, and per-route request metrics.
func (s *Server) route(name, obj, act string, h http.HandlerFunc) http.Handler {
	gated := s.Policy.RequirePermission(obj, act, h)
	return auth.Middleware(s.DefaultRole, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		defer func() {
			metrics.RequestDurationSeconds.WithLabelValues(name).Observe(time.Since(start).Seconds())
		}()
		metrics.RequestsTotal.WithLabelValues(name).Inc()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		gated.ServeHTTP(rec, r)
		if rec.status >= 400 {
			metrics.RequestErrorsTotal.WithLabelValues(name, strconv.Itoa(rec.status)).Inc()
		}
	}))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto status codes. Unknown errors are logged
// and reported as 500 without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, rates.ErrInvalidMonth), errors.Is(err, rates.ErrInvalidTiers),
		errors.Is(err, rates.ErrInvalidInput), errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, rates.ErrNoApplicableRate):
		status = http.StatusNotFound
	case errors.Is(err, rates.ErrInsufficientHistory):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, recalc.ErrBusy), errors.Is(err, storage.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, rates.ErrCatalogUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.Logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		http.Error(w, "internal error", status)
		return
	}
	http.Error(w, err.Error(), status)
}

var errBadRequest = errors.New("bad request")

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func queryLimit(r *http.Request, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		return n
	}
	return def
}
