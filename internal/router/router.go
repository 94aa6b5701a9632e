package router

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"telemetry-ingest/internal/config"
	"telemetry-ingest/internal/domain"
	"telemetry-ingest/internal/endpoints"
	"telemetry-ingest/internal/ingest"
	"telemetry-ingest/internal/metrics"
	"telemetry-ingest/internal/util"
)

const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// RequestID returns the id assigned to the request by the router, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func NewRouter(cfg config.Config, metricStore domain.MetricStore, webSlogger *util.MetricsLogger) *mux.Router {
	r := mux.NewRouter()

	addRoutes(r, cfg, metricStore, webSlogger)

	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(webSlogger))
	r.Use(metrics.MetricsMiddleware)

	return r
}

func addRoutes(r *mux.Router, cfg config.Config, metricStore domain.MetricStore, webSlogger *util.MetricsLogger) {

	ingestHandler := &endpoints.Ingest{}
	ingestHandler.Init(ingest.NewService(metricStore), ingest.NewAuthenticator(cfg.APIToken), cfg.HTTP.MaxBodyBytes, webSlogger)

	healthHandler := &endpoints.Health{}
	healthHandler.Init(metricStore, webSlogger)

	// Any method reaches the ingest handler so it can answer 405 in the
	// service's own error shape.
	r.HandleFunc("/api/v1/ingest", ingestHandler.IngestHandler)
	r.HandleFunc("/healthz", healthHandler.HealthHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

func NewServer(cfg config.HTTPConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

// Run serves until ctx is cancelled, then drains in-flight requests for at
// most shutdownTimeout.
func Run(ctx context.Context, server *http.Server, shutdownTimeout time.Duration, webSlogger *util.MetricsLogger) error {
	serveErr := make(chan error, 1)

	go func() {
		webSlogger.LogEvent(util.LOG_LEVEL_INFO, "Listening on ", server.Addr)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "listen")
	case <-ctx.Done():
	}

	webSlogger.LogEvent(util.LOG_LEVEL_INFO, "Shutting down server...")

	if err := gracefulShutdown(server, shutdownTimeout); err != nil {
		webSlogger.LogEvent(util.LOG_LEVEL_ERROR, "Server stopped with error: ", err)
		return errors.Wrap(err, "shutdown")
	}

	webSlogger.LogEvent(util.LOG_LEVEL_INFO, "Server stopped gracefully.")
	return nil
}

func gracefulShutdown(server *http.Server, maximumTime time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), maximumTime)
	defer cancel()

	return server.Shutdown(ctx)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func loggingMiddleware(logger *util.MetricsLogger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := metrics.NewStatusRecorder(w)

			next.ServeHTTP(rw, r)

			logger.LogEvent(util.LOG_LEVEL_INFO, fmt.Sprintf("Request: %s %s id=%s status=%d duration=%s",
				r.Method, r.RequestURI, RequestID(r.Context()), rw.Status, time.Since(start)))
		})
	}
}
