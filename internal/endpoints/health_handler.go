package endpoints

import (
	"context"
	"net/http"
	"time"

	"telemetry-ingest/internal/domain"
	"telemetry-ingest/internal/util"
)

type HealthStatus struct {
	Status string `json:"status"`
}

// Health reports whether the store answers a ping.
type Health struct {
	Response APIResponse
	logger   *util.MetricsLogger
	store    domain.MetricStore
	timeout  time.Duration
}

func (h *Health) Init(store domain.MetricStore, webSlogger *util.MetricsLogger) {
	h.store = store
	h.logger = webSlogger
	h.timeout = 2 * time.Second
}

func (h *Health) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.logger.LogEvent(util.LOG_LEVEL_ERROR, "Health check failed. Err - ", err)
		h.Response.WriteErrorResponseWithStatusCode(w, ErrStorageUnavailable, http.StatusServiceUnavailable)
		return
	}

	h.Response.WriteResultResponse(w, HealthStatus{Status: "ok"})
}
