package endpoints

import (
	"context"
	"errors"
	"io"
	"net/http"

	"telemetry-ingest/internal/domain"
	"telemetry-ingest/internal/ingest"
	"telemetry-ingest/internal/metrics"
	"telemetry-ingest/internal/util"

	pkgerrors "github.com/pkg/errors"
)

type Ingest struct {
	Response     APIResponse
	logger       *util.MetricsLogger
	service      *ingest.Service
	auth         *ingest.Authenticator
	maxBodyBytes int64
}

func (i *Ingest) Init(service *ingest.Service, auth *ingest.Authenticator, maxBodyBytes int64, webSlogger *util.MetricsLogger) {
	i.service = service
	i.auth = auth
	i.maxBodyBytes = maxBodyBytes
	i.logger = webSlogger
}

func (i *Ingest) IngestHandler(w http.ResponseWriter, r *http.Request) {

	if r.Method != http.MethodPost {
		i.logger.LogEvent(util.LOG_LEVEL_ERROR, "Method Not Allowed. Only POST requests are supported", http.StatusMethodNotAllowed)
		w.Header().Set("Allow", http.MethodPost)
		i.Response.WriteErrorResponse(w, ErrMethodNotAllowed)
		return
	}

	if err := i.auth.Check(r.Header.Get("Authorization")); err != nil {
		i.logger.LogEvent(util.LOG_LEVEL_ERROR, "Rejected ingest request from ", r.RemoteAddr, ". Err - ", err)
		metrics.RecordIngest(metrics.OutcomeUnauthorized)
		i.Response.WriteErrorResponse(w, err)
		return
	}

	body, err := i.readBody(w, r)
	if err != nil {
		i.logger.LogEvent(util.LOG_LEVEL_ERROR, "While reading request body. Err - ", err)
		metrics.RecordIngest(outcome(err))
		i.Response.WriteErrorResponse(w, err)
		return
	}

	result, err := i.service.Ingest(r.Context(), body)
	if err != nil {
		i.logFailure(err)
		metrics.RecordIngest(outcome(err))
		i.Response.WriteErrorResponse(w, err)
		return
	}

	metrics.RecordIngest(metrics.OutcomeAccepted)
	metrics.RecordRows(result.InsertedHostMetrics, result.InsertedProcessMetrics)
	i.logger.LogEvent(util.LOG_LEVEL_DEBUG, "Ingested ", result.InsertedHostMetrics, " host rows and ", result.InsertedProcessMetrics, " process rows")

	i.Response.WriteResultResponse(w, result)
}

func (i *Ingest) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	reader := io.Reader(r.Body)
	if i.maxBodyBytes > 0 {
		reader = http.MaxBytesReader(w, r.Body, i.maxBodyBytes)
	}

	body, err := io.ReadAll(reader)
	if err == nil {
		return body, nil
	}

	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return nil, pkgerrors.Wrapf(ErrRequestTooLarge, "limit %d bytes", tooLarge.Limit)
	case errors.Is(r.Context().Err(), context.Canceled):
		return nil, pkgerrors.Wrap(context.Canceled, ErrRequestCancelled.Error())
	default:
		return nil, pkgerrors.Wrap(ErrInvalidRequestBody, err.Error())
	}
}

func (i *Ingest) logFailure(err error) {
	var storageErr *domain.StorageError
	if errors.As(err, &storageErr) {
		i.logger.LogEvent(util.LOG_LEVEL_ERROR, "Ingest transaction rolled back. Err - ", err, " transient - ", storageErr.Transient)
		return
	}
	i.logger.LogEvent(util.LOG_LEVEL_ERROR, "Rejected ingest payload. Err - ", err)
}

func outcome(err error) string {
	var (
		validationErr *domain.ValidationError
		projectionErr *domain.ProjectionError
		storageErr    *domain.StorageError
	)

	switch {
	case errors.Is(err, context.Canceled):
		return metrics.OutcomeCancelled
	case errors.As(err, &validationErr):
		return metrics.OutcomeInvalid
	case errors.As(err, &projectionErr):
		return metrics.OutcomeUnencodable
	case errors.As(err, &storageErr):
		return metrics.OutcomeStorageError
	default:
		return metrics.OutcomeBadRequest
	}
}
