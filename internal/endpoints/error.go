package endpoints

import (
	"context"
	"errors"
	"net/http"

	"telemetry-ingest/internal/domain"
)

const (
	API_SUCCESS      = iota + 303000 // 303000
	API_FAILURE                      // 303001 - Generic API failure
	API_UNAUTHORIZED                 // 303002 - Authentication failure
)

const (
	INVALID_REQUEST_BODY = iota + 101 // 101 - Body could not be read or is too large
	VALIDATION_FAILED                 // 102 - Payload does not match the ingest schema
	PROJECTION_FAILED                 // 103 - Payload valid but cannot be turned into rows
	STORAGE_FAILED                    // 104 - Transaction failed and was rolled back
	REQUEST_CANCELLED                 // 105 - Request was cancelled by client or server timeout
	STORAGE_UNAVAILABLE               // 106 - Transient storage failure, safe to retry
)

var (
	ErrInvalidRequestBody = errors.New("request body could not be read")
	ErrRequestTooLarge    = errors.New("request body exceeds the configured limit")
	ErrRequestCancelled   = errors.New("request cancelled by client or server timeout")
	ErrStorageFailed      = errors.New("metrics could not be stored")
	ErrStorageUnavailable = errors.New("storage temporarily unavailable, retry later")
	ErrMethodNotAllowed   = errors.New("method not allowed")
)

func GetErrorCode(err error) int {
	if err == nil {
		return API_SUCCESS
	}

	var (
		authErr       *domain.AuthError
		validationErr *domain.ValidationError
		projectionErr *domain.ProjectionError
		storageErr    *domain.StorageError
	)

	switch {
	case errors.As(err, &authErr):
		return API_UNAUTHORIZED
	case errors.Is(err, context.Canceled), errors.Is(err, ErrRequestCancelled):
		return REQUEST_CANCELLED
	case errors.Is(err, ErrInvalidRequestBody), errors.Is(err, ErrRequestTooLarge):
		return INVALID_REQUEST_BODY
	case errors.As(err, &validationErr):
		return VALIDATION_FAILED
	case errors.As(err, &projectionErr):
		return PROJECTION_FAILED
	case errors.Is(err, ErrStorageUnavailable):
		return STORAGE_UNAVAILABLE
	case errors.Is(err, ErrStorageFailed):
		return STORAGE_FAILED
	case errors.As(err, &storageErr):
		if storageErr.Transient {
			return STORAGE_UNAVAILABLE
		}
		return STORAGE_FAILED
	default:
		return API_FAILURE
	}
}

// GetStatusCode maps the ingest error taxonomy onto HTTP statuses.
func GetStatusCode(err error) int {
	var (
		authErr       *domain.AuthError
		validationErr *domain.ValidationError
		projectionErr *domain.ProjectionError
		storageErr    *domain.StorageError
	)

	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &authErr):
		return http.StatusUnauthorized
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	case errors.Is(err, ErrRequestTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrInvalidRequestBody):
		return http.StatusBadRequest
	case errors.Is(err, ErrMethodNotAllowed):
		return http.StatusMethodNotAllowed
	case errors.As(err, &validationErr), errors.As(err, &projectionErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &storageErr) && storageErr.Transient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
