package endpoints

import (
	"encoding/json"
	"errors"
	"net/http"

	"telemetry-ingest/internal/domain"
)

// APIResponse is the body of every failed request. Detail is a string, or
// the list of field violations for a rejected payload.
type APIResponse struct {
	Detail    interface{} `json:"detail"`
	ErrorCode int         `json:"error_code"`
}

func (res APIResponse) WriteErrorResponse(w http.ResponseWriter, err error) {
	res.WriteErrorResponseWithStatusCode(w, err, GetStatusCode(err))
}

func (res APIResponse) WriteErrorResponseWithStatusCode(w http.ResponseWriter, err error, StatusCode int) {
	res.ErrorCode = GetErrorCode(err)
	res.Detail = detail(err)

	if StatusCode == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	if StatusCode == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, StatusCode, res)
}

// WriteResultResponse writes result as the bare JSON body of a 200 response.
func (res APIResponse) WriteResultResponse(w http.ResponseWriter, result interface{}) {
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	payload, _ := json.Marshal(body)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	w.Write(payload)
}

// detail keeps storage internals out of responses; they are logged instead.
func detail(err error) interface{} {
	var (
		authErr       *domain.AuthError
		validationErr *domain.ValidationError
		storageErr    *domain.StorageError
	)

	switch {
	case errors.As(err, &authErr):
		return "unauthorized"
	case errors.As(err, &validationErr):
		return validationErr.Violations
	case errors.As(err, &storageErr):
		if storageErr.Transient {
			return ErrStorageUnavailable.Error()
		}
		return ErrStorageFailed.Error()
	default:
		return err.Error()
	}
}
