package endpoints

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetry-ingest/internal/domain"
	"telemetry-ingest/internal/ingest"
	"telemetry-ingest/internal/util"
)

const testToken = "s3cret"

type MockMetricStore struct {
	HostRows []domain.HostMetricRow
	ProcRows []domain.ProcessMetricRow
	Err      error
	PingErr  error
	TxCalls  int
}

func (m *MockMetricStore) Init(ctx context.Context) error { return nil }

func (m *MockMetricStore) WithinTx(ctx context.Context, fn func(tx domain.MetricTx) error) error {
	m.TxCalls++
	if err := ctx.Err(); err != nil {
		return &domain.StorageError{Op: "begin", Err: err}
	}
	tx := &mockTx{}
	if err := fn(tx); err != nil {
		return err
	}
	m.HostRows = append(m.HostRows, tx.hostRows...)
	m.ProcRows = append(m.ProcRows, tx.procRows...)
	return m.Err
}

func (m *MockMetricStore) Ping(ctx context.Context) error { return m.PingErr }

func (m *MockMetricStore) Close() error { return nil }

type mockTx struct {
	hostRows []domain.HostMetricRow
	procRows []domain.ProcessMetricRow
}

func (t *mockTx) InsertHostMetrics(ctx context.Context, rows []domain.HostMetricRow) (int, error) {
	t.hostRows = append(t.hostRows, rows...)
	return len(rows), nil
}

func (t *mockTx) InsertProcessMetrics(ctx context.Context, rows []domain.ProcessMetricRow) (int, error) {
	t.procRows = append(t.procRows, rows...)
	return len(rows), nil
}

const validBody = `{
	"host_id": "web-1",
	"time": "2024-05-01T12:00:00+00:00",
	"metrics": [
		{"metric": "cpu_total_pct", "value": 12.5},
		{"metric": "mem_used_mb", "value": 2048, "meta": {"unit": "mb"}},
		{"metric": "load_1m", "value": 0.7}
	],
	"processes": [
		{"pid": 1, "name": "init", "cpu_pct": 0.1},
		{"pid": 42, "mem_mb": 12.5}
	]
}`

func newIngestHandler(store domain.MetricStore, maxBodyBytes int64) *Ingest {
	h := &Ingest{}
	h.Init(ingest.NewService(store), ingest.NewAuthenticator(testToken), maxBodyBytes, &util.MetricsLogger{})
	return h
}

func postIngest(h *Ingest, body, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rr := httptest.NewRecorder()
	h.IngestHandler(rr, req)
	return rr
}

func TestIngestHandler_Success(t *testing.T) {
	store := &MockMetricStore{}
	h := newIngestHandler(store, 1<<20)

	rr := postIngest(h, validBody, "Bearer "+testToken)

	assert.Equal(t, http.StatusOK, rr.Code, "Expected status OK")
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"inserted_host_metrics":3,"inserted_process_metrics":2}`, rr.Body.String())
	assert.Len(t, store.HostRows, 3)
	assert.Len(t, store.ProcRows, 2)
}

func TestIngestHandler_OmittedProcesses(t *testing.T) {
	store := &MockMetricStore{}
	h := newIngestHandler(store, 1<<20)

	body := `{"host_id":"web-1","time":"2024-05-01T12:00:00Z","metrics":[{"metric":"cpu_total_pct","value":1}]}`
	rr := postIngest(h, body, "Bearer "+testToken)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"inserted_host_metrics":1,"inserted_process_metrics":0}`, rr.Body.String())
}

func TestIngestHandler_AuthBoundary(t *testing.T) {
	cases := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong token", "Bearer wrong"},
		{"wrong scheme", "Token " + testToken},
		{"lowercase scheme", "bearer " + testToken},
		{"trailing space", "Bearer " + testToken + " "},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &MockMetricStore{}
			h := newIngestHandler(store, 1<<20)

			rr := postIngest(h, validBody, tc.header)

			assert.Equal(t, http.StatusUnauthorized, rr.Code)
			assert.Equal(t, "Bearer", rr.Header().Get("WWW-Authenticate"))

			var res APIResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
			assert.Equal(t, "unauthorized", res.Detail)
			assert.Equal(t, API_UNAUTHORIZED, res.ErrorCode)
			assert.Zero(t, store.TxCalls, "store must not be touched before authentication")
		})
	}
}

func TestIngestHandler_AuthCheckedBeforeBody(t *testing.T) {
	store := &MockMetricStore{}
	h := newIngestHandler(store, 1<<20)

	rr := postIngest(h, "not json", "Bearer wrong")

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestIngestHandler_ValidationFailure(t *testing.T) {
	store := &MockMetricStore{}
	h := newIngestHandler(store, 1<<20)

	body := `{"time":"2024-05-01T12:00:00","metrics":[{"metric":"cpu"}]}`
	rr := postIngest(h, body, "Bearer "+testToken)

	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	var res struct {
		Detail    []domain.FieldViolation `json:"detail"`
		ErrorCode int                     `json:"error_code"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, VALIDATION_FAILED, res.ErrorCode)

	fields := make([]string, 0, len(res.Detail))
	for _, v := range res.Detail {
		fields = append(fields, v.Field)
	}
	assert.Contains(t, fields, "host_id")
	assert.Contains(t, fields, "time")
	assert.Contains(t, fields, "metrics[0].value")
	assert.Zero(t, store.TxCalls)
}

func TestIngestHandler_MalformedJSON(t *testing.T) {
	store := &MockMetricStore{}
	h := newIngestHandler(store, 1<<20)

	rr := postIngest(h, "{not json", "Bearer "+testToken)

	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Zero(t, store.TxCalls)
}

func TestIngestHandler_BodyTooLarge(t *testing.T) {
	store := &MockMetricStore{}
	h := newIngestHandler(store, 64)

	rr := postIngest(h, validBody, "Bearer "+testToken)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)

	var res APIResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, INVALID_REQUEST_BODY, res.ErrorCode)
	assert.Zero(t, store.TxCalls)
}

func TestIngestHandler_StorageFailures(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   int
	}{
		{
			name:   "permanent",
			err:    &domain.StorageError{Op: "commit", Code: "23514", Err: errors.New("check violation on secret_table")},
			status: http.StatusInternalServerError,
			code:   STORAGE_FAILED,
		},
		{
			name:   "transient",
			err:    &domain.StorageError{Op: "acquire", Transient: true, Err: errors.New("connection refused")},
			status: http.StatusServiceUnavailable,
			code:   STORAGE_UNAVAILABLE,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := &MockMetricStore{Err: tc.err}
			h := newIngestHandler(store, 1<<20)

			rr := postIngest(h, validBody, "Bearer "+testToken)

			assert.Equal(t, tc.status, rr.Code)

			var res APIResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
			assert.Equal(t, tc.code, res.ErrorCode)
			assert.NotContains(t, rr.Body.String(), "secret_table", "storage internals must not leak")
			assert.NotContains(t, rr.Body.String(), "connection refused")
		})
	}

	store := &MockMetricStore{Err: &domain.StorageError{Op: "acquire", Transient: true, Err: errors.New("x")}}
	rr := postIngest(newIngestHandler(store, 1<<20), validBody, "Bearer "+testToken)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
}

func TestIngestHandler_CancelledRequest(t *testing.T) {
	store := &MockMetricStore{}
	h := newIngestHandler(store, 1<<20)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingest", bytes.NewBufferString(validBody))
	req.Header.Set("Authorization", "Bearer "+testToken)
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	h.IngestHandler(rr, req)

	assert.Equal(t, http.StatusRequestTimeout, rr.Code, "Expected Request Timeout for cancelled context")

	var res APIResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Equal(t, REQUEST_CANCELLED, res.ErrorCode)
	assert.Empty(t, store.HostRows)
}

func TestIngestHandler_MethodNotAllowed(t *testing.T) {
	h := newIngestHandler(&MockMetricStore{}, 1<<20)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ingest", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr := httptest.NewRecorder()
	h.IngestHandler(rr, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Equal(t, http.MethodPost, rr.Header().Get("Allow"))
}

func TestHealthHandler(t *testing.T) {
	store := &MockMetricStore{}
	h := &Health{}
	h.Init(store, &util.MetricsLogger{})

	rr := httptest.NewRecorder()
	h.HealthHandler(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())

	store.PingErr = errors.New("pool closed")
	rr = httptest.NewRecorder()
	h.HealthHandler(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.NotContains(t, rr.Body.String(), "pool closed")
}

func TestGetErrorCode(t *testing.T) {
	assert.Equal(t, API_SUCCESS, GetErrorCode(nil))
	assert.Equal(t, API_UNAUTHORIZED, GetErrorCode(&domain.AuthError{Reason: "x"}))
	assert.Equal(t, VALIDATION_FAILED, GetErrorCode(&domain.ValidationError{}))
	assert.Equal(t, PROJECTION_FAILED, GetErrorCode(&domain.ProjectionError{Err: errors.New("x")}))
	assert.Equal(t, STORAGE_FAILED, GetErrorCode(&domain.StorageError{Err: errors.New("x")}))
	assert.Equal(t, REQUEST_CANCELLED, GetErrorCode(context.Canceled))
	assert.Equal(t, API_FAILURE, GetErrorCode(errors.New("other")))
}
