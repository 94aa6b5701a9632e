// Package ingest is the request-to-storage pipeline: it authenticates the
// caller, validates and projects the payload, and writes both row batches in
// one transaction.
package ingest

import (
	"context"
	"crypto/subtle"
	"errors"

	"telemetry-ingest/internal/domain"
	"telemetry-ingest/internal/projector"
	"telemetry-ingest/internal/validation"
)

// Authenticator checks the Authorization header against the shared bearer
// token. The comparison runs in constant time.
type Authenticator struct {
	expected []byte
}

func NewAuthenticator(token string) *Authenticator {
	return &Authenticator{expected: []byte("Bearer " + token)}
}

func (a *Authenticator) Check(header string) error {
	if header == "" {
		return &domain.AuthError{Reason: "missing Authorization header"}
	}
	if subtle.ConstantTimeCompare([]byte(header), a.expected) != 1 {
		return &domain.AuthError{Reason: "invalid bearer token"}
	}
	return nil
}

type Service struct {
	store     domain.MetricStore
	validator *validation.Validator
}

func NewService(store domain.MetricStore) *Service {
	return &Service{store: store, validator: validation.New()}
}

// Ingest validates body and persists it. Every failure before persistence
// leaves the store untouched.
func (s *Service) Ingest(ctx context.Context, body []byte) (domain.IngestResult, error) {
	payload, err := s.validator.Decode(body)
	if err != nil {
		return domain.IngestResult{}, err
	}
	return s.Persist(ctx, payload)
}

// Persist projects payload into rows and writes both batches atomically.
// The result counts attempted rows; duplicates skipped by the store are
// still counted.
func (s *Service) Persist(ctx context.Context, payload domain.IngestPayload) (domain.IngestResult, error) {
	hostRows, procRows, err := projector.Project(payload)
	if err != nil {
		return domain.IngestResult{}, err
	}
	if len(hostRows) == 0 && len(procRows) == 0 {
		return domain.IngestResult{}, nil
	}

	var result domain.IngestResult
	err = s.store.WithinTx(ctx, func(tx domain.MetricTx) error {
		n, err := tx.InsertHostMetrics(ctx, hostRows)
		if err != nil {
			return err
		}
		result.InsertedHostMetrics = n

		n, err = tx.InsertProcessMetrics(ctx, procRows)
		if err != nil {
			return err
		}
		result.InsertedProcessMetrics = n
		return nil
	})
	if err != nil {
		var serr *domain.StorageError
		if !errors.As(err, &serr) {
			err = &domain.StorageError{Op: "transaction", Err: err}
		}
		return domain.IngestResult{}, err
	}
	return result, nil
}
