package domain

import (
	"fmt"
	"strings"
)

type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "unauthorized: " + e.Reason
}

type FieldViolation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every field of a rejected payload that broke the schema.
type ValidationError struct {
	Violations []FieldViolation
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Field+": "+v.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// ProjectionError is raised for a structurally valid payload that cannot be
// turned into rows, e.g. metadata that does not encode as JSON.
type ProjectionError struct {
	Index  int
	Metric string
	Err    error
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf("metrics[%d] (%s): cannot encode meta: %v", e.Index, e.Metric, e.Err)
}

func (e *ProjectionError) Unwrap() error {
	return e.Err
}

// StorageError wraps any failure of the storage gateway. Code carries the
// backend error code when there is one. Transient marks failures a client may
// retry unchanged, such as lost connections or serialization conflicts.
type StorageError struct {
	Op        string
	Code      string
	Transient bool
	Err       error
}

func (e *StorageError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("storage %s failed (sqlstate %s): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
