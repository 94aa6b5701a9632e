// Package validation turns raw ingest request bodies into structurally valid
// payloads, or rejects them with every violating field listed.
package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"telemetry-ingest/internal/domain"
)

// wire mirrors the JSON shape; pointers mark fields whose absence must be
// told apart from their zero value.
type payload struct {
	HostID    string         `json:"host_id" validate:"required"`
	Time      string         `json:"time" validate:"required,rfc3339"`
	Metrics   []metric       `json:"metrics" validate:"required,dive"`
	Processes []process      `json:"processes" validate:"omitempty,dive"`
	Tags      map[string]any `json:"tags"`
}

type metric struct {
	Metric *string        `json:"metric" validate:"required"`
	Value  *float64       `json:"value" validate:"required"`
	Meta   map[string]any `json:"meta"`
}

type process struct {
	PID          *int64   `json:"pid" validate:"required"`
	Name         *string  `json:"name"`
	CPUPct       *float64 `json:"cpu_pct"`
	MemMB        *float64 `json:"mem_mb"`
	IOReadBytes  *int64   `json:"io_read_bytes"`
	IOWriteBytes *int64   `json:"io_write_bytes"`
	Threads      *int64   `json:"threads"`
}

var indexPattern = regexp.MustCompile(`\[\d+\]`)

type Validator struct {
	validate *validator.Validate
}

func New() *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterValidation("rfc3339", func(fl validator.FieldLevel) bool {
		_, err := ParseTimestamp(fl.Field().String())
		return err == nil
	})
	return &Validator{validate: v}
}

// ParseTimestamp accepts RFC 3339 with an explicit numeric offset or a
// trailing Z. Timestamps without an offset are rejected.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// Decode parses body and returns the payload, or a *domain.ValidationError.
// Unknown fields are ignored.
func (v *Validator) Decode(body []byte) (domain.IngestPayload, error) {
	var wire payload
	var violations []domain.FieldViolation

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&wire); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) || typeErr.Field == "" {
			return domain.IngestPayload{}, malformed(err)
		}
		violations = append(violations, domain.FieldViolation{
			Field:   typeErr.Field,
			Message: fmt.Sprintf("invalid type: got JSON %s", typeErr.Value),
		})
	} else if dec.More() {
		return domain.IngestPayload{}, malformed(errors.New("unexpected data after the JSON object"))
	}

	if err := v.validate.Struct(wire); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return domain.IngestPayload{}, err
		}
		for _, fe := range fieldErrs {
			field := stripPrefix(fe.Namespace())
			if reported(violations, field) {
				continue
			}
			violations = append(violations, domain.FieldViolation{Field: field, Message: message(fe)})
		}
	}

	if len(violations) > 0 {
		return domain.IngestPayload{}, &domain.ValidationError{Violations: violations}
	}
	return wire.toDomain(), nil
}

func (w payload) toDomain() domain.IngestPayload {
	ts, _ := ParseTimestamp(w.Time)

	p := domain.IngestPayload{
		HostID:  w.HostID,
		Time:    ts,
		Metrics: make([]domain.Metric, 0, len(w.Metrics)),
		Tags:    w.Tags,
	}
	for _, m := range w.Metrics {
		p.Metrics = append(p.Metrics, domain.Metric{Metric: *m.Metric, Value: *m.Value, Meta: m.Meta})
	}
	if w.Processes != nil {
		p.Processes = make([]domain.ProcessMetric, 0, len(w.Processes))
		for _, pr := range w.Processes {
			p.Processes = append(p.Processes, domain.ProcessMetric{
				PID:          *pr.PID,
				Name:         pr.Name,
				CPUPct:       pr.CPUPct,
				MemMB:        pr.MemMB,
				IOReadBytes:  pr.IOReadBytes,
				IOWriteBytes: pr.IOWriteBytes,
				Threads:      pr.Threads,
			})
		}
	}
	return p
}

func malformed(err error) *domain.ValidationError {
	return &domain.ValidationError{Violations: []domain.FieldViolation{{
		Field:   "body",
		Message: "malformed JSON: " + err.Error(),
	}}}
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "field required"
	case "rfc3339":
		return "must be an RFC 3339 timestamp with an explicit offset or Z"
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

// reported tells whether a type error already covers field. Type errors carry
// no slice indexes, so indexes are dropped before comparing.
func reported(violations []domain.FieldViolation, field string) bool {
	plain := indexPattern.ReplaceAllString(field, "")
	for _, v := range violations {
		if v.Field == plain {
			return true
		}
	}
	return false
}

func stripPrefix(s string) string {
	if idx := strings.Index(s, "."); idx != -1 {
		return s[idx+1:]
	}
	return s
}
