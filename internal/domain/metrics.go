package domain

import (
	"context"
	"time"
)

// IngestPayload is one collector report: a single host and instant bundling
// host-level readings and optional per-process readings.
type IngestPayload struct {
	HostID    string          `json:"host_id"`
	Time      time.Time       `json:"time"`
	Metrics   []Metric        `json:"metrics"`
	Processes []ProcessMetric `json:"processes,omitempty"`
	Tags      map[string]any  `json:"tags,omitempty"`
}

type Metric struct {
	Metric string         `json:"metric"`
	Value  float64        `json:"value"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// ProcessMetric keeps every optional reading as a pointer so that an absent
// value stays distinguishable from a zero value all the way to storage.
type ProcessMetric struct {
	PID          int64    `json:"pid"`
	Name         *string  `json:"name,omitempty"`
	CPUPct       *float64 `json:"cpu_pct,omitempty"`
	MemMB        *float64 `json:"mem_mb,omitempty"`
	IOReadBytes  *int64   `json:"io_read_bytes,omitempty"`
	IOWriteBytes *int64   `json:"io_write_bytes,omitempty"`
	Threads      *int64   `json:"threads,omitempty"`
}

type HostMetricRow struct {
	Time        time.Time
	HostID      string
	MetricName  string
	MetricValue float64
	// MetricMeta is the JSON text of a non-empty meta map, nil otherwise.
	MetricMeta *string
}

// Values returns the row in host_metrics column order.
func (r HostMetricRow) Values() []interface{} {
	return []interface{}{r.Time, r.HostID, r.MetricName, r.MetricValue, r.MetricMeta}
}

type ProcessMetricRow struct {
	Time         time.Time
	HostID       string
	PID          int64
	ProcName     *string
	CPUPct       *float64
	MemMB        *float64
	IOReadBytes  *int64
	IOWriteBytes *int64
	Threads      *int64
}

// Values returns the row in process_metrics column order.
func (r ProcessMetricRow) Values() []interface{} {
	return []interface{}{r.Time, r.HostID, r.PID, r.ProcName, r.CPUPct, r.MemMB, r.IOReadBytes, r.IOWriteBytes, r.Threads}
}

// IngestResult reports the number of rows attempted per table, not the number
// that survived conflict skipping.
type IngestResult struct {
	InsertedHostMetrics    int `json:"inserted_host_metrics"`
	InsertedProcessMetrics int `json:"inserted_process_metrics"`
}

// MetricStore owns the connection pool for the lifetime of the service.
// Init and Close are both idempotent.
type MetricStore interface {
	Init(ctx context.Context) error
	// WithinTx runs fn on one pooled connection inside one transaction.
	// The transaction commits only if fn returns nil.
	WithinTx(ctx context.Context, fn func(tx MetricTx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// MetricTx inserts batches with insert-or-skip-on-conflict semantics and
// returns the number of rows attempted. Empty batches never reach the database.
type MetricTx interface {
	InsertHostMetrics(ctx context.Context, rows []HostMetricRow) (int, error)
	InsertProcessMetrics(ctx context.Context, rows []ProcessMetricRow) (int, error)
}
