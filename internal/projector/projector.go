// Package projector converts a validated payload into the row batches of the
// two metric tables. It performs no I/O.
package projector

import (
	"encoding/json"

	"telemetry-ingest/internal/domain"
)

// Project returns one host row per metric and one process row per process.
// Every row shares the payload instant, normalized to UTC, and host id.
// A meta map that cannot be encoded fails the whole payload.
func Project(p domain.IngestPayload) ([]domain.HostMetricRow, []domain.ProcessMetricRow, error) {
	ts := p.Time.UTC()

	hostRows := make([]domain.HostMetricRow, 0, len(p.Metrics))
	for i, m := range p.Metrics {
		meta, err := encodeMeta(m.Meta)
		if err != nil {
			return nil, nil, &domain.ProjectionError{Index: i, Metric: m.Metric, Err: err}
		}
		hostRows = append(hostRows, domain.HostMetricRow{
			Time:        ts,
			HostID:      p.HostID,
			MetricName:  m.Metric,
			MetricValue: m.Value,
			MetricMeta:  meta,
		})
	}

	procRows := make([]domain.ProcessMetricRow, 0, len(p.Processes))
	for _, pr := range p.Processes {
		procRows = append(procRows, domain.ProcessMetricRow{
			Time:         ts,
			HostID:       p.HostID,
			PID:          pr.PID,
			ProcName:     pr.Name,
			CPUPct:       pr.CPUPct,
			MemMB:        pr.MemMB,
			IOReadBytes:  pr.IOReadBytes,
			IOWriteBytes: pr.IOWriteBytes,
			Threads:      pr.Threads,
		})
	}

	return hostRows, procRows, nil
}

// encodeMeta returns nil for an absent or empty map, never "{}".
// encoding/json sorts map keys, so equal maps encode identically.
func encodeMeta(meta map[string]any) (*string, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}
