package projector

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetry-ingest/internal/domain"
)

func ptr[T any](v T) *T { return &v }

func samplePayload() domain.IngestPayload {
	return domain.IngestPayload{
		HostID: "web-01",
		Time:   time.Date(2024, 1, 1, 5, 30, 0, 0, time.FixedZone("IST", 5*3600+1800)),
		Metrics: []domain.Metric{
			{Metric: "cpu_total_pct", Value: 12.5},
			{Metric: "mem_used_mb", Value: 2048, Meta: map[string]any{"unit": "mb", "source": "meminfo"}},
			{Metric: "load1", Value: 0.4, Meta: map[string]any{}},
		},
		Processes: []domain.ProcessMetric{
			{PID: 1, Name: ptr("init"), CPUPct: ptr(0.0), Threads: ptr(int64(1))},
			{PID: 99},
		},
	}
}

func TestProject_SharedTimeAndHost(t *testing.T) {
	hostRows, procRows, err := Project(samplePayload())
	require.NoError(t, err)
	require.Len(t, hostRows, 3)
	require.Len(t, procRows, 2)

	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, r := range hostRows {
		assert.Equal(t, want, r.Time)
		assert.Equal(t, time.UTC, r.Time.Location())
		assert.Equal(t, "web-01", r.HostID)
	}
	for _, r := range procRows {
		assert.Equal(t, want, r.Time)
		assert.Equal(t, "web-01", r.HostID)
	}
}

func TestProject_EquivalentOffsetsProduceEqualRows(t *testing.T) {
	a := samplePayload()
	a.Time = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b := samplePayload()
	b.Time = time.Date(2024, 1, 1, 0, 0, 0, 0, time.FixedZone("", 0))

	rowsA, _, err := Project(a)
	require.NoError(t, err)
	rowsB, _, err := Project(b)
	require.NoError(t, err)
	assert.Equal(t, rowsA, rowsB)
}

func TestProject_MetaEncoding(t *testing.T) {
	hostRows, _, err := Project(samplePayload())
	require.NoError(t, err)

	assert.Nil(t, hostRows[0].MetricMeta, "absent meta is stored as null")
	assert.Nil(t, hostRows[2].MetricMeta, "empty meta is stored as null, not {}")

	require.NotNil(t, hostRows[1].MetricMeta)
	assert.Equal(t, `{"source":"meminfo","unit":"mb"}`, *hostRows[1].MetricMeta)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(*hostRows[1].MetricMeta), &decoded))
	assert.Equal(t, map[string]any{"unit": "mb", "source": "meminfo"}, decoded)
}

func TestProject_OptionalProcessFieldsPassThrough(t *testing.T) {
	_, procRows, err := Project(samplePayload())
	require.NoError(t, err)

	require.NotNil(t, procRows[0].CPUPct)
	assert.Equal(t, 0.0, *procRows[0].CPUPct)
	assert.Equal(t, "init", *procRows[0].ProcName)
	assert.Nil(t, procRows[0].MemMB)

	assert.Equal(t, int64(99), procRows[1].PID)
	assert.Nil(t, procRows[1].ProcName)
	assert.Nil(t, procRows[1].CPUPct)
	assert.Nil(t, procRows[1].IOReadBytes)
	assert.Nil(t, procRows[1].Threads)
}

func TestProject_NoProcesses(t *testing.T) {
	p := samplePayload()
	p.Processes = nil
	_, procRows, err := Project(p)
	require.NoError(t, err)
	assert.Empty(t, procRows)

	p.Processes = []domain.ProcessMetric{}
	_, procRows, err = Project(p)
	require.NoError(t, err)
	assert.Empty(t, procRows)
}

func TestProject_UnencodableMetaFailsWholePayload(t *testing.T) {
	p := samplePayload()
	p.Metrics[2].Meta = map[string]any{"ratio": math.Inf(1)}

	hostRows, procRows, err := Project(p)
	assert.Nil(t, hostRows)
	assert.Nil(t, procRows)

	var perr *domain.ProjectionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 2, perr.Index)
	assert.Equal(t, "load1", perr.Metric)
}
