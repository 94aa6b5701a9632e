package validation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetry-ingest/internal/domain"
)

func violationFields(t *testing.T, err error) []string {
	t.Helper()
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	fields := make([]string, 0, len(verr.Violations))
	for _, v := range verr.Violations {
		fields = append(fields, v.Field)
	}
	return fields
}

func TestDecode_ValidPayload(t *testing.T) {
	body := `{
		"host_id": "web-01",
		"time": "2024-01-01T00:00:00Z",
		"metrics": [
			{"metric": "cpu_total_pct", "value": 12.5},
			{"metric": "mem_used_mb", "value": 2048, "meta": {"unit": "mb"}}
		],
		"processes": [
			{"pid": 42, "name": "postgres", "cpu_pct": 0.0},
			{"pid": 43}
		],
		"tags": {"env": "dev"}
	}`

	p, err := New().Decode([]byte(body))
	require.NoError(t, err)

	assert.Equal(t, "web-01", p.HostID)
	assert.True(t, p.Time.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.Len(t, p.Metrics, 2)
	assert.Equal(t, 2048.0, p.Metrics[1].Value, "integer values are coerced to float")
	assert.Equal(t, map[string]any{"unit": "mb"}, p.Metrics[1].Meta)
	assert.Nil(t, p.Metrics[0].Meta)

	require.Len(t, p.Processes, 2)
	require.NotNil(t, p.Processes[0].CPUPct)
	assert.Equal(t, 0.0, *p.Processes[0].CPUPct)
	assert.Nil(t, p.Processes[1].CPUPct, "absent cpu_pct stays absent")
	assert.Nil(t, p.Processes[1].Name)
	assert.Equal(t, map[string]any{"env": "dev"}, p.Tags)
}

func TestDecode_OffsetForms(t *testing.T) {
	v := New()
	zulu, err := v.Decode([]byte(`{"host_id":"h","time":"2024-01-01T00:00:00Z","metrics":[]}`))
	require.NoError(t, err)
	offset, err := v.Decode([]byte(`{"host_id":"h","time":"2024-01-01T00:00:00+00:00","metrics":[]}`))
	require.NoError(t, err)
	shifted, err := v.Decode([]byte(`{"host_id":"h","time":"2024-01-01T05:30:00.250+05:30","metrics":[]}`))
	require.NoError(t, err)

	assert.True(t, zulu.Time.Equal(offset.Time))
	assert.True(t, shifted.Time.Equal(zulu.Time.Add(250*time.Millisecond)))
}

func TestDecode_RejectsTimestampsWithoutOffset(t *testing.T) {
	v := New()
	for _, ts := range []string{"2024-01-01T00:00:00", "2024-01-01", "yesterday", "1704067200"} {
		_, err := v.Decode([]byte(`{"host_id":"h","time":"` + ts + `","metrics":[]}`))
		assert.Equal(t, []string{"time"}, violationFields(t, err), ts)
	}
}

func TestDecode_EmptyMetricsAndAbsentProcesses(t *testing.T) {
	p, err := New().Decode([]byte(`{"host_id":"h","time":"2024-01-01T00:00:00Z","metrics":[]}`))
	require.NoError(t, err)
	assert.NotNil(t, p.Metrics)
	assert.Empty(t, p.Metrics)
	assert.Nil(t, p.Processes)
}

func TestDecode_UnknownFieldsIgnored(t *testing.T) {
	body := `{"host_id":"h","time":"2024-01-01T00:00:00Z","agent":"v2",
		"metrics":[{"metric":"m","value":1,"unit":"pct"}],
		"processes":[{"pid":1,"state":"R"}]}`
	p, err := New().Decode([]byte(body))
	require.NoError(t, err)
	assert.Len(t, p.Metrics, 1)
	assert.Len(t, p.Processes, 1)
}

func TestDecode_EnumeratesMissingFields(t *testing.T) {
	_, err := New().Decode([]byte(`{"metrics":[{"metric":"m"},{"value":1}],"processes":[{"name":"x"}]}`))
	fields := violationFields(t, err)
	assert.ElementsMatch(t, []string{
		"host_id",
		"time",
		"metrics[0].value",
		"metrics[1].metric",
		"processes[0].pid",
	}, fields)
}

func TestDecode_MissingMetrics(t *testing.T) {
	_, err := New().Decode([]byte(`{"host_id":"h","time":"2024-01-01T00:00:00Z"}`))
	assert.Equal(t, []string{"metrics"}, violationFields(t, err))

	_, err = New().Decode([]byte(`{"host_id":"h","time":"2024-01-01T00:00:00Z","metrics":null}`))
	assert.Equal(t, []string{"metrics"}, violationFields(t, err))
}

func TestDecode_EmptyHostID(t *testing.T) {
	_, err := New().Decode([]byte(`{"host_id":"","time":"2024-01-01T00:00:00Z","metrics":[]}`))
	assert.Equal(t, []string{"host_id"}, violationFields(t, err))
}

func TestDecode_WrongTypes(t *testing.T) {
	v := New()

	_, err := v.Decode([]byte(`{"host_id":"h","time":"2024-01-01T00:00:00Z","metrics":[{"metric":"m","value":"high"}]}`))
	assert.Equal(t, []string{"metrics.value"}, violationFields(t, err))

	_, err = v.Decode([]byte(`{"host_id":"h","time":"2024-01-01T00:00:00Z","metrics":[],"processes":[{"pid":1.5}]}`))
	assert.Equal(t, []string{"processes.pid"}, violationFields(t, err))

	_, err = v.Decode([]byte(`{"host_id":"h","time":"2024-01-01T00:00:00Z","metrics":[{"metric":"m","value":true}]}`))
	assert.Equal(t, []string{"metrics.value"}, violationFields(t, err))
}

func TestDecode_MalformedBody(t *testing.T) {
	v := New()
	for _, body := range []string{"", "not json", `["array"]`, `{"host_id":"h"} trailing`} {
		_, err := v.Decode([]byte(body))
		assert.Equal(t, []string{"body"}, violationFields(t, err), body)
	}
}

func TestParseTimestamp(t *testing.T) {
	ts, err := ParseTimestamp("2024-03-10T12:00:00.123456-08:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 10, 20, 0, 0, 123456000, time.UTC), ts.UTC())

	_, err = ParseTimestamp("2024-03-10 12:00:00Z")
	assert.Error(t, err)
}
