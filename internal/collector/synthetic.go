package collector

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"telemetry-ingest/internal/domain"
)

// SyntheticSampler generates random but plausible samples. It is meant for
// load testing and for hosts without procfs.
type SyntheticSampler struct {
	hostID    string
	processes int
	tags      map[string]any
	now       func() time.Time

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewSyntheticSampler(hostID string, processes int, tags map[string]string, seed int64) *SyntheticSampler {
	return &SyntheticSampler{
		hostID:    hostID,
		processes: processes,
		tags:      stringTags(tags),
		now:       time.Now,
		rnd:       rand.New(rand.NewSource(seed)),
	}
}

func (s *SyntheticSampler) Sample(ctx context.Context) (domain.IngestPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cpuLoad := s.rnd.Float64() * 100.0
	memUsed := 512 + s.rnd.Float64()*15872

	payload := domain.IngestPayload{
		HostID: s.hostID,
		Time:   s.now().UTC(),
		Metrics: []domain.Metric{
			{Metric: "cpu_total_pct", Value: round2(cpuLoad)},
			{Metric: "mem_used_mb", Value: round2(memUsed), Meta: map[string]any{"unit": "mb", "source": "synthetic"}},
			{Metric: "concurrency", Value: float64(s.rnd.Intn(500001))},
		},
		Tags: s.tags,
	}

	for i := 0; i < s.processes; i++ {
		pid := int64(1000 + i)
		name := fmt.Sprintf("worker-%d", i)
		payload.Processes = append(payload.Processes, domain.ProcessMetric{
			PID:          pid,
			Name:         &name,
			CPUPct:       ptr(round2(s.rnd.Float64() * cpuLoad)),
			MemMB:        ptr(round2(s.rnd.Float64() * 512)),
			IOReadBytes:  ptr(s.rnd.Int63n(1 << 30)),
			IOWriteBytes: ptr(s.rnd.Int63n(1 << 30)),
			Threads:      ptr(int64(1 + s.rnd.Intn(64))),
		})
	}
	return payload, nil
}
