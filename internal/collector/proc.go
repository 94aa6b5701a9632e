package collector

import (
	"bufio"
	"context"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"telemetry-ingest/internal/domain"
)

const bytesPerMB = 1024 * 1024

// ProcSampler reads host and process usage from a procfs mount. CPU
// percentages are deltas against the previous call; the first call reports
// host CPU since boot and zero for every process.
type ProcSampler struct {
	root     string
	hostID   string
	top      int
	tags     map[string]any
	pageSize int64
	now      func() time.Time

	mu        sync.Mutex
	prevTotal uint64
	prevIdle  uint64
	prevProc  map[int64]uint64
}

func NewProcSampler(root, hostID string, top int, tags map[string]string) *ProcSampler {
	if root == "" {
		root = "/proc"
	}
	return &ProcSampler{
		root:     root,
		hostID:   hostID,
		top:      top,
		tags:     stringTags(tags),
		pageSize: int64(os.Getpagesize()),
		now:      time.Now,
		prevProc: make(map[int64]uint64),
	}
}

type cpuTimes struct {
	total uint64
	idle  uint64
	cores int
}

type procStat struct {
	pid     int64
	name    string
	ticks   uint64
	threads int64
	rss     int64
}

func (s *ProcSampler) Sample(ctx context.Context) (domain.IngestPayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.now().UTC()

	cpu, err := readCPUTimes(filepath.Join(s.root, "stat"))
	if err != nil {
		return domain.IngestPayload{}, err
	}
	memUsed, err := readMemUsedMB(filepath.Join(s.root, "meminfo"))
	if err != nil {
		return domain.IngestPayload{}, err
	}

	metrics := []domain.Metric{
		{Metric: "cpu_total_pct", Value: round2(s.hostCPU(cpu))},
		{Metric: "mem_used_mb", Value: memUsed},
	}
	if load, err := readLoad1(filepath.Join(s.root, "loadavg")); err == nil {
		metrics = append(metrics, domain.Metric{Metric: "load_1m", Value: load})
	}

	processes, err := s.topProcesses(ctx, cpu)
	if err != nil {
		return domain.IngestPayload{}, err
	}

	s.prevTotal, s.prevIdle = cpu.total, cpu.idle

	return domain.IngestPayload{
		HostID:    s.hostID,
		Time:      ts,
		Metrics:   metrics,
		Processes: processes,
		Tags:      s.tags,
	}, nil
}

func (s *ProcSampler) hostCPU(cpu cpuTimes) float64 {
	total, idle := cpu.total, cpu.idle
	if s.prevTotal > 0 && cpu.total > s.prevTotal {
		total = cpu.total - s.prevTotal
		idle = cpu.idle - s.prevIdle
	}
	if total == 0 {
		return 0
	}
	return (1 - float64(idle)/float64(total)) * 100
}

func (s *ProcSampler) topProcesses(ctx context.Context, cpu cpuTimes) ([]domain.ProcessMetric, error) {
	if s.top <= 0 {
		return nil, nil
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.Wrap(err, "list processes")
	}

	deltaTotal := cpu.total - s.prevTotal
	seen := make(map[int64]uint64, len(entries))
	var samples []domain.ProcessMetric

	for _, entry := range entries {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		pid, err := strconv.ParseInt(entry.Name(), 10, 64)
		if err != nil || !entry.IsDir() {
			continue
		}

		// Processes can exit between listing and reading.
		st, err := readProcStat(filepath.Join(s.root, entry.Name(), "stat"))
		if err != nil {
			continue
		}
		seen[pid] = st.ticks

		cpuPct := 0.0
		if prev, ok := s.prevProc[pid]; ok && s.prevTotal > 0 && deltaTotal > 0 && st.ticks >= prev {
			cpuPct = float64(st.ticks-prev) / float64(deltaTotal) * 100 * float64(cpu.cores)
		}
		memMB := float64(st.rss*s.pageSize) / bytesPerMB

		p := domain.ProcessMetric{
			PID:     pid,
			Name:    &st.name,
			CPUPct:  ptr(round2(cpuPct)),
			MemMB:   ptr(round2(memMB)),
			Threads: ptr(st.threads),
		}
		if read, write, err := readProcIO(filepath.Join(s.root, entry.Name(), "io")); err == nil {
			p.IOReadBytes, p.IOWriteBytes = &read, &write
		}
		samples = append(samples, p)
	}
	s.prevProc = seen

	sort.SliceStable(samples, func(i, j int) bool {
		if *samples[i].CPUPct != *samples[j].CPUPct {
			return *samples[i].CPUPct > *samples[j].CPUPct
		}
		return *samples[i].MemMB > *samples[j].MemMB
	})
	if len(samples) > s.top {
		samples = samples[:s.top]
	}
	return samples, nil
}

func readCPUTimes(path string) (cpuTimes, error) {
	var out cpuTimes

	f, err := os.Open(path)
	if err != nil {
		return out, errors.Wrap(err, "read cpu times")
	}
	defer f.Close()

	found := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || !strings.HasPrefix(fields[0], "cpu") {
			continue
		}
		if fields[0] != "cpu" {
			out.cores++
			continue
		}
		found = true
		for i, field := range fields[1:] {
			v, err := strconv.ParseUint(field, 10, 64)
			if err != nil {
				return out, errors.Wrapf(err, "parse %s", path)
			}
			// guest and guest_nice are already included in user and nice.
			if i >= 8 {
				break
			}
			out.total += v
			// idle and iowait
			if i == 3 || i == 4 {
				out.idle += v
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return out, errors.Wrapf(err, "scan %s", path)
	}
	if !found {
		return out, errors.Errorf("no aggregate cpu line in %s", path)
	}
	if out.cores == 0 {
		out.cores = 1
	}
	return out, nil
}

func readMemUsedMB(path string) (float64, error) {
	values, err := readKeyValues(path)
	if err != nil {
		return 0, errors.Wrap(err, "read meminfo")
	}
	total, ok := values["MemTotal"]
	if !ok {
		return 0, errors.Errorf("MemTotal missing from %s", path)
	}
	avail, ok := values["MemAvailable"]
	if !ok {
		avail = values["MemFree"] + values["Buffers"] + values["Cached"]
	}
	return round2(float64(total-avail) / 1024), nil
}

func readLoad1(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, errors.Errorf("empty %s", path)
	}
	return strconv.ParseFloat(fields[0], 64)
}

// readProcStat parses /proc/<pid>/stat. The command name may contain spaces
// and parentheses, so fields are counted from the last ')'.
func readProcStat(path string) (procStat, error) {
	var st procStat

	data, err := os.ReadFile(path)
	if err != nil {
		return st, err
	}
	line := string(data)
	open, closing := strings.IndexByte(line, '('), strings.LastIndexByte(line, ')')
	if open < 0 || closing < open {
		return st, errors.Errorf("malformed %s", path)
	}

	st.pid, err = strconv.ParseInt(strings.TrimSpace(line[:open]), 10, 64)
	if err != nil {
		return st, errors.Wrapf(err, "parse pid in %s", path)
	}
	st.name = line[open+1 : closing]

	// fields[0] is the state, field 3 in proc(5).
	fields := strings.Fields(line[closing+1:])
	if len(fields) < 22 {
		return st, errors.Errorf("short %s", path)
	}
	utime, err1 := strconv.ParseUint(fields[11], 10, 64)
	stime, err2 := strconv.ParseUint(fields[12], 10, 64)
	threads, err3 := strconv.ParseInt(fields[17], 10, 64)
	rss, err4 := strconv.ParseInt(fields[21], 10, 64)
	for _, err := range []error{err1, err2, err3, err4} {
		if err != nil {
			return st, errors.Wrapf(err, "parse %s", path)
		}
	}
	st.ticks = utime + stime
	st.threads = threads
	st.rss = rss
	return st, nil
}

func readProcIO(path string) (int64, int64, error) {
	values, err := readKeyValues(path)
	if err != nil {
		return 0, 0, err
	}
	read, ok1 := values["read_bytes"]
	write, ok2 := values["write_bytes"]
	if !ok1 || !ok2 {
		return 0, 0, errors.Errorf("io counters missing from %s", path)
	}
	return read, write, nil
}

// readKeyValues parses "key: value [unit]" lines.
func readKeyValues(path string) (map[string]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	values := make(map[string]int64)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, rest, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			continue
		}
		values[strings.TrimSpace(key)] = v
	}
	return values, scanner.Err()
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func ptr[T any](v T) *T { return &v }
