package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Sample is one CPU and memory reading of the sidecar.
type Sample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// SamplerConfig holds configuration for sidecar resource sampling.
type SamplerConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// Sampler periodically reads the sidecar's resource usage with gopsutil and
// keeps a bounded history.
type Sampler struct {
	enabled    bool
	interval   time.Duration
	maxHistory int

	mu      sync.RWMutex
	history []Sample // circular buffer
	start   int
	count   int
	proc    *process.Process

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent prometheus.Gauge
	memoryMB   prometheus.Gauge
	numThreads prometheus.Gauge
	numFDs     prometheus.Gauge
}

func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sidecar", Name: name, Help: help,
		})
	}
	return &Sampler{
		enabled:    cfg.Enabled,
		interval:   cfg.Interval,
		maxHistory: cfg.MaxHistory,
		history:    make([]Sample, cfg.MaxHistory),
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the sidecar."),
		memoryMB:   gauge("memory_mb", "Resident memory of the sidecar in MB."),
		numThreads: gauge("num_threads", "Number of sidecar threads."),
		numFDs:     gauge("num_fds", "Open file descriptors of the sidecar (Unix only)."),
	}
}

func (s *Sampler) Enabled() bool { return s != nil && s.enabled }

// RegisterMetrics registers the sampler gauges with r.
func (s *Sampler) RegisterMetrics(r prometheus.Registerer) error {
	if !s.Enabled() {
		return nil
	}
	cs := []prometheus.Collector{s.cpuPercent, s.memoryMB, s.numThreads}
	if runtime.GOOS != "windows" {
		cs = append(cs, s.numFDs)
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples pid() every interval until ctx is done or Stop is called.
// A non-positive pid means no sidecar is running and clears the gauges.
func (s *Sampler) Start(ctx context.Context, pid func() int) error {
	if !s.Enabled() {
		return nil
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Collect(int32(pid()))
			}
		}
	}()
	return nil
}

func (s *Sampler) Stop() {
	if !s.Enabled() {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Collect takes one sample of pid and records it.
func (s *Sampler) Collect(pid int32) {
	if pid <= 0 {
		s.reset()
		return
	}
	sample, err := s.sample(pid, time.Now())
	if err != nil {
		slog.Debug("failed to sample sidecar", "pid", pid, "error", err)
		s.reset()
		return
	}
	s.cpuPercent.Set(sample.CPUPercent)
	s.memoryMB.Set(sample.MemoryMB)
	s.numThreads.Set(float64(sample.NumThreads))
	if sample.NumFDs > 0 {
		s.numFDs.Set(float64(sample.NumFDs))
	}
	s.mu.Lock()
	idx := (s.start + s.count) % s.maxHistory
	s.history[idx] = sample
	if s.count < s.maxHistory {
		s.count++
	} else {
		s.start = (s.start + 1) % s.maxHistory
	}
	s.mu.Unlock()
}

func (s *Sampler) sample(pid int32, ts time.Time) (Sample, error) {
	// CPUPercent is computed against the previous call on the same handle,
	// so the handle is kept until the pid changes.
	s.mu.Lock()
	if s.proc == nil || s.proc.Pid != pid {
		p, err := process.NewProcess(pid)
		if err != nil {
			s.mu.Unlock()
			return Sample{}, fmt.Errorf("open process: %w", err)
		}
		s.proc = p
	}
	proc := s.proc
	s.mu.Unlock()

	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return Sample{}, fmt.Errorf("memory info: %w", err)
	}
	threads, _ := proc.NumThreads()
	out := Sample{
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		MemoryVMS:  mem.VMS,
		NumThreads: threads,
		Timestamp:  ts,
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			out.NumFDs = fds
		}
	}
	return out, nil
}

func (s *Sampler) reset() {
	s.cpuPercent.Set(0)
	s.memoryMB.Set(0)
	s.numThreads.Set(0)
	s.numFDs.Set(0)
	s.mu.Lock()
	s.proc = nil
	s.mu.Unlock()
}

// Latest returns the most recent sample.
func (s *Sampler) Latest() (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.count == 0 {
		return Sample{}, false
	}
	return s.history[(s.start+s.count-1)%s.maxHistory], true
}

// History returns samples oldest first.
func (s *Sampler) History() []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Sample, s.count)
	for i := 0; i < s.count; i++ {
		out[i] = s.history[(s.start+i)%s.maxHistory]
	}
	return out
}
