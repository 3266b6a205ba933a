package monitoring

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemSampler periodically logs process CPU, memory and goroutine
// figures. One sampler per process is enough; it exists so load problems
// show up in the logs next to the traffic that caused them.
type SystemSampler struct {
	logger   zerolog.Logger
	interval time.Duration
	proc     *process.Process
}

// NewSystemSampler builds a sampler for the current process.
func NewSystemSampler(logger zerolog.Logger, interval time.Duration) *SystemSampler {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		// Sampling is best-effort; run without process handle and log
		// goroutines only.
		logger.Warn().Err(err).Msg("Process handle unavailable, sampling goroutines only")
	}
	return &SystemSampler{
		logger:   logger.With().Str("component", "system_sampler").Logger(),
		interval: interval,
		proc:     proc,
	}
}

// Run samples until the context is cancelled.
func (s *SystemSampler) Run(ctx context.Context) {
	defer RecoverPanic(s.logger, "system_sampler")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *SystemSampler) sample() {
	event := s.logger.Info().Int("goroutines", runtime.NumGoroutine())

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	event = event.Float64("heap_mb", float64(mem.HeapAlloc)/(1024*1024))

	if s.proc != nil {
		if cpuPct, err := s.proc.CPUPercent(); err == nil {
			event = event.Float64("cpu_percent", cpuPct)
		}
		if memInfo, err := s.proc.MemoryInfo(); err == nil {
			event = event.Float64("rss_mb", float64(memInfo.RSS)/(1024*1024))
		}
	}

	event.Msg("System sample")
}
