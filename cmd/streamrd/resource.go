package main

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// resourceGauges exposes this process's own CPU/memory footprint as
// Prometheus gauges, sampled on a ticker.
type resourceGauges struct {
	cpuPercent prometheus.Gauge
	memoryRSS  prometheus.Gauge
	goroutines prometheus.Gauge
}

func newResourceGauges(reg prometheus.Registerer) *resourceGauges {
	g := &resourceGauges{
		cpuPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamrd_process_cpu_percent",
			Help: "CPU usage of this process, percent of one core.",
		}),
		memoryRSS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamrd_process_memory_rss_bytes",
			Help: "Resident set size of this process.",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamrd_process_goroutines",
			Help: "Number of live goroutines.",
		}),
	}
	reg.MustRegister(g.cpuPercent, g.memoryRSS, g.goroutines)
	return g
}

// run samples process stats every interval until ctx is cancelled.
func (g *resourceGauges) run(ctx context.Context, interval time.Duration, logger zerolog.Logger) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn().Err(err).Msg("resource gauges: failed to get process handle")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pct, err := proc.CPUPercentWithContext(ctx); err == nil {
				g.cpuPercent.Set(pct)
			}
			if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
				g.memoryRSS.Set(float64(mem.RSS))
			}
			g.goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}
