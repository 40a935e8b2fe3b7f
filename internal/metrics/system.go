package metrics

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

var (
	processCPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blastio_process_cpu_percent",
		Help: "Process CPU usage percentage (EMA-smoothed)",
	})

	processMemoryMB = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blastio_process_memory_mb",
		Help: "Resident memory of the server process in megabytes",
	})

	heapAllocMB = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blastio_heap_alloc_mb",
		Help: "Go heap allocation in megabytes",
	})

	goroutineCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blastio_goroutines",
		Help: "Number of live goroutines",
	})
)

// SystemCollector samples process CPU and memory into the gauges above.
type SystemCollector struct {
	proc     *process.Process
	interval time.Duration
	cpuEMA   float64
	logger   *zap.Logger
}

func NewSystemCollector(interval time.Duration, logger *zap.Logger) *SystemCollector {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("system collector: cannot resolve own process", zap.Error(err))
		proc = nil
	}
	return &SystemCollector{
		proc:     proc,
		interval: interval,
		logger:   logger,
	}
}

// Run samples until ctx is cancelled.
func (sc *SystemCollector) Run(ctx context.Context) {
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sc.sample()
		}
	}
}

func (sc *SystemCollector) sample() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	heapAllocMB.Set(float64(m.HeapAlloc) / 1024 / 1024)
	goroutineCount.Set(float64(runtime.NumGoroutine()))

	if sc.proc == nil {
		return
	}

	if pct, err := sc.proc.CPUPercent(); err == nil {
		// Exponential moving average keeps the gauge stable across spikes.
		const alpha = 0.3
		if sc.cpuEMA == 0 {
			sc.cpuEMA = pct
		} else {
			sc.cpuEMA = alpha*pct + (1-alpha)*sc.cpuEMA
		}
		processCPUPercent.Set(sc.cpuEMA)
	}

	if mem, err := sc.proc.MemoryInfo(); err == nil && mem != nil {
		processMemoryMB.Set(float64(mem.RSS) / 1024 / 1024)
	}
}
