package metrics

import (
	"fmt"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

var (
	systemCPUUsage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "system_cpu_usage_percent",
			Help: "Current CPU usage percentage",
		},
		[]string{"core"},
	)

	systemMemoryUsage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "system_memory_usage_bytes",
			Help: "Current memory usage in bytes",
		},
		[]string{"type"},
	)

	goHeapAlloc = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runtime_heap_alloc_bytes",
			Help: "Heap memory usage in bytes",
		},
	)

	goGoroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runtime_goroutines",
			Help: "Number of goroutines that currently exist",
		},
	)
)

// StartSystemMetrics registers the system gauges and starts a
// background collector sampling CPU, memory and runtime stats.
func StartSystemMetrics(interval time.Duration) {
	m := GetInstance()
	m.Initialize()

	m.registry.MustRegister(
		systemCPUUsage,
		systemMemoryUsage,
		goHeapAlloc,
		goGoroutines,
	)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for range ticker.C {
			collectSystemMetrics()
			collectRuntimeMetrics()
		}
	}()
}

func collectSystemMetrics() {
	if cpuPercentages, err := cpu.Percent(0, true); err == nil {
		for i, percentage := range cpuPercentages {
			systemCPUUsage.WithLabelValues(fmt.Sprintf("cpu%d", i)).Set(percentage)
		}
	}

	if vmstat, err := mem.VirtualMemory(); err == nil {
		systemMemoryUsage.WithLabelValues("total").Set(float64(vmstat.Total))
		systemMemoryUsage.WithLabelValues("available").Set(float64(vmstat.Available))
		systemMemoryUsage.WithLabelValues("used").Set(float64(vmstat.Used))
		systemMemoryUsage.WithLabelValues("free").Set(float64(vmstat.Free))
	}
}

func collectRuntimeMetrics() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	goHeapAlloc.Set(float64(ms.HeapAlloc))
	goGoroutines.Set(float64(runtime.NumGoroutine()))
}
