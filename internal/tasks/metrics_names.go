package tasks

import (
	"runtime"
)

// MetricNames defines platform-specific Prometheus exporter metric names for CPU data
type MetricNames struct {
	CPUTime        string  // Counter: CPU time per core and mode
	CPUIdleLabel   string  // Label value for idle mode
	CoreLabel      string  // Label name identifying a logical core
	Frequency      string  // Gauge: current frequency per core
	FrequencyToMHz float64 // Multiplier converting Frequency to MHz
}

// GetMetricNames returns metric names for the exporter expected on this platform
func GetMetricNames() MetricNames {
	return metricNamesFor(runtime.GOOS)
}

func metricNamesFor(goos string) MetricNames {
	switch goos {
	case "windows":
		return MetricNames{
			CPUTime:        "windows_cpu_time_total",
			CPUIdleLabel:   "idle",
			CoreLabel:      "core", // "0,0", "0,1", etc.
			Frequency:      "windows_cpu_core_frequency_mhz",
			FrequencyToMHz: 1,
		}
	default:
		// node_exporter naming on Linux, FreeBSD and anything unknown
		return MetricNames{
			CPUTime:        "node_cpu_seconds_total",
			CPUIdleLabel:   "idle",
			CoreLabel:      "cpu",
			Frequency:      "node_cpu_scaling_frequency_hertz",
			FrequencyToMHz: 1e-6,
		}
	}
}

// GetExporterName returns the name of the metrics exporter for documentation
func GetExporterName() string {
	switch runtime.GOOS {
	case "windows":
		return "windows_exporter"
	case "linux", "freebsd":
		return "node_exporter"
	default:
		return "prometheus_exporter"
	}
}
