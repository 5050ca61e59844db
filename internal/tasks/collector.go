package tasks

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stone-age-io/sysreport/internal/snapshot"
	"go.uber.org/zap"
)

// HostSource reads raw host information for a snapshot. Implementations may
// fail freely; the Executor turns failures into inline error markers.
type HostSource interface {
	// Name returns the source name for logging
	Name() string

	// OS returns the operating system name and version
	OS(ctx context.Context) (name, version string, err error)

	// CPU returns CPU topology, frequency and usage
	CPU(ctx context.Context) (*snapshot.CPUStats, error)

	// Processes lists running processes with their owners
	Processes(ctx context.Context) ([]snapshot.Process, error)

	// Users lists active login sessions
	Users(ctx context.Context) ([]snapshot.User, error)
}

// exporterTimeout bounds a single scrape of a Prometheus exporter
const exporterTimeout = 10 * time.Second

// NewHostSource creates the source selected by configuration
func NewHostSource(source string, sampleWindow time.Duration, exporterURL string, logger *zap.Logger) (HostSource, error) {
	source = strings.ToLower(source)
	if source == "" {
		source = "builtin" // Default
	}

	switch source {
	case "builtin":
		logger.Info("Using builtin host source (gopsutil)", zap.Duration("cpu_sample_window", sampleWindow))
		return NewBuiltinSource(sampleWindow, logger), nil
	case "exporter":
		if exporterURL == "" {
			return nil, fmt.Errorf("exporter source requires an exporter URL")
		}
		logger.Info("Using exporter host source",
			zap.String("url", exporterURL),
			zap.String("exporter", GetExporterName()),
			zap.Duration("cpu_sample_window", sampleWindow))
		return NewExporterSource(exporterURL, sampleWindow, logger, &http.Client{Timeout: exporterTimeout}), nil
	default:
		return nil, fmt.Errorf("unknown host source: %s", source)
	}
}
