package tasks

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/stone-age-io/sysreport/internal/snapshot"
	"github.com/stone-age-io/sysreport/internal/utils"
	"go.uber.org/zap"
)

// maxScrapeBytes bounds how much of an exporter response is parsed
const maxScrapeBytes = 10 * 1024 * 1024

// ExporterSource reads CPU data by scraping a Prometheus exporter
// (node_exporter or windows_exporter). Everything else comes from gopsutil,
// since exporters do not list processes or login sessions.
type ExporterSource struct {
	*BuiltinSource

	exporterURL  string
	sampleWindow time.Duration
	names        MetricNames
	logger       *zap.Logger
	httpClient   *http.Client
}

// cpuSample is one scrape's worth of CPU counters
type cpuSample struct {
	total float64
	idle  float64
	cores int
	mhz   float64 // 0 when the exporter has no frequency metric
}

// NewExporterSource creates a source that scrapes url for CPU metrics.
// Usage is computed from two scrapes sampleWindow apart.
func NewExporterSource(url string, sampleWindow time.Duration, logger *zap.Logger, httpClient *http.Client) *ExporterSource {
	return &ExporterSource{
		BuiltinSource: NewBuiltinSource(sampleWindow, logger),
		exporterURL:   url,
		sampleWindow:  sampleWindow,
		names:         GetMetricNames(),
		logger:        logger,
		httpClient:    httpClient,
	}
}

func (s *ExporterSource) Name() string {
	return fmt.Sprintf("exporter (%s)", s.exporterURL)
}

func (s *ExporterSource) CPU(ctx context.Context) (*snapshot.CPUStats, error) {
	first, err := s.scrape(ctx)
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.sampleWindow):
	}

	second, err := s.scrape(ctx)
	if err != nil {
		return nil, err
	}

	stats := &snapshot.CPUStats{
		Frequency: snapshot.FrequencyText(frequencyUnavailable),
	}

	cores := second.cores
	stats.TotalCores = &cores

	// Usage = time spent NOT idle / total time, across all cores
	totalDelta := second.total - first.total
	idleDelta := second.idle - first.idle
	if totalDelta > 0 {
		usage := utils.Percent(totalDelta-idleDelta, totalDelta)
		stats.UsagePercent = &usage
	} else {
		s.logger.Debug("CPU counters did not advance between scrapes",
			zap.Duration("sample_window", s.sampleWindow))
	}

	if second.mhz > 0 {
		stats.Frequency = snapshot.FrequencyMHz(utils.Round(second.mhz))
	}

	return stats, nil
}

func (s *ExporterSource) scrape(ctx context.Context) (*cpuSample, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.exporterURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "sysreport-agent")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("metrics scrape timeout: %w", err)
		}
		return nil, fmt.Errorf("failed to fetch metrics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code from %s: %d", GetExporterName(), resp.StatusCode)
	}

	families, err := parseFamilies(io.LimitReader(resp.Body, maxScrapeBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to parse metrics: %w", err)
	}

	return s.cpuSample(families)
}

// parseFamilies decodes a text exposition into families keyed by name
func parseFamilies(reader io.Reader) (map[string]*dto.MetricFamily, error) {
	decoder := expfmt.NewDecoder(reader, expfmt.NewFormat(expfmt.TypeTextPlain))

	families := make(map[string]*dto.MetricFamily)
	for {
		mf := &dto.MetricFamily{}
		err := decoder.Decode(mf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode metric family: %w", err)
		}
		families[mf.GetName()] = mf
	}
	return families, nil
}

func (s *ExporterSource) cpuSample(families map[string]*dto.MetricFamily) (*cpuSample, error) {
	family, ok := families[s.names.CPUTime]
	if !ok {
		return nil, fmt.Errorf("exporter does not expose %s", s.names.CPUTime)
	}

	sample := &cpuSample{}
	cores := make(map[string]struct{})

	// Sum across all cores and all modes
	for _, m := range family.Metric {
		value := metricValue(m)
		sample.total += value
		if getLabelValue(m.Label, "mode") == s.names.CPUIdleLabel {
			sample.idle += value
		}
		if core := getLabelValue(m.Label, s.names.CoreLabel); core != "" {
			cores[core] = struct{}{}
		}
	}
	sample.cores = len(cores)

	if freq, ok := families[s.names.Frequency]; ok && len(freq.Metric) > 0 {
		var sum float64
		for _, m := range freq.Metric {
			sum += metricValue(m)
		}
		sample.mhz = sum / float64(len(freq.Metric)) * s.names.FrequencyToMHz
	}

	return sample, nil
}

// metricValue reads a sample regardless of whether the exporter typed it
func metricValue(m *dto.Metric) float64 {
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	case m.Untyped != nil:
		return m.Untyped.GetValue()
	}
	return 0
}

func getLabelValue(labels []*dto.LabelPair, name string) string {
	for _, label := range labels {
		if label.GetName() == name {
			return label.GetValue()
		}
	}
	return ""
}
