package collector

import (
	"io"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Collect and query outcomes, used as the "result" label
const (
	resultStored       = "stored"
	resultUnauthorized = "unauthorized"
	resultInvalid      = "invalid"
	resultError        = "error"

	resultOK       = "ok"
	resultNotFound = "not_found"
)

// Metrics counts collector activity and renders it in the Prometheus text format
type Metrics struct {
	collectStored       atomic.Int64
	collectUnauthorized atomic.Int64
	collectInvalid      atomic.Int64
	collectError        atomic.Int64

	queryOK       atomic.Int64
	queryNotFound atomic.Int64

	skippedLines atomic.Int64
	skippedFiles atomic.Int64
}

func (m *Metrics) collect(result string) {
	switch result {
	case resultStored:
		m.collectStored.Add(1)
	case resultUnauthorized:
		m.collectUnauthorized.Add(1)
	case resultInvalid:
		m.collectInvalid.Add(1)
	case resultError:
		m.collectError.Add(1)
	}
}

func (m *Metrics) query(result string, skippedLines, skippedFiles int) {
	switch result {
	case resultOK:
		m.queryOK.Add(1)
	case resultNotFound:
		m.queryNotFound.Add(1)
	}
	m.skippedLines.Add(int64(skippedLines))
	m.skippedFiles.Add(int64(skippedFiles))
}

// Families returns a snapshot of all counters as metric families
func (m *Metrics) Families() []*dto.MetricFamily {
	return []*dto.MetricFamily{
		counterFamily("sysreport_collect_requests_total",
			"Snapshot submissions by outcome.",
			labeled("result", resultStored, m.collectStored.Load()),
			labeled("result", resultUnauthorized, m.collectUnauthorized.Load()),
			labeled("result", resultInvalid, m.collectInvalid.Load()),
			labeled("result", resultError, m.collectError.Load()),
		),
		counterFamily("sysreport_query_requests_total",
			"History queries by outcome.",
			labeled("result", resultOK, m.queryOK.Load()),
			labeled("result", resultNotFound, m.queryNotFound.Load()),
		),
		counterFamily("sysreport_query_skipped_lines_total",
			"Stored lines skipped during queries because they could not be parsed.",
			unlabeled(m.skippedLines.Load()),
		),
		counterFamily("sysreport_query_skipped_files_total",
			"Partition files skipped during queries because they could not be read.",
			unlabeled(m.skippedFiles.Load()),
		),
	}
}

// WriteText encodes all counters to w and returns the content type used
func (m *Metrics) WriteText(w io.Writer) (string, error) {
	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	enc := expfmt.NewEncoder(w, format)
	for _, mf := range m.Families() {
		if err := enc.Encode(mf); err != nil {
			return "", err
		}
	}
	return string(format), nil
}

func counterFamily(name, help string, metrics ...*dto.Metric) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   &name,
		Help:   &help,
		Type:   dto.MetricType_COUNTER.Enum(),
		Metric: metrics,
	}
}

func labeled(label, value string, count int64) *dto.Metric {
	m := unlabeled(count)
	m.Label = []*dto.LabelPair{{Name: &label, Value: &value}}
	return m
}

func unlabeled(count int64) *dto.Metric {
	v := float64(count)
	return &dto.Metric{Counter: &dto.Counter{Value: &v}}
}
