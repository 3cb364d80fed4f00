package nbuild

import (
	"fmt"
	"io"
	"time"
)

// Metric accumulates the number of hits and the total time spent on one
// code path.
type Metric struct {
	Name  string
	Count int
	Sum   time.Duration
}

// Metrics collects timings for -d stats. It is not safe for concurrent
// use.
type Metrics struct {
	metrics []*Metric
	byName  map[string]*Metric
}

func NewMetrics() *Metrics {
	return &Metrics{byName: make(map[string]*Metric)}
}

func (m *Metrics) metric(name string) *Metric {
	if metric, ok := m.byName[name]; ok {
		return metric
	}
	metric := &Metric{Name: name}
	m.metrics = append(m.metrics, metric)
	m.byName[name] = metric
	return metric
}

// Record adds one hit of d to name. A nil Metrics records nothing.
func (m *Metrics) Record(name string, d time.Duration) {
	if m == nil {
		return
	}
	metric := m.metric(name)
	metric.Count++
	metric.Sum += d
}

// Time runs fn and records its duration under name.
func (m *Metrics) Time(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	m.Record(name, time.Since(start))
	return err
}

func (m *Metrics) Get(name string) (Metric, bool) {
	metric, ok := m.byName[name]
	if !ok {
		return Metric{}, false
	}
	return *metric, true
}

// Report prints a summary table.
func (m *Metrics) Report(w io.Writer) {
	width := len("metric")
	for _, metric := range m.metrics {
		width = max(width, len(metric.Name))
	}
	fmt.Fprintf(w, "%-*s\t%-6s\t%-9s\t%s\n", width, "metric", "count", "avg (us)", "total (ms)")
	for _, metric := range m.metrics {
		micros := metric.Sum.Microseconds()
		avg := float64(micros) / float64(metric.Count)
		fmt.Fprintf(w, "%-*s\t%-6d\t%-8.1f\t%.1f\n", width, metric.Name, metric.Count, avg, float64(micros)/1000)
	}
}
