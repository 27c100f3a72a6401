// Package metrics is the process-wide metrics facade used by the pipeline.
//
// Core code only talks to this package. A concrete backend (for example
// internal/metrics/datadog) is installed once at startup with SetBackend;
// until then every call goes to a nop backend.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Labels are metric dimensions. Backends decide which ones they keep.
type Labels map[string]string

// Backend receives metric observations.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

// Metric names understood by the backends.
const (
	StepTotal           = "planner_etl_step_total"
	StepDurationSeconds = "planner_etl_step_duration_seconds"
	RowsTotal           = "planner_etl_rows_total"
	HTTPRequestsTotal   = "planner_etl_http_requests_total"
	HTTPErrorsTotal     = "planner_etl_http_errors_total"
	HTTPDurationSeconds = "planner_etl_http_duration_seconds"
	HTTPResponseBytes   = "planner_etl_http_response_bytes"
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process backend. A nil b restores the nop backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush flushes the installed backend.
func Flush() error { return current().Flush() }

// RecordStep records one pipeline step outcome and its duration.
func RecordStep(step string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	l := Labels{"step": step, "status": status}
	b := current()
	b.IncCounter(StepTotal, 1, l)
	b.ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordRows records n rows written to table.
func RecordRows(table string, n int64) {
	if n <= 0 {
		return
	}
	current().IncCounter(RowsTotal, float64(n), Labels{"table": table})
}

// RecordHTTP records one Graph request. status is 0 when no response arrived.
func RecordHTTP(endpoint string, status int, err error, d time.Duration, size int64) {
	s := "none"
	if status > 0 {
		s = strconv.Itoa(status)
	}
	l := Labels{"endpoint": endpoint, "status": s}

	b := current()
	b.IncCounter(HTTPRequestsTotal, 1, l)
	if err != nil || status < 200 || status > 299 {
		b.IncCounter(HTTPErrorsTotal, 1, l)
	}
	b.ObserveHistogram(HTTPDurationSeconds, d.Seconds(), l)
	if size >= 0 {
		b.ObserveHistogram(HTTPResponseBytes, float64(size), l)
	}
}
