package sagaflow

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Metrics collects engine counters and exposes them in Prometheus text
// exposition format. All methods are safe for concurrent use.
type Metrics struct {
	mu                    sync.RWMutex
	decisionPassesTotal   float64
	conflictsTotal        float64
	activityAttempts      map[string]float64
	activityRetriesTotal  float64
	activityFailuresTotal float64
	instancesFinished     map[Status]float64
	activityDurBuckets    map[float64]float64
	activityDurCount      float64
	activityDurSum        float64
}

// NewMetrics creates an empty collector.
func NewMetrics() *Metrics {
	return &Metrics{
		activityAttempts:  map[string]float64{},
		instancesFinished: map[Status]float64{},
		activityDurBuckets: map[float64]float64{
			0.01: 0,
			0.05: 0,
			0.1:  0,
			0.5:  0,
			1:    0,
			5:    0,
		},
	}
}

func (m *Metrics) ObserveDecisionPass() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisionPassesTotal++
}

func (m *Metrics) ObserveConflict() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflictsTotal++
}

func (m *Metrics) ObserveActivityAttempt(name string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activityAttempts[name]++

	seconds := duration.Seconds()
	m.activityDurCount++
	m.activityDurSum += seconds
	for bucket := range m.activityDurBuckets {
		if seconds <= bucket {
			m.activityDurBuckets[bucket]++
		}
	}
}

func (m *Metrics) ObserveActivityRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activityRetriesTotal++
}

func (m *Metrics) ObserveActivityFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activityFailuresTotal++
}

func (m *Metrics) ObserveInstanceFinished(status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instancesFinished[status]++
}

// Handler serves the collector in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = w.Write([]byte(m.RenderPrometheus()))
	})
}

// RenderPrometheus renders every counter and histogram as exposition text.
func (m *Metrics) RenderPrometheus() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sb strings.Builder
	writeLine := func(line string) {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}

	writeLine("# HELP sagaflow_decision_passes_total Total orchestrator decision passes")
	writeLine("# TYPE sagaflow_decision_passes_total counter")
	writeLine(fmt.Sprintf("sagaflow_decision_passes_total %.0f", m.decisionPassesTotal))

	writeLine("# HELP sagaflow_append_conflicts_total Total optimistic append conflicts")
	writeLine("# TYPE sagaflow_append_conflicts_total counter")
	writeLine(fmt.Sprintf("sagaflow_append_conflicts_total %.0f", m.conflictsTotal))

	writeLine("# HELP sagaflow_activity_attempts_total Total activity attempts by activity name")
	writeLine("# TYPE sagaflow_activity_attempts_total counter")
	names := make([]string, 0, len(m.activityAttempts))
	for name := range m.activityAttempts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		writeLine(fmt.Sprintf("sagaflow_activity_attempts_total{activity=%q} %.0f", name, m.activityAttempts[name]))
	}

	writeLine("# HELP sagaflow_activity_retries_total Total transient activity retries")
	writeLine("# TYPE sagaflow_activity_retries_total counter")
	writeLine(fmt.Sprintf("sagaflow_activity_retries_total %.0f", m.activityRetriesTotal))

	writeLine("# HELP sagaflow_activity_failures_total Total activities that exhausted their attempts or failed a business rule")
	writeLine("# TYPE sagaflow_activity_failures_total counter")
	writeLine(fmt.Sprintf("sagaflow_activity_failures_total %.0f", m.activityFailuresTotal))

	writeLine("# HELP sagaflow_instances_finished_total Total finished instances by terminal status")
	writeLine("# TYPE sagaflow_instances_finished_total counter")
	statuses := make([]string, 0, len(m.instancesFinished))
	byName := make(map[string]float64, len(m.instancesFinished))
	for status, n := range m.instancesFinished {
		statuses = append(statuses, status.String())
		byName[status.String()] = n
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		writeLine(fmt.Sprintf("sagaflow_instances_finished_total{status=%q} %.0f", status, byName[status]))
	}

	writeLine("# HELP sagaflow_activity_duration_seconds Activity attempt duration histogram")
	writeLine("# TYPE sagaflow_activity_duration_seconds histogram")
	buckets := make([]float64, 0, len(m.activityDurBuckets))
	for b := range m.activityDurBuckets {
		buckets = append(buckets, b)
	}
	sort.Float64s(buckets)
	for _, b := range buckets {
		writeLine(fmt.Sprintf("sagaflow_activity_duration_seconds_bucket{le=%q} %.0f", fmt.Sprintf("%g", b), m.activityDurBuckets[b]))
	}
	writeLine(fmt.Sprintf("sagaflow_activity_duration_seconds_bucket{le=\"+Inf\"} %.0f", m.activityDurCount))
	writeLine(fmt.Sprintf("sagaflow_activity_duration_seconds_sum %.6f", m.activityDurSum))
	writeLine(fmt.Sprintf("sagaflow_activity_duration_seconds_count %.0f", m.activityDurCount))

	return sb.String()
}
