// Package promtest provides recording stand-ins for Prometheus collectors.
package promtest

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MockHistogramVec records the label values it is asked for. Every label
// combination shares one MockObserver.
type MockHistogramVec struct {
	m            sync.RWMutex
	labelsCalled [][]string
	observer     MockObserver
}

// NewMockHistogramVec returns an empty MockHistogramVec.
func NewMockHistogramVec() *MockHistogramVec {
	return &MockHistogramVec{}
}

// LabelsCalled returns the label values passed to WithLabelValues, in call order.
func (m *MockHistogramVec) LabelsCalled() [][]string {
	m.m.RLock()
	defer m.m.RUnlock()

	labels := make([][]string, len(m.labelsCalled))
	copy(labels, m.labelsCalled)
	return labels
}

// Observer returns the shared observer.
func (m *MockHistogramVec) Observer() *MockObserver {
	return &m.observer
}

// Collect is a no-op.
func (m *MockHistogramVec) Collect(chan<- prometheus.Metric) {}

// Describe is a no-op.
func (m *MockHistogramVec) Describe(chan<- *prometheus.Desc) {}

// WithLabelValues records lvs and returns the shared observer.
func (m *MockHistogramVec) WithLabelValues(lvs ...string) prometheus.Observer {
	m.m.Lock()
	defer m.m.Unlock()

	m.labelsCalled = append(m.labelsCalled, lvs)
	return &m.observer
}

// MockObserver is a prometheus.Observer keeping every observed value.
type MockObserver struct {
	m        sync.RWMutex
	observed []float64
}

// Observe records v.
func (m *MockObserver) Observe(v float64) {
	m.m.Lock()
	defer m.m.Unlock()

	m.observed = append(m.observed, v)
}

// Observed returns all recorded values.
func (m *MockObserver) Observed() []float64 {
	m.m.RLock()
	defer m.m.RUnlock()

	observed := make([]float64, len(m.observed))
	copy(observed, m.observed)
	return observed
}
