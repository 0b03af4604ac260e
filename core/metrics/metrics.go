// Package metrics defines the instrumentation primitives the runtime reports
// through. Backends such as adapters/prometheus implement them.
package metrics

import "time"

// Counter is a monotonically increasing metric.
type Counter interface {
	Inc()
	// Add increments the counter by delta. delta must be >= 0.
	Add(delta float64)
}

// Gauge is a metric that can go up and down.
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	Add(delta float64)
}

type Histogram interface {
	Observe(value float64)
}

// Timer measures an operation. Call ObserveDuration when it completes:
//
//	defer m.RepoLoadDuration("accounts").ObserveDuration()
type Timer interface {
	ObserveDuration()
}

type timer struct {
	start   time.Time
	observe func(time.Duration)
}

func (t *timer) ObserveDuration() { t.observe(time.Since(t.start)) }

// NewTimer starts a timer reporting the elapsed time to observe.
func NewTimer(observe func(time.Duration)) Timer {
	return &timer{start: time.Now(), observe: observe}
}

// HistogramTimer starts a timer observing seconds into h.
func HistogramTimer(h Histogram) Timer {
	return NewTimer(func(d time.Duration) { h.Observe(d.Seconds()) })
}
