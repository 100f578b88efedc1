package runtime

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	errspkg "github.com/drblury/pipeguard/internal/runtime/errors"
)

// Metrics exports stage activity to Prometheus. It implements
// consumer.Observer.
type Metrics struct {
	inFlight       *prometheus.GaugeVec
	handledTotal   *prometheus.CounterVec
	handlerSeconds *prometheus.HistogramVec
	deadLettered   *prometheus.CounterVec
	ready          prometheus.Gauge

	mu           sync.RWMutex
	deadLetterBy map[string]map[string]uint64
}

// DeadLetterSnapshot counts dead-lettered messages per stage and reason.
type DeadLetterSnapshot struct {
	Total    uint64                       `json:"total"`
	ByStage  map[string]map[string]uint64 `json:"by_stage"`
	Captured time.Time                    `json:"captured_at"`
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pipeguard",
		Subsystem: "stage",
		Name:      name,
		Help:      help,
	}, labels)
}

func newGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pipeguard",
		Subsystem: "stage",
		Name:      name,
		Help:      help,
	}, labels)
}

func newHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pipeguard",
		Subsystem: "stage",
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
}

// NewMetrics registers the stage collectors on reg. Registering twice on the
// same registry reuses the existing collectors.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	var err error
	m := &Metrics{deadLetterBy: make(map[string]map[string]uint64)}
	if m.inFlight, err = registerCollector(reg, newGaugeVec("in_flight_handlers", "Handlers currently running per stage", []string{"stage"})); err != nil {
		return nil, err
	}
	if m.handledTotal, err = registerCollector(reg, newCounterVec("messages_handled_total", "Messages handled per stage and outcome", []string{"stage", "outcome"})); err != nil {
		return nil, err
	}
	if m.handlerSeconds, err = registerCollector(reg, newHistogramVec("handler_duration_seconds", "Handler execution time in seconds", []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}, []string{"stage"})); err != nil {
		return nil, err
	}
	if m.deadLettered, err = registerCollector(reg, newCounterVec("dead_lettered_total", "Messages moved to the dead-letter topic", []string{"stage", "reason"})); err != nil {
		return nil, err
	}
	if m.ready, err = registerCollector(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pipeguard",
		Name:      "ready",
		Help:      "1 once every mandatory resource has been warmed",
	})); err != nil {
		return nil, err
	}
	return m, nil
}

func registerCollector[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, err
	}
	return c, nil
}

func (m *Metrics) InFlightChanged(stage string, inFlight int64) {
	m.inFlight.WithLabelValues(stage).Set(float64(inFlight))
}

func (m *Metrics) Handled(stage string, disposition errspkg.Disposition, elapsed time.Duration) {
	m.handledTotal.WithLabelValues(stage, disposition.String()).Inc()
	m.handlerSeconds.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func (m *Metrics) DeadLettered(stage, reason string) {
	m.deadLettered.WithLabelValues(stage, reason).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	byReason, ok := m.deadLetterBy[stage]
	if !ok {
		byReason = make(map[string]uint64)
		m.deadLetterBy[stage] = byReason
	}
	byReason[reason]++
}

// SetReady mirrors the readiness gate.
func (m *Metrics) SetReady(ready bool) {
	if ready {
		m.ready.Set(1)
		return
	}
	m.ready.Set(0)
}

// DeadLetters returns a copy of the dead-letter counts.
func (m *Metrics) DeadLetters() DeadLetterSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := DeadLetterSnapshot{
		ByStage:  make(map[string]map[string]uint64, len(m.deadLetterBy)),
		Captured: time.Now(),
	}
	for stage, reasons := range m.deadLetterBy {
		copied := make(map[string]uint64, len(reasons))
		for reason, n := range reasons {
			copied[reason] = n
			snap.Total += n
		}
		snap.ByStage[stage] = copied
	}
	return snap
}

// MetricsHandler serves the collectors of gatherer.
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
