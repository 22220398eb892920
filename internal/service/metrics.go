package service

import (
	"github.com/edirooss/portbroker/internal/broker"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeOK        = "ok"
	outcomeExhausted = "exhausted"
	outcomeError     = "error"
)

// Metrics holds the broker's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg      prometheus.Registerer
	acquires *prometheus.CounterVec
	releases *prometheus.CounterVec
}

// NewMetrics registers the operation counters on reg.
// Pool gauges are added by WatchPool once the engine exists, since the
// engine itself is built with Metrics.Hooks.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		reg: reg,
		acquires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portbroker",
			Name:      "acquire_total",
			Help:      "Session acquisitions by outcome.",
		}, []string{"outcome"}),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "portbroker",
			Name:      "release_total",
			Help:      "Session releases by reason.",
		}, []string{"reason"}),
	}

	for _, c := range []prometheus.Collector{m.acquires, m.releases} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// WatchPool registers gauges that read occupancy from engine at scrape time.
func (m *Metrics) WatchPool(engine *broker.Engine) error {
	for _, c := range []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "portbroker",
			Name:      "pool_size",
			Help:      "Number of ports in the pool.",
		}, func() float64 { return float64(engine.Stats().Size) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "portbroker",
			Name:      "sessions_active",
			Help:      "Number of live sessions (ports in use).",
		}, func() float64 { return float64(engine.Stats().InUse) }),
	} {
		if err := m.reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Hooks counts releases of every kind, including reaper and shutdown.
func (m *Metrics) Hooks() broker.Hooks {
	if m == nil {
		return broker.Hooks{}
	}
	return broker.Hooks{
		OnRelease: func(_ broker.Session, reason broker.ReleaseReason) {
			m.releases.WithLabelValues(string(reason)).Inc()
		},
	}
}

func (m *Metrics) observeAcquire(outcome string) {
	if m == nil {
		return
	}
	m.acquires.WithLabelValues(outcome).Inc()
}

// ChainHooks calls each hook set in order.
func ChainHooks(hs ...broker.Hooks) broker.Hooks {
	return broker.Hooks{
		OnAcquire: func(s broker.Session) {
			for _, h := range hs {
				if h.OnAcquire != nil {
					h.OnAcquire(s)
				}
			}
		},
		OnRelease: func(s broker.Session, r broker.ReleaseReason) {
			for _, h := range hs {
				if h.OnRelease != nil {
					h.OnRelease(s, r)
				}
			}
		},
	}
}
