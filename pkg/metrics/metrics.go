// Package metrics is the fire-and-forget sink the ledger annotates its
// operations with. Counter and histogram writes never block the caller's
// critical path.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Instrument names exported by the ledger core.
const (
	AppendSeconds       = "ledger_append_seconds"
	AppendsTotal        = "ledger_appends_total"
	VerificationsOK     = "ledger_verifications_ok_total"
	VerificationsFailed = "ledger_verifications_failed_total"
	StoreFallbacks      = "ledger_store_fallback_total"
	CheckpointRolls     = "ledger_checkpoint_rolls_total"
	TrustBelowThreshold = "ledger_trust_low_total"
	PersistenceErrors   = "ledger_persistence_errors_total"
)

// Sink accepts named counters and histogram observations.
type Sink interface {
	Count(name string, delta float64)
	Observe(name string, value float64)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Count(string, float64)   {}
func (Nop) Observe(string, float64) {}

// Prometheus is a Sink backed by a private prometheus registry.
type Prometheus struct {
	registry   *prometheus.Registry
	mu         sync.RWMutex
	counters   map[string]prometheus.Counter
	histograms map[string]prometheus.Histogram
}

// NewPrometheus pre-registers the ledger's instruments. Unknown names passed
// to Count/Observe later are registered lazily so callers never fail.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry:   prometheus.NewRegistry(),
		counters:   map[string]prometheus.Counter{},
		histograms: map[string]prometheus.Histogram{},
	}
	for _, name := range []string{
		AppendsTotal, VerificationsOK, VerificationsFailed,
		StoreFallbacks, CheckpointRolls, TrustBelowThreshold, PersistenceErrors,
	} {
		p.counters[name] = prometheus.NewCounter(prometheus.CounterOpts{Name: name})
		p.registry.MustRegister(p.counters[name])
	}
	p.histograms[AppendSeconds] = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    AppendSeconds,
		Buckets: prometheus.DefBuckets,
	})
	p.registry.MustRegister(p.histograms[AppendSeconds])
	return p
}

func (p *Prometheus) Count(name string, delta float64) {
	p.counter(name).Add(delta)
}

func (p *Prometheus) Observe(name string, value float64) {
	p.histogram(name).Observe(value)
}

// Handler serves the registry for GET /metrics.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) counter(name string) prometheus.Counter {
	p.mu.RLock()
	c, ok := p.counters[name]
	p.mu.RUnlock()
	if ok {
		return c
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.counters[name]; ok {
		return c
	}
	c = prometheus.NewCounter(prometheus.CounterOpts{Name: name})
	p.registry.MustRegister(c)
	p.counters[name] = c
	return c
}

func (p *Prometheus) histogram(name string) prometheus.Histogram {
	p.mu.RLock()
	h, ok := p.histograms[name]
	p.mu.RUnlock()
	if ok {
		return h
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.histograms[name]; ok {
		return h
	}
	h = prometheus.NewHistogram(prometheus.HistogramOpts{Name: name, Buckets: prometheus.DefBuckets})
	p.registry.MustRegister(h)
	p.histograms[name] = h
	return h
}
