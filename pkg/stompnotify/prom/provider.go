// Package prom implements o11y.MetricsProvider on top of the Prometheus client library.
//
// Instruments are registered lazily on first use. The label names of an
// instrument are fixed by the labels passed on that first call; later calls
// with a different label set are dropped rather than panicking.
package prom

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tsarna/stompnotify/pkg/stompnotify/o11y"
)

type Provider struct {
	registerer prometheus.Registerer
	namespace  string

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewProvider returns a Provider registering its collectors on registerer.
// A nil registerer means prometheus.DefaultRegisterer.
func NewProvider(registerer prometheus.Registerer, namespace string) *Provider {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Provider{
		registerer: registerer,
		namespace:  namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

func (p *Provider) Counter(name string) o11y.Counter {
	return &promCounter{provider: p, name: name}
}

func (p *Provider) Histogram(name string) o11y.Histogram {
	return &promHistogram{provider: p, name: name}
}

func (p *Provider) Gauge(name string) o11y.Gauge {
	return &promGauge{provider: p, name: name}
}

func splitLabels(labels []o11y.Label) ([]string, prometheus.Labels) {
	names := make([]string, 0, len(labels))
	values := make(prometheus.Labels, len(labels))
	for _, label := range labels {
		if _, dup := values[label.Key]; !dup {
			names = append(names, label.Key)
		}
		values[label.Key] = label.Value
	}
	sort.Strings(names)
	return names, values
}

// register registers c, returning the already registered collector when an
// equivalent one exists.
func (p *Provider) register(c prometheus.Collector) prometheus.Collector {
	if err := p.registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector
		}
		return nil
	}
	return c
}

func (p *Provider) counterVec(name string, labelNames []string) *prometheus.CounterVec {
	p.mu.Lock()
	defer p.mu.Unlock()

	if vec, ok := p.counters[name]; ok {
		return vec
	}

	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: p.namespace,
		Name:      name,
		Help:      name,
	}, labelNames)
	registered, _ := p.register(vec).(*prometheus.CounterVec)
	p.counters[name] = registered
	return registered
}

func (p *Provider) histogramVec(name string, labelNames []string) *prometheus.HistogramVec {
	p.mu.Lock()
	defer p.mu.Unlock()

	if vec, ok := p.histograms[name]; ok {
		return vec
	}

	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: p.namespace,
		Name:      name,
		Help:      name,
		Buckets:   prometheus.DefBuckets,
	}, labelNames)
	registered, _ := p.register(vec).(*prometheus.HistogramVec)
	p.histograms[name] = registered
	return registered
}

func (p *Provider) gaugeVec(name string, labelNames []string) *prometheus.GaugeVec {
	p.mu.Lock()
	defer p.mu.Unlock()

	if vec, ok := p.gauges[name]; ok {
		return vec
	}

	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: p.namespace,
		Name:      name,
		Help:      name,
	}, labelNames)
	registered, _ := p.register(vec).(*prometheus.GaugeVec)
	p.gauges[name] = registered
	return registered
}

type promCounter struct {
	provider *Provider
	name     string
}

func (c *promCounter) Add(ctx context.Context, value int64, labels ...o11y.Label) {
	names, values := splitLabels(labels)
	vec := c.provider.counterVec(c.name, names)
	if vec == nil {
		return
	}
	if counter, err := vec.GetMetricWith(values); err == nil {
		counter.Add(float64(value))
	}
}

type promHistogram struct {
	provider *Provider
	name     string
}

func (h *promHistogram) Record(ctx context.Context, value float64, labels ...o11y.Label) {
	names, values := splitLabels(labels)
	vec := h.provider.histogramVec(h.name, names)
	if vec == nil {
		return
	}
	if observer, err := vec.GetMetricWith(values); err == nil {
		observer.Observe(value)
	}
}

type promGauge struct {
	provider *Provider
	name     string
}

func (g *promGauge) Set(ctx context.Context, value float64, labels ...o11y.Label) {
	names, values := splitLabels(labels)
	vec := g.provider.gaugeVec(g.name, names)
	if vec == nil {
		return
	}
	if gauge, err := vec.GetMetricWith(values); err == nil {
		gauge.Set(value)
	}
}
