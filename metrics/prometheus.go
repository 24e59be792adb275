package metrics

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-query-cache/types"
	"github.com/saiset-co/sai-query-cache/utils"
)

type PrometheusConfig struct {
	Namespace       string `yaml:"namespace" json:"namespace"`
	Subsystem       string `yaml:"subsystem" json:"subsystem"`
	EnableGoMetrics bool   `yaml:"enable_go_metrics" json:"enable_go_metrics"`
}

type PrometheusMetrics struct {
	logger     types.Logger
	config     *PrometheusConfig
	labels     map[string]string
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	mu         sync.Mutex
	running    int32
}

func NewPrometheusMetrics(logger types.Logger, config *types.MetricsConfig) (*PrometheusMetrics, error) {
	promConfig := &PrometheusConfig{
		Namespace: "query_cache",
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, promConfig); err != nil {
			return nil, types.Errorf(types.ErrMetricsConfigInvalid, "%v", err)
		}
	}

	registry := prometheus.NewRegistry()
	if promConfig.EnableGoMetrics {
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	logger.Debug("Prometheus metrics initialized",
		zap.String("namespace", promConfig.Namespace),
		zap.String("subsystem", promConfig.Subsystem),
		zap.Bool("go_metrics", promConfig.EnableGoMetrics))

	return &PrometheusMetrics{
		logger:     logger,
		config:     promConfig,
		labels:     config.Labels,
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}, nil
}

func (p *PrometheusMetrics) Start() error {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}
	return nil
}

func (p *PrometheusMetrics) Stop() error {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return types.ErrServerNotRunning
	}
	return nil
}

func (p *PrometheusMetrics) IsRunning() bool {
	return atomic.LoadInt32(&p.running) == 1
}

// Registry exposes the underlying registry for promhttp.
func (p *PrometheusMetrics) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PrometheusMetrics) Counter(name string, labels map[string]string) types.Counter {
	p.mu.Lock()
	defer p.mu.Unlock()

	vec, exists := p.counters[name]
	if !exists {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        name,
			Help:        fmt.Sprintf("Counter metric %s", name),
			ConstLabels: p.labels,
		}, getLabelNames(labels))
		if err := p.registry.Register(vec); err != nil {
			p.logger.Error("Failed to register counter", zap.String("name", name), zap.Error(err))
			return emptyCounter{}
		}
		p.counters[name] = vec
	}

	counter, err := vec.GetMetricWith(labels)
	if err != nil {
		p.logger.Error("Counter label mismatch", zap.String("name", name), zap.Error(err))
		return emptyCounter{}
	}
	return &PrometheusCounter{logger: p.logger, counter: counter}
}

func (p *PrometheusMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()

	vec, exists := p.gauges[name]
	if !exists {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        name,
			Help:        fmt.Sprintf("Gauge metric %s", name),
			ConstLabels: p.labels,
		}, getLabelNames(labels))
		if err := p.registry.Register(vec); err != nil {
			p.logger.Error("Failed to register gauge", zap.String("name", name), zap.Error(err))
			return emptyGauge{}
		}
		p.gauges[name] = vec
	}

	gauge, err := vec.GetMetricWith(labels)
	if err != nil {
		p.logger.Error("Gauge label mismatch", zap.String("name", name), zap.Error(err))
		return emptyGauge{}
	}
	return &PrometheusGauge{logger: p.logger, gauge: gauge}
}

func (p *PrometheusMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	p.mu.Lock()
	defer p.mu.Unlock()

	vec, exists := p.histograms[name]
	if !exists {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        name,
			Help:        fmt.Sprintf("Histogram metric %s", name),
			Buckets:     buckets,
			ConstLabels: p.labels,
		}, getLabelNames(labels))
		if err := p.registry.Register(vec); err != nil {
			p.logger.Error("Failed to register histogram", zap.String("name", name), zap.Error(err))
			return emptyHistogram{}
		}
		p.histograms[name] = vec
	}

	observer, err := vec.GetMetricWith(labels)
	if err != nil {
		p.logger.Error("Histogram label mismatch", zap.String("name", name), zap.Error(err))
		return emptyHistogram{}
	}
	return &PrometheusHistogram{observer: observer}
}

// GetMetrics gathers the registry into the same JSON shape as the memory backend.
func (p *PrometheusMetrics) GetMetrics() ([]byte, error) {
	families, err := p.registry.Gather()
	if err != nil {
		return nil, types.WrapError(err, "failed to gather metrics")
	}

	now := time.Now()
	values := make([]types.MetricValue, 0, len(families))

	for _, family := range families {
		for _, metric := range family.GetMetric() {
			value := types.MetricValue{
				Name:      family.GetName(),
				Type:      family.GetType().String(),
				Labels:    make(map[string]string, len(metric.GetLabel())),
				Timestamp: now,
			}
			for _, pair := range metric.GetLabel() {
				value.Labels[pair.GetName()] = pair.GetValue()
			}

			switch family.GetType() {
			case dto.MetricType_COUNTER:
				value.Value = metric.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				value.Value = metric.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				value.Value = metric.GetHistogram().GetSampleSum()
				value.Count = metric.GetHistogram().GetSampleCount()
			default:
				continue
			}

			values = append(values, value)
		}
	}

	return utils.Marshal(values)
}

func (p *PrometheusMetrics) handler() fasthttp.RequestHandler {
	return fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}

func getLabelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type PrometheusCounter struct {
	logger  types.Logger
	counter prometheus.Counter
}

func (c *PrometheusCounter) Inc() {
	c.counter.Inc()
}

func (c *PrometheusCounter) Add(value float64) {
	c.counter.Add(value)
}

func (c *PrometheusCounter) Get() float64 {
	metric := &dto.Metric{}
	if err := c.counter.Write(metric); err != nil {
		c.logger.Error("Failed to write counter", zap.Error(err))
	}
	return metric.GetCounter().GetValue()
}

type PrometheusGauge struct {
	logger types.Logger
	gauge  prometheus.Gauge
}

func (g *PrometheusGauge) Set(value float64) {
	g.gauge.Set(value)
}

func (g *PrometheusGauge) Inc() {
	g.gauge.Inc()
}

func (g *PrometheusGauge) Dec() {
	g.gauge.Dec()
}

func (g *PrometheusGauge) Add(value float64) {
	g.gauge.Add(value)
}

func (g *PrometheusGauge) Sub(value float64) {
	g.gauge.Sub(value)
}

func (g *PrometheusGauge) Get() float64 {
	metric := &dto.Metric{}
	if err := g.gauge.Write(metric); err != nil {
		g.logger.Error("Failed to write gauge", zap.Error(err))
	}
	return metric.GetGauge().GetValue()
}

type PrometheusHistogram struct {
	observer prometheus.Observer
}

func (h *PrometheusHistogram) Observe(value float64) {
	h.observer.Observe(value)
}

func (h *PrometheusHistogram) ObserveDuration(start time.Time) {
	h.observer.Observe(time.Since(start).Seconds())
}

func (h *PrometheusHistogram) GetCount() uint64 {
	if histogram := h.snapshot(); histogram != nil {
		return histogram.GetSampleCount()
	}
	return 0
}

func (h *PrometheusHistogram) GetSum() float64 {
	if histogram := h.snapshot(); histogram != nil {
		return histogram.GetSampleSum()
	}
	return 0
}

func (h *PrometheusHistogram) snapshot() *dto.Histogram {
	promMetric, ok := h.observer.(prometheus.Metric)
	if !ok {
		return nil
	}
	metric := &dto.Metric{}
	if err := promMetric.Write(metric); err != nil {
		return nil
	}
	return metric.GetHistogram()
}
