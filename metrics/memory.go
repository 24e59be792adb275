package metrics

import (
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/saiset-co/sai-query-cache/types"
	"github.com/saiset-co/sai-query-cache/utils"
)

type MemoryMetrics struct {
	logger     types.Logger
	labels     map[string]string
	counters   map[string]*MemoryCounter
	gauges     map[string]*MemoryGauge
	histograms map[string]*MemoryHistogram
	running    int32
	mu         sync.RWMutex
}

func NewMemoryMetrics(logger types.Logger, config *types.MetricsConfig) (*MemoryMetrics, error) {
	m := &MemoryMetrics{
		logger:     logger,
		counters:   make(map[string]*MemoryCounter),
		gauges:     make(map[string]*MemoryGauge),
		histograms: make(map[string]*MemoryHistogram),
	}
	if config != nil {
		m.labels = config.Labels
	}
	return m, nil
}

func (m *MemoryMetrics) Start() error {
	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}
	return nil
}

func (m *MemoryMetrics) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.running, 1, 0) {
		return types.ErrServerNotRunning
	}
	return nil
}

func (m *MemoryMetrics) IsRunning() bool {
	return atomic.LoadInt32(&m.running) == 1
}

func (m *MemoryMetrics) Counter(name string, labels map[string]string) types.Counter {
	key := buildKey(name, labels)

	m.mu.RLock()
	counter, exists := m.counters[key]
	m.mu.RUnlock()
	if exists {
		return counter
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if counter, exists = m.counters[key]; exists {
		return counter
	}

	counter = &MemoryCounter{name: name, labels: m.withConstLabels(labels)}
	m.counters[key] = counter
	return counter
}

func (m *MemoryMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	key := buildKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if gauge, exists := m.gauges[key]; exists {
		return gauge
	}

	gauge := &MemoryGauge{name: name, labels: m.withConstLabels(labels)}
	m.gauges[key] = gauge
	return gauge
}

func (m *MemoryMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	key := buildKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if histogram, exists := m.histograms[key]; exists {
		return histogram
	}

	histogram := &MemoryHistogram{
		name:    name,
		labels:  m.withConstLabels(labels),
		buckets: append([]float64(nil), buckets...),
		counts:  make([]uint64, len(buckets)+1),
	}
	m.histograms[key] = histogram
	return histogram
}

// GetMetrics returns a JSON array of types.MetricValue sorted by name.
func (m *MemoryMetrics) GetMetrics() ([]byte, error) {
	m.mu.RLock()
	now := time.Now()
	values := make([]types.MetricValue, 0, len(m.counters)+len(m.gauges)+len(m.histograms))

	for _, counter := range m.counters {
		values = append(values, types.MetricValue{
			Name: counter.name, Type: "counter", Value: counter.Get(), Labels: counter.labels, Timestamp: now,
		})
	}
	for _, gauge := range m.gauges {
		values = append(values, types.MetricValue{
			Name: gauge.name, Type: "gauge", Value: gauge.Get(), Labels: gauge.labels, Timestamp: now,
		})
	}
	for _, histogram := range m.histograms {
		values = append(values, types.MetricValue{
			Name: histogram.name, Type: "histogram", Value: histogram.GetSum(), Count: histogram.GetCount(),
			Labels: histogram.labels, Timestamp: now,
		})
	}
	m.mu.RUnlock()

	sort.Slice(values, func(i, j int) bool {
		if values[i].Name != values[j].Name {
			return values[i].Name < values[j].Name
		}
		return buildKey("", values[i].Labels) < buildKey("", values[j].Labels)
	})

	return utils.Marshal(values)
}

func (m *MemoryMetrics) withConstLabels(labels map[string]string) map[string]string {
	merged := make(map[string]string, len(labels)+len(m.labels))
	for k, v := range m.labels {
		merged[k] = v
	}
	for k, v := range labels {
		merged[k] = v
	}
	return merged
}

func buildKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}

	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString(name)
	for _, k := range names {
		sb.WriteByte('|')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(labels[k])
	}
	return sb.String()
}

type MemoryCounter struct {
	name   string
	labels map[string]string
	value  uint64
}

func (c *MemoryCounter) Inc() {
	c.Add(1)
}

func (c *MemoryCounter) Add(value float64) {
	if value < 0 {
		return
	}
	addFloat(&c.value, value)
}

func (c *MemoryCounter) Get() float64 {
	return math.Float64frombits(atomic.LoadUint64(&c.value))
}

type MemoryGauge struct {
	name   string
	labels map[string]string
	value  uint64
}

func (g *MemoryGauge) Set(value float64) {
	atomic.StoreUint64(&g.value, math.Float64bits(value))
}

func (g *MemoryGauge) Inc() {
	addFloat(&g.value, 1)
}

func (g *MemoryGauge) Dec() {
	addFloat(&g.value, -1)
}

func (g *MemoryGauge) Add(value float64) {
	addFloat(&g.value, value)
}

func (g *MemoryGauge) Sub(value float64) {
	addFloat(&g.value, -value)
}

func (g *MemoryGauge) Get() float64 {
	return math.Float64frombits(atomic.LoadUint64(&g.value))
}

type MemoryHistogram struct {
	name    string
	labels  map[string]string
	buckets []float64
	counts  []uint64
	sum     uint64
	count   uint64
}

func (h *MemoryHistogram) Observe(value float64) {
	atomic.AddUint64(&h.count, 1)
	addFloat(&h.sum, value)

	bucketIndex := len(h.buckets)
	for i, bucket := range h.buckets {
		if value <= bucket {
			bucketIndex = i
			break
		}
	}
	atomic.AddUint64(&h.counts[bucketIndex], 1)
}

func (h *MemoryHistogram) ObserveDuration(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

func (h *MemoryHistogram) GetCount() uint64 {
	return atomic.LoadUint64(&h.count)
}

func (h *MemoryHistogram) GetSum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

// GetBuckets returns cumulative counts keyed by upper bound; +Inf holds the total.
func (h *MemoryHistogram) GetBuckets() map[float64]uint64 {
	result := make(map[float64]uint64, len(h.counts))
	var cumulative uint64
	for i, bucket := range h.buckets {
		cumulative += atomic.LoadUint64(&h.counts[i])
		result[bucket] = cumulative
	}
	result[math.Inf(1)] = cumulative + atomic.LoadUint64(&h.counts[len(h.buckets)])
	return result
}

func addFloat(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(addr, old, next) {
			return
		}
	}
}
