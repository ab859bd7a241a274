package metrics

import (
	"errors"
	"strconv"

	reg "github.com/Gthulhu/wfs/plugin/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
)

// Anomaly kinds. Anomalies are absorbed by the classes and only show up
// here and in the log.
const (
	AnomalyDoubleEnqueue   = "double_enqueue"
	AnomalyUnlinkedDequeue = "unlinked_dequeue"
	AnomalyIndexDesync     = "index_desync"
	AnomalyStaleLink       = "stale_link"
)

const (
	LabelCPU  = "cpu"
	LabelKind = "kind"
)

// Metrics holds the runqueue collectors shared by every CPU instance.
type Metrics struct {
	nrRunning   *prometheus.GaugeVec
	minVruntime *prometheus.GaugeVec
	enqueued    *prometheus.CounterVec
	dequeued    *prometheus.CounterVec
	scheduled   *prometheus.CounterVec
	resched     *prometheus.CounterVec
	anomalies   *prometheus.CounterVec
}

// New creates the collectors without registering them.
func New(namespace string) *Metrics {
	return &Metrics{
		nrRunning: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "nr_running",
				Help:      "Number of ready tasks linked in the runqueue",
			},
			[]string{LabelCPU},
		),
		minVruntime: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "min_vruntime",
				Help:      "Runqueue vruntime floor used to place new tasks",
			},
			[]string{LabelCPU},
		),
		enqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "enqueue_total",
				Help:      "Tasks linked into the runqueue",
			},
			[]string{LabelCPU},
		),
		dequeued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dequeue_total",
				Help:      "Tasks unlinked from the runqueue",
			},
			[]string{LabelCPU},
		),
		scheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pick_total",
				Help:      "Tasks returned by pick-next",
			},
			[]string{LabelCPU},
		),
		resched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resched_total",
				Help:      "Reschedule requests issued to the framework",
			},
			[]string{LabelCPU},
		),
		anomalies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "anomaly_total",
				Help:      "Consistency anomalies detected and absorbed",
			},
			[]string{LabelCPU, LabelKind},
		),
	}
}

// Register adds the collectors to r. Collectors that r already holds under
// the same description are reused, so every CPU instance can call Register
// against the same registry.
func (m *Metrics) Register(r prometheus.Registerer) error {
	var err error
	if m.nrRunning, err = register(r, m.nrRunning); err != nil {
		return err
	}
	if m.minVruntime, err = register(r, m.minVruntime); err != nil {
		return err
	}
	if m.enqueued, err = register(r, m.enqueued); err != nil {
		return err
	}
	if m.dequeued, err = register(r, m.dequeued); err != nil {
		return err
	}
	if m.scheduled, err = register(r, m.scheduled); err != nil {
		return err
	}
	if m.resched, err = register(r, m.resched); err != nil {
		return err
	}
	m.anomalies, err = register(r, m.anomalies)
	return err
}

func register[C prometheus.Collector](r prometheus.Registerer, c C) (C, error) {
	if err := r.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// ForCPU returns the children labelled for one runqueue.
func (m *Metrics) ForCPU(cpu int32) *CPUMetrics {
	label := strconv.Itoa(int(cpu))
	return &CPUMetrics{
		nrRunning:   m.nrRunning.WithLabelValues(label),
		minVruntime: m.minVruntime.WithLabelValues(label),
		enqueued:    m.enqueued.WithLabelValues(label),
		dequeued:    m.dequeued.WithLabelValues(label),
		scheduled:   m.scheduled.WithLabelValues(label),
		resched:     m.resched.WithLabelValues(label),
		anomalies:   m.anomalies.MustCurryWith(prometheus.Labels{LabelCPU: label}),
	}
}

// FromConfig builds the per-CPU collectors a factory should hand to its
// class, or nil when metrics are disabled.
func FromConfig(config *reg.SchedConfig, cpu int32) (*CPUMetrics, error) {
	if !config.Metrics.Enabled {
		return nil, nil
	}
	r := config.Registerer
	if r == nil {
		r = prometheus.DefaultRegisterer
	}
	m := New(config.Metrics.Namespace)
	if err := m.Register(r); err != nil {
		return nil, err
	}
	return m.ForCPU(cpu), nil
}

// CPUMetrics is the view of Metrics for one CPU. A nil *CPUMetrics discards
// every observation.
type CPUMetrics struct {
	nrRunning   prometheus.Gauge
	minVruntime prometheus.Gauge
	enqueued    prometheus.Counter
	dequeued    prometheus.Counter
	scheduled   prometheus.Counter
	resched     prometheus.Counter
	anomalies   *prometheus.CounterVec
}

func (c *CPUMetrics) SetNrRunning(n uint32) {
	if c != nil {
		c.nrRunning.Set(float64(n))
	}
}

func (c *CPUMetrics) SetMinVruntime(v uint64) {
	if c != nil {
		c.minVruntime.Set(float64(v))
	}
}

func (c *CPUMetrics) IncEnqueued() {
	if c != nil {
		c.enqueued.Inc()
	}
}

func (c *CPUMetrics) IncDequeued() {
	if c != nil {
		c.dequeued.Inc()
	}
}

func (c *CPUMetrics) IncScheduled() {
	if c != nil {
		c.scheduled.Inc()
	}
}

func (c *CPUMetrics) IncResched() {
	if c != nil {
		c.resched.Inc()
	}
}

func (c *CPUMetrics) IncAnomaly(kind string) {
	if c != nil {
		c.anomalies.WithLabelValues(kind).Inc()
	}
}
