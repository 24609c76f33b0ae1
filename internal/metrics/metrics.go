// Package metrics exposes dispatch activity as Prometheus collectors. It
// is fed from the event bus, so the scheduler never touches prometheus.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"bulkdm/internal/dispatch"
	"bulkdm/internal/eventbus"
)

const (
	namespace = "bulkdm"
	subsystem = "dispatch"
)

type Metrics struct {
	Sessions         *prometheus.CounterVec
	Items            *prometheus.CounterVec
	Rejected         *prometheus.CounterVec
	Dropped          prometheus.Counter
	Cooldowns        prometheus.Counter
	CooldownSeconds  prometheus.Histogram
	DashboardFailed  prometheus.Counter
	Queue            prometheus.Gauge
	Running          prometheus.Gauge
	BusDroppedEvents prometheus.CounterFunc
}

// New builds the collectors and registers them on reg. droppedEvents may
// be nil; otherwise it reports events the bus could not deliver.
func New(reg prometheus.Registerer, droppedEvents func() uint64) *Metrics {
	m := &Metrics{
		Sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "sessions_total",
			Help: "Dispatch sessions by kind and outcome.",
		}, []string{"kind", "outcome"}), // started|completed|stopped
		Items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "items_total",
			Help: "Delivered queue items by kind and result.",
		}, []string{"kind", "result"}), // sent|failed|added
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "rejected_total",
			Help: "Enqueues rejected because a session was running.",
		}, []string{"kind"}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "dropped_items_total",
			Help: "Queued items discarded by stop.",
		}),
		Cooldowns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "cooldowns_total",
			Help: "Cooldowns entered after a full batch.",
		}),
		CooldownSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name:    "cooldown_seconds",
			Help:    "Sampled cooldown durations.",
			Buckets: []float64{30, 60, 120, 180, 240, 300, 450, 600},
		}),
		DashboardFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "dashboard_failures_total",
			Help: "Dashboard create/update/notice failures.",
		}),
		Queue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "queue_length",
			Help: "Items waiting in the queue.",
		}),
		Running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "running",
			Help: "1 while a session is processing or cooling down.",
		}),
	}

	cs := []prometheus.Collector{
		m.Sessions, m.Items, m.Rejected, m.Dropped, m.Cooldowns,
		m.CooldownSeconds, m.DashboardFailed, m.Queue, m.Running,
	}
	if droppedEvents != nil {
		m.BusDroppedEvents = prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "eventbus",
			Name:      "dropped_total",
			Help:      "Events skipped because a subscriber was full.",
		}, func() float64 { return float64(droppedEvents()) })
		cs = append(cs, m.BusDroppedEvents)
	}
	if reg != nil {
		reg.MustRegister(cs...)
	}
	return m
}

// Observe applies one bus event.
func (m *Metrics) Observe(ev eventbus.Event) {
	d, ok := ev.Data.(dispatch.EventData)
	if !ok {
		return
	}
	switch ev.Type {
	case dispatch.EventSessionStarted:
		m.Sessions.WithLabelValues(d.Kind, "started").Inc()
		m.Running.Set(1)
		m.Queue.Set(float64(d.Queue))
	case dispatch.EventItemsAdded:
		m.Items.WithLabelValues(d.Kind, "added").Add(float64(d.Count))
		m.Queue.Set(float64(d.Queue))
	case dispatch.EventItemSent:
		m.Items.WithLabelValues(d.Kind, "sent").Inc()
		m.Queue.Set(float64(d.Queue))
	case dispatch.EventItemFailed:
		m.Items.WithLabelValues(d.Kind, "failed").Inc()
		m.Queue.Set(float64(d.Queue))
	case dispatch.EventCooldownStarted:
		m.Cooldowns.Inc()
		m.CooldownSeconds.Observe(d.Duration.Seconds())
	case dispatch.EventCompleted:
		m.Sessions.WithLabelValues(d.Kind, "completed").Inc()
		m.Running.Set(0)
		m.Queue.Set(0)
	case dispatch.EventStopped:
		m.Sessions.WithLabelValues(d.Kind, "stopped").Inc()
		m.Dropped.Add(float64(d.Count))
		m.Running.Set(0)
		m.Queue.Set(0)
	case dispatch.EventRejected:
		m.Rejected.WithLabelValues(d.Kind).Inc()
	case dispatch.EventDashboardFailed:
		m.DashboardFailed.Inc()
	}
}

// Run feeds bus events into m until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(ev)
		}
	}
}
