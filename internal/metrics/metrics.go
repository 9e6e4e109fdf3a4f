// Package metrics mirrors the cluster counters into Prometheus and derives
// the readiness signal.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

const gaugePollInterval = 15 * time.Second

// Counters is the buffered cluster-counter sink the recorder mirrors into.
type Counters interface {
	Incr(name string)
}

// QueueDepths reports the stream gauges.
type QueueDepths interface {
	Len(ctx context.Context) (int64, error)
	PendingCount(ctx context.Context) (int64, error)
	DeadLetterLen(ctx context.Context) (int64, error)
}

// BufferSizes reports the pending-op buffer gauges.
type BufferSizes func() (interactions, listItems int)

// FirehoseStatus is the consumer's health surface.
type FirehoseStatus interface {
	Connected() bool
	Fatal() bool
	StartedAt() time.Time
}

// Metrics owns the Prometheus registry and the gauge poll loop. Counter
// increments flow through Incr, which feeds both the cluster counters and
// the local Prometheus mirror.
type Metrics struct {
	cluster  Counters
	registry *prometheus.Registry
	log      *zap.Logger

	events            *prometheus.CounterVec
	queueLength       prometheus.Gauge
	queuePending      prometheus.Gauge
	deadLetterLength  prometheus.Gauge
	pendingBufferSize *prometheus.GaugeVec
	firehoseConnected prometheus.Gauge
}

// New builds the registry and registers the collectors.
func New(cluster Counters, logger *zap.Logger) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		cluster:  cluster,
		registry: registry,
		log:      logger,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "appview_events_total",
			Help: "Processing events by kind.",
		}, []string{"kind"}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "appview_queue_length",
			Help: "Entries on the ingest stream.",
		}),
		queuePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "appview_queue_pending",
			Help: "Delivered but unacked messages.",
		}),
		deadLetterLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "appview_dead_letter_length",
			Help: "Quarantined messages.",
		}),
		pendingBufferSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "appview_pending_buffer_size",
			Help: "Buffered out-of-order ops by buffer.",
		}, []string{"buffer"}),
		firehoseConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "appview_firehose_connected",
			Help: "1 when the relay socket is open.",
		}),
	}
	registry.MustRegister(m.events, m.queueLength, m.queuePending,
		m.deadLetterLength, m.pendingBufferSize, m.firehoseConnected)
	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Incr bumps a counter in both the cluster hash and the local mirror.
func (m *Metrics) Incr(name string) {
	if m.cluster != nil {
		m.cluster.Incr(name)
	}
	m.events.WithLabelValues(name).Inc()
}

// StartGaugeLoop polls the depth sources until the context ends. Any source
// may be nil.
func (m *Metrics) StartGaugeLoop(ctx context.Context, depths QueueDepths, buffers BufferSizes, firehose FirehoseStatus) {
	go func() {
		ticker := time.NewTicker(gaugePollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.poll(ctx, depths, buffers, firehose)
			}
		}
	}()
}

func (m *Metrics) poll(ctx context.Context, depths QueueDepths, buffers BufferSizes, firehose FirehoseStatus) {
	if depths != nil {
		if n, err := depths.Len(ctx); err == nil {
			m.queueLength.Set(float64(n))
		} else {
			m.log.Debug("queue length poll failed", zap.Error(err))
		}
		if n, err := depths.PendingCount(ctx); err == nil {
			m.queuePending.Set(float64(n))
		}
		if n, err := depths.DeadLetterLen(ctx); err == nil {
			m.deadLetterLength.Set(float64(n))
		}
	}
	if buffers != nil {
		interactions, listItems := buffers()
		m.pendingBufferSize.WithLabelValues("interactions").Set(float64(interactions))
		m.pendingBufferSize.WithLabelValues("list_items").Set(float64(listItems))
	}
	if firehose != nil {
		if firehose.Connected() {
			m.firehoseConnected.Set(1)
		} else {
			m.firehoseConnected.Set(0)
		}
	}
}
