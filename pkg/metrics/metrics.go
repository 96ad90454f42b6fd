// Package metrics exposes the cloud link as Prometheus metrics.
//
// Link and buffer figures are read from their sources at scrape time.
// Exchange outcomes, broker traffic and errors are counted from the trace
// stream: a Collector is also a log.Logger.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hublink/hublink-go/pkg/buffer"
	"github.com/hublink/hublink-go/pkg/connection"
	"github.com/hublink/hublink-go/pkg/log"
)

const metricsNamespace = "hublink"

// LinkSource reports the connection state machine. *connection.Machine
// implements it.
type LinkSource interface {
	Status() connection.Status
}

// LinkFunc adapts a function to LinkSource.
type LinkFunc func() connection.Status

// Status calls f.
func (f LinkFunc) Status() connection.Status { return f() }

// BufferSource reports the outbound buffer. *buffer.Buffer implements it.
type BufferSource interface {
	Stats() buffer.Stats
	Len() int
	Capacity() int
}

// states lists every state exported by the link_state gauge.
var states = []connection.State{
	connection.StateInitial,
	connection.StateAwaitingTime,
	connection.StateFetchingCredentials,
	connection.StatePreConnectDelay,
	connection.StateConnecting,
	connection.StateSubscribing,
	connection.StateConnected,
	connection.StateDisconnecting,
	connection.StateStopped,
}

// Collector is a prometheus.Collector for the cloud link.
type Collector struct {
	link   LinkSource
	buffer BufferSource

	linkState         *prometheus.Desc
	connectAttempts   *prometheus.Desc
	subscribeAttempts *prometheus.Desc
	linkCounters      *prometheus.Desc
	bufferPending     *prometheus.Desc
	bufferCapacity    *prometheus.Desc
	bufferCounters    *prometheus.Desc

	exchanges        *prometheus.CounterVec
	exchangeDuration prometheus.Histogram
	brokerMessages   *prometheus.CounterVec
	alarms           *prometheus.CounterVec
	errors           *prometheus.CounterVec
}

// NewCollector returns a Collector. Either source may be nil.
func NewCollector(link LinkSource, buf BufferSource) *Collector {
	return &Collector{
		link:   link,
		buffer: buf,

		linkState: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "link", "state"),
			"Current connection state (1 for the active state).",
			[]string{"state"}, nil,
		),
		connectAttempts: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "link", "connect_attempts"),
			"Broker connect attempts since the last success.",
			nil, nil,
		),
		subscribeAttempts: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "link", "subscribe_attempts"),
			"Subscribe attempts since the last success.",
			nil, nil,
		),
		linkCounters: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "link", "events_total"),
			"Link events by kind.",
			[]string{"event"}, nil,
		),
		bufferPending: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "buffer", "pending"),
			"Messages waiting for delivery.",
			nil, nil,
		),
		bufferCapacity: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "buffer", "capacity"),
			"Outbound buffer capacity.",
			nil, nil,
		),
		bufferCounters: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "buffer", "messages_total"),
			"Outbound buffer activity by result.",
			[]string{"result"}, nil,
		),

		exchanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "http",
				Name:      "exchanges_total",
				Help:      "Signed HTTP exchanges by outcome.",
			}, []string{"outcome"},
		),
		exchangeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "http",
				Name:      "exchange_seconds",
				Help:      "Duration of signed HTTP exchanges.",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30},
			},
		),
		brokerMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "broker",
				Name:      "messages_total",
				Help:      "Broker messages by direction.",
			}, []string{"direction"},
		),
		alarms: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "buffer",
				Name:      "alarms_total",
				Help:      "Delivery alarms by kind.",
			}, []string{"kind"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "errors_total",
				Help:      "Traced errors by layer.",
			}, []string{"layer"},
		),
	}
}

// Log is part of the log.Logger interface.
func (c *Collector) Log(e log.Event) {
	switch e.Category {
	case log.CategoryExchange:
		if e.Exchange != nil {
			c.exchanges.WithLabelValues(e.Exchange.Outcome).Inc()
			c.exchangeDuration.Observe(e.Exchange.Duration.Seconds())
		}
	case log.CategoryMessage:
		if e.Layer == log.LayerBroker {
			c.brokerMessages.WithLabelValues(e.Direction.String()).Inc()
		}
	case log.CategoryAlarm:
		if e.Alarm != nil {
			c.alarms.WithLabelValues(e.Alarm.Kind).Inc()
		}
	case log.CategoryError:
		layer := e.Layer
		if e.Error != nil {
			layer = e.Error.Layer
		}
		c.errors.WithLabelValues(layer.String()).Inc()
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.linkState
	ch <- c.connectAttempts
	ch <- c.subscribeAttempts
	ch <- c.linkCounters
	ch <- c.bufferPending
	ch <- c.bufferCapacity
	ch <- c.bufferCounters
	c.exchanges.Describe(ch)
	c.exchangeDuration.Describe(ch)
	c.brokerMessages.Describe(ch)
	c.alarms.Describe(ch)
	c.errors.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.link != nil {
		c.collectLink(ch, c.link.Status())
	}
	if c.buffer != nil {
		c.collectBuffer(ch)
	}
	c.exchanges.Collect(ch)
	c.exchangeDuration.Collect(ch)
	c.brokerMessages.Collect(ch)
	c.alarms.Collect(ch)
	c.errors.Collect(ch)
}

func (c *Collector) collectLink(ch chan<- prometheus.Metric, s connection.Status) {
	for _, st := range states {
		v := 0.0
		if st == s.State {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.linkState, prometheus.GaugeValue, v, st.String())
	}
	ch <- prometheus.MustNewConstMetric(c.connectAttempts, prometheus.GaugeValue, float64(s.ConnectAttempts))
	ch <- prometheus.MustNewConstMetric(c.subscribeAttempts, prometheus.GaugeValue, float64(s.SubscribeAttempts))

	counters := []struct {
		event string
		value uint64
	}{
		{"connect", s.Stats.Connects},
		{"publish", s.Stats.Published},
		{"publish_failure", s.Stats.PublishFailures},
		{"inbound", s.Stats.Inbound},
		{"reflected", s.Stats.Reflected},
		{"alarm", s.Stats.Alarms},
		{"network_restart", s.Stats.NetworkRestarts},
	}
	for _, k := range counters {
		ch <- prometheus.MustNewConstMetric(c.linkCounters, prometheus.CounterValue, float64(k.value), k.event)
	}
}

func (c *Collector) collectBuffer(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.bufferPending, prometheus.GaugeValue, float64(c.buffer.Len()))
	ch <- prometheus.MustNewConstMetric(c.bufferCapacity, prometheus.GaugeValue, float64(c.buffer.Capacity()))

	s := c.buffer.Stats()
	counters := []struct {
		result string
		value  uint64
	}{
		{"enqueued", s.Enqueued},
		{"rejected", s.Rejected},
		{"oversized", s.Oversized},
		{"sent", s.Sent},
		{"acked", s.Acked},
		{"abandoned", s.Abandoned},
		{"unrenderable", s.Unrenderable},
	}
	for _, k := range counters {
		ch <- prometheus.MustNewConstMetric(c.bufferCounters, prometheus.CounterValue, float64(k.value), k.result)
	}
}

// NewRegistry returns a registry with the Go and process collectors and c.
func NewRegistry(c *Collector) (*prometheus.Registry, error) {
	r := prometheus.NewRegistry()
	if err := r.Register(prometheus.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := r.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}
	if err := r.Register(c); err != nil {
		return nil, err
	}
	return r, nil
}

// Compile-time interface checks.
var (
	_ prometheus.Collector = (*Collector)(nil)
	_ log.Logger           = (*Collector)(nil)
)
