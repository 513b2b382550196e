// Package metrics holds the prometheus collectors for the sync engine. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatsync"

const (
	ModePull     = "pull"
	ModeLongPoll = "long_poll"
)

type Metrics struct {
	registry *prometheus.Registry

	messagesAppended prometheus.Counter
	pulls            *prometheus.CounterVec
	pollTimeouts     prometheus.Counter
	noticesSent      prometheus.Counter
	noticesDropped   prometheus.Counter
	subscribers      prometheus.Gauge
	pollWait         prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_appended_total",
			Help:      "Messages acknowledged by the store.",
		}),
		pulls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pulls_total",
			Help:      "Fetch-since requests served, by mode.",
		}, []string{"mode"}),
		pollTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "long_poll_timeouts_total",
			Help:      "Long-poll requests that ended with an empty batch.",
		}),
		noticesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_notices_sent_total",
			Help:      "Change notices delivered to subscribers.",
		}),
		noticesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_notices_dropped_total",
			Help:      "Change notices dropped because a subscriber was not keeping up.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fanout_subscribers",
			Help:      "Registered target subscriptions.",
		}),
		pollWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "long_poll_wait_seconds",
			Help:      "Time a long-poll request waited before returning.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}),
	}
	m.registry.MustRegister(
		m.messagesAppended,
		m.pulls,
		m.pollTimeouts,
		m.noticesSent,
		m.noticesDropped,
		m.subscribers,
		m.pollWait,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) MessageAppended() {
	if m == nil {
		return
	}
	m.messagesAppended.Inc()
}

func (m *Metrics) Pull(mode string) {
	if m == nil {
		return
	}
	m.pulls.WithLabelValues(mode).Inc()
}

func (m *Metrics) LongPollDone(waited time.Duration, timedOut bool) {
	if m == nil {
		return
	}
	m.pollWait.Observe(waited.Seconds())
	if timedOut {
		m.pollTimeouts.Inc()
	}
}

func (m *Metrics) NoticeSent() {
	if m == nil {
		return
	}
	m.noticesSent.Inc()
}

func (m *Metrics) NoticeDropped() {
	if m == nil {
		return
	}
	m.noticesDropped.Inc()
}

func (m *Metrics) SubscribersChanged(delta int) {
	if m == nil {
		return
	}
	m.subscribers.Add(float64(delta))
}
