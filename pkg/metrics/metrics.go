// Package metrics holds the prometheus collectors of the history engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ngchs"

// Drop reasons.
const (
	DropDecode           = "decode_error"
	DropNotImplemented   = "not_implemented"
	DropUnknown          = "unknown_packet"
	DropFutureTimestamp  = "future_timestamp"
	DropNoRegistry       = "no_registry"
	DropDuplicateRequest = "duplicate_request"
	DropUnresolvedPeer   = "unresolved_peer"
)

// Reconcile outcomes.
const (
	OutcomeCreated   = "created"
	OutcomeWritten   = "written"
	OutcomeCorrected = "corrected"
	OutcomeUnchanged = "unchanged"
)

type Metrics struct {
	PacketsReceived *prometheus.CounterVec
	PacketsDropped  *prometheus.CounterVec
	PacketsSent     *prometheus.CounterVec
	SendFailures    *prometheus.CounterVec
	Reconciled      *prometheus.CounterVec

	RequestQueue prometheus.Gauge
	SyncQueues   prometheus.Gauge
	SyncPending  prometheus.Gauge
}

// New builds the collectors. node, when set, becomes a constant label so
// that several engines can share one registry.
func New(node string) *Metrics {
	var cl prometheus.Labels
	if node != "" {
		cl = prometheus.Labels{"node": node}
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: name, Help: help, ConstLabels: cl,
		}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: name, Help: help, ConstLabels: cl,
		})
	}
	return &Metrics{
		PacketsReceived: counter("packets_received_total", "History packets received, by packet kind.", "kind"),
		PacketsDropped:  counter("packets_dropped_total", "History packets or events dropped, by reason.", "reason"),
		PacketsSent:     counter("packets_sent_total", "History packets sent, by packet kind.", "kind"),
		SendFailures:    counter("send_failures_total", "Failed packet sends, by packet kind.", "kind"),
		Reconciled:      counter("reconciled_total", "Sync messages reconciled, by outcome.", "outcome"),

		RequestQueue: gauge("request_queue_entries", "Peers waiting for their next history request."),
		SyncQueues:   gauge("sync_queue_entries", "Peers currently being sent history."),
		SyncPending:  gauge("sync_pending_messages", "Messages waiting in sync queues."),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.PacketsReceived, m.PacketsDropped, m.PacketsSent, m.SendFailures, m.Reconciled,
		m.RequestQueue, m.SyncQueues, m.SyncPending,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) Received(kind string) {
	if m != nil {
		m.PacketsReceived.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Dropped(reason string) {
	if m != nil {
		m.PacketsDropped.WithLabelValues(reason).Inc()
	}
}

// Sent records one send attempt of kind.
func (m *Metrics) Sent(kind string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.SendFailures.WithLabelValues(kind).Inc()
		return
	}
	m.PacketsSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) Reconcile(outcome string) {
	if m != nil {
		m.Reconciled.WithLabelValues(outcome).Inc()
	}
}

// Queues sets the scheduler gauges.
func (m *Metrics) Queues(requests, syncs, pending int) {
	if m == nil {
		return
	}
	m.RequestQueue.Set(float64(requests))
	m.SyncQueues.Set(float64(syncs))
	m.SyncPending.Set(float64(pending))
}
