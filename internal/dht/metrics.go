// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package dht

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

const (
	resultComplete = "complete"
	resultTimeout  = "timeout"
	resultEmpty    = "empty"
	resultClosed   = "closed"
)

const (
	dropRateLimited = "rate_limited"
	dropDuplicate   = "duplicate"
	dropMalformed   = "malformed"
	dropUnknownOp   = "unknown_op"
	dropUnknownPeer = "unknown_peer"
	dropNoAnswerer  = "no_answerer"
	dropLate        = "late"
)

type metrics struct {
	lookups        *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	lookupDuration prometheus.Histogram
	contacted      prometheus.Counter
	answers        prometheus.Counter
	sendFailures   prometheus.Counter
	evictions      prometheus.Counter
	peers          prometheus.GaugeFunc
}

func newMetrics(node string, peers func() float64) *metrics {
	labels := prometheus.Labels{"node": node}

	return &metrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "nereid_dht_lookups_total",
			Help:        "FIND_NODE sessions by how they were resolved",
			ConstLabels: labels,
		}, []string{"result"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "nereid_dht_dropped_messages_total",
			Help:        "inbound messages that were ignored",
			ConstLabels: labels,
		}, []string{"reason"}),
		lookupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "nereid_dht_lookup_duration_seconds",
			Help:        "time from starting a FIND_NODE session to its delivery",
			ConstLabels: labels,
			Buckets:     []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		contacted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "nereid_dht_contacted_total",
			Help:        "FIND_NODE requests sent to candidates",
			ConstLabels: labels,
		}),
		answers: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "nereid_dht_answers_total",
			Help:        "answers received from contacted peers",
			ConstLabels: labels,
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "nereid_dht_send_failures_total",
			Help:        "requests and replies the transport failed to send",
			ConstLabels: labels,
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "nereid_dht_evictions_total",
			Help:        "entries pruned from full buckets",
			ConstLabels: labels,
		}),
		peers: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "nereid_dht_peers",
			Help:        "entries in the routing table",
			ConstLabels: labels,
		}, peers),
	}
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.lookups,
		m.dropped,
		m.lookupDuration,
		m.contacted,
		m.answers,
		m.sendFailures,
		m.evictions,
		m.peers,
	}
}

func (m *metrics) register(reg prometheus.Registerer) error {
	var err error
	for _, c := range m.collectors() {
		err = multierr.Append(err, reg.Register(c))
	}

	return err
}
