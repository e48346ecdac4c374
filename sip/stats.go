package sip

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package level counters. They register on the default registerer and
// show up on whatever metrics endpoint the application serves.
var (
	parsedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sip_transport_parsed_messages_total",
		Help: "Number of successfully parsed inbound SIP messages.",
	})

	droppedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sip_transport_dropped_messages_total",
		Help: "Number of inbound messages dropped due to parse or framing errors.",
	})

	activeClientTransactions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sip_transactions_client_active",
		Help: "Number of running client transactions.",
	})

	activeServerTransactions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sip_transactions_server_active",
		Help: "Number of running server transactions.",
	})
)
