// Package metrics implements Prometheus metrics.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsReceivedTotal counts datagrams handed to the engine by kind (packet, fragment, keepalive, runt)
	PacketsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vl1_packets_received_total",
			Help: "Total number of datagrams received",
		},
		[]string{"kind"},
	)

	// PacketsDroppedTotal counts discarded packets by drop reason and verb (when known)
	PacketsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vl1_packets_dropped_total",
			Help: "Total number of packets dropped",
		},
		[]string{"reason", "verb"},
	)

	// PacketsDispatchedTotal counts authenticated packets delivered to verb handlers
	PacketsDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vl1_packets_dispatched_total",
			Help: "Total number of packets dispatched to verb handlers",
		},
		[]string{"verb"},
	)

	// PacketsRelayedTotal counts packets forwarded toward another node
	PacketsRelayedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vl1_packets_relayed_total",
			Help: "Total number of packets relayed",
		},
	)

	// PacketsSentTotal counts outbound packets by verb
	PacketsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vl1_packets_sent_total",
			Help: "Total number of packets sent",
		},
		[]string{"verb"},
	)

	// FragmentsTotal counts defragmenter results
	FragmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vl1_fragments_total",
			Help: "Total number of fragments processed by result",
		},
		[]string{"result"},
	)

	// ReassemblyActiveRecords tracks partially assembled packets
	ReassemblyActiveRecords = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vl1_reassembly_active_records",
			Help: "Number of partially assembled packets awaiting fragments",
		},
	)

	// ReassemblyEvictionsTotal counts records dropped before completion
	ReassemblyEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vl1_reassembly_evictions_total",
			Help: "Total number of reassembly records evicted",
		},
		[]string{"cause"},
	)

	// WhoisPendingPackets tracks packets parked while their sender's identity is resolved
	WhoisPendingPackets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vl1_whois_pending_packets",
			Help: "Number of packets waiting for identity resolution",
		},
	)

	// WhoisRequestsTotal counts WHOIS requests by outcome (sent, retry, expired, resolved)
	WhoisRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vl1_whois_requests_total",
			Help: "Total number of WHOIS lookups by outcome",
		},
		[]string{"outcome"},
	)

	// PeersKnown tracks the size of the peer directory
	PeersKnown = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vl1_peers_known",
			Help: "Number of peers with a known identity",
		},
	)

	// ProcessingLatencySeconds measures OnRemotePacket latency per stage
	ProcessingLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vl1_processing_latency_seconds",
			Help:    "Latency of packet processing stages in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20), // 1µs to ~1s
		},
		[]string{"stage"},
	)

	// TransportQueueDropsTotal counts datagrams dropped because a worker queue was full
	TransportQueueDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vl1_transport_queue_drops_total",
			Help: "Total number of datagrams dropped on full worker queues",
		},
		[]string{"worker"},
	)

	// BuildInfo is a constant 1 labeled with the running version
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vl1_build_info",
			Help: "Software version and protocol version of the running node",
		},
		[]string{"version", "protocol"},
	)
)

// SetBuildInfo publishes the running version.
func SetBuildInfo(version string, protocol int) {
	BuildInfo.Reset()
	BuildInfo.WithLabelValues(version, strconv.Itoa(protocol)).Set(1)
}
