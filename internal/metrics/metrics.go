// Package metrics holds the Prometheus instruments published on /metrics.
// The metric names and label sets are a stable contract consumed by operator
// dashboards; changing them breaks downstream queries.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// packetLabels dimension the per-packet counters.
var packetLabels = []string{"chain_id", "src_channel", "src_port", "dst_channel", "dst_port", "signer", "memo"}

// Metrics owns a private registry and every instrument registered on it.
type Metrics struct {
	registry *prometheus.Registry

	effectedPackets   *prometheus.CounterVec
	uneffectedPackets *prometheus.CounterVec
	frontrunCounter   *prometheus.CounterVec
	stuckPackets      *prometheus.GaugeVec

	chains     prometheus.Gauge
	packets    *prometheus.CounterVec
	txs        *prometheus.CounterVec
	reconnects *prometheus.CounterVec
	timeouts   *prometheus.CounterVec
	errors     *prometheus.CounterVec
}

// New builds the registry and registers every instrument.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		effectedPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ibc_effected_packets",
			Help: "Number of IBC packet messages that performed the intended effect on chain",
		}, packetLabels),

		uneffectedPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ibc_uneffected_packets",
			Help: "Number of IBC packet messages that were committed without effect (front-run losers)",
		}, packetLabels),

		frontrunCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ibc_frontrun_counter",
			Help: "Number of times a relayer was front-run by another signer on the same packet",
		}, []string{"chain_id", "src_channel", "src_port", "dst_channel", "dst_port", "signer", "frontrunned_by", "memo", "effected_memo"}),

		stuckPackets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ibc_stuck_packets",
			Help: "Number of packets received on the destination chain but not yet acknowledged on the source chain",
		}, []string{"dst_chain", "src_chain", "src_channel"}),

		chains: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chainpulse_chains",
			Help: "Number of chains being monitored",
		}),

		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainpulse_packets",
			Help: "Number of IBC packet messages processed",
		}, []string{"chain_id"}),

		txs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainpulse_txs",
			Help: "Number of transactions processed",
		}, []string{"chain_id"}),

		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainpulse_reconnects",
			Help: "Number of WebSocket reconnection attempts",
		}, []string{"chain_id"}),

		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainpulse_timeouts",
			Help: "Number of WebSocket read timeouts",
		}, []string{"chain_id"}),

		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainpulse_errors",
			Help: "Number of decode and store errors encountered while processing blocks",
		}, []string{"chain_id"}),
	}

	m.registry.MustRegister(
		m.effectedPackets,
		m.uneffectedPackets,
		m.frontrunCounter,
		m.stuckPackets,
		m.chains,
		m.packets,
		m.txs,
		m.reconnects,
		m.timeouts,
		m.errors,
	)

	return m
}

// Handler returns the Prometheus text exposition handler for the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// EffectedPacket counts a packet message that performed its intended effect.
func (m *Metrics) EffectedPacket(chainID, srcChannel, srcPort, dstChannel, dstPort, signer, memo string) {
	m.effectedPackets.WithLabelValues(chainID, srcChannel, srcPort, dstChannel, dstPort, signer, memo).Inc()
}

// UneffectedPacket counts a packet message committed without effect.
func (m *Metrics) UneffectedPacket(chainID, srcChannel, srcPort, dstChannel, dstPort, signer, memo string) {
	m.uneffectedPackets.WithLabelValues(chainID, srcChannel, srcPort, dstChannel, dstPort, signer, memo).Inc()
}

// FrontrunEvent counts a loser/winner pair on the same logical packet.
func (m *Metrics) FrontrunEvent(chainID, srcChannel, srcPort, dstChannel, dstPort, signer, frontrunnedBy, memo, effectedMemo string) {
	m.frontrunCounter.WithLabelValues(chainID, srcChannel, srcPort, dstChannel, dstPort, signer, frontrunnedBy, memo, effectedMemo).Inc()
}

// SetStuckPackets sets the stuck packet gauge for one channel direction.
func (m *Metrics) SetStuckPackets(dstChain, srcChain, srcChannel string, count int64) {
	m.stuckPackets.WithLabelValues(dstChain, srcChain, srcChannel).Set(float64(count))
}

// SetChains sets the number of monitored chains.
func (m *Metrics) SetChains(count int) {
	m.chains.Set(float64(count))
}

// Packet counts one processed IBC packet message.
func (m *Metrics) Packet(chainID string) {
	m.packets.WithLabelValues(chainID).Inc()
}

// Tx counts one processed transaction.
func (m *Metrics) Tx(chainID string) {
	m.txs.WithLabelValues(chainID).Inc()
}

// Reconnect counts one WebSocket reconnection attempt.
func (m *Metrics) Reconnect(chainID string) {
	m.reconnects.WithLabelValues(chainID).Inc()
}

// Timeout counts one WebSocket read timeout.
func (m *Metrics) Timeout(chainID string) {
	m.timeouts.WithLabelValues(chainID).Inc()
}

// Error counts one decode or store error.
func (m *Metrics) Error(chainID string) {
	m.errors.WithLabelValues(chainID).Inc()
}
