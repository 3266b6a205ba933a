package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the replica. Replicas in the same process share
// one registry; every metric carries a replica label.
var (
	clientConnections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_client_connections_total",
		Help: "Total client connections accepted",
	}, []string{"replica"})

	clientConnectionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chat_client_connections_active",
		Help: "Currently open client connections",
	}, []string{"replica"})

	commandsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_commands_total",
		Help: "Client commands processed, by command and outcome",
	}, []string{"replica", "command", "outcome"})

	messagesQueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_queued_total",
		Help: "Messages appended to an unread queue",
	}, []string{"replica"})

	messagesLive = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_live_total",
		Help: "Messages pushed to a live-delivery queue",
	}, []string{"replica"})

	subscriptionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chat_subscriptions_active",
		Help: "Live-delivery subscriptions currently installed",
	}, []string{"replica"})

	updatesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_replication_updates_sent_total",
		Help: "Update records dispatched to peers",
	}, []string{"replica"})

	updatesApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_replication_updates_applied_total",
		Help: "Inbound update records applied",
	}, []string{"replica"})

	updatesDuplicate = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_replication_updates_duplicate_total",
		Help: "Inbound update records discarded as already processed",
	}, []string{"replica"})

	peersConnected = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chat_peers_connected",
		Help: "Peer replicas currently connected",
	}, []string{"replica"})

	leaderElections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_leader_elections_total",
		Help: "Leader re-elections performed",
	}, []string{"replica"})

	snapshotTransfers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_snapshot_transfers_total",
		Help: "Full state snapshots installed from the leader",
	}, []string{"replica"})
)

func init() {
	prometheus.MustRegister(
		clientConnections,
		clientConnectionsActive,
		commandsProcessed,
		messagesQueued,
		messagesLive,
		subscriptionsActive,
		updatesSent,
		updatesApplied,
		updatesDuplicate,
		peersConnected,
		leaderElections,
		snapshotTransfers,
	)
}

// Metrics is one replica's handle on the shared registry.
type Metrics struct {
	replica string
}

// NewMetrics returns the metrics handle for a replica id.
func NewMetrics(replicaID string) *Metrics {
	return &Metrics{replica: replicaID}
}

func (m *Metrics) ClientConnected() {
	clientConnections.WithLabelValues(m.replica).Inc()
	clientConnectionsActive.WithLabelValues(m.replica).Inc()
}

func (m *Metrics) ClientDisconnected() {
	clientConnectionsActive.WithLabelValues(m.replica).Dec()
}

func (m *Metrics) CommandProcessed(command, outcome string) {
	commandsProcessed.WithLabelValues(m.replica, command, outcome).Inc()
}

func (m *Metrics) MessageQueued() {
	messagesQueued.WithLabelValues(m.replica).Inc()
}

func (m *Metrics) MessageLiveDelivered() {
	messagesLive.WithLabelValues(m.replica).Inc()
}

func (m *Metrics) SubscriptionsActive(n int) {
	subscriptionsActive.WithLabelValues(m.replica).Set(float64(n))
}

func (m *Metrics) UpdateSent() {
	updatesSent.WithLabelValues(m.replica).Inc()
}

func (m *Metrics) UpdateApplied() {
	updatesApplied.WithLabelValues(m.replica).Inc()
}

func (m *Metrics) UpdateDuplicate() {
	updatesDuplicate.WithLabelValues(m.replica).Inc()
}

func (m *Metrics) PeersConnected(n int) {
	peersConnected.WithLabelValues(m.replica).Set(float64(n))
}

func (m *Metrics) LeaderElected() {
	leaderElections.WithLabelValues(m.replica).Inc()
}

func (m *Metrics) SnapshotInstalled() {
	snapshotTransfers.WithLabelValues(m.replica).Inc()
}

// HandleMetrics serves the Prometheus scrape endpoint.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
