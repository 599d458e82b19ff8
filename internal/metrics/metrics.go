package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the chain registry
type Metrics struct {
	// Registry metrics
	ChainsActive      prometheus.Gauge
	DiffCycles        prometheus.Counter
	ChainSetups       *prometheus.CounterVec
	ChainTeardowns    *prometheus.CounterVec
	DiffCycleDuration prometheus.Histogram

	// Connection metrics
	NodeSwitches      *prometheus.CounterVec
	RPCRequestsTotal  *prometheus.CounterVec
	RPCRequestsFailed *prometheus.CounterVec
	RPCLatency        *prometheus.HistogramVec
	HealthyNodes      *prometheus.GaugeVec

	// Runtime metrics
	RuntimeConstructions *prometheus.CounterVec
	RuntimeBuildTime     prometheus.Histogram
	SyncResults          *prometheus.CounterVec
	CacheMisses          *prometheus.CounterVec
	RemoteFetches        *prometheus.CounterVec

	// Notification metrics
	SyncNotifications *prometheus.CounterVec

	StartTime prometheus.Gauge
}

var (
	metrics     *Metrics
	metricsOnce sync.Once
)

// GetMetrics returns the singleton Metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return metrics
}

// NewMetrics registers a fresh metric set on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ChainsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "chain_registry_chains_active",
			Help: "Number of chains in the last published chain list",
		}),
		DiffCycles: f.NewCounter(prometheus.CounterOpts{
			Name: "chain_registry_diff_cycles_total",
			Help: "Total number of completed diff cycles",
		}),
		ChainSetups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chain_registry_chain_setups_total",
			Help: "Per-chain setup attempts by result",
		}, []string{"result"}),
		ChainTeardowns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chain_registry_chain_teardowns_total",
			Help: "Per-chain teardowns by result",
		}, []string{"result"}),
		DiffCycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chain_registry_diff_cycle_duration_seconds",
			Help:    "Time taken to reconcile one chain list emission",
			Buckets: prometheus.DefBuckets,
		}),

		NodeSwitches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chain_registry_node_switches_total",
			Help: "Node failovers and forced switches by chain and reason",
		}, []string{"chain", "reason"}),
		RPCRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chain_registry_rpc_requests_total",
			Help: "Total number of RPC requests by chain and method",
		}, []string{"chain", "method"}),
		RPCRequestsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chain_registry_rpc_requests_failed_total",
			Help: "Total number of failed RPC requests by chain and method",
		}, []string{"chain", "method"}),
		RPCLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chain_registry_rpc_latency_seconds",
			Help:    "RPC request latency by chain and method",
			Buckets: prometheus.DefBuckets,
		}, []string{"chain", "method"}),
		HealthyNodes: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chain_registry_healthy_nodes",
			Help: "Number of healthy nodes per chain",
		}, []string{"chain"}),

		RuntimeConstructions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chain_registry_runtime_constructions_total",
			Help: "Runtime snapshot constructions by result",
		}, []string{"result"}),
		RuntimeBuildTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chain_registry_runtime_construction_duration_seconds",
			Help:    "Time taken to decode a runtime snapshot",
			Buckets: prometheus.DefBuckets,
		}),
		SyncResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chain_registry_sync_results_total",
			Help: "Sync results emitted by kind (metadata, types, none)",
		}, []string{"kind"}),
		CacheMisses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chain_registry_cache_misses_total",
			Help: "Schema cache misses reported by runtime providers",
		}, []string{"chain"}),
		RemoteFetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chain_registry_remote_fetches_total",
			Help: "Remote downloads (chains, types, metadata) by target and result",
		}, []string{"target", "result"}),

		SyncNotifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chain_registry_sync_notifications_total",
			Help: "Chain sync notifications by kind",
		}, []string{"kind"}),

		StartTime: f.NewGauge(prometheus.GaugeOpts{
			Name: "chain_registry_start_time_seconds",
			Help: "Unix time the process started",
		}),
	}
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// RecordChainSetup records a per-chain setup attempt
func (m *Metrics) RecordChainSetup(success bool) {
	m.ChainSetups.WithLabelValues(result(success)).Inc()
}

// RecordChainTeardown records a per-chain teardown
func (m *Metrics) RecordChainTeardown(success bool) {
	m.ChainTeardowns.WithLabelValues(result(success)).Inc()
}

// RecordDiffCycle records a completed reconciliation cycle
func (m *Metrics) RecordDiffCycle(duration time.Duration, chains int) {
	m.DiffCycles.Inc()
	m.DiffCycleDuration.Observe(duration.Seconds())
	m.ChainsActive.Set(float64(chains))
}

// RecordNodeSwitch records a failover or forced switch
func (m *Metrics) RecordNodeSwitch(chainID, reason string) {
	m.NodeSwitches.WithLabelValues(chainID, reason).Inc()
}

// RecordRPCRequest records an RPC request on a chain connection
func (m *Metrics) RecordRPCRequest(chainID, method string, duration time.Duration, success bool) {
	m.RPCRequestsTotal.WithLabelValues(chainID, method).Inc()
	m.RPCLatency.WithLabelValues(chainID, method).Observe(duration.Seconds())
	if !success {
		m.RPCRequestsFailed.WithLabelValues(chainID, method).Inc()
	}
}

// UpdateHealthyNodes updates the healthy node gauge of a chain
func (m *Metrics) UpdateHealthyNodes(chainID string, count int) {
	m.HealthyNodes.WithLabelValues(chainID).Set(float64(count))
}

// ForgetChain drops per-chain series once a chain is torn down.
func (m *Metrics) ForgetChain(chainID string) {
	m.HealthyNodes.DeleteLabelValues(chainID)
	m.CacheMisses.DeleteLabelValues(chainID)
}

// RecordRuntimeConstruction records a runtime construction outcome
func (m *Metrics) RecordRuntimeConstruction(outcome string, duration time.Duration) {
	m.RuntimeConstructions.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		m.RuntimeBuildTime.Observe(duration.Seconds())
	}
}

// RecordCacheMiss records a schema cache miss for a chain
func (m *Metrics) RecordCacheMiss(chainID string) {
	m.CacheMisses.WithLabelValues(chainID).Inc()
}

// RecordSyncResult records an emitted sync result
func (m *Metrics) RecordSyncResult(metadataChanged, typesChanged bool) {
	switch {
	case metadataChanged && typesChanged:
		m.SyncResults.WithLabelValues("both").Inc()
	case metadataChanged:
		m.SyncResults.WithLabelValues("metadata").Inc()
	case typesChanged:
		m.SyncResults.WithLabelValues("types").Inc()
	default:
		m.SyncResults.WithLabelValues("none").Inc()
	}
}

// RecordRemoteFetch records a remote download
func (m *Metrics) RecordRemoteFetch(target string, success bool) {
	m.RemoteFetches.WithLabelValues(target, result(success)).Inc()
}

// RecordSyncNotification records a notification sent to the UI sink
func (m *Metrics) RecordSyncNotification(success bool) {
	if success {
		m.SyncNotifications.WithLabelValues("success").Inc()
		return
	}
	m.SyncNotifications.WithLabelValues("problem").Inc()
}

// RecordStartTime records the process start time
func (m *Metrics) RecordStartTime() {
	m.StartTime.Set(float64(time.Now().Unix()))
}
