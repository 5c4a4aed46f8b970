// =============================================================================
// METRICS - PROMETHEUS FAMILIES FOR THE WHOLE BROKER
// =============================================================================
//
// One registry owns every family, grouped by subsystem:
//
//	relaymq_broker_*    produce/fetch flow, record and byte counters
//	relaymq_storage_*   partition size and high watermark
//	relaymq_groups_*    membership, generations, commits
//	relaymq_delivery_*  attempts, retries, dead letters
//	relaymq_cluster_*   ISR size and follower lag
//
// Naming follows {namespace}_{subsystem}_{name}_{unit}. Labels stay on
// bounded dimensions (topic, group, ack level) - never record keys, offsets,
// or member IDs.
//
// =============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relaymq"

// Registry bundles every metric family with its prometheus registry. Tests
// create their own; the daemon creates exactly one.
type Registry struct {
	reg *prometheus.Registry

	// Broker: message flow.
	RecordsProduced *prometheus.CounterVec // topic
	RecordsFetched  *prometheus.CounterVec // topic, group
	BytesProduced   *prometheus.CounterVec // topic
	BytesFetched    *prometheus.CounterVec // topic, group
	ProduceErrors   *prometheus.CounterVec // topic, code
	ProduceLatency  *prometheus.HistogramVec
	FetchLatency    *prometheus.HistogramVec

	// Storage: per-partition log state.
	PartitionSize  *prometheus.GaugeVec // topic, partition
	HighWatermark  *prometheus.GaugeVec // topic, partition
	LogEndOffset   *prometheus.GaugeVec // topic, partition
	SegmentsPruned *prometheus.CounterVec

	// Groups: coordination.
	GroupMembers    *prometheus.GaugeVec // group
	GroupGeneration *prometheus.GaugeVec // group
	Rebalances      *prometheus.CounterVec
	OffsetCommits   *prometheus.CounterVec // group, topic

	// Delivery: retry engine.
	DeliveryAttempts *prometheus.CounterVec // topic, group
	DeliveryNacks    *prometheus.CounterVec // topic, group
	DeadLetters      *prometheus.CounterVec // topic, group
	InflightRecords  *prometheus.GaugeVec   // topic, group

	// Cluster: replication.
	ISRSize     *prometheus.GaugeVec // topic, partition
	FollowerLag *prometheus.GaugeVec // topic, partition, replica
}

// New builds a registry with all families registered, plus the standard Go
// and process collectors.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	latencyBuckets := []float64{
		.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5,
	}

	m := &Registry{reg: reg}

	m.RecordsProduced = m.counterVec("broker", "records_produced_total",
		"Records appended to partition logs.", "topic")
	m.RecordsFetched = m.counterVec("broker", "records_fetched_total",
		"Records handed to consumers.", "topic", "group")
	m.BytesProduced = m.counterVec("broker", "bytes_produced_total",
		"Payload bytes appended.", "topic")
	m.BytesFetched = m.counterVec("broker", "bytes_fetched_total",
		"Payload bytes handed to consumers.", "topic", "group")
	m.ProduceErrors = m.counterVec("broker", "produce_errors_total",
		"Produce requests rejected, by error code.", "topic", "code")
	m.ProduceLatency = m.histogramVec("broker", "produce_latency_seconds",
		"Produce round trip including the configured ack wait.", latencyBuckets, "topic", "ack")
	m.FetchLatency = m.histogramVec("broker", "fetch_latency_seconds",
		"Fetch service time, long-poll wait excluded.", latencyBuckets, "topic")

	m.PartitionSize = m.gaugeVec("storage", "partition_bytes",
		"On-disk size of the partition log.", "topic", "partition")
	m.HighWatermark = m.gaugeVec("storage", "high_watermark",
		"First uncommitted offset.", "topic", "partition")
	m.LogEndOffset = m.gaugeVec("storage", "log_end_offset",
		"Next offset to be assigned.", "topic", "partition")
	m.SegmentsPruned = m.counterVec("storage", "segments_pruned_total",
		"Segments removed by retention.", "topic")

	m.GroupMembers = m.gaugeVec("groups", "members",
		"Live members per consumer group.", "group")
	m.GroupGeneration = m.gaugeVec("groups", "generation",
		"Current group generation.", "group")
	m.Rebalances = m.counterVec("groups", "rebalances_total",
		"Rebalances triggered.", "group")
	m.OffsetCommits = m.counterVec("groups", "offset_commits_total",
		"Accepted offset commits.", "group", "topic")

	m.DeliveryAttempts = m.counterVec("delivery", "attempts_total",
		"Delivery attempts including redeliveries.", "topic", "group")
	m.DeliveryNacks = m.counterVec("delivery", "nacks_total",
		"Negative acknowledgements and visibility expiries.", "topic", "group")
	m.DeadLetters = m.counterVec("delivery", "dead_letters_total",
		"Records routed to a dead-letter topic.", "topic", "group")
	m.InflightRecords = m.gaugeVec("delivery", "inflight",
		"Records delivered and not yet acked.", "topic", "group")

	m.ISRSize = m.gaugeVec("cluster", "isr_size",
		"In-sync replica count, leader included.", "topic", "partition")
	m.FollowerLag = m.gaugeVec("cluster", "follower_lag_records",
		"Records between the leader's log end and a follower's.", "topic", "partition", "replica")

	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (m *Registry) Gatherer() prometheus.Gatherer { return m.reg }

func (m *Registry) counterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	v := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
	m.reg.MustRegister(v)
	return v
}

func (m *Registry) gaugeVec(subsystem, name, help string, labels ...string) *prometheus.GaugeVec {
	v := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
	m.reg.MustRegister(v)
	return v
}

func (m *Registry) histogramVec(subsystem, name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	v := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		Buckets: buckets,
	}, labels)
	m.reg.MustRegister(v)
	return v
}
