package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "superpost_mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "queue"},
	)

	// 数据库查询延迟（秒）
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "superpost_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation", "table"},
	)

	SlowQueryCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "superpost_db_slow_queries_total",
			Help: "Total number of queries slower than the slow-query threshold",
		},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "superpost_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path", "status"},
	)

	WorkflowTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "superpost_workflow_transitions_total",
			Help: "State transitions taken by workflow executions",
		},
		[]string{"workflow", "from", "to"},
	)

	WorkflowExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "superpost_workflow_executions_total",
			Help: "Workflow executions by final result",
		},
		[]string{"workflow", "result"}, // result: done, failed, stopped
	)

	WorkflowStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "superpost_workflow_step_duration_seconds",
			Help:    "Time spent inside one workflow state, retries included",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"workflow", "state"},
	)

	RouterDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "superpost_router_deliveries_total",
			Help: "Event deliveries to rule targets by result",
		},
		[]string{"bus", "rule", "result"}, // result: ok, retry, dead_letter
	)

	RouterPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "superpost_router_published_total",
			Help: "Events published on a bus",
		},
		[]string{"bus", "detail_type"},
	)

	MailboxWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "superpost_mailbox_writes_total",
			Help: "Idempotent mailbox writes by outcome",
		},
		[]string{"region", "result"}, // result: applied, skipped, error
	)

	ReplicationLag = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "superpost_replication_lag_seconds",
			Help:    "Delay between a local mailbox write and its application in the peer region",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"from", "to"},
	)

	ScoreboardIncrements = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "superpost_scoreboard_increments_total",
			Help: "Scoreboard counter increments applied",
		},
		[]string{"counter"},
	)
)

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// RecordDBQueryDuration 记录数据库查询延迟
func RecordDBQueryDuration(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// IncrementSlowQuery 记录慢查询
func IncrementSlowQuery(sql string, duration time.Duration) {
	SlowQueryCount.Inc()
	DBQueryDuration.WithLabelValues("slow", "unknown").Observe(duration.Seconds())
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

func RecordTransition(workflow, from, to string) {
	WorkflowTransitions.WithLabelValues(workflow, from, to).Inc()
}

func RecordExecution(workflow, result string) {
	WorkflowExecutions.WithLabelValues(workflow, result).Inc()
}

func RecordStepDuration(workflow, state string, duration time.Duration) {
	WorkflowStepDuration.WithLabelValues(workflow, state).Observe(duration.Seconds())
}

func RecordDelivery(bus, rule, result string) {
	RouterDeliveries.WithLabelValues(bus, rule, result).Inc()
}

func RecordPublished(bus, detailType string) {
	RouterPublished.WithLabelValues(bus, detailType).Inc()
}

func RecordMailboxWrite(region, result string) {
	MailboxWrites.WithLabelValues(region, result).Inc()
}

func RecordReplicationLag(from, to string, lag time.Duration) {
	ReplicationLag.WithLabelValues(from, to).Observe(lag.Seconds())
}

func IncrementScoreboard(counter string) {
	ScoreboardIncrements.WithLabelValues(counter).Inc()
}
