package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// API 指标
var (
	// APIRequestsTotal API 请求总数
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "makerchecker_api_requests_total",
			Help: "API 请求总数",
		},
		[]string{"method", "path", "status"},
	)

	// APIRequestDuration API 请求延迟（秒）
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "makerchecker_api_request_duration_seconds",
			Help:    "API 请求延迟分布",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// APIResponseSize API 响应体大小（字节）
	APIResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "makerchecker_api_response_size_bytes",
			Help:    "API 响应体大小分布",
			Buckets: []float64{100, 1000, 10000, 100000, 1000000},
		},
		[]string{"method", "path"},
	)
)

// 审批指标
var (
	// ApprovalPendingGauge 当前未终结的审批请求数（NOT_TREATED + PENDING）
	ApprovalPendingGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "makerchecker_approval_pending_total",
			Help: "当前待审批数量",
		},
		[]string{"module"},
	)

	// ApprovalSubmissionsTotal 制单提交次数
	ApprovalSubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "makerchecker_approval_submissions_total",
			Help: "审批提交次数",
		},
		[]string{"module", "flow_type"},
	)

	// ApprovalDecisionsTotal 复核决策次数
	ApprovalDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "makerchecker_approval_decisions_total",
			Help: "审批决策次数",
		},
		[]string{"module", "decision", "result"},
	)

	// ApprovalExecutionsTotal 审批通过后变更执行次数
	ApprovalExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "makerchecker_approval_executions_total",
			Help: "审批变更执行次数",
		},
		[]string{"operation", "status"},
	)

	// RuleResolutionsTotal 规则解析次数
	RuleResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "makerchecker_rule_resolutions_total",
			Help: "审批规则解析次数",
		},
		[]string{"module", "result"},
	)

	// OperationDispatchTotal 操作调度次数
	OperationDispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "makerchecker_operation_dispatch_total",
			Help: "操作调度次数",
		},
		[]string{"key", "result"},
	)
)

// 队列指标
var (
	// QueueTasksTotal 后台任务处理次数
	QueueTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "makerchecker_queue_tasks_total",
			Help: "后台任务处理次数",
		},
		[]string{"task_type", "status"},
	)
)
