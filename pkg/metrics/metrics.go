// Package metrics 注册服务的 Prometheus 指标。
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobAttempts 统计作业步骤的执行次数。
	JobAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "study_lifecycle",
		Name:      "job_attempts_total",
		Help:      "Job step attempts by kind and outcome.",
	}, []string{"kind", "outcome"})

	// JobDuration 记录作业步骤耗时。
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "study_lifecycle",
		Name:      "job_duration_seconds",
		Help:      "Job step duration by kind.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"kind"})

	PipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "study_lifecycle",
		Name:      "pipeline_runs_total",
		Help:      "Pipeline runs by pipeline and outcome.",
	}, []string{"pipeline", "outcome"})

	MaintenanceActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "study_lifecycle",
		Name:      "maintenance_actions_total",
		Help:      "Folder maintenance actions by type and outcome.",
	}, []string{"action", "outcome"})

	LedgerConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "study_lifecycle",
		Name:      "ledger_conflicts_total",
		Help:      "Rejected task ledger acquisitions by task name.",
	}, []string{"task"})

	// HTTPRequests 统计 HTTP 请求数。
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "study_lifecycle",
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route and status class.",
	}, []string{"method", "route", "status"})
)

// StatusClass 把状态码折叠为 "2xx" 这样的标签。
func StatusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}

// Outcome 将错误转换为指标标签。
func Outcome(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
