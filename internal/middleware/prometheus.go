package middleware

import (
	"strconv"
	"time"

	"github.com/apk-analysis/app-compat-harness/internal/domain"
	"github.com/apk-analysis/app-compat-harness/internal/screenrecord"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct {
	logger *logrus.Logger

	// HTTP 请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 测试运行指标
	runsTotal      *prometheus.CounterVec
	runsInProgress prometheus.Gauge
	runDuration    *prometheus.HistogramVec
	crashEntries   *prometheus.CounterVec

	// dropbox 提取指标
	strategyAttempts *prometheus.CounterVec
	strategyDuration *prometheus.HistogramVec

	// 录屏指标
	recordingStates *prometheus.CounterVec

	// 系统指标
	memoryUsage     prometheus.Gauge
	goroutinesCount prometheus.Gauge
	gcCount         prometheus.Gauge

	// Worker Pool 指标
	workerPoolActive    prometheus.Gauge
	workerPoolQueueSize prometheus.Gauge

	// 重试指标
	retryAttemptsTotal *prometheus.CounterVec
}

// NewPrometheusMetrics 创建 Prometheus 指标收集器
func NewPrometheusMetrics(logger *logrus.Logger, namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "app_compat_harness"
	}

	pm := &PrometheusMetrics{
		logger: logger,

		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path"},
		),

		runsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "test_runs_total",
				Help:      "Total number of test runs by kind and final status",
			},
			[]string{"kind", "status"}, // status: passed, failed, error
		),
		runsInProgress: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "test_runs_in_progress",
				Help:      "Number of test runs currently executing",
			},
		),
		runDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "test_run_duration_seconds",
				Help:      "Test run duration in seconds",
				Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 1800},
			},
			[]string{"kind"},
		),
		crashEntries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "crash_entries_total",
				Help:      "Total number of dropbox crash entries attributed to tested packages",
			},
			[]string{"kind"},
		),

		strategyAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropbox_strategy_attempts_total",
				Help:      "Dropbox extraction attempts by strategy and result",
			},
			[]string{"strategy", "result"}, // result: success, failure, device_unavailable
		),
		strategyDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dropbox_strategy_duration_seconds",
				Help:      "Dropbox extraction duration by strategy",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 240},
			},
			[]string{"strategy"},
		),

		recordingStates: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "screen_recording_states_total",
				Help:      "Screen recording state transitions",
			},
			[]string{"state"},
		),

		memoryUsage: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		goroutinesCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_count",
				Help:      "Current number of goroutines",
			},
		),
		gcCount: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gc_count",
				Help:      "Number of completed GC cycles",
			},
		),

		workerPoolActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_active",
				Help:      "Number of runs being executed by the pool",
			},
		),
		workerPoolQueueSize: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_queue_size",
				Help:      "Number of runs waiting in queue",
			},
		),

		retryAttemptsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"operation", "attempt"},
		),
	}

	logger.Info("Prometheus metrics initialized")
	return pm
}

// HTTPMiddleware HTTP 请求监控中间件
func (pm *PrometheusMetrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		pm.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		pm.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// Handler 返回 Prometheus HTTP Handler
func (pm *PrometheusMetrics) Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordRunStarted 记录运行开始
func (pm *PrometheusMetrics) RecordRunStarted() {
	pm.runsInProgress.Inc()
}

// RecordRunFinished 记录运行结束
func (pm *PrometheusMetrics) RecordRunFinished(kind, status string, crashCount int, duration time.Duration) {
	pm.runsInProgress.Dec()
	pm.runsTotal.WithLabelValues(kind, status).Inc()
	pm.runDuration.WithLabelValues(kind).Observe(duration.Seconds())
	if crashCount > 0 {
		pm.crashEntries.WithLabelValues(kind).Add(float64(crashCount))
	}
}

// ObserveStrategy 记录一次 dropbox 提取策略尝试
func (pm *PrometheusMetrics) ObserveStrategy(strategy string, err error, elapsed time.Duration) {
	pm.strategyAttempts.WithLabelValues(strategy, strategyResult(err)).Inc()
	pm.strategyDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())
}

// ObserveRecordingState 记录录屏状态变化
func (pm *PrometheusMetrics) ObserveRecordingState(state screenrecord.State) {
	pm.recordingStates.WithLabelValues(state.String()).Inc()
}

// UpdateMemoryStats 更新内存统计
func (pm *PrometheusMetrics) UpdateMemoryStats(stats MemoryStats) {
	pm.memoryUsage.Set(float64(stats.Alloc))
	pm.goroutinesCount.Set(float64(stats.Goroutines))
	pm.gcCount.Set(float64(stats.NumGC))
}

// UpdateWorkerPoolStats 更新 Worker Pool 统计
func (pm *PrometheusMetrics) UpdateWorkerPoolStats(active, queueSize int) {
	pm.workerPoolActive.Set(float64(active))
	pm.workerPoolQueueSize.Set(float64(queueSize))
}

// RecordRetryAttempt 记录重试尝试
func (pm *PrometheusMetrics) RecordRetryAttempt(operation string, attempt int) {
	pm.retryAttemptsTotal.WithLabelValues(operation, strconv.Itoa(attempt)).Inc()
}

func strategyResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case domain.IsDeviceUnavailable(err):
		return "device_unavailable"
	default:
		return "failure"
	}
}
