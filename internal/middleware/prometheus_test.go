package middleware

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/apk-analysis/app-compat-harness/internal/domain"
	"github.com/apk-analysis/app-compat-harness/internal/screenrecord"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

// setupTestMetrics 创建测试用的 Prometheus 指标收集器
func setupTestMetrics(t *testing.T) *PrometheusMetrics {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	// 使用唯一的 namespace 避免重复注册
	namespace := "test_" + strings.ReplaceAll(t.Name(), "/", "_") + "_" + time.Now().Format("20060102150405999999999")
	return NewPrometheusMetrics(logger, namespace)
}

// TestHTTPMiddleware 测试 HTTP 中间件
func TestHTTPMiddleware(t *testing.T) {
	pm := setupTestMetrics(t)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(pm.HTTPMiddleware())
	router.GET("/api/runs/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
	})

	for _, path := range []string{"/api/runs/a", "/api/runs/b", "/nope"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, float64(2), testutil.ToFloat64(pm.httpRequestsTotal.WithLabelValues("GET", "/api/runs/:id", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(pm.httpRequestsTotal.WithLabelValues("GET", "unmatched", "404")))
}

// TestRecordRunMetrics 测试运行指标
func TestRecordRunMetrics(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordRunStarted()
	pm.RecordRunStarted()
	assert.Equal(t, float64(2), testutil.ToFloat64(pm.runsInProgress))

	pm.RecordRunFinished("launch", "failed", 3, 40*time.Second)
	pm.RecordRunFinished("crawl", "passed", 0, 10*time.Minute)

	assert.Equal(t, float64(0), testutil.ToFloat64(pm.runsInProgress))
	assert.Equal(t, float64(1), testutil.ToFloat64(pm.runsTotal.WithLabelValues("launch", "failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(pm.runsTotal.WithLabelValues("crawl", "passed")))
	assert.Equal(t, float64(3), testutil.ToFloat64(pm.crashEntries.WithLabelValues("launch")))
	assert.Equal(t, 2, testutil.CollectAndCount(pm.runDuration))
	// 无崩溃时不产生 crawl 的崩溃序列
	assert.Equal(t, 1, testutil.CollectAndCount(pm.crashEntries))
}

// TestObserveStrategy 测试 dropbox 策略指标
func TestObserveStrategy(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.ObserveStrategy("proto", errors.New("parse error"), time.Second)
	pm.ObserveStrategy("pull", nil, 2*time.Second)
	pm.ObserveStrategy("proto", domain.ErrDeviceUnavailable, time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(pm.strategyAttempts.WithLabelValues("proto", "failure")))
	assert.Equal(t, float64(1), testutil.ToFloat64(pm.strategyAttempts.WithLabelValues("proto", "device_unavailable")))
	assert.Equal(t, float64(1), testutil.ToFloat64(pm.strategyAttempts.WithLabelValues("pull", "success")))
	assert.Equal(t, 2, testutil.CollectAndCount(pm.strategyDuration))
}

// TestObserveRecordingState 测试录屏状态指标
func TestObserveRecordingState(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.ObserveRecordingState(screenrecord.StateRunning)
	pm.ObserveRecordingState(screenrecord.StateRunning)
	pm.ObserveRecordingState(screenrecord.StateDone)

	assert.Equal(t, float64(2), testutil.ToFloat64(pm.recordingStates.WithLabelValues(screenrecord.StateRunning.String())))
	assert.Equal(t, float64(1), testutil.ToFloat64(pm.recordingStates.WithLabelValues(screenrecord.StateDone.String())))
}

// TestUpdateMemoryStats 测试内存统计更新
func TestUpdateMemoryStats(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.UpdateMemoryStats(MemoryStats{
		Alloc:      100 * 1024 * 1024,
		NumGC:      10,
		Goroutines: 50,
	})

	assert.Equal(t, float64(100*1024*1024), testutil.ToFloat64(pm.memoryUsage))
	assert.Equal(t, float64(50), testutil.ToFloat64(pm.goroutinesCount))
	assert.Equal(t, float64(10), testutil.ToFloat64(pm.gcCount))
}

// TestUpdateWorkerPoolStats 测试 Worker Pool 统计
func TestUpdateWorkerPoolStats(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.UpdateWorkerPoolStats(1, 7)

	assert.Equal(t, float64(1), testutil.ToFloat64(pm.workerPoolActive))
	assert.Equal(t, float64(7), testutil.ToFloat64(pm.workerPoolQueueSize))
}

// TestRecordRetryAttempt 测试重试指标
func TestRecordRetryAttempt(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordRetryAttempt("adb connect", 1)
	pm.RecordRetryAttempt("adb connect", 2)
	pm.RecordRetryAttempt("adb connect", 1)

	assert.Equal(t, float64(2), testutil.ToFloat64(pm.retryAttemptsTotal.WithLabelValues("adb connect", "1")))
	assert.Equal(t, 2, testutil.CollectAndCount(pm.retryAttemptsTotal))
}

// TestPrometheusHandler 测试 /metrics 输出
func TestPrometheusHandler(t *testing.T) {
	pm := setupTestMetrics(t)
	pm.RecordRunStarted()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/metrics", pm.Handler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "# TYPE")
	assert.Contains(t, w.Body.String(), "test_runs_in_progress")
}

// TestMemoryMonitor 测试内存监控推送指标
func TestMemoryMonitor(t *testing.T) {
	pm := setupTestMetrics(t)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	m := NewMemoryMonitor(logger, pm, time.Hour)
	m.Start()
	defer m.Stop()

	stats := m.Stats()
	assert.Greater(t, stats.Alloc, uint64(0))
	assert.Greater(t, stats.Goroutines, 0)
	assert.Greater(t, testutil.ToFloat64(pm.memoryUsage), float64(0))
}

// TestTokenAuth 测试 token 校验
func TestTokenAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"未配置 token", "", "", http.StatusOK},
		{"缺少 header", "secret-token", "", http.StatusUnauthorized},
		{"非 Bearer", "secret-token", "Basic abc", http.StatusUnauthorized},
		{"token 错误", "secret-token", "Bearer wrong", http.StatusUnauthorized},
		{"token 正确", "secret-token", "Bearer secret-token", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := gin.New()
			router.POST("/runs", TokenAuth(tt.token), func(c *gin.Context) {
				c.Status(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodPost, "/runs", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
		})
	}
}
