package middleware

import (
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// highMemoryMB 超过该值输出告警
const highMemoryMB = 1024

// MemoryStats 内存统计
type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`      // 当前分配的内存 (字节)
	Sys        uint64 `json:"sys"`        // 从系统获取的内存
	NumGC      uint32 `json:"num_gc"`     // GC 次数
	Goroutines int    `json:"goroutines"` // Goroutine 数量
	AllocMB    uint64 `json:"alloc_mb"`
}

// ReadMemoryStats 读取当前进程内存统计
func ReadMemoryStats() MemoryStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return MemoryStats{
		Alloc:      ms.Alloc,
		Sys:        ms.Sys,
		NumGC:      ms.NumGC,
		Goroutines: runtime.NumGoroutine(),
		AllocMB:    ms.Alloc / 1024 / 1024,
	}
}

// MemoryMonitor 定期采样内存并推送到 Prometheus
// 录屏文件和 dropbox 压缩包都会在内存里过一遍，长时间跑批时需要盯着
type MemoryMonitor struct {
	logger   *logrus.Logger
	metrics  *PrometheusMetrics
	interval time.Duration

	mu       sync.RWMutex
	stats    MemoryStats
	stopOnce sync.Once
	stopChan chan struct{}
}

// NewMemoryMonitor 创建内存监控器，metrics 可为 nil
func NewMemoryMonitor(logger *logrus.Logger, metrics *PrometheusMetrics, interval time.Duration) *MemoryMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &MemoryMonitor{
		logger:   logger,
		metrics:  metrics,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start 启动监控
func (m *MemoryMonitor) Start() {
	m.sample()
	go m.loop()
}

// Stop 停止监控，可重复调用
func (m *MemoryMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
}

func (m *MemoryMonitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *MemoryMonitor) sample() {
	stats := ReadMemoryStats()

	m.mu.Lock()
	m.stats = stats
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.UpdateMemoryStats(stats)
	}

	if stats.AllocMB > highMemoryMB {
		m.logger.WithFields(logrus.Fields{
			"alloc_mb":   stats.AllocMB,
			"goroutines": stats.Goroutines,
		}).Warn("High memory usage detected")
	}
}

// Stats 最近一次采样
func (m *MemoryMonitor) Stats() MemoryStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// StatsEndpoint 以 JSON 返回最近一次采样
func (m *MemoryMonitor) StatsEndpoint() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, gin.H{"memory": m.Stats()})
	}
}
