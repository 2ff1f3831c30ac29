package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/apk-analysis/app-compat-harness/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const writeTimeout = 5 * time.Second

// RunEvent 运行状态变化事件
type RunEvent struct {
	RunID       string             `json:"run_id"`
	PackageName string             `json:"package_name"`
	Kind        domain.TestKind    `json:"kind"`
	Status      domain.RunStatus   `json:"status"`
	FailureType domain.FailureType `json:"failure_type,omitempty"`
	CrashCount  int                `json:"crash_count"`
	Timestamp   int64              `json:"timestamp"`
}

type eventClient struct {
	conn  *websocket.Conn
	runID string // 为空表示接收全部运行
}

// RunEventHub 通过 WebSocket 推送运行状态
type RunEventHub struct {
	logger   *logrus.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*eventClient]struct{}
	events  chan RunEvent
}

// NewRunEventHub 创建事件中心
func NewRunEventHub(logger *logrus.Logger) *RunEventHub {
	return &RunEventHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*eventClient]struct{}),
		events:  make(chan RunEvent, 100),
	}
}

// Start 启动广播协程
func (h *RunEventHub) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				h.closeAll()
				return
			case ev := <-h.events:
				h.dispatch(ev)
			}
		}
	}()
}

func (h *RunEventHub) dispatch(ev RunEvent) {
	h.mu.RLock()
	var failed []*eventClient
	for c := range h.clients {
		if c.runID != "" && c.runID != ev.RunID {
			continue
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(ev); err != nil {
			h.logger.WithError(err).Warn("Failed to write to WebSocket client")
			failed = append(failed, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range failed {
		h.remove(c)
	}
}

// BroadcastRun 推送运行状态，队列满时丢弃
func (h *RunEventHub) BroadcastRun(run *domain.TestRun) {
	ev := RunEvent{
		RunID:       run.ID,
		PackageName: run.PackageName,
		Kind:        run.Kind,
		Status:      run.Status,
		FailureType: run.FailureType,
		CrashCount:  run.CrashCount,
		Timestamp:   time.Now().Unix(),
	}

	select {
	case h.events <- ev:
	default:
		h.logger.WithField("run_id", run.ID).Warn("Event channel is full, dropping run event")
	}
}

// HandleWebSocket GET /ws/runs?run_id=xxx
func (h *RunEventHub) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade to WebSocket")
		return
	}

	client := &eventClient{conn: conn, runID: c.Query("run_id")}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	h.logger.WithField("run_id", client.runID).Info("WebSocket client connected")

	// 只读取控制帧，客户端关闭时退出
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithError(err).Warn("WebSocket error")
			}
			break
		}
	}

	h.remove(client)
	h.logger.WithField("run_id", client.runID).Info("WebSocket client disconnected")
}

// ClientCount 当前连接数
func (h *RunEventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *RunEventHub) remove(c *eventClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.conn.Close()
	}
	h.mu.Unlock()
}

func (h *RunEventHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close()
		delete(h.clients, c)
	}
}
