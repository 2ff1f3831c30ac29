package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/apk-analysis/app-compat-harness/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const reconnectBackoff = 10 * time.Second

// RequestHandler 处理一条测试请求，返回后消息才会被确认
type RequestHandler func(ctx context.Context, msg *TestRequestMessage) error

// Consumer 测试请求消费者
// 只有一台设备，消息逐条处理
type Consumer struct {
	mq      *RabbitMQ
	handler RequestHandler
	logger  *logrus.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewConsumer 创建消费者
func NewConsumer(mq *RabbitMQ, handler RequestHandler, logger *logrus.Logger) *Consumer {
	return &Consumer{mq: mq, handler: handler, logger: logger}
}

// Start 开始消费并在连接断开后自动重连
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.startLoop(ctx); err != nil {
		return err
	}
	c.mq.WatchConnection()
	go c.handleReconnect(ctx)
	return nil
}

func (c *Consumer) startLoop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	msgs, err := c.mq.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.wg.Add(1)
	go c.loop(loopCtx, msgs)

	c.logger.WithField("queue", c.mq.queueName).Info("Consumer started")
	return nil
}

func (c *Consumer) loop(ctx context.Context, msgs <-chan amqp.Delivery) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				c.logger.Warn("Delivery channel closed")
				return
			}
			c.processDelivery(ctx, d)
		}
	}
}

// processDelivery 处理单条消息
// 格式错误直接丢弃；设备不可达时首次投递重新入队，其他失败丢弃
func (c *Consumer) processDelivery(ctx context.Context, d amqp.Delivery) {
	start := time.Now()

	var msg TestRequestMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		c.logger.WithError(err).Error("Failed to unmarshal test request")
		d.Nack(false, false)
		return
	}
	if err := msg.Normalize(); err != nil {
		c.logger.WithError(err).Error("Invalid test request")
		d.Nack(false, false)
		return
	}

	log := c.logger.WithFields(logrus.Fields{
		"package": msg.PackageName,
		"kind":    msg.Kind,
	})
	log.Info("Processing test request")

	if err := c.handler(ctx, &msg); err != nil {
		requeue := domain.IsDeviceUnavailable(err) && !d.Redelivered
		log.WithError(err).WithField("requeue", requeue).Error("Test request failed")
		d.Nack(false, requeue)
		return
	}

	if err := d.Ack(false); err != nil {
		log.WithError(err).Error("Failed to acknowledge message")
	}
	log.WithField("duration", time.Since(start).Seconds()).Info("Test request completed")
}

func (c *Consumer) handleReconnect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.mq.ReconnectChan():
			c.logger.Warn("Connection lost, restarting consumer")
			c.stopLoop()

			if err := c.mq.Reconnect(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to reconnect, will retry")
				c.mq.scheduleReconnect(reconnectBackoff)
				continue
			}
			if err := c.startLoop(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to restart consumer")
			}
		}
	}
}

func (c *Consumer) stopLoop() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.running = false
	c.mu.Unlock()
	c.wg.Wait()
}

// Stop 停止消费，等待当前消息处理完
func (c *Consumer) Stop() {
	c.stopLoop()
	c.logger.Info("Consumer stopped")
}

// IsRunning 是否在消费
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
