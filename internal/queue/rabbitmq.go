package queue

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/apk-analysis/app-compat-harness/internal/config"
	"github.com/apk-analysis/app-compat-harness/internal/retry"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// RabbitMQ 单队列 RabbitMQ 客户端
type RabbitMQ struct {
	cfg       config.RabbitMQConfig
	queueName string
	logger    *logrus.Logger
	onRetry   func(operation string, attempt int)

	mu            sync.RWMutex
	conn          *amqp.Connection
	channel       *amqp.Channel
	closed        bool
	connNotify    chan *amqp.Error
	channelNotify chan *amqp.Error
	reconnect     chan struct{}
}

// Option RabbitMQ 可选项
type Option func(*RabbitMQ)

// WithRetryObserver 拨号重试时回调，用于记录指标
func WithRetryObserver(fn func(operation string, attempt int)) Option {
	return func(mq *RabbitMQ) { mq.onRetry = fn }
}

// Dial 连接 RabbitMQ 并声明持久化队列
// 设备同一时刻只能跑一个测试，prefetch 固定为 1
func Dial(ctx context.Context, cfg config.RabbitMQConfig, queueName string, logger *logrus.Logger, opts ...Option) (*RabbitMQ, error) {
	mq := &RabbitMQ{
		cfg:       cfg,
		queueName: queueName,
		logger:    logger,
		reconnect: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(mq)
	}

	if err := mq.connectWithRetry(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return mq, nil
}

// URL 连接地址
func URL(cfg config.RabbitMQConfig) string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:   "/" + cfg.VHost,
	}
	if cfg.VHost == "/" {
		u.Path = "/"
	}
	return u.String()
}

func (mq *RabbitMQ) connectWithRetry(ctx context.Context) error {
	rc := retry.DefaultConfig("rabbitmq dial "+mq.queueName, mq.logger)
	rc.MaxAttempts = 5
	rc.OnRetry = mq.onRetry
	return retry.Do(ctx, rc, func(ctx context.Context) error {
		return mq.connect()
	})
}

func (mq *RabbitMQ) connect() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	conn, err := amqp.DialConfig(URL(mq.cfg), amqp.Config{
		Heartbeat: time.Duration(mq.cfg.Heartbeat) * time.Second,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	if _, err := ch.QueueDeclare(mq.queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue %s: %w", mq.queueName, err)
	}

	mq.conn = conn
	mq.channel = ch
	mq.connNotify = conn.NotifyClose(make(chan *amqp.Error, 1))
	mq.channelNotify = ch.NotifyClose(make(chan *amqp.Error, 1))

	mq.logger.WithFields(logrus.Fields{
		"host":  mq.cfg.Host,
		"port":  mq.cfg.Port,
		"queue": mq.queueName,
	}).Info("Connected to RabbitMQ")
	return nil
}

// WatchConnection 连接或 channel 意外关闭时发出重连信号
func (mq *RabbitMQ) WatchConnection() {
	go func() {
		for {
			mq.mu.RLock()
			if mq.closed {
				mq.mu.RUnlock()
				return
			}
			connNotify, channelNotify := mq.connNotify, mq.channelNotify
			mq.mu.RUnlock()

			var err *amqp.Error
			select {
			case err = <-connNotify:
			case err = <-channelNotify:
			}

			if mq.isClosed() {
				return
			}
			mq.logger.WithField("queue", mq.queueName).WithError(err).Error("RabbitMQ connection lost")

			select {
			case mq.reconnect <- struct{}{}:
			default:
			}

			// 等待重连完成后监听新的连接
			mq.waitReconnected()
		}
	}()
}

func (mq *RabbitMQ) waitReconnected() {
	for !mq.isClosed() && !mq.IsConnected() {
		time.Sleep(time.Second)
	}
}

// Reconnect 关闭旧连接后重新拨号
func (mq *RabbitMQ) Reconnect(ctx context.Context) error {
	mq.closeConnections()
	if err := mq.connectWithRetry(ctx); err != nil {
		return err
	}
	mq.logger.WithField("queue", mq.queueName).Info("Reconnected to RabbitMQ")
	return nil
}

func (mq *RabbitMQ) scheduleReconnect(after time.Duration) {
	time.AfterFunc(after, func() {
		select {
		case mq.reconnect <- struct{}{}:
		default:
		}
	})
}

// ReconnectChan 重连信号
func (mq *RabbitMQ) ReconnectChan() <-chan struct{} {
	return mq.reconnect
}

func (mq *RabbitMQ) closeConnections() {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.channel != nil {
		mq.channel.Close()
		mq.channel = nil
	}
	if mq.conn != nil {
		mq.conn.Close()
		mq.conn = nil
	}
}

func (mq *RabbitMQ) currentChannel() (*amqp.Channel, error) {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	if mq.channel == nil {
		return nil, fmt.Errorf("channel for %s is not open", mq.queueName)
	}
	return mq.channel, nil
}

// Publish 发布持久化 JSON 消息
func (mq *RabbitMQ) Publish(ctx context.Context, body []byte) error {
	ch, err := mq.currentChannel()
	if err != nil {
		return err
	}

	return ch.PublishWithContext(ctx, "", mq.queueName, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    time.Now(),
	})
}

// Consume 手动确认模式消费
func (mq *RabbitMQ) Consume() (<-chan amqp.Delivery, error) {
	ch, err := mq.currentChannel()
	if err != nil {
		return nil, err
	}

	msgs, err := ch.Consume(mq.queueName, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", mq.queueName, err)
	}
	return msgs, nil
}

// QueueSize 队列中待消费的消息数
func (mq *RabbitMQ) QueueSize() (int, error) {
	ch, err := mq.currentChannel()
	if err != nil {
		return 0, err
	}
	q, err := ch.QueueInspect(mq.queueName)
	if err != nil {
		return 0, err
	}
	return q.Messages, nil
}

// IsConnected 连接是否可用
func (mq *RabbitMQ) IsConnected() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.conn != nil && !mq.conn.IsClosed()
}

func (mq *RabbitMQ) isClosed() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.closed
}

// Close 关闭连接
func (mq *RabbitMQ) Close() error {
	mq.mu.Lock()
	mq.closed = true
	mq.mu.Unlock()

	mq.closeConnections()
	mq.logger.WithField("queue", mq.queueName).Info("RabbitMQ connection closed")
	return nil
}
