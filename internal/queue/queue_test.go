package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/apk-analysis/app-compat-harness/internal/config"
	"github.com/apk-analysis/app-compat-harness/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeAck 记录确认结果
type fakeAck struct {
	acked    bool
	nacked   bool
	requeued bool
}

func (a *fakeAck) Ack(tag uint64, multiple bool) error {
	a.acked = true
	return nil
}

func (a *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	a.nacked = true
	a.requeued = requeue
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type fakePublisher struct {
	bodies [][]byte
	err    error
}

func (p *fakePublisher) Publish(ctx context.Context, body []byte) error {
	if p.err != nil {
		return p.err
	}
	p.bodies = append(p.bodies, body)
	return nil
}

func delivery(t *testing.T, ack *fakeAck, body string, redelivered bool) amqp.Delivery {
	t.Helper()
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte(body), Redelivered: redelivered}
}

// TestTestRequestMessage_Normalize 测试请求校验
func TestTestRequestMessage_Normalize(t *testing.T) {
	msg := &TestRequestMessage{PackageName: "  com.example.app \n"}
	require.NoError(t, msg.Normalize())
	assert.Equal(t, "com.example.app", msg.PackageName)
	assert.Equal(t, domain.TestKindLaunch, msg.Kind)

	assert.Error(t, (&TestRequestMessage{}).Normalize())
	assert.Error(t, (&TestRequestMessage{PackageName: "a", Kind: "monkey"}).Normalize())
}

// TestConsumer_ProcessDelivery 测试消息处理和确认
func TestConsumer_ProcessDelivery(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		redelivered bool
		handlerErr  error
		wantCalled  bool
		wantAck     bool
		wantRequeue bool
	}{
		{"成功", `{"package_name":"com.a","kind":"crawl"}`, false, nil, true, true, false},
		{"格式错误", `not json`, false, nil, false, false, false},
		{"缺少包名", `{"kind":"launch"}`, false, nil, false, false, false},
		{"处理失败", `{"package_name":"com.a"}`, false, errors.New("boom"), true, false, false},
		{"设备掉线首次投递", `{"package_name":"com.a"}`, false, fmt.Errorf("wrap: %w", domain.ErrDeviceUnavailable), true, false, true},
		{"设备掉线重复投递", `{"package_name":"com.a"}`, true, domain.ErrDeviceUnavailable, true, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *TestRequestMessage
			c := NewConsumer(nil, func(ctx context.Context, msg *TestRequestMessage) error {
				got = msg
				return tt.handlerErr
			}, quietLogger())

			ack := &fakeAck{}
			c.processDelivery(context.Background(), delivery(t, ack, tt.body, tt.redelivered))

			assert.Equal(t, tt.wantCalled, got != nil)
			assert.Equal(t, tt.wantAck, ack.acked)
			assert.Equal(t, !tt.wantAck, ack.nacked)
			assert.Equal(t, tt.wantRequeue, ack.requeued)
		})
	}
}

// TestProducer_PublishRequest 测试发布请求
func TestProducer_PublishRequest(t *testing.T) {
	pub := &fakePublisher{}
	p := NewProducer(pub, quietLogger())

	require.NoError(t, p.PublishRequest(context.Background(), &TestRequestMessage{PackageName: "com.a"}))
	require.Len(t, pub.bodies, 1)
	assert.JSONEq(t, `{"package_name":"com.a","kind":"launch"}`, string(pub.bodies[0]))

	assert.Error(t, p.PublishRequest(context.Background(), &TestRequestMessage{}))
	assert.Len(t, pub.bodies, 1)
}

// TestProducer_PublishVerdict 测试发布结论
func TestProducer_PublishVerdict(t *testing.T) {
	pub := &fakePublisher{}
	p := NewProducer(pub, quietLogger())

	done := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	run := &domain.TestRun{
		ID:             "run-1",
		PackageName:    "com.a",
		Kind:           domain.TestKindLaunch,
		Status:         domain.RunStatusFailed,
		FailureType:    domain.FailureTypeCrashDetected,
		FailureMessage: "crashed",
		CrashCount:     2,
		CompletedAt:    &done,
	}
	require.NoError(t, p.PublishVerdict(context.Background(), run))

	var msg VerdictMessage
	require.NoError(t, json.Unmarshal(pub.bodies[0], &msg))
	assert.Equal(t, "run-1", msg.RunID)
	assert.False(t, msg.Passed)
	assert.Equal(t, "warning", msg.Severity)
	assert.Equal(t, 2, msg.CrashCount)
	assert.True(t, done.Equal(*msg.CompletedAt))

	pub.err = errors.New("channel closed")
	assert.ErrorIs(t, p.PublishVerdict(context.Background(), run), pub.err)
}

// TestURL 测试连接地址
func TestURL(t *testing.T) {
	cfg := config.RabbitMQConfig{Host: "mq", Port: 5672, User: "guest", Password: "p@ss", VHost: "/"}
	assert.Equal(t, "amqp://guest:p%40ss@mq:5672/", URL(cfg))

	cfg.VHost = "harness"
	assert.Equal(t, "amqp://guest:p%40ss@mq:5672/harness", URL(cfg))
}
