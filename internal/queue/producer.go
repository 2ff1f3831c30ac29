package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/apk-analysis/app-compat-harness/internal/domain"
	"github.com/sirupsen/logrus"
)

// Publisher 发布原始消息
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Producer 消息生产者，一个 Producer 对应一个队列
type Producer struct {
	pub    Publisher
	logger *logrus.Logger
}

// NewProducer 创建生产者
func NewProducer(pub Publisher, logger *logrus.Logger) *Producer {
	return &Producer{pub: pub, logger: logger}
}

// PublishRequest 发布测试请求
func (p *Producer) PublishRequest(ctx context.Context, msg *TestRequestMessage) error {
	if err := msg.Normalize(); err != nil {
		return err
	}
	if err := p.publishJSON(ctx, msg); err != nil {
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"package": msg.PackageName,
		"kind":    msg.Kind,
	}).Info("Test request published")
	return nil
}

// PublishVerdict 发布测试结论
func (p *Producer) PublishVerdict(ctx context.Context, run *domain.TestRun) error {
	if err := p.publishJSON(ctx, NewVerdictMessage(run)); err != nil {
		p.logger.WithError(err).WithField("run_id", run.ID).Error("Failed to publish verdict")
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"run_id":  run.ID,
		"package": run.PackageName,
		"status":  run.Status,
	}).Info("Verdict published")
	return nil
}

func (p *Producer) publishJSON(ctx context.Context, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := p.pub.Publish(ctx, body); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	return nil
}
