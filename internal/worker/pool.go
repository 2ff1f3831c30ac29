package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ErrQueueFull 队列已满
var ErrQueueFull = errors.New("run queue is full")

// ErrPoolStopped 池已停止
var ErrPoolStopped = errors.New("worker pool is stopped")

// Executor 执行一次测试运行
type Executor interface {
	Execute(ctx context.Context, runID string) error
}

// StatsFunc 运行数变化时回调
type StatsFunc func(active, queued int)

// Pool 设备运行池
// 一台设备同一时刻只能跑一个测试，所以只有一个 worker，其余运行排队
type Pool struct {
	tasks  chan *task
	logger *logrus.Logger
	stats  StatsFunc

	active  atomic.Int32
	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

type task struct {
	runID    string
	resultCh chan error
}

// NewPool 创建运行池
func NewPool(queueSize int, logger *logrus.Logger) *Pool {
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Pool{
		tasks:  make(chan *task, queueSize),
		logger: logger,
	}
}

// SetStatsFunc 设置统计回调
func (p *Pool) SetStatsFunc(fn StatsFunc) {
	p.stats = fn
}

// Start 启动 worker
func (p *Pool) Start(ctx context.Context, exec Executor) {
	p.logger.WithField("queue_size", cap(p.tasks)).Info("Starting device worker")
	p.wg.Add(1)
	go p.worker(ctx, exec)
}

func (p *Pool) worker(ctx context.Context, exec Executor) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Device worker shutting down")
			return
		case t, ok := <-p.tasks:
			if !ok {
				return
			}
			p.run(ctx, exec, t)
		}
	}
}

func (p *Pool) run(ctx context.Context, exec Executor, t *task) {
	p.active.Add(1)
	p.report()

	err := exec.Execute(ctx, t.runID)
	if err != nil {
		p.logger.WithError(err).WithField("run_id", t.runID).Error("Run execution failed")
	}

	p.active.Add(-1)
	p.report()

	if t.resultCh != nil {
		t.resultCh <- err
	}
}

func (p *Pool) report() {
	if p.stats != nil {
		p.stats(int(p.active.Load()), len(p.tasks))
	}
}

// Submit 提交运行，不等待结果
func (p *Pool) Submit(runID string) error {
	return p.enqueue(&task{runID: runID})
}

// SubmitAndWait 提交运行并等待执行完成
func (p *Pool) SubmitAndWait(ctx context.Context, runID string) error {
	t := &task{runID: runID, resultCh: make(chan error, 1)}

	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return ErrPoolStopped
	}
	select {
	case p.tasks <- t:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}
	p.report()

	select {
	case err := <-t.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) enqueue(t *task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.tasks <- t:
	default:
		return ErrQueueFull
	}
	p.logger.WithField("run_id", t.runID).Debug("Run queued")
	p.report()
	return nil
}

// Stop 停止接收新运行，等待 worker 退出
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.tasks)
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Device worker stopped")
}

// QueueSize 排队中的运行数
func (p *Pool) QueueSize() int {
	return len(p.tasks)
}

// Active 正在执行的运行数
func (p *Pool) Active() int {
	return int(p.active.Load())
}
