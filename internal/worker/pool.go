// Package worker 提供有界并发的后台任务执行器，淘汰与封面预取都提交到这里，
// 响应路径只负责 Submit，从不等待结果。
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/shelfcache/shelfcache/internal/logging"
)

// Task 是一次后台工作，返回的错误只用于日志。
type Task func(ctx context.Context) error

// Pool 用 semaphore 限制同时运行的任务数，WaitGroup 让测试与关闭流程可以等待全部任务结束。
type Pool struct {
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger *logrus.Entry
}

// New 创建并发度为 concurrency 的执行器，concurrency < 1 时按 1 处理。
func New(concurrency int, logger *logrus.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(concurrency)),
		ctx:    ctx,
		cancel: cancel,
		logger: logging.Component(logger, "worker"),
	}
}

// Submit 异步执行 task。Pool 关闭后提交的任务直接丢弃并返回 false。
func (p *Pool) Submit(name string, task Task) bool {
	if p.ctx.Err() != nil {
		return false
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)

		started := time.Now()
		err := task(p.ctx)
		fields := logrus.Fields{
			"task":       name,
			"elapsed_ms": time.Since(started).Milliseconds(),
		}
		if err != nil {
			p.logger.WithFields(fields).WithError(err).Warn("worker_task_failed")
			return
		}
		p.logger.WithFields(fields).Debug("worker_task_done")
	}()
	return true
}

// Wait 阻塞直到所有已提交任务结束。
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Close 取消尚未开始与正在运行的任务，并等待它们退出。
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()
}
