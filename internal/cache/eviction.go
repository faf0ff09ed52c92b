package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/shelfcache/shelfcache/internal/logging"
	"github.com/shelfcache/shelfcache/internal/metrics"
	"github.com/shelfcache/shelfcache/internal/worker"
)

// CacheConfig 是淘汰使用的双上限，两者需同时满足。
type CacheConfig struct {
	MaxBytes int64
	MaxFiles int
}

// Executor 抽象后台执行器，*worker.Pool 即满足该接口。
type Executor interface {
	Submit(name string, task worker.Task) bool
}

// Evictor 把 Store.Evict 挂到写入之后异步执行；连续触发时最多只排队一次。
type Evictor struct {
	store   Store
	cfg     CacheConfig
	exec    Executor
	logger  *logrus.Entry
	pending atomic.Bool
}

// NewEvictor 构造淘汰器。exec 为 nil 时 Trigger 同步执行。
func NewEvictor(store Store, cfg CacheConfig, exec Executor, logger *logrus.Logger) *Evictor {
	return &Evictor{
		store:  store,
		cfg:    cfg,
		exec:   exec,
		logger: logging.Component(logger, "evictor"),
	}
}

// Attach 让 store 在每次写入成功后触发淘汰。
func (e *Evictor) Attach() {
	e.store.OnWrite(func(Entry) { e.Trigger() })
}

// Trigger 请求一次淘汰，不等待结果。
func (e *Evictor) Trigger() {
	if !e.pending.CompareAndSwap(false, true) {
		return
	}
	if e.exec == nil {
		_ = e.runQueued(context.Background())
		return
	}
	if !e.exec.Submit("cache_evict", e.runQueued) {
		e.pending.Store(false)
	}
}

func (e *Evictor) runQueued(ctx context.Context) error {
	e.pending.Store(false)
	_, err := e.Run(ctx)
	return err
}

// Run 同步执行一次淘汰并记录结果。
func (e *Evictor) Run(ctx context.Context) (EvictResult, error) {
	started := time.Now()
	result, err := e.store.Evict(ctx, e.cfg.MaxBytes, e.cfg.MaxFiles)
	if err != nil {
		e.logger.WithError(err).Warn("evict_failed")
		return result, err
	}

	metrics.ObserveCacheSize(result.TotalBytes, result.Count)
	metrics.EvictedEntries.Add(float64(len(result.Removed)))
	metrics.EvictionFailures.Add(float64(len(result.Failed)))

	if len(result.Removed) > 0 || len(result.Failed) > 0 {
		e.logger.WithFields(logrus.Fields{
			"removed":     len(result.Removed),
			"failed":      len(result.Failed),
			"total_bytes": humanize.IBytes(uint64(result.TotalBytes)),
			"files":       result.Count,
			"elapsed_ms":  time.Since(started).Milliseconds(),
		}).Info("evict_complete")
	}
	return result, nil
}
