package downloads

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/shelfcache/shelfcache/internal/cache"
	"github.com/shelfcache/shelfcache/internal/content"
	"github.com/shelfcache/shelfcache/internal/logging"
	"github.com/shelfcache/shelfcache/internal/media"
	"github.com/shelfcache/shelfcache/internal/metrics"
	"github.com/shelfcache/shelfcache/internal/resolver"
	"github.com/shelfcache/shelfcache/internal/worker"
)

const defaultProgressInterval = 500 * time.Millisecond

// Executor 接收后台任务，通常是 worker.Pool。
type Executor interface {
	Submit(name string, task worker.Task) bool
}

// Options 汇总 Queue 依赖。Cache 用于校验已完成任务的文件是否还在。
type Options struct {
	Tasks            *Store
	Cache            cache.Store
	Fetcher          *media.Fetcher
	Resolver         *resolver.Resolver
	Executor         Executor
	ProgressInterval time.Duration
	Logger           *logrus.Logger
}

// Queue 串行执行章节下载：同一时刻全局只有一个任务处于 downloading。
// 下载与代理未命中共用 media.Fetcher 的抓取与写缓存路径。
type Queue struct {
	tasks    *Store
	cache    cache.Store
	fetcher  *media.Fetcher
	resolver *resolver.Resolver
	exec     Executor
	interval time.Duration
	logger   *logrus.Entry

	mu           sync.Mutex
	pending      []string
	queued       map[string]struct{}
	active       string
	cancelActive context.CancelFunc
	notify       chan struct{}

	subMu   sync.RWMutex
	subs    map[int]func(Task)
	nextSub int

	covers singleflight.Group

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue 恢复上次未完成的任务（含崩溃时停在 downloading 的任务）并启动工作协程。
func NewQueue(opts Options) (*Queue, error) {
	if opts.Tasks == nil || opts.Fetcher == nil {
		return nil, errors.New("download queue requires a task store and a fetcher")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	interval := opts.ProgressInterval
	if interval <= 0 {
		interval = defaultProgressInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		tasks:    opts.Tasks,
		cache:    opts.Cache,
		fetcher:  opts.Fetcher,
		resolver: opts.Resolver,
		exec:     opts.Executor,
		interval: interval,
		logger:   logging.Component(logger, "downloads"),
		queued:   make(map[string]struct{}),
		notify:   make(chan struct{}, 1),
		subs:     make(map[int]func(Task)),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	if err := q.restore(); err != nil {
		cancel()
		return nil, err
	}
	go q.run()
	return q, nil
}

func (q *Queue) restore() error {
	tasks, err := q.tasks.List(q.ctx, StatusPending, StatusDownloading)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, task := range tasks {
		if task.Status == StatusDownloading {
			task.Status = StatusPending
			if err := q.tasks.Save(q.ctx, task); err != nil {
				return err
			}
		}
		q.enqueueLocked(task.ID)
	}
	if len(tasks) > 0 {
		q.logger.WithField("count", len(tasks)).Info("download_queue_restored")
	}
	return nil
}

// Add 提交任务。completed 且文件仍在、pending、downloading 均为 no-op；
// failed 或文件已丢失的 completed 重置为 pending 并重新排队，不会产生重复任务。
func (q *Queue) Add(ctx context.Context, task Task) (Task, error) {
	if err := task.validate(); err != nil {
		return Task{}, err
	}

	q.mu.Lock()
	existing, err := q.tasks.Get(ctx, task.ID)
	switch {
	case errors.Is(err, ErrTaskNotFound):
		task.CacheKey = ""
		task.resetPending(time.Now())
	case err != nil:
		q.mu.Unlock()
		return Task{}, err
	case existing.Status == StatusPending, existing.Status == StatusDownloading:
		q.mu.Unlock()
		return existing, nil
	case existing.Status == StatusCompleted && q.entryPresent(ctx, existing):
		q.mu.Unlock()
		return existing, nil
	default:
		if existing.Status == StatusCompleted {
			q.logger.WithField("task_id", existing.ID).Warn("download_entry_missing")
		}
		existing.RemoteBaseURL = task.RemoteBaseURL
		if task.Token != "" {
			existing.Token = task.Token
		}
		if task.BookID != "" {
			existing.BookID = task.BookID
		}
		if task.CoverURL != "" {
			existing.CoverURL = task.CoverURL
		}
		existing.CacheKey = ""
		existing.resetPending(time.Now())
		task = existing
	}
	if err := q.tasks.Save(ctx, task); err != nil {
		q.mu.Unlock()
		return Task{}, err
	}
	q.enqueueLocked(task.ID)
	q.mu.Unlock()

	q.publish(task)
	return task, nil
}

// Retry 只允许 failed → pending。
func (q *Queue) Retry(ctx context.Context, id string) (Task, error) {
	q.mu.Lock()
	task, err := q.tasks.Get(ctx, id)
	if err != nil {
		q.mu.Unlock()
		return Task{}, err
	}
	if task.Status != StatusFailed {
		q.mu.Unlock()
		return task, fmt.Errorf("%w: task %s is %s", ErrTaskState, id, task.Status)
	}
	task.resetPending(time.Now())
	if err := q.tasks.Save(ctx, task); err != nil {
		q.mu.Unlock()
		return Task{}, err
	}
	q.enqueueLocked(id)
	q.mu.Unlock()

	q.publish(task)
	return task, nil
}

// Remove 删除任务记录；正在下载时取消该次下载。已写入的缓存条目不受影响。
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed, err := q.tasks.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !removed {
		return ErrTaskNotFound
	}
	q.dequeueLocked(id)
	if q.active == id && q.cancelActive != nil {
		q.cancelActive()
	}
	return nil
}

// Get 返回单个任务。
func (q *Queue) Get(ctx context.Context, id string) (Task, error) {
	return q.tasks.Get(ctx, id)
}

// List 按时间戳升序返回全部任务。
func (q *Queue) List(ctx context.Context) ([]Task, error) {
	return q.tasks.List(ctx)
}

// Verify 报告记录为 completed 但缓存文件已不存在的任务（例如被淘汰或清空）。
func (q *Queue) Verify(ctx context.Context) ([]Task, error) {
	tasks, err := q.tasks.List(ctx, StatusCompleted)
	if err != nil {
		return nil, err
	}
	missing := make([]Task, 0)
	for _, task := range tasks {
		if !q.entryPresent(ctx, task) {
			missing = append(missing, task)
		}
	}
	return missing, nil
}

// Subscribe 注册状态变化回调，返回取消函数。回调同步执行，不应阻塞。
func (q *Queue) Subscribe(fn func(Task)) func() {
	q.subMu.Lock()
	id := q.nextSub
	q.nextSub++
	q.subs[id] = fn
	q.subMu.Unlock()

	return func() {
		q.subMu.Lock()
		delete(q.subs, id)
		q.subMu.Unlock()
	}
}

// Pending 返回排队中的任务数量（不含正在执行的任务）。
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close 取消当前下载并等待工作协程退出；被中断的任务保持 pending，下次启动恢复。
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.cancel()
		<-q.done
	})
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		id, ctx, cancel, ok := q.next()
		if !ok {
			select {
			case <-q.ctx.Done():
				return
			case <-q.notify:
				continue
			}
		}
		q.process(ctx, id)
		cancel()

		q.mu.Lock()
		q.active = ""
		q.cancelActive = nil
		q.mu.Unlock()

		if q.ctx.Err() != nil {
			return
		}
	}
}

func (q *Queue) next() (string, context.Context, context.CancelFunc, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 || q.ctx.Err() != nil {
		return "", nil, nil, false
	}
	id := q.pending[0]
	q.pending = q.pending[1:]
	delete(q.queued, id)
	metrics.QueuePending.Set(float64(len(q.pending)))

	ctx, cancel := context.WithCancel(q.ctx)
	q.active = id
	q.cancelActive = cancel
	return id, ctx, cancel, true
}

func (q *Queue) enqueueLocked(id string) {
	if _, ok := q.queued[id]; ok {
		return
	}
	q.queued[id] = struct{}{}
	q.pending = append(q.pending, id)
	metrics.QueuePending.Set(float64(len(q.pending)))
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) dequeueLocked(id string) {
	if _, ok := q.queued[id]; !ok {
		return
	}
	delete(q.queued, id)
	for i, pendingID := range q.pending {
		if pendingID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	metrics.QueuePending.Set(float64(len(q.pending)))
}

func (q *Queue) process(ctx context.Context, id string) {
	task, ok := q.transition(id, func(t *Task) bool {
		if t.Status != StatusPending {
			return false
		}
		t.Status = StatusDownloading
		t.Progress = 0
		t.Error = ""
		t.BytesReceived = 0
		t.BytesTotal = 0
		return true
	})
	if !ok {
		return
	}

	started := time.Now()
	remote := q.resolveRemote(ctx, task.RemoteBaseURL)
	entry, err := q.download(ctx, task, remote)
	q.prefetchCover(task, remote)

	fields := logrus.Fields{
		"task_id":    task.ID,
		"book_id":    task.BookID,
		"remote":     remote,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	switch {
	case err == nil:
		q.transition(id, func(t *Task) bool {
			t.Status = StatusCompleted
			t.Progress = 100
			t.Error = ""
			t.CacheKey = entry.Key
			t.BytesReceived = entry.SizeBytes
			if t.BytesTotal <= 0 {
				t.BytesTotal = entry.SizeBytes
			}
			return true
		})
		metrics.DownloadResults.WithLabelValues(string(StatusCompleted)).Inc()
		fields["size"] = humanize.IBytes(uint64(entry.SizeBytes))
		q.logger.WithFields(fields).Info("download_complete")
	case q.ctx.Err() != nil:
		// 进程退出，任务留给下次启动。
		q.transition(id, func(t *Task) bool {
			if t.Status != StatusDownloading {
				return false
			}
			t.Status = StatusPending
			return true
		})
		q.logger.WithFields(fields).Info("download_interrupted")
	case ctx.Err() != nil:
		q.logger.WithFields(fields).Info("download_cancelled")
	default:
		q.transition(id, func(t *Task) bool {
			t.Status = StatusFailed
			t.Error = err.Error()
			return true
		})
		metrics.DownloadResults.WithLabelValues(string(StatusFailed)).Inc()
		q.logger.WithFields(fields).WithError(err).Warn("download_failed")
	}
}

func (q *Queue) download(ctx context.Context, task Task, remote string) (*cache.Entry, error) {
	class := content.MustLookup(content.Chapter)
	src := content.Source{
		ContentID:     task.ID,
		RemoteBaseURL: remote,
		KeyBase:       resolver.NormalizeAddress(task.RemoteBaseURL),
		Token:         task.Token,
	}
	key, err := class.CacheKey(src)
	if err != nil {
		return nil, err
	}
	tracker := &progressTracker{queue: q, task: task, lastPct: -1}
	return q.fetcher.Persist(ctx, media.Request{Class: class, Source: src, Key: key, Cacheable: true}, tracker.report)
}

// prefetchCover 尽力预取所属书籍的封面，与章节成功与否无关；同一本书并发只抓一次。
func (q *Queue) prefetchCover(task Task, remote string) {
	if task.BookID == "" {
		return
	}
	run := func(ctx context.Context) error {
		_, err, _ := q.covers.Do(task.BookID, func() (interface{}, error) {
			class := content.MustLookup(content.Cover)
			src := content.Source{
				ContentID:     task.BookID,
				RemoteBaseURL: remote,
				Token:         task.Token,
				URL:           task.CoverURL,
			}
			key, err := class.CacheKey(src)
			if err != nil {
				return nil, err
			}
			return q.fetcher.Persist(ctx, media.Request{Class: class, Source: src, Key: key, Cacheable: true}, nil)
		})
		if err != nil {
			q.logger.WithField("book_id", task.BookID).WithError(err).Debug("cover_prefetch_failed")
		}
		return err
	}
	if q.exec == nil {
		_ = run(q.ctx)
		return
	}
	if !q.exec.Submit("cover_prefetch", run) {
		q.logger.WithField("book_id", task.BookID).Debug("cover_prefetch_skipped")
	}
}

func (q *Queue) resolveRemote(ctx context.Context, raw string) string {
	if q.resolver == nil {
		return resolver.NormalizeAddress(raw)
	}
	return q.resolver.ResolveOrFallback(ctx, raw)
}

// transition 在队列锁内读取-修改-保存任务；apply 返回 false 或任务已被删除时不保存。
func (q *Queue) transition(id string, apply func(*Task) bool) (Task, bool) {
	q.mu.Lock()
	task, err := q.tasks.Get(context.Background(), id)
	if err != nil {
		q.mu.Unlock()
		if !errors.Is(err, ErrTaskNotFound) {
			q.logger.WithField("task_id", id).WithError(err).Error("download_task_load_failed")
		}
		return Task{}, false
	}
	if !apply(&task) {
		q.mu.Unlock()
		return task, false
	}
	if err := q.tasks.Save(context.Background(), task); err != nil {
		q.mu.Unlock()
		q.logger.WithField("task_id", id).WithError(err).Error("download_task_save_failed")
		return task, false
	}
	q.mu.Unlock()

	q.publish(task)
	return task, true
}

func (q *Queue) entryPresent(ctx context.Context, task Task) bool {
	if q.cache == nil {
		return true
	}
	if task.CacheKey == "" {
		return false
	}
	result, err := q.cache.Get(ctx, task.CacheKey)
	if err != nil {
		return false
	}
	result.Reader.Close()
	return true
}

func (q *Queue) publish(task Task) {
	q.subMu.RLock()
	subs := make([]func(Task), 0, len(q.subs))
	for _, fn := range q.subs {
		subs = append(subs, fn)
	}
	q.subMu.RUnlock()

	for _, fn := range subs {
		fn(task)
	}
}

// progressTracker 节流进度落盘：两次保存至少间隔 interval，且已知长度时只在整数百分比变化时保存。
type progressTracker struct {
	queue    *Queue
	task     Task
	lastPct  int
	lastSave time.Time
}

func (p *progressTracker) report(received, total int64) {
	pct := 0
	if total > 0 {
		pct = int(received * 100 / total)
		// 100 只在 completed 时写入。
		if pct > 99 {
			pct = 99
		}
		if pct == p.lastPct {
			return
		}
	}
	now := time.Now()
	if !p.lastSave.IsZero() && now.Sub(p.lastSave) < p.queue.interval {
		return
	}
	p.lastPct = pct
	p.lastSave = now

	if err := p.queue.tasks.UpdateProgress(context.Background(), p.task.ID, pct, received, total); err != nil {
		p.queue.logger.WithField("task_id", p.task.ID).WithError(err).Warn("download_progress_save_failed")
		return
	}
	p.task.Progress = pct
	p.task.BytesReceived = received
	p.task.BytesTotal = total
	p.queue.publish(p.task)
}
