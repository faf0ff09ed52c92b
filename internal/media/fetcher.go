// Package media 实现远端取数与缓存写入的共享路径：代理的未命中分支与下载队列都经由 Fetcher，
// 同一缓存键的并发未命中通过 in-flight 表合并为一次上游请求。
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shelfcache/shelfcache/internal/cache"
	"github.com/shelfcache/shelfcache/internal/content"
	"github.com/shelfcache/shelfcache/internal/logging"
	"github.com/shelfcache/shelfcache/internal/metrics"
)

const defaultCoalesceWait = 30 * time.Second

// ErrInvalidSource 表示请求参数无法构造上游请求（例如封面 URL 非法）。
var ErrInvalidSource = errors.New("invalid content source")

// errNotPromoted 让等待者知道领头请求的响应不可缓存，应自行回源。
var errNotPromoted = errors.New("response not promoted")

// RemoteFetchError 描述上游失败。Status 为 0 表示网络层错误。
type RemoteFetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *RemoteFetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote %s returned %d", e.URL, e.Status)
	}
	return fmt.Sprintf("remote %s: %v", e.URL, e.Err)
}

func (e *RemoteFetchError) Unwrap() error {
	return e.Err
}

// Options 配置 Fetcher。
type Options struct {
	Store          cache.Store
	Client         *http.Client
	CoalesceWait   time.Duration
	TeeBufferBytes int64
	Logger         *logrus.Logger
}

// Request 描述一次取数。Cacheable=false 时只透传，不写缓存也不参与合并。
type Request struct {
	Class     content.Class
	Source    content.Source
	Key       string
	Cacheable bool
}

// Response 是未命中分支的结果。Cached 非空时表示等待合并后直接命中缓存，调用方按命中处理；
// 否则 Body 为上游正文（可能同时分叉写入缓存），调用方负责关闭。
type Response struct {
	Status        int
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
	Promoting     bool
	Cached        *cache.ReadResult
}

// ProgressFunc 报告已接收字节数，total 未知时为 -1。
type ProgressFunc func(received, total int64)

type flight struct {
	done chan struct{}
	err  error
}

// Fetcher 在进程内共享，所有后台写入都登记在 wg 上，Wait 可等待它们结束。
type Fetcher struct {
	store        cache.Store
	client       *http.Client
	coalesceWait time.Duration
	branchBytes  int64
	logger       *logrus.Entry

	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	flights map[string]*flight
	wg      sync.WaitGroup
}

// NewFetcher 构造 Fetcher。
func NewFetcher(opts Options) *Fetcher {
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	wait := opts.CoalesceWait
	if wait <= 0 {
		wait = defaultCoalesceWait
	}
	base, cancel := context.WithCancel(context.Background())
	return &Fetcher{
		store:        opts.Store,
		client:       client,
		coalesceWait: wait,
		branchBytes:  opts.TeeBufferBytes,
		logger:       logging.Component(opts.Logger, "media"),
		base:         base,
		cancel:       cancel,
		flights:      make(map[string]*flight),
	}
}

// Fetch 处理一次缓存未命中。可缓存且不带 Range 的请求会加入或发起 flight：
// 领头者的 200 响应被分叉写入缓存，跟随者等待领头者完成后直接读缓存，失败或超时则单独透传。
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	if !req.Cacheable || req.Source.Range != "" {
		return f.fetchRemote(ctx, req, nil)
	}

	fl, leader := f.join(req.Key)
	if leader {
		return f.fetchRemote(ctx, req, fl)
	}

	if cached := f.await(ctx, req, fl); cached != nil {
		metrics.CoalescedWaits.WithLabelValues("hit").Inc()
		return &Response{Status: http.StatusOK, Cached: cached}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	metrics.CoalescedWaits.WithLabelValues("fallback").Inc()
	return f.fetchRemote(ctx, req, nil)
}

func (f *Fetcher) await(ctx context.Context, req Request, fl *flight) *cache.ReadResult {
	timer := time.NewTimer(f.coalesceWait)
	defer timer.Stop()

	select {
	case <-fl.done:
	case <-timer.C:
		f.logger.WithFields(logging.RequestFields(req.Class.Key, req.Source.ContentID, req.Key, false)).
			Warn("coalesce_wait_timeout")
		return nil
	case <-ctx.Done():
		return nil
	}
	if fl.err != nil {
		return nil
	}
	result, err := f.store.Get(ctx, req.Key)
	if err != nil {
		return nil
	}
	return result
}

func (f *Fetcher) fetchRemote(ctx context.Context, req Request, fl *flight) (*Response, error) {
	started := time.Now()
	fields := logging.RequestFields(req.Class.Key, req.Source.ContentID, req.Key, false)

	upstream, err := f.do(ctx, req)
	if err != nil {
		f.land(req.Key, fl, err)
		return nil, err
	}
	fields["upstream"] = upstream.Request.URL.Redacted()
	fields["upstream_status"] = upstream.StatusCode

	resp := &Response{
		Status:        upstream.StatusCode,
		Header:        upstream.Header,
		Body:          upstream.Body,
		ContentLength: upstream.ContentLength,
	}

	if upstream.StatusCode < 200 || upstream.StatusCode >= 300 {
		remoteErr := &RemoteFetchError{URL: upstream.Request.URL.Redacted(), Status: upstream.StatusCode}
		metrics.RemoteFetchErrors.WithLabelValues(req.Class.Key, "status").Inc()
		f.logger.WithFields(fields).Warn("remote_fetch_rejected")
		f.land(req.Key, fl, remoteErr)
		return resp, remoteErr
	}

	// 只有完整的 200 会被提升，206 等部分响应永远不会进入缓存。
	if fl == nil || upstream.StatusCode != http.StatusOK {
		f.land(req.Key, fl, errNotPromoted)
		return resp, nil
	}

	b := newBranch(f.branchBytes)
	resp.Body = newTeeReader(upstream.Body, b, &f.wg)
	resp.Promoting = true

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		entry, err := f.store.Write(f.base, req.Key, b)
		// 写入方提前失败时也要释放分支，避免后台排空阻塞。
		b.Close()
		f.land(req.Key, fl, err)

		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		if err != nil {
			metrics.CacheDiscards.WithLabelValues(req.Class.Key).Inc()
			f.logger.WithFields(fields).WithError(err).Warn("cache_write_failed")
			return
		}
		metrics.CachePromotions.WithLabelValues(req.Class.Key).Inc()
		fields["size_bytes"] = entry.SizeBytes
		f.logger.WithFields(fields).Info("cache_promoted")
	}()
	return resp, nil
}

// do 发起上游请求。上游请求挂在 Fetcher 的 base context 上：调用方 ctx 只约束响应头到达之前的阶段，
// 之后正文可能在调用方离开后继续被后台写入消费。
func (f *Fetcher) do(ctx context.Context, req Request) (*http.Response, error) {
	upCtx, cancelUp := context.WithCancel(f.base)
	stop := context.AfterFunc(ctx, cancelUp)

	httpReq, err := req.Class.BuildRequest(upCtx, req.Source)
	if err != nil {
		stop()
		cancelUp()
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}

	resp, err := f.client.Do(httpReq)
	stopped := stop()
	if err != nil {
		cancelUp()
		metrics.RemoteFetchErrors.WithLabelValues(req.Class.Key, "network").Inc()
		f.logger.WithFields(logging.RequestFields(req.Class.Key, req.Source.ContentID, req.Key, false)).
			WithError(err).Warn("remote_fetch_failed")
		return nil, &RemoteFetchError{URL: httpReq.URL.Redacted(), Err: err}
	}
	if !stopped {
		// 响应头到达的同时调用方已取消。
		resp.Body.Close()
		cancelUp()
		return nil, ctx.Err()
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancelUp}
	return resp, nil
}

// Persist 把内容完整写入缓存并返回条目，下载队列使用。已缓存时直接返回；
// 存在同键 flight 时先等待它，失败后由自己领头重试。
func (f *Fetcher) Persist(ctx context.Context, req Request, progress ProgressFunc) (*cache.Entry, error) {
	req.Source.Range = ""
	for {
		if result, err := f.store.Get(ctx, req.Key); err == nil {
			result.Reader.Close()
			return &result.Entry, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		fl, leader := f.join(req.Key)
		if leader {
			entry, err := f.persist(ctx, req, progress)
			f.land(req.Key, fl, err)
			return entry, err
		}

		select {
		case <-fl.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (f *Fetcher) persist(ctx context.Context, req Request, progress ProgressFunc) (*cache.Entry, error) {
	httpReq, err := req.Class.BuildRequest(ctx, req.Source)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		metrics.RemoteFetchErrors.WithLabelValues(req.Class.Key, "network").Inc()
		return nil, &RemoteFetchError{URL: httpReq.URL.Redacted(), Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		metrics.RemoteFetchErrors.WithLabelValues(req.Class.Key, "status").Inc()
		return nil, &RemoteFetchError{URL: httpReq.URL.Redacted(), Status: resp.StatusCode}
	}

	body := io.ReadCloser(resp.Body)
	if progress != nil {
		body = &progressReader{ReadCloser: resp.Body, total: resp.ContentLength, report: progress}
	}
	defer body.Close()

	entry, err := f.store.Write(ctx, req.Key, body)
	if err != nil {
		metrics.CacheDiscards.WithLabelValues(req.Class.Key).Inc()
		return nil, err
	}
	metrics.CachePromotions.WithLabelValues(req.Class.Key).Inc()
	return entry, nil
}

// join 返回 key 当前的 flight；不存在时登记一个新的并返回 leader=true。
func (f *Fetcher) join(key string) (*flight, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if fl, ok := f.flights[key]; ok {
		return fl, false
	}
	fl := &flight{done: make(chan struct{})}
	f.flights[key] = fl
	return fl, true
}

func (f *Fetcher) land(key string, fl *flight, err error) {
	if fl == nil {
		return
	}
	f.mu.Lock()
	if f.flights[key] == fl {
		delete(f.flights, key)
	}
	f.mu.Unlock()

	fl.err = err
	close(fl.done)
}

// InFlight 返回当前进行中的 flight 数量。
func (f *Fetcher) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.flights)
}

// Wait 阻塞直到所有后台写入与排空结束。
func (f *Fetcher) Wait() {
	f.wg.Wait()
}

// Close 取消所有上游请求并等待后台写入退出。
func (f *Fetcher) Close() {
	f.cancel()
	f.wg.Wait()
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

type progressReader struct {
	io.ReadCloser
	received int64
	total    int64
	report   ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.ReadCloser.Read(b)
	if n > 0 {
		p.received += int64(n)
		p.report(p.received, p.total)
	}
	return n, err
}
