package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/shelfcache/shelfcache/internal/cache"
	"github.com/shelfcache/shelfcache/internal/content"
	"github.com/shelfcache/shelfcache/internal/logging"
	"github.com/shelfcache/shelfcache/internal/media"
	"github.com/shelfcache/shelfcache/internal/metrics"
	"github.com/shelfcache/shelfcache/internal/resolver"
	"github.com/shelfcache/shelfcache/internal/server"
)

const (
	headerCacheHit = "X-Shelfcache-Cache-Hit"
	sniffLimit     = 3072
)

// Options 汇总 Handler 依赖。Resolver 为空时只做地址规范化。
type Options struct {
	Store         cache.Store
	Fetcher       *media.Fetcher
	Resolver      *resolver.Resolver
	DefaultRemote string
	Logger        *logrus.Logger
}

// Handler 负责“缓存命中 → 直接流式返回（支持 Range）；未命中 → 回源并分叉写缓存”的全流程。
type Handler struct {
	store         cache.Store
	fetcher       *media.Fetcher
	resolver      *resolver.Resolver
	defaultRemote string
	logger        *logrus.Logger
}

// NewHandler constructs a proxy handler sharing the store and fetcher with the download queue.
func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		store:         opts.Store,
		fetcher:       opts.Fetcher,
		resolver:      opts.Resolver,
		defaultRemote: opts.DefaultRemote,
		logger:        logger,
	}
}

// Stream 处理 /stream/:chapterId?token=&remote=&cache=0|1。
// 缓存键取自规范化后的输入地址，跳转解析只在未命中时进行。
func (h *Handler) Stream(c fiber.Ctx) error {
	id := routeParam(c, "chapterId")
	if id == "" {
		return h.writeError(c, fiber.StatusBadRequest, "chapter_id_required")
	}
	raw := queryValue(c, "remote")
	if raw == "" {
		raw = h.defaultRemote
	}
	base := resolver.NormalizeAddress(raw)
	if base == "" {
		return h.writeError(c, fiber.StatusBadRequest, "remote_required")
	}

	src := content.Source{
		ContentID: id,
		KeyBase:   base,
		Token:     requestToken(c),
	}
	resolve := func(ctx context.Context) string { return h.resolveRemote(ctx, raw) }
	return h.serve(c, content.MustLookup(content.Chapter), src, queryValue(c, "cache") != "0", resolve)
}

// Cover 处理 /cover/:bookId?remote=<encodedCoverUrl>，缓存优先。
func (h *Handler) Cover(c fiber.Ctx) error {
	id := routeParam(c, "bookId")
	if id == "" {
		return h.writeError(c, fiber.StatusBadRequest, "book_id_required")
	}

	src := content.Source{
		ContentID: id,
		URL:       queryValue(c, "remote"),
		Token:     requestToken(c),
	}
	var resolve func(context.Context) string
	if src.URL == "" && h.defaultRemote != "" {
		resolve = func(ctx context.Context) string { return h.resolveRemote(ctx, "") }
	}
	return h.serve(c, content.MustLookup(content.Cover), src, queryValue(c, "cache") != "0", resolve)
}

// Wait 阻塞直到所有后台缓存写入结束，测试使用。
func (h *Handler) Wait() {
	h.fetcher.Wait()
}

func (h *Handler) resolveRemote(ctx context.Context, raw string) string {
	if raw == "" {
		raw = h.defaultRemote
	}
	if raw == "" {
		return ""
	}
	if h.resolver == nil {
		return resolver.NormalizeAddress(raw)
	}
	return h.resolver.ResolveOrFallback(ctx, raw)
}

func (h *Handler) serve(c fiber.Ctx, class content.Class, src content.Source, cacheable bool, resolve func(context.Context) string) error {
	started := time.Now()
	ctx := requestContext(c)
	isHead := c.Method() == fiber.MethodHead

	key, err := class.CacheKey(src)
	if err != nil {
		return h.writeError(c, fiber.StatusBadRequest, "invalid_content_id")
	}
	rangeHeader := string(c.Request().Header.Peek(fiber.HeaderRange))
	log := requestLog{class: class.Key, contentID: src.ContentID, key: key, requestID: server.RequestID(c), started: started}

	if cacheable {
		result, err := h.store.Get(ctx, key)
		switch {
		case err == nil:
			metrics.CacheRequests.WithLabelValues(class.Key, "hit").Inc()
			return h.serveCache(c, class, result, rangeHeader, log)
		case errors.Is(err, cache.ErrNotFound):
		default:
			h.logger.WithFields(logging.RequestFields(class.Key, src.ContentID, key, false)).
				WithError(err).Warn("cache_get_failed")
		}
		metrics.CacheRequests.WithLabelValues(class.Key, "miss").Inc()
	} else {
		metrics.CacheRequests.WithLabelValues(class.Key, "bypass").Inc()
	}

	if resolve != nil {
		src.RemoteBaseURL = resolve(ctx)
	}
	src.Range = rangeHeader
	req := media.Request{
		Class:     class,
		Source:    src,
		Key:       key,
		Cacheable: cacheable && !isHead,
	}
	resp, err := h.fetcher.Fetch(ctx, req)
	if resp == nil {
		h.logResult(log, "", 0, false, err)
		if errors.Is(err, media.ErrInvalidSource) {
			return h.writeError(c, fiber.StatusBadRequest, "invalid_source")
		}
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	if resp.Cached != nil {
		return h.serveCache(c, class, resp.Cached, rangeHeader, log)
	}
	return h.serveUpstream(c, class, resp, err, log)
}

// serveCache 直接从缓存文件流式返回；Range 合法时返回 206 切片，越界返回 416。
func (h *Handler) serveCache(c fiber.Ctx, class content.Class, result *cache.ReadResult, rangeHeader string, log requestLog) error {
	log.cacheHit = true
	size := result.Entry.SizeBytes

	c.Set(fiber.HeaderContentType, sniffContentType(result.Reader, class))
	c.Set(fiber.HeaderAcceptRanges, "bytes")
	c.Set(headerCacheHit, "true")

	span, kind := parseRange(rangeHeader, size)
	status := fiber.StatusOK
	switch kind {
	case rangeUnsatisfiable:
		result.Reader.Close()
		c.Set(fiber.HeaderContentRange, fmt.Sprintf("bytes */%d", size))
		h.logResult(log, "", fiber.StatusRequestedRangeNotSatisfiable, true, nil)
		return c.SendStatus(fiber.StatusRequestedRangeNotSatisfiable)
	case rangeSatisfiable:
		status = fiber.StatusPartialContent
		c.Set(fiber.HeaderContentRange, fmt.Sprintf("bytes %d-%d/%d", span.start, span.end, size))
	default:
		span = byteRange{start: 0, end: size - 1}
	}

	c.Status(status)
	h.logResult(log, "", status, true, nil)
	if c.Method() == fiber.MethodHead {
		result.Reader.Close()
		c.Response().Header.SetContentLength(int(span.length()))
		return nil
	}
	body := &sectionReadCloser{
		SectionReader: io.NewSectionReader(result.Reader, span.start, span.length()),
		closer:        result.Reader,
	}
	return c.SendStream(body, int(span.length()))
}

// serveUpstream 透传上游响应：状态码与正文原样返回，2xx 时补全缺失的 Content-Type。
func (h *Handler) serveUpstream(c fiber.Ctx, class content.Class, resp *media.Response, fetchErr error, log requestLog) error {
	copyResponseHeaders(c, resp.Header)
	if resp.Status >= 200 && resp.Status < 300 {
		c.Set(fiber.HeaderContentType, coalesceContentType(resp.Header.Get(fiber.HeaderContentType), class))
	}
	c.Set(headerCacheHit, "false")
	c.Status(resp.Status)

	upstream := ""
	if fetchErr != nil {
		var remoteErr *media.RemoteFetchError
		if errors.As(fetchErr, &remoteErr) {
			upstream = remoteErr.URL
		}
	}
	h.logResult(log, upstream, resp.Status, resp.Promoting, fetchErr)

	if c.Method() == fiber.MethodHead {
		resp.Body.Close()
		if resp.ContentLength >= 0 {
			c.Response().Header.SetContentLength(int(resp.ContentLength))
		}
		return nil
	}
	size := -1
	if resp.ContentLength >= 0 {
		size = int(resp.ContentLength)
	}
	return c.SendStream(resp.Body, size)
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

type requestLog struct {
	class     string
	contentID string
	key       string
	requestID string
	started   time.Time
	cacheHit  bool
}

func (h *Handler) logResult(log requestLog, upstream string, status int, promoting bool, err error) {
	fields := logging.RequestFields(log.class, log.contentID, log.key, log.cacheHit)
	fields["action"] = "proxy"
	fields["status"] = status
	fields["promoting"] = promoting
	fields["elapsed_ms"] = time.Since(log.started).Milliseconds()
	if upstream != "" {
		fields["upstream"] = upstream
	}
	if log.requestID != "" {
		fields["request_id"] = log.requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// sniffContentType 读取文件头识别类型，识别不出或为通用二进制时回退到类别默认值。
func sniffContentType(reader io.ReaderAt, class content.Class) string {
	buf := make([]byte, sniffLimit)
	n, _ := reader.ReadAt(buf, 0)
	detected := ""
	if n > 0 {
		detected = mimetype.Detect(buf[:n]).String()
	}
	return coalesceContentType(detected, class)
}

func coalesceContentType(value string, class content.Class) string {
	value = strings.TrimSpace(value)
	if value == "" || strings.HasPrefix(strings.ToLower(value), "application/octet-stream") {
		return class.DefaultMediaType
	}
	return value
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

func queryValue(c fiber.Ctx, name string) string {
	return strings.TrimSpace(string(c.Request().URI().QueryArgs().Peek(name)))
}

// routeParam 复制路由参数：fiber 的 Params 指向请求缓冲区，handler 返回后会被复用，
// 而后台缓存写入的日志字段仍会引用它。
func routeParam(c fiber.Ctx, name string) string {
	return strings.Clone(strings.TrimSpace(c.Params(name)))
}

// requestToken 优先取 ?token=，其次取 Authorization: Bearer。
func requestToken(c fiber.Ctx) string {
	if token := queryValue(c, "token"); token != "" {
		return token
	}
	auth := string(c.Request().Header.Peek(fiber.HeaderAuthorization))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

type sectionReadCloser struct {
	*io.SectionReader
	closer io.Closer
}

func (s *sectionReadCloser) Close() error {
	return s.closer.Close()
}
