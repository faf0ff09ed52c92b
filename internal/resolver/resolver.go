// Package resolver 把用户输入的服务器地址规范化，并手动跟随有限次数的 HTTP 重定向，
// 得到真正可用的基础地址（动态 DNS、隧道等场景下入口地址往往只是一次跳转）。
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"

	"github.com/shelfcache/shelfcache/internal/logging"
)

// DefaultMaxRedirects 是单次解析允许的最大跳转数。
const DefaultMaxRedirects = 10

// Options 控制 Resolver 行为。Client 必须禁止自动跟随重定向，为空时使用内置 client。
type Options struct {
	Client       *http.Client
	MaxRedirects int
	Timeout      time.Duration
	CacheTTL     time.Duration
	Logger       *logrus.Logger
}

// Result 描述一次解析：Hops 记录每次跳转后的地址，Status 为最后一次响应码。
type Result struct {
	Input    string   `json:"input"`
	Resolved string   `json:"resolved"`
	Hops     []string `json:"hops"`
	Status   int      `json:"status"`
	Err      error    `json:"-"`
}

// OK 表示解析成功。
func (r Result) OK() bool {
	return r.Err == nil
}

// AddressResolutionError 描述解析失败；调用方通常回退到规范化后的输入。
type AddressResolutionError struct {
	Input  string
	Hops   []string
	Status int
	Err    error
}

func (e *AddressResolutionError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("resolve %s: unexpected status %d after %d hops", e.Input, e.Status, len(e.Hops))
	}
	return fmt.Sprintf("resolve %s after %d hops: %v", e.Input, len(e.Hops), e.Err)
}

func (e *AddressResolutionError) Unwrap() error {
	return e.Err
}

// ErrTooManyRedirects 表示跳转次数耗尽。
var ErrTooManyRedirects = errors.New("too many redirects")

// Resolver 可并发使用，成功结果按 CacheTTL 记忆，失败从不缓存。
type Resolver struct {
	client       *http.Client
	maxRedirects int
	memo         *ttlcache.Cache[string, string]
	logger       *logrus.Entry
}

// New 创建 Resolver。
func New(opts Options) *Resolver {
	client := opts.Client
	if client == nil {
		client = NewClient(opts.Timeout)
	}
	maxRedirects := opts.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = DefaultMaxRedirects
	}

	r := &Resolver{
		client:       client,
		maxRedirects: maxRedirects,
		logger:       logging.Component(opts.Logger, "resolver"),
	}
	if opts.CacheTTL > 0 {
		r.memo = ttlcache.New[string, string](
			ttlcache.WithTTL[string, string](opts.CacheTTL),
			ttlcache.WithDisableTouchOnHit[string, string](),
		)
	}
	return r
}

// NewClient 返回不自动跟随重定向的 http.Client。
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// NormalizeAddress 清理用户输入：去空白、去 file:// 前缀、合并重复协议头、
// 缺省补 http://、去掉结尾斜杠。
func NormalizeAddress(raw string) string {
	addr := strings.TrimSpace(raw)
	for strings.HasPrefix(strings.ToLower(addr), "file://") {
		addr = addr[len("file://"):]
	}

	// http://https://host 之类的粘贴错误只保留最内层协议。
	for {
		scheme, rest, ok := splitScheme(addr)
		if !ok {
			break
		}
		if _, _, nested := splitScheme(rest); !nested {
			addr = scheme + "://" + rest
			break
		}
		addr = rest
	}

	if addr == "" {
		return ""
	}
	if _, _, ok := splitScheme(addr); !ok {
		addr = "http://" + strings.TrimLeft(addr, "/")
	}
	return strings.TrimRight(addr, "/")
}

func splitScheme(addr string) (scheme, rest string, ok bool) {
	lower := strings.ToLower(addr)
	for _, candidate := range []string{"http", "https"} {
		prefix := candidate + "://"
		if strings.HasPrefix(lower, prefix) {
			return candidate, addr[len(prefix):], true
		}
	}
	return "", "", false
}

// Resolve 从规范化后的地址出发逐跳 GET：3xx 继续跟随 Location，2xx 与 401 视为到达，
// 其他状态码、网络错误或跳转次数耗尽都返回带 AddressResolutionError 的结果。
func (r *Resolver) Resolve(ctx context.Context, raw string) Result {
	current := NormalizeAddress(raw)
	result := Result{Input: raw}
	fail := func(status int, err error) Result {
		result.Status = status
		result.Err = &AddressResolutionError{Input: raw, Hops: result.Hops, Status: status, Err: err}
		return result
	}

	if current == "" {
		return fail(0, errors.New("empty address"))
	}

	for hop := 0; hop <= r.maxRedirects; hop++ {
		status, location, err := r.probe(ctx, current)
		if err != nil {
			return fail(0, err)
		}

		switch {
		case status >= 200 && status < 300, status == http.StatusUnauthorized:
			result.Resolved = strings.TrimRight(current, "/")
			result.Status = status
			return result
		case status >= 300 && status < 400 && location != "":
			if hop == r.maxRedirects {
				return fail(0, ErrTooManyRedirects)
			}
			next, err := resolveLocation(current, location)
			if err != nil {
				return fail(status, err)
			}
			result.Hops = append(result.Hops, next)
			current = next
		default:
			return fail(status, fmt.Errorf("unexpected status %d", status))
		}
	}
	return fail(0, ErrTooManyRedirects)
}

func (r *Resolver) probe(ctx context.Context, target string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	return resp.StatusCode, resp.Header.Get("Location"), nil
}

func resolveLocation(current, location string) (string, error) {
	base, err := url.Parse(current)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(strings.TrimSpace(location))
	if err != nil {
		return "", fmt.Errorf("invalid location %q: %w", location, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// ResolveOrFallback 返回解析后的地址；失败时返回规范化后的输入，让后续登录请求去暴露真实错误。
func (r *Resolver) ResolveOrFallback(ctx context.Context, raw string) string {
	normalized := NormalizeAddress(raw)
	if r.memo != nil {
		if item := r.memo.Get(normalized); item != nil {
			return item.Value()
		}
	}

	started := time.Now()
	result := r.Resolve(ctx, raw)
	fields := logrus.Fields{
		"input":      raw,
		"hops":       len(result.Hops),
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	if result.Err != nil {
		r.logger.WithFields(fields).WithError(result.Err).Warn("resolve_fallback")
		return normalized
	}

	if r.memo != nil {
		r.memo.Set(normalized, result.Resolved, ttlcache.DefaultTTL)
	}
	r.logger.WithFields(fields).WithField("resolved", result.Resolved).Debug("resolve_complete")
	return result.Resolved
}

// Forget 清除某个地址的记忆结果，例如登录失败后需要重新解析。
func (r *Resolver) Forget(raw string) {
	if r.memo != nil {
		r.memo.Delete(NormalizeAddress(raw))
	}
}
