package content

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
)

const (
	// Chapter 是章节音频类别。
	Chapter = "chapter"
	// Cover 是封面图片类别。
	Cover = "cover"
)

// Source 描述一次上游取数所需的全部输入。
type Source struct {
	ContentID     string
	RemoteBaseURL string
	// KeyBase 是用户给出的规范化地址，只参与缓存键计算。
	// 解析出的 RemoteBaseURL 会随跳转目标变化，不能作为条目身份。
	KeyBase string
	Token   string
	// URL 仅封面使用：调用方给出的原始封面地址。
	URL string
	// Range 透传客户端的 Range 头，空串表示整文件。
	Range string
}

// KeyFunc 根据来源计算缓存键。
type KeyFunc func(src Source) (string, error)

// RequestBuilder 构造上游请求。
type RequestBuilder func(ctx context.Context, src Source) (*http.Request, error)

// Class 记录一个内容类别的静态信息。
type Class struct {
	Key              string `json:"key"`
	Description      string `json:"description"`
	DefaultMediaType string `json:"default_media_type"`
	KeyScheme        string `json:"key_scheme"`

	CacheKey     KeyFunc        `json:"-"`
	BuildRequest RequestBuilder `json:"-"`
}

var globalRegistry = newRegistry()

type registry struct {
	mu      sync.RWMutex
	classes map[string]Class
}

func newRegistry() *registry {
	return &registry{classes: make(map[string]Class)}
}

// Register 将类别加入全局注册表，重复键会返回错误。
func Register(class Class) error {
	return globalRegistry.register(class)
}

// MustRegister 在注册失败时 panic，适合 init() 中调用。
func MustRegister(class Class) {
	if err := Register(class); err != nil {
		panic(err)
	}
}

// Lookup 返回指定键的类别。
func Lookup(key string) (Class, bool) {
	return globalRegistry.lookup(key)
}

// MustLookup 用于内置类别，找不到说明注册流程被破坏。
func MustLookup(key string) Class {
	class, ok := Lookup(key)
	if !ok {
		panic(fmt.Sprintf("content class %s not registered", key))
	}
	return class
}

// List 返回按键排序的类别列表，供诊断端输出。
func List() []Class {
	return globalRegistry.list()
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func (r *registry) register(class Class) error {
	key := normalizeKey(class.Key)
	if key == "" {
		return fmt.Errorf("content class key is required")
	}
	if class.CacheKey == nil || class.BuildRequest == nil {
		return fmt.Errorf("content class %s must define CacheKey and BuildRequest", key)
	}
	class.Key = key

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.classes[key]; exists {
		return fmt.Errorf("content class %s already registered", key)
	}
	r.classes[key] = class
	return nil
}

func (r *registry) lookup(key string) (Class, bool) {
	normalized := normalizeKey(key)
	if normalized == "" {
		return Class{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	class, ok := r.classes[normalized]
	return class, ok
}

func (r *registry) list() []Class {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.classes))
	for key := range r.classes {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]Class, 0, len(keys))
	for _, key := range keys {
		result = append(result, r.classes[key])
	}
	return result
}
