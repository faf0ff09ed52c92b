package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// TempSuffix 标记写入中的临时文件，任何枚举都必须忽略它。
const TempSuffix = ".tmp"

// Store 负责管理缓存目录。磁盘布局：
//
//	<StoragePath>/<key>        # 已提升的正文
//	<StoragePath>/<key>.tmp    # 写入中的临时文件
//
// 条目只由正文文件组成，Size/ModTime 直接取自文件系统。
type Store interface {
	// Get 返回可流式读取的条目。不存在或为零字节时返回 ErrNotFound（零字节文件会被顺手删除）。
	Get(ctx context.Context, key string) (*ReadResult, error)

	// Write 将 body 写入 <key>.tmp，完整成功后 rename 为 <key>；失败时删除临时文件。
	Write(ctx context.Context, key string, body io.Reader) (*Entry, error)

	// Remove 删除条目，文件不存在不视为错误。
	Remove(ctx context.Context, key string) error

	// Stat 枚举全部有效条目并汇总字节数。
	Stat(ctx context.Context) (Snapshot, error)

	// Evict 按 ModTime 从旧到新删除条目，直到同时满足字节与文件数上限。
	Evict(ctx context.Context, maxBytes int64, maxFiles int) (EvictResult, error)

	// Clear 取消进行中的写入并删除目录内全部文件（含临时文件）。
	Clear(ctx context.Context) error

	// Path 返回 key 对应的正文路径。
	Path(key string) (string, error)

	// OnWrite 注册写入成功后的回调，启动阶段调用一次。
	OnWrite(hook WriteHook)
}

// Entry 描述一个已提升的缓存条目。
type Entry struct {
	Key       string    `json:"key"`
	FilePath  string    `json:"file_path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
}

// ReadResult 组合 Entry 与正文 Reader，代理层据此直接流式返回或按 Range 截取。
type ReadResult struct {
	Entry  Entry
	Reader ReadSeekCloserAt
}

// ReadSeekCloserAt 是 *os.File 满足的最小读取接口，Range 响应依赖 ReaderAt。
type ReadSeekCloserAt interface {
	io.ReadSeekCloser
	io.ReaderAt
}

// Snapshot 是一次 Stat 的结果。
type Snapshot struct {
	TotalBytes int64   `json:"total_bytes"`
	Entries    []Entry `json:"entries"`
}

// Count 返回条目数量。
func (s Snapshot) Count() int {
	return len(s.Entries)
}

// EvictResult 汇总一次淘汰过程。TotalBytes/Count 为淘汰后的估算值。
type EvictResult struct {
	Removed    []string `json:"removed"`
	Failed     []string `json:"failed,omitempty"`
	TotalBytes int64    `json:"total_bytes"`
	Count      int      `json:"count"`
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidKey 表示 key 含路径分隔符、.. 或临时文件后缀。
	ErrInvalidKey = errors.New("invalid cache key")
)

// WriteError 描述一次失败的缓存写入；调用方只记录日志，不影响透传流。
type WriteError struct {
	Key string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("cache write %s: %v", e.Key, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// EvictionError 描述单个条目删除失败，淘汰流程会继续处理其余条目。
type EvictionError struct {
	Key string
	Err error
}

func (e *EvictionError) Error() string {
	return fmt.Sprintf("evict %s: %v", e.Key, e.Err)
}

func (e *EvictionError) Unwrap() error {
	return e.Err
}

// ValidKey 检查 key 能否安全地作为缓存目录内的文件名。
func ValidKey(key string) error {
	switch {
	case key == "", key == ".", key == "..":
		return ErrInvalidKey
	case strings.ContainsAny(key, `/\`), strings.Contains(key, ".."):
		return ErrInvalidKey
	case strings.HasPrefix(key, "."):
		return ErrInvalidKey
	case strings.HasSuffix(key, TempSuffix):
		return ErrInvalidKey
	}
	return nil
}

// WriteHook 在条目成功提升后被调用，实现方不得阻塞（通常只是触发一次异步淘汰）。
type WriteHook func(Entry)
