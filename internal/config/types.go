package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// ByteSize 表示字节容量，配置中可写 "2GiB"、"500MB" 或纯整数。
type ByteSize int64

// UnmarshalText 借助 go-humanize 解析带单位的容量字符串。
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := parseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Int64 返回字节数。
func (b ByteSize) Int64() int64 {
	return int64(b)
}

// String 输出人类可读形式，例如 "2.0 GiB"。
func (b ByteSize) String() string {
	if b < 0 {
		return strconv.FormatInt(int64(b), 10)
	}
	return humanize.IBytes(uint64(b))
}

func parseByteSize(raw string) (ByteSize, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if intVal, err := parseInt(raw); err == nil {
		return ByteSize(intVal), nil
	}
	parsed, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size value: %s", raw)
	}
	return ByteSize(parsed), nil
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行参数，缓存、代理与下载队列共享同一份。
type GlobalConfig struct {
	ListenHost    string `mapstructure:"ListenHost"`
	ListenPort    int    `mapstructure:"ListenPort"`
	LogLevel      string `mapstructure:"LogLevel"`
	LogFilePath   string `mapstructure:"LogFilePath"`
	LogMaxSize    int    `mapstructure:"LogMaxSize"`
	LogMaxBackups int    `mapstructure:"LogMaxBackups"`
	LogCompress   bool   `mapstructure:"LogCompress"`

	// StoragePath 是缓存目录，目录内只允许缓存条目与 .tmp 临时文件。
	StoragePath   string   `mapstructure:"StoragePath"`
	MaxCacheBytes ByteSize `mapstructure:"MaxCacheBytes"`
	MaxCacheFiles int      `mapstructure:"MaxCacheFiles"`

	// UpstreamTimeout 只约束响应头到达时间，正文流式读取不设总超时。
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	ResolveTimeout  Duration `mapstructure:"ResolveTimeout"`
	MaxRedirects    int      `mapstructure:"MaxRedirects"`
	ResolveCacheTTL Duration `mapstructure:"ResolveCacheTTL"`
	DefaultRemote   string   `mapstructure:"DefaultRemote"`

	CoalesceWait      Duration `mapstructure:"CoalesceWait"`
	TeeBufferBytes    ByteSize `mapstructure:"TeeBufferBytes"`
	WorkerConcurrency int      `mapstructure:"WorkerConcurrency"`

	TaskDBPath       string   `mapstructure:"TaskDBPath"`
	ProgressInterval Duration `mapstructure:"ProgressInterval"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
}

// ListenAddr 返回 Fiber 监听地址。
func (c *Config) ListenAddr() string {
	host := c.Global.ListenHost
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, c.Global.ListenPort)
}

// Summary 汇总关键参数，供启动日志与 -check-config 输出。
func (c *Config) Summary() map[string]interface{} {
	g := c.Global
	return map[string]interface{}{
		"storage_path":    g.StoragePath,
		"max_cache_bytes": g.MaxCacheBytes.String(),
		"max_cache_files": g.MaxCacheFiles,
		"max_redirects":   g.MaxRedirects,
		"task_db":         g.TaskDBPath,
	}
}
