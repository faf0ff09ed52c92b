package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	defaultListenPort    = 5055
	defaultMaxCacheBytes = 2 * 1024 * 1024 * 1024
	defaultMaxCacheFiles = 50
	defaultMaxRedirects  = 10
	defaultTeeBuffer     = 8 * 1024 * 1024
	taskDBFileName       = "shelfcache-tasks.sqlite"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值、环境变量覆盖与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(durationDecodeHook(), byteSizeDecodeHook())
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	if cfg.Global.TaskDBPath == "" {
		cfg.Global.TaskDBPath = filepath.Join(filepath.Dir(absStorage), taskDBFileName)
	}
	absDB, err := filepath.Abs(cfg.Global.TaskDBPath)
	if err != nil {
		return nil, fmt.Errorf("无法解析任务数据库路径: %w", err)
	}
	cfg.Global.TaskDBPath = absDB
	if filepath.Dir(absDB) == absStorage {
		return nil, newFieldError("Global.TaskDBPath", "不能位于缓存目录内")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenHost", "127.0.0.1")
	v.SetDefault("ListenPort", defaultListenPort)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./cache")
	v.SetDefault("MaxCacheBytes", defaultMaxCacheBytes)
	v.SetDefault("MaxCacheFiles", defaultMaxCacheFiles)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("ResolveTimeout", "10s")
	v.SetDefault("MaxRedirects", defaultMaxRedirects)
	v.SetDefault("ResolveCacheTTL", "10m")
	v.SetDefault("CoalesceWait", "30s")
	v.SetDefault("TeeBufferBytes", defaultTeeBuffer)
	v.SetDefault("WorkerConcurrency", 2)
	v.SetDefault("ProgressInterval", "500ms")
}

// bindEnv 保留桌面端历史上的两个环境变量名，方便脚本直接覆盖缓存上限。
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("MaxCacheBytes", "MAX_CACHE_BYTES")
	_ = v.BindEnv("MaxCacheFiles", "MAX_FILES")
	_ = v.BindEnv("StoragePath", "SHELFCACHE_STORAGE")
	_ = v.BindEnv("LogLevel", "SHELFCACHE_LOG_LEVEL")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = defaultListenPort
	}
	if g.MaxCacheBytes == 0 {
		g.MaxCacheBytes = ByteSize(defaultMaxCacheBytes)
	}
	if g.MaxCacheFiles == 0 {
		g.MaxCacheFiles = defaultMaxCacheFiles
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.ResolveTimeout.DurationValue() == 0 {
		g.ResolveTimeout = Duration(10 * time.Second)
	}
	if g.MaxRedirects == 0 {
		g.MaxRedirects = defaultMaxRedirects
	}
	if g.CoalesceWait.DurationValue() == 0 {
		g.CoalesceWait = Duration(30 * time.Second)
	}
	if g.TeeBufferBytes == 0 {
		g.TeeBufferBytes = ByteSize(defaultTeeBuffer)
	}
	if g.WorkerConcurrency == 0 {
		g.WorkerConcurrency = 2
	}
	if g.ProgressInterval.DurationValue() == 0 {
		g.ProgressInterval = Duration(500 * time.Millisecond)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(ByteSize(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return parseByteSize(v)
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(int64(v)), nil
		case ByteSize:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的容量类型: %T", v)
		}
	}
}
