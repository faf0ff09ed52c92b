package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别")
	}
	if g.MaxCacheBytes <= 0 {
		return newFieldError("Global.MaxCacheBytes", "必须大于 0")
	}
	if g.MaxCacheFiles < 1 {
		return newFieldError("Global.MaxCacheFiles", "至少为 1")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.ResolveTimeout.DurationValue() <= 0 {
		return newFieldError("Global.ResolveTimeout", "必须大于 0")
	}
	if g.MaxRedirects < 1 || g.MaxRedirects > 50 {
		return newFieldError("Global.MaxRedirects", "必须在 1-50")
	}
	if g.ResolveCacheTTL.DurationValue() < 0 {
		return newFieldError("Global.ResolveCacheTTL", "不能为负数")
	}
	if g.CoalesceWait.DurationValue() <= 0 {
		return newFieldError("Global.CoalesceWait", "必须大于 0")
	}
	if g.TeeBufferBytes < 64*1024 {
		return newFieldError("Global.TeeBufferBytes", "不能小于 64KiB")
	}
	if g.WorkerConcurrency < 1 {
		return newFieldError("Global.WorkerConcurrency", "至少为 1")
	}
	if g.ProgressInterval.DurationValue() <= 0 {
		return newFieldError("Global.ProgressInterval", "必须大于 0")
	}
	if g.DefaultRemote != "" {
		if err := validateRemote(g.DefaultRemote); err != nil {
			return fmt.Errorf("Global.DefaultRemote: %w", err)
		}
	}

	return nil
}

// validateRemote 只做最基本的检查：用户输入的地址会在 resolver 中再做规范化。
func validateRemote(raw string) error {
	if strings.ContainsAny(raw, " \t\n") {
		return errors.New("地址不允许包含空白字符")
	}
	candidate := raw
	if !strings.Contains(candidate, "://") {
		candidate = "http://" + candidate
	}
	parsed, err := url.Parse(candidate)
	if err != nil {
		return err
	}
	if parsed.Host == "" {
		return fmt.Errorf("地址缺少 Host: %s", raw)
	}
	return nil
}
