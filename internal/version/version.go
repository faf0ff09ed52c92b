// Package version 保存构建期注入的版本信息。
package version

import (
	"fmt"
	"runtime"
)

// Version/Commit/BuildDate 可在构建时通过 -ldflags 注入，默认使用开发占位符。
var (
	Version   = "0.1.0"
	Commit    = "dev"
	BuildDate = "unknown"
)

// Full 返回便于 CLI 打印的完整版本信息。
func Full() string {
	return fmt.Sprintf("shelfcache %s (%s)", Version, Commit)
}

// Info 汇总版本字段，供 /-/version 诊断接口输出。
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"commit":     Commit,
		"build_date": BuildDate,
		"go":         runtime.Version(),
	}
}
