package main

import (
	"fmt"

	"github.com/shelfcache/shelfcache/internal/version"
)

// printVersion 输出注入的版本、提交与构建所用的 Go 版本。
func printVersion() {
	info := version.Info()
	fmt.Fprintf(stdOut, "%s built %s with %s\n", version.Full(), info["build_date"], info["go"])
}
