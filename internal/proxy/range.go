package proxy

import (
	"strconv"
	"strings"
)

type rangeKind int

const (
	rangeNone rangeKind = iota
	rangeSatisfiable
	rangeUnsatisfiable
)

// byteRange 为闭区间 [start, end]。
type byteRange struct {
	start int64
	end   int64
}

func (r byteRange) length() int64 {
	return r.end - r.start + 1
}

// parseRange 解析单段 Range 头。语法错误（含多段）返回 rangeNone，调用方按整文件 200 处理；
// 语法正确但起点越界返回 rangeUnsatisfiable。
func parseRange(header string, size int64) (byteRange, rangeKind) {
	header = strings.TrimSpace(header)
	if header == "" || size <= 0 {
		return byteRange{}, rangeNone
	}
	const prefix = "bytes="
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return byteRange{}, rangeNone
	}
	value := strings.TrimSpace(header[len(prefix):])
	if strings.Contains(value, ",") {
		return byteRange{}, rangeNone
	}

	startRaw, endRaw, ok := strings.Cut(value, "-")
	if !ok {
		return byteRange{}, rangeNone
	}
	startRaw = strings.TrimSpace(startRaw)
	endRaw = strings.TrimSpace(endRaw)

	if startRaw == "" {
		// bytes=-N：最后 N 个字节。
		suffix, err := strconv.ParseInt(endRaw, 10, 64)
		if err != nil || suffix < 0 {
			return byteRange{}, rangeNone
		}
		if suffix == 0 {
			return byteRange{}, rangeUnsatisfiable
		}
		if suffix > size {
			suffix = size
		}
		return byteRange{start: size - suffix, end: size - 1}, rangeSatisfiable
	}

	start, err := strconv.ParseInt(startRaw, 10, 64)
	if err != nil || start < 0 {
		return byteRange{}, rangeNone
	}
	end := size - 1
	if endRaw != "" {
		end, err = strconv.ParseInt(endRaw, 10, 64)
		if err != nil || end < start {
			return byteRange{}, rangeNone
		}
	}
	if start >= size {
		return byteRange{}, rangeUnsatisfiable
	}
	if end > size-1 {
		end = size - 1
	}
	return byteRange{start: start, end: end}, rangeSatisfiable
}
