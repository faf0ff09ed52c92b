package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const (
	coverKeyPrefix = "cover_"
	browserAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	imageAccept    = "image/avif,image/webp,image/*,*/*;q=0.8"
)

// CoverKey 以书籍 ID 为身份：封面 URL 可能来自第三方且会变化。
// ID 中不安全的字符被替换，替换发生时追加短哈希避免冲突。
func CoverKey(bookID string) (string, error) {
	if strings.TrimSpace(bookID) == "" {
		return "", errors.New("book id required")
	}
	safe := sanitizeID(bookID)
	if safe != bookID {
		sum := sha256.Sum256([]byte(bookID))
		safe += "_" + hex.EncodeToString(sum[:4])
	}
	return coverKeyPrefix + safe, nil
}

func sanitizeID(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// DefaultCoverURL 是服务器自带的封面地址，任务未携带封面 URL 时使用。
func DefaultCoverURL(remoteBaseURL, bookID string) string {
	return strings.TrimRight(remoteBaseURL, "/") + "/api/items/" + url.PathEscape(bookID) + "/cover"
}

func buildCoverRequest(ctx context.Context, src Source) (*http.Request, error) {
	target := src.URL
	if target == "" && src.RemoteBaseURL != "" {
		target = DefaultCoverURL(src.RemoteBaseURL, src.ContentID)
	}
	parsed, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid cover url: %w", err)
	}
	if (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("invalid cover url: %q", target)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", browserAgent)
	req.Header.Set("Accept", imageAccept)
	req.Header.Set("Referer", parsed.Scheme+"://"+parsed.Host+"/")
	if src.Range != "" {
		req.Header.Set("Range", src.Range)
	}
	// 令牌只发给自家服务器，第三方图床拿不到。
	if src.Token != "" && sameHost(parsed, src.RemoteBaseURL) {
		req.Header.Set("Authorization", "Bearer "+src.Token)
	}
	return req, nil
}

func sameHost(target *url.URL, remoteBaseURL string) bool {
	if remoteBaseURL == "" {
		return false
	}
	remote, err := url.Parse(remoteBaseURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(remote.Host, target.Host)
}

func init() {
	MustRegister(Class{
		Key:              Cover,
		Description:      "Book cover image fetched from an arbitrary URL with browser headers",
		DefaultMediaType: "image/jpeg",
		KeyScheme:        "cover_{bookId}",
		CacheKey: func(src Source) (string, error) {
			return CoverKey(src.ContentID)
		},
		BuildRequest: buildCoverRequest,
	})
}
