package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

const chapterKeyLength = 40

// ChapterKey 对 (规范化远端地址, 章节 ID) 做 sha256，不同服务器的同名 ID 不会共享条目。
func ChapterKey(remoteBaseURL, chapterID string) (string, error) {
	if strings.TrimSpace(chapterID) == "" {
		return "", errors.New("chapter id required")
	}
	if strings.TrimSpace(remoteBaseURL) == "" {
		return "", errors.New("remote base url required")
	}
	sum := sha256.Sum256([]byte(strings.TrimRight(remoteBaseURL, "/") + "\n" + chapterID))
	return hex.EncodeToString(sum[:])[:chapterKeyLength] + ".mp3", nil
}

func buildChapterRequest(ctx context.Context, src Source) (*http.Request, error) {
	if src.RemoteBaseURL == "" {
		return nil, errors.New("remote base url required")
	}
	target := strings.TrimRight(src.RemoteBaseURL, "/") + "/api/stream/" + url.PathEscape(src.ContentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if src.Token != "" {
		req.Header.Set("Authorization", "Bearer "+src.Token)
	}
	if src.Range != "" {
		req.Header.Set("Range", src.Range)
	}
	return req, nil
}

func init() {
	MustRegister(Class{
		Key:              Chapter,
		Description:      "Audiobook chapter audio streamed from {remote}/api/stream/{id}",
		DefaultMediaType: "audio/mpeg",
		KeyScheme:        "sha256(remote+id)[:40].mp3",
		CacheKey: func(src Source) (string, error) {
			base := src.KeyBase
			if base == "" {
				base = src.RemoteBaseURL
			}
			return ChapterKey(base, src.ContentID)
		},
		BuildRequest: buildChapterRequest,
	})
}
