package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shelfcache/shelfcache/internal/cache"
	"github.com/shelfcache/shelfcache/internal/content"
)

type upstreamStub struct {
	*httptest.Server
	hits    atomic.Int32
	payload []byte
	gate    chan struct{}
}

// newUpstream 在 /api/stream/<id> 上返回 payload，支持 Range；gate 非空时发送响应头后等待放行。
func newUpstream(t *testing.T, payload []byte, gate chan struct{}) *upstreamStub {
	t.Helper()
	stub := &upstreamStub{payload: payload, gate: gate}
	stub.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.hits.Add(1)
		switch {
		case strings.HasSuffix(r.URL.Path, "/missing"):
			http.Error(w, "missing chapter", http.StatusNotFound)
			return
		case r.Header.Get("Authorization") != "Bearer token":
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if stub.gate != nil {
			w.WriteHeader(http.StatusOK)
			w.(http.Flusher).Flush()
			<-stub.gate
			_, _ = w.Write(stub.payload)
			return
		}
		http.ServeContent(w, r, "chapter.mp3", time.Time{}, bytes.NewReader(stub.payload))
	}))
	t.Cleanup(stub.Close)
	return stub
}

func newTestFetcher(t *testing.T, store cache.Store) *Fetcher {
	t.Helper()
	f := NewFetcher(Options{Store: store, CoalesceWait: 2 * time.Second, TeeBufferBytes: 1 << 20})
	t.Cleanup(f.Close)
	return f
}

func newStore(t *testing.T) cache.Store {
	t.Helper()
	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	return store
}

func chapterRequest(t *testing.T, remote, id string) Request {
	t.Helper()
	key, err := content.ChapterKey(remote, id)
	if err != nil {
		t.Fatalf("key error: %v", err)
	}
	return Request{
		Class:     content.MustLookup(content.Chapter),
		Source:    content.Source{ContentID: id, RemoteBaseURL: remote, Token: "token"},
		Key:       key,
		Cacheable: true,
	}
}

func readCached(t *testing.T, store cache.Store, key string) []byte {
	t.Helper()
	result, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("expected cached entry %s: %v", key, err)
	}
	defer result.Reader.Close()
	data, err := io.ReadAll(result.Reader)
	if err != nil {
		t.Fatalf("read cached: %v", err)
	}
	return data
}

func TestFetchPromotesFullResponse(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 200*1024)
	upstream := newUpstream(t, payload, nil)
	store := newStore(t)
	f := newTestFetcher(t, store)
	req := chapterRequest(t, upstream.URL, "ch-1")

	resp, err := f.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if resp.Status != http.StatusOK || !resp.Promoting {
		t.Fatalf("expected promoting 200, got status=%d promoting=%v", resp.Status, resp.Promoting)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	resp.Body.Close()
	f.Wait()

	if !bytes.Equal(body, payload) {
		t.Fatalf("pass-through body mismatch")
	}
	if !bytes.Equal(readCached(t, store, req.Key), payload) {
		t.Fatalf("cached body mismatch")
	}
	if f.InFlight() != 0 {
		t.Fatalf("flight not cleared")
	}
}

func TestFetchRangedResponseNeverPromoted(t *testing.T) {
	payload := bytes.Repeat([]byte("r"), 1000)
	upstream := newUpstream(t, payload, nil)
	store := newStore(t)
	f := newTestFetcher(t, store)
	req := chapterRequest(t, upstream.URL, "ch-1")
	req.Source.Range = "bytes=100-199"

	resp, err := f.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if resp.Status != http.StatusPartialContent || resp.Promoting {
		t.Fatalf("expected non-promoting 206, got status=%d promoting=%v", resp.Status, resp.Promoting)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	f.Wait()

	if len(body) != 100 {
		t.Fatalf("expected 100 bytes, got %d", len(body))
	}
	if _, err := store.Get(context.Background(), req.Key); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("ranged response must not be cached, got %v", err)
	}
}

func TestFetchNon2xxPropagated(t *testing.T) {
	upstream := newUpstream(t, []byte("x"), nil)
	store := newStore(t)
	f := newTestFetcher(t, store)
	req := chapterRequest(t, upstream.URL, "missing")

	resp, err := f.Fetch(context.Background(), req)
	var remoteErr *RemoteFetchError
	if !errors.As(err, &remoteErr) || remoteErr.Status != http.StatusNotFound {
		t.Fatalf("expected RemoteFetchError 404, got %v", err)
	}
	if resp == nil || resp.Status != http.StatusNotFound {
		t.Fatalf("expected upstream response to be returned")
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "missing chapter") {
		t.Fatalf("expected upstream body, got %q", string(body))
	}
	f.Wait()
	if _, err := store.Get(context.Background(), req.Key); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("error response must not be cached")
	}
}

func TestFetchNetworkFailure(t *testing.T) {
	upstream := newUpstream(t, []byte("x"), nil)
	remote := upstream.URL
	upstream.Close()

	f := newTestFetcher(t, newStore(t))
	resp, err := f.Fetch(context.Background(), chapterRequest(t, remote, "ch-1"))
	var remoteErr *RemoteFetchError
	if resp != nil || !errors.As(err, &remoteErr) || remoteErr.Status != 0 {
		t.Fatalf("expected network RemoteFetchError, got resp=%v err=%v", resp, err)
	}
}

func TestFetchUncacheableBypassesStore(t *testing.T) {
	upstream := newUpstream(t, []byte("bypass"), nil)
	store := newStore(t)
	f := newTestFetcher(t, store)
	req := chapterRequest(t, upstream.URL, "ch-1")
	req.Cacheable = false

	resp, err := f.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	f.Wait()

	if resp.Promoting {
		t.Fatalf("uncacheable request must not promote")
	}
	if _, err := store.Get(context.Background(), req.Key); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("uncacheable response must not be cached")
	}
}

func TestFetchCoalescesConcurrentMisses(t *testing.T) {
	payload := bytes.Repeat([]byte("c"), 64*1024)
	gate := make(chan struct{})
	upstream := newUpstream(t, payload, gate)
	store := newStore(t)
	f := newTestFetcher(t, store)
	req := chapterRequest(t, upstream.URL, "ch-1")

	leader, err := f.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("leader fetch error: %v", err)
	}

	followers := make(chan *Response, 2)
	for i := 0; i < 2; i++ {
		go func() {
			resp, err := f.Fetch(context.Background(), req)
			if err != nil {
				t.Errorf("follower fetch error: %v", err)
			}
			followers <- resp
		}()
	}
	// 让跟随者先挂到 flight 上再放行上游正文。
	time.Sleep(100 * time.Millisecond)
	close(gate)

	if _, err := io.ReadAll(leader.Body); err != nil {
		t.Fatalf("leader read: %v", err)
	}
	leader.Body.Close()

	for i := 0; i < 2; i++ {
		resp := <-followers
		if resp == nil || resp.Cached == nil {
			t.Fatalf("expected follower to be served from cache, got %+v", resp)
		}
		data, _ := io.ReadAll(resp.Cached.Reader)
		resp.Cached.Reader.Close()
		if !bytes.Equal(data, payload) {
			t.Fatalf("follower body mismatch")
		}
	}
	f.Wait()

	if hits := upstream.hits.Load(); hits != 1 {
		t.Fatalf("expected a single upstream fetch, got %d", hits)
	}
}

func TestFetchEarlyCloseStillPromotes(t *testing.T) {
	payload := bytes.Repeat([]byte("e"), 512*1024)
	upstream := newUpstream(t, payload, nil)
	store := newStore(t)
	f := newTestFetcher(t, store)
	req := chapterRequest(t, upstream.URL, "ch-1")

	resp, err := f.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	buf := make([]byte, 10)
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		t.Fatalf("partial read: %v", err)
	}
	resp.Body.Close()
	f.Wait()

	if got := readCached(t, store, req.Key); !bytes.Equal(got, payload) {
		t.Fatalf("expected background drain to cache the full body, got %d bytes", len(got))
	}
}

// slowStore 在放行前不读取写入流，用来模拟落后的缓存分支。
type slowStore struct {
	cache.Store
	release chan struct{}
	result  chan error
}

func (s *slowStore) Write(ctx context.Context, key string, body io.Reader) (*cache.Entry, error) {
	<-s.release
	entry, err := s.Store.Write(ctx, key, body)
	s.result <- err
	return entry, err
}

func TestFetchLaggingBranchIsAbandoned(t *testing.T) {
	payload := bytes.Repeat([]byte("l"), 2*1024*1024)
	upstream := newUpstream(t, payload, nil)
	store := &slowStore{Store: newStore(t), release: make(chan struct{}), result: make(chan error, 1)}
	f := NewFetcher(Options{Store: store, TeeBufferBytes: 64 * 1024})
	defer f.Close()
	req := chapterRequest(t, upstream.URL, "ch-1")

	resp, err := f.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("pass-through must not be affected by the lagging branch: %v", err)
	}
	resp.Body.Close()
	if !bytes.Equal(body, payload) {
		t.Fatalf("pass-through body mismatch")
	}

	close(store.release)
	if err := <-store.result; !errors.Is(err, errBranchLagging) {
		t.Fatalf("expected lagging branch error, got %v", err)
	}
	f.Wait()
	if _, err := store.Get(context.Background(), req.Key); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("abandoned branch must not be promoted")
	}
}

func TestPersistWritesWithProgress(t *testing.T) {
	payload := bytes.Repeat([]byte("p"), 300*1024)
	upstream := newUpstream(t, payload, nil)
	store := newStore(t)
	f := newTestFetcher(t, store)
	req := chapterRequest(t, upstream.URL, "ch-1")

	var last, total int64
	entry, err := f.Persist(context.Background(), req, func(received, length int64) {
		last, total = received, length
	})
	if err != nil {
		t.Fatalf("persist error: %v", err)
	}
	if entry.SizeBytes != int64(len(payload)) {
		t.Fatalf("unexpected entry size %d", entry.SizeBytes)
	}
	if last != int64(len(payload)) || total != int64(len(payload)) {
		t.Fatalf("unexpected progress %d/%d", last, total)
	}

	again, err := f.Persist(context.Background(), req, nil)
	if err != nil || again.SizeBytes != entry.SizeBytes {
		t.Fatalf("second persist should reuse cache: %v", err)
	}
	if hits := upstream.hits.Load(); hits != 1 {
		t.Fatalf("expected one upstream hit, got %d", hits)
	}
}

func TestPersistRemoteFailure(t *testing.T) {
	upstream := newUpstream(t, []byte("x"), nil)
	f := newTestFetcher(t, newStore(t))

	_, err := f.Persist(context.Background(), chapterRequest(t, upstream.URL, "missing"), nil)
	var remoteErr *RemoteFetchError
	if !errors.As(err, &remoteErr) || remoteErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404 RemoteFetchError, got %v", err)
	}
}
