package downloads

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shelfcache/shelfcache/internal/cache"
	"github.com/shelfcache/shelfcache/internal/content"
	"github.com/shelfcache/shelfcache/internal/media"
	"github.com/shelfcache/shelfcache/internal/worker"
)

type remoteStub struct {
	srv       *httptest.Server
	payload   []byte
	hits      atomic.Int32
	coverHits atomic.Int32
	active    atomic.Int32
	maxActive atomic.Int32
	failing   atomic.Bool
	gate      chan struct{}
	started   chan string
}

func newRemoteStub(t *testing.T, payload []byte) *remoteStub {
	t.Helper()
	stub := &remoteStub{payload: payload, started: make(chan string, 64)}
	stub.srv = httptest.NewServer(http.HandlerFunc(stub.serve))
	t.Cleanup(stub.srv.Close)
	return stub
}

func (s *remoteStub) serve(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/api/items/"):
		s.coverHits.Add(1)
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("cover-bytes"))
	case strings.HasPrefix(r.URL.Path, "/api/stream/"):
		s.hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if s.failing.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		current := s.active.Add(1)
		defer s.active.Add(-1)
		for {
			prev := s.maxActive.Load()
			if current <= prev || s.maxActive.CompareAndSwap(prev, current) {
				break
			}
		}
		s.started <- strings.TrimPrefix(r.URL.Path, "/api/stream/")
		if s.gate != nil {
			select {
			case <-s.gate:
			case <-r.Context().Done():
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(s.payload))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type queueEnv struct {
	queue  *Queue
	tasks  *Store
	store  cache.Store
	pool   *worker.Pool
	remote *remoteStub
	events chan Task
}

func newQueueEnv(t *testing.T, remote *remoteStub, seed ...Task) *queueEnv {
	t.Helper()
	dir := t.TempDir()
	store, err := cache.NewStore(filepath.Join(dir, "cache"))
	if err != nil {
		t.Fatalf("init cache: %v", err)
	}
	tasks, err := OpenStore(filepath.Join(dir, "tasks.sqlite"), nil)
	if err != nil {
		t.Fatalf("open task store: %v", err)
	}
	for _, task := range seed {
		if err := tasks.Save(context.Background(), task); err != nil {
			t.Fatalf("seed task: %v", err)
		}
	}
	fetcher := media.NewFetcher(media.Options{Store: store, CoalesceWait: time.Second, TeeBufferBytes: 1 << 20})
	pool := worker.New(2, nil)

	env := &queueEnv{tasks: tasks, store: store, pool: pool, remote: remote, events: make(chan Task, 1024)}
	queue, err := NewQueue(Options{
		Tasks:            tasks,
		Cache:            store,
		Fetcher:          fetcher,
		Executor:         pool,
		ProgressInterval: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("init queue: %v", err)
	}
	env.queue = queue
	queue.Subscribe(func(task Task) { env.events <- task })

	t.Cleanup(func() {
		queue.Close()
		pool.Close()
		fetcher.Close()
		tasks.Close()
	})
	return env
}

func (e *queueEnv) task(id string) Task {
	return Task{ID: id, BookID: "book-1", RemoteBaseURL: e.remote.srv.URL, Token: "token"}
}

func (e *queueEnv) waitStatus(t *testing.T, id string, status Status) Task {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case task := <-e.events:
			if task.ID == id && task.Status == status {
				return task
			}
		case <-timeout:
			current, _ := e.queue.Get(context.Background(), id)
			t.Fatalf("task %s did not reach %s, current=%+v", id, status, current)
		}
	}
}

func TestQueueCompletesTask(t *testing.T) {
	remote := newRemoteStub(t, bytes.Repeat([]byte("a"), 4096))
	env := newQueueEnv(t, remote)

	added, err := env.queue.Add(context.Background(), env.task("ch-1"))
	if err != nil {
		t.Fatalf("add error: %v", err)
	}
	if added.Status != StatusPending {
		t.Fatalf("expected pending on add, got %s", added.Status)
	}

	env.waitStatus(t, "ch-1", StatusCompleted)
	stored, err := env.queue.Get(context.Background(), "ch-1")
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if stored.Progress != 100 || stored.BytesReceived != 4096 || stored.CacheKey == "" {
		t.Fatalf("unexpected completed task: %+v", stored)
	}
	expectedKey, _ := content.ChapterKey(remote.srv.URL, "ch-1")
	if stored.CacheKey != expectedKey {
		t.Fatalf("expected key %s, got %s", expectedKey, stored.CacheKey)
	}
	result, err := env.store.Get(context.Background(), stored.CacheKey)
	if err != nil {
		t.Fatalf("expected cached chapter: %v", err)
	}
	result.Reader.Close()

	env.pool.Wait()
	if remote.coverHits.Load() != 1 {
		t.Fatalf("expected cover prefetch, got %d", remote.coverHits.Load())
	}
	coverKey, _ := content.CoverKey("book-1")
	if _, err := env.store.Get(context.Background(), coverKey); err != nil {
		t.Fatalf("expected cached cover: %v", err)
	}
}

func TestQueueProcessesOneTaskAtATime(t *testing.T) {
	remote := newRemoteStub(t, []byte("chapter"))
	env := newQueueEnv(t, remote)

	ids := []string{"ch-1", "ch-2", "ch-3"}
	for _, id := range ids {
		if _, err := env.queue.Add(context.Background(), env.task(id)); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	for _, id := range ids {
		env.waitStatus(t, id, StatusCompleted)
	}
	if remote.maxActive.Load() != 1 {
		t.Fatalf("expected serial downloads, max concurrent=%d", remote.maxActive.Load())
	}
	for i, id := range ids {
		if got := <-remote.started; got != id {
			t.Fatalf("download %d: expected %s, got %s", i, id, got)
		}
	}
}

func TestQueueAddCompletedIsNoop(t *testing.T) {
	remote := newRemoteStub(t, []byte("chapter"))
	env := newQueueEnv(t, remote)

	env.queue.Add(context.Background(), env.task("ch-1"))
	env.waitStatus(t, "ch-1", StatusCompleted)

	again, err := env.queue.Add(context.Background(), env.task("ch-1"))
	if err != nil {
		t.Fatalf("add error: %v", err)
	}
	if again.Status != StatusCompleted {
		t.Fatalf("expected completed task returned, got %s", again.Status)
	}
	if env.queue.Pending() != 0 {
		t.Fatalf("completed task must not be queued again")
	}
	if remote.hits.Load() != 1 {
		t.Fatalf("expected a single download, got %d", remote.hits.Load())
	}
}

func TestQueueFailedTaskRetry(t *testing.T) {
	remote := newRemoteStub(t, []byte("chapter"))
	remote.failing.Store(true)
	env := newQueueEnv(t, remote)

	env.queue.Add(context.Background(), env.task("ch-1"))
	failed := env.waitStatus(t, "ch-1", StatusFailed)
	if !strings.Contains(failed.Error, "500") {
		t.Fatalf("expected upstream status in error, got %q", failed.Error)
	}

	remote.failing.Store(false)
	retried, err := env.queue.Retry(context.Background(), "ch-1")
	if err != nil {
		t.Fatalf("retry error: %v", err)
	}
	if retried.Status != StatusPending || retried.Error != "" {
		t.Fatalf("expected reset task, got %+v", retried)
	}
	env.waitStatus(t, "ch-1", StatusCompleted)

	if _, err := env.queue.Retry(context.Background(), "ch-1"); !errors.Is(err, ErrTaskState) {
		t.Fatalf("expected ErrTaskState for completed task, got %v", err)
	}
	if _, err := env.queue.Retry(context.Background(), "nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestQueueAddFailedResetsToPending(t *testing.T) {
	remote := newRemoteStub(t, []byte("chapter"))
	remote.failing.Store(true)
	env := newQueueEnv(t, remote)

	env.queue.Add(context.Background(), env.task("ch-1"))
	env.waitStatus(t, "ch-1", StatusFailed)

	remote.failing.Store(false)
	again, err := env.queue.Add(context.Background(), env.task("ch-1"))
	if err != nil {
		t.Fatalf("add error: %v", err)
	}
	if again.Status != StatusPending {
		t.Fatalf("expected failed task reset to pending, got %s", again.Status)
	}
	env.waitStatus(t, "ch-1", StatusCompleted)

	all, _ := env.queue.List(context.Background())
	if len(all) != 1 {
		t.Fatalf("expected a single task record, got %d", len(all))
	}
}

func TestQueueRequeuesCompletedWhenEntryMissing(t *testing.T) {
	remote := newRemoteStub(t, []byte("chapter"))
	env := newQueueEnv(t, remote)

	env.queue.Add(context.Background(), env.task("ch-1"))
	done := env.waitStatus(t, "ch-1", StatusCompleted)

	if err := env.store.Remove(context.Background(), done.CacheKey); err != nil {
		t.Fatalf("remove entry: %v", err)
	}
	missing, err := env.queue.Verify(context.Background())
	if err != nil {
		t.Fatalf("verify error: %v", err)
	}
	if len(missing) != 1 || missing[0].ID != "ch-1" {
		t.Fatalf("expected ch-1 reported missing, got %+v", missing)
	}

	again, _ := env.queue.Add(context.Background(), env.task("ch-1"))
	if again.Status != StatusPending {
		t.Fatalf("expected vanished entry to be re-queued, got %s", again.Status)
	}
	env.waitStatus(t, "ch-1", StatusCompleted)
	if remote.hits.Load() != 2 {
		t.Fatalf("expected a second download, got %d", remote.hits.Load())
	}
}

func TestQueueRestoresUnfinishedTasksInOrder(t *testing.T) {
	remote := newRemoteStub(t, []byte("chapter"))
	base := time.Now().Add(-time.Hour)
	seed := []Task{
		{ID: "late", RemoteBaseURL: remote.srv.URL, Token: "token", Status: StatusPending, Timestamp: base.Add(2 * time.Minute)},
		{ID: "crashed", RemoteBaseURL: remote.srv.URL, Token: "token", Status: StatusDownloading, Timestamp: base},
		{ID: "finished", RemoteBaseURL: remote.srv.URL, Token: "token", Status: StatusCompleted, Timestamp: base.Add(time.Minute)},
	}
	env := newQueueEnv(t, remote, seed...)

	env.waitStatus(t, "crashed", StatusCompleted)
	env.waitStatus(t, "late", StatusCompleted)

	if first := <-remote.started; first != "crashed" {
		t.Fatalf("expected oldest task first, got %s", first)
	}
	if remote.hits.Load() != 2 {
		t.Fatalf("completed task must not be restored, hits=%d", remote.hits.Load())
	}
}

func TestQueueRemoveCancelsActiveDownload(t *testing.T) {
	remote := newRemoteStub(t, []byte("chapter"))
	remote.gate = make(chan struct{})
	var release sync.Once
	openGate := func() { release.Do(func() { close(remote.gate) }) }
	t.Cleanup(openGate)
	env := newQueueEnv(t, remote)

	env.queue.Add(context.Background(), env.task("ch-1"))
	env.waitStatus(t, "ch-1", StatusDownloading)
	<-remote.started

	if err := env.queue.Remove(context.Background(), "ch-1"); err != nil {
		t.Fatalf("remove error: %v", err)
	}
	if _, err := env.queue.Get(context.Background(), "ch-1"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected task removed, got %v", err)
	}
	if err := env.queue.Remove(context.Background(), "ch-1"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound on second remove, got %v", err)
	}

	// 队列应继续处理后续任务。
	openGate()
	env.queue.Add(context.Background(), env.task("ch-2"))
	env.waitStatus(t, "ch-2", StatusCompleted)
}

func TestQueueRejectsInvalidTask(t *testing.T) {
	remote := newRemoteStub(t, []byte("chapter"))
	env := newQueueEnv(t, remote)

	if _, err := env.queue.Add(context.Background(), Task{ID: "ch-1"}); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("expected ErrInvalidTask without remote, got %v", err)
	}
	if _, err := env.queue.Add(context.Background(), Task{RemoteBaseURL: remote.srv.URL}); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("expected ErrInvalidTask without id, got %v", err)
	}
}

func TestQueueReportsProgress(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 100*1024)
	remote := newRemoteStub(t, payload)
	env := newQueueEnv(t, remote)

	env.queue.Add(context.Background(), env.task("ch-1"))

	last := -1
	updates := 0
	timeout := time.After(5 * time.Second)
	for {
		select {
		case task := <-env.events:
			if task.ID != "ch-1" {
				continue
			}
			if task.Status == StatusDownloading && task.BytesReceived > 0 {
				if task.Progress < last || task.Progress > 99 {
					t.Fatalf("unexpected progress sequence: %d after %d", task.Progress, last)
				}
				if task.BytesTotal != int64(len(payload)) {
					t.Fatalf("expected total %d, got %d", len(payload), task.BytesTotal)
				}
				last = task.Progress
				updates++
			}
			if task.Status == StatusCompleted {
				if updates == 0 {
					t.Fatalf("expected at least one progress update")
				}
				if task.Progress != 100 {
					t.Fatalf("expected 100 on completion, got %d", task.Progress)
				}
				return
			}
		case <-timeout:
			t.Fatalf("download did not complete")
		}
	}
}
