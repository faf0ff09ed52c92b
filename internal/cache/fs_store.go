package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/shelfcache/shelfcache/internal/logging"
)

// Option 调整 fileStore 的可选行为。
type Option func(*fileStore)

// WithLogger 注入结构化日志。
func WithLogger(logger *logrus.Logger) Option {
	return func(s *fileStore) {
		s.logger = logging.Component(logger, "cache")
	}
}

// NewStore 以 basePath 为根目录构建磁盘缓存，整个进程复用一份实例。
func NewStore(basePath string, opts ...Option) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	genCtx, genCancel := context.WithCancel(context.Background())
	s := &fileStore{
		basePath:  abs,
		logger:    logging.Component(nil, "cache"),
		locks:     make(map[string]*entryLock),
		genCtx:    genCtx,
		genCancel: genCancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// fileStore 通过 entryLock 串行化同一 key 的写入；clearMu 让 Clear 等待所有写入退出，
// 写入本身通过 generation context 感知 Clear 的取消。
type fileStore struct {
	basePath string
	logger   *logrus.Entry

	mu        sync.Mutex
	locks     map[string]*entryLock
	hook      WriteHook
	genCtx    context.Context
	genCancel context.CancelFunc

	clearMu sync.RWMutex
	evictMu sync.Mutex
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) OnWrite(hook WriteHook) {
	s.mu.Lock()
	s.hook = hook
	s.mu.Unlock()
}

func (s *fileStore) Path(key string) (string, error) {
	if err := ValidKey(key); err != nil {
		return "", fmt.Errorf("%w: %q", err, key)
	}
	return filepath.Join(s.basePath, key), nil
}

func (s *fileStore) Get(ctx context.Context, key string) (*ReadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filePath, err := s.Path(key)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, ErrNotFound
	}
	if info.Size() == 0 {
		s.dropCorrupt(key, filePath)
		return nil, ErrNotFound
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &ReadResult{
		Entry: Entry{
			Key:       key,
			FilePath:  filePath,
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		},
		Reader: f,
	}, nil
}

func (s *fileStore) Write(ctx context.Context, key string, body io.Reader) (*Entry, error) {
	filePath, err := s.Path(key)
	if err != nil {
		return nil, &WriteError{Key: key, Err: err}
	}

	s.clearMu.RLock()
	defer s.clearMu.RUnlock()

	ctx, cancel := s.writeContext(ctx)
	defer cancel()
	if closer, ok := body.(io.Closer); ok {
		// 取消时关闭 body，释放阻塞在 Read 上的写入方。
		stop := context.AfterFunc(ctx, func() { _ = closer.Close() })
		defer stop()
	}

	unlock := s.lockEntry(key)
	defer unlock()

	entry, err := s.writeFile(ctx, key, filePath, body)
	if err != nil {
		return nil, &WriteError{Key: key, Err: err}
	}

	s.mu.Lock()
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook(*entry)
	}
	return entry, nil
}

func (s *fileStore) writeFile(ctx context.Context, key, filePath string, body io.Reader) (*Entry, error) {
	tempName := filePath + TempSuffix
	tempFile, err := os.OpenFile(tempName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err == nil && written == 0 {
		err = errors.New("empty body")
	}
	if err != nil {
		os.Remove(tempName)
		return nil, err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return nil, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return nil, err
	}

	return &Entry{
		Key:       key,
		FilePath:  filePath,
		SizeBytes: written,
		ModTime:   info.ModTime(),
	}, nil
}

func (s *fileStore) Remove(ctx context.Context, key string) error {
	filePath, err := s.Path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) Stat(ctx context.Context) (Snapshot, error) {
	dirEntries, err := os.ReadDir(s.basePath)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list cache dir: %w", err)
	}

	var snap Snapshot
	for _, d := range dirEntries {
		if err := ctx.Err(); err != nil {
			return Snapshot{}, err
		}
		name := d.Name()
		if d.IsDir() || strings.HasSuffix(name, TempSuffix) || strings.HasPrefix(name, ".") {
			continue
		}
		info, err := d.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.logger.WithError(err).WithField("cache_key", name).Warn("cache_stat_failed")
			}
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		filePath := filepath.Join(s.basePath, name)
		if info.Size() == 0 {
			s.dropCorrupt(name, filePath)
			continue
		}
		snap.Entries = append(snap.Entries, Entry{
			Key:       name,
			FilePath:  filePath,
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
		})
		snap.TotalBytes += info.Size()
	}
	return snap, nil
}

func (s *fileStore) Evict(ctx context.Context, maxBytes int64, maxFiles int) (EvictResult, error) {
	if maxBytes < 0 || maxFiles < 1 {
		return EvictResult{}, fmt.Errorf("invalid eviction bounds: bytes=%d files=%d", maxBytes, maxFiles)
	}

	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	snap, err := s.Stat(ctx)
	if err != nil {
		return EvictResult{}, err
	}

	result := EvictResult{TotalBytes: snap.TotalBytes, Count: snap.Count()}
	if result.TotalBytes <= maxBytes && result.Count <= maxFiles {
		return result, nil
	}

	for _, entry := range evictionOrder(snap.Entries) {
		if result.Count <= maxFiles && result.TotalBytes <= maxBytes {
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := os.Remove(entry.FilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			evictErr := &EvictionError{Key: entry.Key, Err: err}
			s.logger.WithError(evictErr).WithField("cache_key", entry.Key).Warn("evict_entry_failed")
			result.Failed = append(result.Failed, entry.Key)
			continue
		}
		result.Removed = append(result.Removed, entry.Key)
		result.Count--
		result.TotalBytes -= entry.SizeBytes
	}
	return result, nil
}

// evictionOrder 按 ModTime 升序排列，时间相同时按 key 排序，保证删除顺序确定。
func evictionOrder(entries []Entry) []Entry {
	ordered := append([]Entry(nil), entries...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].ModTime.Equal(ordered[j].ModTime) {
			return ordered[i].ModTime.Before(ordered[j].ModTime)
		}
		return ordered[i].Key < ordered[j].Key
	})
	return ordered
}

func (s *fileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.genCancel()
	s.mu.Unlock()

	s.clearMu.Lock()
	defer s.clearMu.Unlock()

	defer func() {
		genCtx, genCancel := context.WithCancel(context.Background())
		s.mu.Lock()
		s.genCtx, s.genCancel = genCtx, genCancel
		s.mu.Unlock()
	}()

	dirEntries, err := os.ReadDir(s.basePath)
	if err != nil {
		return fmt.Errorf("list cache dir: %w", err)
	}

	var errs []error
	for _, d := range dirEntries {
		if d.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.basePath, d.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// writeContext 把调用方 ctx 与当前 generation 合并，Clear 会取消 generation。
func (s *fileStore) writeContext(parent context.Context) (context.Context, context.CancelFunc) {
	s.mu.Lock()
	gen := s.genCtx
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(gen, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *fileStore) dropCorrupt(key, filePath string) {
	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.WithError(err).WithField("cache_key", key).Warn("cache_drop_corrupt_failed")
		return
	}
	s.logger.WithField("cache_key", key).Info("cache_drop_corrupt")
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
