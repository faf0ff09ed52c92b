package media

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

const (
	chunkSize = 32 * 1024
	// minBranchBytes 是缓存分支的最小积压上限。
	minBranchBytes = 4 * chunkSize
)

var (
	errBranchLagging = errors.New("cache branch fell behind the stream")
	errBranchClosed  = errors.New("cache branch closed")
)

// branch 是分叉出来的缓存写入端：生产者（透传读取方）把数据攒进池化 buffer，
// 满一个 chunk 后投递，消费者（Store.Write）按 io.Reader 读取。
// 积压字节超过 limit 时生产者放弃该分支，透传流不受影响。
type branch struct {
	ch       chan *bytebufferpool.ByteBuffer
	quit     chan struct{}
	quitOnce sync.Once
	doneOnce sync.Once
	err      error

	limit  int64
	queued atomic.Int64
	// staged 只由生产者访问。
	staged *bytebufferpool.ByteBuffer

	cur *bytebufferpool.ByteBuffer
	off int
}

func newBranch(limit int64) *branch {
	if limit < minBranchBytes {
		limit = minBranchBytes
	}
	// 每个投递的 buffer 至少 chunkSize 字节，末尾的残余块另占一格。
	slots := int(limit/chunkSize) + 2
	return &branch{
		ch:    make(chan *bytebufferpool.ByteBuffer, slots),
		quit:  make(chan struct{}),
		limit: limit,
	}
}

func (b *branch) stage(p []byte) {
	if b.staged == nil {
		b.staged = bytebufferpool.Get()
	}
	_, _ = b.staged.Write(p)
}

// offer 非阻塞投递；返回 false 表示分支已放弃。
func (b *branch) offer(p []byte) bool {
	select {
	case <-b.quit:
		return false
	default:
	}
	b.stage(p)
	if b.staged.Len() < chunkSize {
		return true
	}
	if b.queued.Load()+int64(b.staged.Len()) > b.limit || !b.enqueue(false) {
		b.finish(errBranchLagging)
		return false
	}
	return true
}

// push 阻塞投递，只在客户端断开后的后台排空阶段使用。
func (b *branch) push(p []byte) bool {
	select {
	case <-b.quit:
		return false
	default:
	}
	b.stage(p)
	if b.staged.Len() < chunkSize {
		return true
	}
	return b.enqueue(true)
}

// flush 阻塞投递残余数据。
func (b *branch) flush() bool {
	return b.enqueue(true)
}

func (b *branch) enqueue(block bool) bool {
	buf := b.staged
	if buf == nil {
		return true
	}
	b.staged = nil
	if buf.Len() == 0 {
		bytebufferpool.Put(buf)
		return true
	}
	n := int64(buf.Len())
	b.queued.Add(n)
	if block {
		select {
		case b.ch <- buf:
			return true
		case <-b.quit:
		}
	} else {
		select {
		case b.ch <- buf:
			return true
		case <-b.quit:
		default:
		}
	}
	b.queued.Add(-n)
	bytebufferpool.Put(buf)
	return false
}

// finish 由生产者调用一次：err 为 nil 表示上游正常结束，残余数据随之投递。
func (b *branch) finish(err error) {
	b.doneOnce.Do(func() {
		if err == nil && !b.enqueue(false) {
			err = errBranchLagging
		}
		if b.staged != nil {
			bytebufferpool.Put(b.staged)
			b.staged = nil
		}
		if err == nil {
			err = io.EOF
		}
		b.err = err
		close(b.ch)
	})
}

func (b *branch) Read(p []byte) (int, error) {
	for b.cur == nil {
		select {
		case buf, ok := <-b.ch:
			if !ok {
				return 0, b.err
			}
			if buf.Len() == 0 {
				bytebufferpool.Put(buf)
				continue
			}
			b.queued.Add(-int64(buf.Len()))
			b.cur, b.off = buf, 0
		case <-b.quit:
			return 0, errBranchClosed
		}
	}

	n := copy(p, b.cur.B[b.off:])
	b.off += n
	if b.off >= b.cur.Len() {
		bytebufferpool.Put(b.cur)
		b.cur = nil
	}
	return n, nil
}

// Close 由消费者调用（包括 Store.Write 在取消时），生产者随后停止投递。
func (b *branch) Close() error {
	b.quitOnce.Do(func() { close(b.quit) })
	return nil
}

// teeReader 是返回给调用方的透传端。调用方提前 Close 时，剩余上游数据在后台继续写入分支。
type teeReader struct {
	src    io.ReadCloser
	branch *branch
	done   bool
	wg     *sync.WaitGroup
	once   sync.Once
}

func newTeeReader(src io.ReadCloser, b *branch, wg *sync.WaitGroup) *teeReader {
	return &teeReader{src: src, branch: b, wg: wg}
}

func (t *teeReader) Read(p []byte) (int, error) {
	n, err := t.src.Read(p)
	if n > 0 && t.branch != nil && !t.branch.offer(p[:n]) {
		t.branch = nil
	}
	if err != nil {
		t.done = true
		if t.branch != nil {
			if errors.Is(err, io.EOF) {
				t.branch.finish(nil)
			} else {
				t.branch.finish(err)
			}
			t.branch = nil
		}
	}
	return n, err
}

func (t *teeReader) Close() error {
	var err error
	t.once.Do(func() {
		b := t.branch
		t.branch = nil
		if b == nil || t.done {
			err = t.src.Close()
			return
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			b.finish(drainInto(t.src, b))
			_ = t.src.Close()
		}()
	})
	return err
}

func drainInto(src io.Reader, b *branch) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 && !b.push(buf[:n]) {
			return errBranchClosed
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !b.flush() {
					return errBranchClosed
				}
				return nil
			}
			return err
		}
	}
}
