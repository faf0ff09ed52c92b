package downloads

import (
	"errors"
	"strings"
	"time"
)

// Status 是下载任务的生命周期状态。
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

var (
	// ErrTaskNotFound 表示任务不存在。
	ErrTaskNotFound = errors.New("download task not found")
	// ErrTaskState 表示当前状态不允许该操作，例如对非 failed 任务调用 Retry。
	ErrTaskState = errors.New("download task state does not allow this operation")
	// ErrInvalidTask 表示提交的任务缺少必要字段。
	ErrInvalidTask = errors.New("invalid download task")
)

// Task 对应一个章节的离线下载记录。ID 即章节 ID，全局唯一。
type Task struct {
	ID            string    `gorm:"primaryKey" json:"id"`
	BookID        string    `gorm:"index" json:"book_id"`
	Status        Status    `gorm:"index" json:"status"`
	Progress      int       `json:"progress"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `gorm:"index" json:"timestamp"`
	RemoteBaseURL string    `json:"remote_base_url"`
	Token         string    `json:"-"`
	CoverURL      string    `json:"cover_url,omitempty"`
	CacheKey      string    `json:"cache_key,omitempty"`
	BytesReceived int64     `json:"bytes_received"`
	BytesTotal    int64     `json:"bytes_total"`
}

// TableName 固定表名，避免 gorm 推导出 "tasks"。
func (Task) TableName() string {
	return "download_tasks"
}

// Terminal 报告任务是否已结束（completed 或 failed）。
func (t Task) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

func (t Task) validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.Join(ErrInvalidTask, errors.New("id required"))
	}
	if strings.TrimSpace(t.RemoteBaseURL) == "" {
		return errors.Join(ErrInvalidTask, errors.New("remote_base_url required"))
	}
	return nil
}

// resetPending 清空上一次执行留下的进度与错误，重新排队。
func (t *Task) resetPending(now time.Time) {
	t.Status = StatusPending
	t.Progress = 0
	t.Error = ""
	t.BytesReceived = 0
	t.BytesTotal = 0
	t.Timestamp = now
}
