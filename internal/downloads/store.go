package downloads

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Store 把任务记录持久化到独立的 sqlite 文件，不依赖 CGO。
type Store struct {
	db *gorm.DB
}

// OpenStore 打开（必要时创建）任务数据库并迁移表结构。
func OpenStore(dbPath string, logger *logrus.Logger) (*Store, error) {
	if dbPath == "" {
		return nil, errors.New("task database path is empty")
	}
	// sqlite 不会自动创建父目录。
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create task database dir: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(dbPath+"?_busy_timeout=5000&_journal_mode=WAL"), &gorm.Config{
		Logger: newGormLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("open task database %s: %w", dbPath, err)
	}
	if err := db.AutoMigrate(&Task{}); err != nil {
		return nil, fmt.Errorf("migrate task database: %w", err)
	}
	return &Store{db: db}, nil
}

// newGormLogger 把 gorm 日志接到 logrus，级别随全局日志级别映射。
func newGormLogger(logger *logrus.Logger) gormlogger.Interface {
	if logger == nil {
		return gormlogger.Default.LogMode(gormlogger.Silent)
	}
	level := gormlogger.Warn
	switch logger.GetLevel() {
	case logrus.DebugLevel, logrus.TraceLevel:
		level = gormlogger.Info
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		level = gormlogger.Error
	}
	return gormlogger.New(logger.WithField("component", "gorm"), gormlogger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
	})
}

// Get 按 ID 读取任务，不存在时返回 ErrTaskNotFound。
func (s *Store) Get(ctx context.Context, id string) (Task, error) {
	var task Task
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Task{}, ErrTaskNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("load task %s: %w", id, err)
	}
	return task, nil
}

// Save 插入或整体覆盖任务记录。
func (s *Store) Save(ctx context.Context, task Task) error {
	if err := s.db.WithContext(ctx).Save(&task).Error; err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

// UpdateProgress 只更新进度列，记录已被删除时静默忽略。
func (s *Store) UpdateProgress(ctx context.Context, id string, progress int, received, total int64) error {
	err := s.db.WithContext(ctx).Model(&Task{}).Where("id = ?", id).Updates(map[string]interface{}{
		"progress":       progress,
		"bytes_received": received,
		"bytes_total":    total,
	}).Error
	if err != nil {
		return fmt.Errorf("update progress %s: %w", id, err)
	}
	return nil
}

// Delete 删除任务，返回是否真的删除了记录。
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&Task{})
	if res.Error != nil {
		return false, fmt.Errorf("delete task %s: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// List 按时间戳升序返回任务，statuses 为空时返回全部。
func (s *Store) List(ctx context.Context, statuses ...Status) ([]Task, error) {
	var tasks []Task
	query := s.db.WithContext(ctx).Order("timestamp asc").Order("id asc")
	if len(statuses) > 0 {
		values := make([]string, 0, len(statuses))
		for _, status := range statuses {
			values = append(values, string(status))
		}
		query = query.Where("status IN ?", values)
	}
	if err := query.Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// Close 关闭底层连接。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
