// Package metricslog 定义咨询记录的追加式日志及其内存、JSONL 文件与主备镜像实现。
package metricslog

import (
	"context"
	"sync"

	xerrors "OpenEcon-Agent/internal/errors"
	"OpenEcon-Agent/internal/metrics"
)

// Log 是只追加的咨询记录日志。Read 按时间顺序返回最近 limit 条，limit<=0 表示全部；
// 没有任何记录时返回空切片而不是错误。
type Log interface {
	Append(ctx context.Context, record metrics.Record) error
	Read(ctx context.Context, limit int) ([]metrics.Record, error)
	Close() error
}

// ErrClosed 表示日志已关闭。
var ErrClosed = xerrors.New(xerrors.CodeStorageFailure, "咨询日志已关闭")

// Memory 以内存切片保存记录，主要用于测试与单机试用。
type Memory struct {
	mu      sync.RWMutex
	records []metrics.Record
	closed  bool
}

var _ Log = (*Memory)(nil)

// NewMemory 创建内存日志。
func NewMemory() *Memory {
	return &Memory{}
}

// Append 实现 Log。
func (m *Memory) Append(_ context.Context, record metrics.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.records = append(m.records, record)
	return nil
}

// Read 实现 Log。
func (m *Memory) Read(_ context.Context, limit int) ([]metrics.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return tail(m.records, limit), nil
}

// Len 返回记录数。
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Close 实现 Log。
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func tail(records []metrics.Record, limit int) []metrics.Record {
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return append([]metrics.Record{}, records...)
}
