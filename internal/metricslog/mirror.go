package metricslog

import (
	"context"
	"errors"

	xerrors "OpenEcon-Agent/internal/errors"
	"OpenEcon-Agent/internal/metrics"
	"OpenEcon-Agent/pkg/logger"
)

// Mirror 同时写入主日志与备份日志；读取优先主日志，主日志失败或为空时读取备份。
type Mirror struct {
	primary Log
	backup  Log
}

var _ Log = (*Mirror)(nil)

// NewMirror 创建主备日志；backup 可以为空。
func NewMirror(primary, backup Log) *Mirror {
	return &Mirror{primary: primary, backup: backup}
}

// Append 两路都会尝试写入，只有两路都失败才返回错误。
func (m *Mirror) Append(ctx context.Context, record metrics.Record) error {
	primaryErr := m.primary.Append(ctx, record)
	if m.backup == nil {
		return primaryErr
	}
	backupErr := m.backup.Append(ctx, record)

	switch {
	case primaryErr == nil && backupErr == nil:
		return nil
	case primaryErr != nil && backupErr != nil:
		return xerrors.Wrap(xerrors.CodeStorageFailure, errors.Join(primaryErr, backupErr), "主备日志均写入失败")
	case primaryErr != nil:
		logger.Named("metricslog").Warn("主日志写入失败，已写入备份", "record_id", record.ID, "error", primaryErr)
	default:
		logger.Named("metricslog").Warn("备份日志写入失败", "record_id", record.ID, "error", backupErr)
	}
	return nil
}

// Read 实现 Log。
func (m *Mirror) Read(ctx context.Context, limit int) ([]metrics.Record, error) {
	records, err := m.primary.Read(ctx, limit)
	if err == nil && (len(records) > 0 || m.backup == nil) {
		return records, nil
	}
	if m.backup == nil {
		return nil, err
	}
	if err != nil {
		logger.Named("metricslog").Warn("主日志读取失败，改读备份", "error", err)
	}
	return m.backup.Read(ctx, limit)
}

// Close 关闭两路日志。
func (m *Mirror) Close() error {
	err := m.primary.Close()
	if m.backup != nil {
		err = errors.Join(err, m.backup.Close())
	}
	return err
}
