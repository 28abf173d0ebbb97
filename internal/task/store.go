package task

import (
	"context"

	xerrors "OpenEcon-Agent/internal/errors"
)

// Store 抽象了任务状态的持久化接口。
//
// MarkFailed 的 terminal 为 false 时任务回到 pending 等待重投，为 true 时任务终止。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Claim(ctx context.Context, id string) (*Task, error)
	MarkSucceeded(ctx context.Context, id string, result Result) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}

func failedStatus(terminal bool) Status {
	if terminal {
		return StatusFailed
	}
	return StatusPending
}
