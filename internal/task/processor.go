package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"

	xerrors "OpenEcon-Agent/internal/errors"
	"OpenEcon-Agent/internal/observability/alerting"
	"OpenEcon-Agent/internal/pipeline"
	"OpenEcon-Agent/pkg/logger"
)

// Executor 定义了处理器所需的咨询能力，*pipeline.Pipeline 满足该接口。
type Executor interface {
	ProcessRequest(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Processor 负责从队列消费任务并交给咨询流水线执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("task"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动任务处理循环，阻塞直到 ctx 结束或队列关闭。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) ||
			stdErrors.Is(err, ErrTaskExhausted) || stdErrors.Is(err, ErrTaskConflict) {
			p.logger.Debug("跳过任务", "task_id", taskID, "reason", err.Error())
			return nil
		}
		p.logger.Error("领取任务失败", "task_id", taskID, "error", err)
		p.emitAlert(ctx, &Task{ID: taskID}, err, "claim")
		return err
	}

	result, execErr := p.executor.ProcessRequest(ctx, pipeline.Request{
		Question:    task.Question,
		Strategy:    task.Strategy,
		Temperature: task.Temperature,
	})
	if execErr != nil {
		return p.handleExecutionFailure(ctx, task, execErr)
	}

	record := Result{
		Answer:    result.Record.Answer,
		Route:     string(result.Route),
		RecordID:  result.Record.ID,
		LatencyMS: result.Record.LatencyMS,
	}
	if result.PersistErr != nil {
		p.logger.Warn("咨询记录未能写入，任务结果仍然保存", "task_id", task.ID, "error", result.PersistErr)
	}
	if err := p.store.MarkSucceeded(ctx, task.ID, record); err != nil {
		p.logger.Error("标记任务成功状态失败", "task_id", task.ID, "error", err)
		if storeErr := p.store.MarkFailed(ctx, task.ID, CodeTaskProcessing, err.Error(), false); storeErr != nil {
			return storeErr
		}
		if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
			return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 在标记成功失败后重投失败", task.ID))
		}
		return nil
	}
	logger.Audit().Info("任务执行成功",
		slog.String("task_id", task.ID),
		slog.String("route", record.Route),
		slog.String("record_id", record.RecordID),
		slog.Int("attempts", task.Attempts),
	)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := task.Attempts >= task.MaxRetries || !retryable

	if storeErr := p.store.MarkFailed(ctx, task.ID, code, execErr.Error(), terminal); storeErr != nil {
		p.logger.Error("标记任务失败状态出错", "task_id", task.ID, "error", storeErr)
		return storeErr
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", task.ID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.String("stage", string(xerrors.StageOf(execErr))),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	if terminal {
		stage := "terminal"
		if !retryable {
			stage = "non_retryable"
		}
		p.emitAlert(ctx, task, execErr, stage)
		return nil
	}

	if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
		return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", task.ID))
	}
	p.logger.Debug("任务已重新排队", "task_id", task.ID, "attempts", task.Attempts)
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, cause error, phase string) {
	if p.alerter == nil || task == nil {
		return
	}
	event := alerting.EventFromError(cause, task.ID, task.Attempts, task.MaxRetries)
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	event.Metadata["phase"] = phase
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败", "task_id", task.ID, "phase", phase, "error", err)
	}
}
