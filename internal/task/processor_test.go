package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenEcon-Agent/internal/errors"
	"OpenEcon-Agent/internal/metrics"
	"OpenEcon-Agent/internal/observability/alerting"
	"OpenEcon-Agent/internal/pipeline"
	"OpenEcon-Agent/internal/router"
)

type fakeExecutor struct {
	processed atomic.Int32
	latency   time.Duration
	// failures 为前 n 次调用返回的错误。
	failures []error
	calls    atomic.Int32
}

func (f *fakeExecutor) ProcessRequest(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	call := int(f.calls.Add(1))
	if call <= len(f.failures) {
		return nil, f.failures[call-1]
	}
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.processed.Add(1)
	return &pipeline.Result{
		Record: metrics.Record{ID: fmt.Sprintf("rec-%d", call), Question: req.Question, Answer: "respuesta", LatencyMS: 12},
		Route:  router.RouteExchangeRate,
	}, nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingDispatcher) snapshot() []alerting.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alerting.Event(nil), r.events...)
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	executor := &fakeExecutor{latency: 10 * time.Millisecond}

	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue, WithWorkerCount(8))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 200
	for i := 0; i < total; i++ {
		if _, err := service.Submit(ctx, Request{Question: fmt.Sprintf("¿Cuál es la TRM del día %d?", i)}); err != nil {
			t.Fatalf("提交任务失败: %v", err)
		}
	}

	require.Eventually(t, func() bool {
		stats, err := service.Stats(ctx)
		return err == nil && stats.Succeeded == total
	}, 5*time.Second, 20*time.Millisecond)
	assert.EqualValues(t, total, executor.processed.Load())
}

func runProcessor(t *testing.T, executor Executor, maxRetries int, opts ...ProcessorOption) (*Service, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	service := NewService(store, queue, maxRetries)
	processor := NewProcessor(executor, store, queue, queue, opts...)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = processor.Start(ctx)
	}()
	return service, func() {
		cancel()
		<-done
	}
}

func TestProcessorRetriesRetryableFailures(t *testing.T) {
	executor := &fakeExecutor{failures: []error{
		xerrors.New(xerrors.CodeSpecialistFailure, "agente TRM sin respuesta"),
	}}
	alerts := &recordingDispatcher{}
	service, stop := runProcessor(t, executor, 3, WithAlertDispatcher(alerts))
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	submitted, err := service.Submit(ctx, Request{Question: "¿Cuál es la TRM hoy?", Strategy: "langgraph"})
	require.NoError(t, err)
	assert.Equal(t, string(pipeline.StrategyMulti), submitted.Strategy)

	final, err := service.WaitUntilCompleted(ctx, submitted.ID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, final.Status)
	assert.Equal(t, 2, final.Attempts)
	require.NotNil(t, final.Result)
	assert.Equal(t, "respuesta", final.Result.Answer)
	assert.Equal(t, "exchange_rate", final.Result.Route)
	assert.Empty(t, alerts.snapshot(), "retried failures do not alert")
}

func TestProcessorAlertsOnTerminalFailure(t *testing.T) {
	cause := xerrors.New(xerrors.CodeSynthesisFailure, "síntesis vacía")
	executor := &fakeExecutor{failures: []error{cause, cause}}
	alerts := &recordingDispatcher{}
	service, stop := runProcessor(t, executor, 2, WithAlertDispatcher(alerts))
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	submitted, err := service.Submit(ctx, Request{Question: "¿Cómo afecta la TRM al PIB?"})
	require.NoError(t, err)

	final, err := service.WaitUntilCompleted(ctx, submitted.ID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, 2, final.Attempts)
	assert.Equal(t, string(xerrors.CodeSynthesisFailure), final.ErrorCode)

	require.Eventually(t, func() bool { return len(alerts.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	event := alerts.snapshot()[0]
	assert.Equal(t, submitted.ID, event.TaskID)
	assert.Equal(t, xerrors.StageSynthesis, event.Stage)
	assert.Equal(t, "terminal", event.Metadata["phase"])
}

func TestProcessorDoesNotRetryNonRetryableFailures(t *testing.T) {
	executor := &fakeExecutor{failures: []error{
		xerrors.New(xerrors.CodeInvalidArgument, "问题过短"),
	}}
	alerts := &recordingDispatcher{}
	service, stop := runProcessor(t, executor, 3, WithAlertDispatcher(alerts))
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	submitted, err := service.Submit(ctx, Request{Question: "¿Exportaciones de café?"})
	require.NoError(t, err)

	final, err := service.WaitUntilCompleted(ctx, submitted.ID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, 1, final.Attempts)
	assert.EqualValues(t, 1, executor.calls.Load())
	require.Eventually(t, func() bool { return len(alerts.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "non_retryable", alerts.snapshot()[0].Metadata["phase"])
}
