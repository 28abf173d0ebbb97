package main

import (
	"context"
	"errors"
	"sync"

	"github.com/spf13/cobra"

	"OpenEcon-Agent/internal/api"
	"OpenEcon-Agent/internal/auth"
	"OpenEcon-Agent/internal/observability/alerting"
	obsmetrics "OpenEcon-Agent/internal/observability/metrics"
	"OpenEcon-Agent/internal/task"
	"OpenEcon-Agent/pkg/logger"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var workers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Arranca la API HTTP, el procesador de tareas y el endpoint de métricas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := bootstrap(ctx, opts.configPath, true)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(ctx, workers)
		},
	}
	cmd.Flags().BoolVar(&workers, "workers", true, "procesar tareas asíncronas en este proceso")
	return cmd
}

// serve 运行 API、任务处理器与指标服务，任一组件失败即整体退出。
func (a *app) serve(ctx context.Context, withWorkers bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	authService, err := auth.NewService(a.cfg.Auth)
	if err != nil {
		return err
	}

	log := logger.Named("openecond")
	errCh := make(chan error, 3)
	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("组件退出", "component", name, "error", err)
				errCh <- err
			}
		}()
	}

	server := api.NewServer(a.cfg.Server.Address, a.pipeline,
		api.WithTaskService(a.tasks),
		api.WithSettings(a.admin),
		api.WithAuth(authService),
		api.WithPrices(prices(a.cfg.Pricing)),
	)
	run("api", server.Start)
	if withWorkers {
		run("processor", a.newProcessor().Start)
	}
	if addr := a.cfg.Observability.MetricsAddress; addr != "" {
		run("metrics", func(ctx context.Context) error { return obsmetrics.StartServer(ctx, addr) })
	}
	log.Info("openecond 已启动",
		"addr", a.cfg.Server.Address,
		"queue", a.cfg.Queue.Driver,
		"metrics_log", a.cfg.Storage.MetricsLog.Driver,
		"workers", withWorkers,
		"auth", authService.Mode(),
	)

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	cancel()
	wg.Wait()
	log.Info("openecond 已停止")
	return err
}

func (a *app) newProcessor() *task.Processor {
	dispatcher := alerting.NewFanout(&alerting.LogNotifier{}, alerting.AuditNotifier{})
	return task.NewProcessor(a.pipeline, a.store, a.queue, a.queue,
		task.WithWorkerCount(a.cfg.Queue.Workers),
		task.WithAlertDispatcher(dispatcher),
	)
}

// startProcessor 在后台运行处理器，返回的函数停止处理器并等待其退出。
func (a *app) startProcessor(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	processor := a.newProcessor()
	go func() {
		defer close(done)
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Named("openecond").Error("任务处理器退出", "error", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
