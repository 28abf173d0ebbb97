package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"OpenEcon-Agent/pkg/logger"
)

// main 是 OpenEcon 守护进程与命令行工具的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	_ = logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}
