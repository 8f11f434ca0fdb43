package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxrelay/voxrelay/pkg/runner"
	"github.com/voxrelay/voxrelay/pkg/voxrelay"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := voxrelay.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := voxrelay.NewEngine(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "engine error:", err)
		os.Exit(1)
	}

	lifecycle := runner.NewLifecycleRunner(engine, runner.Hooks{
		OnStop: func() {
			slog.Info("voxrelay_stopped")
		},
	}, 15*time.Second)

	errCh := make(chan error, 1)
	go func() {
		errCh <- engine.Run(ctx)
	}()
	go func() {
		<-ctx.Done()
		_ = lifecycle.Stop()
	}()

	if err := lifecycle.Run(ctx); err != nil {
		slog.Error("voxrelay_shutdown_error", "error", err.Error())
	}
	if err := <-errCh; err != nil {
		slog.Error("voxrelay_run_error", "error", err.Error())
		os.Exit(1)
	}
}
