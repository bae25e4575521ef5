package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/outofforest/logger"
	"go.uber.org/zap"
)

func main() {
	if err := mainE(); err != nil {
		os.Exit(1)
	}
}

func mainE() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log := logger.New(logger.DefaultConfig)
	ctx = logger.WithLogger(ctx, log)

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		log.Error("Failure", zap.Error(err))
		_ = log.Sync()
		return err
	}

	return nil
}
