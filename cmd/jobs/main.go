package main

import (
	"context"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/wavenet/access-control-plane/internal/app"
	"github.com/wavenet/access-control-plane/internal/config"
	"github.com/wavenet/access-control-plane/internal/jobs"
	"github.com/wavenet/access-control-plane/internal/logging"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatalf("logging: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	defer a.Close()

	jobs.NewRunner(a.Engine, a.Bridge, jobs.Intervals{
		Sweep:     cfg.Tunables.SweepInterval,
		Retry:     cfg.Tunables.RetryInterval,
		Reconcile: cfg.Tunables.ReconcileInterval,
		Sync:      cfg.Tunables.SyncInterval,
	}).Start(ctx)

	log.Info("access-jobs worker started")
	<-ctx.Done()
	log.Info("access-jobs worker stopping")
}
