package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/wavenet/access-control-plane/internal/api"
	"github.com/wavenet/access-control-plane/internal/app"
	"github.com/wavenet/access-control-plane/internal/config"
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

	handler := api.NewRouter(cfg, api.Deps{
		Store:    a.Store,
		Payments: a.Bridge,
		Vouchers: a.Allocator,
		Sessions: a.Engine,
		Vault:    a.Vault,
		Gateways: a.Routers,
		Limiter:  a.Limiter,
	})
	srv := newHTTPServer(cfg, handler)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithFields(log.Fields{
		"addr":             cfg.ListenAddr,
		"router_provider":  cfg.RouterProvider,
		"payment_provider": cfg.PaymentProvider,
		"vault_provider":   cfg.VaultProvider,
	}).Info("access-control-plane listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server: %v", err)
	}
}

// newHTTPServer sizes the write timeout so a payment status long-poll can
// run its full course before the connection is cut.
func newHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	longPoll := cfg.Tunables.PollInterval * time.Duration(cfg.Tunables.PollAttempts)
	writeTimeout := longPoll + 30*time.Second
	if writeTimeout < time.Minute {
		writeTimeout = time.Minute
	}
	return &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}
}
