package main

import (
	"net/http"
	"testing"
	"time"

	"github.com/wavenet/access-control-plane/internal/config"
)

func TestNewHTTPServer_WriteTimeoutCoversLongPoll(t *testing.T) {
	cfg := config.Config{ListenAddr: ":8080", Tunables: config.DefaultTunables()}
	srv := newHTTPServer(cfg, http.NotFoundHandler())
	// 3s * 40 polls plus headroom.
	if srv.WriteTimeout != 150*time.Second {
		t.Fatalf("unexpected write timeout: %v", srv.WriteTimeout)
	}
	if srv.Addr != ":8080" {
		t.Fatalf("unexpected addr: %s", srv.Addr)
	}
}

func TestNewHTTPServer_MinimumWriteTimeout(t *testing.T) {
	cfg := config.Config{Tunables: config.DefaultTunables()}
	cfg.Tunables.PollInterval = time.Second
	cfg.Tunables.PollAttempts = 5
	if got := newHTTPServer(cfg, http.NotFoundHandler()).WriteTimeout; got != time.Minute {
		t.Fatalf("expected one minute floor, got %v", got)
	}
}
