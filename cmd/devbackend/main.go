package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vitwit/brpay/config"
	"github.com/vitwit/brpay/devserver"
	"github.com/vitwit/brpay/logger"
)

func main() {
	cfg, err := config.LoadDevBackend()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	zl, err := logger.NewZapLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer syncLogger(zl)

	serverCfg, err := devserver.ConfigFrom(cfg)
	if err != nil {
		zl.Error("invalid dev backend config", map[string]any{"error": err})
		os.Exit(1)
	}
	srv := devserver.NewServer(serverCfg, devserver.WithLogger(zl))

	zl.Info("starting dev backend", map[string]any{
		"addr":  cfg.Addr,
		"relay": cfg.RelayAddress,
	})
	go func() {
		if err := srv.Start(cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Error("http server error", map[string]any{"error": err})
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan
	zl.Info("signal received, shutting down", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		zl.Error("http server shutdown error", map[string]any{"error": err})
	}
}

func syncLogger(l logger.Logger) {
	if s, ok := l.(interface{ Sync() error }); ok {
		_ = s.Sync()
	}
}
