// Command brpay pays one invoice code and prints the payment progress.
//
//	brpay [code]
//
// Without a code it asks the backend for a demo invoice.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vitwit/brpay"
	"github.com/vitwit/brpay/config"
	"github.com/vitwit/brpay/logger"
	"github.com/vitwit/brpay/metrics"
	"github.com/vitwit/brpay/orchestrator"
	"github.com/vitwit/brpay/types"
	"github.com/vitwit/brpay/utils"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 2
	}

	zl, err := logger.NewZapLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return 2
	}
	defer func() {
		if s, ok := zl.(interface{ Sync() error }); ok {
			_ = s.Sync()
		}
	}()

	opts := []brpay.Option{brpay.WithLogger(zl)}
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		recorder, err := metrics.NewPrometheusRecorder(reg)
		if err != nil {
			zl.Error("failed to register metrics", map[string]any{"error": err})
			return 1
		}
		opts = append(opts, brpay.WithMetrics(recorder))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zl.Error("metrics server error", map[string]any{"error": err})
			}
		}()
		defer metricsSrv.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := brpay.New(ctx, cfg, opts...)
	if err != nil {
		zl.Error("failed to start", map[string]any{"error": err})
		return 1
	}
	defer client.Close()

	if summary, err := client.WalletSummary(ctx); err == nil {
		fmt.Printf("account %s holds %s %s\n", summary.Account.Hex(),
			utils.FormatUnits(summary.Balance, summary.Decimals), summary.Symbol)
	}

	code := ""
	if len(os.Args) > 1 {
		code = os.Args[1]
	} else {
		code, err = client.GenerateBrcode(ctx)
		if err != nil {
			zl.Error("failed to generate brcode", map[string]any{"error": err})
			return 1
		}
		fmt.Printf("generated brcode %s\n", code)
	}

	updates, unsubscribe := client.Subscribe()
	defer unsubscribe()
	client.Accept(code)

	for {
		select {
		case <-ctx.Done():
			fmt.Println("interrupted")
			return 130
		case snap, ok := <-updates:
			if !ok {
				return 1
			}
			render(ctx, client, snap)
			switch snap.State {
			case orchestrator.StateTerminal:
				if snap.Succeeded() {
					return 0
				}
				return 1
			case orchestrator.StateHalted:
				return 1
			}
		}
	}
}

func render(ctx context.Context, client *brpay.Client, snap orchestrator.Snapshot) {
	switch snap.State {
	case orchestrator.StateIdle:
		return
	case orchestrator.StateQuoting:
		if snap.Invoice == nil {
			fmt.Printf("resolving %s\n", snap.Code)
			return
		}
		amount, err := client.FormatAmount(ctx, snap.Invoice)
		if err != nil {
			amount = snap.Invoice.TokenAmountRequired
		}
		fmt.Printf("invoice %s: %s BRL due to %s (%s)\n",
			snap.Invoice.ID, snap.Invoice.Amount.StringFixed(2), snap.Invoice.Name, amount)
	case orchestrator.StatePending:
		if snap.Status == types.StatusUnknown {
			fmt.Println("payment requested, waiting for status")
			return
		}
		fmt.Printf("status: %s\n", snap.Status.Label())
	case orchestrator.StateTerminal:
		fmt.Printf("finished: %s\n", snap.Outcome.Label())
		if snap.Err != nil {
			fmt.Printf("  %v\n", snap.Err)
		}
	case orchestrator.StateHalted:
		fmt.Printf("halted [%s]: %v\n", snap.ErrCode, snap.Err)
		if snap.Retryable() {
			fmt.Println("run again to retry")
		}
	default:
		fmt.Printf("%s\n", snap.State)
	}
}
