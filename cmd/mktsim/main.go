// mktsim runs a simulated market-data provider for local development.
// Usage: go run ./cmd/mktsim --addr :8194 --tick 500ms
package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/easymkt/internal/auth"
	"github.com/rickgao/easymkt/internal/config"
	"github.com/rickgao/easymkt/internal/simulator"
	"github.com/rickgao/easymkt/internal/version"
)

func main() {
	addr := flag.String("addr", ":8194", "listen address")
	tick := flag.Duration("tick", 250*time.Millisecond, "interval between updates per subscription")
	maxTicks := flag.Int("max-ticks", 0, "updates before a subscription terminates (0 = unlimited)")
	services := flag.String("services", simulator.DefaultService, "comma-separated services that open successfully")
	reject := flag.String("reject", "", "comma-separated topics to reject")
	publicKey := flag.String("public-key", "", "PEM key; when set, handshakes must be signed")
	logLevel := flag.String("log-level", config.LogBasic, "basic, detailed, debug, info, warn or error")
	flag.Parse()

	logger, err := config.LogConfig{Level: *logLevel}.NewLogger(os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	cfg := simulator.DefaultConfig()
	cfg.TickInterval = *tick
	cfg.MaxTicks = *maxTicks
	cfg.Services = splitList(*services)
	cfg.Reject = splitList(*reject)

	if *publicKey != "" {
		var key *rsa.PublicKey
		key, err = auth.LoadPublicKey(*publicKey)
		if err != nil {
			logger.Error("failed to load public key", "error", err)
			os.Exit(1)
		}
		cfg.PublicKey = key
	}

	if err := run(*addr, cfg, logger); err != nil {
		logger.Error("mktsim failed", "error", err)
		os.Exit(1)
	}
}

func run(addr string, cfg simulator.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sim := simulator.New(cfg, logger)
	server := &http.Server{
		Addr:              addr,
		Handler:           sim,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("starting mktsim", version.Attr(),
		"addr", addr,
		"services", cfg.Services,
		"tick", cfg.TickInterval,
		"signed", cfg.PublicKey != nil,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		// Hijacked WebSocket connections are not tracked by the server.
		sim.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	stats := sim.Stats()
	logger.Info("mktsim stopped",
		"connections", stats.Connections,
		"subscriptions", stats.Subscriptions,
		"ticks", stats.Ticks,
	)
	return err
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
