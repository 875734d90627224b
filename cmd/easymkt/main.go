// easymkt opens a market-data session, subscribes the configured securities
// and optionally records every update to PostgreSQL.
// Usage: go run ./cmd/easymkt --config configs/easymkt.yaml
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/easymkt"
	"github.com/rickgao/easymkt/internal/config"
	"github.com/rickgao/easymkt/internal/database"
	"github.com/rickgao/easymkt/internal/feed"
	"github.com/rickgao/easymkt/internal/metrics"
	"github.com/rickgao/easymkt/internal/version"
	"github.com/rickgao/easymkt/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/easymkt.yaml", "path to config file")
	printUpdates := flag.Bool("print", false, "print every update to stdout")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	if err := run(*configPath, *printUpdates); err != nil {
		slog.Error("easymkt failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, printUpdates bool) error {
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := cfg.Log.NewLogger(os.Stdout)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	slog.SetDefault(logger)

	logger.Info("starting easymkt", version.Attr(), "config", configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	var m *metrics.Metrics
	reg := prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.New(reg)
	}

	// Optional recorder
	var (
		pool     *pgxpool.Pool
		recorder *writer.UpdateWriter
	)
	if cfg.Database.Enabled {
		logger.Info("connecting to database",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Name,
		)
		pool, err = database.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		if err := database.EnsureSchema(ctx, pool, logger); err != nil {
			return err
		}

		recorder = writer.NewUpdateWriter(writer.Config{
			BatchSize:     cfg.Recorder.BatchSize,
			FlushInterval: cfg.Recorder.FlushInterval,
			BufferSize:    cfg.Recorder.BufferSize,
		}, pool, logger, m)
		// Detached from ctx so the final batch is written after a signal.
		if err := recorder.Start(context.Background()); err != nil {
			return fmt.Errorf("start recorder: %w", err)
		}
		defer stopRecorder(recorder, 30*time.Second, logger)
	}

	client, err := easymkt.New(
		easymkt.ConfigFrom(cfg.Session, cfg.Subscriptions),
		easymkt.WithLogger(logger),
		easymkt.WithMetrics(m),
		easymkt.WithErrorHandler(func(err error) {
			logger.Warn("session error", "error", err)
		}),
	)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if err := client.Close(closeCtx); err != nil {
			logger.Warn("close session", "error", err)
		}
	}()

	for _, name := range cfg.Subscriptions.Fields {
		if _, err := client.AddField(name); err != nil {
			return err
		}
	}
	for _, id := range cfg.Subscriptions.Securities {
		sec, err := client.AddSecurity(id)
		if err != nil {
			return err
		}
		var h feed.Handler = updateLogger(logger, sec.Name(), printUpdates)
		if recorder != nil {
			h = recorder.Wrap(sec.Name(), h)
		}
		sec.SetHandler(h)
	}

	if err := client.Open(ctx); err != nil {
		return err
	}
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           createHandler(cfg.Metrics.Path, reg, client, pool),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		select {
		case <-client.Done():
			return client.Err()
		case <-gctx.Done():
			return nil
		}
	})

	logger.Info("easymkt running",
		"securities", len(cfg.Subscriptions.Securities),
		"fields", len(cfg.Subscriptions.Fields),
		"recording", recorder != nil,
	)

	err = g.Wait()
	logger.Info("shutting down...", "stats", client.Stats())
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// stopRecorder flushes the recorder within timeout and logs a failed or
// timed-out final flush.
func stopRecorder(r interface{ Stop(context.Context) error }, timeout time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		logger.Warn("stop recorder", "error", err)
	}
}

// updateLogger logs each update at debug level, or prints it when
// toStdout is set.
func updateLogger(logger *slog.Logger, security string, toStdout bool) feed.Handler {
	return feed.HandlerFunc(func(msg feed.Message) {
		if toStdout {
			fmt.Printf("%s %s %s\n", msg.ReceivedAt.Format(time.RFC3339Nano), security, msg.Data)
			return
		}
		logger.Debug("update", "security", security, "data", string(msg.Data))
	})
}

// createHandler serves metrics and a health check.
func createHandler(metricsPath string, reg *prometheus.Registry, client *easymkt.Client, pool *pgxpool.Pool) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		stats := client.Stats()
		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status: "healthy",
			Components: map[string]any{
				"session": map[string]any{
					"state":          stats.State.String(),
					"subscriptions":  stats.RouterEntries,
					"dispatched":     stats.Dispatched,
					"unknown_tokens": stats.UnknownUpdates,
				},
			},
		}
		if stats.State != easymkt.ServiceReady {
			health.Status = "unhealthy"
		}

		if pool != nil {
			if err := pool.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["database"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["database"] = "connected"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	return mux
}
