package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/durably-dev/durably/internal/config"
	"github.com/durably-dev/durably/internal/store"
	"github.com/durably-dev/durably/internal/store/postgres"
	"github.com/durably-dev/durably/internal/store/traced"
	"github.com/durably-dev/durably/internal/tracing"
	"github.com/durably-dev/durably/pkg/worker"
	"github.com/durably-dev/durably/pkg/workflow"
)

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "workerdemo",
	Short: "durably worker demo",
	Long: `workerdemo is a thin binary wiring internal/config, a Postgres
Store, and the worker dispatcher together. It registers one sample
workflow (greet) and serves /healthz and /metrics for the process it
runs in; it is not the product surface, just proof the pieces compose.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := serve(cmd.Context()); err != nil {
			log.Fatalf("workerdemo: %v", err)
		}
	},
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName: cfg.Observability.ServiceName,
		Disabled:    cfg.Observability.TracingOff,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	pgStore, err := postgres.Connect(ctx, postgres.Config{
		DSN:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: 2 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	defer pgStore.Close()

	var st store.Store = traced.Wrap(pgStore)

	w := worker.New(st, worker.Config{
		NamespaceID:   cfg.Worker.NamespaceID,
		Concurrency:   cfg.Worker.Concurrency,
		PollInterval:  cfg.Worker.PollInterval,
		LeaseDuration: cfg.Worker.LeaseDuration,
		Workflows:     []*workflow.Workflow{greetWorkflow},
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	workerErr := make(chan error, 1)
	go func() {
		workerErr <- w.Start(runCtx)
	}()

	httpServer := &http.Server{
		Addr:         cfg.Observability.MetricsAddr,
		Handler:      healthRouter(pgStore),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Printf("workerdemo listening on %s", cfg.Observability.MetricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("health/metrics server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		log.Println("shutting down")
	case err := <-workerErr:
		if err != nil {
			log.Printf("worker exited: %v", err)
		}
	}

	cancel()
	w.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

func healthRouter(pgStore *postgres.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		code := http.StatusOK
		if err := pgStore.DB().PingContext(ctx); err != nil {
			status = "not_ready"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	})

	r.Handle("/metrics", promhttp.Handler())
	return r
}
