package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	lagoon "github.com/nevindra/lagoon"
	"github.com/nevindra/lagoon/internal/config"
	"github.com/nevindra/lagoon/observer"
	"github.com/nevindra/lagoon/store/postgres"
	"github.com/nevindra/lagoon/store/sqlite"
)

func main() {
	// 1. Load config
	cfg := config.Load(os.Getenv("LAGOON_CONFIG"))
	ctx := context.Background()

	// 2. Backend with retry on non-streaming calls
	hb := lagoon.NewHTTPBackend(cfg.Backend.BaseURL, lagoon.StaticToken(cfg.Backend.Token))
	var backend lagoon.Backend = lagoon.WithRetry(hb, lagoon.RetryMaxAttempts(cfg.Backend.RetryAttempts))

	// 3. Observer (opt-in via config)
	var tracer lagoon.Tracer
	if cfg.Observer.Enabled {
		if cfg.Observer.Endpoint != "" && os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
			os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Observer.Endpoint)
		}
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			log.Fatalf(" [observer] init failed: %v", err)
		}
		defer shutdown(context.Background())
		backend = observer.WrapBackend(backend, inst)
		tracer = observer.NewTracer()
		log.Println(" [observer] OTEL observability enabled")
	}

	// 4. Session index
	var sessions lagoon.SessionStore
	if cfg.Store.PostgresURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Store.PostgresURL)
		if err != nil {
			log.Fatalf(" [store] postgres: %v", err)
		}
		defer pool.Close()
		sessions = postgres.New(pool)
	} else {
		_ = os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755)
		sessions = sqlite.New(cfg.Store.Path)
	}
	if err := sessions.Init(ctx); err != nil {
		log.Fatalf(" [store] init: %v", err)
	}
	defer sessions.Close()

	// 5. Controller
	app := newApp(cfg, backend, hb, tracer, sessions)

	// 6. Ctrl+C stops the in-flight turn instead of killing the client;
	// a second Ctrl+C exits.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		_ = app.ctrl.Stop(context.Background())
		<-sig
		os.Exit(1)
	}()

	if err := app.run(ctx); err != nil {
		log.Fatal(err)
	}
}
