// Command ticketforged runs the multi-agent ticket orchestration engine
// described in SPEC_FULL.md: a Store-backed coordinator that dispatches
// worker subprocesses per ticket stage and tracks outcomes through to
// closure.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coldforge/ticketforge/internal/engine"
	"github.com/coldforge/ticketforge/internal/logging"
	"github.com/coldforge/ticketforge/internal/metrics"
	"github.com/coldforge/ticketforge/internal/store"
	"github.com/coldforge/ticketforge/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	var (
		dbPath         = flag.String("db", "ticketforge.db", "SQLite store path")
		addr           = flag.String("addr", ":8090", "HTTP transport listen address")
		workerBinary   = flag.String("worker-bin", "claude", "Worker subprocess binary")
		workerTimeout  = flag.Duration("worker-timeout", 10*time.Minute, "Per-run worker timeout")
		maxStageRetry  = flag.Int("max-stage-retries", 3, "Consecutive failures before a ticket is placed on_hold")
		maxRespawns    = flag.Int("max-respawns", 3, "Respawns before a reclaimed ticket is placed on_hold")
		staleAfter     = flag.Duration("stale-after", 10*time.Minute, "Age at which a running worker is swept as stale")
		sweepSchedule  = flag.String("sweep-schedule", "*/2 * * * *", "Cron schedule for the stale-worker sweep")
		noRespawn      = flag.Bool("no-respawn", false, "Policy flag only; reclaimed tickets are still reopened and re-enqueued (see spec §4.7)")
		verbose        = flag.Bool("verbose", false, "Debug-level logging")
		showVersion    = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("ticketforged %s (%s)\n", version, gitCommit)
		return
	}

	log, err := logging.New(*verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	db, err := store.Open(*dbPath)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}
	defer db.Close()

	cfg := engine.DefaultConfig()
	cfg.WorkerBinary = *workerBinary
	cfg.WorkerTimeout = *workerTimeout
	cfg.MaxStageRetries = *maxStageRetry
	cfg.Recovery.NoRespawn = *noRespawn
	cfg.Recovery.MaxRespawns = *maxRespawns
	cfg.Recovery.StaleAfter = *staleAfter
	cfg.Recovery.SweepSchedule = *sweepSchedule
	cfg.Verbose = *verbose

	reg := prometheus.NewRegistry()
	mtr := metrics.New(reg)

	eng := engine.New(store.NewStore(db), log, cfg, mtr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		log.Fatal("start engine", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", transport.New(eng, log))

	httpServer := &http.Server{Addr: *addr, Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
		if err := eng.Stop(); err != nil {
			log.Error("stop engine", zap.Error(err))
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Info("ticketforged listening", zap.String("addr", *addr), zap.String("db", *dbPath))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("http server", zap.Error(err))
	}
}
