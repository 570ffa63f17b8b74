package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wabatch/internal/awsutil"
	"wabatch/internal/batch"
	"wabatch/internal/config"
	"wabatch/internal/events"
	"wabatch/internal/httpserver"
	"wabatch/internal/logging"
	"wabatch/internal/observability"
	sqsqueue "wabatch/internal/queue/sqs"
	"wabatch/internal/store/pg"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadReaper()
	logging.Init("reaper", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{})
	if err != nil {
		slog.Error("reaper db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	st := pg.New(db)

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()
	if err := db.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("reaper sqs client init failed", "err", err)
		os.Exit(1)
	}
	producer := &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.SQSQueueURL}

	reg := prometheus.DefaultRegisterer
	observability.Register(reg)

	reaper := &batch.Reaper{
		Store:               st,
		Queue:               producer,
		Events:              events.NewPublisher(),
		Grace:               cfg.Grace,
		HardCeiling:         cfg.HardCeiling,
		FailEmpty:           cfg.StalePolicy != "hold",
		WebhookLogRetention: cfg.WebhookLogRetention,
		ScanLimit:           cfg.ScanLimit,
	}

	healthMux := httpserver.New().Mux
	healthMux.HandleFunc("/healthz", httpserver.Healthz())
	healthMux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
	))
	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: httpserver.Logging(healthMux)}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("reaper health listening", "port", cfg.Port)
		errCh <- healthSrv.ListenAndServe()
	}()
	go func() {
		slog.Info("reaper metrics listening", "port", cfg.MetricsPort)
		errCh <- metricsSrv.ListenAndServe()
	}()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		slog.Info("reaper loop starting", "interval", cfg.Interval.String(),
			"grace", cfg.Grace.String(), "hard_ceiling", cfg.HardCeiling.String())
		reaper.Loop(ctx, cfg.Interval)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("reaper server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("reaper shutdown", "signal", sig.String())
	}

	cancel()
	<-loopDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
}
