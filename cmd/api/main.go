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
	"wabatch/internal/config"
	"wabatch/internal/httpserver"
	"wabatch/internal/logging"
	"wabatch/internal/observability"
	sqsqueue "wabatch/internal/queue/sqs"
	"wabatch/internal/store/pg"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{})
	if err != nil {
		slog.Error("api db connect failed", "err", err)
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
		slog.Error("api sqs client init failed", "err", err)
		os.Exit(1)
	}
	producer := &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.SQSQueueURL}

	reg := prometheus.DefaultRegisterer
	observability.Register(reg)

	srv := httpserver.New()
	api := &httpserver.API{Store: st, Queue: producer}
	api.Register(srv.Mux)
	srv.Mux.HandleFunc("/healthz", httpserver.Healthz())
	srv.Mux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
	))

	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpserver.Logging(httpserver.Metrics(observability.HTTPRequests)(srv.Mux)),
	}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("api listening", "port", cfg.Port)
		errCh <- httpSrv.ListenAndServe()
	}()
	go func() {
		slog.Info("api metrics listening", "port", cfg.MetricsPort)
		errCh <- metricsSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("api server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("api shutdown", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
}
