package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"wabatch/internal/awsutil"
	"wabatch/internal/batch"
	"wabatch/internal/config"
	"wabatch/internal/enrich"
	"wabatch/internal/events"
	"wabatch/internal/handler"
	"wabatch/internal/httpserver"
	"wabatch/internal/logging"
	"wabatch/internal/media"
	"wabatch/internal/observability"
	"wabatch/internal/outbound"
	sqsqueue "wabatch/internal/queue/sqs"
	"wabatch/internal/store/pg"
	"wabatch/internal/transcribe"
	"wabatch/internal/whatsapp"
	workerproc "wabatch/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.LoadWorker()
	logging.Init("worker", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{})
	if err != nil {
		slog.Error("worker db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	st := pg.New(db)

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		slog.Error("worker sqs client init failed", "err", err)
		os.Exit(1)
	}

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()
	if err := db.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}
	if _, err := sqsClient.GetQueueAttributes(startupCtx, &sqs.GetQueueAttributesInput{
		QueueUrl:       &cfg.SQSQueueURL,
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	}); err != nil {
		slog.Error("sqs not reachable", "err", err)
		os.Exit(1)
	}

	reg := prometheus.DefaultRegisterer
	observability.Register(reg)

	producer := &sqsqueue.Producer{SQS: sqsClient, QueueURL: cfg.SQSQueueURL}
	consumer := &sqsqueue.Consumer{
		SQS: sqsClient, QueueURL: cfg.SQSQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
	}

	// Graph client behind a per-pod limiter and a shared breaker
	graph := &whatsapp.Client{
		AccessToken: cfg.GraphAccessToken,
		BaseURL:     cfg.GraphBaseURL,
		HTTP:        &http.Client{Timeout: 30 * time.Second},
		Limiter:     rate.NewLimiter(rate.Limit(cfg.GraphRPSPerPod), cfg.GraphBurst),
		Breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "whatsapp-graph",
			MaxRequests: 3,
			Timeout:     20 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
		}),
	}

	storage := media.NewDiskStorage(cfg.MediaDir, cfg.MediaBaseURL)
	transcriber := &transcribe.HTTPTranscriber{
		BaseURL:  cfg.TranscribeBaseURL,
		APIKey:   cfg.TranscribeAPIKey,
		Model:    cfg.TranscribeModel,
		Language: cfg.TranscribeLanguage,
		HTTP:     &http.Client{Timeout: 120 * time.Second},
	}

	pub := events.NewPublisher()

	registry := handler.NewRegistry()
	registry.Register("log", handler.LogHandler{})

	sender := &outbound.Sender{Store: st, Client: graph, Events: pub}
	coordinator := &batch.Coordinator{Store: st, Queue: producer, Events: pub}
	dispatcher := &batch.Dispatcher{
		Store:    st,
		Queue:    producer,
		Handlers: registry,
		Out:      sender,
		Events:   pub,
	}
	mediaFetcher := &enrich.MediaFetcher{
		Store:   st,
		Queue:   producer,
		Client:  graph,
		Storage: storage,
		Recheck: coordinator,
		Events:  pub,
	}
	audioTranscriber := &enrich.AudioTranscriber{
		Store:       st,
		Queue:       producer,
		Storage:     storage,
		Transcriber: transcriber,
		Recheck:     coordinator,
		Events:      pub,
	}

	processor := &workerproc.Processor{
		Coordinator: coordinator,
		Dispatcher:  dispatcher,
		Media:       mediaFetcher,
		Transcriber: audioTranscriber,
		Sender:      sender,
	}

	// health + metrics
	healthMux := httpserver.New().Mux
	healthMux.HandleFunc("/healthz", httpserver.Healthz())
	healthMux.HandleFunc("/readyz", httpserver.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
		func(c context.Context) error {
			_, err := sqsClient.GetQueueAttributes(c, &sqs.GetQueueAttributesInput{
				QueueUrl:       &cfg.SQSQueueURL,
				AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
			})
			return err
		},
	))
	healthSrv := &http.Server{Addr: ":" + cfg.Port, Handler: httpserver.Logging(healthMux)}
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}

	healthErrCh := make(chan error, 2)
	go func() {
		slog.Info("worker health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()
	go func() {
		slog.Info("worker metrics listening", "port", cfg.MetricsPort)
		healthErrCh <- metricsSrv.ListenAndServe()
	}()

	pollErrCh := make(chan error, 1)
	go func() {
		slog.Info("worker starting poll", "queue_url", cfg.SQSQueueURL)
		pollErrCh <- consumer.PollConcurrent(ctx, cfg.WorkerConcurrency, processor.Process)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-pollErrCh:
		if err != nil && err != context.Canceled {
			slog.Error("worker poll failed", "err", err)
			os.Exit(1)
		}
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("worker health server failed", "err", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		slog.Info("worker shutdown", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)

	select {
	case <-pollErrCh:
	case <-time.After(10 * time.Second):
		slog.Info("worker shutdown timeout waiting for poll loop")
	}
}
