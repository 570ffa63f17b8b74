package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"wabatch/internal/batch"
	"wabatch/internal/enrich"
	"wabatch/internal/observability"
	"wabatch/internal/outbound"
	sqsqueue "wabatch/internal/queue/sqs"
)

// Processor routes task envelopes to the engine components. One instance is
// shared by all poller goroutines; every component is concurrency-safe.
type Processor struct {
	Coordinator *batch.Coordinator
	Dispatcher  *batch.Dispatcher
	Media       *enrich.MediaFetcher
	Transcriber *enrich.AudioTranscriber
	Sender      *outbound.Sender
}

// Process implements the consumer callback. A returned error redrives the
// task via SQS visibility timeout.
func (p *Processor) Process(ctx context.Context, task sqsqueue.Task) error {
	start := time.Now()
	var err error
	switch task.Kind {
	case sqsqueue.KindProcessIncoming:
		err = p.Coordinator.ProcessIncoming(ctx, task)
	case sqsqueue.KindCheckBatch:
		err = p.Coordinator.CheckBatch(ctx, task)
	case sqsqueue.KindProcessBatch:
		err = p.Dispatcher.ProcessBatch(ctx, task)
	case sqsqueue.KindDownloadMedia:
		err = p.Media.Process(ctx, task)
	case sqsqueue.KindTranscribeAudio:
		err = p.Transcriber.Process(ctx, task)
	case sqsqueue.KindSendMessage:
		err = p.Sender.ProcessSend(ctx, task)
	default:
		// drop rather than redrive; an unknown kind never becomes known
		slog.Error("unknown task kind", "kind", task.Kind)
		observability.TasksProcessed.WithLabelValues(string(task.Kind), "dropped").Inc()
		return nil
	}

	result := "ok"
	if err != nil {
		result = "error"
		err = fmt.Errorf("task %s: %w", task.Kind, err)
	}
	observability.TasksProcessed.WithLabelValues(string(task.Kind), result).Inc()
	slog.Debug("task processed", "kind", task.Kind, "result", result, "took", time.Since(start).String())
	return err
}
