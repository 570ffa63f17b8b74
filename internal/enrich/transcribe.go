package enrich

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"wabatch/internal/domain"
	"wabatch/internal/events"
	"wabatch/internal/media"
	"wabatch/internal/observability"
	sqsqueue "wabatch/internal/queue/sqs"
	"wabatch/internal/store"
	"wabatch/internal/transcribe"
	"wabatch/internal/util"
)

var transcribeBackoff = []time.Duration{30 * time.Second, 60 * time.Second}

// AudioTranscriber runs the transcribe_audio task against the downloaded
// file. Like media download, exhausted retries end in ready with a failed
// transcription status, never in a stuck batch.
type AudioTranscriber struct {
	Store       Store
	Queue       Queue
	Storage     media.Storage
	Transcriber transcribe.Transcriber
	Recheck     Rechecker
	Events      *events.Publisher
	Now         func() time.Time
}

func (t *AudioTranscriber) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return util.NowUTC()
}

func (t *AudioTranscriber) Process(ctx context.Context, task sqsqueue.Task) error {
	msg, found, err := t.Store.GetMessage(ctx, task.MessageID)
	if err != nil {
		return err
	}
	if !found {
		slog.Warn("transcribe_audio: message gone", "message_id", task.MessageID)
		return nil
	}
	if msg.TranscriptionStatus == domain.TranscriptionDone || msg.Status.TerminalForBatching() {
		return nil
	}
	if msg.LocalMediaPath == "" {
		return t.settleFailed(ctx, msg, "no downloaded media to transcribe")
	}

	if err := t.Store.SetTranscriptionStatus(ctx, msg.ID, domain.TranscriptionRunning, t.now()); err != nil {
		return err
	}

	local, err := t.Storage.LocalPath(msg.LocalMediaPath)
	if err != nil {
		return t.settleFailed(ctx, msg, domain.ErrMissingMediaFile.Error())
	}

	res, err := t.Transcriber.Transcribe(ctx, local)
	if err != nil {
		return t.fail(ctx, msg, task, err)
	}

	if err := t.Store.SetTranscriptionResult(ctx, store.TranscriptionUpdate{
		MessageID: msg.ID,
		Status:    domain.TranscriptionDone,
		Text:      res.Text,
		Language:  res.Language,
		Duration:  res.Duration,
		Now:       t.now(),
	}); err != nil {
		return err
	}
	observability.EnrichmentTasks.WithLabelValues("transcribe", "ok").Inc()
	t.Events.Publish(events.Event{
		Type: events.AudioTranscribed, PhoneID: msg.PhoneID,
		ConversationID: msg.ConversationID, BatchID: msg.BatchID, MessageID: msg.ID,
	})
	return t.markReady(ctx, msg)
}

func (t *AudioTranscriber) fail(ctx context.Context, msg store.Message, task sqsqueue.Task, cause error) error {
	permanent := errors.Is(cause, domain.ErrNotConfigured) || errors.Is(cause, domain.ErrMissingMediaFile)
	if !permanent && task.Attempt < len(transcribeBackoff) {
		observability.EnrichmentTasks.WithLabelValues("transcribe", "retry").Inc()
		slog.Warn("transcription retrying", "message_id", msg.ID, "attempt", task.Attempt+1, "err", cause)
		task.Attempt++
		return t.Queue.Enqueue(ctx, task, transcribeBackoff[task.Attempt-1])
	}
	observability.EnrichmentTasks.WithLabelValues("transcribe", "failed").Inc()
	slog.Error("transcription failed", "message_id", msg.ID, "attempts", task.Attempt+1, "err", cause)
	return t.settleFailed(ctx, msg, cause.Error())
}

func (t *AudioTranscriber) settleFailed(ctx context.Context, msg store.Message, errMsg string) error {
	if err := t.Store.SetTranscriptionResult(ctx, store.TranscriptionUpdate{
		MessageID: msg.ID,
		Status:    domain.TranscriptionFailed,
		Error:     errMsg,
		Now:       t.now(),
	}); err != nil {
		return err
	}
	return t.markReady(ctx, msg)
}

func (t *AudioTranscriber) markReady(ctx context.Context, msg store.Message) error {
	if err := t.Store.MarkMessageReady(ctx, msg.ID, t.now()); err != nil {
		return err
	}
	t.Events.Publish(events.Event{
		Type: events.MessageReady, PhoneID: msg.PhoneID,
		ConversationID: msg.ConversationID, BatchID: msg.BatchID, MessageID: msg.ID,
	})
	if t.Recheck == nil {
		return nil
	}
	return t.Recheck.RecheckAfterEnrichment(ctx, msg.ID)
}
