package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"wabatch/internal/events"
	"wabatch/internal/handler"
	"wabatch/internal/observability"
	sqsqueue "wabatch/internal/queue/sqs"
	"wabatch/internal/store"
	"wabatch/internal/util"
)

// DispatcherStore is the persistence surface for claiming and delivering
// batches.
type DispatcherStore interface {
	ClaimBatch(ctx context.Context, batchID string, now time.Time) (store.ClaimOutcome, error)
	GetBatch(ctx context.Context, id string) (store.Batch, bool, error)
	GetPhone(ctx context.Context, phoneID string) (store.Phone, bool, error)
	GetConversation(ctx context.Context, id string) (store.Conversation, bool, error)
	MessagesForDispatch(ctx context.Context, batchID string) ([]store.Message, error)
	MarkBatchMessagesProcessed(ctx context.Context, batchID string, now time.Time) error
	CompleteBatch(ctx context.Context, batchID string, now time.Time) error
	FailBatch(ctx context.Context, batchID, errMsg string, now time.Time) error
	NextCollectingBatch(ctx context.Context, conversationID string, afterSeq int64) (store.Batch, bool, error)
}

// blockedRetryDelay is how long a batch waits when an older sibling still
// holds the conversation.
const blockedRetryDelay = 10 * time.Second

// Dispatcher claims ready batches and runs the configured handler. Exactly
// one worker wins the claim; everything after the claim is single-owner.
type Dispatcher struct {
	Store    DispatcherStore
	Queue    Queue
	Handlers *handler.Registry
	Out      handler.Outbound
	Events   *events.Publisher
	Now      func() time.Time
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return util.NowUTC()
}

// ProcessBatch handles the process_batch task.
func (d *Dispatcher) ProcessBatch(ctx context.Context, task sqsqueue.Task) error {
	now := d.now()
	outcome, err := d.Store.ClaimBatch(ctx, task.BatchID, now)
	if err != nil {
		return err
	}
	switch outcome {
	case store.ClaimBlocked:
		observability.BatchClaims.WithLabelValues("blocked").Inc()
		// the older batch's completion will also trigger us, but the retry
		// covers its failure paths
		return d.Queue.Enqueue(ctx, sqsqueue.Task{Kind: sqsqueue.KindCheckBatch, BatchID: task.BatchID}, blockedRetryDelay)
	case store.ClaimSkipped:
		observability.BatchClaims.WithLabelValues("skipped").Inc()
		return nil
	}
	observability.BatchClaims.WithLabelValues("claimed").Inc()

	// From here the batch is in processing and owned by this worker. Any
	// failure must settle it; returning an error would redrive the task into
	// a guaranteed ClaimSkipped no-op, leaving the batch stuck.
	b, found, err := d.Store.GetBatch(ctx, task.BatchID)
	if err != nil {
		return d.settleFailure(ctx, task.BatchID, store.Batch{}, fmt.Errorf("load batch: %w", err))
	}
	if !found {
		return d.settleFailure(ctx, task.BatchID, store.Batch{}, errors.New("batch row missing"))
	}
	phone, found, err := d.Store.GetPhone(ctx, b.PhoneID)
	if err != nil {
		return d.settleFailure(ctx, task.BatchID, b, fmt.Errorf("load phone %s: %w", b.PhoneID, err))
	}
	if !found {
		return d.settleFailure(ctx, task.BatchID, b, fmt.Errorf("phone %s missing", b.PhoneID))
	}
	conv, found, err := d.Store.GetConversation(ctx, b.ConversationID)
	if err != nil {
		return d.settleFailure(ctx, task.BatchID, b, fmt.Errorf("load conversation %s: %w", b.ConversationID, err))
	}
	if !found {
		return d.settleFailure(ctx, task.BatchID, b, fmt.Errorf("conversation %s missing", b.ConversationID))
	}
	msgs, err := d.Store.MessagesForDispatch(ctx, task.BatchID)
	if err != nil {
		return d.settleFailure(ctx, task.BatchID, b, fmt.Errorf("load messages: %w", err))
	}
	if len(msgs) == 0 {
		return d.settleFailure(ctx, task.BatchID, b, errors.New("no deliverable messages"))
	}

	d.Events.Publish(events.Event{
		Type: events.BatchReady, PhoneID: b.PhoneID,
		ConversationID: b.ConversationID, BatchID: b.ID,
	})

	hctx := handler.NewContext(phone, conv, b, msgs, d.Out)
	if err := d.invoke(ctx, phone.Handler, hctx); err != nil {
		return d.settleFailure(ctx, task.BatchID, b, err)
	}

	now = d.now()
	if err := d.Store.MarkBatchMessagesProcessed(ctx, task.BatchID, now); err != nil {
		return d.settleFailure(ctx, task.BatchID, b, fmt.Errorf("mark processed: %w", err))
	}
	if err := d.Store.CompleteBatch(ctx, task.BatchID, now); err != nil {
		return err
	}
	observability.BatchesDispatched.WithLabelValues("completed").Inc()
	d.Events.Publish(events.Event{
		Type: events.BatchProcessed, PhoneID: b.PhoneID,
		ConversationID: b.ConversationID, BatchID: b.ID,
	})
	slog.Info("batch processed", "batch_id", b.ID, "conversation_id", b.ConversationID, "messages", len(msgs))
	return d.triggerNext(ctx, b)
}

// invoke resolves and runs the handler, converting panics into errors so a
// broken handler fails its batch instead of killing the worker.
func (d *Dispatcher) invoke(ctx context.Context, name string, hctx *handler.Context) (err error) {
	if name == "" {
		// no handler configured; delivery is just the state transition
		return nil
	}
	h, err := d.Handlers.Resolve(name)
	if err != nil {
		return fmt.Errorf("handler %q: %w", name, err)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %q panicked: %v", name, r)
		}
	}()

	start := time.Now()
	err = h.Handle(ctx, hctx)
	observability.HandlerLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("handler %q: %w", name, err)
	}
	return nil
}

// settleFailure marks the batch failed and advances the conversation queue.
// A failed batch never blocks later batches.
func (d *Dispatcher) settleFailure(ctx context.Context, batchID string, b store.Batch, cause error) error {
	now := d.now()
	slog.Error("batch failed", "batch_id", batchID, "err", cause)
	if err := d.Store.FailBatch(ctx, batchID, cause.Error(), now); err != nil {
		return err
	}
	observability.BatchesDispatched.WithLabelValues("failed").Inc()
	d.Events.Publish(events.Event{
		Type: events.BatchFailed, PhoneID: b.PhoneID,
		ConversationID: b.ConversationID, BatchID: batchID, Reason: cause.Error(),
	})
	if b.ConversationID == "" {
		return nil
	}
	return d.triggerNext(ctx, b)
}

// triggerNext wakes the oldest later batch of the conversation, if any.
func (d *Dispatcher) triggerNext(ctx context.Context, b store.Batch) error {
	next, found, err := d.Store.NextCollectingBatch(ctx, b.ConversationID, b.Seq)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	return d.Queue.Enqueue(ctx, sqsqueue.Task{Kind: sqsqueue.KindCheckBatch, BatchID: next.ID}, 0)
}
