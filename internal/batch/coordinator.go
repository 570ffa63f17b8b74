package batch

import (
	"context"
	"log/slog"
	"time"

	"wabatch/internal/domain"
	"wabatch/internal/events"
	"wabatch/internal/observability"
	sqsqueue "wabatch/internal/queue/sqs"
	"wabatch/internal/store"
	"wabatch/internal/util"
)

// Store is the persistence surface the coordinator needs. Satisfied by
// *pg.Store in production and by a fake in tests.
type Store interface {
	GetMessage(ctx context.Context, id string) (store.Message, bool, error)
	GetPhone(ctx context.Context, phoneID string) (store.Phone, bool, error)
	AssignMessageToBatch(ctx context.Context, in store.BatchAssign) (store.Batch, bool, error)
	MarkMessageReady(ctx context.Context, id string, now time.Time) error
	MarkMessageEnriching(ctx context.Context, id string, now time.Time) error
	BatchReadiness(ctx context.Context, batchID string) (store.Readiness, bool, error)
	GetBatch(ctx context.Context, id string) (store.Batch, bool, error)
}

type Queue interface {
	Enqueue(ctx context.Context, task sqsqueue.Task, delay time.Duration) error
}

// checkSlack pads the deadline-timer task so the deadline has actually passed
// when the check runs.
const checkSlack = time.Second

// Coordinator assigns ingested messages to batches and decides when a batch
// is ready for dispatch.
type Coordinator struct {
	Store  Store
	Queue  Queue
	Events *events.Publisher
	Now    func() time.Time
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return util.NowUTC()
}

// ProcessIncoming handles the process_incoming task: attach the message to
// its conversation's collecting batch, schedule the deadline check, and route
// the message through enrichment or straight to ready.
func (c *Coordinator) ProcessIncoming(ctx context.Context, task sqsqueue.Task) error {
	msg, found, err := c.Store.GetMessage(ctx, task.MessageID)
	if err != nil {
		return err
	}
	if !found {
		slog.Warn("process_incoming: message gone", "message_id", task.MessageID)
		return nil
	}
	if msg.Status != domain.StatusReceived {
		// task retry after a crash mid-pipeline; batching already happened
		slog.Debug("process_incoming: message already routed", "message_id", msg.ID, "status", msg.Status)
		return nil
	}

	phone, found, err := c.Store.GetPhone(ctx, msg.PhoneID)
	if err != nil {
		return err
	}
	if !found {
		slog.Warn("process_incoming: phone gone", "phone_id", msg.PhoneID)
		return nil
	}

	now := c.now()
	b, created, err := c.Store.AssignMessageToBatch(ctx, store.BatchAssign{
		BatchID:          util.NewBatchID(),
		MessageID:        msg.ID,
		PhoneID:          msg.PhoneID,
		ConversationID:   msg.ConversationID,
		MessageCreatedAt: msg.CreatedAt,
		WindowSeconds:    phone.BatchWindowSeconds,
		MaxWindowSeconds: phone.BatchMaxWindowSeconds,
		Immediate:        phone.Immediate(),
		Now:              now,
	})
	if err != nil {
		return err
	}
	if created {
		observability.BatchesCreated.Inc()
	}

	// Every batch mutation schedules its own deadline check; the reaper is
	// only the safety net for lost timers.
	if !phone.Immediate() {
		delay := b.ProcessAfter.Sub(now) + checkSlack
		if err := c.Queue.Enqueue(ctx, sqsqueue.Task{Kind: sqsqueue.KindCheckBatch, BatchID: b.ID}, delay); err != nil {
			return err
		}
	}

	if msg.HasMedia() && phone.AutoDownloadMedia {
		if err := c.Store.MarkMessageEnriching(ctx, msg.ID, now); err != nil {
			return err
		}
		return c.Queue.Enqueue(ctx, sqsqueue.Task{Kind: sqsqueue.KindDownloadMedia, MessageID: msg.ID}, 0)
	}

	if err := c.Store.MarkMessageReady(ctx, msg.ID, now); err != nil {
		return err
	}
	c.Events.Publish(events.Event{
		Type: events.MessageReady, PhoneID: msg.PhoneID,
		ConversationID: msg.ConversationID, BatchID: b.ID, MessageID: msg.ID,
	})

	if phone.Immediate() {
		return c.Queue.Enqueue(ctx, sqsqueue.Task{Kind: sqsqueue.KindProcessBatch, BatchID: b.ID}, 0)
	}
	return c.maybeDispatch(ctx, b.ID, phone)
}

// RecheckAfterEnrichment runs once a message left the enrichment pipeline.
// If its batch became dispatchable (count cap hit while a download was in
// flight, or the deadline passed meanwhile), trigger processing now instead
// of waiting for the reaper.
func (c *Coordinator) RecheckAfterEnrichment(ctx context.Context, messageID string) error {
	msg, found, err := c.Store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if !found || msg.BatchID == "" {
		return nil
	}
	phone, found, err := c.Store.GetPhone(ctx, msg.PhoneID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if phone.Immediate() {
		return c.Queue.Enqueue(ctx, sqsqueue.Task{Kind: sqsqueue.KindProcessBatch, BatchID: msg.BatchID}, 0)
	}
	return c.maybeDispatch(ctx, msg.BatchID, phone)
}

// CheckBatch handles the check_batch deadline task.
func (c *Coordinator) CheckBatch(ctx context.Context, task sqsqueue.Task) error {
	r, found, err := c.Store.BatchReadiness(ctx, task.BatchID)
	if err != nil {
		return err
	}
	if !found || r.Status != domain.BatchCollecting {
		return nil
	}

	now := c.now()
	phone, pfound, err := c.phoneForBatch(ctx, task.BatchID)
	if err != nil {
		return err
	}
	if !pfound {
		return nil
	}

	if ShouldProcess(r, phone.BatchMaxMessages, now) {
		return c.Queue.Enqueue(ctx, sqsqueue.Task{Kind: sqsqueue.KindProcessBatch, BatchID: task.BatchID}, 0)
	}
	if now.Before(r.ProcessAfter) {
		// window was extended after this timer fired; re-arm for the new deadline
		return c.Queue.Enqueue(ctx, sqsqueue.Task{Kind: sqsqueue.KindCheckBatch, BatchID: task.BatchID},
			r.ProcessAfter.Sub(now)+checkSlack)
	}
	if r.PendingCount > 0 {
		// deadline passed but enrichment is still running; poll until the
		// messages settle or the reaper's hard ceiling forces them
		return c.Queue.Enqueue(ctx, sqsqueue.Task{Kind: sqsqueue.KindCheckBatch, BatchID: task.BatchID}, 5*time.Second)
	}
	return nil
}

func (c *Coordinator) maybeDispatch(ctx context.Context, batchID string, phone store.Phone) error {
	r, found, err := c.Store.BatchReadiness(ctx, batchID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if ShouldProcess(r, phone.BatchMaxMessages, c.now()) {
		return c.Queue.Enqueue(ctx, sqsqueue.Task{Kind: sqsqueue.KindProcessBatch, BatchID: batchID}, 0)
	}
	return nil
}

func (c *Coordinator) phoneForBatch(ctx context.Context, batchID string) (store.Phone, bool, error) {
	b, found, err := c.Store.GetBatch(ctx, batchID)
	if err != nil || !found {
		return store.Phone{}, false, err
	}
	return c.Store.GetPhone(ctx, b.PhoneID)
}

// ShouldProcess is the single readiness rule: a collecting batch dispatches
// when every attached message settled (ready or processed) and either the
// coalescing deadline passed or the message cap is hit. A batch with
// enrichment still in flight never dispatches early, even at the cap.
func ShouldProcess(r store.Readiness, maxMessages int, now time.Time) bool {
	if r.Status != domain.BatchCollecting {
		return false
	}
	if r.MessageCount == 0 || r.PendingCount > 0 {
		return false
	}
	if maxMessages > 0 && r.MessageCount >= maxMessages {
		return true
	}
	return !now.Before(r.ProcessAfter)
}
