package batch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"wabatch/internal/domain"
	"wabatch/internal/events"
	"wabatch/internal/observability"
	sqsqueue "wabatch/internal/queue/sqs"
	"wabatch/internal/store"
	"wabatch/internal/util"
)

// ReaperStore is the persistence surface for the stale-batch sweep.
type ReaperStore interface {
	StaleCollectingBatches(ctx context.Context, deadlineBefore time.Time, limit int) ([]store.Batch, error)
	BatchReadiness(ctx context.Context, batchID string) (store.Readiness, bool, error)
	GetPhone(ctx context.Context, phoneID string) (store.Phone, bool, error)
	ForcePendingMessagesReady(ctx context.Context, batchID string, now time.Time) (int64, error)
	FailBatch(ctx context.Context, batchID, errMsg string, now time.Time) error
	NextCollectingBatch(ctx context.Context, conversationID string, afterSeq int64) (store.Batch, bool, error)
	PruneWebhookLogs(ctx context.Context, before time.Time) (int64, error)
}

// Reaper is the safety net for lost deadline timers and stuck enrichment.
// Timer-based checks do almost all dispatching; the reaper only catches
// batches whose timers were lost (worker crash, queue outage) or whose
// enrichment never settled.
type Reaper struct {
	Store  ReaperStore
	Queue  Queue
	Events *events.Publisher

	// Grace is how far past its deadline a batch must be before the sweep
	// touches it, leaving room for the normal timer path.
	Grace time.Duration
	// HardCeiling is the maximum age (from first message) a batch may sit
	// collecting before its pending messages are forced to settle.
	HardCeiling time.Duration
	// FailEmpty controls the zero-ready outcome at the ceiling: fail the
	// batch and move on (default), or leave it for operator intervention.
	FailEmpty bool
	// WebhookLogRetention prunes the audit log; zero disables pruning.
	WebhookLogRetention time.Duration
	ScanLimit           int
	Now                 func() time.Time
}

func (r *Reaper) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return util.NowUTC()
}

func (r *Reaper) limit() int {
	if r.ScanLimit > 0 {
		return r.ScanLimit
	}
	return 100
}

// Run executes one sweep.
func (r *Reaper) Run(ctx context.Context) error {
	now := r.now()
	stale, err := r.Store.StaleCollectingBatches(ctx, now.Add(-r.Grace), r.limit())
	if err != nil {
		return err
	}
	for _, b := range stale {
		if err := r.sweep(ctx, b); err != nil {
			slog.Error("reaper sweep failed", "batch_id", b.ID, "err", err)
		}
	}

	if r.WebhookLogRetention > 0 {
		pruned, err := r.Store.PruneWebhookLogs(ctx, now.Add(-r.WebhookLogRetention))
		if err != nil {
			return err
		}
		if pruned > 0 {
			slog.Info("webhook logs pruned", "rows", pruned)
		}
	}
	return nil
}

func (r *Reaper) sweep(ctx context.Context, b store.Batch) error {
	now := r.now()
	rd, found, err := r.Store.BatchReadiness(ctx, b.ID)
	if err != nil {
		return err
	}
	if !found || rd.Status != domain.BatchCollecting {
		return nil
	}
	phone, found, err := r.Store.GetPhone(ctx, b.PhoneID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	// Lost timer: batch is simply ready. Re-trigger dispatch.
	if ShouldProcess(rd, phone.BatchMaxMessages, now) {
		observability.StaleBatches.WithLabelValues("redispatched").Inc()
		slog.Warn("stale batch redispatched", "batch_id", b.ID, "age", now.Sub(b.FirstMessageAt).String())
		return r.Queue.Enqueue(ctx, sqsqueue.Task{Kind: sqsqueue.KindProcessBatch, BatchID: b.ID}, 0)
	}

	// Still inside the ceiling: enrichment may yet finish; leave it to the
	// coordinator's polling check.
	if now.Sub(b.FirstMessageAt) < r.HardCeiling {
		return nil
	}

	forced, err := r.Store.ForcePendingMessagesReady(ctx, b.ID, now)
	if err != nil {
		return err
	}
	if forced > 0 {
		slog.Warn("stale batch: forced pending messages ready", "batch_id", b.ID, "messages", forced)
	}

	rd, found, err = r.Store.BatchReadiness(ctx, b.ID)
	if err != nil || !found {
		return err
	}
	if rd.ReadyCount > 0 {
		observability.StaleBatches.WithLabelValues("forced").Inc()
		return r.Queue.Enqueue(ctx, sqsqueue.Task{Kind: sqsqueue.KindProcessBatch, BatchID: b.ID}, 0)
	}

	if !r.FailEmpty {
		observability.StaleBatches.WithLabelValues("held").Inc()
		return nil
	}

	// Nothing ever became deliverable. Fail the batch so it stops blocking
	// the conversation, then wake the next one.
	msg := fmt.Sprintf("batch timed out after %s with no deliverable messages", r.HardCeiling)
	if err := r.Store.FailBatch(ctx, b.ID, msg, now); err != nil {
		return err
	}
	observability.StaleBatches.WithLabelValues("failed").Inc()
	r.Events.Publish(events.Event{
		Type: events.BatchFailed, PhoneID: b.PhoneID,
		ConversationID: b.ConversationID, BatchID: b.ID, Reason: msg,
	})

	next, found, err := r.Store.NextCollectingBatch(ctx, b.ConversationID, b.Seq)
	if err != nil || !found {
		return err
	}
	return r.Queue.Enqueue(ctx, sqsqueue.Task{Kind: sqsqueue.KindCheckBatch, BatchID: next.ID}, 0)
}

// Loop runs sweeps on a ticker until the context is cancelled.
func (r *Reaper) Loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Run(ctx); err != nil {
				slog.Error("reaper run failed", "err", err)
			}
		}
	}
}
