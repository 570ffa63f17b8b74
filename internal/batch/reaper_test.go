package batch

import (
	"context"
	"testing"
	"time"

	"wabatch/internal/domain"
	"wabatch/internal/events"
	sqsqueue "wabatch/internal/queue/sqs"
)

func newReaper(f *fakeStore, q *fakeQueue, now time.Time) *Reaper {
	return &Reaper{
		Store:       f,
		Queue:       q,
		Events:      events.NewPublisher(),
		Grace:       30 * time.Second,
		HardCeiling: 10 * time.Minute,
		FailEmpty:   true,
		Now:         clockAt(now),
	}
}

func TestReaperRedispatchesBatchWithLostTimer(t *testing.T) {
	f := newFakeStore()
	q := &fakeQueue{}
	seedPhone(f, "ph1")
	b := seedReadyBatch(f, "b1", "ph1", "c1", "m1")
	b.ProcessAfter = testNow.Add(-2 * time.Minute)

	r := newReaper(f, q, testNow)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := q.byKind(sqsqueue.KindProcessBatch); len(got) != 1 || got[0].task.BatchID != "b1" {
		t.Fatalf("expected redispatch of b1, got %v", got)
	}
}

func TestReaperLeavesBatchInsideGrace(t *testing.T) {
	f := newFakeStore()
	q := &fakeQueue{}
	seedPhone(f, "ph1")
	b := seedReadyBatch(f, "b1", "ph1", "c1", "m1")
	b.ProcessAfter = testNow.Add(-10 * time.Second)

	r := newReaper(f, q, testNow)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(q.items) != 0 {
		t.Fatalf("reaper touched a batch inside the grace period: %v", q.items)
	}
}

func TestReaperWaitsForEnrichmentBeforeCeiling(t *testing.T) {
	f := newFakeStore()
	q := &fakeQueue{}
	seedPhone(f, "ph1")
	b := seedReadyBatch(f, "b1", "ph1", "c1", "m1")
	b.ProcessAfter = testNow.Add(-2 * time.Minute)
	b.FirstMessageAt = testNow.Add(-3 * time.Minute)
	f.messages["m1"].Status = domain.StatusProcessing
	f.messages["m1"].MediaStatus = domain.MediaDownloading

	r := newReaper(f, q, testNow)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(q.items) != 0 {
		t.Fatalf("reaper forced a batch still under the ceiling: %v", q.items)
	}
	if f.messages["m1"].Status != domain.StatusProcessing {
		t.Fatalf("message forcibly settled before the ceiling")
	}
}

func TestReaperForcesStuckEnrichmentAtCeiling(t *testing.T) {
	f := newFakeStore()
	q := &fakeQueue{}
	seedPhone(f, "ph1")
	b := seedReadyBatch(f, "b1", "ph1", "c1", "m1", "m2")
	b.ProcessAfter = testNow.Add(-11 * time.Minute)
	b.FirstMessageAt = testNow.Add(-11 * time.Minute)
	f.messages["m2"].Status = domain.StatusProcessing
	f.messages["m2"].MediaStatus = domain.MediaDownloading

	r := newReaper(f, q, testNow)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if f.messages["m2"].Status != domain.StatusReady {
		t.Fatalf("stuck message not forced ready: %s", f.messages["m2"].Status)
	}
	if f.messages["m2"].MediaStatus != domain.MediaFailed {
		t.Fatalf("stuck media not marked failed: %s", f.messages["m2"].MediaStatus)
	}
	if got := q.byKind(sqsqueue.KindProcessBatch); len(got) != 1 || got[0].task.BatchID != "b1" {
		t.Fatalf("expected dispatch after forcing, got %v", got)
	}
}

func TestReaperFailsEmptyBatchAtCeilingAndAdvancesQueue(t *testing.T) {
	f := newFakeStore()
	q := &fakeQueue{}
	seedPhone(f, "ph1")
	b1 := seedReadyBatch(f, "b1", "ph1", "c1", "m1")
	b1.ProcessAfter = testNow.Add(-11 * time.Minute)
	b1.FirstMessageAt = testNow.Add(-11 * time.Minute)
	// the only message never became deliverable
	f.messages["m1"].Status = domain.StatusFailed
	seedReadyBatch(f, "b2", "ph1", "c1", "m2")

	r := newReaper(f, q, testNow)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if f.batches["b1"].Status != domain.BatchFailed {
		t.Fatalf("empty batch status = %s, want failed", f.batches["b1"].Status)
	}
	wakes := q.byKind(sqsqueue.KindCheckBatch)
	if len(wakes) != 1 || wakes[0].task.BatchID != "b2" {
		t.Fatalf("failed batch did not wake b2: %v", wakes)
	}
}

func TestReaperHoldPolicyKeepsEmptyBatch(t *testing.T) {
	f := newFakeStore()
	q := &fakeQueue{}
	seedPhone(f, "ph1")
	b1 := seedReadyBatch(f, "b1", "ph1", "c1", "m1")
	b1.ProcessAfter = testNow.Add(-11 * time.Minute)
	b1.FirstMessageAt = testNow.Add(-11 * time.Minute)
	f.messages["m1"].Status = domain.StatusFailed

	r := newReaper(f, q, testNow)
	r.FailEmpty = false
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.batches["b1"].Status != domain.BatchCollecting {
		t.Fatalf("hold policy failed the batch anyway: %s", f.batches["b1"].Status)
	}
}

var _ ReaperStore = (*fakeStore)(nil)
var _ Store = (*fakeStore)(nil)
var _ DispatcherStore = (*fakeStore)(nil)
