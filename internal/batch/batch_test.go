package batch

import (
	"context"
	"sort"
	"time"

	"wabatch/internal/domain"
	sqsqueue "wabatch/internal/queue/sqs"
	"wabatch/internal/store"
)

// fakeStore implements the coordinator, dispatcher and reaper store surfaces
// in memory with the same semantics as the SQL layer.
type fakeStore struct {
	phones   map[string]store.Phone
	messages map[string]*store.Message
	batches  map[string]*store.Batch
	convs    map[string]store.Conversation
	nextSeq  int64
	pruned   int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		phones:   map[string]store.Phone{},
		messages: map[string]*store.Message{},
		batches:  map[string]*store.Batch{},
		convs:    map[string]store.Conversation{},
	}
}

func (f *fakeStore) GetMessage(_ context.Context, id string) (store.Message, bool, error) {
	m, ok := f.messages[id]
	if !ok {
		return store.Message{}, false, nil
	}
	return *m, true, nil
}

func (f *fakeStore) GetPhone(_ context.Context, id string) (store.Phone, bool, error) {
	p, ok := f.phones[id]
	return p, ok, nil
}

func (f *fakeStore) GetBatch(_ context.Context, id string) (store.Batch, bool, error) {
	b, ok := f.batches[id]
	if !ok {
		return store.Batch{}, false, nil
	}
	return *b, true, nil
}

func (f *fakeStore) GetConversation(_ context.Context, id string) (store.Conversation, bool, error) {
	c, ok := f.convs[id]
	return c, ok, nil
}

func (f *fakeStore) AssignMessageToBatch(_ context.Context, in store.BatchAssign) (store.Batch, bool, error) {
	if !in.Immediate {
		for _, b := range f.batches {
			if b.ConversationID == in.ConversationID && b.Status == domain.BatchCollecting {
				next := in.Now.Add(time.Duration(in.WindowSeconds) * time.Second)
				limit := b.FirstMessageAt.Add(time.Duration(in.MaxWindowSeconds) * time.Second)
				if next.After(limit) {
					next = limit
				}
				b.ProcessAfter = next
				f.messages[in.MessageID].BatchID = b.ID
				return *b, false, nil
			}
		}
	}
	f.nextSeq++
	firstAt := in.MessageCreatedAt
	if firstAt.IsZero() {
		firstAt = in.Now
	}
	processAfter := in.Now.Add(time.Duration(in.WindowSeconds) * time.Second)
	if in.Immediate {
		processAfter = in.Now
	}
	b := &store.Batch{
		ID: in.BatchID, Seq: f.nextSeq, PhoneID: in.PhoneID,
		ConversationID: in.ConversationID, Status: domain.BatchCollecting,
		FirstMessageAt: firstAt, ProcessAfter: processAfter, CreatedAt: in.Now,
	}
	f.batches[b.ID] = b
	f.messages[in.MessageID].BatchID = b.ID
	return *b, true, nil
}

func (f *fakeStore) MarkMessageReady(_ context.Context, id string, _ time.Time) error {
	m := f.messages[id]
	if m.Status == domain.StatusReceived || m.Status == domain.StatusProcessing {
		m.Status = domain.StatusReady
	}
	return nil
}

func (f *fakeStore) MarkMessageEnriching(_ context.Context, id string, _ time.Time) error {
	m := f.messages[id]
	if m.Status == domain.StatusReceived {
		m.Status = domain.StatusProcessing
		m.MediaStatus = domain.MediaPending
	}
	return nil
}

func (f *fakeStore) BatchReadiness(_ context.Context, batchID string) (store.Readiness, bool, error) {
	b, ok := f.batches[batchID]
	if !ok {
		return store.Readiness{}, false, nil
	}
	r := store.Readiness{
		Status: b.Status, ConversationID: b.ConversationID, Seq: b.Seq,
		FirstMessageAt: b.FirstMessageAt, ProcessAfter: b.ProcessAfter, CreatedAt: b.CreatedAt,
	}
	for _, m := range f.messages {
		if m.BatchID != batchID {
			continue
		}
		r.MessageCount++
		if !m.Status.TerminalForBatching() {
			r.PendingCount++
		}
		if m.Status == domain.StatusReady {
			r.ReadyCount++
		}
	}
	return r, true, nil
}

func (f *fakeStore) ClaimBatch(_ context.Context, batchID string, _ time.Time) (store.ClaimOutcome, error) {
	b, ok := f.batches[batchID]
	if !ok || b.Status != domain.BatchCollecting {
		return store.ClaimSkipped, nil
	}
	for _, other := range f.batches {
		if other.ConversationID == b.ConversationID && other.Seq < b.Seq &&
			(other.Status == domain.BatchCollecting || other.Status == domain.BatchProcessing) {
			return store.ClaimBlocked, nil
		}
	}
	b.Status = domain.BatchProcessing
	return store.Claimed, nil
}

func (f *fakeStore) MessagesForDispatch(_ context.Context, batchID string) ([]store.Message, error) {
	var out []store.Message
	for _, m := range f.messages {
		if m.BatchID == batchID && m.Status.TerminalForBatching() {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (f *fakeStore) MarkBatchMessagesProcessed(_ context.Context, batchID string, _ time.Time) error {
	for _, m := range f.messages {
		if m.BatchID == batchID && m.Status == domain.StatusReady {
			m.Status = domain.StatusProcessed
		}
	}
	return nil
}

func (f *fakeStore) CompleteBatch(_ context.Context, batchID string, now time.Time) error {
	b := f.batches[batchID]
	if b.Status == domain.BatchProcessing {
		b.Status = domain.BatchCompleted
		b.ProcessedAt = &now
	}
	return nil
}

func (f *fakeStore) FailBatch(_ context.Context, batchID, errMsg string, now time.Time) error {
	b := f.batches[batchID]
	if b.Status == domain.BatchCollecting || b.Status == domain.BatchProcessing {
		b.Status = domain.BatchFailed
		b.ErrorMessage = errMsg
		b.ProcessedAt = &now
	}
	return nil
}

func (f *fakeStore) NextCollectingBatch(_ context.Context, conversationID string, afterSeq int64) (store.Batch, bool, error) {
	var best *store.Batch
	for _, b := range f.batches {
		if b.ConversationID == conversationID && b.Seq > afterSeq && b.Status == domain.BatchCollecting {
			if best == nil || b.Seq < best.Seq {
				best = b
			}
		}
	}
	if best == nil {
		return store.Batch{}, false, nil
	}
	return *best, true, nil
}

func (f *fakeStore) StaleCollectingBatches(_ context.Context, deadlineBefore time.Time, limit int) ([]store.Batch, error) {
	var out []store.Batch
	for _, b := range f.batches {
		if b.Status == domain.BatchCollecting && b.ProcessAfter.Before(deadlineBefore) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessAfter.Before(out[j].ProcessAfter) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) ForcePendingMessagesReady(_ context.Context, batchID string, _ time.Time) (int64, error) {
	var n int64
	for _, m := range f.messages {
		if m.BatchID != batchID {
			continue
		}
		if m.Status == domain.StatusReceived || m.Status == domain.StatusProcessing {
			m.Status = domain.StatusReady
			if m.MediaStatus == domain.MediaPending || m.MediaStatus == domain.MediaDownloading {
				m.MediaStatus = domain.MediaFailed
			}
			if m.TranscriptionStatus == domain.TranscriptionPending || m.TranscriptionStatus == domain.TranscriptionRunning {
				m.TranscriptionStatus = domain.TranscriptionFailed
			}
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) PruneWebhookLogs(_ context.Context, _ time.Time) (int64, error) {
	n := f.pruned
	f.pruned = 0
	return n, nil
}

type queued struct {
	task  sqsqueue.Task
	delay time.Duration
}

type fakeQueue struct {
	items []queued
}

func (q *fakeQueue) Enqueue(_ context.Context, task sqsqueue.Task, delay time.Duration) error {
	q.items = append(q.items, queued{task: task, delay: delay})
	return nil
}

func (q *fakeQueue) byKind(kind sqsqueue.Kind) []queued {
	var out []queued
	for _, it := range q.items {
		if it.task.Kind == kind {
			out = append(out, it)
		}
	}
	return out
}

// fixed clock for deterministic deadlines
var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func clockAt(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func seedPhone(f *fakeStore, id string, mut ...func(*store.Phone)) store.Phone {
	p := store.Phone{
		ID: id, Key: id, ProviderPhoneID: "prov-" + id, PhoneNumber: "+15550001111",
		Handler: "log", ProcessingMode: domain.ModeBatch,
		BatchWindowSeconds: 3, BatchMaxWindowSeconds: 30, BatchMaxMessages: 10,
		AutoDownloadMedia: true, Active: true,
	}
	for _, m := range mut {
		m(&p)
	}
	f.phones[id] = p
	return p
}

func seedMessage(f *fakeStore, id, phoneID, convID string, mut ...func(*store.Message)) *store.Message {
	m := &store.Message{
		ID: id, PhoneID: phoneID, ConversationID: convID,
		ProviderMessageID: "wamid." + id, Direction: domain.DirectionInbound,
		Type: domain.TypeText, TextBody: "hello", Status: domain.StatusReceived,
		CreatedAt: testNow, UpdatedAt: testNow,
	}
	for _, mu := range mut {
		mu(m)
	}
	f.messages[id] = m
	return m
}
