package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"wabatch/internal/dedup"
	"wabatch/internal/domain"
	"wabatch/internal/events"
	sqsqueue "wabatch/internal/queue/sqs"
	"wabatch/internal/store"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	phones      map[string]store.Phone
	convs       map[string]store.Conversation
	inserted    []store.MessageInsert
	filtered    map[string]string
	deliveries  []store.DeliveryUpdate
	webhookLogs int
	knownPMIDs  map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		phones:     map[string]store.Phone{},
		convs:      map[string]store.Conversation{},
		filtered:   map[string]string{},
		knownPMIDs: map[string]bool{},
	}
}

func (f *fakeStore) GetPhoneByProviderID(_ context.Context, id string) (store.Phone, bool, error) {
	for _, p := range f.phones {
		if p.ProviderPhoneID == id {
			return p, true, nil
		}
	}
	return store.Phone{}, false, nil
}

func (f *fakeStore) InsertWebhookLog(context.Context, string, []byte, time.Time) error {
	f.webhookLogs++
	return nil
}

func (f *fakeStore) UpsertConversation(_ context.Context, in store.ConversationUpsert) (store.Conversation, error) {
	key := in.PhoneID + "|" + in.ContactPhone
	c, ok := f.convs[key]
	if !ok {
		c = store.Conversation{ID: in.ID, PhoneID: in.PhoneID, ContactPhone: in.ContactPhone}
	}
	c.ContactName = in.ContactName
	c.LastMessageAt = in.LastMessageAt
	c.UnreadCount++
	f.convs[key] = c
	return c, nil
}

func (f *fakeStore) InsertInboundMessage(_ context.Context, in store.MessageInsert) (bool, error) {
	if f.knownPMIDs[in.ProviderMessageID] {
		return false, nil
	}
	f.knownPMIDs[in.ProviderMessageID] = true
	f.inserted = append(f.inserted, in)
	return true, nil
}

func (f *fakeStore) MarkMessageFiltered(_ context.Context, id, reason string, _ time.Time) error {
	f.filtered[id] = reason
	return nil
}

func (f *fakeStore) SetDeliveryStatus(_ context.Context, in store.DeliveryUpdate) (bool, error) {
	if !f.knownPMIDs[in.ProviderMessageID] {
		return false, nil
	}
	f.deliveries = append(f.deliveries, in)
	return true, nil
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

type fakeDedup struct {
	seen   map[string]bool
	marked []string
}

func (d *fakeDedup) Seen(_ context.Context, id string) bool {
	return d.seen[id]
}

func (d *fakeDedup) Mark(_ context.Context, id string) {
	if d.seen == nil {
		d.seen = map[string]bool{}
	}
	d.seen[id] = true
	d.marked = append(d.marked, id)
}

func newIngestor(f *fakeStore, q *fakeQueue) *Ingestor {
	return &Ingestor{
		Store:  f,
		Queue:  q,
		Events: events.NewPublisher(),
		Now:    func() time.Time { return testNow },
	}
}

func seedPhone(f *fakeStore, mut ...func(*store.Phone)) store.Phone {
	p := store.Phone{
		ID: "ph1", Key: "support", ProviderPhoneID: "10001", PhoneNumber: "+15550001111",
		Handler: "log", ProcessingMode: domain.ModeBatch,
		BatchWindowSeconds: 3, BatchMaxWindowSeconds: 30, BatchMaxMessages: 10,
		AutoDownloadMedia: true, Active: true,
	}
	for _, m := range mut {
		m(&p)
	}
	f.phones[p.ID] = p
	return p
}

func textMessage(pmid, from, body string) InboundMessage {
	raw, _ := json.Marshal(map[string]string{"body": body})
	return InboundMessage{
		ProviderMessageID: pmid,
		From:              from,
		Type:              "text",
		Timestamp:         "1748779200", // 2025-06-01T12:00:00Z
		Content:           raw,
	}
}

func TestIngestTextMessage(t *testing.T) {
	f := newFakeStore()
	q := &fakeQueue{}
	seedPhone(f)

	ing := newIngestor(f, q)
	p := Payload{
		ProviderPhoneID: "10001",
		ContactName:     "Maria",
		Messages:        []InboundMessage{textMessage("wamid.1", "5215512345678", "hola")},
	}
	if err := ing.ProcessChange(context.Background(), p, []byte(`{}`)); err != nil {
		t.Fatalf("process change: %v", err)
	}

	if len(f.inserted) != 1 {
		t.Fatalf("expected 1 insert, got %d", len(f.inserted))
	}
	in := f.inserted[0]
	if in.From != "+5215512345678" {
		t.Fatalf("from not normalized: %q", in.From)
	}
	if in.Type != domain.TypeText || in.TextBody != "hola" {
		t.Fatalf("content not classified: type=%s body=%q", in.Type, in.TextBody)
	}
	if !in.CreatedAt.Equal(testNow) {
		t.Fatalf("timestamp not taken from payload: %v", in.CreatedAt)
	}
	if f.webhookLogs != 1 {
		t.Fatalf("webhook not audited")
	}
	if len(q.items) != 1 || q.items[0].task.Kind != sqsqueue.KindProcessIncoming {
		t.Fatalf("expected process_incoming task, got %v", q.items)
	}
	if len(f.convs) != 1 {
		t.Fatalf("conversation not upserted")
	}
}

func TestIngestDuplicateProviderMessageID(t *testing.T) {
	f := newFakeStore()
	q := &fakeQueue{}
	seedPhone(f)

	ing := newIngestor(f, q)
	msg := textMessage("wamid.dup", "5215512345678", "hola")
	p := Payload{ProviderPhoneID: "10001", Messages: []InboundMessage{msg}}

	ctx := context.Background()
	if err := ing.ProcessChange(ctx, p, nil); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := ing.ProcessChange(ctx, p, nil); err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	if len(f.inserted) != 1 {
		t.Fatalf("duplicate was inserted: %d rows", len(f.inserted))
	}
	if len(q.items) != 1 {
		t.Fatalf("duplicate enqueued a second pipeline run: %d tasks", len(q.items))
	}
}

func TestIngestDedupCacheShortCircuits(t *testing.T) {
	f := newFakeStore()
	q := &fakeQueue{}
	seedPhone(f)

	ing := newIngestor(f, q)
	ing.Dedup = &fakeDedup{seen: map[string]bool{"wamid.cached": true}}

	p := Payload{ProviderPhoneID: "10001", Messages: []InboundMessage{textMessage("wamid.cached", "5215512345678", "x")}}
	if err := ing.ProcessChange(context.Background(), p, nil); err != nil {
		t.Fatalf("process change: %v", err)
	}
	if len(f.inserted) != 0 || len(q.items) != 0 {
		t.Fatalf("cached duplicate reached the store")
	}
}

func TestIngestMarksDedupCacheAfterInsert(t *testing.T) {
	f := newFakeStore()
	q := &fakeQueue{}
	seedPhone(f)

	d := &fakeDedup{}
	ing := newIngestor(f, q)
	ing.Dedup = d

	p := Payload{ProviderPhoneID: "10001", Messages: []InboundMessage{textMessage("wamid.1", "5215512345678", "hola")}}
	ctx := context.Background()
	if err := ing.ProcessChange(ctx, p, nil); err != nil {
		t.Fatalf("process change: %v", err)
	}
	if len(d.marked) != 1 || d.marked[0] != "wamid.1" {
		t.Fatalf("persisted id not cached: %v", d.marked)
	}

	// redelivery now stops at the cache
	if err := ing.ProcessChange(ctx, p, nil); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if len(f.inserted) != 1 || len(q.items) != 1 {
		t.Fatalf("redelivery was not short-circuited: %d rows, %d tasks", len(f.inserted), len(q.items))
	}
}

// flakyStore fails the first n inserts, as a store would during a brief
// database outage.
type flakyStore struct {
	*fakeStore
	insertFailures int
}

func (f *flakyStore) InsertInboundMessage(ctx context.Context, in store.MessageInsert) (bool, error) {
	if f.insertFailures > 0 {
		f.insertFailures--
		return false, errors.New("connection reset by peer")
	}
	return f.fakeStore.InsertInboundMessage(ctx, in)
}

func TestIngestRetryAfterStoreErrorIsNotDroppedByCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	inner := newFakeStore()
	seedPhone(inner)
	q := &fakeQueue{}
	ing := &Ingestor{
		Store:  &flakyStore{fakeStore: inner, insertFailures: 1},
		Queue:  q,
		Dedup:  dedup.New(rdb, time.Hour),
		Events: events.NewPublisher(),
		Now:    func() time.Time { return testNow },
	}

	p := Payload{ProviderPhoneID: "10001", Messages: []InboundMessage{textMessage("wamid.flaky", "5215512345678", "hola")}}
	ctx := context.Background()
	if err := ing.ProcessChange(ctx, p, nil); err == nil {
		t.Fatalf("first delivery must surface the store error so the provider redelivers")
	}
	if err := ing.ProcessChange(ctx, p, nil); err != nil {
		t.Fatalf("retried delivery: %v", err)
	}

	if len(inner.inserted) != 1 {
		t.Fatalf("retry after a transient store error was lost: %d rows", len(inner.inserted))
	}
	if len(q.items) != 1 || q.items[0].task.Kind != sqsqueue.KindProcessIncoming {
		t.Fatalf("retry did not enter the pipeline: %v", q.items)
	}
}

func TestIngestUnknownPhoneIsAcknowledged(t *testing.T) {
	f := newFakeStore()
	q := &fakeQueue{}

	ing := newIngestor(f, q)
	p := Payload{ProviderPhoneID: "99999", Messages: []InboundMessage{textMessage("wamid.1", "5215512345678", "x")}}
	if err := ing.ProcessChange(context.Background(), p, nil); err != nil {
		t.Fatalf("unknown phone must not error: %v", err)
	}
	if len(f.inserted) != 0 {
		t.Fatalf("message stored for unknown phone")
	}
}

func TestIngestDisallowedTypeFiltered(t *testing.T) {
	f := newFakeStore()
	q := &fakeQueue{}
	seedPhone(f, func(p *store.Phone) {
		p.AllowedMessageTypes = []string{"text", "audio"}
	})

	ing := newIngestor(f, q)
	sticker := InboundMessage{
		ProviderMessageID: "wamid.stk",
		From:              "5215512345678",
		Type:              "sticker",
		Content:           json.RawMessage(`{"id":"med-1","mime_type":"image/webp"}`),
	}
	p := Payload{ProviderPhoneID: "10001", Messages: []InboundMessage{sticker}}
	if err := ing.ProcessChange(context.Background(), p, nil); err != nil {
		t.Fatalf("process change: %v", err)
	}

	if len(f.inserted) != 1 {
		t.Fatalf("filtered message must still be recorded")
	}
	if len(f.filtered) != 1 {
		t.Fatalf("message not marked filtered")
	}
	if len(q.items) != 0 {
		t.Fatalf("filtered message entered the batching pipeline: %v", q.items)
	}
}

func TestIngestDisallowedTypeAutoReply(t *testing.T) {
	f := newFakeStore()
	q := &fakeQueue{}
	seedPhone(f, func(p *store.Phone) {
		p.AllowedMessageTypes = []string{"text"}
		p.OnDisallowedType = domain.DisallowedAutoReply
		p.DisallowedTypeReply = "Sorry, we only handle text messages."
	})

	ing := newIngestor(f, q)
	img := InboundMessage{
		ProviderMessageID: "wamid.img",
		From:              "5215512345678",
		Type:              "image",
		Content:           json.RawMessage(`{"id":"med-2","mime_type":"image/jpeg"}`),
	}
	p := Payload{ProviderPhoneID: "10001", Messages: []InboundMessage{img}}
	if err := ing.ProcessChange(context.Background(), p, nil); err != nil {
		t.Fatalf("process change: %v", err)
	}

	sends := 0
	for _, it := range q.items {
		if it.task.Kind == sqsqueue.KindSendMessage {
			sends++
			if it.task.Text != "Sorry, we only handle text messages." {
				t.Fatalf("auto reply text = %q", it.task.Text)
			}
			if it.task.To != "+5215512345678" {
				t.Fatalf("auto reply to = %q", it.task.To)
			}
		}
	}
	if sends != 1 {
		t.Fatalf("expected 1 auto reply task, got %d", sends)
	}
}

func TestIngestStatusUpdate(t *testing.T) {
	f := newFakeStore()
	q := &fakeQueue{}
	seedPhone(f)
	f.knownPMIDs["wamid.out1"] = true

	ing := newIngestor(f, q)
	p := Payload{
		ProviderPhoneID: "10001",
		Statuses: []Status{
			{ProviderMessageID: "wamid.out1", Status: "delivered", Timestamp: "1748779260"},
			{ProviderMessageID: "wamid.unknown", Status: "read"},
		},
	}
	if err := ing.ProcessChange(context.Background(), p, nil); err != nil {
		t.Fatalf("process change: %v", err)
	}

	if len(f.deliveries) != 1 {
		t.Fatalf("expected 1 delivery update, got %d", len(f.deliveries))
	}
	d := f.deliveries[0]
	if d.Status != domain.DeliveryDelivered {
		t.Fatalf("status = %s, want delivered", d.Status)
	}
	if !d.OccurredAt.Equal(time.Unix(1748779260, 0).UTC()) {
		t.Fatalf("occurred_at = %v", d.OccurredAt)
	}
}

func TestIngestUnknownTypeStoredNotDropped(t *testing.T) {
	f := newFakeStore()
	q := &fakeQueue{}
	seedPhone(f)

	ing := newIngestor(f, q)
	p := Payload{ProviderPhoneID: "10001", Messages: []InboundMessage{{
		ProviderMessageID: "wamid.new",
		From:              "5215512345678",
		Type:              "some_future_type",
	}}}
	if err := ing.ProcessChange(context.Background(), p, nil); err != nil {
		t.Fatalf("process change: %v", err)
	}
	if len(f.inserted) != 1 || f.inserted[0].Type != domain.TypeUnknown {
		t.Fatalf("unknown type not stored as unknown: %+v", f.inserted)
	}
}
