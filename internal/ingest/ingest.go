package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"wabatch/internal/domain"
	"wabatch/internal/events"
	"wabatch/internal/observability"
	sqsqueue "wabatch/internal/queue/sqs"
	"wabatch/internal/store"
	"wabatch/internal/util"
)

type Store interface {
	GetPhoneByProviderID(ctx context.Context, providerPhoneID string) (store.Phone, bool, error)
	InsertWebhookLog(ctx context.Context, phoneID string, payload []byte, now time.Time) error
	UpsertConversation(ctx context.Context, in store.ConversationUpsert) (store.Conversation, error)
	InsertInboundMessage(ctx context.Context, in store.MessageInsert) (bool, error)
	MarkMessageFiltered(ctx context.Context, id, reason string, now time.Time) error
	SetDeliveryStatus(ctx context.Context, in store.DeliveryUpdate) (bool, error)
}

type Queue interface {
	Enqueue(ctx context.Context, task sqsqueue.Task, delay time.Duration) error
}

// Dedup is the cache in front of the database's unique-insert. Seen must be
// read-only; ids are recorded via Mark only after the row is persisted, so a
// failed ingest never swallows the provider's retry.
type Dedup interface {
	Seen(ctx context.Context, providerMessageID string) bool
	Mark(ctx context.Context, providerMessageID string)
}

// Payload is one parsed webhook change value, already scoped to a phone.
type Payload struct {
	ProviderPhoneID string
	ContactName     string
	Messages        []InboundMessage
	Statuses        []Status
}

type InboundMessage struct {
	ProviderMessageID string
	From              string
	Type              string
	Timestamp         string
	Content           json.RawMessage
}

type Status struct {
	ProviderMessageID string
	Status            string
	Timestamp         string
	ErrorMessage      string
}

// Ingestor validates, deduplicates and persists inbound messages, then hands
// them to the batching pipeline via the queue.
type Ingestor struct {
	Store  Store
	Queue  Queue
	Dedup  Dedup
	Events *events.Publisher
	Now    func() time.Time
}

func (i *Ingestor) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return util.NowUTC()
}

// ProcessChange handles one webhook change value: audit log, message ingest,
// status updates. Unknown phones are logged and skipped; the webhook must
// still be acknowledged so the provider stops retrying.
func (i *Ingestor) ProcessChange(ctx context.Context, p Payload, raw []byte) error {
	phone, found, err := i.Store.GetPhoneByProviderID(ctx, p.ProviderPhoneID)
	if err != nil {
		return err
	}
	if !found {
		slog.Warn("webhook for unknown phone", "provider_phone_id", p.ProviderPhoneID)
		observability.MessagesIngested.WithLabelValues("unknown_phone", "").Inc()
		return nil
	}

	if raw != nil {
		if err := i.Store.InsertWebhookLog(ctx, phone.ID, raw, i.now()); err != nil {
			// audit only, never blocks ingest
			slog.Warn("webhook log insert failed", "err", err)
		}
	}

	for _, m := range p.Messages {
		if err := i.ingestMessage(ctx, phone, m, p.ContactName); err != nil {
			return err
		}
	}
	for _, s := range p.Statuses {
		if err := i.applyStatus(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (i *Ingestor) ingestMessage(ctx context.Context, phone store.Phone, m InboundMessage, contactName string) error {
	if m.ProviderMessageID == "" || m.From == "" {
		slog.Warn("webhook message missing id or from", "phone", phone.Key)
		observability.MessagesIngested.WithLabelValues("invalid", m.Type).Inc()
		return nil
	}

	if i.Dedup != nil && i.Dedup.Seen(ctx, m.ProviderMessageID) {
		slog.Debug("duplicate message ignored (cache)", "provider_message_id", m.ProviderMessageID)
		observability.MessagesIngested.WithLabelValues("duplicate", m.Type).Inc()
		return nil
	}

	from := util.NormalizePhone(m.From)
	now := i.now()
	createdAt := parseTimestamp(m.Timestamp, now)

	content := domain.ParseContent(m.Type, m.Content)
	msgType := content.Type()
	if msgType == domain.TypeUnknown && m.Type != string(domain.TypeUnknown) {
		slog.Warn("unknown message type", "type", m.Type, "provider_message_id", m.ProviderMessageID)
	}

	conv, err := i.Store.UpsertConversation(ctx, store.ConversationUpsert{
		ID:            util.NewConversationID(),
		PhoneID:       phone.ID,
		ContactPhone:  from,
		ContactName:   contactName,
		LastMessageAt: createdAt,
	})
	if err != nil {
		return err
	}

	rawContent := m.Content
	if rawContent == nil {
		rawContent = json.RawMessage("{}")
	}
	msgID := util.NewMessageID()
	inserted, err := i.Store.InsertInboundMessage(ctx, store.MessageInsert{
		ID:                msgID,
		PhoneID:           phone.ID,
		ConversationID:    conv.ID,
		ProviderMessageID: m.ProviderMessageID,
		Type:              msgType,
		From:              from,
		To:                util.NormalizePhone(phone.PhoneNumber),
		Content:           rawContent,
		TextBody:          content.CanonicalText(),
		MediaID:           domain.MediaID(content),
		MediaMimeType:     domain.MimeType(content),
		CreatedAt:         createdAt,
		Now:               now,
	})
	if err != nil {
		return err
	}
	// the row exists now (fresh or from an earlier delivery); safe to cache
	if i.Dedup != nil {
		i.Dedup.Mark(ctx, m.ProviderMessageID)
	}
	if !inserted {
		// webhook retry; the first delivery already owns the pipeline
		slog.Debug("duplicate message ignored", "provider_message_id", m.ProviderMessageID)
		observability.MessagesIngested.WithLabelValues("duplicate", string(msgType)).Inc()
		return nil
	}

	i.Events.Publish(events.Event{
		Type: events.MessageReceived, PhoneID: phone.ID,
		ConversationID: conv.ID, MessageID: msgID,
	})

	if !phone.TypeAllowed(msgType) {
		return i.filterMessage(ctx, phone, conv, msgID, msgType, now)
	}

	observability.MessagesIngested.WithLabelValues("ok", string(msgType)).Inc()
	return i.Queue.Enqueue(ctx, sqsqueue.Task{Kind: sqsqueue.KindProcessIncoming, MessageID: msgID}, 0)
}

func (i *Ingestor) filterMessage(ctx context.Context, phone store.Phone, conv store.Conversation, msgID string, msgType domain.MessageType, now time.Time) error {
	reason := "message type '" + string(msgType) + "' not allowed"
	if err := i.Store.MarkMessageFiltered(ctx, msgID, reason, now); err != nil {
		return err
	}
	observability.MessagesIngested.WithLabelValues("filtered", string(msgType)).Inc()
	i.Events.Publish(events.Event{
		Type: events.MessageFiltered, PhoneID: phone.ID,
		ConversationID: conv.ID, MessageID: msgID, Reason: reason,
	})

	if phone.OnDisallowedType == domain.DisallowedAutoReply && phone.DisallowedTypeReply != "" {
		return i.Queue.Enqueue(ctx, sqsqueue.Task{
			Kind:           sqsqueue.KindSendMessage,
			PhoneID:        phone.ID,
			ConversationID: conv.ID,
			To:             conv.ContactPhone,
			Text:           phone.DisallowedTypeReply,
		}, 0)
	}
	return nil
}

func (i *Ingestor) applyStatus(ctx context.Context, s Status) error {
	if s.ProviderMessageID == "" || s.Status == "" {
		return nil
	}
	now := i.now()
	var (
		status domain.DeliveryStatus
		evType events.Type
	)
	switch s.Status {
	case "sent":
		status, evType = domain.DeliverySent, events.MessageSent
	case "delivered":
		status, evType = domain.DeliveryDelivered, events.MessageDelivered
	case "read":
		status, evType = domain.DeliveryRead, events.MessageRead
	case "failed":
		status, evType = domain.DeliveryFailed, events.MessageFailed
	default:
		return nil
	}

	updated, err := i.Store.SetDeliveryStatus(ctx, store.DeliveryUpdate{
		ProviderMessageID: s.ProviderMessageID,
		Status:            status,
		ErrorMessage:      s.ErrorMessage,
		OccurredAt:        parseTimestamp(s.Timestamp, now),
		Now:               now,
	})
	if err != nil {
		return err
	}
	if !updated {
		slog.Debug("status update for unknown message", "provider_message_id", s.ProviderMessageID)
		return nil
	}
	i.Events.Publish(events.Event{Type: evType, MessageID: s.ProviderMessageID, Reason: s.ErrorMessage})
	return nil
}

// parseTimestamp decodes the provider's unix-seconds string.
func parseTimestamp(ts string, fallback time.Time) time.Time {
	if ts == "" {
		return fallback
	}
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fallback
	}
	return time.Unix(secs, 0).UTC()
}
