package outbound

import (
	"context"
	"log/slog"
	"time"

	"wabatch/internal/domain"
	"wabatch/internal/events"
	sqsqueue "wabatch/internal/queue/sqs"
	"wabatch/internal/store"
	"wabatch/internal/util"
)

type Store interface {
	GetPhone(ctx context.Context, phoneID string) (store.Phone, bool, error)
	InsertOutboundMessage(ctx context.Context, id, phoneID, conversationID, from, to, text string, now time.Time) error
	SetOutboundResult(ctx context.Context, id, providerMessageID string, status domain.DeliveryStatus, errMsg string, now time.Time) error
}

// GraphClient is the slice of the WhatsApp client the sender uses. The token
// is the phone's own; an empty one falls back to the client's default.
type GraphClient interface {
	SendText(ctx context.Context, accessToken, providerPhoneID, to, text string) (string, error)
	MarkRead(ctx context.Context, accessToken, providerPhoneID, providerMessageID string) error
	StartTyping(ctx context.Context, accessToken, providerPhoneID, providerMessageID string) error
}

// Sender records and sends outbound text messages. Every send leaves a row in
// messages so delivery callbacks have something to attach to.
type Sender struct {
	Store  Store
	Client GraphClient
	Events *events.Publisher
	Now    func() time.Time
}

func (s *Sender) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return util.NowUTC()
}

// SendText records the outbound message, sends it, and stores the provider
// message id. The returned id is the provider's.
func (s *Sender) SendText(ctx context.Context, phone store.Phone, conversationID, to, text string) (string, error) {
	id := util.NewMessageID()
	now := s.now()
	if err := s.Store.InsertOutboundMessage(ctx, id, phone.ID, conversationID,
		util.NormalizePhone(phone.PhoneNumber), util.NormalizePhone(to), text, now); err != nil {
		return "", err
	}

	pmid, err := s.Client.SendText(ctx, phone.AccessToken, phone.ProviderPhoneID, to, text)
	if err != nil {
		if serr := s.Store.SetOutboundResult(ctx, id, "", domain.DeliveryFailed, err.Error(), s.now()); serr != nil {
			slog.Warn("outbound result update failed", "message_id", id, "err", serr)
		}
		s.Events.Publish(events.Event{Type: events.MessageFailed, PhoneID: phone.ID,
			ConversationID: conversationID, MessageID: id, Reason: err.Error()})
		return "", err
	}

	if serr := s.Store.SetOutboundResult(ctx, id, pmid, domain.DeliveryQueued, "", s.now()); serr != nil {
		slog.Warn("outbound result update failed", "message_id", id, "err", serr)
	}
	return pmid, nil
}

func (s *Sender) MarkRead(ctx context.Context, phone store.Phone, providerMessageID string) error {
	return s.Client.MarkRead(ctx, phone.AccessToken, phone.ProviderPhoneID, providerMessageID)
}

func (s *Sender) StartTyping(ctx context.Context, phone store.Phone, providerMessageID string) error {
	return s.Client.StartTyping(ctx, phone.AccessToken, phone.ProviderPhoneID, providerMessageID)
}

// ProcessSend handles the send_message task (auto replies and any other
// queued sends). Send failures are recorded, not retried; the provider
// rejects duplicates poorly and a stale auto reply is worse than none.
func (s *Sender) ProcessSend(ctx context.Context, task sqsqueue.Task) error {
	phone, found, err := s.Store.GetPhone(ctx, task.PhoneID)
	if err != nil {
		return err
	}
	if !found {
		slog.Warn("send_message: phone gone", "phone_id", task.PhoneID)
		return nil
	}
	if _, err := s.SendText(ctx, phone, task.ConversationID, task.To, task.Text); err != nil {
		slog.Warn("send_message failed", "phone", phone.Key, "to", task.To, "err", err)
	}
	return nil
}
