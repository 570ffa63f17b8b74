package handler

import (
	"context"
	"strings"

	"wabatch/internal/domain"
	"wabatch/internal/store"
)

// Outbound is the slice of the messaging stack a handler may touch.
type Outbound interface {
	SendText(ctx context.Context, phone store.Phone, conversationID, to, text string) (string, error)
	MarkRead(ctx context.Context, phone store.Phone, providerMessageID string) error
	StartTyping(ctx context.Context, phone store.Phone, providerMessageID string) error
}

// Context is the view of one ready batch handed to a Handler. Messages are in
// arrival order and every one of them is settled; failed enrichment shows up
// as failed media or transcription status on an otherwise deliverable message.
type Context struct {
	Phone        store.Phone
	Conversation store.Conversation
	Batch        store.Batch
	Messages     []store.Message

	out Outbound
}

func NewContext(phone store.Phone, conv store.Conversation, batch store.Batch, msgs []store.Message, out Outbound) *Context {
	return &Context{Phone: phone, Conversation: conv, Batch: batch, Messages: msgs, out: out}
}

func (c *Context) Count() int { return len(c.Messages) }

func (c *Context) First() *store.Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[0]
}

func (c *Context) Last() *store.Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return &c.Messages[len(c.Messages)-1]
}

// Text joins the plain text bodies of the batch, in order.
func (c *Context) Text() string {
	var parts []string
	for _, m := range c.Messages {
		if m.Type == domain.TypeText && m.TextBody != "" {
			parts = append(parts, m.TextBody)
		}
	}
	return strings.Join(parts, "\n")
}

// FullText joins everything readable: text bodies, media captions, interactive
// reply titles and audio transcriptions, in arrival order.
func (c *Context) FullText() string {
	var parts []string
	for _, m := range c.Messages {
		switch {
		case m.Transcription != "":
			parts = append(parts, m.Transcription)
		case m.TextBody != "":
			parts = append(parts, m.TextBody)
		}
	}
	return strings.Join(parts, "\n")
}

func (c *Context) MessagesOfType(t domain.MessageType) []store.Message {
	var out []store.Message
	for _, m := range c.Messages {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (c *Context) HasType(t domain.MessageType) bool {
	for _, m := range c.Messages {
		if m.Type == t {
			return true
		}
	}
	return false
}

// Media returns the messages whose download completed.
func (c *Context) Media() []store.Message {
	var out []store.Message
	for _, m := range c.Messages {
		if m.MediaStatus == domain.MediaDownloaded {
			out = append(out, m)
		}
	}
	return out
}

func (c *Context) FailedMediaDownloads() []store.Message {
	var out []store.Message
	for _, m := range c.Messages {
		if m.MediaStatus == domain.MediaFailed {
			out = append(out, m)
		}
	}
	return out
}

// Transcriptions returns the audio messages that transcribed successfully.
func (c *Context) Transcriptions() []store.Message {
	var out []store.Message
	for _, m := range c.Messages {
		if m.TranscriptionStatus == domain.TranscriptionDone {
			out = append(out, m)
		}
	}
	return out
}

func (c *Context) FailedTranscriptions() []store.Message {
	var out []store.Message
	for _, m := range c.Messages {
		if m.TranscriptionStatus == domain.TranscriptionFailed {
			out = append(out, m)
		}
	}
	return out
}

func (c *Context) Locations() []domain.LocationContent {
	var out []domain.LocationContent
	for _, m := range c.Messages {
		if l, ok := m.TypedContent().(domain.LocationContent); ok {
			out = append(out, l)
		}
	}
	return out
}

func (c *Context) InteractiveReplies() []domain.InteractiveReplyContent {
	var out []domain.InteractiveReplyContent
	for _, m := range c.Messages {
		if r, ok := m.TypedContent().(domain.InteractiveReplyContent); ok {
			out = append(out, r)
		}
	}
	return out
}

func (c *Context) Reactions() []domain.ReactionContent {
	var out []domain.ReactionContent
	for _, m := range c.Messages {
		if r, ok := m.TypedContent().(domain.ReactionContent); ok {
			out = append(out, r)
		}
	}
	return out
}

func (c *Context) Contacts() []domain.ContactsContent {
	var out []domain.ContactsContent
	for _, m := range c.Messages {
		if cc, ok := m.TypedContent().(domain.ContactsContent); ok {
			out = append(out, cc)
		}
	}
	return out
}

// Reply sends a text message back to the batch's contact and returns the
// provider message id.
func (c *Context) Reply(ctx context.Context, text string) (string, error) {
	if c.out == nil {
		return "", domain.ErrNotConfigured
	}
	return c.out.SendText(ctx, c.Phone, c.Conversation.ID, c.Conversation.ContactPhone, text)
}

// MarkRead marks the batch's last inbound message as read.
func (c *Context) MarkRead(ctx context.Context) error {
	if c.out == nil {
		return domain.ErrNotConfigured
	}
	last := c.Last()
	if last == nil {
		return nil
	}
	return c.out.MarkRead(ctx, c.Phone, last.ProviderMessageID)
}

// StartTyping shows the typing indicator on the conversation.
func (c *Context) StartTyping(ctx context.Context) error {
	if c.out == nil {
		return domain.ErrNotConfigured
	}
	last := c.Last()
	if last == nil {
		return nil
	}
	return c.out.StartTyping(ctx, c.Phone, last.ProviderMessageID)
}
