package events

import (
	"sync"
	"time"
)

// Type identifies an engine event.
type Type string

const (
	MessageReceived  Type = "message.received"
	MessageFiltered  Type = "message.filtered"
	MessageReady     Type = "message.ready"
	MessageSent      Type = "message.sent"
	MessageDelivered Type = "message.delivered"
	MessageRead      Type = "message.read"
	MessageFailed    Type = "message.failed"
	MediaDownloaded  Type = "media.downloaded"
	AudioTranscribed Type = "audio.transcribed"
	BatchReady       Type = "batch.ready"
	BatchProcessed   Type = "batch.processed"
	BatchFailed      Type = "batch.failed"
)

// Event is a fire-and-forget notification. No subscriber is part of the
// engine's correctness contract.
type Event struct {
	Type           Type
	PhoneID        string
	ConversationID string
	BatchID        string
	MessageID      string
	Reason         string
	At             time.Time
}

type Subscriber func(Event)

// Publisher fans events out to subscribers. Publish never blocks the caller
// on a subscriber; each delivery runs on its own goroutine.
type Publisher struct {
	mu   sync.RWMutex
	subs []Subscriber
}

func NewPublisher() *Publisher { return &Publisher{} }

func (p *Publisher) Subscribe(s Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, s)
}

func (p *Publisher) Publish(ev Event) {
	if p == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	p.mu.RLock()
	subs := make([]Subscriber, len(p.subs))
	copy(subs, p.subs)
	p.mu.RUnlock()
	for _, s := range subs {
		go s(ev)
	}
}
