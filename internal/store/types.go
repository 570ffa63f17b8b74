package store

import (
	"encoding/json"
	"time"

	"wabatch/internal/domain"
)

// Phone is a channel's static configuration, read at batch create/extend time.
type Phone struct {
	ID                    string
	Key                   string
	ProviderPhoneID       string
	PhoneNumber           string
	DisplayName           string
	AccessToken           string
	Handler               string
	ProcessingMode        string
	BatchWindowSeconds    int
	BatchMaxWindowSeconds int
	BatchMaxMessages      int
	AutoDownloadMedia     bool
	TranscriptionEnabled  bool
	TranscriptionLanguage string
	AllowedMessageTypes   []string
	OnDisallowedType      string
	DisallowedTypeReply   string
	Active                bool
}

func (p Phone) Immediate() bool { return p.ProcessingMode == domain.ModeImmediate }

// TypeAllowed reports whether the phone accepts this message type. A nil set
// or a "*" entry allows everything.
func (p Phone) TypeAllowed(t domain.MessageType) bool {
	if p.AllowedMessageTypes == nil {
		return true
	}
	for _, a := range p.AllowedMessageTypes {
		if a == "*" || a == string(t) {
			return true
		}
	}
	return false
}

type Conversation struct {
	ID            string
	PhoneID       string
	ContactPhone  string
	ContactName   string
	LastMessageAt time.Time
	UnreadCount   int
}

type Message struct {
	ID                    string
	PhoneID               string
	ConversationID        string
	BatchID               string
	ProviderMessageID     string
	Direction             domain.Direction
	Type                  domain.MessageType
	From                  string
	To                    string
	Content               json.RawMessage
	TextBody              string
	Status                domain.MessageStatus
	FilteredReason        string
	MediaID               string
	MediaStatus           domain.MediaStatus
	LocalMediaPath        string
	MediaMimeType         string
	MediaSize             int64
	TranscriptionStatus   domain.TranscriptionStatus
	Transcription         string
	TranscriptionLanguage string
	TranscriptionDuration float64
	DeliveryStatus        domain.DeliveryStatus
	ErrorMessage          string
	SentAt                *time.Time
	DeliveredAt           *time.Time
	ReadAt                *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// TypedContent decodes the raw payload into its tagged-union form.
func (m Message) TypedContent() domain.Content {
	return domain.ParseContent(string(m.Type), m.Content)
}

func (m Message) HasMedia() bool {
	return m.Type.IsMedia() && m.MediaID != ""
}

func (m Message) HasTranscription() bool {
	return m.Transcription != ""
}

// Batch rows are totally ordered per conversation by Seq (assigned by the
// database at creation).
type Batch struct {
	ID             string
	Seq            int64
	PhoneID        string
	ConversationID string
	Status         domain.BatchStatus
	FirstMessageAt time.Time
	ProcessAfter   time.Time
	ProcessedAt    *time.Time
	ErrorMessage   string
	CreatedAt      time.Time
}

// MessageInsert carries everything needed for the idempotent inbound insert.
type MessageInsert struct {
	ID                string
	PhoneID           string
	ConversationID    string
	ProviderMessageID string
	Type              domain.MessageType
	From              string
	To                string
	Content           json.RawMessage
	TextBody          string
	MediaID           string
	MediaMimeType     string
	CreatedAt         time.Time
	Now               time.Time
}

type ConversationUpsert struct {
	ID            string
	PhoneID       string
	ContactPhone  string
	ContactName   string
	LastMessageAt time.Time
}

// BatchAssign is the input to the find-or-create-and-attach transaction.
type BatchAssign struct {
	BatchID          string
	MessageID        string
	PhoneID          string
	ConversationID   string
	MessageCreatedAt time.Time
	WindowSeconds    int
	MaxWindowSeconds int
	Immediate        bool
	Now              time.Time
}

// Readiness is a snapshot used by the shouldProcess decision.
type Readiness struct {
	Status         domain.BatchStatus
	ConversationID string
	Seq            int64
	FirstMessageAt time.Time
	ProcessAfter   time.Time
	CreatedAt      time.Time
	MessageCount   int
	PendingCount   int
	ReadyCount     int
}

// ClaimOutcome of the atomic collecting -> processing transition.
type ClaimOutcome int

const (
	// ClaimSkipped: batch missing or no longer collecting; caller must
	// return without side effects.
	ClaimSkipped ClaimOutcome = iota
	// ClaimBlocked: an earlier batch of the same conversation is still
	// pending; caller reschedules.
	ClaimBlocked
	// Claimed: this worker owns the batch now.
	Claimed
)

type MediaUpdate struct {
	MessageID      string
	Status         domain.MediaStatus
	LocalMediaPath string
	MediaSize      int64
	ErrorMessage   string
	Now            time.Time
}

type TranscriptionUpdate struct {
	MessageID string
	Status    domain.TranscriptionStatus
	Text      string
	Language  string
	Duration  float64
	Error     string
	Now       time.Time
}

type DeliveryUpdate struct {
	ProviderMessageID string
	Status            domain.DeliveryStatus
	ErrorMessage      string
	OccurredAt        time.Time
	Now               time.Time
}
