package domain

import "errors"

// Message lifecycle status.
type MessageStatus string

const (
	StatusReceived   MessageStatus = "received"
	StatusFiltered   MessageStatus = "filtered"
	StatusProcessing MessageStatus = "processing"
	StatusReady      MessageStatus = "ready"
	StatusProcessed  MessageStatus = "processed"
	StatusFailed     MessageStatus = "failed"
)

// TerminalForBatching reports whether a message in this status counts toward
// batch readiness. Enrichment failures still end in StatusReady, so only
// ready and processed qualify.
func (s MessageStatus) TerminalForBatching() bool {
	return s == StatusReady || s == StatusProcessed
}

// Batch lifecycle status.
type BatchStatus string

const (
	BatchCollecting BatchStatus = "collecting"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchFailed
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MessageType classifies the inbound payload shape.
type MessageType string

const (
	TypeText        MessageType = "text"
	TypeImage       MessageType = "image"
	TypeVideo       MessageType = "video"
	TypeAudio       MessageType = "audio"
	TypeDocument    MessageType = "document"
	TypeSticker     MessageType = "sticker"
	TypeLocation    MessageType = "location"
	TypeContacts    MessageType = "contacts"
	TypeInteractive MessageType = "interactive"
	TypeButton      MessageType = "button"
	TypeReaction    MessageType = "reaction"
	TypeOrder       MessageType = "order"
	TypeSystem      MessageType = "system"
	TypeUnknown     MessageType = "unknown"
)

// MediaTypes are the types that carry a provider media id.
var MediaTypes = map[MessageType]bool{
	TypeImage:    true,
	TypeVideo:    true,
	TypeAudio:    true,
	TypeDocument: true,
	TypeSticker:  true,
}

func (t MessageType) IsMedia() bool { return MediaTypes[t] }

// Media download state on a message.
type MediaStatus string

const (
	MediaPending     MediaStatus = "pending"
	MediaDownloading MediaStatus = "downloading"
	MediaDownloaded  MediaStatus = "downloaded"
	MediaFailed      MediaStatus = "failed"
)

// Transcription state on a message.
type TranscriptionStatus string

const (
	TranscriptionPending TranscriptionStatus = "pending"
	TranscriptionRunning TranscriptionStatus = "transcribing"
	TranscriptionDone    TranscriptionStatus = "transcribed"
	TranscriptionFailed  TranscriptionStatus = "failed"
)

// Delivery state for outbound messages, driven by provider status callbacks.
type DeliveryStatus string

const (
	DeliveryQueued    DeliveryStatus = "queued"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Per-channel processing mode.
const (
	ModeBatch     = "batch"
	ModeImmediate = "immediate"
)

// Policy for messages whose type is not in the allowed set.
const (
	DisallowedIgnore    = "ignore"
	DisallowedAutoReply = "auto_reply"
)

var (
	ErrUnknownHandler   = errors.New("handler not registered")
	ErrMediaNotFound    = errors.New("media not found or expired")
	ErrNotConfigured    = errors.New("service not configured")
	ErrMissingMediaFile = errors.New("local media file missing")
)
