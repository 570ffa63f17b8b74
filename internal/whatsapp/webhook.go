package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// VerifySignature checks the X-Hub-Signature-256 header ("sha256=<hex>")
// against the raw request body.
func VerifySignature(appSecret string, body []byte, header string) bool {
	provided, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(provided))
}

// Webhook payload shapes. Per-type content stays as raw JSON; classification
// happens in the domain layer.

type Payload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

type ChangeValue struct {
	MessagingProduct string           `json:"messaging_product"`
	Metadata         Metadata         `json:"metadata"`
	Contacts         []Contact        `json:"contacts"`
	Messages         []InboundMessage `json:"messages"`
	Statuses         []StatusUpdate   `json:"statuses"`
}

type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type Contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type InboundMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`

	Text        json.RawMessage `json:"text,omitempty"`
	Image       json.RawMessage `json:"image,omitempty"`
	Video       json.RawMessage `json:"video,omitempty"`
	Audio       json.RawMessage `json:"audio,omitempty"`
	Document    json.RawMessage `json:"document,omitempty"`
	Sticker     json.RawMessage `json:"sticker,omitempty"`
	Location    json.RawMessage `json:"location,omitempty"`
	Contacts    json.RawMessage `json:"contacts,omitempty"`
	Interactive json.RawMessage `json:"interactive,omitempty"`
	Button      json.RawMessage `json:"button,omitempty"`
	Reaction    json.RawMessage `json:"reaction,omitempty"`
	Order       json.RawMessage `json:"order,omitempty"`
	System      json.RawMessage `json:"system,omitempty"`
}

// Content returns the raw fragment matching the declared type, or nil when
// the shape is unknown.
func (m InboundMessage) Content() json.RawMessage {
	switch m.Type {
	case "text":
		return m.Text
	case "image":
		return m.Image
	case "video":
		return m.Video
	case "audio":
		return m.Audio
	case "document":
		return m.Document
	case "sticker":
		return m.Sticker
	case "location":
		return m.Location
	case "contacts":
		return wrapContacts(m.Contacts)
	case "interactive":
		return m.Interactive
	case "button":
		return m.Button
	case "reaction":
		return m.Reaction
	case "order":
		return m.Order
	case "system":
		return m.System
	}
	return nil
}

func wrapContacts(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	wrapped, _ := json.Marshal(map[string]json.RawMessage{"contacts": raw})
	return wrapped
}

type StatusUpdate struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Errors    []struct {
		Message string `json:"message"`
		Title   string `json:"title"`
	} `json:"errors"`
}

func (s StatusUpdate) ErrorMessage() string {
	if len(s.Errors) == 0 {
		return ""
	}
	if s.Errors[0].Message != "" {
		return s.Errors[0].Message
	}
	return s.Errors[0].Title
}
