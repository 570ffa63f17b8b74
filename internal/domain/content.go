package domain

import "encoding/json"

// Content is the typed view over a message's raw payload. Every variant knows
// its type and can render a canonical text form (body, caption or a short
// description) for text aggregation.
type Content interface {
	Type() MessageType
	CanonicalText() string
}

type TextContent struct {
	Body string `json:"body"`
}

func (TextContent) Type() MessageType       { return TypeText }
func (c TextContent) CanonicalText() string { return c.Body }

type ImageContent struct {
	MediaID  string `json:"id"`
	Caption  string `json:"caption,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
}

func (ImageContent) Type() MessageType       { return TypeImage }
func (c ImageContent) CanonicalText() string { return c.Caption }

type VideoContent struct {
	MediaID  string `json:"id"`
	Caption  string `json:"caption,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
}

func (VideoContent) Type() MessageType       { return TypeVideo }
func (c VideoContent) CanonicalText() string { return c.Caption }

type AudioContent struct {
	MediaID  string `json:"id"`
	MimeType string `json:"mime_type,omitempty"`
	Voice    bool   `json:"voice,omitempty"`
}

func (AudioContent) Type() MessageType     { return TypeAudio }
func (AudioContent) CanonicalText() string { return "" }

type DocumentContent struct {
	MediaID  string `json:"id"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	SHA256   string `json:"sha256,omitempty"`
}

func (DocumentContent) Type() MessageType       { return TypeDocument }
func (c DocumentContent) CanonicalText() string { return c.Caption }

type StickerContent struct {
	MediaID  string `json:"id"`
	MimeType string `json:"mime_type,omitempty"`
	Animated bool   `json:"animated,omitempty"`
}

func (StickerContent) Type() MessageType     { return TypeSticker }
func (StickerContent) CanonicalText() string { return "" }

type LocationContent struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

func (LocationContent) Type() MessageType       { return TypeLocation }
func (c LocationContent) CanonicalText() string { return c.Name }

type ContactsContent struct {
	Contacts json.RawMessage `json:"contacts"`
}

func (ContactsContent) Type() MessageType     { return TypeContacts }
func (ContactsContent) CanonicalText() string { return "" }

// InteractiveReplyContent covers both interactive (button_reply/list_reply)
// and legacy button payloads.
type InteractiveReplyContent struct {
	ReplyType   string `json:"type"`
	ID          string `json:"reply_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

func (InteractiveReplyContent) Type() MessageType       { return TypeInteractive }
func (c InteractiveReplyContent) CanonicalText() string { return c.Title }

type ReactionContent struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

func (ReactionContent) Type() MessageType       { return TypeReaction }
func (c ReactionContent) CanonicalText() string { return c.Emoji }

type OrderContent struct {
	CatalogID    string          `json:"catalog_id"`
	ProductItems json.RawMessage `json:"product_items,omitempty"`
	Text         string          `json:"text,omitempty"`
}

func (OrderContent) Type() MessageType       { return TypeOrder }
func (c OrderContent) CanonicalText() string { return c.Text }

type SystemContent struct {
	Body    string `json:"body"`
	NewWaID string `json:"new_wa_id,omitempty"`
}

func (SystemContent) Type() MessageType       { return TypeSystem }
func (c SystemContent) CanonicalText() string { return c.Body }

// UnknownContent keeps the raw payload so nothing is dropped silently.
type UnknownContent struct {
	TypeName string          `json:"type"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

func (UnknownContent) Type() MessageType     { return TypeUnknown }
func (UnknownContent) CanonicalText() string { return "" }

// wire shapes that differ from the stored variants

type interactiveWire struct {
	Type        string `json:"type"`
	ButtonReply *struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"button_reply"`
	ListReply *struct {
		ID          string `json:"id"`
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"list_reply"`
}

type buttonWire struct {
	Payload string `json:"payload"`
	Text    string `json:"text"`
}

// ParseContent decodes the per-type payload fragment into its typed variant.
// Unknown or malformed shapes fall back to UnknownContent carrying the raw
// bytes; classification never fails.
func ParseContent(msgType string, raw json.RawMessage) Content {
	if raw == nil {
		raw = json.RawMessage("{}")
	}
	switch MessageType(msgType) {
	case TypeText:
		var c TextContent
		if json.Unmarshal(raw, &c) == nil {
			return c
		}
	case TypeImage:
		var c ImageContent
		if json.Unmarshal(raw, &c) == nil {
			return c
		}
	case TypeVideo:
		var c VideoContent
		if json.Unmarshal(raw, &c) == nil {
			return c
		}
	case TypeAudio:
		var c AudioContent
		if json.Unmarshal(raw, &c) == nil {
			return c
		}
	case TypeDocument:
		var c DocumentContent
		if json.Unmarshal(raw, &c) == nil {
			return c
		}
	case TypeSticker:
		var c StickerContent
		if json.Unmarshal(raw, &c) == nil {
			return c
		}
	case TypeLocation:
		var c LocationContent
		if json.Unmarshal(raw, &c) == nil {
			return c
		}
	case TypeContacts:
		return ContactsContent{Contacts: raw}
	case TypeInteractive:
		var w interactiveWire
		if json.Unmarshal(raw, &w) == nil {
			c := InteractiveReplyContent{ReplyType: w.Type}
			if w.ButtonReply != nil {
				c.ID, c.Title = w.ButtonReply.ID, w.ButtonReply.Title
			} else if w.ListReply != nil {
				c.ID, c.Title, c.Description = w.ListReply.ID, w.ListReply.Title, w.ListReply.Description
			}
			return c
		}
	case TypeButton:
		var w buttonWire
		if json.Unmarshal(raw, &w) == nil {
			return InteractiveReplyContent{ReplyType: "button", ID: w.Payload, Title: w.Text}
		}
	case TypeReaction:
		var c ReactionContent
		if json.Unmarshal(raw, &c) == nil {
			return c
		}
	case TypeOrder:
		var c OrderContent
		if json.Unmarshal(raw, &c) == nil {
			return c
		}
	case TypeSystem:
		var c SystemContent
		if json.Unmarshal(raw, &c) == nil {
			return c
		}
	}
	return UnknownContent{TypeName: msgType, Raw: raw}
}

// MediaID extracts the provider media id from media-bearing variants.
func MediaID(c Content) string {
	switch v := c.(type) {
	case ImageContent:
		return v.MediaID
	case VideoContent:
		return v.MediaID
	case AudioContent:
		return v.MediaID
	case DocumentContent:
		return v.MediaID
	case StickerContent:
		return v.MediaID
	}
	return ""
}

// MimeType extracts the declared mime type from media-bearing variants.
func MimeType(c Content) string {
	switch v := c.(type) {
	case ImageContent:
		return v.MimeType
	case VideoContent:
		return v.MimeType
	case AudioContent:
		return v.MimeType
	case DocumentContent:
		return v.MimeType
	case StickerContent:
		return v.MimeType
	}
	return ""
}
