package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	sqsqueue "wabatch/internal/queue/sqs"
	"wabatch/internal/store"
	"wabatch/internal/util"
)

type APIStore interface {
	GetMessage(ctx context.Context, id string) (store.Message, bool, error)
	GetBatch(ctx context.Context, id string) (store.Batch, bool, error)
	GetConversation(ctx context.Context, id string) (store.Conversation, bool, error)
	GetPhone(ctx context.Context, phoneID string) (store.Phone, bool, error)
	MessagesForDispatch(ctx context.Context, batchID string) ([]store.Message, error)
}

type APIQueue interface {
	Enqueue(ctx context.Context, task sqsqueue.Task, delay time.Duration) error
}

// API exposes the read and outbound-send endpoints.
type API struct {
	Store APIStore
	Queue APIQueue
}

func (a *API) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/messages/{id}", a.handleGetMessage).Methods(http.MethodGet)
	mux.HandleFunc("/v1/batches/{id}", a.handleGetBatch).Methods(http.MethodGet)
	mux.HandleFunc("/v1/conversations/{id}", a.handleGetConversation).Methods(http.MethodGet)
	mux.HandleFunc("/v1/messages", a.handleSend).Methods(http.MethodPost)
}

type messageView struct {
	ID                  string          `json:"id"`
	ConversationID      string          `json:"conversation_id"`
	BatchID             string          `json:"batch_id,omitempty"`
	Direction           string          `json:"direction"`
	Type                string          `json:"type"`
	From                string          `json:"from"`
	To                  string          `json:"to"`
	Content             json.RawMessage `json:"content"`
	TextBody            string          `json:"text_body,omitempty"`
	Status              string          `json:"status"`
	MediaStatus         string          `json:"media_status,omitempty"`
	Transcription       string          `json:"transcription,omitempty"`
	TranscriptionStatus string          `json:"transcription_status,omitempty"`
	DeliveryStatus      string          `json:"delivery_status,omitempty"`
	ErrorMessage        string          `json:"error_message,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

func toMessageView(m store.Message) messageView {
	return messageView{
		ID:                  m.ID,
		ConversationID:      m.ConversationID,
		BatchID:             m.BatchID,
		Direction:           string(m.Direction),
		Type:                string(m.Type),
		From:                m.From,
		To:                  m.To,
		Content:             m.Content,
		TextBody:            m.TextBody,
		Status:              string(m.Status),
		MediaStatus:         string(m.MediaStatus),
		Transcription:       m.Transcription,
		TranscriptionStatus: string(m.TranscriptionStatus),
		DeliveryStatus:      string(m.DeliveryStatus),
		ErrorMessage:        m.ErrorMessage,
		CreatedAt:           m.CreatedAt,
	}
}

func (a *API) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	m, found, err := a.Store.GetMessage(r.Context(), id)
	if err != nil {
		slog.Error("get message failed", "err", err, "id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toMessageView(m))
}

type batchView struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	Status         string        `json:"status"`
	FirstMessageAt time.Time     `json:"first_message_at"`
	ProcessAfter   time.Time     `json:"process_after"`
	ProcessedAt    *time.Time    `json:"processed_at,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	Messages       []messageView `json:"messages"`
}

func (a *API) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	b, found, err := a.Store.GetBatch(r.Context(), id)
	if err != nil {
		slog.Error("get batch failed", "err", err, "id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	msgs, err := a.Store.MessagesForDispatch(r.Context(), id)
	if err != nil {
		slog.Error("get batch messages failed", "err", err, "id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	view := batchView{
		ID:             b.ID,
		ConversationID: b.ConversationID,
		Status:         string(b.Status),
		FirstMessageAt: b.FirstMessageAt,
		ProcessAfter:   b.ProcessAfter,
		ProcessedAt:    b.ProcessedAt,
		ErrorMessage:   b.ErrorMessage,
		Messages:       make([]messageView, 0, len(msgs)),
	}
	for _, m := range msgs {
		view.Messages = append(view.Messages, toMessageView(m))
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		http.Error(w, ErrMissingID, http.StatusBadRequest)
		return
	}
	c, found, err := a.Store.GetConversation(r.Context(), id)
	if err != nil {
		slog.Error("get conversation failed", "err", err, "id", id)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":              c.ID,
		"phone_id":        c.PhoneID,
		"contact_phone":   c.ContactPhone,
		"contact_name":    c.ContactName,
		"last_message_at": c.LastMessageAt,
		"unread_count":    c.UnreadCount,
	})
}

type sendRequest struct {
	PhoneID        string `json:"phone_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	To             string `json:"to"`
	Text           string `json:"text"`
}

// handleSend enqueues an outbound text send. Delivery is async; the response
// only acknowledges acceptance.
func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if req.PhoneID == "" || req.To == "" || req.Text == "" {
		http.Error(w, "phone_id, to and text are required", http.StatusBadRequest)
		return
	}
	if _, found, err := a.Store.GetPhone(r.Context(), req.PhoneID); err != nil {
		slog.Error("send: get phone failed", "err", err, "phone_id", req.PhoneID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	} else if !found {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}

	err := a.Queue.Enqueue(r.Context(), sqsqueue.Task{
		Kind:           sqsqueue.KindSendMessage,
		PhoneID:        req.PhoneID,
		ConversationID: req.ConversationID,
		To:             util.NormalizePhone(req.To),
		Text:           req.Text,
	}, 0)
	if err != nil {
		slog.Error("send enqueue failed", "err", err, "phone_id", req.PhoneID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
