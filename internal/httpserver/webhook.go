package httpserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"wabatch/internal/ingest"
	"wabatch/internal/observability"
	"wabatch/internal/whatsapp"
)

// maxWebhookBody bounds the request body read. Cloud API payloads are small;
// anything near this size is hostile.
const maxWebhookBody = 1 << 20

type Webhook struct {
	Ingestor    *ingest.Ingestor
	AppSecret   string
	VerifyToken string
}

func (wh *Webhook) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/webhooks/whatsapp", wh.handleVerify).Methods(http.MethodGet)
	mux.HandleFunc("/v1/webhooks/whatsapp", wh.handleEvent).Methods(http.MethodPost)
}

// handleVerify answers the provider's subscription handshake.
func (wh *Webhook) handleVerify(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != wh.VerifyToken {
		http.Error(rw, ErrInvalidToken, http.StatusForbidden)
		return
	}
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte(q.Get("hub.challenge")))
}

func (wh *Webhook) handleEvent(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		http.Error(rw, ErrDependency, http.StatusBadRequest)
		return
	}
	if len(body) > maxWebhookBody {
		http.Error(rw, ErrBodyTooLarge, http.StatusRequestEntityTooLarge)
		return
	}

	if !whatsapp.VerifySignature(wh.AppSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		observability.WebhookRequests.WithLabelValues("invalid_signature").Inc()
		http.Error(rw, ErrInvalidSignature, http.StatusUnauthorized)
		return
	}

	var payload whatsapp.Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		observability.WebhookRequests.WithLabelValues("invalid_json").Inc()
		http.Error(rw, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			if err := wh.Ingestor.ProcessChange(r.Context(), toIngestPayload(change.Value), body); err != nil {
				// Persistence failed; 500 makes the provider redeliver, and
				// dedup absorbs anything that did land.
				slog.Error("webhook ingest failed", "err", err,
					"provider_phone_id", change.Value.Metadata.PhoneNumberID)
				observability.WebhookRequests.WithLabelValues("error").Inc()
				http.Error(rw, ErrDependency, http.StatusInternalServerError)
				return
			}
		}
	}

	observability.WebhookRequests.WithLabelValues("ok").Inc()
	rw.WriteHeader(http.StatusOK)
}

func toIngestPayload(v whatsapp.ChangeValue) ingest.Payload {
	p := ingest.Payload{ProviderPhoneID: v.Metadata.PhoneNumberID}
	if len(v.Contacts) > 0 {
		p.ContactName = v.Contacts[0].Profile.Name
	}
	for _, m := range v.Messages {
		p.Messages = append(p.Messages, ingest.InboundMessage{
			ProviderMessageID: m.ID,
			From:              m.From,
			Type:              m.Type,
			Timestamp:         m.Timestamp,
			Content:           m.Content(),
		})
	}
	for _, s := range v.Statuses {
		p.Statuses = append(p.Statuses, ingest.Status{
			ProviderMessageID: s.ID,
			Status:            s.Status,
			Timestamp:         s.Timestamp,
			ErrorMessage:      s.ErrorMessage(),
		})
	}
	return p
}
