package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"wabatch/internal/domain"
	sqsqueue "wabatch/internal/queue/sqs"
	"wabatch/internal/store"
)

type fakeAPIStore struct {
	messages      map[string]store.Message
	batches       map[string]store.Batch
	conversations map[string]store.Conversation
	phones        map[string]store.Phone
	batchMsgs     map[string][]store.Message
}

func (f *fakeAPIStore) GetMessage(_ context.Context, id string) (store.Message, bool, error) {
	m, ok := f.messages[id]
	return m, ok, nil
}

func (f *fakeAPIStore) GetBatch(_ context.Context, id string) (store.Batch, bool, error) {
	b, ok := f.batches[id]
	return b, ok, nil
}

func (f *fakeAPIStore) GetConversation(_ context.Context, id string) (store.Conversation, bool, error) {
	c, ok := f.conversations[id]
	return c, ok, nil
}

func (f *fakeAPIStore) GetPhone(_ context.Context, id string) (store.Phone, bool, error) {
	p, ok := f.phones[id]
	return p, ok, nil
}

func (f *fakeAPIStore) MessagesForDispatch(_ context.Context, batchID string) ([]store.Message, error) {
	return f.batchMsgs[batchID], nil
}

func newAPIRouter(st *fakeAPIStore, q *fakeTaskQueue) *mux.Router {
	r := mux.NewRouter()
	(&API{Store: st, Queue: q}).Register(r)
	return r
}

func TestGetMessage(t *testing.T) {
	st := &fakeAPIStore{messages: map[string]store.Message{
		"msg_1": {ID: "msg_1", ConversationID: "cnv_1", Type: domain.TypeText,
			TextBody: "hola", Status: domain.StatusProcessed},
	}}
	r := newAPIRouter(st, &fakeTaskQueue{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/messages/msg_1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var view map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view["id"] != "msg_1" || view["text_body"] != "hola" || view["status"] != "processed" {
		t.Fatalf("view = %v", view)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/messages/msg_missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing message: code = %d", rec.Code)
	}
}

func TestGetBatchIncludesMessages(t *testing.T) {
	st := &fakeAPIStore{
		batches: map[string]store.Batch{
			"bat_1": {ID: "bat_1", ConversationID: "cnv_1", Status: domain.BatchCompleted},
		},
		batchMsgs: map[string][]store.Message{
			"bat_1": {
				{ID: "msg_1", Type: domain.TypeText, TextBody: "uno"},
				{ID: "msg_2", Type: domain.TypeText, TextBody: "dos"},
			},
		},
	}
	r := newAPIRouter(st, &fakeTaskQueue{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/batches/bat_1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var view struct {
		Status   string `json:"status"`
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Status != "completed" || len(view.Messages) != 2 || view.Messages[0].ID != "msg_1" {
		t.Fatalf("view = %+v", view)
	}
}

func TestGetConversation(t *testing.T) {
	st := &fakeAPIStore{conversations: map[string]store.Conversation{
		"cnv_1": {ID: "cnv_1", PhoneID: "ph_1", ContactPhone: "+5215512345678", UnreadCount: 3},
	}}
	r := newAPIRouter(st, &fakeTaskQueue{})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/conversations/cnv_1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var view map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &view)
	if view["contact_phone"] != "+5215512345678" || view["unread_count"] != float64(3) {
		t.Fatalf("view = %v", view)
	}
}

func TestSendEnqueuesTask(t *testing.T) {
	st := &fakeAPIStore{phones: map[string]store.Phone{"ph_1": {ID: "ph_1"}}}
	q := &fakeTaskQueue{}
	r := newAPIRouter(st, q)

	body := `{"phone_id":"ph_1","conversation_id":"cnv_1","to":"52 155 1234 5678","text":"hola"}`
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("code = %d body = %s", rec.Code, rec.Body.String())
	}
	if len(q.tasks) != 1 {
		t.Fatalf("tasks = %+v", q.tasks)
	}
	task := q.tasks[0]
	if task.Kind != sqsqueue.KindSendMessage || task.To != "+5215512345678" || task.Text != "hola" {
		t.Fatalf("task = %+v", task)
	}
}

func TestSendValidation(t *testing.T) {
	st := &fakeAPIStore{phones: map[string]store.Phone{"ph_1": {ID: "ph_1"}}}
	q := &fakeTaskQueue{}
	r := newAPIRouter(st, q)

	cases := []struct {
		name string
		body string
		code int
	}{
		{"missing text", `{"phone_id":"ph_1","to":"+1"}`, http.StatusBadRequest},
		{"unknown phone", `{"phone_id":"ph_nope","to":"+1","text":"x"}`, http.StatusNotFound},
		{"bad json", `{`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(tc.body)))
			if rec.Code != tc.code {
				t.Fatalf("code = %d, want %d", rec.Code, tc.code)
			}
		})
	}
	if len(q.tasks) != 0 {
		t.Fatalf("invalid requests must not enqueue: %+v", q.tasks)
	}
}
