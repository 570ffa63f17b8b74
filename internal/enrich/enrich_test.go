package enrich

import (
	"context"
	"errors"
	"time"

	"wabatch/internal/domain"
	sqsqueue "wabatch/internal/queue/sqs"
	"wabatch/internal/store"
	"wabatch/internal/transcribe"
	"wabatch/internal/whatsapp"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	phones   map[string]store.Phone
	messages map[string]*store.Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{phones: map[string]store.Phone{}, messages: map[string]*store.Message{}}
}

func (f *fakeStore) GetMessage(_ context.Context, id string) (store.Message, bool, error) {
	m, ok := f.messages[id]
	if !ok {
		return store.Message{}, false, nil
	}
	return *m, true, nil
}

func (f *fakeStore) GetPhone(_ context.Context, id string) (store.Phone, bool, error) {
	p, ok := f.phones[id]
	return p, ok, nil
}

func (f *fakeStore) SetMediaStatus(_ context.Context, id string, status domain.MediaStatus, _ time.Time) error {
	f.messages[id].MediaStatus = status
	return nil
}

func (f *fakeStore) SetMediaResult(_ context.Context, in store.MediaUpdate) error {
	m := f.messages[in.MessageID]
	m.MediaStatus = in.Status
	if in.LocalMediaPath != "" {
		m.LocalMediaPath = in.LocalMediaPath
	}
	m.MediaSize = in.MediaSize
	if in.ErrorMessage != "" {
		m.ErrorMessage = in.ErrorMessage
	}
	return nil
}

func (f *fakeStore) SetTranscriptionStatus(_ context.Context, id string, status domain.TranscriptionStatus, _ time.Time) error {
	f.messages[id].TranscriptionStatus = status
	return nil
}

func (f *fakeStore) SetTranscriptionResult(_ context.Context, in store.TranscriptionUpdate) error {
	m := f.messages[in.MessageID]
	m.TranscriptionStatus = in.Status
	m.Transcription = in.Text
	m.TranscriptionLanguage = in.Language
	m.TranscriptionDuration = in.Duration
	if in.Error != "" {
		m.ErrorMessage = in.Error
	}
	return nil
}

func (f *fakeStore) MarkMessageReady(_ context.Context, id string, _ time.Time) error {
	m := f.messages[id]
	if m.Status == domain.StatusReceived || m.Status == domain.StatusProcessing {
		m.Status = domain.StatusReady
	}
	return nil
}

type queued struct {
	task  sqsqueue.Task
	delay time.Duration
}

type fakeQueue struct {
	items []queued
}

func (q *fakeQueue) Enqueue(_ context.Context, task sqsqueue.Task, delay time.Duration) error {
	q.items = append(q.items, queued{task: task, delay: delay})
	return nil
}

type fakeGraph struct {
	info    whatsapp.MediaInfo
	infoErr error
	data    []byte
	dlErr   error
	tokens  []string
}

func (g *fakeGraph) GetMediaInfo(_ context.Context, accessToken, _ string) (whatsapp.MediaInfo, error) {
	g.tokens = append(g.tokens, accessToken)
	return g.info, g.infoErr
}

func (g *fakeGraph) DownloadMedia(_ context.Context, accessToken, _ string) ([]byte, error) {
	g.tokens = append(g.tokens, accessToken)
	return g.data, g.dlErr
}

type fakeRecheck struct {
	ids []string
}

func (r *fakeRecheck) RecheckAfterEnrichment(_ context.Context, id string) error {
	r.ids = append(r.ids, id)
	return nil
}

type fakeTranscriber struct {
	res transcribe.Result
	err error
}

func (t *fakeTranscriber) Transcribe(context.Context, string) (transcribe.Result, error) {
	return t.res, t.err
}

var errTransient = errors.New("connection reset")

func seedAudioMessage(f *fakeStore, id string) *store.Message {
	m := &store.Message{
		ID: id, PhoneID: "ph1", ConversationID: "c1", BatchID: "b1",
		ProviderMessageID: "wamid." + id, Direction: domain.DirectionInbound,
		Type: domain.TypeAudio, Status: domain.StatusProcessing,
		MediaID: "media-" + id, MediaMimeType: "audio/ogg; codecs=opus",
		MediaStatus: domain.MediaPending, CreatedAt: testNow, UpdatedAt: testNow,
	}
	f.messages[id] = m
	return m
}
