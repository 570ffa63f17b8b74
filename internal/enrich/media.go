package enrich

import (
	"context"
	"log/slog"
	"path"
	"strings"
	"time"

	"wabatch/internal/domain"
	"wabatch/internal/events"
	"wabatch/internal/media"
	"wabatch/internal/observability"
	sqsqueue "wabatch/internal/queue/sqs"
	"wabatch/internal/store"
	"wabatch/internal/util"
	"wabatch/internal/whatsapp"
)

type Store interface {
	GetMessage(ctx context.Context, id string) (store.Message, bool, error)
	GetPhone(ctx context.Context, phoneID string) (store.Phone, bool, error)
	SetMediaStatus(ctx context.Context, id string, status domain.MediaStatus, now time.Time) error
	SetMediaResult(ctx context.Context, in store.MediaUpdate) error
	SetTranscriptionStatus(ctx context.Context, id string, status domain.TranscriptionStatus, now time.Time) error
	SetTranscriptionResult(ctx context.Context, in store.TranscriptionUpdate) error
	MarkMessageReady(ctx context.Context, id string, now time.Time) error
}

type Queue interface {
	Enqueue(ctx context.Context, task sqsqueue.Task, delay time.Duration) error
}

// Rechecker lets enrichment nudge the batching layer once a message settles.
type Rechecker interface {
	RecheckAfterEnrichment(ctx context.Context, messageID string) error
}

// GraphClient is the media slice of the WhatsApp client. Calls carry the
// phone's own token; an empty one falls back to the client's default.
type GraphClient interface {
	GetMediaInfo(ctx context.Context, accessToken, mediaID string) (whatsapp.MediaInfo, error)
	DownloadMedia(ctx context.Context, accessToken, url string) ([]byte, error)
}

// mediaBackoff delays between download attempts. One entry per retry.
var mediaBackoff = []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second}

// MediaFetcher runs the download_media task: resolve the media id, fetch the
// bytes, store them, then either hand the audio to transcription or mark the
// message ready. Failure after the retry budget still ends in ready; a broken
// download never holds a batch past the hard ceiling.
type MediaFetcher struct {
	Store   Store
	Queue   Queue
	Client  GraphClient
	Storage media.Storage
	Recheck Rechecker
	Events  *events.Publisher
	Now     func() time.Time
}

func (f *MediaFetcher) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return util.NowUTC()
}

func (f *MediaFetcher) Process(ctx context.Context, task sqsqueue.Task) error {
	msg, found, err := f.Store.GetMessage(ctx, task.MessageID)
	if err != nil {
		return err
	}
	if !found {
		slog.Warn("download_media: message gone", "message_id", task.MessageID)
		return nil
	}
	// idempotency guard for redelivered tasks
	if msg.MediaStatus == domain.MediaDownloaded || msg.Status.TerminalForBatching() {
		return nil
	}
	if msg.MediaID == "" {
		return f.settle(ctx, msg, domain.MediaFailed, "", 0, "message has no media id")
	}

	phone, found, err := f.Store.GetPhone(ctx, msg.PhoneID)
	if err != nil {
		return err
	}
	if !found {
		return f.settle(ctx, msg, domain.MediaFailed, "", 0, "phone configuration gone")
	}

	if err := f.Store.SetMediaStatus(ctx, msg.ID, domain.MediaDownloading, f.now()); err != nil {
		return err
	}

	info, err := f.Client.GetMediaInfo(ctx, phone.AccessToken, msg.MediaID)
	if err != nil {
		return f.fail(ctx, msg, task, err)
	}
	data, err := f.Client.DownloadMedia(ctx, phone.AccessToken, info.URL)
	if err != nil {
		return f.fail(ctx, msg, task, err)
	}

	mime := msg.MediaMimeType
	if mime == "" {
		mime = info.MimeType
	}
	ref, err := f.Storage.Put(mediaPath(msg, mime), data)
	if err != nil {
		return f.fail(ctx, msg, task, err)
	}

	if err := f.Store.SetMediaResult(ctx, store.MediaUpdate{
		MessageID:      msg.ID,
		Status:         domain.MediaDownloaded,
		LocalMediaPath: ref,
		MediaSize:      int64(len(data)),
		Now:            f.now(),
	}); err != nil {
		return err
	}
	observability.EnrichmentTasks.WithLabelValues("media", "ok").Inc()
	f.Events.Publish(events.Event{
		Type: events.MediaDownloaded, PhoneID: msg.PhoneID,
		ConversationID: msg.ConversationID, BatchID: msg.BatchID, MessageID: msg.ID,
	})

	if msg.Type == domain.TypeAudio && phone.TranscriptionEnabled {
		if err := f.Store.SetTranscriptionStatus(ctx, msg.ID, domain.TranscriptionPending, f.now()); err != nil {
			return err
		}
		return f.Queue.Enqueue(ctx, sqsqueue.Task{Kind: sqsqueue.KindTranscribeAudio, MessageID: msg.ID}, 0)
	}
	return f.markReady(ctx, msg)
}

func (f *MediaFetcher) fail(ctx context.Context, msg store.Message, task sqsqueue.Task, cause error) error {
	if whatsapp.ShouldRetry(cause, 0) && task.Attempt < len(mediaBackoff) {
		observability.EnrichmentTasks.WithLabelValues("media", "retry").Inc()
		slog.Warn("media download retrying", "message_id", msg.ID, "attempt", task.Attempt+1, "err", cause)
		task.Attempt++
		return f.Queue.Enqueue(ctx, task, mediaBackoff[task.Attempt-1])
	}
	observability.EnrichmentTasks.WithLabelValues("media", "failed").Inc()
	slog.Error("media download failed", "message_id", msg.ID, "attempts", task.Attempt+1, "err", cause)
	return f.settle(ctx, msg, domain.MediaFailed, "", 0, cause.Error())
}

// settle records the terminal media state and moves the message to ready so
// the batch can proceed without the media.
func (f *MediaFetcher) settle(ctx context.Context, msg store.Message, status domain.MediaStatus, ref string, size int64, errMsg string) error {
	if err := f.Store.SetMediaResult(ctx, store.MediaUpdate{
		MessageID: msg.ID, Status: status, LocalMediaPath: ref,
		MediaSize: size, ErrorMessage: errMsg, Now: f.now(),
	}); err != nil {
		return err
	}
	return f.markReady(ctx, msg)
}

func (f *MediaFetcher) markReady(ctx context.Context, msg store.Message) error {
	if err := f.Store.MarkMessageReady(ctx, msg.ID, f.now()); err != nil {
		return err
	}
	f.Events.Publish(events.Event{
		Type: events.MessageReady, PhoneID: msg.PhoneID,
		ConversationID: msg.ConversationID, BatchID: msg.BatchID, MessageID: msg.ID,
	})
	if f.Recheck == nil {
		return nil
	}
	return f.Recheck.RecheckAfterEnrichment(ctx, msg.ID)
}

// mediaPath lays media out as phone/conversation/message.ext.
func mediaPath(msg store.Message, mime string) string {
	return path.Join(msg.PhoneID, msg.ConversationID, msg.ID+extForMime(mime))
}

func extForMime(mime string) string {
	// strip parameters like "; codecs=opus"
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	mime = strings.TrimSpace(mime)
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "video/3gpp":
		return ".3gp"
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	case "audio/mp4":
		return ".m4a"
	case "audio/amr":
		return ".amr"
	case "audio/aac":
		return ".aac"
	case "application/pdf":
		return ".pdf"
	}
	if _, sub, ok := strings.Cut(mime, "/"); ok && sub != "" {
		return "." + sub
	}
	return ".bin"
}
