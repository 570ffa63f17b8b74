package pg

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"wabatch/internal/domain"
	"wabatch/internal/store"
)

// Store is the single persistence layer shared by all workers. Every
// cross-worker coordination point is an atomic conditional statement or a
// transaction with row locks here; no in-process locking exists anywhere.
type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

const phoneColumns = `
	id, key, provider_phone_id, phone_number, COALESCE(display_name,''),
	COALESCE(access_token,''), COALESCE(handler,''), processing_mode,
	batch_window_seconds, batch_max_window_seconds, batch_max_messages,
	auto_download_media, transcription_enabled, COALESCE(transcription_language,''),
	allowed_message_types, on_disallowed_type, COALESCE(disallowed_type_reply,''), active`

func scanPhone(row pgx.Row) (store.Phone, error) {
	var p store.Phone
	var allowed []byte
	err := row.Scan(&p.ID, &p.Key, &p.ProviderPhoneID, &p.PhoneNumber, &p.DisplayName,
		&p.AccessToken, &p.Handler, &p.ProcessingMode,
		&p.BatchWindowSeconds, &p.BatchMaxWindowSeconds, &p.BatchMaxMessages,
		&p.AutoDownloadMedia, &p.TranscriptionEnabled, &p.TranscriptionLanguage,
		&allowed, &p.OnDisallowedType, &p.DisallowedTypeReply, &p.Active)
	if err != nil {
		return store.Phone{}, err
	}
	if allowed != nil {
		_ = json.Unmarshal(allowed, &p.AllowedMessageTypes)
	}
	return p, nil
}

func (s *Store) GetPhoneByProviderID(ctx context.Context, providerPhoneID string) (store.Phone, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT `+phoneColumns+` FROM phones WHERE provider_phone_id=$1 AND active
	`, providerPhoneID)
	p, err := scanPhone(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Phone{}, false, nil
		}
		return store.Phone{}, false, err
	}
	return p, true, nil
}

func (s *Store) GetPhone(ctx context.Context, phoneID string) (store.Phone, bool, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+phoneColumns+` FROM phones WHERE id=$1`, phoneID)
	p, err := scanPhone(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Phone{}, false, nil
		}
		return store.Phone{}, false, err
	}
	return p, true, nil
}

// InsertWebhookLog appends the raw payload to the audit log. Not in the hot
// path of any decision; pruned by the reaper.
func (s *Store) InsertWebhookLog(ctx context.Context, phoneID string, payload []byte, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO webhook_logs (phone_id, payload, received_at) VALUES ($1,$2,$3)
	`, nullIfEmpty(phoneID), payload, now)
	return err
}

func (s *Store) PruneWebhookLogs(ctx context.Context, before time.Time) (int64, error) {
	ct, err := s.DB.Exec(ctx, `DELETE FROM webhook_logs WHERE received_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// UpsertConversation finds or creates the conversation for (phone, contact)
// and bumps last_message_at plus the unread counter in the same statement.
func (s *Store) UpsertConversation(ctx context.Context, in store.ConversationUpsert) (store.Conversation, error) {
	row := s.DB.QueryRow(ctx, `
		INSERT INTO conversations (id, phone_id, contact_phone, contact_name, last_message_at, unread_count)
		VALUES ($1,$2,$3,$4,$5,1)
		ON CONFLICT (phone_id, contact_phone) DO UPDATE
		SET last_message_at = EXCLUDED.last_message_at,
		    unread_count = conversations.unread_count + 1,
		    contact_name = COALESCE(NULLIF(EXCLUDED.contact_name,''), conversations.contact_name)
		RETURNING id, phone_id, contact_phone, COALESCE(contact_name,''), last_message_at, unread_count
	`, in.ID, in.PhoneID, in.ContactPhone, nullIfEmpty(in.ContactName), in.LastMessageAt)

	var c store.Conversation
	err := row.Scan(&c.ID, &c.PhoneID, &c.ContactPhone, &c.ContactName, &c.LastMessageAt, &c.UnreadCount)
	if err != nil {
		return store.Conversation{}, err
	}
	return c, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (store.Conversation, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, phone_id, contact_phone, COALESCE(contact_name,''), last_message_at, unread_count
		FROM conversations WHERE id=$1
	`, id)
	var c store.Conversation
	err := row.Scan(&c.ID, &c.PhoneID, &c.ContactPhone, &c.ContactName, &c.LastMessageAt, &c.UnreadCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Conversation{}, false, nil
		}
		return store.Conversation{}, false, err
	}
	return c, true, nil
}

// InsertInboundMessage is the idempotent ingest insert: the unique constraint
// on provider_message_id plus ON CONFLICT DO NOTHING makes concurrent
// duplicate deliveries collapse to a single row. Zero rows affected means
// this delivery was a retry.
func (s *Store) InsertInboundMessage(ctx context.Context, in store.MessageInsert) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO messages (
			id, phone_id, conversation_id, provider_message_id, direction, type,
			from_phone, to_phone, content, text_body, status,
			media_id, media_mime_type, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,'inbound',$5,$6,$7,$8,$9,'received',$10,$11,$12,$13)
		ON CONFLICT (provider_message_id) DO NOTHING
	`, in.ID, in.PhoneID, in.ConversationID, in.ProviderMessageID, in.Type,
		in.From, in.To, in.Content, nullIfEmpty(in.TextBody),
		nullIfEmpty(in.MediaID), nullIfEmpty(in.MediaMimeType), in.CreatedAt, in.Now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

const messageColumns = `
	id, phone_id, COALESCE(conversation_id,''), COALESCE(batch_id,''),
	provider_message_id, direction, type, from_phone, to_phone,
	COALESCE(content,'{}'::jsonb), COALESCE(text_body,''), status,
	COALESCE(filtered_reason,''), COALESCE(media_id,''), COALESCE(media_status,''),
	COALESCE(local_media_path,''), COALESCE(media_mime_type,''), COALESCE(media_size,0),
	COALESCE(transcription_status,''), COALESCE(transcription,''),
	COALESCE(transcription_language,''), COALESCE(transcription_duration,0),
	COALESCE(delivery_status,''), COALESCE(error_message,''),
	sent_at, delivered_at, read_at, created_at, updated_at`

func scanMessage(row pgx.Row) (store.Message, error) {
	var m store.Message
	err := row.Scan(&m.ID, &m.PhoneID, &m.ConversationID, &m.BatchID,
		&m.ProviderMessageID, &m.Direction, &m.Type, &m.From, &m.To,
		&m.Content, &m.TextBody, &m.Status,
		&m.FilteredReason, &m.MediaID, &m.MediaStatus,
		&m.LocalMediaPath, &m.MediaMimeType, &m.MediaSize,
		&m.TranscriptionStatus, &m.Transcription,
		&m.TranscriptionLanguage, &m.TranscriptionDuration,
		&m.DeliveryStatus, &m.ErrorMessage,
		&m.SentAt, &m.DeliveredAt, &m.ReadAt, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

func (s *Store) GetMessage(ctx context.Context, id string) (store.Message, bool, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, id)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Message{}, false, nil
		}
		return store.Message{}, false, err
	}
	return m, true, nil
}

func (s *Store) GetMessageByProviderID(ctx context.Context, providerMessageID string) (store.Message, bool, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE provider_message_id=$1`, providerMessageID)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Message{}, false, nil
		}
		return store.Message{}, false, err
	}
	return m, true, nil
}

func (s *Store) MarkMessageFiltered(ctx context.Context, id, reason string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE messages SET status='filtered', filtered_reason=$2, updated_at=$3 WHERE id=$1
	`, id, reason, now)
	return err
}

func (s *Store) MarkMessageReady(ctx context.Context, id string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE messages SET status='ready', updated_at=$2 WHERE id=$1 AND status IN ('received','processing')
	`, id, now)
	return err
}

// MarkMessageEnriching flags the message as processing with media download
// pending, entered before the media task is enqueued.
func (s *Store) MarkMessageEnriching(ctx context.Context, id string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE messages SET status='processing', media_status='pending', updated_at=$2
		WHERE id=$1 AND status='received'
	`, id, now)
	return err
}

func (s *Store) SetMediaStatus(ctx context.Context, id string, status domain.MediaStatus, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE messages SET media_status=$2, updated_at=$3 WHERE id=$1
	`, id, status, now)
	return err
}

func (s *Store) SetMediaResult(ctx context.Context, in store.MediaUpdate) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE messages
		SET media_status=$2, local_media_path=$3, media_size=$4, error_message=COALESCE(NULLIF($5,''), error_message), updated_at=$6
		WHERE id=$1
	`, in.MessageID, in.Status, nullIfEmpty(in.LocalMediaPath), in.MediaSize, in.ErrorMessage, in.Now)
	return err
}

func (s *Store) SetTranscriptionStatus(ctx context.Context, id string, status domain.TranscriptionStatus, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE messages SET transcription_status=$2, updated_at=$3 WHERE id=$1
	`, id, status, now)
	return err
}

func (s *Store) SetTranscriptionResult(ctx context.Context, in store.TranscriptionUpdate) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE messages
		SET transcription_status=$2, transcription=NULLIF($3,''), transcription_language=NULLIF($4,''),
		    transcription_duration=$5, error_message=COALESCE(NULLIF($6,''), error_message), updated_at=$7
		WHERE id=$1
	`, in.MessageID, in.Status, in.Text, in.Language, in.Duration, in.Error, in.Now)
	return err
}

// SetDeliveryStatus applies a provider status callback to the outbound
// message row. Returns false when the provider message id is unknown.
func (s *Store) SetDeliveryStatus(ctx context.Context, in store.DeliveryUpdate) (bool, error) {
	var column string
	switch in.Status {
	case domain.DeliverySent:
		column = "sent_at"
	case domain.DeliveryDelivered:
		column = "delivered_at"
	case domain.DeliveryRead:
		column = "read_at"
	}
	q := `UPDATE messages SET delivery_status=$2, error_message=COALESCE(NULLIF($3,''), error_message), updated_at=$4`
	if column != "" {
		q += `, ` + column + `=$5`
	}
	q += ` WHERE provider_message_id=$1`
	args := []any{in.ProviderMessageID, in.Status, in.ErrorMessage, in.Now}
	if column != "" {
		args = append(args, in.OccurredAt)
	}
	ct, err := s.DB.Exec(ctx, q, args...)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// InsertOutboundMessage records a queued outbound message before the send task
// runs.
func (s *Store) InsertOutboundMessage(ctx context.Context, id, phoneID, conversationID, from, to, text string, now time.Time) error {
	content, _ := json.Marshal(map[string]string{"body": text})
	_, err := s.DB.Exec(ctx, `
		INSERT INTO messages (id, phone_id, conversation_id, provider_message_id, direction, type,
			from_phone, to_phone, content, text_body, status, delivery_status, created_at, updated_at)
		VALUES ($1,$2,$3,$1,'outbound','text',$4,$5,$6,$7,'processed','queued',$8,$8)
	`, id, phoneID, nullIfEmpty(conversationID), from, to, content, text, now)
	return err
}

func (s *Store) SetOutboundResult(ctx context.Context, id, providerMessageID string, status domain.DeliveryStatus, errMsg string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE messages SET provider_message_id=COALESCE(NULLIF($2,''), provider_message_id),
			delivery_status=$3, error_message=NULLIF($4,''), updated_at=$5
		WHERE id=$1
	`, id, providerMessageID, status, errMsg, now)
	return err
}

// AssignMessageToBatch attaches the message to the conversation's collecting
// batch, creating one if needed, and recomputes the coalescing deadline. The
// whole sequence runs in one transaction holding the conversation row lock,
// so concurrent messages of the same conversation serialize here instead of
// opening two collecting batches. Locking only the batch row is not enough:
// when no collecting batch exists yet there is nothing to lock, and two
// first messages would both take the create path. Immediate mode always opens
// a fresh single-message batch with an already-elapsed deadline.
func (s *Store) AssignMessageToBatch(ctx context.Context, in store.BatchAssign) (store.Batch, bool, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return store.Batch{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// conversation rows always exist here (upserted at ingest)
	var lockedConv string
	if err := tx.QueryRow(ctx, `
		SELECT id FROM conversations WHERE id=$1 FOR UPDATE
	`, in.ConversationID).Scan(&lockedConv); err != nil {
		return store.Batch{}, false, err
	}

	const batchCols = `id, seq, phone_id, conversation_id, status, first_message_at, process_after, processed_at, COALESCE(error_message,''), created_at`

	var b store.Batch
	created := false

	if !in.Immediate {
		row := tx.QueryRow(ctx, `
			SELECT `+batchCols+` FROM message_batches
			WHERE conversation_id=$1 AND status='collecting'
			ORDER BY seq LIMIT 1
			FOR UPDATE
		`, in.ConversationID)
		err = row.Scan(&b.ID, &b.Seq, &b.PhoneID, &b.ConversationID, &b.Status,
			&b.FirstMessageAt, &b.ProcessAfter, &b.ProcessedAt, &b.ErrorMessage, &b.CreatedAt)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return store.Batch{}, false, err
		}
	} else {
		err = pgx.ErrNoRows
	}

	if errors.Is(err, pgx.ErrNoRows) {
		created = true
		firstAt := in.MessageCreatedAt
		if firstAt.IsZero() {
			firstAt = in.Now
		}
		processAfter := in.Now.Add(time.Duration(in.WindowSeconds) * time.Second)
		if in.Immediate {
			processAfter = in.Now
		}
		row := tx.QueryRow(ctx, `
			INSERT INTO message_batches (id, phone_id, conversation_id, status, first_message_at, process_after, created_at)
			VALUES ($1,$2,$3,'collecting',$4,$5,$6)
			RETURNING `+batchCols+`
		`, in.BatchID, in.PhoneID, in.ConversationID, firstAt, processAfter, in.Now)
		if err := row.Scan(&b.ID, &b.Seq, &b.PhoneID, &b.ConversationID, &b.Status,
			&b.FirstMessageAt, &b.ProcessAfter, &b.ProcessedAt, &b.ErrorMessage, &b.CreatedAt); err != nil {
			return store.Batch{}, false, err
		}
	} else {
		// Extend the window but never past first_message_at + max window,
		// so a chatty contact cannot starve delivery.
		next := in.Now.Add(time.Duration(in.WindowSeconds) * time.Second)
		cap := b.FirstMessageAt.Add(time.Duration(in.MaxWindowSeconds) * time.Second)
		if next.After(cap) {
			next = cap
		}
		if _, err := tx.Exec(ctx, `
			UPDATE message_batches SET process_after=$2 WHERE id=$1
		`, b.ID, next); err != nil {
			return store.Batch{}, false, err
		}
		b.ProcessAfter = next
	}

	if _, err := tx.Exec(ctx, `
		UPDATE messages SET batch_id=$2, updated_at=$3 WHERE id=$1
	`, in.MessageID, b.ID, in.Now); err != nil {
		return store.Batch{}, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return store.Batch{}, false, err
	}
	return b, created, nil
}

func (s *Store) GetBatch(ctx context.Context, id string) (store.Batch, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, seq, phone_id, conversation_id, status, first_message_at, process_after,
		       processed_at, COALESCE(error_message,''), created_at
		FROM message_batches WHERE id=$1
	`, id)
	var b store.Batch
	err := row.Scan(&b.ID, &b.Seq, &b.PhoneID, &b.ConversationID, &b.Status,
		&b.FirstMessageAt, &b.ProcessAfter, &b.ProcessedAt, &b.ErrorMessage, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Batch{}, false, nil
		}
		return store.Batch{}, false, err
	}
	return b, true, nil
}

// BatchReadiness returns the snapshot the shouldProcess decision is made
// from: batch state, deadline, and message counts by batching-terminal state.
func (s *Store) BatchReadiness(ctx context.Context, batchID string) (store.Readiness, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT b.status, b.conversation_id, b.seq, b.first_message_at, b.process_after, b.created_at,
		       COUNT(m.id),
		       COUNT(m.id) FILTER (WHERE m.status NOT IN ('ready','processed')),
		       COUNT(m.id) FILTER (WHERE m.status = 'ready')
		FROM message_batches b
		LEFT JOIN messages m ON m.batch_id = b.id
		WHERE b.id = $1
		GROUP BY b.id
	`, batchID)
	var r store.Readiness
	err := row.Scan(&r.Status, &r.ConversationID, &r.Seq, &r.FirstMessageAt, &r.ProcessAfter, &r.CreatedAt,
		&r.MessageCount, &r.PendingCount, &r.ReadyCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Readiness{}, false, nil
		}
		return store.Readiness{}, false, err
	}
	return r, true, nil
}

// ClaimBatch atomically moves a batch from collecting to processing, but only
// when no earlier batch of the same conversation is still pending. The
// ordering check and the conditional update run in one transaction with both
// rows locked; two workers racing on the same conversation cannot both see
// "no earlier batch" and proceed.
func (s *Store) ClaimBatch(ctx context.Context, batchID string, now time.Time) (store.ClaimOutcome, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return store.ClaimSkipped, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var convID string
	var seq int64
	var status domain.BatchStatus
	row := tx.QueryRow(ctx, `
		SELECT conversation_id, seq, status FROM message_batches WHERE id=$1 FOR UPDATE
	`, batchID)
	if err := row.Scan(&convID, &seq, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ClaimSkipped, nil
		}
		return store.ClaimSkipped, err
	}
	if status != domain.BatchCollecting {
		return store.ClaimSkipped, nil
	}

	var olderID string
	row = tx.QueryRow(ctx, `
		SELECT id FROM message_batches
		WHERE conversation_id=$1 AND seq < $2 AND status IN ('collecting','processing')
		ORDER BY seq LIMIT 1
		FOR UPDATE
	`, convID, seq)
	switch err := row.Scan(&olderID); {
	case err == nil:
		return store.ClaimBlocked, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return store.ClaimSkipped, err
	}

	ct, err := tx.Exec(ctx, `
		UPDATE message_batches SET status='processing' WHERE id=$1 AND status='collecting'
	`, batchID)
	if err != nil {
		return store.ClaimSkipped, err
	}
	if ct.RowsAffected() == 0 {
		return store.ClaimSkipped, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return store.ClaimSkipped, err
	}
	return store.Claimed, nil
}

// MessagesForDispatch loads the batch's deliverable messages in arrival order.
func (s *Store) MessagesForDispatch(ctx context.Context, batchID string) ([]store.Message, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE batch_id=$1 AND status IN ('ready','processed')
		ORDER BY created_at, id
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) MarkBatchMessagesProcessed(ctx context.Context, batchID string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE messages SET status='processed', updated_at=$2 WHERE batch_id=$1 AND status='ready'
	`, batchID, now)
	return err
}

func (s *Store) CompleteBatch(ctx context.Context, batchID string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE message_batches SET status='completed', processed_at=$2 WHERE id=$1 AND status='processing'
	`, batchID, now)
	return err
}

func (s *Store) FailBatch(ctx context.Context, batchID, errMsg string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE message_batches SET status='failed', error_message=$2, processed_at=$3
		WHERE id=$1 AND status IN ('collecting','processing')
	`, batchID, errMsg, now)
	return err
}

// NextCollectingBatch finds the oldest later batch of the conversation still
// collecting; used to advance the per-conversation queue after a terminal
// batch state.
func (s *Store) NextCollectingBatch(ctx context.Context, conversationID string, afterSeq int64) (store.Batch, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, seq, phone_id, conversation_id, status, first_message_at, process_after,
		       processed_at, COALESCE(error_message,''), created_at
		FROM message_batches
		WHERE conversation_id=$1 AND seq > $2 AND status='collecting'
		ORDER BY seq LIMIT 1
	`, conversationID, afterSeq)
	var b store.Batch
	err := row.Scan(&b.ID, &b.Seq, &b.PhoneID, &b.ConversationID, &b.Status,
		&b.FirstMessageAt, &b.ProcessAfter, &b.ProcessedAt, &b.ErrorMessage, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Batch{}, false, nil
		}
		return store.Batch{}, false, err
	}
	return b, true, nil
}

// StaleCollectingBatches lists batches whose deadline passed more than the
// grace period ago; the reaper's safety-net scan.
func (s *Store) StaleCollectingBatches(ctx context.Context, deadlineBefore time.Time, limit int) ([]store.Batch, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, seq, phone_id, conversation_id, status, first_message_at, process_after,
		       processed_at, COALESCE(error_message,''), created_at
		FROM message_batches
		WHERE status='collecting' AND process_after < $1
		ORDER BY process_after
		LIMIT $2
	`, deadlineBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Batch
	for rows.Next() {
		var b store.Batch
		if err := rows.Scan(&b.ID, &b.Seq, &b.PhoneID, &b.ConversationID, &b.Status,
			&b.FirstMessageAt, &b.ProcessAfter, &b.ProcessedAt, &b.ErrorMessage, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ForcePendingMessagesReady flips every non-terminal message of the batch to
// ready, marking incomplete enrichment as failed-by-timeout. Used when a
// batch hits the hard age ceiling.
func (s *Store) ForcePendingMessagesReady(ctx context.Context, batchID string, now time.Time) (int64, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE messages
		SET status='ready',
		    media_status = CASE WHEN media_status IN ('pending','downloading') THEN 'failed' ELSE media_status END,
		    transcription_status = CASE WHEN transcription_status IN ('pending','transcribing') THEN 'failed' ELSE transcription_status END,
		    error_message = CASE
			WHEN media_status IN ('pending','downloading') THEN 'timeout: media download did not complete in time'
			WHEN transcription_status IN ('pending','transcribing') THEN 'timeout: transcription did not complete in time'
			ELSE error_message
		    END,
		    updated_at=$2
		WHERE batch_id=$1 AND status IN ('received','processing')
	`, batchID, now)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
