package sqsqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Kind discriminates the task envelope shared by all workers.
type Kind string

const (
	KindProcessIncoming Kind = "process_incoming"
	KindCheckBatch      Kind = "check_batch"
	KindProcessBatch    Kind = "process_batch"
	KindDownloadMedia   Kind = "download_media"
	KindTranscribeAudio Kind = "transcribe_audio"
	KindSendMessage     Kind = "send_message"
)

// Task is the single envelope for every unit of work. Attempt carries the
// retry count explicitly so backoff is task state, not queue configuration.
// Keep it small; SQS has a 256KB message size limit.
type Task struct {
	Kind           Kind   `json:"kind"`
	MessageID      string `json:"messageId,omitempty"`
	BatchID        string `json:"batchId,omitempty"`
	PhoneID        string `json:"phoneId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	To             string `json:"to,omitempty"`
	Text           string `json:"text,omitempty"`
	Attempt        int    `json:"attempt,omitempty"`
}

type Producer struct {
	SQS      *sqs.Client
	QueueURL string
}

// Enqueue publishes a task, optionally delayed. SQS caps DelaySeconds at 900,
// far above any coalescing window this engine schedules.
func (p *Producer) Enqueue(ctx context.Context, task Task, delay time.Duration) error {
	body, err := json.Marshal(task)
	if err != nil {
		return err
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
	}
	if secs := delaySeconds(delay); secs > 0 {
		in.DelaySeconds = secs
	}
	_, err = p.SQS.SendMessage(ctx, in)
	return err
}

func delaySeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	secs := int32((d + time.Second - 1) / time.Second)
	if secs > 900 {
		secs = 900
	}
	return secs
}

func str(s string) *string { return &s }
