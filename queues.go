package lopata

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/lopata-dev/lopata/internal/store"
)

const (
	queueMaxMessageSize  = 128 << 10
	queueMaxBatchSize    = 256 << 10
	queueMaxBatchCount   = 100
	queueMaxDelaySeconds = 43200
)

// Queue content types. JSON is the default when none is given.
const (
	QueueContentJSON  = "json"
	QueueContentText  = "text"
	QueueContentBytes = "bytes"
)

// QueueSendOptions tunes a single send.
type QueueSendOptions struct {
	// ContentType is one of json, text or bytes.
	ContentType string
	// DelaySeconds postpones visibility to consumers, up to 12 hours.
	DelaySeconds int
}

// QueueBatchMessage is one entry of a SendBatch call. Per-message
// options override the batch-level ones.
type QueueBatchMessage struct {
	Body         any
	ContentType  string
	DelaySeconds int
}

// Queue is the producer handle for one named queue.
type Queue struct {
	st   *store.Store
	name string
	tr   *Tracing
}

// NewQueue builds a producer for the named queue.
func NewQueue(st *store.Store, tr *Tracing, name string) *Queue {
	return &Queue{st: st, name: name, tr: tr}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Send enqueues one message. The body is serialized according to the
// content type and becomes visible after the optional delay.
func (q *Queue) Send(ctx context.Context, body any, opts *QueueSendOptions) error {
	ctx, end := q.tr.op(ctx, "queue.send", "queue.name", q.name)
	defer end(nil)
	msg := QueueBatchMessage{Body: body}
	if opts != nil {
		msg.ContentType = opts.ContentType
		msg.DelaySeconds = opts.DelaySeconds
	}
	return q.SendBatch(ctx, []QueueBatchMessage{msg}, nil)
}

// SendBatch enqueues up to 100 messages atomically. The serialized
// bodies together must stay under 256 KiB.
func (q *Queue) SendBatch(ctx context.Context, messages []QueueBatchMessage, opts *QueueSendOptions) error {
	ctx, end := q.tr.op(ctx, "queue.send_batch", "queue.name", q.name)
	defer end(nil)
	if len(messages) == 0 {
		return nil
	}
	if len(messages) > queueMaxBatchCount {
		return errValidation("queue: batch of %d exceeds the %d message limit", len(messages), queueMaxBatchCount)
	}

	type row struct {
		id          string
		body        []byte
		contentType string
		visibleAt   int64
	}
	now := time.Now()
	rows := make([]row, 0, len(messages))
	var total int
	for i, m := range messages {
		contentType := m.ContentType
		if contentType == "" && opts != nil {
			contentType = opts.ContentType
		}
		if contentType == "" {
			contentType = QueueContentJSON
		}
		delay := m.DelaySeconds
		if delay == 0 && opts != nil {
			delay = opts.DelaySeconds
		}
		if delay < 0 || delay > queueMaxDelaySeconds {
			return errValidation("queue: delay %ds out of range 0..%d", delay, queueMaxDelaySeconds)
		}
		body, err := serializeQueueBody(m.Body, contentType)
		if err != nil {
			return fmt.Errorf("queue: message %d: %w", i, err)
		}
		if len(body) > queueMaxMessageSize {
			return errValidation("queue: message %d is %d bytes, limit is %d", i, len(body), queueMaxMessageSize)
		}
		total += len(body)
		rows = append(rows, row{
			id:          ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
			body:        body,
			contentType: contentType,
			visibleAt:   now.Add(time.Duration(delay) * time.Second).UnixMilli(),
		})
	}
	if total > queueMaxBatchSize {
		return errValidation("queue: batch is %d bytes, limit is %d", total, queueMaxBatchSize)
	}

	tx, err := q.st.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue: send batch: %w", err)
	}
	defer tx.Rollback()
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO queue_messages (id, queue, body, content_type, status, attempts, visible_at, created_at)
			 VALUES (?, ?, ?, ?, 'pending', 0, ?, ?)`,
			r.id, q.name, r.body, r.contentType, r.visibleAt, now.UnixMilli()); err != nil {
			return fmt.Errorf("queue: send batch: %w", err)
		}
	}
	return tx.Commit()
}

func serializeQueueBody(body any, contentType string) ([]byte, error) {
	switch contentType {
	case QueueContentJSON:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("serializing json body: %w", err)
		}
		return data, nil
	case QueueContentText:
		s, ok := body.(string)
		if !ok {
			return nil, errValidation("text content type requires a string body, got %T", body)
		}
		return []byte(s), nil
	case QueueContentBytes:
		b, ok := body.([]byte)
		if !ok {
			return nil, errValidation("bytes content type requires a []byte body, got %T", body)
		}
		return b, nil
	default:
		return nil, errValidation("unknown content type %q", contentType)
	}
}

// QueueMessage is one delivered message.
type QueueMessage struct {
	ID          string
	Timestamp   time.Time
	ContentType string
	Attempts    int

	raw   []byte
	batch *QueueMessageBatch
}

// Bytes returns the raw message payload.
func (m *QueueMessage) Bytes() []byte { return m.raw }

// Text returns the payload as a string.
func (m *QueueMessage) Text() string { return string(m.raw) }

// JSON unmarshals a json payload into v.
func (m *QueueMessage) JSON(v any) error { return json.Unmarshal(m.raw, v) }

// Ack marks this message as settled regardless of the batch outcome.
func (m *QueueMessage) Ack() { m.batch.decide(m.ID, queueDecision{ack: true}) }

// Retry schedules this message for redelivery regardless of the batch
// outcome. A zero delay makes it immediately eligible again.
func (m *QueueMessage) Retry(opts *QueueRetryOptions) {
	d := queueDecision{retry: true}
	if opts != nil {
		d.delaySeconds = opts.DelaySeconds
	}
	m.batch.decide(m.ID, d)
}

// QueueRetryOptions delays an explicit retry.
type QueueRetryOptions struct {
	DelaySeconds int
}

type queueDecision struct {
	ack          bool
	retry        bool
	delaySeconds int
}

// QueueMessageBatch is one delivery handed to a consumer. Per-message
// Ack and Retry calls override the batch-level decision; the last call
// for a given message wins.
type QueueMessageBatch struct {
	Queue    string
	Messages []*QueueMessage

	decisions map[string]queueDecision
	batchAll  *queueDecision
}

func newQueueMessageBatch(queue string, msgs []*QueueMessage) *QueueMessageBatch {
	b := &QueueMessageBatch{Queue: queue, Messages: msgs, decisions: make(map[string]queueDecision)}
	for _, m := range msgs {
		m.batch = b
	}
	return b
}

func (b *QueueMessageBatch) decide(id string, d queueDecision) {
	b.decisions[id] = d
}

// AckAll settles every message that has no explicit per-message decision.
func (b *QueueMessageBatch) AckAll() {
	b.batchAll = &queueDecision{ack: true}
}

// RetryAll schedules redelivery for every message that has no explicit
// per-message decision.
func (b *QueueMessageBatch) RetryAll(opts *QueueRetryOptions) {
	d := queueDecision{retry: true}
	if opts != nil {
		d.delaySeconds = opts.DelaySeconds
	}
	b.batchAll = &d
}

// outcome resolves the final decision for one message: explicit
// per-message call, else the batch-level call, else the fallback.
func (b *QueueMessageBatch) outcome(id string, fallback queueDecision) queueDecision {
	if d, ok := b.decisions[id]; ok {
		return d
	}
	if b.batchAll != nil {
		return *b.batchAll
	}
	return fallback
}
