package lopata

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lopata-dev/lopata/internal/store"
)

func newTestQueue(t *testing.T) (*store.Store, *Queue) {
	t.Helper()
	st := newTestStore(t)
	return st, NewQueue(st, nil, "jobs")
}

func testConsumer(st *store.Store, queue string, handler QueueHandler, settings QueueConsumerSettings) *QueueConsumer {
	return NewQueueConsumer(st, nil, discardLogger(), queue, handler, settings)
}

func TestQueueSendAndDeliver(t *testing.T) {
	st, q := newTestQueue(t)
	ctx := context.Background()
	if err := q.Send(ctx, map[string]any{"task": "resize"}, nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	var got *QueueMessageBatch
	c := testConsumer(st, "jobs", func(ctx context.Context, batch *QueueMessageBatch) error {
		got = batch
		return nil
	}, QueueConsumerSettings{})
	n, err := c.DeliverOnce(ctx)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if n != 1 || got == nil || len(got.Messages) != 1 {
		t.Fatalf("delivered %d messages", n)
	}
	m := got.Messages[0]
	if m.Attempts != 1 {
		t.Fatalf("first delivery attempts = %d", m.Attempts)
	}
	if m.ContentType != QueueContentJSON {
		t.Fatalf("content type = %q", m.ContentType)
	}
	var body struct {
		Task string `json:"task"`
	}
	if err := m.JSON(&body); err != nil || body.Task != "resize" {
		t.Fatalf("body = %+v, %v", body, err)
	}

	// Handler success acks; nothing left to deliver.
	if n, err = c.DeliverOnce(ctx); err != nil || n != 0 {
		t.Fatalf("redelivered an acked message: n=%d err=%v", n, err)
	}
}

func TestQueueSendValidation(t *testing.T) {
	_, q := newTestQueue(t)
	ctx := context.Background()
	if err := q.Send(ctx, strings.Repeat("x", queueMaxMessageSize), &QueueSendOptions{ContentType: QueueContentText}); !IsValidation(err) {
		t.Fatalf("oversized message: got %v, want validation error", err)
	}
	if err := q.Send(ctx, "x", &QueueSendOptions{ContentType: QueueContentText, DelaySeconds: queueMaxDelaySeconds + 1}); !IsValidation(err) {
		t.Fatalf("excessive delay: got %v, want validation error", err)
	}
	if err := q.Send(ctx, 1, &QueueSendOptions{ContentType: QueueContentText}); !IsValidation(err) {
		t.Fatalf("text with non-string body: got %v, want validation error", err)
	}
	batch := make([]QueueBatchMessage, queueMaxBatchCount+1)
	for i := range batch {
		batch[i] = QueueBatchMessage{Body: "x", ContentType: QueueContentText}
	}
	if err := q.SendBatch(ctx, batch, nil); !IsValidation(err) {
		t.Fatalf("oversized batch: got %v, want validation error", err)
	}
}

func TestQueueDelayedMessageNotVisible(t *testing.T) {
	st, q := newTestQueue(t)
	ctx := context.Background()
	if err := q.Send(ctx, "later", &QueueSendOptions{ContentType: QueueContentText, DelaySeconds: 3600}); err != nil {
		t.Fatalf("send: %v", err)
	}
	c := testConsumer(st, "jobs", func(ctx context.Context, batch *QueueMessageBatch) error {
		return nil
	}, QueueConsumerSettings{})
	n, err := c.DeliverOnce(ctx)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if n != 0 {
		t.Fatalf("delayed message delivered early")
	}
}

func TestQueueRetryIncrementsAttempts(t *testing.T) {
	st, q := newTestQueue(t)
	ctx := context.Background()
	if err := q.Send(ctx, "flaky", &QueueSendOptions{ContentType: QueueContentText}); err != nil {
		t.Fatalf("send: %v", err)
	}
	var attempts []int
	c := testConsumer(st, "jobs", func(ctx context.Context, batch *QueueMessageBatch) error {
		attempts = append(attempts, batch.Messages[0].Attempts)
		return errors.New("handler failed")
	}, QueueConsumerSettings{MaxRetries: 3})
	if _, err := c.DeliverOnce(ctx); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if _, err := c.DeliverOnce(ctx); err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Fatalf("attempts = %v", attempts)
	}
}

func TestQueueExhaustedMessageDeleted(t *testing.T) {
	st, q := newTestQueue(t)
	ctx := context.Background()
	if err := q.Send(ctx, "doomed", &QueueSendOptions{ContentType: QueueContentText}); err != nil {
		t.Fatalf("send: %v", err)
	}
	c := testConsumer(st, "jobs", func(ctx context.Context, batch *QueueMessageBatch) error {
		return errors.New("always fails")
	}, QueueConsumerSettings{MaxRetries: 1})
	// First delivery plus one retry, then the message is dropped.
	for i := 0; i < 2; i++ {
		if _, err := c.DeliverOnce(ctx); err != nil {
			t.Fatalf("deliver %d: %v", i, err)
		}
	}
	var n int
	if err := st.DB.QueryRow(`SELECT COUNT(*) FROM queue_messages`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("exhausted message kept: %d rows", n)
	}
	if n, err := c.DeliverOnce(ctx); err != nil || n != 0 {
		t.Fatalf("exhausted message redelivered: n=%d err=%v", n, err)
	}
}

func TestQueueClaimedMessageReappearsAfterLease(t *testing.T) {
	st, q := newTestQueue(t)
	ctx := context.Background()
	if err := q.Send(ctx, "orphaned", &QueueSendOptions{ContentType: QueueContentText}); err != nil {
		t.Fatalf("send: %v", err)
	}
	c := testConsumer(st, "jobs", nil, QueueConsumerSettings{MaxRetries: 5})
	// Claim without settling, as a consumer that dies mid-delivery would.
	msgs, err := c.claim(ctx)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("claim: n=%d err=%v", len(msgs), err)
	}
	var status string
	var visibleAt int64
	if err := st.DB.QueryRow(`SELECT status, visible_at FROM queue_messages`).Scan(&status, &visibleAt); err != nil {
		t.Fatalf("row: %v", err)
	}
	if status != "pending" {
		t.Fatalf("claimed status = %q, want pending", status)
	}
	if visibleAt <= time.Now().UnixMilli() {
		t.Fatalf("claimed message still visible")
	}
	if n, err := c.DeliverOnce(ctx); err != nil || n != 0 {
		t.Fatalf("claimed message delivered inside its lease: n=%d err=%v", n, err)
	}

	// Lapse the lease, then the message is delivered again.
	if _, err := st.DB.Exec(`UPDATE queue_messages SET visible_at = ?`, time.Now().UnixMilli()); err != nil {
		t.Fatalf("lapse lease: %v", err)
	}
	var attempts int
	c.handler = func(ctx context.Context, batch *QueueMessageBatch) error {
		attempts = batch.Messages[0].Attempts
		return nil
	}
	if n, err := c.DeliverOnce(ctx); err != nil || n != 1 {
		t.Fatalf("redeliver after lease: n=%d err=%v", n, err)
	}
	if attempts != 2 {
		t.Fatalf("attempts after lost delivery = %d, want 2", attempts)
	}
}

func TestQueueDeadLetterQueue(t *testing.T) {
	st, q := newTestQueue(t)
	ctx := context.Background()
	if err := q.Send(ctx, "doomed", &QueueSendOptions{ContentType: QueueContentText}); err != nil {
		t.Fatalf("send: %v", err)
	}
	c := testConsumer(st, "jobs", func(ctx context.Context, batch *QueueMessageBatch) error {
		return errors.New("always fails")
	}, QueueConsumerSettings{MaxRetries: 1, DeadLetterQueue: "jobs-dlq"})
	for i := 0; i < 2; i++ {
		if _, err := c.DeliverOnce(ctx); err != nil {
			t.Fatalf("deliver %d: %v", i, err)
		}
	}
	var queue, status string
	var attempts int
	err := st.DB.QueryRow(`SELECT queue, status, attempts FROM queue_messages`).Scan(&queue, &status, &attempts)
	if err != nil {
		t.Fatalf("row: %v", err)
	}
	if queue != "jobs-dlq" || status != "pending" || attempts != 0 {
		t.Fatalf("dlq row = %s/%s attempts=%d", queue, status, attempts)
	}

	// The message starts a fresh delivery life on the dead-letter queue.
	var text string
	dlq := testConsumer(st, "jobs-dlq", func(ctx context.Context, batch *QueueMessageBatch) error {
		text = batch.Messages[0].Text()
		return nil
	}, QueueConsumerSettings{})
	if n, err := dlq.DeliverOnce(ctx); err != nil || n != 1 {
		t.Fatalf("dlq deliver: n=%d err=%v", n, err)
	}
	if text != "doomed" {
		t.Fatalf("dlq body = %q", text)
	}
}

func TestQueuePerMessageDecisionsOverrideBatch(t *testing.T) {
	st, q := newTestQueue(t)
	ctx := context.Background()
	msgs := []QueueBatchMessage{
		{Body: "keep", ContentType: QueueContentText},
		{Body: "again", ContentType: QueueContentText},
	}
	if err := q.SendBatch(ctx, msgs, nil); err != nil {
		t.Fatalf("send batch: %v", err)
	}
	c := testConsumer(st, "jobs", func(ctx context.Context, batch *QueueMessageBatch) error {
		batch.AckAll()
		for _, m := range batch.Messages {
			if m.Text() == "again" {
				m.Retry(nil)
			}
		}
		return nil
	}, QueueConsumerSettings{MaxRetries: 5, MaxBatchSize: 10})
	if n, err := c.DeliverOnce(ctx); err != nil || n != 2 {
		t.Fatalf("deliver: n=%d err=%v", n, err)
	}

	var pending, acked int
	if err := st.DB.QueryRow(`SELECT COUNT(*) FROM queue_messages WHERE status = 'pending' AND visible_at <= ?`,
		time.Now().UnixMilli()).Scan(&pending); err != nil {
		t.Fatalf("count: %v", err)
	}
	if err := st.DB.QueryRow(`SELECT COUNT(*) FROM queue_messages WHERE status = 'acked'`).Scan(&acked); err != nil {
		t.Fatalf("count: %v", err)
	}
	if pending != 1 || acked != 1 {
		t.Fatalf("pending=%d acked=%d", pending, acked)
	}
}

func TestQueueHandlerPanicRetries(t *testing.T) {
	st, q := newTestQueue(t)
	ctx := context.Background()
	if err := q.Send(ctx, "boom", &QueueSendOptions{ContentType: QueueContentText}); err != nil {
		t.Fatalf("send: %v", err)
	}
	c := testConsumer(st, "jobs", func(ctx context.Context, batch *QueueMessageBatch) error {
		panic("handler blew up")
	}, QueueConsumerSettings{MaxRetries: 3})
	if _, err := c.DeliverOnce(ctx); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	var status string
	var visibleAt int64
	if err := st.DB.QueryRow(`SELECT status, visible_at FROM queue_messages`).Scan(&status, &visibleAt); err != nil {
		t.Fatalf("row: %v", err)
	}
	if status != "pending" {
		t.Fatalf("status after panic = %q, want pending", status)
	}
	if visibleAt > time.Now().UnixMilli() {
		t.Fatalf("panicked retry should be immediately visible")
	}
}
