package lopata

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/lopata-dev/lopata/internal/store"
)

// QueueConsumerSettings tunes one consumer. Zero values take defaults.
type QueueConsumerSettings struct {
	// MaxBatchSize caps messages per delivery. Defaults to 10.
	MaxBatchSize int
	// MaxBatchTimeout is how long a partial batch waits for more
	// messages before delivery. Defaults to 5s.
	MaxBatchTimeout time.Duration
	// MaxRetries is the number of redeliveries after the first attempt
	// before a message is dead-lettered. Defaults to 3.
	MaxRetries int
	// DeadLetterQueue receives exhausted messages. When empty,
	// exhausted messages are deleted.
	DeadLetterQueue string
}

// queueClaimLease is how long a claimed message stays invisible. A
// consumer that crashes mid-delivery leaves its messages to become
// eligible again when the lease lapses.
const queueClaimLease = 30 * time.Second

func (s QueueConsumerSettings) withDefaults() QueueConsumerSettings {
	if s.MaxBatchSize <= 0 {
		s.MaxBatchSize = 10
	}
	if s.MaxBatchTimeout <= 0 {
		s.MaxBatchTimeout = 5 * time.Second
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = 3
	}
	return s
}

// QueueHandler consumes one delivered batch. Returning an error retries
// every message without an explicit per-message decision; returning nil
// acknowledges them.
type QueueHandler func(ctx context.Context, batch *QueueMessageBatch) error

// QueueConsumer repeatedly delivers due messages of one queue to a
// handler.
type QueueConsumer struct {
	st       *store.Store
	tr       *Tracing
	log      *slog.Logger
	queue    string
	handler  QueueHandler
	settings QueueConsumerSettings

	stop chan struct{}
	done chan struct{}
}

// NewQueueConsumer builds a consumer. Call Start to begin delivery.
func NewQueueConsumer(st *store.Store, tr *Tracing, log *slog.Logger, queue string, handler QueueHandler, settings QueueConsumerSettings) *QueueConsumer {
	return &QueueConsumer{
		st:       st,
		tr:       tr,
		log:      log,
		queue:    queue,
		handler:  handler,
		settings: settings.withDefaults(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the delivery loop.
func (c *QueueConsumer) Start(ctx context.Context) {
	go c.run(ctx)
}

// Close stops the loop and waits for an in-flight delivery to finish.
func (c *QueueConsumer) Close() {
	close(c.stop)
	<-c.done
}

func (c *QueueConsumer) run(ctx context.Context) {
	defer close(c.done)
	const pollInterval = 250 * time.Millisecond
	var windowStart time.Time
	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
		due, err := c.countDue(ctx)
		if err != nil {
			c.log.Error("queue poll failed", "queue", c.queue, "error", err)
			continue
		}
		if due == 0 {
			windowStart = time.Time{}
			continue
		}
		if windowStart.IsZero() {
			windowStart = time.Now()
		}
		// Partial batches wait out the batch timeout for stragglers.
		if due < c.settings.MaxBatchSize && time.Since(windowStart) < c.settings.MaxBatchTimeout {
			continue
		}
		windowStart = time.Time{}
		if _, err := c.DeliverOnce(ctx); err != nil {
			c.log.Error("queue delivery failed", "queue", c.queue, "error", err)
		}
	}
}

func (c *QueueConsumer) countDue(ctx context.Context) (int, error) {
	var n int
	err := c.st.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_messages WHERE queue = ? AND status = 'pending' AND visible_at <= ?`,
		c.queue, time.Now().UnixMilli()).Scan(&n)
	return n, err
}

// DeliverOnce claims up to one batch of due messages, invokes the
// handler, and settles every message. It returns the number of
// messages delivered.
func (c *QueueConsumer) DeliverOnce(ctx context.Context) (int, error) {
	msgs, err := c.claim(ctx)
	if err != nil || len(msgs) == 0 {
		return 0, err
	}
	batch := newQueueMessageBatch(c.queue, msgs)

	ctx, end := c.tr.op(ctx, "queue.deliver", "queue.name", c.queue)
	handlerErr := c.invoke(ctx, batch)
	end(handlerErr)

	// Handler success acks undecided messages; failure retries them.
	fallback := queueDecision{ack: true}
	if handlerErr != nil {
		fallback = queueDecision{retry: true}
	}
	for _, m := range msgs {
		if err := c.settle(ctx, m, batch.outcome(m.ID, fallback)); err != nil {
			return len(msgs), err
		}
	}
	return len(msgs), nil
}

func (c *QueueConsumer) invoke(ctx context.Context, batch *QueueMessageBatch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue handler panic: %v", r)
			c.tr.RecordError(ctx, err, string(debug.Stack()))
		}
	}()
	return c.handler(ctx, batch)
}

// claim selects due messages, counts the delivery attempt and pushes
// their visibility out by the claim lease, all in one transaction. The
// status stays pending: a claimed message is just an invisible one.
func (c *QueueConsumer) claim(ctx context.Context) ([]*QueueMessage, error) {
	tx, err := c.st.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("queue claim: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, body, content_type, attempts, created_at FROM queue_messages
		 WHERE queue = ? AND status = 'pending' AND visible_at <= ?
		 ORDER BY visible_at, id LIMIT ?`,
		c.queue, time.Now().UnixMilli(), c.settings.MaxBatchSize)
	if err != nil {
		return nil, fmt.Errorf("queue claim: %w", err)
	}
	var msgs []*QueueMessage
	for rows.Next() {
		var m QueueMessage
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.raw, &m.ContentType, &m.Attempts, &createdAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("queue claim scan: %w", err)
		}
		m.Timestamp = time.UnixMilli(createdAt).UTC()
		m.Attempts++
		msgs = append(msgs, &m)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue claim: %w", err)
	}
	lease := time.Now().Add(queueClaimLease).UnixMilli()
	for _, m := range msgs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_messages SET visible_at = ?, attempts = ? WHERE id = ?`,
			lease, m.Attempts, m.ID); err != nil {
			return nil, fmt.Errorf("queue claim: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue claim: %w", err)
	}
	return msgs, nil
}

func (c *QueueConsumer) settle(ctx context.Context, m *QueueMessage, d queueDecision) error {
	now := time.Now()
	if d.ack {
		_, err := c.st.DB.ExecContext(ctx,
			`UPDATE queue_messages SET status = 'acked', completed_at = ? WHERE id = ?`,
			now.UnixMilli(), m.ID)
		if err != nil {
			return fmt.Errorf("queue ack: %w", err)
		}
		return nil
	}
	// First delivery plus MaxRetries redeliveries, then dead-letter.
	if m.Attempts > c.settings.MaxRetries {
		return c.deadLetter(ctx, m)
	}
	visibleAt := now.Add(time.Duration(d.delaySeconds) * time.Second).UnixMilli()
	_, err := c.st.DB.ExecContext(ctx,
		`UPDATE queue_messages SET status = 'pending', visible_at = ? WHERE id = ?`,
		visibleAt, m.ID)
	if err != nil {
		return fmt.Errorf("queue retry: %w", err)
	}
	return nil
}

func (c *QueueConsumer) deadLetter(ctx context.Context, m *QueueMessage) error {
	now := time.Now().UnixMilli()
	if c.settings.DeadLetterQueue == "" {
		// No dead-letter queue: the exhausted message is failed and
		// removed.
		_, err := c.st.DB.ExecContext(ctx, `DELETE FROM queue_messages WHERE id = ?`, m.ID)
		if err != nil {
			return fmt.Errorf("queue dead-letter: %w", err)
		}
		c.log.Warn("message exhausted retries, dropping", "queue", c.queue, "message_id", m.ID, "attempts", m.Attempts)
		return nil
	}
	// The message restarts its delivery life on the dead-letter queue.
	_, err := c.st.DB.ExecContext(ctx,
		`UPDATE queue_messages SET queue = ?, status = 'pending', attempts = 0, visible_at = ?, completed_at = NULL
		 WHERE id = ?`,
		c.settings.DeadLetterQueue, now, m.ID)
	if err != nil {
		return fmt.Errorf("queue dead-letter: %w", err)
	}
	c.log.Warn("message moved to dead-letter queue",
		"queue", c.queue, "dlq", c.settings.DeadLetterQueue, "message_id", m.ID, "attempts", m.Attempts)
	return nil
}
