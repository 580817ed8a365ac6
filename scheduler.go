package lopata

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"
)

// ScheduledEvent is handed to the scheduled handler for each matching
// cron trigger.
type ScheduledEvent struct {
	// Type is always "scheduled".
	Type          string
	ScheduledTime time.Time
	Cron          string

	noRetry bool
}

// NoRetry tells the runner not to redeliver the event if the handler
// fails.
func (e *ScheduledEvent) NoRetry() { e.noRetry = true }

// ScheduledHandler runs cron-triggered work.
type ScheduledHandler func(ctx context.Context, event *ScheduledEvent) error

// CronScheduler evaluates the configured cron triggers once per minute,
// on minute boundaries, in UTC.
type CronScheduler struct {
	tr      *Tracing
	log     *slog.Logger
	handler ScheduledHandler

	schedules []*CronSchedule

	stop chan struct{}
	done chan struct{}
}

// NewCronScheduler parses the trigger expressions and builds the
// scheduler. Call Start to begin ticking.
func NewCronScheduler(tr *Tracing, log *slog.Logger, handler ScheduledHandler, exprs []string) (*CronScheduler, error) {
	schedules := make([]*CronSchedule, 0, len(exprs))
	for _, expr := range exprs {
		s, err := ParseCron(expr)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return &CronScheduler{
		tr:        tr,
		log:       log,
		handler:   handler,
		schedules: schedules,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Start launches the minute loop.
func (c *CronScheduler) Start(ctx context.Context) {
	go c.run(ctx)
}

// Close stops the loop.
func (c *CronScheduler) Close() {
	close(c.stop)
	<-c.done
}

func (c *CronScheduler) run(ctx context.Context) {
	defer close(c.done)
	for {
		now := time.Now().UTC()
		next := now.Truncate(time.Minute).Add(time.Minute)
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
		}
		c.tick(ctx, next)
	}
}

func (c *CronScheduler) tick(ctx context.Context, at time.Time) {
	for _, s := range c.schedules {
		if !s.Matches(at) {
			continue
		}
		_ = c.dispatch(ctx, s.String(), at)
	}
}

// RunOnce fires the handler for one expression at the given time,
// regardless of whether the expression is a configured trigger. It
// backs the manual trigger endpoint.
func (c *CronScheduler) RunOnce(ctx context.Context, expr string, at time.Time) error {
	if _, err := ParseCron(expr); err != nil {
		return err
	}
	return c.dispatch(ctx, expr, at.UTC())
}

func (c *CronScheduler) dispatch(ctx context.Context, expr string, at time.Time) error {
	ctx, end := c.tr.op(ctx, "scheduled.run", "cron.expr", expr)
	event := &ScheduledEvent{Type: "scheduled", ScheduledTime: at, Cron: expr}
	err := c.invoke(ctx, event)
	if err != nil && !event.noRetry {
		c.log.Warn("scheduled handler failed, redelivering once", "cron", expr, "error", err)
		err = c.invoke(ctx, event)
	}
	end(err)
	if err != nil {
		c.log.Error("scheduled handler failed", "cron", expr, "error", err)
	}
	return err
}

func (c *CronScheduler) invoke(ctx context.Context, event *ScheduledEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errValidation("scheduled handler panic: %v", r)
			c.tr.RecordError(ctx, err, string(debug.Stack()))
		}
	}()
	if c.handler == nil {
		return nil
	}
	return c.handler(ctx, event)
}
