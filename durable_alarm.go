package lopata

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	doAlarmMaxRetries   = 6
	doAlarmRetryBackoff = 2 * time.Second
)

// newAlarmBackoff builds the redelivery schedule for one failing alarm:
// 2s doubling, no jitter, up to doAlarmMaxRetries attempts.
func newAlarmBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = doAlarmRetryBackoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = doAlarmRetryBackoff << doAlarmMaxRetries
	b.MaxElapsedTime = 0
	return b
}

// durableAlarmDispatcher polls the alarm table and delivers due alarms
// to their instances. A failing handler is retried with doubling
// backoff by rescheduling the alarm row, so DeleteAlarm cancels a retry
// sequence the same way it cancels a pending alarm.
type durableAlarmDispatcher struct {
	reg  *DurableObjectRegistry
	stop chan struct{}
	done chan struct{}
}

func newDurableAlarmDispatcher(reg *DurableObjectRegistry) *durableAlarmDispatcher {
	return &durableAlarmDispatcher{
		reg:  reg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (d *durableAlarmDispatcher) start(ctx context.Context) {
	go d.run(ctx)
}

func (d *durableAlarmDispatcher) stopAndWait() {
	close(d.stop)
	<-d.done
}

func (d *durableAlarmDispatcher) run(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := d.deliverDue(ctx); err != nil {
			d.reg.log.Error("alarm dispatch failed", "error", err)
		}
	}
}

// deliverDue fires every alarm whose time has passed. The alarm row is
// consumed before the handler runs, so the handler may set a new alarm.
func (d *durableAlarmDispatcher) deliverDue(ctx context.Context) error {
	rows, err := d.reg.st.DB.QueryContext(ctx,
		`SELECT class, id FROM do_alarms WHERE alarm_time <= ?`, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	type due struct{ class, id string }
	var alarms []due
	for rows.Next() {
		var a due
		if err := rows.Scan(&a.class, &a.id); err != nil {
			_ = rows.Close()
			return err
		}
		alarms = append(alarms, a)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, a := range alarms {
		d.fire(ctx, a.class, a.id)
	}
	return nil
}

func (d *durableAlarmDispatcher) fire(ctx context.Context, class, id string) {
	res, err := d.reg.st.DB.ExecContext(ctx,
		`DELETE FROM do_alarms WHERE class = ? AND id = ? AND alarm_time <= ?`,
		class, id, time.Now().UnixMilli())
	if err != nil {
		d.reg.log.Error("alarm claim failed", "class", class, "id", id, "error", err)
		return
	}
	// A concurrent SetAlarm may have pushed the time forward.
	if n, _ := res.RowsAffected(); n == 0 {
		return
	}

	inst, err := d.reg.instance(ctx, class, DurableObjectID{hexID: id})
	if err != nil {
		d.reg.log.Error("alarm target unavailable", "class", class, "id", id, "error", err)
		return
	}
	inst.mu.Lock()
	retryCount := inst.alarmRetry
	inst.mu.Unlock()
	info := AlarmInvocationInfo{RetryCount: retryCount, IsRetry: retryCount > 0}

	ctx, end := d.reg.tr.op(ctx, "do.alarm", "do.class", class, "do.id", id)
	err = inst.deliver(ctx, func(obj any) error {
		h, ok := obj.(DurableObjectAlarmHandler)
		if !ok {
			return nil
		}
		return h.Alarm(ctx, info)
	})
	end(err)

	if err == nil {
		inst.mu.Lock()
		inst.alarmRetry = 0
		inst.alarmBackoff = nil
		inst.mu.Unlock()
		return
	}
	d.reg.log.Error("alarm handler failed", "class", class, "id", id, "retry_count", retryCount, "error", err)
	if retryCount >= doAlarmMaxRetries {
		d.reg.log.Error("alarm retries exhausted", "class", class, "id", id)
		inst.mu.Lock()
		inst.alarmRetry = 0
		inst.alarmBackoff = nil
		inst.mu.Unlock()
		return
	}
	inst.mu.Lock()
	inst.alarmRetry = retryCount + 1
	if inst.alarmBackoff == nil {
		inst.alarmBackoff = newAlarmBackoff()
	}
	delay := inst.alarmBackoff.NextBackOff()
	inst.mu.Unlock()
	// Reschedule unless the handler set its own next alarm already.
	_, err = d.reg.st.DB.ExecContext(ctx,
		`INSERT INTO do_alarms (class, id, alarm_time) VALUES (?, ?, ?)
		 ON CONFLICT (class, id) DO NOTHING`,
		class, id, time.Now().Add(delay).UnixMilli())
	if err != nil {
		d.reg.log.Error("alarm retry scheduling failed", "class", class, "id", id, "error", err)
	}
}
