package lopata

import (
	"context"
	"errors"
	"testing"
	"time"
)

func mustCron(t *testing.T, expr string) *CronSchedule {
	t.Helper()
	s, err := ParseCron(expr)
	if err != nil {
		t.Fatalf("parse %q: %v", expr, err)
	}
	return s
}

func utc(year int, month time.Month, day, hour, min int) time.Time {
	return time.Date(year, month, day, hour, min, 0, 0, time.UTC)
}

func TestCronBasicFields(t *testing.T) {
	cases := []struct {
		expr string
		at   time.Time
		want bool
	}{
		{"* * * * *", utc(2024, 6, 1, 12, 34), true},
		{"30 12 * * *", utc(2024, 6, 1, 12, 30), true},
		{"30 12 * * *", utc(2024, 6, 1, 12, 31), false},
		{"*/15 * * * *", utc(2024, 6, 1, 9, 45), true},
		{"*/15 * * * *", utc(2024, 6, 1, 9, 50), false},
		{"0 9-17 * * *", utc(2024, 6, 1, 17, 0), true},
		{"0 9-17 * * *", utc(2024, 6, 1, 18, 0), false},
		{"0 0 1,15 * *", utc(2024, 6, 15, 0, 0), true},
		{"0 0 1,15 * *", utc(2024, 6, 16, 0, 0), false},
		{"0 0 1 1 *", utc(2024, 1, 1, 0, 0), true},
		{"0 0 1 1 *", utc(2024, 2, 1, 0, 0), false},
	}
	for _, c := range cases {
		if got := mustCron(t, c.expr).Matches(c.at); got != c.want {
			t.Errorf("%q at %v = %v, want %v", c.expr, c.at, got, c.want)
		}
	}
}

func TestCronAliases(t *testing.T) {
	daily := mustCron(t, "@daily")
	if !daily.Matches(utc(2024, 6, 1, 0, 0)) {
		t.Fatalf("@daily missed midnight")
	}
	if daily.Matches(utc(2024, 6, 1, 0, 1)) {
		t.Fatalf("@daily matched 00:01")
	}
	if daily.String() != "@daily" {
		t.Fatalf("String() = %q", daily.String())
	}
	weekly := mustCron(t, "@weekly")
	// 2024-12-22 is a Sunday.
	if !weekly.Matches(utc(2024, 12, 22, 0, 0)) {
		t.Fatalf("@weekly missed Sunday midnight")
	}
	if weekly.Matches(utc(2024, 12, 23, 0, 0)) {
		t.Fatalf("@weekly matched Monday")
	}
}

func TestCronNames(t *testing.T) {
	s := mustCron(t, "0 12 * JAN MON")
	// 2024-01-08 is a Monday.
	if !s.Matches(utc(2024, 1, 8, 12, 0)) {
		t.Fatalf("named fields missed a January Monday")
	}
	if s.Matches(utc(2024, 2, 5, 12, 0)) {
		t.Fatalf("named month matched February")
	}
}

func TestCronSevenMeansSunday(t *testing.T) {
	s := mustCron(t, "0 0 * * 7")
	if !s.Matches(utc(2024, 12, 22, 0, 0)) {
		t.Fatalf("7 did not match Sunday")
	}
	if s.Matches(utc(2024, 12, 23, 0, 0)) {
		t.Fatalf("7 matched Monday")
	}
}

func TestCronDOMAndDOWCombineWithOr(t *testing.T) {
	// The 13th OR any Friday, when both fields are restricted.
	s := mustCron(t, "0 0 13 * 5")
	// 2024-11-13 is a Wednesday: matches on day-of-month alone.
	if !s.Matches(utc(2024, 11, 13, 0, 0)) {
		t.Fatalf("13th (not Friday) did not match")
	}
	// 2024-12-20 is a Friday: matches on day-of-week alone.
	if !s.Matches(utc(2024, 12, 20, 0, 0)) {
		t.Fatalf("Friday (not the 13th) did not match")
	}
	// 2024-12-19 is a Thursday.
	if s.Matches(utc(2024, 12, 19, 0, 0)) {
		t.Fatalf("neither field matched but the schedule fired")
	}
}

func TestCronLastDayOfMonth(t *testing.T) {
	s := mustCron(t, "0 0 L * *")
	if !s.Matches(utc(2024, 2, 29, 0, 0)) {
		t.Fatalf("L missed the leap-year Feb 29")
	}
	if s.Matches(utc(2024, 2, 28, 0, 0)) {
		t.Fatalf("L matched Feb 28 in a leap year")
	}
	if !s.Matches(utc(2023, 2, 28, 0, 0)) {
		t.Fatalf("L missed Feb 28 in a non-leap year")
	}
}

func TestCronLastWeekdayOfMonth(t *testing.T) {
	s := mustCron(t, "0 0 LW * *")
	// November 2024 ends on a Saturday; the last weekday is Friday the 29th.
	if !s.Matches(utc(2024, 11, 29, 0, 0)) {
		t.Fatalf("LW missed Nov 29")
	}
	if s.Matches(utc(2024, 11, 30, 0, 0)) {
		t.Fatalf("LW matched the Saturday")
	}
}

func TestCronNearestWeekday(t *testing.T) {
	s := mustCron(t, "0 0 15W * *")
	// June 15 2024 is a Saturday; the nearest weekday is Friday the 14th.
	if !s.Matches(utc(2024, 6, 14, 0, 0)) {
		t.Fatalf("15W missed Jun 14")
	}
	if s.Matches(utc(2024, 6, 15, 0, 0)) {
		t.Fatalf("15W matched the Saturday itself")
	}
	// May 15 2024 is a Wednesday; it matches directly.
	if !s.Matches(utc(2024, 5, 15, 0, 0)) {
		t.Fatalf("15W missed a weekday 15th")
	}
}

func TestCronNthWeekday(t *testing.T) {
	s := mustCron(t, "0 0 * * 5#3")
	// Fridays in December 2024: 6, 13, 20, 27. The third is the 20th.
	if !s.Matches(utc(2024, 12, 20, 0, 0)) {
		t.Fatalf("5#3 missed the third Friday")
	}
	if s.Matches(utc(2024, 12, 13, 0, 0)) {
		t.Fatalf("5#3 matched the second Friday")
	}
}

func TestCronLastWeekdayOccurrence(t *testing.T) {
	s := mustCron(t, "0 0 * * 5L")
	// The last Friday of December 2024 is the 27th.
	if !s.Matches(utc(2024, 12, 27, 0, 0)) {
		t.Fatalf("5L missed the last Friday")
	}
	if s.Matches(utc(2024, 12, 20, 0, 0)) {
		t.Fatalf("5L matched an earlier Friday")
	}
}

func TestCronInvalidExpressions(t *testing.T) {
	for _, expr := range []string{
		"",
		"* * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 32 * *",
		"* * * 13 *",
		"* * * * 8",
		"@nope",
		"*/0 * * * *",
		"5-1 * * * *",
		"* * 10W3 * *",
		"* * * * 5#6",
	} {
		if _, err := ParseCron(expr); !IsValidation(err) {
			t.Errorf("parse %q: got %v, want validation error", expr, err)
		}
	}
}

func TestCronSchedulerRunOnce(t *testing.T) {
	var got *ScheduledEvent
	sched, err := NewCronScheduler(nil, discardLogger(), func(ctx context.Context, event *ScheduledEvent) error {
		got = event
		return nil
	}, []string{"*/5 * * * *"})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	at := utc(2024, 6, 1, 10, 0)
	if err := sched.RunOnce(context.Background(), "*/5 * * * *", at); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if got == nil || got.Cron != "*/5 * * * *" || !got.ScheduledTime.Equal(at) {
		t.Fatalf("event = %+v", got)
	}
	if got.Type != "scheduled" {
		t.Fatalf("type = %q", got.Type)
	}
	if err := sched.RunOnce(context.Background(), "not a cron", at); !IsValidation(err) {
		t.Fatalf("bad expression: got %v, want validation error", err)
	}
}

func TestCronSchedulerRedeliversOnError(t *testing.T) {
	calls := 0
	sched, err := NewCronScheduler(nil, discardLogger(), func(ctx context.Context, event *ScheduledEvent) error {
		calls++
		return errors.New("transient")
	}, nil)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if err := sched.RunOnce(context.Background(), "* * * * *", utc(2024, 6, 1, 10, 0)); err == nil {
		t.Fatalf("handler error not surfaced")
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want one redelivery", calls)
	}
}

func TestCronSchedulerNoRetrySuppressesRedelivery(t *testing.T) {
	calls := 0
	sched, err := NewCronScheduler(nil, discardLogger(), func(ctx context.Context, event *ScheduledEvent) error {
		calls++
		event.NoRetry()
		return errors.New("do not redeliver")
	}, nil)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if err := sched.RunOnce(context.Background(), "* * * * *", utc(2024, 6, 1, 10, 0)); err == nil {
		t.Fatalf("handler error not surfaced")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want exactly one delivery", calls)
	}
}

func TestCronSchedulerRejectsBadTrigger(t *testing.T) {
	if _, err := NewCronScheduler(nil, discardLogger(), nil, []string{"bogus"}); !IsValidation(err) {
		t.Fatalf("got %v, want validation error", err)
	}
}
