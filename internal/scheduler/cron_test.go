package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func noopResync(context.Context, string) error { return nil }

func waitStopped(t *testing.T, ctx context.Context) {
	t.Helper()
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not complete in time")
	}
}

func waitIdle(t *testing.T, c *Cron, account string) ScheduleStatus {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, st := range c.Statuses() {
			if st.Account == account && !st.Running {
				return st
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("resync for %s did not finish", account)
	return ScheduleStatus{}
}

func TestCron_Schedule(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{"daily", "0 2 * * *", false},
		{"every 15 minutes", "*/15 * * * *", false},
		{"padded", "  0 3 * * 1  ", false},
		{"garbage", "invalid cron", true},
		{"six fields", "0 0 2 * * *", true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCron(noopResync)
			err := c.Schedule("a@x.com", tt.expr)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Schedule(%q) err = %v, wantErr %v", tt.expr, err, tt.wantErr)
			}
			if c.IsScheduled("a@x.com") == tt.wantErr {
				t.Errorf("IsScheduled = %v", !tt.wantErr)
			}
			if got := ValidateCronExpr(tt.expr); (got != nil) != tt.wantErr {
				t.Errorf("ValidateCronExpr(%q) = %v", tt.expr, got)
			}
		})
	}
}

func TestCron_RescheduleReplacesEntry(t *testing.T) {
	c := NewCron(noopResync)
	if err := c.Schedule("a@x.com", "0 2 * * *"); err != nil {
		t.Fatal(err)
	}
	first := c.jobs["a@x.com"].entry
	if err := c.Schedule("a@x.com", "0 3 * * *"); err != nil {
		t.Fatal(err)
	}
	if c.jobs["a@x.com"].entry == first {
		t.Error("entry id not replaced")
	}
	if n := len(c.cron.Entries()); n != 1 {
		t.Errorf("cron entries = %d, want 1", n)
	}

	// A bad expression leaves the previous schedule in place.
	if err := c.Schedule("a@x.com", "nope"); err == nil {
		t.Fatal("expected error")
	}
	if st := c.Statuses(); len(st) != 1 || st[0].Schedule != "0 3 * * *" {
		t.Errorf("statuses = %+v", st)
	}
}

func TestCron_Unschedule(t *testing.T) {
	c := NewCron(noopResync)
	if err := c.Schedule("a@x.com", "0 2 * * *"); err != nil {
		t.Fatal(err)
	}
	c.Unschedule("a@x.com")
	c.Unschedule("never@x.com")
	if c.IsScheduled("a@x.com") || len(c.cron.Entries()) != 0 {
		t.Error("schedule still present after Unschedule")
	}
	if err := c.RunNow("a@x.com"); !errors.Is(err, ErrNotScheduled) {
		t.Errorf("RunNow after Unschedule = %v", err)
	}
}

func TestCron_StartStop(t *testing.T) {
	c := NewCron(noopResync)
	if c.IsRunning() {
		t.Error("IsRunning before Start")
	}
	c.Start()
	if !c.IsRunning() {
		t.Error("IsRunning = false after Start")
	}
	ctx := c.Stop()
	if c.IsRunning() {
		t.Error("IsRunning = true after Stop")
	}
	waitStopped(t, ctx)
	if err := c.RunNow("a@x.com"); !errors.Is(err, ErrCronStopped) {
		t.Errorf("RunNow after Stop = %v", err)
	}
}

func TestCron_StopCancelsRunningResync(t *testing.T) {
	started := make(chan struct{})
	c := NewCron(func(ctx context.Context, _ string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	if err := c.Schedule("a@x.com", "0 0 1 1 *"); err != nil {
		t.Fatal(err)
	}
	if err := c.RunNow("a@x.com"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	<-started

	waitStopped(t, c.Stop())
	st := c.Statuses()[0]
	if st.LastError == "" || !st.LastRun.IsZero() {
		t.Errorf("status after cancel = %+v", st)
	}
}

func TestCron_RunNowRejectsOverlap(t *testing.T) {
	release := make(chan struct{})
	var calls, concurrent, peak atomic.Int32
	c := NewCron(func(context.Context, string) error {
		calls.Add(1)
		n := concurrent.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		<-release
		concurrent.Add(-1)
		return nil
	})
	if err := c.Schedule("a@x.com", "0 0 1 1 *"); err != nil {
		t.Fatal(err)
	}
	if err := c.RunNow("a@x.com"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	for i := 0; i < 4; i++ {
		if err := c.RunNow("a@x.com"); !errors.Is(err, ErrResyncRunning) {
			t.Errorf("overlapping RunNow = %v", err)
		}
	}
	c.fire("a@x.com") // scheduled fire during a run is dropped
	close(release)

	st := waitIdle(t, c, "a@x.com")
	if calls.Load() != 1 || peak.Load() != 1 {
		t.Errorf("calls = %d, peak = %d", calls.Load(), peak.Load())
	}
	if st.LastRun.IsZero() || st.LastError != "" {
		t.Errorf("status = %+v", st)
	}
}

func TestCron_PanicRecordedAsError(t *testing.T) {
	c := NewCron(func(context.Context, string) error { panic("boom") })
	if err := c.Schedule("a@x.com", "0 0 1 1 *"); err != nil {
		t.Fatal(err)
	}
	c.fire("a@x.com")
	st := waitIdle(t, c, "a@x.com")
	if st.LastError == "" {
		t.Error("panic not recorded")
	}
}

func TestCron_StatusesSorted(t *testing.T) {
	c := NewCron(noopResync)
	for _, acct := range []string{"c@x.com", "a@x.com", "b@x.com"} {
		if err := c.Schedule(acct, "0 2 * * *"); err != nil {
			t.Fatal(err)
		}
	}
	c.Start()
	defer c.Stop()

	st := c.Statuses()
	if len(st) != 3 {
		t.Fatalf("len = %d", len(st))
	}
	for i, want := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		if st[i].Account != want {
			t.Errorf("st[%d] = %s, want %s", i, st[i].Account, want)
		}
		if st[i].NextRun.IsZero() || st[i].Running {
			t.Errorf("st[%d] = %+v", i, st[i])
		}
	}
}
