// Package scheduler drives background work for the mirror: the adaptive
// refresh loop for the active account and cron-scheduled full resyncs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ResyncFunc performs a full resync of one account.
type ResyncFunc func(ctx context.Context, account string) error

// Resync guard failures.
var (
	ErrCronStopped   = errors.New("resync scheduler is stopped")
	ErrNotScheduled  = errors.New("account is not scheduled")
	ErrResyncRunning = errors.New("resync already running")
)

// ScheduleStatus is the resync state of one scheduled account.
type ScheduleStatus struct {
	Account   string    `json:"account"`
	Schedule  string    `json:"schedule"`
	Running   bool      `json:"running"`
	LastRun   time.Time `json:"last_run,omitempty"`
	NextRun   time.Time `json:"next_run"`
	LastError string    `json:"last_error,omitempty"`
}

type cronJob struct {
	entry   cron.EntryID
	expr    string
	running bool
	lastRun time.Time
	lastErr error
}

// Cron runs full resyncs on per-account cron schedules, at most one at a
// time per account.
type Cron struct {
	cron   *cron.Cron
	resync ResyncFunc
	logger *slog.Logger

	mu      sync.RWMutex
	jobs    map[string]*cronJob
	started bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
}

// NewCron creates a stopped resync scheduler.
func NewCron(resync ResyncFunc) *Cron {
	ctx, cancel := context.WithCancel(context.Background())
	return &Cron{
		cron:   cron.New(cron.WithParser(newParser())),
		resync: resync,
		logger: slog.Default(),
		jobs:   make(map[string]*cronJob),
		ctx:    ctx,
		cancel: cancel,
	}
}

// WithLogger sets the logger for the scheduler.
func (c *Cron) WithLogger(logger *slog.Logger) *Cron {
	c.logger = logger
	return c
}

// Schedule registers account for resync on expr (standard 5-field cron),
// replacing any previous schedule. History for the account is kept.
func (c *Cron) Schedule(account, expr string) error {
	expr = strings.TrimSpace(expr)
	c.mu.Lock()
	defer c.mu.Unlock()

	job := c.jobs[account]
	entry, err := c.cron.AddFunc(expr, func() { c.fire(account) })
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	if job == nil {
		job = &cronJob{}
		c.jobs[account] = job
	} else {
		c.cron.Remove(job.entry)
	}
	job.entry = entry
	job.expr = expr

	c.logger.Info("scheduled resync",
		"account", account,
		"schedule", expr,
		"next_run", c.cron.Entry(entry).Next)
	return nil
}

// Unschedule drops the account's schedule. A resync already running is left
// to finish.
func (c *Cron) Unschedule(account string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	job, ok := c.jobs[account]
	if !ok {
		return
	}
	c.cron.Remove(job.entry)
	delete(c.jobs, account)
	c.logger.Info("removed resync schedule", "account", account)
}

// Start begins firing scheduled jobs.
func (c *Cron) Start() {
	c.mu.Lock()
	c.started = true
	n := len(c.jobs)
	c.mu.Unlock()

	c.cron.Start()
	c.logger.Info("resync scheduler started", "accounts", n)
}

// IsRunning reports whether Start was called and Stop was not.
func (c *Cron) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.started && !c.stopped
}

// Stop halts the cron, cancels running resyncs and returns a context that is
// done once all of them have returned.
func (c *Cron) Stop() context.Context {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()

	cronCtx := c.cron.Stop()
	c.cancel()

	ctx, done := context.WithCancel(context.Background())
	go func() {
		<-cronCtx.Done()
		c.wg.Wait()
		done()
	}()
	c.logger.Info("resync scheduler stopping")
	return ctx
}

// IsScheduled reports whether account has a schedule.
func (c *Cron) IsScheduled(account string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.jobs[account]
	return ok
}

// RunNow starts a resync for account outside its schedule.
func (c *Cron) RunNow(account string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return ErrCronStopped
	}
	job, ok := c.jobs[account]
	if !ok {
		return fmt.Errorf("%s: %w", account, ErrNotScheduled)
	}
	if job.running {
		return fmt.Errorf("%s: %w", account, ErrResyncRunning)
	}
	job.running = true
	c.wg.Add(1)
	go c.run(account, job)
	return nil
}

// Statuses returns the state of every scheduled account, sorted by account.
func (c *Cron) Statuses() []ScheduleStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]ScheduleStatus, 0, len(c.jobs))
	for account, job := range c.jobs {
		st := ScheduleStatus{
			Account:  account,
			Schedule: job.expr,
			Running:  job.running,
			LastRun:  job.lastRun,
			NextRun:  c.cron.Entry(job.entry).Next,
		}
		if job.lastErr != nil {
			st.LastError = job.lastErr.Error()
		}
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b ScheduleStatus) int { return strings.Compare(a.Account, b.Account) })
	return out
}

// fire is the cron callback; overlapping runs for one account are dropped.
func (c *Cron) fire(account string) {
	c.mu.Lock()
	job, ok := c.jobs[account]
	if c.stopped || !ok || job.running {
		c.mu.Unlock()
		if ok {
			c.logger.Debug("resync skipped", "account", account)
		}
		return
	}
	job.running = true
	c.wg.Add(1)
	c.mu.Unlock()
	c.run(account, job)
}

// run executes one resync. The caller has set job.running and called wg.Add.
func (c *Cron) run(account string, job *cronJob) {
	defer c.wg.Done()

	c.logger.Info("starting resync", "account", account)
	start := time.Now()
	err := c.safeResync(account)

	c.mu.Lock()
	job.running = false
	job.lastErr = err
	if err == nil {
		job.lastRun = time.Now()
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("resync failed", "account", account, "duration", time.Since(start), "error", err)
		return
	}
	c.logger.Info("resync completed", "account", account, "duration", time.Since(start))
}

func (c *Cron) safeResync(account string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in resync: %v", p)
		}
	}()
	return c.resync(c.ctx, account)
}

// ValidateCronExpr checks a cron expression without scheduling anything.
func ValidateCronExpr(expr string) error {
	if _, err := newParser().Parse(strings.TrimSpace(expr)); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}
