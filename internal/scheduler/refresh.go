package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Phase is the refresh regime the loop is in.
type Phase string

const (
	PhaseStopped Phase = "stopped"
	PhaseQuick   Phase = "quick"
	PhaseSteady  Phase = "steady"
)

// Tick guard failures.
var (
	ErrTickInFlight = errors.New("refresh already in progress")
	ErrTooSoon      = errors.New("refresh requested too soon after the previous one")
	ErrNoAccount    = errors.New("no account to refresh")
)

// TickFunc performs one incremental refresh for account.
type TickFunc func(ctx context.Context, account string) error

// RefreshConfig controls tick cadence.
type RefreshConfig struct {
	QuickInterval  time.Duration
	QuickTicks     int
	SteadyInterval time.Duration
	MinSpacing     time.Duration
}

// DefaultRefreshConfig returns the stock cadence: four ticks 15s apart, then
// every two minutes, never closer than 5s.
func DefaultRefreshConfig() RefreshConfig {
	return RefreshConfig{
		QuickInterval:  15 * time.Second,
		QuickTicks:     4,
		SteadyInterval: 2 * time.Minute,
		MinSpacing:     5 * time.Second,
	}
}

// RefreshStatus is a point-in-time view of the refresher.
type RefreshStatus struct {
	Account        string    `json:"account,omitempty"`
	Phase          Phase     `json:"phase"`
	QuickTicksDone int       `json:"quick_ticks_done"`
	InFlight       bool      `json:"in_flight"`
	Foreground     bool      `json:"foreground"`
	Running        bool      `json:"running"`
	LastTick       time.Time `json:"last_tick,omitempty"`
	NextTick       time.Time `json:"next_tick,omitempty"`
	Skipped        int       `json:"skipped"`
	Failures       int       `json:"failures"`
}

// Refresher drives periodic incremental refreshes for the active account.
// A single control loop owns the schedule and its cancellation; whether a
// tick is in flight is tracked explicitly and can be queried with Status.
type Refresher struct {
	cfg    RefreshConfig
	tick   TickFunc
	clock  Clock
	logger *slog.Logger

	ctl sync.Mutex // serializes Start/Stop/SetForeground

	mu         sync.Mutex
	account    string
	phase      Phase
	quickDone  int
	inFlight   bool
	foreground bool
	lastTick   time.Time
	nextTick   time.Time
	skipped    int
	failures   int
	cancel     context.CancelFunc
	loopDone   chan struct{}
}

// NewRefresher creates a stopped refresher. The app is assumed to start in
// the foreground.
func NewRefresher(cfg RefreshConfig, tick TickFunc) *Refresher {
	def := DefaultRefreshConfig()
	if cfg.QuickInterval <= 0 {
		cfg.QuickInterval = def.QuickInterval
	}
	if cfg.QuickTicks < 0 {
		cfg.QuickTicks = 0
	}
	if cfg.SteadyInterval <= 0 {
		cfg.SteadyInterval = def.SteadyInterval
	}
	if cfg.MinSpacing < 0 {
		cfg.MinSpacing = 0
	}
	return &Refresher{
		cfg:        cfg,
		tick:       tick,
		clock:      realClock{},
		logger:     slog.Default(),
		phase:      PhaseStopped,
		foreground: true,
	}
}

// WithLogger sets the logger for the refresher.
func (r *Refresher) WithLogger(logger *slog.Logger) *Refresher {
	r.logger = logger
	return r
}

// WithClock replaces the time source.
func (r *Refresher) WithClock(c Clock) *Refresher {
	r.clock = c
	return r
}

// Start begins refreshing account in the quick phase, replacing whatever
// account was being refreshed before.
func (r *Refresher) Start(account string) {
	r.ctl.Lock()
	defer r.ctl.Unlock()

	r.stopLoop()
	r.mu.Lock()
	r.account = account
	r.phase = PhaseQuick
	r.quickDone = 0
	if r.cfg.QuickTicks == 0 {
		r.phase = PhaseSteady
	}
	fg := r.foreground
	r.mu.Unlock()

	r.logger.Info("refresh scheduler started", "account", account)
	if fg {
		r.startLoop()
	}
}

// Switch moves the refresher to another account.
func (r *Refresher) Switch(account string) {
	r.Start(account)
}

// Stop halts refreshing and forgets the account.
func (r *Refresher) Stop() {
	r.ctl.Lock()
	defer r.ctl.Unlock()

	r.stopLoop()
	r.mu.Lock()
	acct := r.account
	r.account = ""
	r.phase = PhaseStopped
	r.quickDone = 0
	r.mu.Unlock()
	if acct != "" {
		r.logger.Info("refresh scheduler stopped", "account", acct)
	}
}

// SetForeground pauses the loop when the app leaves the foreground and
// resumes it, from the quick phase, when it comes back.
func (r *Refresher) SetForeground(fg bool) {
	r.ctl.Lock()
	defer r.ctl.Unlock()

	r.mu.Lock()
	was := r.foreground
	r.foreground = fg
	active := r.account != "" && r.phase != PhaseStopped
	r.mu.Unlock()

	if was == fg || !active {
		return
	}
	if !fg {
		r.stopLoop()
		r.logger.Debug("refresh paused in background")
		return
	}

	r.mu.Lock()
	r.quickDone = 0
	r.phase = PhaseQuick
	if r.cfg.QuickTicks == 0 {
		r.phase = PhaseSteady
	}
	r.mu.Unlock()
	r.logger.Debug("refresh resumed in foreground")
	r.startLoop()
}

// TriggerNow runs one tick immediately, subject to the same guards as
// scheduled ticks. Manual ticks do not advance the phase.
func (r *Refresher) TriggerNow(ctx context.Context) error {
	r.mu.Lock()
	account := r.account
	r.mu.Unlock()
	if account == "" {
		return ErrNoAccount
	}
	return r.runTick(ctx, account, false)
}

// Status returns a snapshot of the refresher state.
func (r *Refresher) Status() RefreshStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RefreshStatus{
		Account:        r.account,
		Phase:          r.phase,
		QuickTicksDone: r.quickDone,
		InFlight:       r.inFlight,
		Foreground:     r.foreground,
		Running:        r.cancel != nil,
		LastTick:       r.lastTick,
		NextTick:       r.nextTick,
		Skipped:        r.skipped,
		Failures:       r.failures,
	}
}

// startLoop launches the control loop. Callers hold ctl.
func (r *Refresher) startLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	r.mu.Lock()
	account := r.account
	r.cancel = cancel
	r.loopDone = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		r.loop(ctx, account)
	}()
}

// stopLoop cancels the control loop and any tick it is running, then waits
// for it to exit. Callers hold ctl.
func (r *Refresher) stopLoop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.loopDone
	r.cancel, r.loopDone = nil, nil
	r.nextTick = time.Time{}
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Refresher) loop(ctx context.Context, account string) {
	for {
		if ctx.Err() != nil {
			return
		}
		interval := r.interval()
		r.mu.Lock()
		r.nextTick = r.clock.Now().Add(interval)
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(interval):
		}
		if ctx.Err() != nil {
			return
		}
		// Guard failures and tick errors are already recorded; the loop
		// simply waits for the next interval.
		_ = r.runTick(ctx, account, true)
	}
}

func (r *Refresher) interval() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase == PhaseQuick {
		return r.cfg.QuickInterval
	}
	return r.cfg.SteadyInterval
}

// runTick applies the guards, runs the tick function and advances the phase
// for scheduled ticks.
func (r *Refresher) runTick(ctx context.Context, account string, scheduled bool) error {
	r.mu.Lock()
	now := r.clock.Now()
	if r.inFlight {
		r.skipped++
		r.mu.Unlock()
		r.logger.Debug("refresh tick skipped, previous still running", "account", account)
		return ErrTickInFlight
	}
	if !r.lastTick.IsZero() && now.Sub(r.lastTick) < r.cfg.MinSpacing {
		r.skipped++
		r.mu.Unlock()
		r.logger.Debug("refresh tick skipped, too soon", "account", account, "since_last", now.Sub(r.lastTick))
		return ErrTooSoon
	}
	r.inFlight = true
	r.lastTick = now
	r.mu.Unlock()

	err := r.safeTick(ctx, account)

	r.mu.Lock()
	r.inFlight = false
	if err != nil {
		r.failures++
	}
	if scheduled && r.phase == PhaseQuick {
		r.quickDone++
		if r.quickDone >= r.cfg.QuickTicks {
			r.phase = PhaseSteady
		}
	}
	phase := r.phase
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("refresh tick failed", "account", account, "error", err)
	} else {
		r.logger.Debug("refresh tick complete", "account", account, "phase", phase)
	}
	return err
}

// safeTick runs the tick function, turning a panic into an error so the
// loop keeps going.
func (r *Refresher) safeTick(ctx context.Context, account string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.New("panic in refresh tick")
			r.logger.Error("refresh tick panicked", "account", account, "panic", p)
		}
	}()
	return r.tick(ctx, account)
}
