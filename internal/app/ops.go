package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wesm/mailmirror/internal/filter"
	"github.com/wesm/mailmirror/internal/lifecycle"
	"github.com/wesm/mailmirror/internal/mail"
	"github.com/wesm/mailmirror/internal/mutation"
	"github.com/wesm/mailmirror/internal/remote"
	"github.com/wesm/mailmirror/internal/scheduler"
	"github.com/wesm/mailmirror/internal/sync"
)

// View returns the filtered, sorted items of account ("" for the active
// account).
func (a *App) View(ctx context.Context, account string, spec filter.Spec, order filter.Order) ([]mail.Item, error) {
	acct, err := a.lookup(account)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := acct.mirror.View(spec, order)
	if err == nil && a.logger.Enabled(ctx, slog.LevelDebug) {
		st := acct.mirror.FilterStats()
		a.logger.Debug("view", "account", acct.info.Email, "items", len(items),
			"memo_hits", st.Hits, "memo_misses", st.Misses, "scans", st.Scans)
	}
	return items, err
}

// Item returns one item of account ("" for the active account).
func (a *App) Item(account, id string) (mail.Item, error) {
	acct, err := a.lookup(account)
	if err != nil {
		return mail.Item{}, err
	}
	it, ok := acct.mirror.Get(id)
	if !ok {
		return mail.Item{}, remote.NewError(remote.KindNotFound, "get", fmt.Errorf("item %s", id))
	}
	return it, nil
}

// Mutate applies op to item id optimistically. The local change is visible
// when Mutate returns; the returned Pending settles once the provider has
// answered. A rollback sets a transient status message, and a rollback
// caused by an expired session raises the re-auth flag.
func (a *App) Mutate(ctx context.Context, account, id string, op remote.Operation) (*mutation.Pending, error) {
	acct, err := a.lookup(account)
	if err != nil {
		return nil, err
	}
	p, err := acct.mutator.Apply(ctx, acct.mirror, id, op)
	if err != nil {
		return nil, err
	}
	a.background(func(ctx context.Context) {
		select {
		case <-p.Done():
		case <-ctx.Done():
			return
		}
		res, _ := p.Wait(ctx)
		if res.State != mutation.StateRolledBack {
			return
		}
		a.setMessage(MsgMutationFailed)
		if remote.KindOf(res.Err) == remote.KindAuthRequired {
			a.setReauth(acct.info.Email)
		}
	})
	return p, nil
}

// checkSession verifies account credentials before a remote call. For
// user-initiated work a missing or rejected session raises the re-auth
// flag.
func (a *App) checkSession(ctx context.Context, acct *account, interactive bool) error {
	email := acct.info.Email
	sessions, ok := a.sessions[acct.info.Provider]
	if !ok {
		return fmt.Errorf("%s: no session store for provider %q", email, acct.info.Provider)
	}
	if !sessions.HasSession(email) {
		if interactive {
			a.setReauth(email)
		}
		return remote.NewError(remote.KindAuthRequired, "session", fmt.Errorf("no session for %s", email))
	}
	if err := sessions.RefreshIfNeeded(ctx, email); err != nil {
		err = remote.Classify("refresh session", err)
		if interactive && remote.KindOf(err) == remote.KindAuthRequired {
			a.setReauth(email)
		}
		return err
	}
	return nil
}

// FullSync refetches every category of account ("" for the active one).
func (a *App) FullSync(ctx context.Context, account string) (*sync.Summary, error) {
	acct, err := a.lookup(account)
	if err != nil {
		return nil, err
	}
	summary, err := a.fullSync(ctx, acct, true)
	if err == nil && !a.opts.Passive && a.Active() == acct.info.Email && !a.refresher.Status().Running {
		a.refresher.Start(acct.info.Email)
	}
	return summary, err
}

func (a *App) fullSync(ctx context.Context, acct *account, interactive bool) (*sync.Summary, error) {
	email := acct.info.Email
	defer a.track(a.status.loading, email)()

	if err := a.checkSession(ctx, acct, interactive); err != nil {
		return nil, err
	}
	summary, err := acct.syncer.Full(ctx)
	if err != nil {
		a.noteSyncError(email, err, interactive, MsgSyncFailed)
		return nil, err
	}
	a.clearReauth(email)
	return summary, nil
}

// resync is the cron callback.
func (a *App) resync(ctx context.Context, email string) error {
	acct, err := a.lookup(email)
	if err != nil {
		return err
	}
	_, err = a.fullSync(ctx, acct, false)
	return err
}

// Refresh is a user-initiated refresh of the active account. It goes
// through the refresher so it respects the in-flight and spacing guards;
// an account with nothing cached gets a full sync instead.
func (a *App) Refresh(ctx context.Context) error {
	acct, err := a.lookup("")
	if err != nil {
		return err
	}
	if err := a.checkSession(ctx, acct, true); err != nil {
		return err
	}
	if acct.mirror.Len() == 0 {
		_, err := a.FullSync(ctx, acct.info.Email)
		return err
	}
	if a.opts.Passive {
		err = a.incremental(ctx, acct)
	} else {
		if !a.refresher.Status().Running {
			a.refresher.Start(acct.info.Email)
		}
		err = a.refresher.TriggerNow(ctx)
	}
	switch {
	case errors.Is(err, scheduler.ErrTickInFlight), errors.Is(err, scheduler.ErrTooSoon):
		a.logger.Debug("manual refresh skipped", "account", acct.info.Email, "reason", err)
		return err
	case err != nil:
		a.setMessage(MsgRefreshFailed)
		if remote.KindOf(err) == remote.KindAuthRequired {
			a.setReauth(acct.info.Email)
		}
		return err
	}
	return nil
}

// tick is the refresher callback. Without a valid session it does nothing.
func (a *App) tick(ctx context.Context, email string) error {
	acct, err := a.lookup(email)
	if err != nil {
		return err
	}
	return a.incremental(ctx, acct)
}

func (a *App) incremental(ctx context.Context, acct *account) error {
	email := acct.info.Email
	sessions := a.sessions[acct.info.Provider]
	if sessions == nil || !sessions.HasSession(email) {
		a.logger.Debug("no session, skipping refresh", "account", email)
		return nil
	}
	if err := sessions.RefreshIfNeeded(ctx, email); err != nil {
		return remote.Classify("refresh session", err)
	}

	defer a.track(a.status.refreshing, email)()
	if _, err := acct.syncer.Incremental(ctx, false); err != nil {
		a.noteSyncError(email, err, false, "")
		return err
	}
	a.clearReauth(email)
	return nil
}

// noteSyncError turns a sync failure into status. Cancellation is silent,
// and background failures are only logged.
func (a *App) noteSyncError(email string, err error, interactive bool, msg string) {
	kind := remote.KindOf(err)
	if kind == remote.KindCanceled {
		return
	}
	if !interactive {
		a.logger.Info("background sync failed", "account", email, "kind", kind, "error", err)
		return
	}
	if kind == remote.KindAuthRequired {
		a.setReauth(email)
	}
	if msg != "" {
		a.setMessage(msg)
	}
}

// HandleEvent reacts to one lifecycle event.
func (a *App) HandleEvent(ctx context.Context, e lifecycle.Event) error {
	switch e.Kind {
	case lifecycle.Foreground, lifecycle.Active:
		a.refresher.SetForeground(true)
	case lifecycle.Background, lifecycle.Inactive:
		a.refresher.SetForeground(false)
	case lifecycle.ExternalUpdate:
		acct, err := a.lookup(e.Account)
		if err != nil {
			return err
		}
		return a.incremental(ctx, acct)
	default:
		return fmt.Errorf("unhandled lifecycle event %q", e.Kind)
	}
	return nil
}

// Run handles events from bus until ctx is done or the bus closes.
func (a *App) Run(ctx context.Context, bus *lifecycle.Bus) error {
	events, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if err := a.HandleEvent(ctx, e); err != nil {
				a.logger.Warn("lifecycle event failed", "kind", e.Kind, "account", e.Account, "error", err)
			}
		}
	}
}
