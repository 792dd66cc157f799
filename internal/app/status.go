package app

import (
	"time"

	"github.com/wesm/mailmirror/internal/category"
	"github.com/wesm/mailmirror/internal/scheduler"
)

// Status is the surface state shown alongside the view.
type Status struct {
	Account       string                     `json:"account,omitempty"`
	Loading       bool                       `json:"loading"`
	Refreshing    bool                       `json:"refreshing"`
	Message       string                     `json:"message,omitempty"`
	NeedsReauth   bool                       `json:"needs_reauth"`
	ReauthMessage string                     `json:"reauth_message,omitempty"`
	Refresh       scheduler.RefreshStatus    `json:"refresh"`
	Resync        []scheduler.ScheduleStatus `json:"resync,omitempty"`
	// Counts is the number of active-account items in each category.
	Counts map[category.Category]int `json:"counts,omitempty"`
}

// Status messages.
const (
	MsgRefreshFailed  = "Failed to refresh"
	MsgSyncFailed     = "Failed to load mail"
	MsgMutationFailed = "Couldn't update message"
	MsgReauth         = "Your session has expired. Sign in again to keep mail up to date."
)

// statusState is guarded by App.mu.
type statusState struct {
	loading    map[string]int
	refreshing map[string]int
	message    string
	messageAt  time.Time
	reauth     map[string]string
}

func newStatusState() statusState {
	return statusState{
		loading:    make(map[string]int),
		refreshing: make(map[string]int),
		reauth:     make(map[string]string),
	}
}

// Status returns the state for the active account. Transient messages
// disappear once they are older than the configured TTL.
func (a *App) Status() Status {
	a.mu.Lock()
	active := a.active
	acct := a.accounts[active]
	st := Status{
		Account:    active,
		Loading:    a.status.loading[active] > 0,
		Refreshing: a.status.refreshing[active] > 0,
	}
	if a.status.message != "" {
		if a.now().Sub(a.status.messageAt) >= a.opts.StatusTTL {
			a.status.message = ""
		} else {
			st.Message = a.status.message
		}
	}
	if msg, ok := a.status.reauth[active]; ok {
		st.NeedsReauth = true
		st.ReauthMessage = msg
	}
	a.mu.Unlock()

	st.Refresh = a.refresher.Status()
	st.Refreshing = st.Refreshing || (st.Refresh.InFlight && st.Refresh.Account == active)
	st.Resync = a.cron.Statuses()
	if acct != nil {
		st.Counts = acct.mirror.Counts()
	}
	return st
}

func (a *App) setMessage(msg string) {
	a.mu.Lock()
	a.status.message = msg
	a.status.messageAt = a.now()
	a.mu.Unlock()
}

func (a *App) setReauth(account string) {
	a.mu.Lock()
	a.status.reauth[account] = MsgReauth
	a.mu.Unlock()
	a.logger.Warn("account needs re-authentication", "account", account)
}

func (a *App) clearReauth(account string) {
	a.mu.Lock()
	delete(a.status.reauth, account)
	a.mu.Unlock()
}

// track increments a per-account counter and returns the matching
// decrement.
func (a *App) track(counter map[string]int, account string) func() {
	a.mu.Lock()
	counter[account]++
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		if counter[account]--; counter[account] <= 0 {
			delete(counter, account)
		}
		a.mu.Unlock()
	}
}
