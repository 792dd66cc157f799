package app

import (
	"github.com/wesm/mailmirror/internal/mirror"
)

// watchBuffer bounds each watcher. A watcher that falls behind misses
// changes instead of stalling the writer.
const watchBuffer = 64

// Watch returns a channel of committed changes from every account's mirror
// and a function that stops delivery and closes the channel. The channel is
// also closed by Close.
func (a *App) Watch() (<-chan mirror.Change, func()) {
	ch := make(chan mirror.Change, watchBuffer)

	a.watchMu.Lock()
	defer a.watchMu.Unlock()
	if a.watchClosed {
		close(ch)
		return ch, func() {}
	}
	id := a.nextWatch
	a.nextWatch++
	a.watchers[id] = ch

	return ch, func() {
		a.watchMu.Lock()
		defer a.watchMu.Unlock()
		if c, ok := a.watchers[id]; ok {
			delete(a.watchers, id)
			close(c)
		}
	}
}

// forward is the observer registered on every mirror.
func (a *App) forward(c mirror.Change) {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()
	for _, ch := range a.watchers {
		select {
		case ch <- c:
		default:
			a.logger.Debug("watcher behind, dropping change", "account", c.Account, "kind", c.Kind)
		}
	}
}

func (a *App) closeWatchers() {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()
	a.watchClosed = true
	for id, ch := range a.watchers {
		delete(a.watchers, id)
		close(ch)
	}
}
