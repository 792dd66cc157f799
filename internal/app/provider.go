package app

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/wesm/mailmirror/internal/category"
	"github.com/wesm/mailmirror/internal/mail"
	"github.com/wesm/mailmirror/internal/remote"
)

// ProviderFactory builds the remote provider for an account. It is called
// lazily, on the first remote call, after the account's session has been
// checked.
type ProviderFactory func(ctx context.Context, acct mail.Account) (remote.Provider, error)

// lazyProvider defers provider construction to the first call so that an
// account without credentials can still be opened and browsed from cache.
// A failed construction is retried on the next call.
type lazyProvider struct {
	acct    mail.Account
	factory ProviderFactory

	mu sync.Mutex
	p  remote.Provider
}

func (l *lazyProvider) get(ctx context.Context) (remote.Provider, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.p != nil {
		return l.p, nil
	}
	p, err := l.factory(ctx, l.acct)
	if err != nil {
		return nil, remote.Classify("open provider", fmt.Errorf("%s: %w", l.acct.Email, err))
	}
	l.p = p
	return p, nil
}

func (l *lazyProvider) FetchByCategory(ctx context.Context, cat category.Category, max int) ([]mail.Item, error) {
	p, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return p.FetchByCategory(ctx, cat, max)
}

func (l *lazyProvider) FetchRecent(ctx context.Context, since time.Time) ([]mail.Item, error) {
	p, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return p.FetchRecent(ctx, since)
}

func (l *lazyProvider) Mutate(ctx context.Context, remoteID string, op remote.Operation) (bool, error) {
	p, err := l.get(ctx)
	if err != nil {
		return false, err
	}
	return p.Mutate(ctx, remoteID, op)
}

// Close closes the provider if one was built and it holds resources.
func (l *lazyProvider) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.p.(io.Closer); ok {
		l.p = nil
		return c.Close()
	}
	return nil
}
