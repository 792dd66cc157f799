package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wesm/mailmirror/internal/app"
	"github.com/wesm/mailmirror/internal/config"
	"github.com/wesm/mailmirror/internal/gmail"
	"github.com/wesm/mailmirror/internal/imap"
	"github.com/wesm/mailmirror/internal/mail"
	"github.com/wesm/mailmirror/internal/oauth"
	"github.com/wesm/mailmirror/internal/remote"
	"github.com/wesm/mailmirror/internal/store"
)

// imapConfigPrefix keys IMAP connection settings saved by add-account.
const imapConfigPrefix = "imap:config:"

// unconfiguredOAuth stands in for the OAuth manager when no client secrets
// are configured, so Gmail accounts can still be browsed from cache.
type unconfiguredOAuth struct{}

func (unconfiguredOAuth) HasSession(string) bool { return false }

func (unconfiguredOAuth) RefreshIfNeeded(_ context.Context, account string) error {
	return remote.NewError(remote.KindAuthRequired, "refresh session",
		fmt.Errorf("%s: %w", account, errOAuthNotConfigured()))
}

// env holds what the commands share: the store and the session stores.
type env struct {
	cfg   *config.Config
	store *store.Store
	oauth *oauth.Manager // nil when client secrets are not configured
	creds *imap.CredentialStore
}

func openEnv(ctx context.Context) (*env, error) {
	s, err := store.Open(cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	e := &env{cfg: cfg, store: s, creds: imap.NewCredentialStore(cfg.CredentialsDir())}
	if cfg.OAuth.ClientSecrets != "" {
		mgr, err := oauth.NewManager(cfg.OAuth.ClientSecrets, cfg.TokensDir(), logger)
		if err != nil {
			_ = s.Close()
			return nil, wrapOAuthError(fmt.Errorf("create oauth manager: %w", err))
		}
		e.oauth = mgr
	}
	if err := e.importConfigured(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return e, nil
}

// importConfigured adds accounts listed in config.toml that the store does
// not know yet.
func (e *env) importConfigured(ctx context.Context) error {
	for _, ac := range e.cfg.Accounts {
		if err := ac.Validate(); err != nil {
			logger.Warn("skipping configured account", "error", err)
			continue
		}
		existing, err := e.store.GetAccount(ctx, ac.Email)
		if err != nil {
			return fmt.Errorf("look up account %s: %w", ac.Email, err)
		}
		if existing != nil {
			continue
		}
		info := mail.Account{Email: ac.Email, Provider: ac.ProviderName(), DisplayName: ac.DisplayName}
		if err := e.store.UpsertAccount(ctx, info); err != nil {
			return fmt.Errorf("add configured account %s: %w", ac.Email, err)
		}
		logger.Info("imported account from config", "account", ac.Email, "provider", info.Provider)
	}
	return nil
}

func (e *env) sessions() map[string]remote.Sessions {
	var gmailSessions remote.Sessions = unconfiguredOAuth{}
	if e.oauth != nil {
		gmailSessions = e.oauth
	}
	return map[string]remote.Sessions{
		mail.ProviderGmail: gmailSessions,
		mail.ProviderIMAP:  e.creds,
	}
}

// providerFactory builds the remote provider for an account on first use.
func (e *env) providerFactory(ctx context.Context, acct mail.Account) (remote.Provider, error) {
	switch acct.Provider {
	case mail.ProviderGmail, "":
		if e.oauth == nil {
			return nil, remote.NewError(remote.KindAuthRequired, "open provider", errOAuthNotConfigured())
		}
		ts, err := e.oauth.TokenSource(ctx, acct.Email)
		if err != nil {
			return nil, remote.NewError(remote.KindAuthRequired, "open provider", err)
		}
		opts := []gmail.ClientOption{gmail.WithLogger(logger)}
		if qps := e.cfg.Sync.RateLimitQPS; qps > 0 {
			opts = append(opts, gmail.WithRateLimiter(gmail.NewRateLimiter(float64(qps))))
		}
		return gmail.NewProvider(gmail.NewClient(ts, opts...)).WithLogger(logger), nil

	case mail.ProviderIMAP:
		imapCfg, err := e.imapConfigFor(ctx, acct.Email)
		if err != nil {
			return nil, err
		}
		password, err := e.creds.Load(acct.Email)
		if err != nil {
			return nil, remote.NewError(remote.KindAuthRequired, "open provider", err)
		}
		client := imap.NewClient(imapCfg, password, imap.WithLogger(logger))
		return imap.NewProvider(client).WithLogger(logger), nil
	}
	return nil, fmt.Errorf("unsupported provider %q", acct.Provider)
}

// imapConfigFor returns connection settings for email, preferring
// config.toml over settings saved by add-account.
func (e *env) imapConfigFor(ctx context.Context, email string) (*imap.Config, error) {
	if ac := e.cfg.GetAccount(email); ac != nil && ac.IMAP != nil {
		return ac.IMAP, nil
	}
	data, ok, err := e.store.Get(ctx, imapConfigPrefix+strings.ToLower(email))
	if err != nil {
		return nil, fmt.Errorf("load imap settings: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("no imap settings for %s: run add-account or add an [accounts.imap] section", email)
	}
	var c imap.Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse imap settings for %s: %w", email, err)
	}
	return &c, nil
}

func (e *env) saveIMAPConfig(ctx context.Context, email string, c *imap.Config) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return e.store.Set(ctx, imapConfigPrefix+strings.ToLower(email), data)
}

func (e *env) forgetIMAPConfig(ctx context.Context, email string) error {
	return e.store.Remove(ctx, imapConfigPrefix+strings.ToLower(email))
}

// newApp builds the app over the environment and opens it. A passive app
// runs no background refreshes.
func (e *env) newApp(ctx context.Context, passive bool) (*app.App, error) {
	schedules := make(map[string]string)
	for _, ac := range e.cfg.ScheduledAccounts() {
		schedules[ac.Email] = ac.FullSyncSchedule
	}
	a := app.New(app.Deps{
		Store:     e.store,
		Providers: e.providerFactory,
		Sessions:  e.sessions(),
		Logger:    logger,
	}, app.Options{
		Refresh:     e.cfg.RefreshConfig(),
		FetchMax:    e.cfg.Sync.FetchMaxResults,
		EnrichDelay: e.cfg.Sync.EnrichDelay.Duration,
		StatusTTL:   e.cfg.Sync.StatusTTL.Duration,
		Schedules:   schedules,
		Passive:     passive,
	})
	if err := a.Open(ctx); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("open accounts: %w", err)
	}
	return a, nil
}

func (e *env) Close() error {
	return e.store.Close()
}

// openApp opens the environment and the app. The returned cleanup closes
// both.
func openApp(ctx context.Context, passive bool) (*app.App, *env, func(), error) {
	e, err := openEnv(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	a, err := e.newApp(ctx, passive)
	if err != nil {
		_ = e.Close()
		return nil, nil, nil, err
	}
	cleanup := func() {
		if err := a.Close(); err != nil {
			logger.Warn("failed to close app", "error", err)
		}
		_ = e.Close()
	}
	return a, e, cleanup, nil
}
