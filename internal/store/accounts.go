package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wesm/mailmirror/internal/mail"
)

// ErrAccountNotFound is returned when an operation targets an unknown account.
var ErrAccountNotFound = errors.New("account not found")

// UpsertAccount inserts an account or updates its descriptive fields.
// The active flag and last sync time are managed separately.
func (s *Store) UpsertAccount(ctx context.Context, acct mail.Account) error {
	provider := acct.Provider
	if provider == "" {
		provider = mail.ProviderGmail
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (email, provider, display_name, profile_image, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			provider = excluded.provider,
			display_name = excluded.display_name,
			profile_image = excluded.profile_image,
			updated_at = excluded.updated_at
	`, acct.Email, provider, acct.DisplayName, acct.ProfileImage, s.now().UTC(), s.now().UTC())
	if err != nil {
		return fmt.Errorf("upsert account %s: %w", acct.Email, err)
	}
	return nil
}

// GetAccount returns the account with the given email, or nil if not found.
func (s *Store) GetAccount(ctx context.Context, email string) (*mail.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT email, provider, display_name, profile_image, is_active, last_sync_at
		FROM accounts WHERE email = ?
	`, email)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", email, err)
	}
	return acct, nil
}

// ListAccounts returns all accounts ordered by email.
func (s *Store) ListAccounts(ctx context.Context) ([]*mail.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT email, provider, display_name, profile_image, is_active, last_sync_at
		FROM accounts ORDER BY email
	`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []*mail.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

// SetActiveAccount marks email as the only active account.
func (s *Store) SetActiveAccount(ctx context.Context, email string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE accounts SET is_active = 0 WHERE is_active = 1`); err != nil {
			return fmt.Errorf("clear active: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE accounts SET is_active = 1, updated_at = ? WHERE email = ?`, s.now().UTC(), email)
		if err != nil {
			return fmt.Errorf("set active: %w", err)
		}
		return requireRow(res, email)
	})
}

// RecordSync stores the completion time of a successful sync.
func (s *Store) RecordSync(ctx context.Context, email string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET last_sync_at = ?, updated_at = ? WHERE email = ?`,
		at.UTC(), s.now().UTC(), email)
	if err != nil {
		return fmt.Errorf("record sync: %w", err)
	}
	return requireRow(res, email)
}

// RemoveAccount deletes the account row and every kv entry whose key ends
// with ":<email>".
func (s *Store) RemoveAccount(ctx context.Context, email string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE email = ?`, email)
		if err != nil {
			return fmt.Errorf("delete account: %w", err)
		}
		if err := requireRow(res, email); err != nil {
			return err
		}
		suffix := ":" + email
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM kv WHERE substr(key, -length(?)) = ?`, suffix, suffix); err != nil {
			return fmt.Errorf("delete account state: %w", err)
		}
		return nil
	})
}

func requireRow(res sql.Result, email string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", email, ErrAccountNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*mail.Account, error) {
	var acct mail.Account
	var active int
	var lastSync sql.NullTime
	if err := row.Scan(&acct.Email, &acct.Provider, &acct.DisplayName, &acct.ProfileImage, &active, &lastSync); err != nil {
		return nil, err
	}
	acct.IsActive = active != 0
	if lastSync.Valid {
		t := lastSync.Time
		acct.LastSync = &t
	}
	return &acct, nil
}
