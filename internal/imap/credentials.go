package imap

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wesm/mailmirror/internal/fileutil"
	"github.com/wesm/mailmirror/internal/remote"
)

// ErrNoCredentials is returned when no password is stored for an account.
var ErrNoCredentials = errors.New("no stored imap credentials")

type credentialsFile struct {
	Password string `json:"password"`
}

// CredentialStore keeps IMAP passwords in owner-only files, one per account.
// It implements remote.Sessions: a stored password is a valid session.
type CredentialStore struct {
	dir string
}

// NewCredentialStore returns a store rooted at dir.
func NewCredentialStore(dir string) *CredentialStore {
	return &CredentialStore{dir: dir}
}

func (s *CredentialStore) path(account string) string {
	hash := sha256.Sum256([]byte(strings.ToLower(account)))
	return filepath.Join(s.dir, fmt.Sprintf("imap_%x.json", hash[:8]))
}

// Save stores the password for account.
func (s *CredentialStore) Save(account, password string) error {
	if err := fileutil.SecureMkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	data, err := json.Marshal(credentialsFile{Password: password})
	if err != nil {
		return err
	}
	if err := fileutil.SecureWriteFile(s.path(account), data, 0600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// Load returns the stored password for account.
func (s *CredentialStore) Load(account string) (string, error) {
	data, err := os.ReadFile(s.path(account))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%s: %w", account, ErrNoCredentials)
		}
		return "", fmt.Errorf("read credentials: %w", err)
	}
	var creds credentialsFile
	if err := json.Unmarshal(data, &creds); err != nil {
		return "", fmt.Errorf("parse credentials: %w", err)
	}
	return creds.Password, nil
}

// Delete removes the stored password. Missing files are not an error.
func (s *CredentialStore) Delete(account string) error {
	err := os.Remove(s.path(account))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove credentials: %w", err)
	}
	return nil
}

// HasSession reports whether a password is stored for account.
func (s *CredentialStore) HasSession(account string) bool {
	_, err := os.Stat(s.path(account))
	return err == nil
}

// RefreshIfNeeded only checks that a password exists; IMAP passwords do not
// expire on their own.
func (s *CredentialStore) RefreshIfNeeded(_ context.Context, account string) error {
	if !s.HasSession(account) {
		return remote.NewError(remote.KindAuthRequired, "refresh session", fmt.Errorf("%s: %w", account, ErrNoCredentials))
	}
	return nil
}

var _ remote.Sessions = (*CredentialStore)(nil)
