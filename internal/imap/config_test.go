package imap

import (
	"context"
	"errors"
	"testing"

	"github.com/wesm/mailmirror/internal/remote"
)

func TestConfig_AddrAndIdentifier(t *testing.T) {
	tests := []struct {
		cfg      Config
		wantAddr string
		wantID   string
	}{
		{Config{Host: "mail.example.com", TLS: true, Username: "me@example.com"}, "mail.example.com:993", "imaps://me@example.com@mail.example.com:993"},
		{Config{Host: "mail.example.com", STARTTLS: true, Username: "me"}, "mail.example.com:143", "imap://me@mail.example.com:143"},
		{Config{Host: "localhost", Port: 1143, Username: "me"}, "localhost:1143", "imap://me@localhost:1143"},
	}
	for _, tt := range tests {
		if got := tt.cfg.Addr(); got != tt.wantAddr {
			t.Errorf("Addr() = %q, want %q", got, tt.wantAddr)
		}
		if got := tt.cfg.Identifier(); got != tt.wantID {
			t.Errorf("Identifier() = %q, want %q", got, tt.wantID)
		}
	}
}

func TestParseIdentifier(t *testing.T) {
	cfg, err := ParseIdentifier("imaps://me@mail.example.com:994")
	if err != nil {
		t.Fatalf("ParseIdentifier: %v", err)
	}
	if !cfg.TLS || cfg.Host != "mail.example.com" || cfg.Port != 994 || cfg.Username != "me" {
		t.Errorf("cfg = %+v", cfg)
	}

	for _, bad := range []string{"pop3://me@host", "imap://host", "imaps://me@host:port"} {
		if _, err := ParseIdentifier(bad); err == nil {
			t.Errorf("ParseIdentifier(%q) succeeded", bad)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := (&Config{Host: "h", Username: "u", TLS: true, STARTTLS: true}).Validate(); err == nil {
		t.Error("expected error for tls+starttls")
	}
	if err := (&Config{Username: "u"}).Validate(); err == nil {
		t.Error("expected error for missing host")
	}
}

func TestCredentialStore(t *testing.T) {
	store := NewCredentialStore(t.TempDir())
	ctx := context.Background()

	if store.HasSession("me@example.com") {
		t.Fatal("HasSession before save")
	}
	err := store.RefreshIfNeeded(ctx, "me@example.com")
	if remote.KindOf(err) != remote.KindAuthRequired || !errors.Is(err, ErrNoCredentials) {
		t.Errorf("RefreshIfNeeded without credentials = %v", err)
	}

	if err := store.Save("Me@Example.com", "hunter2"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !store.HasSession("me@example.com") {
		t.Error("HasSession should ignore case")
	}
	pw, err := store.Load("me@example.com")
	if err != nil || pw != "hunter2" {
		t.Errorf("Load = %q, %v", pw, err)
	}
	if err := store.RefreshIfNeeded(ctx, "me@example.com"); err != nil {
		t.Errorf("RefreshIfNeeded = %v", err)
	}

	if err := store.Delete("me@example.com"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete("me@example.com"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
	if _, err := store.Load("me@example.com"); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("Load after delete = %v", err)
	}
}
