package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/wesm/mailmirror/internal/remote"
)

// tokenServer fakes the token endpoint. A refresh token of "revoked" gets
// invalid_grant.
type tokenServer struct {
	*httptest.Server
	calls atomic.Int32
}

func newTokenServer(t *testing.T) *tokenServer {
	t.Helper()
	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.calls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("refresh_token") == "revoked" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Write([]byte(`{"access_token":"refreshed","token_type":"Bearer","expires_in":3600}`))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func setupTestManager(t *testing.T, tokenURL string) *Manager {
	t.Helper()
	cfg := &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams},
		Scopes:       Scopes,
	}
	return newManager(cfg, filepath.Join(t.TempDir(), "tokens"), nil)
}

func writeToken(t *testing.T, m *Manager, email string, tok oauth2.Token) {
	t.Helper()
	if err := m.saveToken(email, &tok); err != nil {
		t.Fatalf("saveToken: %v", err)
	}
}

func TestHasSession(t *testing.T) {
	m := setupTestManager(t, "http://unused")
	now := time.Now()

	writeToken(t, m, "refreshable@example.com", oauth2.Token{AccessToken: "a", RefreshToken: "r", Expiry: now.Add(-time.Hour)})
	writeToken(t, m, "live@example.com", oauth2.Token{AccessToken: "a", Expiry: now.Add(time.Hour)})
	writeToken(t, m, "dead@example.com", oauth2.Token{AccessToken: "a", Expiry: now.Add(-time.Hour)})

	tests := []struct {
		account string
		want    bool
	}{
		{"refreshable@example.com", true},
		{"live@example.com", true},
		{"dead@example.com", false},
		{"missing@example.com", false},
	}
	for _, tt := range tests {
		if got := m.HasSession(tt.account); got != tt.want {
			t.Errorf("HasSession(%s) = %v, want %v", tt.account, got, tt.want)
		}
	}
}

func TestRefreshIfNeeded(t *testing.T) {
	srv := newTokenServer(t)
	m := setupTestManager(t, srv.URL)
	ctx := context.Background()
	now := time.Now()

	writeToken(t, m, "fresh@example.com", oauth2.Token{AccessToken: "a", RefreshToken: "r", Expiry: now.Add(time.Hour)})
	if err := m.RefreshIfNeeded(ctx, "fresh@example.com"); err != nil {
		t.Fatalf("RefreshIfNeeded(fresh) = %v", err)
	}
	if n := srv.calls.Load(); n != 0 {
		t.Errorf("fresh token hit the token endpoint %d times", n)
	}

	writeToken(t, m, "expiring@example.com", oauth2.Token{AccessToken: "old", RefreshToken: "r", Expiry: now.Add(time.Minute)})
	if err := m.RefreshIfNeeded(ctx, "expiring@example.com"); err != nil {
		t.Fatalf("RefreshIfNeeded(expiring) = %v", err)
	}
	tok, err := m.loadToken("expiring@example.com")
	if err != nil {
		t.Fatalf("loadToken: %v", err)
	}
	if tok.AccessToken != "refreshed" || tok.RefreshToken != "r" {
		t.Errorf("stored token = %+v, want refreshed access token keeping refresh token", tok)
	}

	writeToken(t, m, "revoked@example.com", oauth2.Token{AccessToken: "a", RefreshToken: "revoked", Expiry: now.Add(-time.Hour)})
	err = m.RefreshIfNeeded(ctx, "revoked@example.com")
	if remote.KindOf(err) != remote.KindAuthRequired {
		t.Errorf("revoked refresh = %v, want auth required", err)
	}

	err = m.RefreshIfNeeded(ctx, "missing@example.com")
	if remote.KindOf(err) != remote.KindAuthRequired || !errors.Is(err, ErrNoToken) {
		t.Errorf("missing token = %v, want auth required", err)
	}

	writeToken(t, m, "norefresh@example.com", oauth2.Token{AccessToken: "a", Expiry: now.Add(-time.Hour)})
	if err := m.RefreshIfNeeded(ctx, "norefresh@example.com"); remote.KindOf(err) != remote.KindAuthRequired {
		t.Errorf("expired without refresh token = %v, want auth required", err)
	}
}

func TestRefreshIfNeeded_CorruptToken(t *testing.T) {
	m := setupTestManager(t, "http://unused")
	if err := os.MkdirAll(m.tokensDir, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(m.tokenPath("bad@example.com"), []byte("{"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := m.RefreshIfNeeded(context.Background(), "bad@example.com"); remote.KindOf(err) != remote.KindDecode {
		t.Errorf("corrupt token = %v, want decode error", err)
	}
}

func TestTokenSource_PersistsRefresh(t *testing.T) {
	srv := newTokenServer(t)
	m := setupTestManager(t, srv.URL)
	writeToken(t, m, "me@example.com", oauth2.Token{AccessToken: "old", RefreshToken: "r", Expiry: time.Now().Add(-time.Hour)})

	ts, err := m.TokenSource(context.Background(), "me@example.com")
	if err != nil {
		t.Fatalf("TokenSource: %v", err)
	}
	tok, err := ts.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.AccessToken != "refreshed" {
		t.Errorf("AccessToken = %q", tok.AccessToken)
	}

	data, err := os.ReadFile(m.tokenPath("me@example.com"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if tf.AccessToken != "refreshed" || len(tf.Scopes) != len(Scopes) {
		t.Errorf("persisted token = %+v", tf)
	}

	if _, err := m.TokenSource(context.Background(), "missing@example.com"); !errors.Is(err, ErrNoToken) {
		t.Errorf("TokenSource(missing) = %v", err)
	}
}

func TestTokenPath(t *testing.T) {
	m := setupTestManager(t, "http://unused")
	tests := []struct {
		name  string
		email string
	}{
		{"plain", "user@gmail.com"},
		{"slashes", "../../etc/passwd"},
		{"backslashes", `..\..\secret`},
		{"dots only", ".."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := m.tokenPath(tt.email)
			if !strings.HasPrefix(path, filepath.Clean(m.tokensDir)+string(filepath.Separator)) {
				t.Errorf("tokenPath(%q) = %q escapes %q", tt.email, path, m.tokensDir)
			}
		})
	}
	if m.tokenPath("User@Gmail.com") != m.tokenPath("user@gmail.com") {
		t.Error("tokenPath should ignore case")
	}
}

func TestDeleteToken(t *testing.T) {
	m := setupTestManager(t, "http://unused")
	writeToken(t, m, "me@example.com", oauth2.Token{AccessToken: "a"})
	if err := m.DeleteToken("me@example.com"); err != nil {
		t.Fatalf("DeleteToken: %v", err)
	}
	if m.HasSession("me@example.com") {
		t.Error("session survived DeleteToken")
	}
	if err := m.DeleteToken("me@example.com"); err != nil {
		t.Errorf("second DeleteToken: %v", err)
	}
}

func TestCallbackHandler(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		wantCode string
		wantErr  bool
	}{
		{"success", "?state=s1&code=abc", "abc", false},
		{"state mismatch", "?state=evil&code=abc", "", true},
		{"missing code", "?state=s1", "", true},
		{"denied", "?state=s1&error=access_denied", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codes := make(chan string, 1)
			errs := make(chan error, 1)
			h := newCallbackHandler("s1", codes, errs)
			h(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, callbackPath+tt.query, nil))

			select {
			case code := <-codes:
				if tt.wantErr || code != tt.wantCode {
					t.Errorf("code = %q, wantErr %v", code, tt.wantErr)
				}
			case err := <-errs:
				if !tt.wantErr {
					t.Errorf("unexpected error: %v", err)
				}
			default:
				t.Error("handler delivered nothing")
			}
		})
	}
}
