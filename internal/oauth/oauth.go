// Package oauth manages Gmail OAuth2 tokens per account and exposes them as
// provider sessions.
package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/wesm/mailmirror/internal/fileutil"
	"github.com/wesm/mailmirror/internal/remote"
)

// Scopes lets the mirror read messages and change their labels.
var Scopes = []string{
	"https://www.googleapis.com/auth/gmail.modify",
}

// RefreshWindow is how close to expiry a token is refreshed proactively.
const RefreshWindow = 5 * time.Minute

// ErrNoToken is returned when no token is stored for an account.
var ErrNoToken = errors.New("no stored oauth token")

// Manager acquires, stores and refreshes OAuth2 tokens, one file per
// account. It implements remote.Sessions.
type Manager struct {
	config    *oauth2.Config
	tokensDir string
	logger    *slog.Logger
	now       func() time.Time

	mu sync.Mutex // serializes token file writes
}

// NewManager creates a manager from a Google client secrets file.
func NewManager(clientSecretsPath, tokensDir string, logger *slog.Logger) (*Manager, error) {
	data, err := os.ReadFile(clientSecretsPath)
	if err != nil {
		return nil, fmt.Errorf("read client secrets: %w", err)
	}
	config, err := google.ConfigFromJSON(data, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse client secrets: %w", err)
	}
	return newManager(config, tokensDir, logger), nil
}

func newManager(config *oauth2.Config, tokensDir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{config: config, tokensDir: tokensDir, logger: logger, now: time.Now}
}

// tokenFile is the on-disk form: the token plus the scopes it was granted.
type tokenFile struct {
	oauth2.Token
	Scopes []string `json:"scopes,omitempty"`
}

func (m *Manager) loadToken(email string) (*oauth2.Token, error) {
	data, err := os.ReadFile(m.tokenPath(email))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", email, ErrNoToken)
		}
		return nil, err
	}
	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse token for %s: %w", email, err)
	}
	return &tf.Token, nil
}

func (m *Manager) saveToken(email string, token *oauth2.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := fileutil.SecureMkdirAll(m.tokensDir, 0700); err != nil {
		return fmt.Errorf("create tokens dir: %w", err)
	}
	data, err := json.MarshalIndent(tokenFile{Token: *token, Scopes: m.config.Scopes}, "", "  ")
	if err != nil {
		return err
	}
	return fileutil.SecureWriteFile(m.tokenPath(email), data, 0600)
}

// tokenPath maps an email to a file inside tokensDir. Names that would
// escape the directory fall back to a hash.
func (m *Manager) tokenPath(email string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(strings.ToLower(email))
	path := filepath.Clean(filepath.Join(m.tokensDir, safe+".json"))
	if !strings.HasPrefix(path, filepath.Clean(m.tokensDir)+string(filepath.Separator)) {
		return filepath.Join(m.tokensDir, fmt.Sprintf("%x.json", sha256.Sum256([]byte(email))))
	}
	return path
}

// HasSession reports whether a usable token is stored for account: one
// with a refresh token or an unexpired access token.
func (m *Manager) HasSession(account string) bool {
	tok, err := m.loadToken(account)
	if err != nil {
		return false
	}
	return tok.RefreshToken != "" || m.fresh(tok, 0)
}

func (m *Manager) fresh(tok *oauth2.Token, window time.Duration) bool {
	if tok.AccessToken == "" {
		return false
	}
	return tok.Expiry.IsZero() || tok.Expiry.After(m.now().Add(window))
}

// RefreshIfNeeded refreshes the account's token when it expires within
// RefreshWindow. A missing token or a rejected refresh is KindAuthRequired.
func (m *Manager) RefreshIfNeeded(ctx context.Context, account string) error {
	const op = "refresh session"
	tok, err := m.loadToken(account)
	if err != nil {
		if errors.Is(err, ErrNoToken) {
			return remote.NewError(remote.KindAuthRequired, op, err)
		}
		return remote.NewError(remote.KindDecode, op, err)
	}
	if m.fresh(tok, RefreshWindow) {
		return nil
	}
	if tok.RefreshToken == "" {
		return remote.NewError(remote.KindAuthRequired, op, fmt.Errorf("%s: token expired and cannot be refreshed", account))
	}

	expired := *tok
	expired.Expiry = m.now().Add(-time.Minute)
	fresh, err := m.config.TokenSource(ctx, &expired).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return remote.NewError(remote.KindAuthRequired, op, err)
		}
		return remote.Classify(op, err)
	}
	if err := m.saveToken(account, fresh); err != nil {
		m.logger.Warn("failed to save refreshed token", "account", account, "error", err)
	}
	m.logger.Debug("refreshed oauth token", "account", account, "expiry", fresh.Expiry)
	return nil
}

// TokenSource returns an auto-refreshing source for account that persists
// refreshed tokens.
func (m *Manager) TokenSource(ctx context.Context, account string) (oauth2.TokenSource, error) {
	tok, err := m.loadToken(account)
	if err != nil {
		return nil, err
	}
	return &persistingSource{
		base:    oauth2.ReuseTokenSource(tok, m.config.TokenSource(ctx, tok)),
		manager: m,
		account: account,
		last:    tok.AccessToken,
	}, nil
}

type persistingSource struct {
	base    oauth2.TokenSource
	manager *Manager
	account string

	mu   sync.Mutex
	last string
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	changed := tok.AccessToken != s.last
	s.last = tok.AccessToken
	s.mu.Unlock()
	if changed {
		if err := s.manager.saveToken(s.account, tok); err != nil {
			s.manager.logger.Warn("failed to save refreshed token", "account", s.account, "error", err)
		}
	}
	return tok, nil
}

// DeleteToken removes the stored token. A missing token is not an error.
func (m *Manager) DeleteToken(email string) error {
	err := os.Remove(m.tokenPath(email))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Authorize runs an interactive grant for email and stores the token. The
// device flow is used when headless is set, otherwise a browser is opened.
func (m *Manager) Authorize(ctx context.Context, email string, out io.Writer, headless bool) error {
	var (
		token *oauth2.Token
		err   error
	)
	if headless {
		token, err = m.deviceFlow(ctx, out)
	} else {
		token, err = m.browserFlow(ctx, out)
	}
	if err != nil {
		return err
	}
	return m.saveToken(email, token)
}

const callbackPath = "/callback"

// newCallbackHandler delivers the authorization code from the redirect.
func newCallbackHandler(expectedState string, codes chan<- string, errs chan<- error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != expectedState {
			errs <- errors.New("state mismatch in oauth callback")
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		}
		if e := q.Get("error"); e != "" {
			errs <- fmt.Errorf("authorization denied: %s", e)
			fmt.Fprintln(w, "Authorization was denied. You can close this window.")
			return
		}
		code := q.Get("code")
		if code == "" {
			errs <- errors.New("no code in oauth callback")
			http.Error(w, "missing authorization code", http.StatusBadRequest)
			return
		}
		codes <- code
		fmt.Fprintln(w, "Authorization successful! You can close this window.")
	}
}

// browserFlow runs the loopback redirect flow with PKCE.
func (m *Manager) browserFlow(ctx context.Context, out io.Writer) (*oauth2.Token, error) {
	stateBytes := make([]byte, 16)
	if _, err := rand.Read(stateBytes); err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	state := base64.RawURLEncoding.EncodeToString(stateBytes)
	verifier := oauth2.GenerateVerifier()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen for oauth callback: %w", err)
	}
	codes := make(chan string, 1)
	errs := make(chan error, 2)
	mux := http.NewServeMux()
	mux.Handle(callbackPath, newCallbackHandler(state, codes, errs))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()
	defer func() { _ = server.Shutdown(context.Background()) }()

	cfg := *m.config
	cfg.RedirectURL = "http://" + ln.Addr().String() + callbackPath
	authURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce, oauth2.S256ChallengeOption(verifier))

	fmt.Fprintf(out, "Opening browser for authorization...\nIf it does not open, visit:\n%s\n\n", authURL)
	if err := openBrowser(authURL); err != nil {
		m.logger.Warn("failed to open browser", "error", err)
	}

	select {
	case code := <-codes:
		return cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	case err := <-errs:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// deviceFlow uses the device authorization grant for headless machines.
func (m *Manager) deviceFlow(ctx context.Context, out io.Writer) (*oauth2.Token, error) {
	resp, err := m.config.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("request device code: %w", err)
	}
	fmt.Fprintf(out, "\nTo authorize mailmirror, visit:\n  %s\n\nAnd enter code: %s\n\nWaiting for authorization...\n",
		resp.VerificationURI, resp.UserCode)
	token, err := m.config.DeviceAccessToken(ctx, resp)
	if err != nil {
		return nil, fmt.Errorf("device authorization: %w", err)
	}
	fmt.Fprintln(out, "Authorization successful!")
	return token, nil
}

func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
	return cmd.Start()
}

var _ remote.Sessions = (*Manager)(nil)
