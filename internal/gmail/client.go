package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBaseURL = "https://gmail.googleapis.com/gmail/v1"
	defaultRetries = 6
	maxBackoff     = 60 // seconds
)

// Client implements API over the Gmail REST endpoints.
type Client struct {
	httpClient  *http.Client
	rateLimiter *RateLimiter
	logger      *slog.Logger
	baseURL     string
	userID      string
	concurrency int
	maxRetries  int
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithConcurrency sets the max parallel requests for batch fetches.
func WithConcurrency(n int) ClientOption {
	return func(c *Client) { c.concurrency = max(n, 1) }
}

// WithRateLimiter sets a custom rate limiter.
func WithRateLimiter(rl *RateLimiter) ClientOption {
	return func(c *Client) { c.rateLimiter = rl }
}

// WithBaseURL points the client at another endpoint, e.g. a test server.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithMaxRetries bounds retries of transient failures.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) { c.maxRetries = max(n, 0) }
}

// NewClient creates a Gmail client that authenticates with tokenSource.
func NewClient(tokenSource oauth2.TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		httpClient:  oauth2.NewClient(context.Background(), tokenSource),
		logger:      slog.Default(),
		baseURL:     defaultBaseURL,
		userID:      "me",
		concurrency: 10,
		maxRetries:  defaultRetries,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rateLimiter == nil {
		c.rateLimiter = NewRateLimiter(defaultQPS)
	}
	return c
}

// Close releases resources held by the client.
func (c *Client) Close() error {
	return nil
}

// NotFoundError indicates a 404 response.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Path)
}

// StatusError is a non-retryable HTTP failure.
type StatusError struct {
	Code int
	Path string
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request %s failed (%d): %s", e.Path, e.Code, e.Body)
}

// IsUnauthorized reports whether the response means the credentials are no
// longer accepted.
func (e *StatusError) IsUnauthorized() bool {
	return e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden
}

// request performs one API call with rate limiting and retries. 429s and
// quota 403s throttle the limiter; 5xx and network errors back off.
func (c *Client) request(ctx context.Context, op Operation, method, path string, body []byte) ([]byte, error) {
	if err := c.rateLimiter.Acquire(ctx, op); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := backoffFor(attempt)
			c.logger.Debug("retrying gmail request", "attempt", attempt, "backoff", backoff, "path", path)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			var rerr *oauth2.RetrieveError
			if errors.As(err, &rerr) || ctx.Err() != nil {
				return nil, err
			}
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		switch code := resp.StatusCode; {
		case code >= 200 && code < 300:
			return data, nil
		case code == http.StatusTooManyRequests:
			c.logger.Debug("rate limited, backing off", "path", path)
			c.rateLimiter.Throttle(30 * time.Second)
			lastErr = errors.New("rate limited (429)")
		case code == http.StatusForbidden && isRateLimitError(data):
			c.logger.Debug("quota exceeded, backing off", "path", path)
			c.rateLimiter.Throttle(60 * time.Second)
			lastErr = errors.New("quota exceeded (403)")
		case code >= 500:
			lastErr = fmt.Errorf("server error (%d)", code)
		case code == http.StatusNotFound:
			return nil, &NotFoundError{Path: path}
		default:
			return nil, &StatusError{Code: code, Path: path, Body: strings.TrimSpace(string(data))}
		}
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// backoffFor returns an exponential backoff with full jitter.
func backoffFor(attempt int) time.Duration {
	base := min(float64(uint(1)<<uint(attempt)), maxBackoff)
	return time.Duration(rand.Float64() * base * float64(time.Second))
}

// isRateLimitError reports whether a 403 body is a quota error rather than
// a permission error.
func isRateLimitError(body []byte) bool {
	for _, marker := range []string{"rateLimitExceeded", "RATE_LIMIT_EXCEEDED", "Quota exceeded", "userRateLimitExceeded"} {
		if bytes.Contains(body, []byte(marker)) {
			return true
		}
	}
	return false
}

type profileResponse struct {
	EmailAddress  string `json:"emailAddress"`
	MessagesTotal int64  `json:"messagesTotal"`
	HistoryID     string `json:"historyId"`
}

type messageRef struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

type listMessagesResponse struct {
	Messages           []messageRef `json:"messages"`
	NextPageToken      string       `json:"nextPageToken"`
	ResultSizeEstimate int64        `json:"resultSizeEstimate"`
}

type rawMessageResponse struct {
	ID           string   `json:"id"`
	ThreadID     string   `json:"threadId"`
	LabelIDs     []string `json:"labelIds"`
	Snippet      string   `json:"snippet"`
	HistoryID    string   `json:"historyId"`
	InternalDate string   `json:"internalDate"`
	SizeEstimate int64    `json:"sizeEstimate"`
	Raw          string   `json:"raw"`
}

// decodeBase64URL accepts padded and unpadded base64url.
func decodeBase64URL(s string) ([]byte, error) {
	if strings.ContainsRune(s, '=') {
		return base64.URLEncoding.DecodeString(s)
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// GetProfile returns the authenticated user's profile.
func (c *Client) GetProfile(ctx context.Context) (*Profile, error) {
	data, err := c.request(ctx, OpProfile, http.MethodGet, "/users/"+c.userID+"/profile", nil)
	if err != nil {
		return nil, err
	}
	var resp profileResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	historyID, _ := strconv.ParseUint(resp.HistoryID, 10, 64)
	return &Profile{
		EmailAddress:  resp.EmailAddress,
		MessagesTotal: resp.MessagesTotal,
		HistoryID:     historyID,
	}, nil
}

// ListMessages returns one page of message ids matching query.
func (c *Client) ListMessages(ctx context.Context, query, pageToken string, pageSize int) (*MessageListResponse, error) {
	params := url.Values{}
	params.Set("maxResults", strconv.Itoa(min(max(pageSize, 1), 500)))
	if query != "" {
		params.Set("q", query)
	}
	if pageToken != "" {
		params.Set("pageToken", pageToken)
	}

	data, err := c.request(ctx, OpMessagesList, http.MethodGet, "/users/"+c.userID+"/messages?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var resp listMessagesResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse messages: %w", err)
	}
	out := &MessageListResponse{
		Messages:           make([]MessageID, len(resp.Messages)),
		NextPageToken:      resp.NextPageToken,
		ResultSizeEstimate: resp.ResultSizeEstimate,
	}
	for i, m := range resp.Messages {
		out.Messages[i] = MessageID(m)
	}
	return out, nil
}

// GetMessageRaw fetches a single message with raw MIME data.
func (c *Client) GetMessageRaw(ctx context.Context, messageID string) (*RawMessage, error) {
	path := fmt.Sprintf("/users/%s/messages/%s?format=raw", c.userID, url.PathEscape(messageID))
	data, err := c.request(ctx, OpMessagesGetRaw, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var resp rawMessageResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	raw, err := decodeBase64URL(resp.Raw)
	if err != nil {
		return nil, fmt.Errorf("decode raw MIME: %w", err)
	}
	historyID, _ := strconv.ParseUint(resp.HistoryID, 10, 64)
	internalDate, _ := strconv.ParseInt(resp.InternalDate, 10, 64)
	return &RawMessage{
		ID:           resp.ID,
		ThreadID:     resp.ThreadID,
		LabelIDs:     resp.LabelIDs,
		Snippet:      resp.Snippet,
		HistoryID:    historyID,
		InternalDate: internalDate,
		SizeEstimate: resp.SizeEstimate,
		Raw:          raw,
	}, nil
}

// GetMessagesRawBatch fetches messages in parallel, leaving nil entries for
// messages that failed.
func (c *Client) GetMessagesRawBatch(ctx context.Context, messageIDs []string) ([]*RawMessage, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	results := make([]*RawMessage, len(messageIDs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, id := range messageIDs {
		g.Go(func() error {
			msg, err := c.GetMessageRaw(ctx, id)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.Warn("failed to fetch message", "id", id, "error", err)
				return nil
			}
			results[i] = msg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ModifyLabels adds and removes label ids on a message.
func (c *Client) ModifyLabels(ctx context.Context, messageID string, add, remove []string) error {
	body, err := json.Marshal(struct {
		AddLabelIDs    []string `json:"addLabelIds,omitempty"`
		RemoveLabelIDs []string `json:"removeLabelIds,omitempty"`
	}{add, remove})
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	path := fmt.Sprintf("/users/%s/messages/%s/modify", c.userID, url.PathEscape(messageID))
	_, err = c.request(ctx, OpMessagesModify, http.MethodPost, path, body)
	return err
}

// TrashMessage moves a message to trash.
func (c *Client) TrashMessage(ctx context.Context, messageID string) error {
	path := fmt.Sprintf("/users/%s/messages/%s/trash", c.userID, url.PathEscape(messageID))
	_, err := c.request(ctx, OpMessagesTrash, http.MethodPost, path, nil)
	return err
}

// UntrashMessage restores a message from trash.
func (c *Client) UntrashMessage(ctx context.Context, messageID string) error {
	path := fmt.Sprintf("/users/%s/messages/%s/untrash", c.userID, url.PathEscape(messageID))
	_, err := c.request(ctx, OpMessagesUntrash, http.MethodPost, path, nil)
	return err
}

var _ API = (*Client)(nil)
