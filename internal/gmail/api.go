// Package gmail talks to the Gmail REST API and adapts it to the mirror's
// provider contract.
package gmail

import "context"

// Reader provides read access to a mailbox.
type Reader interface {
	// GetProfile returns the authenticated user's profile.
	GetProfile(ctx context.Context) (*Profile, error)

	// ListMessages returns one page of message ids matching query. An empty
	// NextPageToken in the response means there are no more pages.
	ListMessages(ctx context.Context, query, pageToken string, pageSize int) (*MessageListResponse, error)

	// GetMessageRaw fetches a single message with raw MIME data.
	GetMessageRaw(ctx context.Context, messageID string) (*RawMessage, error)

	// GetMessagesRawBatch fetches messages in parallel. Results are in input
	// order; a message that failed to fetch is nil.
	GetMessagesRawBatch(ctx context.Context, messageIDs []string) ([]*RawMessage, error)
}

// Modifier changes labels and trash state of messages.
type Modifier interface {
	// ModifyLabels adds and removes label ids on a message.
	ModifyLabels(ctx context.Context, messageID string, add, remove []string) error

	// TrashMessage moves a message to trash.
	TrashMessage(ctx context.Context, messageID string) error

	// UntrashMessage restores a message from trash.
	UntrashMessage(ctx context.Context, messageID string) error
}

// API is the subset of Gmail the mirror uses. It is an interface so tests
// can run against MockAPI.
type API interface {
	Reader
	Modifier

	// Close releases any resources held by the client.
	Close() error
}

// Profile is the authenticated user's mailbox profile.
type Profile struct {
	EmailAddress  string
	MessagesTotal int64
	HistoryID     uint64
}

// MessageListResponse is one page of message references.
type MessageListResponse struct {
	Messages           []MessageID
	NextPageToken      string
	ResultSizeEstimate int64
}

// MessageID references a message from a list call.
type MessageID struct {
	ID       string
	ThreadID string
}

// RawMessage is a message with its raw MIME data.
type RawMessage struct {
	ID           string
	ThreadID     string
	LabelIDs     []string
	Snippet      string
	HistoryID    uint64
	InternalDate int64 // Unix milliseconds
	SizeEstimate int64
	Raw          []byte // decoded from base64url
}
