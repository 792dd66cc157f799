package gmail

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// MockAPI is an in-memory Gmail for tests. ListMessages understands the
// small query subset the provider generates (in:, is:, -in:, after:) and
// label changes are applied to the stored messages.
type MockAPI struct {
	mu sync.Mutex

	Profile  *Profile
	Messages map[string]*RawMessage

	// Error injection
	ProfileError      error
	ListMessagesError error
	GetMessageError   map[string]error
	ModifyError       error
	TrashError        error
	UntrashError      error

	// Call tracking
	Queries         []string
	GetMessageCalls []string
	ModifyCalls     []ModifyCall
	TrashCalls      []string
	UntrashCalls    []string
}

// ModifyCall records one ModifyLabels call.
type ModifyCall struct {
	ID     string
	Add    []string
	Remove []string
}

// NewMockAPI creates a mock with no messages.
func NewMockAPI() *MockAPI {
	return &MockAPI{
		Messages:        make(map[string]*RawMessage),
		GetMessageError: make(map[string]error),
	}
}

// GetProfile returns the configured profile or a default one.
func (m *MockAPI) GetProfile(ctx context.Context) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ProfileError != nil {
		return nil, m.ProfileError
	}
	if m.Profile != nil {
		return m.Profile, nil
	}
	return &Profile{EmailAddress: "test@example.com", MessagesTotal: int64(len(m.Messages))}, nil
}

// ListMessages returns matching ids newest first, pageSize at a time. Page
// tokens are decimal offsets.
func (m *MockAPI) ListMessages(ctx context.Context, query, pageToken string, pageSize int) (*MessageListResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Queries = append(m.Queries, query)
	if m.ListMessagesError != nil {
		return nil, m.ListMessagesError
	}

	var matched []*RawMessage
	for _, msg := range m.Messages {
		if matchQuery(msg, query) {
			matched = append(matched, msg)
		}
	}
	slices.SortFunc(matched, func(a, b *RawMessage) int {
		if a.InternalDate != b.InternalDate {
			return cmp.Compare(b.InternalDate, a.InternalDate)
		}
		return strings.Compare(a.ID, b.ID)
	})

	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil {
			return nil, fmt.Errorf("invalid page token: %s", pageToken)
		}
		offset = n
	}
	if pageSize <= 0 {
		pageSize = len(matched)
	}
	end := min(offset+pageSize, len(matched))
	resp := &MessageListResponse{ResultSizeEstimate: int64(len(matched))}
	for _, msg := range matched[min(offset, end):end] {
		resp.Messages = append(resp.Messages, MessageID{ID: msg.ID, ThreadID: msg.ThreadID})
	}
	if end < len(matched) {
		resp.NextPageToken = strconv.Itoa(end)
	}
	return resp, nil
}

// matchQuery evaluates the space-separated terms as a conjunction.
func matchQuery(msg *RawMessage, query string) bool {
	for _, term := range strings.Fields(query) {
		neg := strings.HasPrefix(term, "-")
		term = strings.TrimPrefix(term, "-")
		var ok bool
		switch {
		case strings.HasPrefix(term, "in:"), strings.HasPrefix(term, "is:"):
			label := strings.ToUpper(term[3:])
			ok = slices.Contains(msg.LabelIDs, label)
		case strings.HasPrefix(term, "after:"):
			secs, err := strconv.ParseInt(term[len("after:"):], 10, 64)
			ok = err == nil && msg.InternalDate/1000 > secs
		default:
			ok = true
		}
		if ok == neg {
			return false
		}
	}
	return true
}

// GetMessageRaw returns a copy of the stored message.
func (m *MockAPI) GetMessageRaw(ctx context.Context, messageID string) (*RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetMessageCalls = append(m.GetMessageCalls, messageID)
	if err := m.GetMessageError[messageID]; err != nil {
		return nil, err
	}
	msg, ok := m.Messages[messageID]
	if !ok {
		return nil, &NotFoundError{Path: "/messages/" + messageID}
	}
	cp := *msg
	cp.LabelIDs = slices.Clone(msg.LabelIDs)
	return &cp, nil
}

// GetMessagesRawBatch mirrors Client: failed fetches leave nil entries.
func (m *MockAPI) GetMessagesRawBatch(ctx context.Context, messageIDs []string) ([]*RawMessage, error) {
	results := make([]*RawMessage, len(messageIDs))
	for i, id := range messageIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if msg, err := m.GetMessageRaw(ctx, id); err == nil {
			results[i] = msg
		}
	}
	return results, nil
}

// ModifyLabels records the call and applies it.
func (m *MockAPI) ModifyLabels(ctx context.Context, messageID string, add, remove []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ModifyCalls = append(m.ModifyCalls, ModifyCall{ID: messageID, Add: add, Remove: remove})
	if m.ModifyError != nil {
		return m.ModifyError
	}
	msg, ok := m.Messages[messageID]
	if !ok {
		return &NotFoundError{Path: "/messages/" + messageID + "/modify"}
	}
	labels := slices.DeleteFunc(slices.Clone(msg.LabelIDs), func(l string) bool { return slices.Contains(remove, l) })
	for _, l := range add {
		if !slices.Contains(labels, l) {
			labels = append(labels, l)
		}
	}
	msg.LabelIDs = labels
	return nil
}

// TrashMessage records the call and moves the message to TRASH.
func (m *MockAPI) TrashMessage(ctx context.Context, messageID string) error {
	m.mu.Lock()
	m.TrashCalls = append(m.TrashCalls, messageID)
	err := m.TrashError
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.ModifyLabels(ctx, messageID, []string{"TRASH"}, []string{"INBOX"})
}

// UntrashMessage records the call and restores the message to INBOX.
func (m *MockAPI) UntrashMessage(ctx context.Context, messageID string) error {
	m.mu.Lock()
	m.UntrashCalls = append(m.UntrashCalls, messageID)
	err := m.UntrashError
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.ModifyLabels(ctx, messageID, []string{"INBOX"}, []string{"TRASH"})
}

// Close is a no-op for the mock.
func (m *MockAPI) Close() error {
	return nil
}

// AddMessage stores a message. internalDateMs is Unix milliseconds.
func (m *MockAPI) AddMessage(id string, raw []byte, internalDateMs int64, labelIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Messages == nil {
		m.Messages = make(map[string]*RawMessage)
	}
	m.Messages[id] = &RawMessage{
		ID:           id,
		ThreadID:     "thread_" + id,
		LabelIDs:     labelIDs,
		Raw:          raw,
		SizeEstimate: int64(len(raw)),
		InternalDate: internalDateMs,
	}
}

// Labels returns the current labels of a stored message.
func (m *MockAPI) Labels(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.Messages[id]; ok {
		return slices.Clone(msg.LabelIDs)
	}
	return nil
}

var _ API = (*MockAPI)(nil)
