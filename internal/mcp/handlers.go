package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/wesm/mailmirror/internal/category"
	"github.com/wesm/mailmirror/internal/filter"
	"github.com/wesm/mailmirror/internal/mail"
	"github.com/wesm/mailmirror/internal/remote"
	"github.com/wesm/mailmirror/internal/scheduler"
)

const maxLimit = 1000

type handlers struct {
	backend Backend
}

// message is the tool view of an item.
type message struct {
	ID              string   `json:"id"`
	Subject         string   `json:"subject"`
	From            string   `json:"from"`
	To              []string `json:"to,omitempty"`
	SentAt          string   `json:"sent_at"`
	Categories      []string `json:"categories"`
	Labels          []string `json:"labels,omitempty"`
	IsRead          bool     `json:"is_read"`
	IsStarred       bool     `json:"is_starred"`
	Priority        string   `json:"priority"`
	RequiresAction  bool     `json:"requires_action,omitempty"`
	SuggestedAction string   `json:"suggested_action,omitempty"`
	SyncStatus      string   `json:"sync_status"`
	Body            string   `json:"body,omitempty"`
}

type listResult struct {
	Account  string    `json:"account"`
	Total    int       `json:"total"`
	Messages []message `json:"messages"`
}

type markResult struct {
	State   string  `json:"state"`
	Message message `json:"message"`
	Error   string  `json:"error,omitempty"`
}

func toMessage(it mail.Item, withBody bool) message {
	from := it.Sender.Address
	if it.Sender.Name != "" {
		from = fmt.Sprintf("%s <%s>", it.Sender.Name, it.Sender.Address)
	}
	m := message{
		ID:              it.ID,
		Subject:         it.Subject,
		From:            from,
		To:              it.Recipients,
		SentAt:          it.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
		Categories:      category.Categorize(it).Strings(),
		Labels:          it.Labels,
		IsRead:          it.IsRead,
		IsStarred:       it.IsStarred,
		Priority:        it.Priority.String(),
		RequiresAction:  it.RequiresAction,
		SuggestedAction: it.SuggestedAction,
		SyncStatus:      string(it.SyncStatus),
	}
	if withBody {
		m.Body = it.Content
	}
	return m
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}

func specArgs(args map[string]any) (filter.Spec, error) {
	var spec filter.Spec
	for _, name := range strings.Split(stringArg(args, "tags"), ",") {
		if strings.TrimSpace(name) == "" {
			continue
		}
		c, err := category.ParseCategory(name)
		if err != nil {
			return filter.Spec{}, err
		}
		spec.Tags = append(spec.Tags, c)
	}
	spec.Query = stringArg(args, "query")
	spec.Search = stringArg(args, "search")
	return spec, nil
}

// errorResult turns an app error into a tool error with a readable reason.
func errorResult(op string, err error) *mcp.CallToolResult {
	switch {
	case remote.KindOf(err) == remote.KindAuthRequired:
		return mcp.NewToolResultError(op + " failed: the account needs to sign in again")
	case remote.KindOf(err) == remote.KindNotFound:
		return mcp.NewToolResultError(op + " failed: message not found")
	case errors.Is(err, scheduler.ErrTooSoon), errors.Is(err, scheduler.ErrTickInFlight):
		return mcp.NewToolResultError(op + " skipped: " + err.Error())
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", op, err))
}

func (h *handlers) listMessages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()

	spec, err := specArgs(args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	order, err := filter.ParseOrder(stringArg(args, "order"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	account := stringArg(args, "account")

	items, err := h.backend.View(ctx, account, spec, order)
	if err != nil {
		return errorResult("list", err), nil
	}
	if account == "" {
		account = h.backend.Status().Account
	}

	limit := limitArg(args, "limit", 20)
	offset := min(limitArg(args, "offset", 0), len(items))
	end := min(offset+limit, len(items))

	res := listResult{Account: account, Total: len(items), Messages: make([]message, 0, end-offset)}
	for _, it := range items[offset:end] {
		res.Messages = append(res.Messages, toMessage(it, false))
	}
	return jsonResult(res)
}

func (h *handlers) getMessage(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	id := stringArg(args, "id")
	if id == "" {
		return mcp.NewToolResultError("id parameter is required"), nil
	}
	it, err := h.backend.Item(stringArg(args, "account"), id)
	if err != nil {
		return errorResult("get message", err), nil
	}
	return jsonResult(toMessage(it, true))
}

func (h *handlers) markMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	id := stringArg(args, "id")
	if id == "" {
		return mcp.NewToolResultError("id parameter is required"), nil
	}
	op, err := remote.ParseOperation(stringArg(args, "operation"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	p, err := h.backend.Mutate(ctx, stringArg(args, "account"), id, op)
	if err != nil {
		return errorResult(string(op), err), nil
	}
	res, err := p.Wait(ctx)
	if err != nil {
		return errorResult(string(op), err), nil
	}

	out := markResult{State: string(res.State), Message: toMessage(res.Applied, false)}
	if res.Snapshot != nil {
		out.Message = toMessage(*res.Snapshot, false)
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return jsonResult(out)
}

func (h *handlers) listAccounts(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(h.backend.Accounts())
}

func (h *handlers) getStatus(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(h.backend.Status())
}

func (h *handlers) refresh(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := h.backend.Refresh(ctx); err != nil {
		return errorResult("refresh", err), nil
	}
	return jsonResult(h.backend.Status())
}

func limitArg(args map[string]any, key string, def int) int {
	v, ok := args[key].(float64)
	if !ok {
		return def
	}
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if math.IsInf(v, 1) || v > float64(maxLimit) {
		return maxLimit
	}
	return int(v)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal error: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
