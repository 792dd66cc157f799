package mcp

import (
	"context"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/wesm/mailmirror/internal/app"
	"github.com/wesm/mailmirror/internal/category"
	"github.com/wesm/mailmirror/internal/filter"
	"github.com/wesm/mailmirror/internal/mail"
	"github.com/wesm/mailmirror/internal/mutation"
	"github.com/wesm/mailmirror/internal/remote"
)

// Tool name constants.
const (
	ToolListMessages = "list_messages"
	ToolGetMessage   = "get_message"
	ToolMarkMessage  = "mark_message"
	ToolListAccounts = "list_accounts"
	ToolGetStatus    = "get_status"
	ToolRefresh      = "refresh"
)

// Backend is the part of the app the tools use. *app.App implements it.
type Backend interface {
	Accounts() []mail.Account
	Status() app.Status
	View(ctx context.Context, account string, spec filter.Spec, order filter.Order) ([]mail.Item, error)
	Item(account, id string) (mail.Item, error)
	Mutate(ctx context.Context, account, id string, op remote.Operation) (*mutation.Pending, error)
	Refresh(ctx context.Context) error
}

// Common argument helpers for recurring tool option definitions.

func withLimit(defaultDesc string) mcp.ToolOption {
	return mcp.WithNumber("limit",
		mcp.Description("Maximum results to return (default "+defaultDesc+")"),
	)
}

func withOffset() mcp.ToolOption {
	return mcp.WithNumber("offset",
		mcp.Description("Number of results to skip for pagination (default 0)"),
	)
}

func withAccount() mcp.ToolOption {
	return mcp.WithString("account",
		mcp.Description("Account email (default: the active account)"),
	)
}

// NewServer builds the MCP server with the mailbox tools registered.
func NewServer(backend Backend) *server.MCPServer {
	s := server.NewMCPServer(
		"mailmirror",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	h := &handlers{backend: backend}

	s.AddTool(listMessagesTool(), h.listMessages)
	s.AddTool(getMessageTool(), h.getMessage)
	s.AddTool(markMessageTool(), h.markMessage)
	s.AddTool(listAccountsTool(), h.listAccounts)
	s.AddTool(getStatusTool(), h.getStatus)
	s.AddTool(refreshTool(), h.refresh)
	return s
}

// Serve serves the mailbox tools over stdio. It blocks until stdin is
// closed or the context is cancelled.
func Serve(ctx context.Context, backend Backend) error {
	stdio := server.NewStdioServer(NewServer(backend))
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

func categoryNames() []string {
	names := make([]string, len(category.All))
	for i, c := range category.All {
		names[i] = string(c)
	}
	return names
}

func operationNames() []string {
	names := make([]string, len(remote.Operations))
	for i, op := range remote.Operations {
		names[i] = string(op)
	}
	return names
}

func listMessagesTool() mcp.Tool {
	return mcp.NewTool(ToolListMessages,
		mcp.WithDescription("List cached messages of an account, optionally filtered by category, query or free text. Tags are OR-ed; a query overrides tags."),
		mcp.WithReadOnlyHintAnnotation(true),
		withAccount(),
		mcp.WithString("tags",
			mcp.Description("Comma-separated categories: "+strings.Join(categoryNames(), ", ")),
		),
		mcp.WithString("query",
			mcp.Description("Search query (e.g. 'from:alice is:unread subject:invoice')"),
		),
		mcp.WithString("search",
			mcp.Description("Free text; every term must match subject, sender or body"),
		),
		mcp.WithString("order",
			mcp.Description("Sort order"),
			mcp.Enum("date", "priority"),
		),
		withLimit("20"),
		withOffset(),
	)
}

func getMessageTool() mcp.Tool {
	return mcp.NewTool(ToolGetMessage,
		mcp.WithDescription("Get a cached message including body, labels, categories and suggested action."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Message ID"),
		),
		withAccount(),
	)
}

func markMessageTool() mcp.Tool {
	return mcp.NewTool(ToolMarkMessage,
		mcp.WithDescription("Apply an operation to a message. The change is made locally at once and then confirmed with the provider; a rejected change is rolled back."),
		mcp.WithString("id",
			mcp.Required(),
			mcp.Description("Message ID"),
		),
		mcp.WithString("operation",
			mcp.Required(),
			mcp.Description("Operation to apply"),
			mcp.Enum(operationNames()...),
		),
		withAccount(),
	)
}

func listAccountsTool() mcp.Tool {
	return mcp.NewTool(ToolListAccounts,
		mcp.WithDescription("List connected accounts and which one is active."),
		mcp.WithReadOnlyHintAnnotation(true),
	)
}

func getStatusTool() mcp.Tool {
	return mcp.NewTool(ToolGetStatus,
		mcp.WithDescription("Get sync status of the active account: loading, refreshing, re-authentication needed, refresh schedule."),
		mcp.WithReadOnlyHintAnnotation(true),
	)
}

func refreshTool() mcp.Tool {
	return mcp.NewTool(ToolRefresh,
		mcp.WithDescription("Fetch new mail for the active account now."),
	)
}
