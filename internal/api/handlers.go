package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/wesm/mailmirror/internal/app"
	"github.com/wesm/mailmirror/internal/category"
	"github.com/wesm/mailmirror/internal/filter"
	"github.com/wesm/mailmirror/internal/lifecycle"
	"github.com/wesm/mailmirror/internal/mail"
	"github.com/wesm/mailmirror/internal/mutation"
	"github.com/wesm/mailmirror/internal/remote"
	"github.com/wesm/mailmirror/internal/scheduler"
)

// AccountInfo represents an account in list responses.
type AccountInfo struct {
	Email       string `json:"email"`
	Provider    string `json:"provider"`
	DisplayName string `json:"display_name,omitempty"`
	Active      bool   `json:"active"`
	LastSyncAt  string `json:"last_sync_at,omitempty"`
}

// AddAccountRequest is the body of POST /accounts.
type AddAccountRequest struct {
	Email       string `json:"email"`
	Provider    string `json:"provider,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// EventRequest is the body of POST /events.
type EventRequest struct {
	Kind    string `json:"kind"`
	Account string `json:"account,omitempty"`
}

// MessageSummary represents a message in list responses.
type MessageSummary struct {
	ID              string   `json:"id"`
	ThreadID        string   `json:"thread_id,omitempty"`
	Subject         string   `json:"subject"`
	From            string   `json:"from"`
	To              []string `json:"to"`
	SentAt          string   `json:"sent_at"`
	Labels          []string `json:"labels"`
	Categories      []string `json:"categories"`
	IsRead          bool     `json:"is_read"`
	IsStarred       bool     `json:"is_starred"`
	Priority        string   `json:"priority"`
	RequiresAction  bool     `json:"requires_action"`
	SuggestedAction string   `json:"suggested_action,omitempty"`
	SyncStatus      string   `json:"sync_status"`
}

// MessageDetail represents a full message response.
type MessageDetail struct {
	MessageSummary
	Body    string `json:"body"`
	Version int64  `json:"version"`
}

// ListResult is a page of a filtered view.
type ListResult struct {
	Account  string           `json:"account"`
	Total    int              `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
	Messages []MessageSummary `json:"messages"`
}

// MutationResponse reports a mutation. State is "applied" until the
// provider has answered.
type MutationResponse struct {
	State   string        `json:"state"`
	Message MessageDetail `json:"message"`
	Error   string        `json:"error,omitempty"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

const timeFormat = "2006-01-02T15:04:05Z"

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, err string, message string) {
	writeJSON(w, status, ErrorResponse{Error: err, Message: message})
}

// writeAppError maps app and provider errors onto HTTP statuses.
func (s *Server) writeAppError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, app.ErrUnknownAccount):
		writeError(w, http.StatusNotFound, "unknown_account", err.Error())
	case errors.Is(err, app.ErrNoActive):
		writeError(w, http.StatusConflict, "no_active_account", "No account is connected")
	case errors.Is(err, app.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "Shutting down")
	case errors.Is(err, scheduler.ErrTickInFlight), errors.Is(err, scheduler.ErrTooSoon):
		writeError(w, http.StatusConflict, "refresh_busy", err.Error())
	default:
		switch remote.KindOf(err) {
		case remote.KindNotFound:
			writeError(w, http.StatusNotFound, "not_found", "Message not found")
		case remote.KindAuthRequired:
			writeError(w, http.StatusForbidden, "reauth_required", app.MsgReauth)
		case remote.KindCanceled:
			writeError(w, http.StatusGatewayTimeout, "canceled", err.Error())
		case remote.KindTransient:
			s.logger.Warn(op+" failed", "error", err)
			writeError(w, http.StatusBadGateway, "provider_error", err.Error())
		default:
			s.logger.Error(op+" failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
	}
}

func toSummary(it mail.Item) MessageSummary {
	from := it.Sender.Address
	if it.Sender.Name != "" {
		from = it.Sender.Name + " <" + it.Sender.Address + ">"
	}
	return MessageSummary{
		ID:              it.ID,
		ThreadID:        it.ThreadID,
		Subject:         it.Subject,
		From:            from,
		To:              it.Recipients,
		SentAt:          it.Timestamp.UTC().Format(timeFormat),
		Labels:          it.Labels,
		Categories:      category.Categorize(it).Strings(),
		IsRead:          it.IsRead,
		IsStarred:       it.IsStarred,
		Priority:        it.Priority.String(),
		RequiresAction:  it.RequiresAction,
		SuggestedAction: it.SuggestedAction,
		SyncStatus:      string(it.SyncStatus),
	}
}

func toDetail(it mail.Item) MessageDetail {
	return MessageDetail{MessageSummary: toSummary(it), Body: it.Content, Version: it.Version}
}

// handleStatus returns the status of the active account.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Status())
}

// handleListAccounts returns all connected accounts.
func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts := []AccountInfo{}
	for _, a := range s.backend.Accounts() {
		info := AccountInfo{
			Email:       a.Email,
			Provider:    a.Provider,
			DisplayName: a.DisplayName,
			Active:      a.IsActive,
		}
		if a.LastSync != nil {
			info.LastSyncAt = a.LastSync.UTC().Format(timeFormat)
		}
		accounts = append(accounts, info)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accounts": accounts,
	})
}

// handleAddAccount connects an account.
func (s *Server) handleAddAccount(w http.ResponseWriter, r *http.Request) {
	var req AddAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Request body must be JSON")
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		writeError(w, http.StatusBadRequest, "missing_account", "Account email is required")
		return
	}
	info := mail.Account{Email: req.Email, Provider: req.Provider, DisplayName: req.DisplayName}
	if err := s.backend.AddAccount(r.Context(), info); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_account", err.Error())
		return
	}
	s.logger.Info("account added via API", "account", req.Email)
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created", "email": req.Email})
}

// handleRemoveAccount disconnects an account and discards its data.
func (s *Server) handleRemoveAccount(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	if err := s.backend.RemoveAccount(r.Context(), account); err != nil {
		s.writeAppError(w, "remove account", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleActivate makes an account the active one.
func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	if err := s.backend.SwitchAccount(r.Context(), account); err != nil {
		s.writeAppError(w, "switch account", err)
		return
	}
	writeJSON(w, http.StatusOK, s.backend.Status())
}

// parseSpec reads the filter from query parameters: repeated or
// comma-separated "tag", "query" and free-text "q".
func parseSpec(r *http.Request) (filter.Spec, error) {
	q := r.URL.Query()
	var spec filter.Spec
	for _, raw := range q["tag"] {
		for _, name := range strings.Split(raw, ",") {
			if strings.TrimSpace(name) == "" {
				continue
			}
			c, err := category.ParseCategory(name)
			if err != nil {
				return filter.Spec{}, err
			}
			spec.Tags = append(spec.Tags, c)
		}
	}
	spec.Query = q.Get("query")
	spec.Search = q.Get("q")
	return spec, nil
}

// handleListMessages returns a page of the filtered, sorted view.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	spec, err := parseSpec(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_tag", err.Error())
		return
	}
	order, err := filter.ParseOrder(r.URL.Query().Get("order"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_order", err.Error())
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	account := r.URL.Query().Get("account")
	items, err := s.backend.View(r.Context(), account, spec, order)
	if err != nil {
		s.writeAppError(w, "list messages", err)
		return
	}
	if account == "" {
		account = s.backend.Status().Account
	}

	start := min((page-1)*pageSize, len(items))
	end := min(start+pageSize, len(items))
	summaries := make([]MessageSummary, 0, end-start)
	for _, it := range items[start:end] {
		summaries = append(summaries, toSummary(it))
	}

	writeJSON(w, http.StatusOK, ListResult{
		Account:  account,
		Total:    len(items),
		Page:     page,
		PageSize: pageSize,
		Messages: summaries,
	})
}

// handleGetMessage returns a single message by ID.
func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	it, err := s.backend.Item(r.URL.Query().Get("account"), id)
	if err != nil {
		s.writeAppError(w, "get message", err)
		return
	}
	writeJSON(w, http.StatusOK, toDetail(it))
}

// handleMutate applies an operation optimistically. With wait=true the
// response is delayed until the provider has answered.
func (s *Server) handleMutate(w http.ResponseWriter, r *http.Request) {
	op, err := remote.ParseOperation(chi.URLParam(r, "op"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_operation", err.Error())
		return
	}
	account := r.URL.Query().Get("account")
	id := chi.URLParam(r, "id")

	p, err := s.backend.Mutate(r.Context(), account, id, op)
	if err != nil {
		s.writeAppError(w, "mutate", err)
		return
	}

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		it, err := s.backend.Item(account, id)
		if err != nil {
			s.writeAppError(w, "mutate", err)
			return
		}
		writeJSON(w, http.StatusAccepted, MutationResponse{State: string(mutation.StateApplied), Message: toDetail(it)})
		return
	}

	res, err := p.Wait(r.Context())
	if err != nil {
		s.writeAppError(w, "mutate", err)
		return
	}
	resp := MutationResponse{State: string(res.State), Message: toDetail(res.Applied)}
	if res.Snapshot != nil {
		resp.Message = toDetail(*res.Snapshot)
	}
	status := http.StatusOK
	if res.Err != nil {
		resp.Error = res.Err.Error()
		status = http.StatusBadGateway
		if remote.KindOf(res.Err) == remote.KindAuthRequired {
			status = http.StatusForbidden
		}
	}
	writeJSON(w, status, resp)
}

// handleRefresh runs a manual refresh of the active account.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Refresh(r.Context()); err != nil {
		s.writeAppError(w, "refresh", err)
		return
	}
	writeJSON(w, http.StatusOK, s.backend.Status())
}

// handleFullSync refetches every category of an account.
func (s *Server) handleFullSync(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	summary, err := s.backend.FullSync(r.Context(), account)
	if err != nil {
		s.writeAppError(w, "full sync", err)
		return
	}
	s.logger.Info("full sync via API", "account", account, "added", summary.Added)
	writeJSON(w, http.StatusOK, summary)
}

// handleEvent forwards a lifecycle event to the app.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "events_unavailable", "Lifecycle events are not enabled")
		return
	}
	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Request body must be JSON")
		return
	}
	kind, err := lifecycle.ParseKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_event", err.Error())
		return
	}
	if kind == lifecycle.ExternalUpdate && req.Account == "" {
		req.Account = s.backend.Status().Account
	}

	e := lifecycle.Event{Kind: kind, Account: req.Account, At: time.Now()}
	if err := s.events.Publish(r.Context(), e); err != nil {
		if errors.Is(err, lifecycle.ErrClosed) {
			writeError(w, http.StatusServiceUnavailable, "events_unavailable", "Shutting down")
			return
		}
		s.writeAppError(w, "publish event", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "kind": string(kind)})
}
