package http

import (
	"context"
	"encoding/json"
	"net/http"

	"golang.org/x/exp/slog"

	"TalquiChat/internal/domain"
)

const tenantHeader = "x-tenant-id"

type AppResolver interface {
	FindApp(ctx context.Context, appID, tenantID string) (*domain.App, error)
}

type IdentityResolver interface {
	ResolveEndUser(ctx context.Context, app *domain.App, contactID string) (*domain.EndUser, error)
}

type CompletionInvoker interface {
	Invoke(
		ctx context.Context,
		app *domain.App,
		user *domain.EndUser,
		req domain.ChatRequest,
		source string,
		streaming bool,
	) (domain.CompletionResult, error)
}

type MessageLookup interface {
	FindMessage(ctx context.Context, messageID, appID string) (*domain.Message, error)
}

type API struct {
	log         *slog.Logger
	apps        AppResolver
	users       IdentityResolver
	completions CompletionInvoker
	messages    MessageLookup
}

func NewAPI(
	log *slog.Logger,
	apps AppResolver,
	users IdentityResolver,
	completions CompletionInvoker,
	messages MessageLookup,
) *API {
	return &API{
		log:         log,
		apps:        apps,
		users:       users,
		completions: completions,
		messages:    messages,
	}
}

// Routes registers the talqui endpoints on a new mux.
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /talqui/apps/{app_id}/chat-messages", a.chatMessages)
	mux.HandleFunc("GET /talqui/apps/{app_id}/messages/{message_id}", a.messageDetail)
	mux.HandleFunc("GET /health", healthHandler)
	return mux
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResp struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, apiErrorResp{Error: apiError{Code: code, Message: msg}})
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "talqui-chat"})
}
