package http

import (
	"context"
	"errors"
	"net/http"

	"golang.org/x/exp/slog"

	"TalquiChat/internal/domain"
	"TalquiChat/internal/lib/logger/sl"
	"TalquiChat/internal/storage"
)

// POST /talqui/apps/{app_id}/chat-messages
func (a *API) chatMessages(w http.ResponseWriter, r *http.Request) {
	const op = "http.chatMessages"

	log := a.log.With(
		slog.String("op", op),
		slog.String("request_id", requestID(r.Context())),
	)

	req, err := decodeChatRequest(r.Body)
	if err != nil {
		var vErr *validationError
		if errors.As(err, &vErr) {
			writeErr(w, http.StatusBadRequest, "validation_error", vErr.Error())
			return
		}
		writeErr(w, http.StatusBadRequest, "bad_json", "invalid json body")
		return
	}

	ctx := r.Context()

	app, err := a.resolveApp(ctx, r.PathValue("app_id"), r.Header.Get(tenantHeader))
	if err != nil {
		a.writeFailure(w, log, err)
		return
	}

	user, err := a.users.ResolveEndUser(ctx, app, req.ContactID)
	if err != nil {
		a.writeFailure(w, log, err)
		return
	}

	result, err := a.completions.Invoke(ctx, app, user, req, domain.SourceServiceAPI, req.Streaming())
	if err != nil {
		a.writeFailure(w, log, err)
		return
	}

	if err := compact(result)(w, r); err != nil {
		// the client already has its status line; only log
		log.Error("response interrupted", slog.String("app_id", app.ID), sl.Err(err))
	}
}

// GET /talqui/apps/{app_id}/messages/{message_id}
func (a *API) messageDetail(w http.ResponseWriter, r *http.Request) {
	const op = "http.messageDetail"

	log := a.log.With(
		slog.String("op", op),
		slog.String("request_id", requestID(r.Context())),
	)
	ctx := r.Context()

	app, err := a.resolveApp(ctx, r.PathValue("app_id"), r.Header.Get(tenantHeader))
	if err != nil {
		a.writeFailure(w, log, err)
		return
	}

	messageID, ok := parseID(r.PathValue("message_id"))
	if !ok {
		a.writeFailure(w, log, storage.ErrMessageNotFound)
		return
	}

	msg, err := a.messages.FindMessage(ctx, messageID, app.ID)
	if err != nil {
		a.writeFailure(w, log, err)
		return
	}

	writeJSON(w, http.StatusOK, domain.NewMessageDetail(msg))
}

// resolveApp loads the app within the tenant. Malformed ids cannot match
// any app and are reported as not found without a lookup.
func (a *API) resolveApp(ctx context.Context, rawAppID, rawTenantID string) (*domain.App, error) {
	appID, ok := parseID(rawAppID)
	if !ok {
		return nil, storage.ErrAppNotFound
	}
	tenantID, ok := parseID(rawTenantID)
	if !ok {
		return nil, storage.ErrAppNotFound
	}

	return a.apps.FindApp(ctx, appID, tenantID)
}

// writeFailure maps collaborator errors to statuses. Only the not-found
// family is surfaced; everything else becomes an opaque 500.
func (a *API) writeFailure(w http.ResponseWriter, log *slog.Logger, err error) {
	switch {
	case errors.Is(err, storage.ErrAppNotFound):
		writeErr(w, http.StatusNotFound, "app_not_found", "App not found.")
	case errors.Is(err, storage.ErrMessageNotFound):
		writeErr(w, http.StatusNotFound, "message_not_found", "Message Not Exists.")
	case errors.Is(err, storage.ErrConversationNotFound):
		writeErr(w, http.StatusNotFound, "conversation_not_found", "Conversation Not Exists.")
	default:
		log.Error("internal server error", sl.Err(err))
		writeErr(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
