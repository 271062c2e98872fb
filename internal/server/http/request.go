package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"TalquiChat/internal/domain"
)

const maxBodyBytes = 1 << 20

type validationError struct {
	Field  string
	Reason string
}

func (e *validationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func missing(field string) error {
	return &validationError{Field: field, Reason: "missing required parameter in the JSON body"}
}

// Absent and null fields decode to nil pointers, so both count as missing.
type chatRequestBody struct {
	History        *[]domain.HistoryTurn `json:"history"`
	Inputs         map[string]any        `json:"inputs"`
	Query          *string               `json:"query"`
	ContactID      *string               `json:"contactID"`
	ResponseMode   *string               `json:"response_mode"`
	ConversationID *string               `json:"conversation_id"`
	RetrieverFrom  *string               `json:"retriever_from"`
}

// decodeChatRequest parses and validates the submit-chat payload.
func decodeChatRequest(body io.Reader) (domain.ChatRequest, error) {
	var raw chatRequestBody

	// reading to EOF lets the server notice a client that goes away mid-stream
	data, err := io.ReadAll(io.LimitReader(body, maxBodyBytes))
	if err != nil {
		return domain.ChatRequest{}, fmt.Errorf("read body: %w", err)
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return domain.ChatRequest{}, &validationError{
				Field:  typeErr.Field,
				Reason: fmt.Sprintf("must be %s", jsonKind(typeErr.Field)),
			}
		}
		return domain.ChatRequest{}, fmt.Errorf("invalid json body: %w", err)
	}

	switch {
	case raw.History == nil:
		return domain.ChatRequest{}, missing("history")
	case raw.Inputs == nil:
		return domain.ChatRequest{}, missing("inputs")
	case raw.Query == nil:
		return domain.ChatRequest{}, missing("query")
	case raw.ContactID == nil:
		return domain.ChatRequest{}, missing("contactID")
	}

	req := domain.ChatRequest{
		History:       *raw.History,
		Inputs:        raw.Inputs,
		Query:         *raw.Query,
		ContactID:     *raw.ContactID,
		ResponseMode:  domain.ResponseModeBlocking,
		RetrieverFrom: domain.DefaultRetrieverFrom,
	}

	if raw.ResponseMode != nil {
		switch *raw.ResponseMode {
		case domain.ResponseModeBlocking, domain.ResponseModeStreaming:
			req.ResponseMode = *raw.ResponseMode
		default:
			return domain.ChatRequest{}, &validationError{
				Field:  "response_mode",
				Reason: fmt.Sprintf("%q is not a valid choice", *raw.ResponseMode),
			}
		}
	}

	if raw.ConversationID != nil && *raw.ConversationID != "" {
		id, err := uuid.Parse(*raw.ConversationID)
		if err != nil {
			return domain.ChatRequest{}, &validationError{Field: "conversation_id", Reason: "is not a valid uuid"}
		}
		req.ConversationID = id.String()
	}

	if raw.RetrieverFrom != nil {
		req.RetrieverFrom = *raw.RetrieverFrom
	}

	return req, nil
}

func jsonKind(field string) string {
	switch field {
	case "history":
		return "a list"
	case "inputs":
		return "an object"
	default:
		return "a string"
	}
}

// parseID normalizes a path uuid; ok is false for malformed ids.
func parseID(s string) (string, bool) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", false
	}
	return id.String(), true
}
