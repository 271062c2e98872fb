package http

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"TalquiChat/internal/domain"
)

func TestDecodeChatRequest(t *testing.T) {
	req, err := decodeChatRequest(strings.NewReader(`{
		"history": [{"role": "user", "content": "hello"}, {"role": "assistant", "content": "hi!"}],
		"inputs": {"name": "Ana", "age": 31},
		"query": "how are you?",
		"contactID": "5511999990000",
		"response_mode": "streaming",
		"conversation_id": "8B2D1E0F-9A8B-4C6D-8E4F-3A2B1C0D9E8F",
		"retriever_from": "whatsapp"
	}`))
	require.NoError(t, err)

	require.Equal(t, domain.ChatRequest{
		History: []domain.HistoryTurn{
			{Role: "user", Content: "hello"},
			{Role: "assistant", Content: "hi!"},
		},
		Inputs:         map[string]any{"name": "Ana", "age": float64(31)},
		Query:          "how are you?",
		ContactID:      "5511999990000",
		ResponseMode:   domain.ResponseModeStreaming,
		ConversationID: "8b2d1e0f-9a8b-4c6d-8e4f-3a2b1c0d9e8f",
		RetrieverFrom:  "whatsapp",
	}, req)
	require.True(t, req.Streaming())
}

func TestDecodeChatRequest_Defaults(t *testing.T) {
	req, err := decodeChatRequest(strings.NewReader(
		`{"history":[],"inputs":{},"query":"","contactID":"c1","response_mode":null,"conversation_id":""}`))
	require.NoError(t, err)

	require.Equal(t, domain.ResponseModeBlocking, req.ResponseMode)
	require.Equal(t, domain.DefaultRetrieverFrom, req.RetrieverFrom)
	require.Empty(t, req.ConversationID)
	require.Empty(t, req.Query)
	require.NotNil(t, req.History)
	require.False(t, req.Streaming())
}

func TestDecodeChatRequest_AnyContactString(t *testing.T) {
	for _, contact := range []string{"", "  ", "+55 11 99999-0000"} {
		req, err := decodeChatRequest(strings.NewReader(
			`{"history":[],"inputs":{},"query":"q","contactID":"` + contact + `"}`))
		require.NoError(t, err)
		require.Equal(t, contact, req.ContactID)
	}
}

func TestDecodeChatRequest_Errors(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		field string
	}{
		{name: "inputs is a list", body: `{"history":[],"inputs":[],"query":"q","contactID":"c"}`, field: "inputs"},
		{name: "query is a number", body: `{"history":[],"inputs":{},"query":5,"contactID":"c"}`, field: "query"},
		{name: "null contact", body: `{"history":[],"inputs":{},"query":"q","contactID":null}`, field: "contactID"},
		{name: "empty response mode", body: `{"history":[],"inputs":{},"query":"q","contactID":"c","response_mode":""}`, field: "response_mode"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decodeChatRequest(strings.NewReader(tc.body))
			require.Error(t, err)

			var vErr *validationError
			require.ErrorAs(t, err, &vErr)
			require.Equal(t, tc.field, vErr.Field)
		})
	}
}
