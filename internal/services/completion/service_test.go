package completion

import (
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"TalquiChat/internal/domain"
	"TalquiChat/internal/lib/logger/handlers/slogdiscard"
	"TalquiChat/internal/storage"
)

type completed struct {
	id      string
	answer  string
	tokens  int
	latency time.Duration
	ctxErr  error
}

type mockStorage struct {
	conversation *domain.Conversation
	findErr      error
	createErr    error

	createdConversations []domain.Conversation
	createdMessages      []domain.Message
	completed            []completed
}

func (m *mockStorage) FindConversation(_ context.Context, conversationID, appID string) (*domain.Conversation, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	if m.conversation == nil || m.conversation.ID != conversationID || m.conversation.AppID != appID {
		return nil, storage.ErrConversationNotFound
	}
	return m.conversation, nil
}

func (m *mockStorage) CreateConversation(_ context.Context, c domain.Conversation, _ string, _ map[string]any) (*domain.Conversation, error) {
	if m.createErr != nil {
		return nil, m.createErr
	}
	c.ID = "conv-new"
	m.createdConversations = append(m.createdConversations, c)
	return &c, nil
}

func (m *mockStorage) CreateMessage(_ context.Context, msg domain.Message) (*domain.Message, error) {
	msg.ID = "msg-1"
	msg.CreatedAt = time.Unix(1700000000, 0)
	m.createdMessages = append(m.createdMessages, msg)
	return &msg, nil
}

func (m *mockStorage) CompleteMessage(ctx context.Context, messageID, answer string, answerTokens int, latency time.Duration) error {
	m.completed = append(m.completed, completed{id: messageID, answer: answer, tokens: answerTokens, latency: latency, ctxErr: ctx.Err()})
	return nil
}

type mockGenerator struct {
	answer string
	deltas []string
	err    error

	// afterAnswer runs once the answer is produced, before it is returned
	afterAnswer func()

	requests []domain.Request
	stopped  bool
}

func (g *mockGenerator) Generate(_ context.Context, request domain.Request) (domain.Response, error) {
	g.requests = append(g.requests, request)
	if g.err != nil {
		return domain.Response{}, g.err
	}
	if g.afterAnswer != nil {
		g.afterAnswer()
	}
	return domain.Response{UUID: request.UUID, Response: g.answer}, nil
}

func (g *mockGenerator) Stream(_ context.Context, request domain.Request) (iter.Seq2[string, error], error) {
	g.requests = append(g.requests, request)
	return func(yield func(string, error) bool) {
		for _, d := range g.deltas {
			if !yield(d, nil) {
				g.stopped = true
				return
			}
		}
		if g.afterAnswer != nil {
			g.afterAnswer()
		}
		if g.err != nil {
			yield("", g.err)
		}
	}, nil
}

var (
	testApp  = &domain.App{ID: "app-1", TenantID: "tenant-1", ModelName: "talqui-7b", PrePrompt: "You help {{name}}."}
	testUser = &domain.EndUser{ID: "user-1", SessionID: "c1"}
)

func newService(st Storage, gen Generator) *Service {
	return New(slogdiscard.NewDiscardLogger(), st, gen, "default-model", 2)
}

func TestInvoke_Blocking(t *testing.T) {
	st := &mockStorage{}
	gen := &mockGenerator{answer: "Hello Ana"}

	res, err := newService(st, gen).Invoke(context.Background(), testApp, testUser, domain.ChatRequest{
		Inputs: map[string]any{"name": "Ana"},
		Query:  "hi",
	}, domain.SourceServiceAPI, false)
	require.NoError(t, err)

	require.Equal(t, domain.ResultBlocking, res.Kind)
	require.Nil(t, res.Chunks)
	require.Equal(t, "message", res.Answer.Event)
	require.Equal(t, "Hello Ana", res.Answer.Answer)
	require.Equal(t, "msg-1", res.Answer.ID)
	require.Equal(t, "conv-new", res.Answer.ConversationID)
	require.EqualValues(t, 1700000000, res.Answer.CreatedAt)

	require.Len(t, gen.requests, 1)
	require.Equal(t, res.Answer.TaskID, gen.requests[0].UUID)
	require.Equal(t, "talqui-7b", gen.requests[0].ModelName)
	require.Equal(t, "system: You help Ana.\nuser: hi", gen.requests[0].Message)

	require.Len(t, st.createdConversations, 1)
	require.Equal(t, "user-1", st.createdConversations[0].EndUserID)
	require.Equal(t, "hi", st.createdConversations[0].Name)

	require.Len(t, st.createdMessages, 1)
	require.Equal(t, domain.SourceServiceAPI, st.createdMessages[0].FromSource)
	require.Equal(t, "user-1", st.createdMessages[0].FromEndUserID)
	require.JSONEq(t, `[{"role":"system","content":"You help Ana."},{"role":"user","content":"hi"}]`, string(st.createdMessages[0].Message))

	require.Len(t, st.completed, 1)
	require.Equal(t, "Hello Ana", st.completed[0].answer)
}

func TestInvoke_BlockingGeneratorFailure(t *testing.T) {
	st := &mockStorage{}
	gen := &mockGenerator{err: errors.New("backend unavailable")}

	_, err := newService(st, gen).Invoke(context.Background(), testApp, testUser, domain.ChatRequest{Query: "hi"}, domain.SourceServiceAPI, false)
	require.Error(t, err)
	require.Empty(t, st.completed)
}

func TestInvoke_StreamingYieldsInOrder(t *testing.T) {
	st := &mockStorage{}
	gen := &mockGenerator{deltas: []string{"Hel", "lo ", "Ana"}}

	res, err := newService(st, gen).Invoke(context.Background(), testApp, testUser, domain.ChatRequest{Query: "hi"}, domain.SourceServiceAPI, true)
	require.NoError(t, err)
	require.Equal(t, domain.ResultStreaming, res.Kind)

	var got []domain.Chunk
	for c, err := range res.Chunks {
		require.NoError(t, err)
		got = append(got, c)
	}

	require.Len(t, got, 4)
	require.Equal(t, []string{"Hel", "lo ", "Ana", ""}, []string{got[0].Answer, got[1].Answer, got[2].Answer, got[3].Answer})
	require.Equal(t, "message", got[0].Event)
	require.Equal(t, "message_end", got[3].Event)
	for _, c := range got {
		require.Equal(t, "msg-1", c.ID)
		require.Equal(t, "conv-new", c.ConversationID)
	}

	require.Len(t, st.completed, 1)
	require.Equal(t, "Hello Ana", st.completed[0].answer)
}

func TestInvoke_StreamingAbandoned(t *testing.T) {
	st := &mockStorage{}
	gen := &mockGenerator{deltas: []string{"a", "b", "c"}}

	res, err := newService(st, gen).Invoke(context.Background(), testApp, testUser, domain.ChatRequest{Query: "hi"}, domain.SourceServiceAPI, true)
	require.NoError(t, err)

	for c := range res.Chunks {
		require.Equal(t, "a", c.Answer)
		break
	}

	require.True(t, gen.stopped)
	require.Empty(t, st.completed)
}

func TestInvoke_StreamingFailureMidway(t *testing.T) {
	st := &mockStorage{}
	gen := &mockGenerator{deltas: []string{"a"}, err: errors.New("socket closed")}

	res, err := newService(st, gen).Invoke(context.Background(), testApp, testUser, domain.ChatRequest{Query: "hi"}, domain.SourceServiceAPI, true)
	require.NoError(t, err)

	var answers []string
	var streamErr error
	for c, err := range res.Chunks {
		if err != nil {
			streamErr = err
			break
		}
		answers = append(answers, c.Answer)
	}

	require.Equal(t, []string{"a"}, answers)
	require.ErrorContains(t, streamErr, "socket closed")
	require.Empty(t, st.completed)
}

func TestInvoke_ExistingConversation(t *testing.T) {
	st := &mockStorage{conversation: &domain.Conversation{ID: "conv-1", AppID: "app-1", EndUserID: "user-1"}}
	gen := &mockGenerator{answer: "ok"}

	res, err := newService(st, gen).Invoke(context.Background(), testApp, testUser,
		domain.ChatRequest{Query: "again", ConversationID: "conv-1"}, domain.SourceServiceAPI, false)
	require.NoError(t, err)

	require.Equal(t, "conv-1", res.Answer.ConversationID)
	require.Empty(t, st.createdConversations)
}

func TestInvoke_ForeignConversationRejected(t *testing.T) {
	cases := []struct {
		name string
		conv *domain.Conversation
	}{
		{name: "other app", conv: &domain.Conversation{ID: "conv-1", AppID: "app-2", EndUserID: "user-1"}},
		{name: "other user", conv: &domain.Conversation{ID: "conv-1", AppID: "app-1", EndUserID: "user-2"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := &mockStorage{conversation: tc.conv}
			gen := &mockGenerator{answer: "ok"}

			_, err := newService(st, gen).Invoke(context.Background(), testApp, testUser,
				domain.ChatRequest{Query: "again", ConversationID: "conv-1"}, domain.SourceServiceAPI, false)
			require.ErrorIs(t, err, storage.ErrConversationNotFound)
			require.Empty(t, gen.requests)
			require.Empty(t, st.createdMessages)
		})
	}
}

func TestInvoke_DefaultModel(t *testing.T) {
	st := &mockStorage{}
	gen := &mockGenerator{answer: "ok"}

	_, err := newService(st, gen).Invoke(context.Background(), &domain.App{ID: "app-1"}, testUser,
		domain.ChatRequest{Query: "hi"}, domain.SourceServiceAPI, false)
	require.NoError(t, err)
	require.Equal(t, "default-model", gen.requests[0].ModelName)
	require.Equal(t, "user: hi", gen.requests[0].Message)
}

func TestInvoke_AnswerStoredAfterClientLeft(t *testing.T) {
	t.Run("blocking", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		st := &mockStorage{}
		gen := &mockGenerator{answer: "late answer", afterAnswer: cancel}

		_, err := newService(st, gen).Invoke(ctx, testApp, testUser, domain.ChatRequest{Query: "hi"}, domain.SourceServiceAPI, false)
		require.NoError(t, err)

		require.Len(t, st.completed, 1)
		require.Equal(t, "late answer", st.completed[0].answer)
		require.NoError(t, st.completed[0].ctxErr)
	})

	t.Run("streaming", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		st := &mockStorage{}
		gen := &mockGenerator{deltas: []string{"la", "te"}, afterAnswer: cancel}

		res, err := newService(st, gen).Invoke(ctx, testApp, testUser, domain.ChatRequest{Query: "hi"}, domain.SourceServiceAPI, true)
		require.NoError(t, err)
		for range res.Chunks {
		}

		require.Len(t, st.completed, 1)
		require.Equal(t, "late", st.completed[0].answer)
		require.NoError(t, st.completed[0].ctxErr)
	})
}
