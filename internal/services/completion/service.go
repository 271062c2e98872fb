package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slog"

	"TalquiChat/internal/domain"
	"TalquiChat/internal/lib/logger/sl"
	"TalquiChat/internal/storage"
)

const (
	eventMessage    = "message"
	eventMessageEnd = "message_end"

	roleSystem    = "system"
	roleUser      = "user"
	roleAssistant = "assistant"

	defaultMaxHistory  = 10
	conversationNameLn = 80
)

type Storage interface {
	FindConversation(ctx context.Context, conversationID, appID string) (*domain.Conversation, error)
	CreateConversation(ctx context.Context, c domain.Conversation, source string, inputs map[string]any) (*domain.Conversation, error)
	CreateMessage(ctx context.Context, m domain.Message) (*domain.Message, error)
	CompleteMessage(ctx context.Context, messageID, answer string, answerTokens int, latency time.Duration) error
}

type Generator interface {
	Generate(ctx context.Context, request domain.Request) (domain.Response, error)
	Stream(ctx context.Context, request domain.Request) (iter.Seq2[string, error], error)
}

type Service struct {
	log          *slog.Logger
	storage      Storage
	generator    Generator
	defaultModel string
	maxHistory   int
}

func New(log *slog.Logger, st Storage, gen Generator, defaultModel string, maxHistory int) *Service {
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	return &Service{
		log:          log,
		storage:      st,
		generator:    gen,
		defaultModel: defaultModel,
		maxHistory:   maxHistory,
	}
}

// Invoke stores the user's message and generates the answer. In streaming
// mode the returned chunks drive the generation; the caller must range over them.
func (s *Service) Invoke(
	ctx context.Context,
	app *domain.App,
	user *domain.EndUser,
	req domain.ChatRequest,
	source string,
	streaming bool,
) (domain.CompletionResult, error) {
	const op = "completion.Invoke"

	log := s.log.With(
		slog.String("op", op),
		slog.String("app_id", app.ID),
		slog.Bool("streaming", streaming),
	)

	conv, err := s.conversation(ctx, app, user, req, source)
	if err != nil {
		return domain.CompletionResult{}, fmt.Errorf("%s: %w", op, err)
	}

	prompt := buildPrompt(app.PrePrompt, req.Inputs, req.History, req.Query, s.maxHistory)
	rawPrompt, err := json.Marshal(prompt)
	if err != nil {
		return domain.CompletionResult{}, fmt.Errorf("%s: %w", op, err)
	}

	msg, err := s.storage.CreateMessage(ctx, domain.Message{
		AppID:          app.ID,
		ConversationID: conv.ID,
		Inputs:         req.Inputs,
		Query:          req.Query,
		Message:        rawPrompt,
		MessageTokens:  estimateTokens(prompt.text()),
		FromSource:     source,
		FromEndUserID:  user.ID,
	})
	if err != nil {
		return domain.CompletionResult{}, fmt.Errorf("%s: %w", op, err)
	}

	taskID := uuid.NewString()
	request := domain.Request{
		UUID:      taskID,
		ModelName: s.model(app),
		Message:   prompt.text(),
	}

	log.Info("generating answer",
		slog.String("task_id", taskID),
		slog.String("message_id", msg.ID),
		slog.String("conversation_id", conv.ID),
	)

	if !streaming {
		started := time.Now()
		resp, err := s.generator.Generate(ctx, request)
		if err != nil {
			return domain.CompletionResult{}, fmt.Errorf("%s: %w", op, err)
		}
		// ответ уже сгенерирован, сохраняем даже если клиент ушёл
		if err := s.storage.CompleteMessage(context.WithoutCancel(ctx), msg.ID, resp.Response, estimateTokens(resp.Response), time.Since(started)); err != nil {
			return domain.CompletionResult{}, fmt.Errorf("%s: %w", op, err)
		}

		return domain.BlockingResult(domain.Answer{
			Event:          eventMessage,
			TaskID:         taskID,
			ID:             msg.ID,
			ConversationID: conv.ID,
			Answer:         resp.Response,
			CreatedAt:      msg.CreatedAt.Unix(),
		}), nil
	}

	started := time.Now()
	deltas, err := s.generator.Stream(ctx, request)
	if err != nil {
		return domain.CompletionResult{}, fmt.Errorf("%s: %w", op, err)
	}

	chunk := func(event, answer string) domain.Chunk {
		return domain.Chunk{
			Event:          event,
			TaskID:         taskID,
			ID:             msg.ID,
			ConversationID: conv.ID,
			Answer:         answer,
			CreatedAt:      msg.CreatedAt.Unix(),
		}
	}

	return domain.StreamingResult(func(yield func(domain.Chunk, error) bool) {
		var answer strings.Builder
		for delta, err := range deltas {
			if err != nil {
				yield(domain.Chunk{}, fmt.Errorf("%s: %w", op, err))
				return
			}
			answer.WriteString(delta)
			if !yield(chunk(eventMessage, delta), nil) {
				log.Info("stream abandoned", slog.String("task_id", taskID))
				return
			}
		}

		full := answer.String()
		if err := s.storage.CompleteMessage(context.WithoutCancel(ctx), msg.ID, full, estimateTokens(full), time.Since(started)); err != nil {
			log.Error("failed to store streamed answer", sl.Err(err))
			yield(domain.Chunk{}, fmt.Errorf("%s: %w", op, err))
			return
		}

		yield(chunk(eventMessageEnd, ""), nil)
	}), nil
}

// conversation returns the requested conversation of the app and user, or
// starts a new one. Ids from another app or user are reported as not found.
func (s *Service) conversation(ctx context.Context, app *domain.App, user *domain.EndUser, req domain.ChatRequest, source string) (*domain.Conversation, error) {
	if req.ConversationID != "" {
		conv, err := s.storage.FindConversation(ctx, req.ConversationID, app.ID)
		if err != nil {
			return nil, err
		}
		if conv.EndUserID != "" && conv.EndUserID != user.ID {
			return nil, storage.ErrConversationNotFound
		}
		return conv, nil
	}

	conv, err := s.storage.CreateConversation(ctx, domain.Conversation{
		AppID:     app.ID,
		EndUserID: user.ID,
		Name:      conversationName(req.Query),
	}, source, req.Inputs)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	return conv, nil
}

func (s *Service) model(app *domain.App) string {
	if app.ModelName != "" {
		return app.ModelName
	}
	return s.defaultModel
}

func conversationName(query string) string {
	name := strings.TrimSpace(query)
	if name == "" {
		return "New conversation"
	}
	if r := []rune(name); len(r) > conversationNameLn {
		name = string(r[:conversationNameLn]) + "..."
	}
	return name
}

func estimateTokens(s string) int {
	return len(s) / 4
}
