package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/exp/slog"

	_ "github.com/jackc/pgx/v5/stdlib"

	"TalquiChat/internal/domain"
	"TalquiChat/internal/storage"
)

type Storage struct {
	db  *sql.DB
	log *slog.Logger
}

func New(databaseURL string, maxOpenConns int, log *slog.Logger) (*Storage, error) {
	const op = "storage.postgres.New"

	log.Info("opening postgres connection")

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}

	// проверяем соединение сразу
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: ping failed: %w", op, err)
	}

	return &Storage{
		db:  db,
		log: log,
	}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// --- app resolver ---

func (s *Storage) FindApp(ctx context.Context, appID, tenantID string) (*domain.App, error) {
	const op = "storage.postgres.FindApp"

	var app domain.App
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, model_name, pre_prompt
		FROM apps
		WHERE id = $1 AND tenant_id = $2
	`, appID, tenantID).Scan(&app.ID, &app.TenantID, &app.Name, &app.ModelName, &app.PrePrompt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrAppNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &app, nil
}

// --- identity resolver ---

// ResolveEndUser returns the service api end user for the contact id,
// creating it on first contact. Repeated calls return the same row.
func (s *Storage) ResolveEndUser(ctx context.Context, app *domain.App, contactID string) (*domain.EndUser, error) {
	const op = "storage.postgres.ResolveEndUser"

	u := domain.EndUser{
		TenantID:  app.TenantID,
		Type:      domain.EndUserTypeServiceAPI,
		SessionID: contactID,
	}
	var appID sql.NullString

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO end_users (tenant_id, app_id, type, session_id, is_anonymous)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, session_id, type)
		DO UPDATE SET updated_at = NOW()
		RETURNING id, app_id, is_anonymous
	`, app.TenantID, app.ID, u.Type, contactID, contactID == domain.DefaultEndUserSession).
		Scan(&u.ID, &appID, &u.IsAnonymous)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	u.AppID = appID.String

	return &u, nil
}

// --- conversations ---

func (s *Storage) FindConversation(ctx context.Context, conversationID, appID string) (*domain.Conversation, error) {
	const op = "storage.postgres.FindConversation"

	var c domain.Conversation
	var endUserID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, app_id, from_end_user_id, name
		FROM conversations
		WHERE id = $1 AND app_id = $2
	`, conversationID, appID).Scan(&c.ID, &c.AppID, &endUserID, &c.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrConversationNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	c.EndUserID = endUserID.String

	return &c, nil
}

func (s *Storage) CreateConversation(ctx context.Context, c domain.Conversation, source string, inputs map[string]any) (*domain.Conversation, error) {
	const op = "storage.postgres.CreateConversation"

	rawInputs, err := marshalInputs(inputs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO conversations (app_id, from_source, from_end_user_id, name, inputs)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, c.AppID, source, nullString(c.EndUserID), c.Name, rawInputs).Scan(&c.ID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &c, nil
}

// --- messages ---

func (s *Storage) CreateMessage(ctx context.Context, m domain.Message) (*domain.Message, error) {
	const op = "storage.postgres.CreateMessage"

	rawInputs, err := marshalInputs(m.Inputs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO messages (app_id, conversation_id, inputs, query, message, message_tokens, from_source, from_end_user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`, m.AppID, m.ConversationID, rawInputs, m.Query, nullJSON(m.Message), m.MessageTokens,
		m.FromSource, nullString(m.FromEndUserID)).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &m, nil
}

func (s *Storage) CompleteMessage(ctx context.Context, messageID, answer string, answerTokens int, latency time.Duration) error {
	const op = "storage.postgres.CompleteMessage"

	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET answer = $2, answer_tokens = $3, provider_response_latency = $4, updated_at = NOW()
		WHERE id = $1
	`, messageID, answer, answerTokens, latency.Seconds())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if aff, _ := res.RowsAffected(); aff == 0 {
		return storage.ErrMessageNotFound
	}

	return nil
}

// FindMessage loads one message of the app together with its feedbacks and annotation.
func (s *Storage) FindMessage(ctx context.Context, messageID, appID string) (*domain.Message, error) {
	const op = "storage.postgres.FindMessage"

	var (
		m             domain.Message
		rawInputs     []byte
		rawMessage    []byte
		fromEndUserID sql.NullString
		fromAccountID sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, app_id, conversation_id, inputs, query, message, message_tokens,
		       answer, answer_tokens, provider_response_latency, from_source,
		       from_end_user_id, from_account_id, created_at
		FROM messages
		WHERE id = $1 AND app_id = $2
	`, messageID, appID).Scan(
		&m.ID, &m.AppID, &m.ConversationID, &rawInputs, &m.Query, &rawMessage, &m.MessageTokens,
		&m.Answer, &m.AnswerTokens, &m.ProviderResponseLatency, &m.FromSource,
		&fromEndUserID, &fromAccountID, &m.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrMessageNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	m.FromEndUserID = fromEndUserID.String
	m.FromAccountID = fromAccountID.String
	if len(rawMessage) > 0 {
		m.Message = json.RawMessage(rawMessage)
	}
	if len(rawInputs) > 0 {
		if err := json.Unmarshal(rawInputs, &m.Inputs); err != nil {
			return nil, fmt.Errorf("%s: decode inputs: %w", op, err)
		}
	}

	if m.Feedbacks, err = s.listFeedbacks(ctx, m.ID); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if m.Annotation, err = s.findAnnotation(ctx, m.ID); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &m, nil
}

func (s *Storage) listFeedbacks(ctx context.Context, messageID string) ([]domain.Feedback, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rating, content, from_source, from_end_user_id, from_account_id
		FROM message_feedbacks
		WHERE message_id = $1
		ORDER BY created_at ASC
	`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.Feedback, 0, 2)
	for rows.Next() {
		var f domain.Feedback
		var content, endUser, account sql.NullString
		if err := rows.Scan(&f.Rating, &content, &f.FromSource, &endUser, &account); err != nil {
			return nil, err
		}
		f.Content = content.String
		f.FromEndUserID = endUser.String
		f.FromAccountID = account.String
		items = append(items, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

func (s *Storage) findAnnotation(ctx context.Context, messageID string) (*domain.Annotation, error) {
	var a domain.Annotation
	var account sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, content, account_id, created_at
		FROM message_annotations
		WHERE message_id = $1
	`, messageID).Scan(&a.ID, &a.Content, &account, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	a.AccountID = account.String

	return &a, nil
}

// --- helpers ---

func marshalInputs(inputs map[string]any) ([]byte, error) {
	if inputs == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(inputs)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
