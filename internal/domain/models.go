package domain

import (
	"encoding/json"
	"iter"
	"time"
)

const (
	ResponseModeBlocking  = "blocking"
	ResponseModeStreaming = "streaming"

	DefaultRetrieverFrom = "web_app"

	// SourceServiceAPI marks messages submitted through the talqui endpoints.
	SourceServiceAPI = "service-api"

	EndUserTypeServiceAPI = "service_api"
	DefaultEndUserSession = "DEFAULT-USER"
)

// -------------------- collaborators records --------------------

type App struct {
	ID        string
	TenantID  string
	Name      string
	ModelName string
	PrePrompt string // template, {{var}} placeholders filled from inputs
}

type EndUser struct {
	ID          string
	TenantID    string
	AppID       string
	Type        string
	SessionID   string // external contact id
	IsAnonymous bool
}

type Conversation struct {
	ID        string
	AppID     string
	EndUserID string
	Name      string
}

type Feedback struct {
	Rating        string
	Content       string
	FromSource    string
	FromEndUserID string
	FromAccountID string
}

type Annotation struct {
	ID        string
	Content   string
	AccountID string
	CreatedAt time.Time
}

type Message struct {
	ID                      string
	AppID                   string
	ConversationID          string
	Inputs                  map[string]any
	Query                   string
	Message                 json.RawMessage // prompt sent to the model
	MessageTokens           int
	Answer                  string
	AnswerTokens            int
	ProviderResponseLatency float64
	FromSource              string
	FromEndUserID           string
	FromAccountID           string
	Feedbacks               []Feedback
	Annotation              *Annotation
	CreatedAt               time.Time
}

// -------------------- chat request --------------------

type HistoryTurn struct {
	Role    string `json:"role"` // user|assistant
	Content string `json:"content"`
}

type ChatRequest struct {
	History        []HistoryTurn
	Inputs         map[string]any
	Query          string
	ContactID      string
	ResponseMode   string
	ConversationID string
	RetrieverFrom  string
}

func (r ChatRequest) Streaming() bool {
	return r.ResponseMode == ResponseModeStreaming
}

// -------------------- completion result --------------------

type ResultKind int

const (
	ResultBlocking ResultKind = iota + 1
	ResultStreaming
)

// Answer is the single record produced in blocking mode.
type Answer struct {
	Event          string `json:"event"`
	TaskID         string `json:"task_id"`
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Answer         string `json:"answer"`
	CreatedAt      int64  `json:"created_at"`
}

// Chunk is one incremental unit of a streamed answer.
type Chunk struct {
	Event          string `json:"event"` // message|message_end
	TaskID         string `json:"task_id"`
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Answer         string `json:"answer,omitempty"`
	CreatedAt      int64  `json:"created_at"`
}

// CompletionResult holds exactly one of Answer or Chunks, selected by Kind.
// Chunks may be ranged over once; stopping early abandons the generation.
type CompletionResult struct {
	Kind   ResultKind
	Answer Answer
	Chunks iter.Seq2[Chunk, error]
}

func BlockingResult(a Answer) CompletionResult {
	return CompletionResult{Kind: ResultBlocking, Answer: a}
}

func StreamingResult(chunks iter.Seq2[Chunk, error]) CompletionResult {
	return CompletionResult{Kind: ResultStreaming, Chunks: chunks}
}

// -------------------- model backend wire --------------------

type Request struct {
	UUID      string `json:"uuid"`
	ModelName string `json:"model_name"`
	Message   string `json:"message"`
	Stream    bool   `json:"stream,omitempty"`
}

// Response is a frame received from the model backend. Blocking requests
// get one frame; streaming requests get "delta" frames closed by "done".
type Response struct {
	UUID      string `json:"uuid"`
	Type      string `json:"type,omitempty"` // ""|delta|done|error
	Response  string `json:"response"`
	Error     string `json:"error,omitempty"`
	CreatedAt string `json:"created_at"`
}

type WSPing struct {
	Type string `json:"type"` // "ping"
}
type WSPong struct {
	Type string `json:"type"` // "pong"
}

// -------------------- HTTP models --------------------

type FeedbackItem struct {
	Rating        string  `json:"rating"`
	Content       *string `json:"content"`
	FromSource    string  `json:"from_source"`
	FromEndUserID *string `json:"from_end_user_id"`
	FromAccountID *string `json:"from_account_id"`
}

type AnnotationItem struct {
	ID        string  `json:"id"`
	Content   string  `json:"content"`
	AccountID *string `json:"account_id"`
	CreatedAt int64   `json:"created_at"`
}

// ---------- GET /talqui/apps/{app_id}/messages/{message_id} ----------
type MessageDetail struct {
	ID                      string          `json:"id"`
	ConversationID          string          `json:"conversation_id"`
	Inputs                  map[string]any  `json:"inputs"`
	Query                   string          `json:"query"`
	Message                 json.RawMessage `json:"message"`
	MessageTokens           int             `json:"message_tokens"`
	Answer                  string          `json:"answer"`
	AnswerTokens            int             `json:"answer_tokens"`
	ProviderResponseLatency float64         `json:"provider_response_latency"`
	FromSource              string          `json:"from_source"`
	FromEndUserID           *string         `json:"from_end_user_id"`
	FromAccountID           *string         `json:"from_account_id"`
	Feedbacks               []FeedbackItem  `json:"feedbacks"`
	Annotation              *AnnotationItem `json:"annotation"`
	CreatedAt               int64           `json:"created_at"`
}
