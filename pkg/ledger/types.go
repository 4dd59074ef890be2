package ledger

import (
	"time"

	"github.com/bernard/ledger/pkg/message"
	"github.com/bernard/ledger/pkg/summary"
)

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// IndexingStatus tracks background indexing of a closed conversation.
type IndexingStatus string

const (
	IndexingNone     IndexingStatus = "none"
	IndexingQueued   IndexingStatus = "queued"
	IndexingIndexing IndexingStatus = "indexing"
	IndexingIndexed  IndexingStatus = "indexed"
	IndexingFailed   IndexingStatus = "failed"
)

// TurnStatus is the outcome of one LLM round.
type TurnStatus string

const (
	TurnOK    TurnStatus = "ok"
	TurnError TurnStatus = "error"
)

// Conversation is the persisted conversation record.
type Conversation struct {
	ID            string     `json:"id"`
	Status        Status     `json:"status"`
	StartedAt     time.Time  `json:"startedAt"`
	LastTouchedAt time.Time  `json:"lastTouchedAt"`
	ClosedAt      *time.Time `json:"closedAt,omitempty"`
	CloseReason   string     `json:"closeReason,omitempty"`

	Summary   string         `json:"summary,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	Keywords  []string       `json:"keywords,omitempty"`
	PlaceTags []string       `json:"placeTags,omitempty"`
	Flags     *summary.Flags `json:"flags,omitempty"`

	ModelSet []string `json:"modelSet"`
	TokenSet []string `json:"tokenSet"`

	MessageCount       int64      `json:"messageCount"`
	UserAssistantCount int64      `json:"userAssistantCount"`
	ToolCallCount      int64      `json:"toolCallCount"`
	ErrorCount         int64      `json:"errorCount"`
	RequestCount       int64      `json:"requestCount"`
	LastRequestAt      *time.Time `json:"lastRequestAt,omitempty"`

	IndexingStatus   IndexingStatus `json:"indexingStatus"`
	IndexingError    string         `json:"indexingError,omitempty"`
	IndexingAttempts int64          `json:"indexingAttempts,omitempty"`

	Ghost bool `json:"ghost,omitempty"`
}

// Request is one inbound user turn batch.
type Request struct {
	ID             string    `json:"id"`
	Token          string    `json:"token"`
	ConversationID string    `json:"conversationId"`
	ModelUsed      string    `json:"modelUsed"`
	StartedAt      time.Time `json:"startedAt"`
	LatencyMs      *int64    `json:"latencyMs,omitempty"`
}

// Turn is one LLM round within a request.
type Turn struct {
	ID             string     `json:"id"`
	RequestID      string     `json:"requestId"`
	ConversationID string     `json:"conversationId"`
	Token          string     `json:"token"`
	Model          string     `json:"model"`
	StartedAt      time.Time  `json:"startedAt"`
	TokensIn       *int64     `json:"tokensIn,omitempty"`
	TokensOut      *int64     `json:"tokensOut,omitempty"`
	LatencyMs      *int64     `json:"latencyMs,omitempty"`
	Status         TurnStatus `json:"status,omitempty"`
	ErrorType      string     `json:"errorType,omitempty"`
}

// StartOptions control conversation selection in StartRequest.
type StartOptions struct {
	// ConversationID reuses the named conversation, creating it if absent.
	ConversationID string

	// Ghost marks a newly created conversation as excluded from indexing.
	Ghost bool
}

// StartResult is returned by StartRequest.
type StartResult struct {
	RequestID         string `json:"requestId"`
	ConversationID    string `json:"conversationId"`
	IsNewConversation bool   `json:"isNewConversation"`
}

// TurnStart describes a turn being started.
type TurnStart struct {
	RequestID      string
	ConversationID string
	Token          string
	Model          string
}

// TurnEnd describes how a turn finished.
type TurnEnd struct {
	Status    TurnStatus
	TokensIn  *int64
	TokensOut *int64
	Latency   time.Duration
	ErrorType string
}

// Snapshot is the aggregate ledger state returned by GetStatus.
type Snapshot struct {
	ActiveConversations int64      `json:"activeConversations"`
	ClosedConversations int64      `json:"closedConversations"`
	Requests            int64      `json:"requests"`
	Turns               int64      `json:"turns"`
	Errors              int64      `json:"errors"`
	ActiveTokens        int64      `json:"activeTokens"`
	LastActivityAt      *time.Time `json:"lastActivityAt,omitempty"`
}

// RecallQuery selects conversations for RecallConversation. ConversationID
// takes precedence over Token; with neither, conversations touched since
// Since are returned most recent first.
type RecallQuery struct {
	ConversationID  string
	Token           string
	Since           time.Time
	Limit           int
	Place           string
	Keyword         string
	IncludeMessages bool
	MessageLimit    int
}

// RecalledConversation is a conversation with optional messages.
type RecalledConversation struct {
	Conversation
	Messages []message.Record `json:"messages,omitempty"`
}

// Listener receives records appended to a conversation.
type Listener func(record message.Record)
