package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// QueryStatus is the lifecycle state of a ModelQuery.
type QueryStatus string

const (
	QueryStatusStreaming     QueryStatus = "STREAMING"
	QueryStatusCompleted     QueryStatus = "COMPLETED"
	QueryStatusFailed        QueryStatus = "FAILED"
	QueryStatusCancelled     QueryStatus = "CANCELLED"
	QueryStatusIncomplete    QueryStatus = "INCOMPLETE"
	QueryStatusAwaitingHuman QueryStatus = "AWAITING_HUMAN"
)

// Terminal reports whether no further updates may be applied.
func (s QueryStatus) Terminal() bool {
	return s != QueryStatusStreaming
}

// ModelQuery is one chat turn. It is created when streaming begins and
// finalized exactly once.
type ModelQuery struct {
	ID              string          `db:"id" json:"id"`
	UserID          string          `db:"user_id" json:"user_id"`
	AgentID         string          `db:"agent_id" json:"agent_id"`
	ConversationID  string          `db:"conversation_id" json:"conversation_id,omitempty"`
	Message         string          `db:"message" json:"message"`
	Response        string          `db:"response" json:"response"`
	Method          string          `db:"method" json:"method,omitempty"`
	Model           string          `db:"model" json:"model,omitempty"`
	Status          QueryStatus     `db:"status" json:"status"`
	Metrics         json.RawMessage `db:"-" json:"metrics,omitempty"`
	TotalTokens     int             `db:"total_tokens" json:"total_tokens"`
	TokensEstimated bool            `db:"tokens_estimated" json:"tokens_estimated"`
	Cost            decimal.Decimal `db:"cost" json:"cost"`
	ErrorCode       string          `db:"error_code" json:"error_code,omitempty"`
	ErrorMessage    string          `db:"error_message" json:"error_message,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
	CompletedAt     *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}

// QueryOutcome carries the terminal fields applied by FinalizeModelQuery.
type QueryOutcome struct {
	Status          QueryStatus
	Response        string
	Method          string
	Model           string
	Metrics         json.RawMessage
	TotalTokens     int
	TokensEstimated bool
	Cost            decimal.Decimal
	ErrorCode       string
	ErrorMessage    string
}

// HumanTaskStatus is the approval state of a HumanTask.
type HumanTaskStatus string

const (
	HumanTaskPending  HumanTaskStatus = "PENDING"
	HumanTaskResolved HumanTaskStatus = "RESOLVED"
)

// HumanTask records a turn that needs human approval. At most one exists per
// model query.
type HumanTask struct {
	ID           string          `db:"id" json:"id"`
	ModelQueryID string          `db:"model_query_id" json:"model_query_id"`
	Reason       string          `db:"reason" json:"reason"`
	Message      string          `db:"message" json:"message,omitempty"`
	Status       HumanTaskStatus `db:"status" json:"status"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	ResolvedAt   *time.Time      `db:"resolved_at" json:"resolved_at,omitempty"`
}

// NotificationKind labels a user notification.
type NotificationKind string

const NotificationHumanTask NotificationKind = "human_task"

// Notification is a message addressed to one user.
type Notification struct {
	ID        string           `db:"id" json:"id"`
	UserID    string           `db:"user_id" json:"user_id"`
	Kind      NotificationKind `db:"kind" json:"kind"`
	Title     string           `db:"title" json:"title"`
	Body      string           `db:"body" json:"body"`
	RefID     string           `db:"ref_id" json:"ref_id,omitempty"`
	CreatedAt time.Time        `db:"created_at" json:"created_at"`
	ReadAt    *time.Time       `db:"read_at" json:"read_at,omitempty"`
}
