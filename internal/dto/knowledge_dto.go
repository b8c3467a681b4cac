package dto

import (
	"time"

	"github.com/google/uuid"

	"kb-gateway-be/pkg/knowledge"
)

type CreateSessionRequest struct {
	Name string `json:"name"`
}

type CreateSessionResponse struct {
	Id        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type SessionSummaryResponse struct {
	Id        string    `json:"id"`
	Name      string    `json:"name"`
	Searching bool      `json:"searching"`
	QueryOpen bool      `json:"query_open"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type MessageResponse struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type ShowSessionResponse struct {
	Id        string            `json:"id"`
	Name      string            `json:"name"`
	Messages  []MessageResponse `json:"messages"`
	Response  string            `json:"response"`
	Seeds     []knowledge.Seed  `json:"seeds"`
	Searching bool              `json:"searching"`
	QueryOpen bool              `json:"query_open"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

type HistoryMessageResponse struct {
	Id        uuid.UUID        `json:"id"`
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Seeds     []knowledge.Seed `json:"seeds,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

type AppendMessageRequest struct {
	Content string `json:"content" validate:"required"`
}

type SubmitQueryRequest struct {
	Question    string   `json:"question" validate:"required"`
	KBList      []string `json:"kb_list" validate:"required,min=1,dive,required"`
	Model       string   `json:"model"`
	Documents   []string `json:"documents"`
	Temperature *float64 `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   *int     `json:"max_tokens" validate:"omitempty,gt=0"`
	Stream      *bool    `json:"stream"`
}

type SubmitQueryResponse struct {
	SessionId string `json:"session_id"`
	QueryId   string `json:"query_id"`
}
