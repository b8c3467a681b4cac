package entity

import (
	"time"

	"github.com/google/uuid"

	"kb-gateway-be/pkg/knowledge"
)

type ConversationSession struct {
	Id        uuid.UUID
	Name      string
	CreatedAt time.Time
	UpdatedAt *time.Time
	DeletedAt *time.Time
	IsDeleted bool
}

// ConversationMessage is one persisted turn. Assistant turns carry the
// evidence seeds that backed the answer.
type ConversationMessage struct {
	Id        uuid.UUID
	SessionId uuid.UUID
	Role      string
	Content   string
	Seeds     []knowledge.Seed
	CreatedAt time.Time
}
