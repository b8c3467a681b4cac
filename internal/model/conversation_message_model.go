package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type ConversationMessage struct {
	Id        uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionId uuid.UUID `gorm:"type:uuid;not null;index"`
	Role      string    `gorm:"type:text;not null"`
	Content   string    `gorm:"type:text;not null"`
	// Seeds holds the evidence units for assistant turns as a JSON
	// array; null for user/system turns.
	Seeds     datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt time.Time      `gorm:"autoCreateTime"`
}

func (ConversationMessage) TableName() string {
	return "conversation_messages"
}
