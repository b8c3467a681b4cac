package mapper

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"kb-gateway-be/internal/entity"
	"kb-gateway-be/internal/model"
	"kb-gateway-be/pkg/knowledge"
)

type ConversationMapper struct{}

func NewConversationMapper() *ConversationMapper {
	return &ConversationMapper{}
}

// Session Mappers

func (m *ConversationMapper) SessionToEntity(s *model.ConversationSession) *entity.ConversationSession {
	if s == nil {
		return nil
	}

	var deletedAt *time.Time
	if s.DeletedAt.Valid {
		t := s.DeletedAt.Time
		deletedAt = &t
	}

	var updatedAt *time.Time
	if !s.UpdatedAt.IsZero() {
		t := s.UpdatedAt
		updatedAt = &t
	}

	return &entity.ConversationSession{
		Id:        s.Id,
		Name:      s.Name,
		CreatedAt: s.CreatedAt,
		UpdatedAt: updatedAt,
		DeletedAt: deletedAt,
		IsDeleted: s.DeletedAt.Valid,
	}
}

func (m *ConversationMapper) SessionToModel(s *entity.ConversationSession) *model.ConversationSession {
	if s == nil {
		return nil
	}

	var deletedAt gorm.DeletedAt
	if s.DeletedAt != nil {
		deletedAt = gorm.DeletedAt{Time: *s.DeletedAt, Valid: true}
	} else if s.IsDeleted {
		deletedAt = gorm.DeletedAt{Time: time.Now(), Valid: true}
	}

	var updatedAt time.Time
	if s.UpdatedAt != nil {
		updatedAt = *s.UpdatedAt
	}

	return &model.ConversationSession{
		Id:        s.Id,
		Name:      s.Name,
		CreatedAt: s.CreatedAt,
		UpdatedAt: updatedAt,
		DeletedAt: deletedAt,
	}
}

// Message Mappers

func (m *ConversationMapper) MessageToEntity(msg *model.ConversationMessage) *entity.ConversationMessage {
	if msg == nil {
		return nil
	}

	var seeds []knowledge.Seed
	if len(msg.Seeds) > 0 {
		// A malformed seeds column degrades to an empty list; the turn
		// content is still usable.
		_ = json.Unmarshal(msg.Seeds, &seeds)
	}

	return &entity.ConversationMessage{
		Id:        msg.Id,
		SessionId: msg.SessionId,
		Role:      msg.Role,
		Content:   msg.Content,
		Seeds:     seeds,
		CreatedAt: msg.CreatedAt,
	}
}

func (m *ConversationMapper) MessageToModel(msg *entity.ConversationMessage) *model.ConversationMessage {
	if msg == nil {
		return nil
	}

	var seeds datatypes.JSON
	if len(msg.Seeds) > 0 {
		if raw, err := json.Marshal(msg.Seeds); err == nil {
			seeds = datatypes.JSON(raw)
		}
	}

	return &model.ConversationMessage{
		Id:        msg.Id,
		SessionId: msg.SessionId,
		Role:      msg.Role,
		Content:   msg.Content,
		Seeds:     seeds,
		CreatedAt: msg.CreatedAt,
	}
}
