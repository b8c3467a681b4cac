package contract

import (
	"context"

	"github.com/google/uuid"

	"kb-gateway-be/internal/entity"
	"kb-gateway-be/internal/repository/specification"
)

type ConversationSessionRepository interface {
	Create(ctx context.Context, session *entity.ConversationSession) error
	Update(ctx context.Context, session *entity.ConversationSession) error
	Delete(ctx context.Context, id uuid.UUID) error
	FindOne(ctx context.Context, specs ...specification.Specification) (*entity.ConversationSession, error)
	FindAll(ctx context.Context, specs ...specification.Specification) ([]*entity.ConversationSession, error)
	Count(ctx context.Context, specs ...specification.Specification) (int64, error)
}

type ConversationMessageRepository interface {
	Create(ctx context.Context, message *entity.ConversationMessage) error
	DeleteBySessionId(ctx context.Context, sessionId uuid.UUID) error
	FindAll(ctx context.Context, specs ...specification.Specification) ([]*entity.ConversationMessage, error)
	Count(ctx context.Context, specs ...specification.Specification) (int64, error)
}
