package implementation

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"kb-gateway-be/internal/entity"
	"kb-gateway-be/internal/mapper"
	"kb-gateway-be/internal/model"
	"kb-gateway-be/internal/repository/contract"
	"kb-gateway-be/internal/repository/specification"
)

type ConversationMessageRepositoryImpl struct {
	db     *gorm.DB
	mapper *mapper.ConversationMapper
}

func NewConversationMessageRepository(db *gorm.DB) contract.ConversationMessageRepository {
	return &ConversationMessageRepositoryImpl{
		db:     db,
		mapper: mapper.NewConversationMapper(),
	}
}

func (r *ConversationMessageRepositoryImpl) applySpecifications(db *gorm.DB, specs ...specification.Specification) *gorm.DB {
	for _, spec := range specs {
		db = spec.Apply(db)
	}
	return db
}

func (r *ConversationMessageRepositoryImpl) Create(ctx context.Context, message *entity.ConversationMessage) error {
	m := r.mapper.MessageToModel(message)
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return err
	}
	*message = *r.mapper.MessageToEntity(m)
	return nil
}

func (r *ConversationMessageRepositoryImpl) DeleteBySessionId(ctx context.Context, sessionId uuid.UUID) error {
	return r.db.WithContext(ctx).Where("session_id = ?", sessionId).Delete(&model.ConversationMessage{}).Error
}

func (r *ConversationMessageRepositoryImpl) FindAll(ctx context.Context, specs ...specification.Specification) ([]*entity.ConversationMessage, error) {
	var models []*model.ConversationMessage
	query := r.applySpecifications(r.db.WithContext(ctx), specs...)
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	messages := make([]*entity.ConversationMessage, 0, len(models))
	for _, m := range models {
		messages = append(messages, r.mapper.MessageToEntity(m))
	}
	return messages, nil
}

func (r *ConversationMessageRepositoryImpl) Count(ctx context.Context, specs ...specification.Specification) (int64, error) {
	var count int64
	query := r.applySpecifications(r.db.WithContext(ctx).Model(&model.ConversationMessage{}), specs...)
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
