package implementation

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"kb-gateway-be/internal/entity"
	"kb-gateway-be/internal/mapper"
	"kb-gateway-be/internal/model"
	"kb-gateway-be/internal/repository/contract"
	"kb-gateway-be/internal/repository/specification"
)

type ConversationSessionRepositoryImpl struct {
	db     *gorm.DB
	mapper *mapper.ConversationMapper
}

func NewConversationSessionRepository(db *gorm.DB) contract.ConversationSessionRepository {
	return &ConversationSessionRepositoryImpl{
		db:     db,
		mapper: mapper.NewConversationMapper(),
	}
}

func (r *ConversationSessionRepositoryImpl) applySpecifications(db *gorm.DB, specs ...specification.Specification) *gorm.DB {
	for _, spec := range specs {
		db = spec.Apply(db)
	}
	return db
}

func (r *ConversationSessionRepositoryImpl) Create(ctx context.Context, session *entity.ConversationSession) error {
	m := r.mapper.SessionToModel(session)
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return err
	}
	*session = *r.mapper.SessionToEntity(m)
	return nil
}

func (r *ConversationSessionRepositoryImpl) Update(ctx context.Context, session *entity.ConversationSession) error {
	m := r.mapper.SessionToModel(session)
	if err := r.db.WithContext(ctx).Save(m).Error; err != nil {
		return err
	}
	*session = *r.mapper.SessionToEntity(m)
	return nil
}

func (r *ConversationSessionRepositoryImpl) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Delete(&model.ConversationSession{}, id).Error
}

func (r *ConversationSessionRepositoryImpl) FindOne(ctx context.Context, specs ...specification.Specification) (*entity.ConversationSession, error) {
	var m model.ConversationSession
	query := r.applySpecifications(r.db.WithContext(ctx), specs...)
	if err := query.First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return r.mapper.SessionToEntity(&m), nil
}

func (r *ConversationSessionRepositoryImpl) FindAll(ctx context.Context, specs ...specification.Specification) ([]*entity.ConversationSession, error) {
	var models []*model.ConversationSession
	query := r.applySpecifications(r.db.WithContext(ctx), specs...)
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}
	sessions := make([]*entity.ConversationSession, 0, len(models))
	for _, m := range models {
		sessions = append(sessions, r.mapper.SessionToEntity(m))
	}
	return sessions, nil
}

func (r *ConversationSessionRepositoryImpl) Count(ctx context.Context, specs ...specification.Specification) (int64, error) {
	var count int64
	query := r.applySpecifications(r.db.WithContext(ctx).Model(&model.ConversationSession{}), specs...)
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
