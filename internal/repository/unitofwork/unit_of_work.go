package unitofwork

import (
	"context"

	"kb-gateway-be/internal/repository/contract"
)

type UnitOfWork interface {
	Begin(ctx context.Context) error
	Commit() error
	Rollback() error

	ConversationSessionRepository() contract.ConversationSessionRepository
	ConversationMessageRepository() contract.ConversationMessageRepository
	DocumentRepository() contract.DocumentRepository
}
