package integration

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kb-gateway-be/internal/entity"
	"kb-gateway-be/internal/repository/specification"
	"kb-gateway-be/internal/repository/unitofwork"
	"kb-gateway-be/pkg/database"
	"kb-gateway-be/pkg/knowledge"
)

func TestGormConnection(t *testing.T) {
	// Load .env from root
	err := godotenv.Load("../../.env")
	if err != nil {
		log.Println("No .env file found, using system env")
	}

	dsn := os.Getenv("DB_CONNECTION_STRING")
	if dsn == "" {
		t.Skip("Skipping integration test: DB_CONNECTION_STRING not set")
	}

	gormDB, err := database.NewGormDB(dsn)
	if err != nil {
		t.Fatalf("Failed to connect to DB: %v", err)
	}

	// Verify Wiring
	uowFactory := unitofwork.NewRepositoryFactory(gormDB)
	uow := uowFactory.NewUnitOfWork(context.Background())

	assert.NotNil(t, uow.ConversationSessionRepository())
	assert.NotNil(t, uow.ConversationMessageRepository())
	assert.NotNil(t, uow.DocumentRepository())

	// Basic Ping
	sqlDB, _ := gormDB.DB()
	err = sqlDB.Ping()
	assert.NoError(t, err)
	t.Log("Successfully connected to DB and initialized UnitOfWork Factory")

	ctx := context.Background()

	t.Run("Check Document Repository", func(t *testing.T) {
		count, err := uow.DocumentRepository().Count(ctx)
		assert.NoError(t, err)
		t.Logf("Document count: %d", count)
	})

	t.Run("Session And Message Roundtrip", func(t *testing.T) {
		sessionId := uuid.New()
		session := &entity.ConversationSession{
			Id:        sessionId,
			Name:      "integration-" + sessionId.String()[:8],
			CreatedAt: time.Now(),
		}
		require.NoError(t, uow.ConversationSessionRepository().Create(ctx, session))

		message := &entity.ConversationMessage{
			Id:        uuid.New(),
			SessionId: sessionId,
			Role:      "assistant",
			Content:   "integration answer",
			Seeds: []knowledge.Seed{
				{ID: "s1", Content: "evidence", Order: 1, SourceTitle: "doc"},
			},
			CreatedAt: time.Now(),
		}
		require.NoError(t, uow.ConversationMessageRepository().Create(ctx, message))

		loaded, err := uow.ConversationMessageRepository().FindAll(ctx,
			specification.BySessionID{SessionID: sessionId},
			specification.OrderBy{Field: "created_at", Desc: false},
		)
		require.NoError(t, err)
		require.Len(t, loaded, 1)
		assert.Equal(t, "integration answer", loaded[0].Content)
		require.Len(t, loaded[0].Seeds, 1)
		assert.Equal(t, "s1", loaded[0].Seeds[0].ID)

		// Cleanup
		require.NoError(t, uow.ConversationMessageRepository().DeleteBySessionId(ctx, sessionId))
		require.NoError(t, uow.ConversationSessionRepository().Delete(ctx, sessionId))
	})

	t.Run("Document Lifecycle Roundtrip", func(t *testing.T) {
		documentId := uuid.New()
		document := &entity.Document{
			Id:        documentId,
			Name:      "integration.txt",
			SizeBytes: 42,
			Status:    "uploading",
			CreatedAt: time.Now(),
		}
		require.NoError(t, uow.DocumentRepository().Create(ctx, document))

		now := time.Now()
		document.Status = "ready"
		document.UpdatedAt = &now
		require.NoError(t, uow.DocumentRepository().Update(ctx, document))

		loaded, err := uow.DocumentRepository().FindOne(ctx, specification.ByID{ID: documentId})
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, "ready", loaded.Status)

		require.NoError(t, uow.DocumentRepository().Delete(ctx, documentId))
	})
}
