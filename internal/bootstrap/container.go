package bootstrap

import (
	"context"
	"log"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"kb-gateway-be/internal/config"
	"kb-gateway-be/internal/controller"
	"kb-gateway-be/internal/pkg/logger"
	"kb-gateway-be/internal/repository/memory"
	"kb-gateway-be/internal/repository/unitofwork"
	"kb-gateway-be/internal/service"
	"kb-gateway-be/internal/websocket"
	"kb-gateway-be/pkg/knowledge"
)

type Container struct {
	// Controllers
	KnowledgeController controller.IKnowledgeController
	DocumentController  controller.IDocumentController

	// Background Services (Exposed for main.go to run)
	ConsumerService service.IConsumerService

	WebSocketHub *websocket.Hub
}

// NewContainer wires the whole gateway. db may be nil: the gateway
// then runs memory-only, without durable conversation history.
func NewContainer(db *gorm.DB, cfg *config.Config) *Container {
	// 1. Core Facades
	sysLogger := logger.NewZapLogger(cfg.App.LogFilePath, cfg.App.Environment == "production")

	var uowFactory unitofwork.RepositoryFactory
	if db != nil {
		uowFactory = unitofwork.NewRepositoryFactory(db)
	} else {
		log.Println("[WARN] No database configured; conversation history is memory-only")
	}

	// 2. Event Bus
	watermillLogger := watermill.NewStdLogger(false, false)
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{},
		watermillLogger,
	)

	// 2.5 Infrastructure
	// Redis keeps websocket fan-out consistent across instances; a
	// single instance runs fine without it.
	var rdb *redis.Client
	if cfg.App.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.App.RedisURL)
		if err != nil {
			log.Printf("[WARN] Failed to parse Redis URL: %v. Using direct Addr", err)
			opt = &redis.Options{
				Addr: cfg.App.RedisURL,
			}
		}
		rdb = redis.NewClient(opt)
		if _, err := rdb.Ping(context.Background()).Result(); err != nil {
			log.Printf("[WARN] Failed to connect to Redis: %v", err)
		}
	}

	// WebSocket Hub
	wsLogger := logger.NewIsolatedLogger(cfg.App.StreamLogFilePath)
	wsHub := websocket.NewHub(rdb, wsLogger)
	go wsHub.Run()

	// 3. Knowledge service clients. Queries get the streaming client;
	// its lifetime is bounded by the stream budget, not a transport
	// timeout.
	documentClient := knowledge.NewClient(cfg.Knowledge.BaseURL)
	queryClient := knowledge.NewStreamingClient(cfg.Knowledge.BaseURL)

	// In-memory state
	sessionRepo := memory.NewSessionRepository()
	documentRepo := memory.NewDocumentRepository()

	// 4. Services
	publisherService := service.NewPublisherService(pubSub)
	sessionService := service.NewSessionService(sessionRepo, uowFactory, publisherService, sysLogger)
	documentService := service.NewDocumentService(documentClient, documentRepo, uowFactory, publisherService, cfg.Knowledge, sysLogger)
	knowledgeService := service.NewKnowledgeService(queryClient, sessionService, wsHub, cfg.Knowledge, sysLogger)
	consumerService := service.NewConsumerService(publisherService, wsHub, sysLogger)

	// 5. Controllers
	return &Container{
		KnowledgeController: controller.NewKnowledgeController(sessionService, knowledgeService, wsHub, sysLogger),
		DocumentController:  controller.NewDocumentController(documentService),
		ConsumerService:     consumerService,
		WebSocketHub:        wsHub,
	}
}
