package service

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"kb-gateway-be/internal/config"
	"kb-gateway-be/internal/constant"
	"kb-gateway-be/internal/entity"
	"kb-gateway-be/internal/pkg/logger"
	"kb-gateway-be/internal/repository/memory"
	"kb-gateway-be/internal/repository/unitofwork"
	"kb-gateway-be/pkg/apperror"
	"kb-gateway-be/pkg/events"
	"kb-gateway-be/pkg/knowledge"
)

// errStillIndexing marks a poll that found a non-terminal status, so
// the retry loop keeps going.
var errStillIndexing = errors.New("document still indexing")

// IDocumentService runs the document ingestion lifecycle: hand a file
// to the indexing service, track its status locally, and surface the
// terminal outcome. Local status only ever moves forward.
type IDocumentService interface {
	Upload(ctx context.Context, token, filename string, payload []byte) (*entity.Document, error)
	PollStatus(ctx context.Context, token string, documentId uuid.UUID) (*entity.Document, error)
	WatchUntilTerminal(ctx context.Context, token string, documentId uuid.UUID) (*entity.Document, error)
	Delete(ctx context.Context, token string, documentId uuid.UUID) error
	List(ctx context.Context) []*entity.Document
}

type documentService struct {
	client       *knowledge.Client
	documentRepo *memory.DocumentRepository
	uowFactory   unitofwork.RepositoryFactory // nil when no DB is configured
	publisher    IPublisherService
	cfg          config.KnowledgeConfig
	logger       logger.ILogger
}

func NewDocumentService(
	client *knowledge.Client,
	documentRepo *memory.DocumentRepository,
	uowFactory unitofwork.RepositoryFactory,
	publisher IPublisherService,
	cfg config.KnowledgeConfig,
	log logger.ILogger,
) IDocumentService {
	return &documentService{
		client:       client,
		documentRepo: documentRepo,
		uowFactory:   uowFactory,
		publisher:    publisher,
		cfg:          cfg,
		logger:       log,
	}
}

// Upload registers a document as `uploading` and hands the payload to
// the indexing service in the background. The caller gets the tracking
// record immediately; the lifecycle topic announces the terminal
// outcome later.
func (ds *documentService) Upload(ctx context.Context, token, filename string, payload []byte) (*entity.Document, error) {
	if filename == "" {
		return nil, apperror.InvalidInput("filename is required")
	}
	if len(payload) == 0 {
		return nil, apperror.InvalidInput("file payload is empty")
	}

	now := time.Now()
	document := &entity.Document{
		Id:        uuid.New(),
		Name:      filename,
		SizeBytes: int64(len(payload)),
		Status:    knowledge.StatusUploading,
		CreatedAt: now,
	}
	ds.documentRepo.Save(document)
	ds.persistCreate(ctx, document)

	go ds.runUpload(token, document.Id, filename, payload)

	return document, nil
}

// runUpload performs the actual upstream transfer, then watches the
// document through processing until it lands in a terminal status.
func (ds *documentService) runUpload(token string, documentId uuid.UUID, filename string, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), ds.cfg.PollBudget)
	defer cancel()

	result, err := ds.client.Upload(ctx, token, documentId.String(), filename, bytes.NewReader(payload))
	if err != nil {
		ds.logger.Error("DocumentService", "Upload to knowledge service failed", map[string]interface{}{
			"document_id": documentId,
			"error":       err.Error(),
		})
		ds.markFailed(ctx, documentId, err.Error())
		return
	}
	if !result.Success {
		ds.logger.Error("DocumentService", "Knowledge service rejected upload", map[string]interface{}{
			"document_id": documentId,
			"message":     result.Message,
		})
		ds.markFailed(ctx, documentId, result.Message)
		return
	}

	ds.transition(ctx, documentId, knowledge.StatusProcessing, "")

	if _, err := ds.WatchUntilTerminal(ctx, token, documentId); err != nil {
		ds.logger.Warn("DocumentService", "Watch after upload ended without terminal status", map[string]interface{}{
			"document_id": documentId,
			"error":       err.Error(),
		})
	}
}

// PollStatus fetches the upstream status once and folds it into the
// local record. A 404 while the payload is still in flight is not an
// error: the indexing service simply has not seen the document yet.
func (ds *documentService) PollStatus(ctx context.Context, token string, documentId uuid.UUID) (*entity.Document, error) {
	document, found := ds.documentRepo.Get(documentId.String())
	if !found {
		return nil, apperror.NotFound("document is not tracked")
	}

	snapshot, err := ds.client.Status(ctx, token, documentId.String())
	if err != nil {
		// The accepted-but-not-yet-visible window covers `processing`
		// too: the local record stays authoritative until the document
		// lands in a terminal status.
		if apperror.Is(err, apperror.KindNotFound) && !knowledge.IsTerminalStatus(document.Status) {
			return document, nil
		}
		return nil, err
	}

	if err := ds.applySnapshot(ctx, document, snapshot); err != nil {
		return nil, err
	}
	return document, nil
}

// applySnapshot merges an upstream status into the local record.
// Moving backwards (or flipping between terminal states) means the
// two sides disagree about history; the local record is left as-is.
func (ds *documentService) applySnapshot(ctx context.Context, document *entity.Document, snapshot *knowledge.StatusSnapshot) error {
	if snapshot.Status == document.Status {
		return nil
	}
	if knowledge.IsTerminalStatus(document.Status) ||
		knowledge.StatusRank(snapshot.Status) < knowledge.StatusRank(document.Status) {
		ds.logger.Error("DocumentService", "Upstream reported a status regression", map[string]interface{}{
			"document_id": document.Id,
			"local":       document.Status,
			"upstream":    snapshot.Status,
		})
		return apperror.InconsistentState("upstream status " + snapshot.Status + " conflicts with local status " + document.Status)
	}

	ds.transition(ctx, document.Id, snapshot.Status, snapshot.ErrorDetail)
	document.Status = snapshot.Status
	document.ErrorDetail = snapshot.ErrorDetail
	return nil
}

// WatchUntilTerminal polls with increasing backoff until the document
// reaches `ready` or `error`, then announces the outcome on the
// lifecycle topic. Exhausting the polling budget yields a Timeout; the
// document stays tracked and can be polled again.
func (ds *documentService) WatchUntilTerminal(ctx context.Context, token string, documentId uuid.UUID) (*entity.Document, error) {
	operation := func() (*entity.Document, error) {
		document, err := ds.PollStatus(ctx, token, documentId)
		if err != nil {
			if apperror.Is(err, apperror.KindNotFound) || apperror.Is(err, apperror.KindInconsistentState) {
				return nil, backoff.Permanent(err)
			}
			// Transient upstream trouble; keep polling.
			return nil, err
		}
		if !knowledge.IsTerminalStatus(document.Status) {
			return nil, errStillIndexing
		}
		return document, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = ds.cfg.PollInitialInterval
	expo.MaxInterval = ds.cfg.PollMaxInterval

	document, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxElapsedTime(ds.cfg.PollBudget),
	)
	if err != nil {
		var appErr *apperror.Error
		if errors.As(err, &appErr) {
			return nil, appErr
		}
		return nil, apperror.Timeout("document did not reach a terminal status within the polling budget", err)
	}

	ds.announceTerminal(ctx, document)
	return document, nil
}

// Delete stops tracking a document and asks the indexing service to
// purge it. The upstream purge is best-effort: a failure there is
// logged, not returned, and the local record is gone either way.
func (ds *documentService) Delete(ctx context.Context, token string, documentId uuid.UUID) error {
	_, found := ds.documentRepo.Get(documentId.String())
	if !found {
		return apperror.NotFound("document is not tracked")
	}

	ds.documentRepo.Delete(documentId.String())
	ds.persistDelete(ctx, documentId)

	if _, err := ds.client.Delete(ctx, token, documentId.String()); err != nil {
		ds.logger.Warn("DocumentService", "Upstream delete failed, local tracking already removed", map[string]interface{}{
			"document_id": documentId,
			"error":       err.Error(),
		})
	}
	return nil
}

func (ds *documentService) List(ctx context.Context) []*entity.Document {
	return ds.documentRepo.All()
}

// transition moves the local record forward and mirrors the change to
// the database when one is configured.
func (ds *documentService) transition(ctx context.Context, documentId uuid.UUID, status, errorDetail string) {
	document, found := ds.documentRepo.Get(documentId.String())
	if !found {
		return
	}
	now := time.Now()
	document.Status = status
	document.ErrorDetail = errorDetail
	document.UpdatedAt = &now
	ds.documentRepo.Save(document)
	ds.persistUpdate(ctx, document)
}

func (ds *documentService) markFailed(ctx context.Context, documentId uuid.UUID, detail string) {
	ds.transition(ctx, documentId, knowledge.StatusError, detail)
	if document, found := ds.documentRepo.Get(documentId.String()); found {
		ds.announceTerminal(ctx, document)
	}
}

func (ds *documentService) announceTerminal(ctx context.Context, document *entity.Document) {
	eventType := constant.EventDocumentReady
	if document.Status == knowledge.StatusError {
		eventType = constant.EventDocumentFailed
	}
	event := events.NewDocumentLifecycle(eventType, document.Id.String(), document.Name, document.ErrorDetail)
	if err := ds.publisher.PublishEvent(ctx, constant.TopicDocumentLifecycle, event); err != nil {
		ds.logger.Warn("DocumentService", "Failed to publish lifecycle event", map[string]interface{}{
			"document_id": document.Id,
			"event":       eventType,
			"error":       err.Error(),
		})
	}
}

func (ds *documentService) persistCreate(ctx context.Context, document *entity.Document) {
	if ds.uowFactory == nil {
		return
	}
	uow := ds.uowFactory.NewUnitOfWork(ctx)
	if err := uow.DocumentRepository().Create(ctx, document); err != nil {
		ds.logger.Error("DocumentService", "Failed to persist document", map[string]interface{}{
			"document_id": document.Id,
			"error":       err.Error(),
		})
	}
}

func (ds *documentService) persistUpdate(ctx context.Context, document *entity.Document) {
	if ds.uowFactory == nil {
		return
	}
	uow := ds.uowFactory.NewUnitOfWork(ctx)
	if err := uow.DocumentRepository().Update(ctx, document); err != nil {
		ds.logger.Error("DocumentService", "Failed to persist document update", map[string]interface{}{
			"document_id": document.Id,
			"error":       err.Error(),
		})
	}
}

func (ds *documentService) persistDelete(ctx context.Context, documentId uuid.UUID) {
	if ds.uowFactory == nil {
		return
	}
	uow := ds.uowFactory.NewUnitOfWork(ctx)
	if err := uow.DocumentRepository().Delete(ctx, documentId); err != nil {
		ds.logger.Error("DocumentService", "Failed to delete persisted document", map[string]interface{}{
			"document_id": documentId,
			"error":       err.Error(),
		})
	}
}
