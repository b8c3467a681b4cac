package controller

import (
	"io"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"kb-gateway-be/internal/dto"
	"kb-gateway-be/internal/entity"
	"kb-gateway-be/internal/pkg/serverutils"
	"kb-gateway-be/internal/service"
	"kb-gateway-be/pkg/apperror"
)

type IDocumentController interface {
	RegisterRoutes(r fiber.Router)
	Upload(ctx *fiber.Ctx) error
	List(ctx *fiber.Ctx) error
	Status(ctx *fiber.Ctx) error
	Watch(ctx *fiber.Ctx) error
	Delete(ctx *fiber.Ctx) error
}

type documentController struct {
	documentService service.IDocumentService
}

func NewDocumentController(documentService service.IDocumentService) IDocumentController {
	return &documentController{
		documentService: documentService,
	}
}

func (c *documentController) RegisterRoutes(r fiber.Router) {
	h := r.Group("/knowledge/v1/document")
	h.Use(serverutils.BearerAuthMiddleware)
	h.Post("", c.Upload)
	h.Get("", c.List)
	h.Get(":id/status", c.Status)
	h.Post(":id/watch", c.Watch)
	h.Delete(":id", c.Delete)
}

func (c *documentController) Upload(ctx *fiber.Ctx) error {
	fileHeader, err := ctx.FormFile("file")
	if err != nil {
		return apperror.InvalidInput("multipart field 'file' is required")
	}

	file, err := fileHeader.Open()
	if err != nil {
		return apperror.InvalidInput("cannot open uploaded file")
	}
	defer file.Close()

	payload, err := io.ReadAll(file)
	if err != nil {
		return apperror.InvalidInput("cannot read uploaded file")
	}

	document, err := c.documentService.Upload(ctx.Context(), serverutils.Token(ctx), fileHeader.Filename, payload)
	if err != nil {
		return err
	}

	return ctx.Status(fiber.StatusAccepted).JSON(serverutils.SuccessResponse("Upload accepted", toDocumentResponse(document)))
}

func (c *documentController) List(ctx *fiber.Ctx) error {
	documents := c.documentService.List(ctx.Context())

	res := make([]dto.DocumentResponse, 0, len(documents))
	for _, document := range documents {
		res = append(res, toDocumentResponse(document))
	}
	return ctx.JSON(serverutils.SuccessResponse("Success list documents", res))
}

func (c *documentController) Status(ctx *fiber.Ctx) error {
	documentId, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return apperror.InvalidInput("invalid document id")
	}

	document, err := c.documentService.PollStatus(ctx.Context(), serverutils.Token(ctx), documentId)
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success poll status", toDocumentResponse(document)))
}

// Watch blocks until the document reaches a terminal status or the
// polling budget runs out.
func (c *documentController) Watch(ctx *fiber.Ctx) error {
	documentId, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return apperror.InvalidInput("invalid document id")
	}

	document, err := c.documentService.WatchUntilTerminal(ctx.Context(), serverutils.Token(ctx), documentId)
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Document reached terminal status", toDocumentResponse(document)))
}

func (c *documentController) Delete(ctx *fiber.Ctx) error {
	documentId, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return apperror.InvalidInput("invalid document id")
	}

	if err := c.documentService.Delete(ctx.Context(), serverutils.Token(ctx), documentId); err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success delete document", nil))
}

func toDocumentResponse(document *entity.Document) dto.DocumentResponse {
	return dto.DocumentResponse{
		Id:          document.Id,
		Name:        document.Name,
		SizeBytes:   document.SizeBytes,
		Status:      document.Status,
		ErrorDetail: document.ErrorDetail,
		CreatedAt:   document.CreatedAt,
		UpdatedAt:   document.UpdatedAt,
	}
}
