package controller

import (
	"github.com/gofiber/fiber/v2"
	fiberws "github.com/gofiber/websocket/v2"
	"github.com/google/uuid"

	"kb-gateway-be/internal/dto"
	"kb-gateway-be/internal/pkg/logger"
	"kb-gateway-be/internal/pkg/serverutils"
	"kb-gateway-be/internal/service"
	internalWS "kb-gateway-be/internal/websocket"
	"kb-gateway-be/pkg/apperror"
	"kb-gateway-be/pkg/store"
)

type IKnowledgeController interface {
	RegisterRoutes(r fiber.Router)
	CreateSession(ctx *fiber.Ctx) error
	ListSessions(ctx *fiber.Ctx) error
	ShowSession(ctx *fiber.Ctx) error
	ShowHistory(ctx *fiber.Ctx) error
	AppendMessage(ctx *fiber.Ctx) error
	DeleteSession(ctx *fiber.Ctx) error
	SubmitQuery(ctx *fiber.Ctx) error
	CancelQuery(ctx *fiber.Ctx) error
	ServeWs(ctx *fiber.Ctx) error
}

type knowledgeController struct {
	sessionService   service.ISessionService
	knowledgeService service.IKnowledgeService
	hub              *internalWS.Hub
	logger           logger.ILogger
}

func NewKnowledgeController(
	sessionService service.ISessionService,
	knowledgeService service.IKnowledgeService,
	hub *internalWS.Hub,
	log logger.ILogger,
) IKnowledgeController {
	return &knowledgeController{
		sessionService:   sessionService,
		knowledgeService: knowledgeService,
		hub:              hub,
		logger:           log,
	}
}

func (c *knowledgeController) RegisterRoutes(r fiber.Router) {
	h := r.Group("/knowledge/v1")

	// The websocket handshake carries its token itself (browsers cannot
	// set headers on WS connects), so it sits outside the middleware.
	h.Get("session/:id/ws", c.ServeWs)

	h.Use(serverutils.BearerAuthMiddleware)
	h.Post("session", c.CreateSession)
	h.Get("session", c.ListSessions)
	h.Get("session/:id", c.ShowSession)
	h.Get("session/:id/history", c.ShowHistory)
	h.Post("session/:id/message", c.AppendMessage)
	h.Delete("session/:id", c.DeleteSession)
	h.Post("session/:id/query", c.SubmitQuery)
	h.Delete("session/:id/query", c.CancelQuery)
}

func (c *knowledgeController) CreateSession(ctx *fiber.Ctx) error {
	var req dto.CreateSessionRequest
	if err := ctx.BodyParser(&req); err != nil && len(ctx.Body()) > 0 {
		return apperror.InvalidInput("malformed request body")
	}

	session, err := c.sessionService.Create(ctx.Context(), req.Name)
	if err != nil {
		return err
	}

	return ctx.JSON(serverutils.SuccessResponse("Success create session", dto.CreateSessionResponse{
		Id:        session.ID,
		Name:      session.Name,
		CreatedAt: session.CreatedAt,
	}))
}

func (c *knowledgeController) ListSessions(ctx *fiber.Ctx) error {
	sessions := c.sessionService.List(ctx.Context())

	res := make([]dto.SessionSummaryResponse, 0, len(sessions))
	for _, session := range sessions {
		res = append(res, dto.SessionSummaryResponse{
			Id:        session.ID,
			Name:      session.Name,
			Searching: session.Searching,
			QueryOpen: session.QueryID != "",
			CreatedAt: session.CreatedAt,
			UpdatedAt: session.UpdatedAt,
		})
	}
	return ctx.JSON(serverutils.SuccessResponse("Success list sessions", res))
}

func (c *knowledgeController) ShowSession(ctx *fiber.Ctx) error {
	sessionId, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return apperror.InvalidInput("invalid session id")
	}

	session, err := c.sessionService.Get(ctx.Context(), sessionId)
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success show session", toShowSessionResponse(session)))
}

func (c *knowledgeController) ShowHistory(ctx *fiber.Ctx) error {
	sessionId, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return apperror.InvalidInput("invalid session id")
	}

	history, err := c.sessionService.GetHistory(ctx.Context(), sessionId)
	if err != nil {
		return err
	}

	res := make([]dto.HistoryMessageResponse, 0, len(history))
	for _, msg := range history {
		res = append(res, dto.HistoryMessageResponse{
			Id:        msg.Id,
			Role:      msg.Role,
			Content:   msg.Content,
			Seeds:     msg.Seeds,
			CreatedAt: msg.CreatedAt,
		})
	}
	return ctx.JSON(serverutils.SuccessResponse("Success show history", res))
}

func (c *knowledgeController) AppendMessage(ctx *fiber.Ctx) error {
	sessionId, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return apperror.InvalidInput("invalid session id")
	}

	var req dto.AppendMessageRequest
	if err := ctx.BodyParser(&req); err != nil {
		return apperror.InvalidInput("malformed request body")
	}
	if err := serverutils.ValidateRequest(req); err != nil {
		return err
	}

	session, err := c.sessionService.AppendUserMessage(ctx.Context(), sessionId, req.Content)
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success append message", toShowSessionResponse(session)))
}

func (c *knowledgeController) DeleteSession(ctx *fiber.Ctx) error {
	sessionId, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return apperror.InvalidInput("invalid session id")
	}

	if err := c.sessionService.Delete(ctx.Context(), sessionId); err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success delete session", nil))
}

func (c *knowledgeController) SubmitQuery(ctx *fiber.Ctx) error {
	sessionId, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return apperror.InvalidInput("invalid session id")
	}

	var req dto.SubmitQueryRequest
	if err := ctx.BodyParser(&req); err != nil {
		return apperror.InvalidInput("malformed request body")
	}
	if err := serverutils.ValidateRequest(req); err != nil {
		return err
	}

	token := serverutils.Token(ctx)
	input := service.QueryInput{
		Question:    req.Question,
		KBList:      req.KBList,
		Model:       req.Model,
		Documents:   req.Documents,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	if req.Stream != nil && !*req.Stream {
		session, err := c.knowledgeService.SubmitQueryOnce(ctx.Context(), token, sessionId, input)
		if err != nil {
			return err
		}
		return ctx.JSON(serverutils.SuccessResponse("Success query", toShowSessionResponse(session)))
	}

	queryId, err := c.knowledgeService.SubmitQuery(ctx.Context(), token, sessionId, input)
	if err != nil {
		return err
	}
	return ctx.Status(fiber.StatusAccepted).JSON(serverutils.SuccessResponse("Query accepted", dto.SubmitQueryResponse{
		SessionId: sessionId.String(),
		QueryId:   queryId,
	}))
}

func (c *knowledgeController) CancelQuery(ctx *fiber.Ctx) error {
	sessionId, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return apperror.InvalidInput("invalid session id")
	}

	if err := c.knowledgeService.CancelQuery(ctx.Context(), sessionId); err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Query cancelled", nil))
}

// ServeWs upgrades the connection and attaches it as a watcher of one
// session. The token can arrive as a query param or as a bearer header.
func (c *knowledgeController) ServeWs(ctx *fiber.Ctx) error {
	sessionId, err := uuid.Parse(ctx.Params("id"))
	if err != nil {
		return apperror.InvalidInput("invalid session id")
	}

	tokenStr := ctx.Query("token")
	if tokenStr == "" {
		authHeader := ctx.Get("Authorization")
		if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
			tokenStr = authHeader[7:]
		}
	}
	if tokenStr == "" {
		return apperror.Unauthorized("missing token (query 'token' or Authorization header)")
	}

	if _, err := c.sessionService.Get(ctx.Context(), sessionId); err != nil {
		return err
	}

	if fiberws.IsWebSocketUpgrade(ctx) {
		return fiberws.New(func(conn *fiberws.Conn) {
			c.logger.Info("KnowledgeController", "Starting WebSocket session", map[string]interface{}{"session_id": sessionId})
			internalWS.ServeWs(c.hub, conn, sessionId)
			c.logger.Info("KnowledgeController", "WebSocket session ended", map[string]interface{}{"session_id": sessionId})
		})(ctx)
	}
	return fiber.ErrUpgradeRequired
}

func toShowSessionResponse(session *store.Session) dto.ShowSessionResponse {
	messages := make([]dto.MessageResponse, 0, len(session.Messages))
	for _, msg := range session.Messages {
		messages = append(messages, dto.MessageResponse{
			Role:      msg.Role,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
		})
	}
	return dto.ShowSessionResponse{
		Id:        session.ID,
		Name:      session.Name,
		Messages:  messages,
		Response:  session.Response,
		Seeds:     session.SortedSeeds(),
		Searching: session.Searching,
		QueryOpen: session.QueryID != "",
		CreatedAt: session.CreatedAt,
		UpdatedAt: session.UpdatedAt,
	}
}
