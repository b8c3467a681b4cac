// FILE: internal/pkg/serverutils/response.go
package serverutils

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"kb-gateway-be/pkg/apperror"
)

// SuccessResponse is the standard success envelope.
func SuccessResponse(message string, data interface{}) fiber.Map {
	return fiber.Map{
		"success": true,
		"message": message,
		"data":    data,
	}
}

// ErrorHandlerMiddleware converts returned errors into JSON responses.
// Typed gateway errors map to their HTTP status; upstream failures are
// relayed with the original status and body, not translated.
func ErrorHandlerMiddleware() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		err := ctx.Next()
		if err == nil {
			return nil
		}

		var appErr *apperror.Error
		if errors.As(err, &appErr) {
			status := statusForKind(appErr.Kind)
			body := fiber.Map{
				"success":    false,
				"message":    appErr.Message,
				"error_type": appErr.Kind.String(),
			}
			if appErr.Kind == apperror.KindUpstreamFailure {
				if appErr.UpstreamStatus != 0 {
					status = appErr.UpstreamStatus
				}
				body["upstream_body"] = appErr.UpstreamBody
			}
			return ctx.Status(status).JSON(body)
		}

		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			return ctx.Status(fiberErr.Code).JSON(fiber.Map{
				"success": false,
				"message": fiberErr.Message,
			})
		}

		return ctx.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": err.Error(),
		})
	}
}

func statusForKind(kind apperror.Kind) int {
	switch kind {
	case apperror.KindUnauthorized:
		return fiber.StatusUnauthorized
	case apperror.KindInvalidInput:
		return fiber.StatusBadRequest
	case apperror.KindNotFound:
		return fiber.StatusNotFound
	case apperror.KindAlreadyInProgress, apperror.KindInconsistentState:
		return fiber.StatusConflict
	case apperror.KindTimeout:
		return fiber.StatusGatewayTimeout
	case apperror.KindUpstreamFailure:
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}
