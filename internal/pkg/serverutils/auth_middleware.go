// FILE: internal/pkg/serverutils/auth_middleware.go
package serverutils

import (
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"kb-gateway-be/pkg/apperror"
)

const (
	// LocalsToken is where the middleware stores the raw bearer token.
	LocalsToken = "kb_token"
	// LocalsSubject holds the unverified JWT subject when the token is
	// a JWT, for request logging only. Empty otherwise.
	LocalsSubject = "kb_subject"
)

// BearerAuthMiddleware requires a well-formed "Bearer <token>" header.
// The token itself is opaque to the gateway and relayed to the
// knowledge service as-is; no verification happens here. When the
// token parses as a JWT its subject claim is extracted (unverified)
// so request logs can name the caller.
func BearerAuthMiddleware(ctx *fiber.Ctx) error {
	authHeader := ctx.Get("Authorization")
	if len(authHeader) < 8 || authHeader[:7] != "Bearer " {
		return apperror.Unauthorized("missing or malformed bearer credential")
	}
	tokenStr := authHeader[7:]

	ctx.Locals(LocalsToken, tokenStr)
	ctx.Locals(LocalsSubject, unverifiedSubject(tokenStr))
	return ctx.Next()
}

func unverifiedSubject(tokenStr string) string {
	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(tokenStr, jwt.MapClaims{})
	if err != nil {
		return ""
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ""
	}
	sub, _ := claims.GetSubject()
	return sub
}

// Token returns the bearer token stored by BearerAuthMiddleware.
func Token(ctx *fiber.Ctx) string {
	token, _ := ctx.Locals(LocalsToken).(string)
	return token
}
