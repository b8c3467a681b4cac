// FILE: internal/pkg/serverutils/validator.go
package serverutils

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"kb-gateway-be/pkg/apperror"
)

var validate = validator.New()

// ValidateRequest checks a DTO's validate tags. Violations surface as
// InvalidInput before any network interaction happens.
func ValidateRequest(req interface{}) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return apperror.Wrap(apperror.KindInvalidInput, "invalid request", err)
	}

	fields := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return apperror.InvalidInput("validation failed: " + strings.Join(fields, ", "))
}
