package dto

import (
	"time"

	"github.com/google/uuid"
)

type DocumentResponse struct {
	Id          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	SizeBytes   int64      `json:"size_bytes"`
	Status      string     `json:"status"`
	ErrorDetail string     `json:"error_detail,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at"`
}
