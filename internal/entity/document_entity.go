package entity

import (
	"time"

	"github.com/google/uuid"
)

// Document is the gateway's local tracking record for one uploaded
// file. Status only ever moves forward along
// uploading -> processing -> ready | error.
type Document struct {
	Id          uuid.UUID
	Name        string
	SizeBytes   int64
	Status      string
	ErrorDetail string
	CreatedAt   time.Time
	UpdatedAt   *time.Time
	DeletedAt   *time.Time
	IsDeleted   bool
}
