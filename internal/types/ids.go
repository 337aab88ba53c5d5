// internal/types/ids.go
package types

import (
	"github.com/google/uuid"
)

type ThreadID string
type MessageID string
type WorkshopID string
type UserID string
type RequestID string

func NewRequestID() RequestID {
	return RequestID(uuid.New().String())
}
