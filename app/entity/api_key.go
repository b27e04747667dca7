package entity

import (
	"database/sql"
	"time"
)

const (
	APIKeyStatusActive  = "active"
	APIKeyStatusRevoked = "revoked"
)

// APIKey is a customer credential for the developer API. Only the SHA-256
// hash of the raw key is persisted.
type APIKey struct {
	ID                     uint64
	UserID                 uint64
	KeyName                string
	KeyPrefix              string
	KeyHash                string
	Status                 string
	FreeTierCallsRemaining int
	TotalCalls             int64
	SuccessfulCalls        int64
	FailedCalls            int64
	LastUsedAt             sql.NullTime
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

func (k *APIKey) IsActive() bool {
	return k.Status == APIKeyStatusActive
}
