package entity

import (
	"database/sql"
	"time"
)

type UsageLog struct {
	ID             uint64
	UserID         uint64
	APIKeyID       uint64
	Endpoint       string
	Method         string
	StatusCode     int
	ResponseTimeMS sql.NullInt64
	ErrorMessage   sql.NullString
	CreatedAt      time.Time
}
