package entity

import (
	"database/sql"
	"time"
)

const (
	ShiftStatusPending   = "pending"
	ShiftStatusCompleted = "completed"
	ShiftStatusExpired   = "expired"
)

type Shift struct {
	ID            uint64
	UserID        uint64
	APIKeyID      sql.NullInt64
	ShiftID       string
	FromCurrency  string
	ToCurrency    string
	FromAmount    float64
	ToAmount      float64
	Status        string
	SettleAddress string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
