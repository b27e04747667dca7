package types

import (
	"time"

	"github.com/vibast-solutions/ms-go-freeflow/app/entity"
)

type UsageLog struct {
	ID             uint64    `json:"id"`
	APIKeyID       uint64    `json:"api_key_id"`
	Endpoint       string    `json:"endpoint"`
	Method         string    `json:"method"`
	StatusCode     int       `json:"status_code"`
	ResponseTimeMS *int64    `json:"response_time_ms"`
	ErrorMessage   *string   `json:"error_message"`
	CreatedAt      time.Time `json:"created_at"`
}

type UsageSummary struct {
	TotalRequests     int     `json:"total_requests"`
	SuccessRate       float64 `json:"success_rate"`
	AvgResponseTimeMS int64   `json:"avg_response_time_ms"`
	ErrorCount        int     `json:"error_count"`
}

type MonitoringResponse struct {
	Logs  []*UsageLog  `json:"logs"`
	Stats UsageSummary `json:"stats"`
}

func NewUsageLogFromEntity(log *entity.UsageLog) *UsageLog {
	view := &UsageLog{
		ID:         log.ID,
		APIKeyID:   log.APIKeyID,
		Endpoint:   log.Endpoint,
		Method:     log.Method,
		StatusCode: log.StatusCode,
		CreatedAt:  log.CreatedAt,
	}
	if log.ResponseTimeMS.Valid {
		ms := log.ResponseTimeMS.Int64
		view.ResponseTimeMS = &ms
	}
	if log.ErrorMessage.Valid {
		msg := log.ErrorMessage.String
		view.ErrorMessage = &msg
	}
	return view
}
