package types

import (
	"errors"
	"strings"
	"time"

	"github.com/vibast-solutions/ms-go-freeflow/app/entity"

	"github.com/labstack/echo/v4"
)

const maxKeyNameLength = 100

type CreateAPIKeyRequest struct {
	KeyName string `json:"key_name"`
}

type APIKey struct {
	ID                     uint64     `json:"id"`
	KeyName                string     `json:"key_name"`
	KeyPrefix              string     `json:"key_prefix"`
	Status                 string     `json:"status"`
	FreeTierCallsRemaining int        `json:"free_tier_calls_remaining"`
	TotalCalls             int64      `json:"total_calls"`
	SuccessfulCalls        int64      `json:"successful_calls"`
	FailedCalls            int64      `json:"failed_calls"`
	LastUsedAt             *time.Time `json:"last_used_at"`
	CreatedAt              time.Time  `json:"created_at"`
}

// CreateAPIKeyResponse is the only response that carries the raw key.
type CreateAPIKeyResponse struct {
	APIKey  *APIKey `json:"key"`
	RawKey  string  `json:"api_key"`
	Message string  `json:"message"`
}

type ListAPIKeysResponse struct {
	APIKeys []*APIKey `json:"api_keys"`
}

type APIKeyStats struct {
	TotalCalls      int64 `json:"total_calls"`
	SuccessfulCalls int64 `json:"successful_calls"`
	FailedCalls     int64 `json:"failed_calls"`
	ActiveKeys      int   `json:"active_keys"`
}

func NewAPIKeyFromEntity(key *entity.APIKey) *APIKey {
	view := &APIKey{
		ID:                     key.ID,
		KeyName:                key.KeyName,
		KeyPrefix:              key.KeyPrefix,
		Status:                 key.Status,
		FreeTierCallsRemaining: key.FreeTierCallsRemaining,
		TotalCalls:             key.TotalCalls,
		SuccessfulCalls:        key.SuccessfulCalls,
		FailedCalls:            key.FailedCalls,
		CreatedAt:              key.CreatedAt,
	}
	if key.LastUsedAt.Valid {
		lastUsed := key.LastUsedAt.Time
		view.LastUsedAt = &lastUsed
	}
	return view
}

func NewCreateAPIKeyRequestFromContext(ctx echo.Context) (*CreateAPIKeyRequest, error) {
	var body CreateAPIKeyRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}

	body.KeyName = strings.TrimSpace(body.KeyName)
	return &body, nil
}

func (r *CreateAPIKeyRequest) Validate() error {
	if strings.TrimSpace(r.KeyName) == "" {
		return errors.New("please enter a name for your API key")
	}
	if len(r.KeyName) > maxKeyNameLength {
		return errors.New("key_name must be at most 100 characters")
	}

	return nil
}
