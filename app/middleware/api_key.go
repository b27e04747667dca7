package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vibast-solutions/ms-go-freeflow/app/dto"
	"github.com/vibast-solutions/ms-go-freeflow/app/entity"
	"github.com/vibast-solutions/ms-go-freeflow/app/service"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

const (
	ContextKeyAPIKey = "api_key"

	TransportHTTP = "http"
	TransportGRPC = "grpc"
)

type apiKeyAuthenticator interface {
	Authenticate(ctx context.Context, rawKey string) (*entity.APIKey, error)
	CheckQuota(key *entity.APIKey) error
}

type usageRecorder interface {
	Record(record service.UsageRecord)
}

type callObserver interface {
	DeveloperCallCompleted(transport string, statusCode int)
}

type APIKeyMiddleware struct {
	apiKeys  apiKeyAuthenticator
	usage    usageRecorder
	limiter  *RateLimiter
	observer callObserver
}

func NewAPIKeyMiddleware(apiKeys apiKeyAuthenticator, usage usageRecorder, limiter *RateLimiter, observer callObserver) *APIKeyMiddleware {
	return &APIKeyMiddleware{
		apiKeys:  apiKeys,
		usage:    usage,
		limiter:  limiter,
		observer: observer,
	}
}

// RequireAPIKey authenticates and throttles the developer API without
// consuming the free-tier allowance.
func (m *APIKeyMiddleware) RequireAPIKey(next echo.HandlerFunc) echo.HandlerFunc {
	return m.guard(next, false)
}

// RequireBillableAPIKey additionally rejects keys whose free tier is used up.
func (m *APIKeyMiddleware) RequireBillableAPIKey(next echo.HandlerFunc) echo.HandlerFunc {
	return m.guard(next, true)
}

func (m *APIKeyMiddleware) guard(next echo.HandlerFunc, billable bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()

		rawKey := APIKeyFromHeaders(c.Request().Header)
		if rawKey == "" {
			logrus.Debug("Missing api key")
			m.observe(http.StatusUnauthorized)
			return c.JSON(http.StatusUnauthorized, dto.ErrorResponse{Error: "missing api key"})
		}

		key, err := m.apiKeys.Authenticate(c.Request().Context(), rawKey)
		if err != nil {
			if errors.Is(err, service.ErrInvalidAPIKey) {
				logrus.Debug("Invalid api key")
				m.observe(http.StatusUnauthorized)
				return c.JSON(http.StatusUnauthorized, dto.ErrorResponse{Error: "invalid api key"})
			}
			logrus.WithError(err).Error("API key validation failed")
			return c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "internal server error"})
		}

		c.Set(ContextKeyAPIKey, key)
		c.Set(ContextKeyUserID, key.UserID)

		if m.limiter != nil && !m.limiter.Allow(strconv.FormatUint(key.ID, 10)) {
			logrus.WithField("api_key_id", key.ID).Warn("API key rate limit exceeded")
			_ = c.JSON(http.StatusTooManyRequests, dto.ErrorResponse{Error: "rate limit exceeded"})
			m.record(c, key, billable, start)
			return nil
		}

		if billable {
			if err = m.apiKeys.CheckQuota(key); err != nil {
				logrus.WithField("api_key_id", key.ID).Warn("API key free tier exhausted")
				_ = c.JSON(http.StatusTooManyRequests, dto.ErrorResponse{Error: "free tier quota exhausted"})
				m.record(c, key, billable, start)
				return nil
			}
		}

		if err = next(c); err != nil {
			c.Error(err)
		}
		m.record(c, key, billable, start)
		return nil
	}
}

func (m *APIKeyMiddleware) record(c echo.Context, key *entity.APIKey, billable bool, start time.Time) {
	status := c.Response().Status
	m.observe(status)

	record := service.UsageRecord{
		UserID:       key.UserID,
		APIKeyID:     key.ID,
		Endpoint:     c.Request().URL.Path,
		Method:       c.Request().Method,
		StatusCode:   status,
		ResponseTime: time.Since(start),
		Billable:     billable,
	}
	if status >= http.StatusBadRequest {
		record.ErrorMessage = http.StatusText(status)
	}
	m.usage.Record(record)
}

func (m *APIKeyMiddleware) observe(status int) {
	if m.observer != nil {
		m.observer.DeveloperCallCompleted(TransportHTTP, status)
	}
}

// APIKeyFromHeaders accepts either X-API-Key or a bearer token carrying a
// customer key.
func APIKeyFromHeaders(header http.Header) string {
	if key := strings.TrimSpace(header.Get("X-API-Key")); key != "" {
		return key
	}
	if token, ok := BearerToken(header.Get("Authorization")); ok && strings.HasPrefix(token, service.APIKeyPrefix) {
		return token
	}
	return ""
}
