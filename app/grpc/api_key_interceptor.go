package grpc

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vibast-solutions/ms-go-freeflow/app/entity"
	"github.com/vibast-solutions/ms-go-freeflow/app/middleware"
	"github.com/vibast-solutions/ms-go-freeflow/app/service"

	"github.com/sirupsen/logrus"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type apiKeyContextKey struct{}

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

// APIKeyInterceptor applies the developer API gates to gRPC calls. Every
// method is throttled per key; only Convert is billed against the free tier.
type APIKeyInterceptor struct {
	apiKeys  apiKeyAuthenticator
	usage    usageRecorder
	limiter  *middleware.RateLimiter
	observer callObserver
}

func NewAPIKeyInterceptor(apiKeys apiKeyAuthenticator, usage usageRecorder, limiter *middleware.RateLimiter, observer callObserver) *APIKeyInterceptor {
	return &APIKeyInterceptor{
		apiKeys:  apiKeys,
		usage:    usage,
		limiter:  limiter,
		observer: observer,
	}
}

func (i *APIKeyInterceptor) Unary() gogrpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *gogrpc.UnaryServerInfo, handler gogrpc.UnaryHandler) (any, error) {
		start := time.Now()

		rawKey := incomingAPIKeyFromMetadata(ctx)
		if rawKey == "" {
			i.observe(http.StatusUnauthorized)
			return nil, status.Error(codes.Unauthenticated, "missing api key")
		}

		key, err := i.apiKeys.Authenticate(ctx, rawKey)
		if err != nil {
			if errors.Is(err, service.ErrInvalidAPIKey) {
				i.observe(http.StatusUnauthorized)
				return nil, status.Error(codes.Unauthenticated, "invalid api key")
			}
			logrus.WithError(err).Error("API key validation failed (grpc)")
			return nil, status.Error(codes.Internal, "internal server error")
		}

		billable := info.FullMethod == ConvertFullMethod

		if i.limiter != nil && !i.limiter.Allow(strconv.FormatUint(key.ID, 10)) {
			logrus.WithField("api_key_id", key.ID).Warn("API key rate limit exceeded (grpc)")
			err = status.Error(codes.ResourceExhausted, "rate limit exceeded")
			i.record(key, info.FullMethod, billable, start, err)
			return nil, err
		}

		if billable {
			if quotaErr := i.apiKeys.CheckQuota(key); quotaErr != nil {
				logrus.WithField("api_key_id", key.ID).Warn("API key free tier exhausted (grpc)")
				err = status.Error(codes.ResourceExhausted, "free tier quota exhausted")
				i.record(key, info.FullMethod, billable, start, err)
				return nil, err
			}
		}

		resp, err := handler(context.WithValue(ctx, apiKeyContextKey{}, key), req)
		i.record(key, info.FullMethod, billable, start, err)
		return resp, err
	}
}

func (i *APIKeyInterceptor) record(key *entity.APIKey, method string, billable bool, start time.Time, err error) {
	statusCode := HTTPStatusFromCode(status.Code(err))
	i.observe(statusCode)

	record := service.UsageRecord{
		UserID:       key.UserID,
		APIKeyID:     key.ID,
		Endpoint:     method,
		Method:       http.MethodPost,
		StatusCode:   statusCode,
		ResponseTime: time.Since(start),
		Billable:     billable,
	}
	if err != nil {
		record.ErrorMessage = status.Convert(err).Message()
	}
	if i.usage != nil {
		i.usage.Record(record)
	}
}

func (i *APIKeyInterceptor) observe(statusCode int) {
	if i.observer != nil {
		i.observer.DeveloperCallCompleted(middleware.TransportGRPC, statusCode)
	}
}

// APIKeyFromContext returns the key attached by the interceptor.
func APIKeyFromContext(ctx context.Context) (*entity.APIKey, bool) {
	key, ok := ctx.Value(apiKeyContextKey{}).(*entity.APIKey)
	return key, ok && key != nil
}

// HTTPStatusFromCode maps gRPC codes onto the HTTP statuses stored in usage
// logs so both transports share one monitoring view.
func HTTPStatusFromCode(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unavailable:
		return http.StatusBadGateway
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func incomingAPIKeyFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get("x-api-key")
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}
