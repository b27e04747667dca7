package service

import (
	"context"
	"database/sql"
	"math"
	"net/http"
	"time"

	"github.com/vibast-solutions/ms-go-freeflow/app/entity"
	"github.com/vibast-solutions/ms-go-freeflow/app/repository"
	"github.com/vibast-solutions/ms-go-freeflow/app/types"
	"github.com/vibast-solutions/ms-go-freeflow/config"

	"github.com/sirupsen/logrus"
)

const MonitoringLogLimit = 50

// UsageRecord describes one developer API call.
type UsageRecord struct {
	UserID       uint64
	APIKeyID     uint64
	Endpoint     string
	Method       string
	StatusCode   int
	ResponseTime time.Duration
	ErrorMessage string
	// Billable calls consume one free-tier call when they succeed.
	Billable bool
}

func (r UsageRecord) Succeeded() bool {
	return r.StatusCode < http.StatusBadRequest
}

type usageLogRepository interface {
	ListRecentByUser(ctx context.Context, userID uint64, limit int) ([]*entity.UsageLog, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type freeTierResetter interface {
	ResetFreeTier(ctx context.Context, calls int, now time.Time) (int64, error)
}

type UsageService interface {
	Record(record UsageRecord)
	Monitoring(ctx context.Context, userID uint64) (*types.MonitoringResponse, error)
	Prune(ctx context.Context, retention time.Duration) (int64, error)
	ResetFreeTier(ctx context.Context) (int64, error)
}

type UsageServiceOption func(*usageService)

type usageService struct {
	db          *sql.DB
	logRepo     usageLogRepository
	keyRepo     freeTierResetter
	cfg         *config.Config
	asyncRunner AsyncRunner
}

func NewUsageService(
	db *sql.DB,
	logRepo usageLogRepository,
	keyRepo freeTierResetter,
	cfg *config.Config,
	opts ...UsageServiceOption,
) UsageService {
	svc := &usageService{
		db:          db,
		logRepo:     logRepo,
		keyRepo:     keyRepo,
		cfg:         cfg,
		asyncRunner: goAsyncRunner,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

func WithUsageAsyncRunner(runner AsyncRunner) UsageServiceOption {
	return func(s *usageService) {
		if runner != nil {
			s.asyncRunner = runner
		}
	}
}

// Record stores the call and bumps the key counters in one transaction
// without blocking the caller.
func (s *usageService) Record(record UsageRecord) {
	s.asyncRunner(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.record(ctx, record); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"api_key_id": record.APIKeyID,
				"endpoint":   record.Endpoint,
			}).Error("failed to record api usage")
		}
	})
}

func (s *usageService) record(ctx context.Context, record UsageRecord) error {
	now := time.Now()
	log := &entity.UsageLog{
		UserID:     record.UserID,
		APIKeyID:   record.APIKeyID,
		Endpoint:   record.Endpoint,
		Method:     record.Method,
		StatusCode: record.StatusCode,
		CreatedAt:  now,
	}
	if record.ResponseTime > 0 {
		log.ResponseTimeMS = sql.NullInt64{Int64: record.ResponseTime.Milliseconds(), Valid: true}
	}
	if record.ErrorMessage != "" {
		log.ErrorMessage = sql.NullString{String: record.ErrorMessage, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err = repository.NewUsageLogRepository(tx).Create(ctx, log); err != nil {
		return err
	}

	if err = repository.NewAPIKeyRepository(tx).RecordCall(ctx, record.APIKeyID, record.Succeeded(), record.Billable, now); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *usageService) Monitoring(ctx context.Context, userID uint64) (*types.MonitoringResponse, error) {
	logs, err := s.logRepo.ListRecentByUser(ctx, userID, MonitoringLogLimit)
	if err != nil {
		return nil, err
	}

	views := make([]*types.UsageLog, 0, len(logs))
	for _, log := range logs {
		views = append(views, types.NewUsageLogFromEntity(log))
	}

	return &types.MonitoringResponse{
		Logs:  views,
		Stats: SummarizeUsage(logs),
	}, nil
}

func (s *usageService) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	return s.logRepo.DeleteBefore(ctx, time.Now().Add(-retention))
}

func (s *usageService) ResetFreeTier(ctx context.Context) (int64, error) {
	return s.keyRepo.ResetFreeTier(ctx, s.cfg.APIKeys.FreeTierCalls, time.Now())
}

// SummarizeUsage computes the monitoring page figures. The average divides by
// the total number of logs, including logs without a recorded response time.
func SummarizeUsage(logs []*entity.UsageLog) types.UsageSummary {
	total := len(logs)
	if total == 0 {
		return types.UsageSummary{}
	}

	var successes, errorCount int
	var responseTimeSum int64
	for _, log := range logs {
		if log.StatusCode >= http.StatusOK && log.StatusCode < http.StatusMultipleChoices {
			successes++
		}
		if log.StatusCode >= http.StatusBadRequest {
			errorCount++
		}
		if log.ResponseTimeMS.Valid {
			responseTimeSum += log.ResponseTimeMS.Int64
		}
	}

	return types.UsageSummary{
		TotalRequests:     total,
		SuccessRate:       float64(successes) / float64(total) * 100,
		AvgResponseTimeMS: int64(math.Round(float64(responseTimeSum) / float64(total))),
		ErrorCount:        errorCount,
	}
}
