package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vibast-solutions/ms-go-freeflow/app/entity"
	"github.com/vibast-solutions/ms-go-freeflow/app/pricing"
	"github.com/vibast-solutions/ms-go-freeflow/app/types"
	"github.com/vibast-solutions/ms-go-freeflow/config"

	"github.com/sirupsen/logrus"
)

var ErrQuoteUnavailable = errors.New("failed to get conversion quote")

const (
	ConversionOutcomeSuccess = "success"
	ConversionOutcomeQuote   = "quote_error"
	ConversionOutcomeStore   = "store_error"

	conversionInitiatedMessage = "Conversion initiated successfully"
)

type QuoteProvider interface {
	Pair(ctx context.Context, from, to string) (*pricing.Quote, error)
}

// ConversionRecorder observes the outcome of every conversion attempt.
type ConversionRecorder interface {
	ConversionCompleted(outcome string)
}

type shiftRepository interface {
	Create(ctx context.Context, shift *entity.Shift) error
	ListRecentByUser(ctx context.Context, userID uint64, limit int) ([]*entity.Shift, error)
	ExpirePendingBefore(ctx context.Context, cutoff, now time.Time) (int64, error)
}

type ShiftService interface {
	// Convert records a pending shift for userID. apiKeyID is zero for
	// dashboard conversions.
	Convert(ctx context.Context, userID, apiKeyID uint64, req *types.ConvertRequest) (*types.ConvertResponse, error)
	ListRecent(ctx context.Context, userID uint64, limit int) ([]*types.Shift, error)
	ExpireStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

type ShiftServiceOption func(*shiftService)

type shiftService struct {
	repo     shiftRepository
	quotes   QuoteProvider
	cfg      *config.Config
	recorder ConversionRecorder
	now      func() time.Time
}

func NewShiftService(repo shiftRepository, quotes QuoteProvider, cfg *config.Config, opts ...ShiftServiceOption) ShiftService {
	svc := &shiftService{
		repo:   repo,
		quotes: quotes,
		cfg:    cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

func WithConversionRecorder(recorder ConversionRecorder) ShiftServiceOption {
	return func(s *shiftService) {
		s.recorder = recorder
	}
}

func WithClock(now func() time.Time) ShiftServiceOption {
	return func(s *shiftService) {
		if now != nil {
			s.now = now
		}
	}
}

func (s *shiftService) Convert(ctx context.Context, userID, apiKeyID uint64, req *types.ConvertRequest) (*types.ConvertResponse, error) {
	quote, err := s.quotes.Pair(ctx, req.FromCurrency, req.ToCurrency)
	if err != nil {
		s.observe(ConversionOutcomeQuote)
		return nil, fmt.Errorf("%w: %s", ErrQuoteUnavailable, err.Error())
	}

	logrus.WithFields(logrus.Fields{
		"user_id":       userID,
		"from_currency": req.FromCurrency,
		"to_currency":   req.ToCurrency,
		"quote_rate":    quote.Rate,
	}).Debug("Received conversion quote")

	now := s.now()
	shift := &entity.Shift{
		UserID:        userID,
		ShiftID:       fmt.Sprintf("shift_%d", now.UnixMilli()),
		FromCurrency:  req.FromCurrency,
		ToCurrency:    req.ToCurrency,
		FromAmount:    req.Amount,
		ToAmount:      req.Amount * s.cfg.Conversion.EstimateMultiplier,
		Status:        entity.ShiftStatusPending,
		SettleAddress: req.SettleAddress,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if apiKeyID > 0 {
		shift.APIKeyID = sql.NullInt64{Int64: int64(apiKeyID), Valid: true}
	}

	if err = s.repo.Create(ctx, shift); err != nil {
		s.observe(ConversionOutcomeStore)
		return nil, err
	}

	s.observe(ConversionOutcomeSuccess)
	return &types.ConvertResponse{
		ShiftID:      shift.ShiftID,
		FromCurrency: shift.FromCurrency,
		ToCurrency:   shift.ToCurrency,
		FromAmount:   shift.FromAmount,
		ToAmount:     shift.ToAmount,
		Status:       shift.Status,
		Message:      conversionInitiatedMessage,
	}, nil
}

func (s *shiftService) ListRecent(ctx context.Context, userID uint64, limit int) ([]*types.Shift, error) {
	shifts, err := s.repo.ListRecentByUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}

	views := make([]*types.Shift, 0, len(shifts))
	for _, shift := range shifts {
		views = append(views, types.NewShiftFromEntity(shift))
	}
	return views, nil
}

func (s *shiftService) ExpireStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := s.now()
	return s.repo.ExpirePendingBefore(ctx, now.Add(-olderThan), now)
}

func (s *shiftService) observe(outcome string) {
	if s.recorder != nil {
		s.recorder.ConversionCompleted(outcome)
	}
}
