package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/vibast-solutions/ms-go-freeflow/app/entity"
	"github.com/vibast-solutions/ms-go-freeflow/app/types"
	"github.com/vibast-solutions/ms-go-freeflow/config"
)

var (
	ErrAPIKeyNotFound    = errors.New("api key not found")
	ErrInvalidAPIKey     = errors.New("invalid or revoked api key")
	ErrFreeTierExhausted = errors.New("free tier quota exhausted")
)

const (
	APIKeyPrefix       = "ff_"
	apiKeyRandomBytes  = 32
	apiKeyDisplayChars = 10
)

type apiKeyRepository interface {
	Create(ctx context.Context, key *entity.APIKey) error
	ListByUser(ctx context.Context, userID uint64) ([]*entity.APIKey, error)
	FindActiveByHash(ctx context.Context, keyHash string) (*entity.APIKey, error)
	UpdateStatus(ctx context.Context, id, userID uint64, status string, now time.Time) (int64, error)
	Delete(ctx context.Context, id, userID uint64) (int64, error)
}

type APIKeyService interface {
	Create(ctx context.Context, userID uint64, req *types.CreateAPIKeyRequest) (*types.CreateAPIKeyResponse, error)
	List(ctx context.Context, userID uint64) ([]*types.APIKey, error)
	Revoke(ctx context.Context, userID, keyID uint64) error
	Delete(ctx context.Context, userID, keyID uint64) error
	Authenticate(ctx context.Context, rawKey string) (*entity.APIKey, error)
	CheckQuota(key *entity.APIKey) error
	Stats(ctx context.Context, userID uint64) (*types.APIKeyStats, error)
}

type apiKeyService struct {
	repo apiKeyRepository
	cfg  *config.Config
}

func NewAPIKeyService(repo apiKeyRepository, cfg *config.Config) APIKeyService {
	return &apiKeyService{
		repo: repo,
		cfg:  cfg,
	}
}

func (s *apiKeyService) Create(ctx context.Context, userID uint64, req *types.CreateAPIKeyRequest) (*types.CreateAPIKeyResponse, error) {
	rawKey, err := GenerateAPIKey()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	key := &entity.APIKey{
		UserID:                 userID,
		KeyName:                req.KeyName,
		KeyPrefix:              rawKey[:apiKeyDisplayChars],
		KeyHash:                HashAPIKey(rawKey),
		Status:                 entity.APIKeyStatusActive,
		FreeTierCallsRemaining: s.cfg.APIKeys.FreeTierCalls,
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	if err = s.repo.Create(ctx, key); err != nil {
		return nil, err
	}

	return &types.CreateAPIKeyResponse{
		APIKey:  types.NewAPIKeyFromEntity(key),
		RawKey:  rawKey,
		Message: "API key created successfully",
	}, nil
}

func (s *apiKeyService) List(ctx context.Context, userID uint64) ([]*types.APIKey, error) {
	keys, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	views := make([]*types.APIKey, 0, len(keys))
	for _, key := range keys {
		views = append(views, types.NewAPIKeyFromEntity(key))
	}
	return views, nil
}

func (s *apiKeyService) Revoke(ctx context.Context, userID, keyID uint64) error {
	affected, err := s.repo.UpdateStatus(ctx, keyID, userID, entity.APIKeyStatusRevoked, time.Now())
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAPIKeyNotFound
	}
	return nil
}

func (s *apiKeyService) Delete(ctx context.Context, userID, keyID uint64) error {
	affected, err := s.repo.Delete(ctx, keyID, userID)
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAPIKeyNotFound
	}
	return nil
}

func (s *apiKeyService) Authenticate(ctx context.Context, rawKey string) (*entity.APIKey, error) {
	if len(rawKey) <= len(APIKeyPrefix) || rawKey[:len(APIKeyPrefix)] != APIKeyPrefix {
		return nil, ErrInvalidAPIKey
	}

	key, err := s.repo.FindActiveByHash(ctx, HashAPIKey(rawKey))
	if err != nil {
		return nil, err
	}
	if key == nil || !key.IsActive() {
		return nil, ErrInvalidAPIKey
	}

	return key, nil
}

func (s *apiKeyService) CheckQuota(key *entity.APIKey) error {
	if key.FreeTierCallsRemaining <= 0 {
		return ErrFreeTierExhausted
	}
	return nil
}

func (s *apiKeyService) Stats(ctx context.Context, userID uint64) (*types.APIKeyStats, error) {
	keys, err := s.List(ctx, userID)
	if err != nil {
		return nil, err
	}

	stats := SummarizeAPIKeys(keys)
	return &stats, nil
}

// SummarizeAPIKeys sums call counters across keys. Revoked keys still
// contribute their historical calls.
func SummarizeAPIKeys(keys []*types.APIKey) types.APIKeyStats {
	var stats types.APIKeyStats
	for _, key := range keys {
		stats.TotalCalls += key.TotalCalls
		stats.SuccessfulCalls += key.SuccessfulCalls
		stats.FailedCalls += key.FailedCalls
		if key.Status == entity.APIKeyStatusActive {
			stats.ActiveKeys++
		}
	}
	return stats
}

// GenerateAPIKey returns a new raw key: the ff_ prefix followed by 64
// lowercase hex characters.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, apiKeyRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return APIKeyPrefix + hex.EncodeToString(buf), nil
}

func HashAPIKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}
