package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/vibast-solutions/ms-go-freeflow/app/entity"
)

const apiKeyColumns = `id, user_id, key_name, key_prefix, key_hash, status, free_tier_calls_remaining,
		       total_calls, successful_calls, failed_calls, last_used_at, created_at, updated_at`

type APIKeyRepository struct {
	db DBTX
}

func NewAPIKeyRepository(db DBTX) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

func (r *APIKeyRepository) Create(ctx context.Context, key *entity.APIKey) error {
	query := `
		INSERT INTO api_keys (
			user_id, key_name, key_prefix, key_hash, status, free_tier_calls_remaining,
			total_calls, successful_calls, failed_calls, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.ExecContext(ctx, query,
		key.UserID,
		key.KeyName,
		key.KeyPrefix,
		key.KeyHash,
		key.Status,
		key.FreeTierCallsRemaining,
		key.TotalCalls,
		key.SuccessfulCalls,
		key.FailedCalls,
		key.CreatedAt,
		key.UpdatedAt,
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	key.ID = uint64(id)
	return nil
}

func (r *APIKeyRepository) ListByUser(ctx context.Context, userID uint64) ([]*entity.APIKey, error) {
	query := `
		SELECT ` + apiKeyColumns + `
		FROM api_keys
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]*entity.APIKey, 0)
	for rows.Next() {
		key, err := scanAPIKey(rows.Scan)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return keys, nil
}

func (r *APIKeyRepository) FindActiveByHash(ctx context.Context, keyHash string) (*entity.APIKey, error) {
	query := `
		SELECT ` + apiKeyColumns + `
		FROM api_keys
		WHERE key_hash = ? AND status = 'active'
		LIMIT 1
	`
	return r.findOne(ctx, query, keyHash)
}

func (r *APIKeyRepository) FindByIDForUser(ctx context.Context, id, userID uint64) (*entity.APIKey, error) {
	query := `
		SELECT ` + apiKeyColumns + `
		FROM api_keys
		WHERE id = ? AND user_id = ?
	`
	return r.findOne(ctx, query, id, userID)
}

// UpdateStatus reports the number of rows changed, so zero means the key does
// not belong to the user.
func (r *APIKeyRepository) UpdateStatus(ctx context.Context, id, userID uint64, status string, now time.Time) (int64, error) {
	query := `UPDATE api_keys SET status = ?, updated_at = ? WHERE id = ? AND user_id = ?`
	result, err := r.db.ExecContext(ctx, query, status, now, id, userID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *APIKeyRepository) Delete(ctx context.Context, id, userID uint64) (int64, error) {
	query := `DELETE FROM api_keys WHERE id = ? AND user_id = ?`
	result, err := r.db.ExecContext(ctx, query, id, userID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// RecordCall bumps the call counters. Only successful billable calls consume
// the free-tier allowance.
func (r *APIKeyRepository) RecordCall(ctx context.Context, id uint64, success, billable bool, usedAt time.Time) error {
	var succeeded, failed, consumed int
	if success {
		succeeded = 1
		if billable {
			consumed = 1
		}
	} else {
		failed = 1
	}

	query := `
		UPDATE api_keys SET
			total_calls = total_calls + 1,
			successful_calls = successful_calls + ?,
			failed_calls = failed_calls + ?,
			free_tier_calls_remaining = GREATEST(free_tier_calls_remaining - ?, 0),
			last_used_at = ?,
			updated_at = ?
		WHERE id = ?
	`
	_, err := r.db.ExecContext(ctx, query, succeeded, failed, consumed, usedAt, usedAt, id)
	return err
}

func (r *APIKeyRepository) ResetFreeTier(ctx context.Context, calls int, now time.Time) (int64, error) {
	query := `UPDATE api_keys SET free_tier_calls_remaining = ?, updated_at = ? WHERE status = 'active'`
	result, err := r.db.ExecContext(ctx, query, calls, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *APIKeyRepository) findOne(ctx context.Context, query string, args ...interface{}) (*entity.APIKey, error) {
	row := r.db.QueryRowContext(ctx, query, args...)
	key, err := scanAPIKey(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return key, nil
}

func scanAPIKey(scan rowScanner) (*entity.APIKey, error) {
	key := &entity.APIKey{}
	if err := scan(
		&key.ID,
		&key.UserID,
		&key.KeyName,
		&key.KeyPrefix,
		&key.KeyHash,
		&key.Status,
		&key.FreeTierCallsRemaining,
		&key.TotalCalls,
		&key.SuccessfulCalls,
		&key.FailedCalls,
		&key.LastUsedAt,
		&key.CreatedAt,
		&key.UpdatedAt,
	); err != nil {
		return nil, err
	}

	return key, nil
}
