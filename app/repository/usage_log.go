package repository

import (
	"context"
	"time"

	"github.com/vibast-solutions/ms-go-freeflow/app/entity"
)

type UsageLogRepository struct {
	db DBTX
}

func NewUsageLogRepository(db DBTX) *UsageLogRepository {
	return &UsageLogRepository{db: db}
}

func (r *UsageLogRepository) Create(ctx context.Context, log *entity.UsageLog) error {
	query := `
		INSERT INTO api_usage_logs (
			user_id, api_key_id, endpoint, method, status_code, response_time_ms, error_message, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.ExecContext(ctx, query,
		log.UserID,
		log.APIKeyID,
		log.Endpoint,
		log.Method,
		log.StatusCode,
		log.ResponseTimeMS,
		log.ErrorMessage,
		log.CreatedAt,
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	log.ID = uint64(id)
	return nil
}

func (r *UsageLogRepository) ListRecentByUser(ctx context.Context, userID uint64, limit int) ([]*entity.UsageLog, error) {
	query := `
		SELECT id, user_id, api_key_id, endpoint, method, status_code, response_time_ms, error_message, created_at
		FROM api_usage_logs
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]*entity.UsageLog, 0)
	for rows.Next() {
		log := &entity.UsageLog{}
		if err := rows.Scan(
			&log.ID,
			&log.UserID,
			&log.APIKeyID,
			&log.Endpoint,
			&log.Method,
			&log.StatusCode,
			&log.ResponseTimeMS,
			&log.ErrorMessage,
			&log.CreatedAt,
		); err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return logs, nil
}

func (r *UsageLogRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM api_usage_logs WHERE created_at < ?`
	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
