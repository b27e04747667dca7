package repository

import (
	"context"
	"time"

	"github.com/vibast-solutions/ms-go-freeflow/app/entity"
)

type ShiftRepository struct {
	db DBTX
}

func NewShiftRepository(db DBTX) *ShiftRepository {
	return &ShiftRepository{db: db}
}

func (r *ShiftRepository) Create(ctx context.Context, shift *entity.Shift) error {
	query := `
		INSERT INTO shifts (
			user_id, api_key_id, shift_id, from_currency, to_currency, from_amount, to_amount,
			status, settle_address, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.ExecContext(ctx, query,
		shift.UserID,
		shift.APIKeyID,
		shift.ShiftID,
		shift.FromCurrency,
		shift.ToCurrency,
		shift.FromAmount,
		shift.ToAmount,
		shift.Status,
		shift.SettleAddress,
		shift.CreatedAt,
		shift.UpdatedAt,
	)
	if err != nil {
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	shift.ID = uint64(id)
	return nil
}

func (r *ShiftRepository) ListRecentByUser(ctx context.Context, userID uint64, limit int) ([]*entity.Shift, error) {
	query := `
		SELECT id, user_id, api_key_id, shift_id, from_currency, to_currency, from_amount, to_amount,
		       status, settle_address, created_at, updated_at
		FROM shifts
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	shifts := make([]*entity.Shift, 0)
	for rows.Next() {
		shift := &entity.Shift{}
		if err := rows.Scan(
			&shift.ID,
			&shift.UserID,
			&shift.APIKeyID,
			&shift.ShiftID,
			&shift.FromCurrency,
			&shift.ToCurrency,
			&shift.FromAmount,
			&shift.ToAmount,
			&shift.Status,
			&shift.SettleAddress,
			&shift.CreatedAt,
			&shift.UpdatedAt,
		); err != nil {
			return nil, err
		}
		shifts = append(shifts, shift)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return shifts, nil
}

func (r *ShiftRepository) ExpirePendingBefore(ctx context.Context, cutoff, now time.Time) (int64, error) {
	query := `
		UPDATE shifts SET status = 'expired', updated_at = ?
		WHERE status = 'pending' AND created_at < ?
	`
	result, err := r.db.ExecContext(ctx, query, now, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
