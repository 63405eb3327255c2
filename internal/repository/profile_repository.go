package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"portfolio/internal/models"
)

// ProfileRepository - флаги профиля пользователя (таблица profiles)
type ProfileRepository struct {
	db *sql.DB
}

// NewProfileRepository создает новый экземпляр репозитория
func NewProfileRepository(db *sql.DB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// Get возвращает профиль; если записи нет - профиль по умолчанию
func (r *ProfileRepository) Get(ctx context.Context, userID string) (*models.Profile, error) {
	query := `SELECT user_id, onboarded, updated_at FROM profiles WHERE user_id = $1`

	profile := &models.Profile{}
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&profile.UserID,
		&profile.Onboarded,
		&profile.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &models.Profile{UserID: userID}, nil
		}
		return nil, err
	}

	return profile, nil
}

// MarkOnboarded отмечает, что пользователь подключил первую биржу
func (r *ProfileRepository) MarkOnboarded(ctx context.Context, userID string) error {
	query := `
		INSERT INTO profiles (user_id, onboarded, updated_at)
		VALUES ($1, true, $2)
		ON CONFLICT (user_id) DO UPDATE SET onboarded = true, updated_at = EXCLUDED.updated_at`

	_, err := r.db.ExecContext(ctx, query, userID, time.Now())
	return err
}
