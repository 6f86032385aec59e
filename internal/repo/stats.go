package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/voicegen-backend/internal/domain"
)

// TasksStats returns the number of tasks userID owns and the greatest
// UpdatedAt among them. The HTTP layer derives list ETags from it.
// When the user has no tasks, maxUpdatedAt is nil.
func TasksStats(ctx context.Context, db *gorm.DB, userID string) (count int64, maxUpdatedAt *time.Time, err error) {
	return latest(db.WithContext(ctx).Model(&domain.GenerationTask{}).Where("user_id = ?", userID))
}

// OrdersStats is TasksStats for credit orders.
func OrdersStats(ctx context.Context, db *gorm.DB, userID string) (count int64, maxUpdatedAt *time.Time, err error) {
	return latest(db.WithContext(ctx).Model(&domain.CreditOrder{}).Where("user_id = ?", userID))
}

func latest(q *gorm.DB) (count int64, maxUpdatedAt *time.Time, err error) {
	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}
