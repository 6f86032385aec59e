package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/voicegen-backend/internal/domain"
)

// IncrementRateWindow adds one hit to (key, start) and returns the new count.
func IncrementRateWindow(ctx context.Context, db *gorm.DB, key string, start int64, expires time.Time) (int64, error) {
	row := domain.RateWindow{BucketKey: key, WindowStart: start, Hits: 1, ExpiresAt: expires}
	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "bucket_key"}, {Name: "window_start"}},
		DoUpdates: clause.Assignments(map[string]any{
			"hits": gorm.Expr("rate_windows.hits + 1"),
		}),
	}).Create(&row).Error
	if err != nil {
		return 0, err
	}
	return GetRateWindowHits(ctx, db, key, start)
}

// GetRateWindowHits returns the hit count of (key, start), zero when absent.
func GetRateWindowHits(ctx context.Context, db *gorm.DB, key string, start int64) (int64, error) {
	var w domain.RateWindow
	err := db.WithContext(ctx).
		Where("bucket_key = ? AND window_start = ?", key, start).
		First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return w.Hits, err
}

// PurgeRateWindows deletes windows that expired before now.
func PurgeRateWindows(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("expires_at < ?", now).Delete(&domain.RateWindow{})
	return res.RowsAffected, res.Error
}
