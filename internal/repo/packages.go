package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/voicegen-backend/internal/domain"
)

// CreatePackage inserts a credit package.
func CreatePackage(ctx context.Context, db *gorm.DB, p *domain.CreditPackage) error {
	return db.WithContext(ctx).Create(p).Error
}

// GetPackage loads a package by id.
func GetPackage(ctx context.Context, db *gorm.DB, id string) (*domain.CreditPackage, error) {
	var p domain.CreditPackage
	if err := db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdatePackage applies a partial update.
func UpdatePackage(ctx context.Context, db *gorm.DB, id string, fields map[string]any) error {
	fields["updated_at"] = time.Now().UTC()
	res := db.WithContext(ctx).Model(&domain.CreditPackage{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPackages returns packages ordered for display.
func ListPackages(ctx context.Context, db *gorm.DB, activeOnly bool) ([]domain.CreditPackage, error) {
	var out []domain.CreditPackage
	q := db.WithContext(ctx).Model(&domain.CreditPackage{})
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	err := q.Order("sort_order ASC").Order("credits ASC").Find(&out).Error
	return out, err
}
