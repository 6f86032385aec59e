package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/voicegen-backend/internal/domain"
)

// CreateOrder inserts a pending order; a reused tx id yields ErrDuplicate.
func CreateOrder(ctx context.Context, db *gorm.DB, o *domain.CreditOrder) error {
	if err := db.WithContext(ctx).Create(o).Error; err != nil {
		if IsDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetOrder loads an order by id.
func GetOrder(ctx context.Context, db *gorm.DB, id string) (*domain.CreditOrder, error) {
	var o domain.CreditOrder
	if err := db.WithContext(ctx).Where("id = ?", id).First(&o).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

// OrderTransition describes the single allowed move out of pending.
type OrderTransition struct {
	To      domain.OrderStatus
	ActorID string
	Notes   string
	// Granted is the amount credited; nil keeps the requested amount.
	Granted *int64
	At      time.Time
}

// TransitionOrder moves a pending order to tr.To. ErrPreconditionFailed
// means the order exists but was already processed.
func TransitionOrder(ctx context.Context, db *gorm.DB, id string, tr OrderTransition) error {
	updates := map[string]any{
		"status":       tr.To,
		"admin_notes":  tr.Notes,
		"processed_by": tr.ActorID,
		"processed_at": tr.At,
		"updated_at":   tr.At,
	}
	if tr.To == domain.OrderApproved {
		if tr.Granted != nil {
			updates["credits_granted"] = *tr.Granted
		} else {
			updates["credits_granted"] = gorm.Expr("credits")
		}
	}
	res := db.WithContext(ctx).Model(&domain.CreditOrder{}).
		Where("id = ? AND status = ?", id, domain.OrderPending).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := db.WithContext(ctx).Model(&domain.CreditOrder{}).Where("id = ?", id).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return ErrPreconditionFailed
	}
	return nil
}

// OrderFilter narrows order listings. Empty fields match everything.
type OrderFilter struct {
	UserID string
	Status domain.OrderStatus
}

func orderScope(db *gorm.DB, f OrderFilter) *gorm.DB {
	if f.UserID != "" {
		db = db.Where("user_id = ?", f.UserID)
	}
	if f.Status != "" {
		db = db.Where("status = ?", f.Status)
	}
	return db
}

// CountOrders counts orders matching f.
func CountOrders(ctx context.Context, db *gorm.DB, f OrderFilter) (int64, error) {
	var n int64
	err := orderScope(db.WithContext(ctx).Model(&domain.CreditOrder{}), f).Count(&n).Error
	return n, err
}

// ListOrdersPage returns orders matching f, newest first.
func ListOrdersPage(ctx context.Context, db *gorm.DB, f OrderFilter, offset, limit int) ([]domain.CreditOrder, error) {
	var out []domain.CreditOrder
	err := orderScope(db.WithContext(ctx).Model(&domain.CreditOrder{}), f).
		Order("created_at DESC").Order("id").
		Offset(offset).Limit(limit).
		Find(&out).Error
	return out, err
}
