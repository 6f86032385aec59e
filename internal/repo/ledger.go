package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/voicegen-backend/internal/domain"
)

// The balance primitives below are single conditional UPDATE statements.
// They read the resulting balance back afterwards, so callers run them inside
// a transaction to get a consistent (old, new) pair for the audit log.

// GetBalance returns the current credit balance of userID.
func GetBalance(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var u domain.User
	err := db.WithContext(ctx).Select("credits").Where("id = ?", userID).First(&u).Error
	return u.Credits, err
}

// DebitBalance subtracts amount only when the balance covers it.
// ErrPreconditionFailed means the user exists but the balance is too low.
func DebitBalance(ctx context.Context, db *gorm.DB, userID string, amount int64) (oldBal, newBal int64, err error) {
	res := db.WithContext(ctx).Model(&domain.User{}).
		Where("id = ? AND credits >= ?", userID, amount).
		Updates(map[string]any{
			"credits":    gorm.Expr("credits - ?", amount),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, 0, missingOr(ctx, db, userID)
	}
	newBal, err = GetBalance(ctx, db, userID)
	if err != nil {
		return 0, 0, err
	}
	return newBal + amount, newBal, nil
}

// CreditBalance adds amount only when the result stays at or below ceiling.
// ErrPreconditionFailed means the ceiling would be exceeded.
func CreditBalance(ctx context.Context, db *gorm.DB, userID string, amount, ceiling int64) (oldBal, newBal int64, err error) {
	res := db.WithContext(ctx).Model(&domain.User{}).
		Where("id = ? AND credits <= ?", userID, ceiling-amount).
		Updates(map[string]any{
			"credits":    gorm.Expr("credits + ?", amount),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, 0, missingOr(ctx, db, userID)
	}
	newBal, err = GetBalance(ctx, db, userID)
	if err != nil {
		return 0, 0, err
	}
	return newBal - amount, newBal, nil
}

// SetBalance overwrites the balance and returns the previous value. The
// first statement is a write so the row lock is held before the old value
// is read.
func SetBalance(ctx context.Context, db *gorm.DB, userID string, value int64) (oldBal int64, err error) {
	now := time.Now().UTC()
	res := db.WithContext(ctx).Model(&domain.User{}).
		Where("id = ?", userID).
		Update("updated_at", now)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, ErrNotFound
	}
	if oldBal, err = GetBalance(ctx, db, userID); err != nil {
		return 0, err
	}
	err = db.WithContext(ctx).Model(&domain.User{}).
		Where("id = ?", userID).
		Update("credits", value).Error
	return oldBal, err
}

// missingOr distinguishes a failed guard from a missing row.
func missingOr(ctx context.Context, db *gorm.DB, userID string) error {
	var n int64
	if err := db.WithContext(ctx).Model(&domain.User{}).Where("id = ?", userID).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrPreconditionFailed
}

// AppendAudit inserts an audit row. ID and CreatedAt are filled when empty.
func AppendAudit(ctx context.Context, db *gorm.DB, e *domain.CreditAuditLog) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(e).Error
}

// auditScope filters audit rows by user when userID is non-empty.
func auditScope(db *gorm.DB, userID string) *gorm.DB {
	if userID == "" {
		return db
	}
	return db.Where("user_id = ?", userID)
}

// CountAudit counts audit rows, optionally for one user.
func CountAudit(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var n int64
	err := auditScope(db.WithContext(ctx).Model(&domain.CreditAuditLog{}), userID).Count(&n).Error
	return n, err
}

// ListAuditPage returns audit rows newest first, optionally for one user.
func ListAuditPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.CreditAuditLog, error) {
	var out []domain.CreditAuditLog
	err := auditScope(db.WithContext(ctx).Model(&domain.CreditAuditLog{}), userID).
		Order("created_at DESC").Order("id").
		Offset(offset).Limit(limit).
		Find(&out).Error
	return out, err
}

// AppendUsage records work billed to a caller-supplied vendor key.
func AppendUsage(ctx context.Context, db *gorm.DB, u *domain.UsageLog) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(u).Error
}
