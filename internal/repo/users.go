package repo

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/voicegen-backend/internal/domain"
)

// GetUser loads a user by id or returns ErrNotFound.
func GetUser(ctx context.Context, db *gorm.DB, id string) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// InsertUserIfAbsent inserts u unless a row with the same id exists. The
// boolean reports whether this call created the row.
func InsertUserIfAbsent(ctx context.Context, db *gorm.DB, u *domain.User) (bool, error) {
	res := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(u)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// UpdateDisplayName changes the profile name of a user.
func UpdateDisplayName(ctx context.Context, db *gorm.DB, id, name string) error {
	res := db.WithContext(ctx).Model(&domain.User{}).
		Where("id = ?", id).
		Updates(map[string]any{"display_name": name, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetUserBlocked flips the blocked flag.
func SetUserBlocked(ctx context.Context, db *gorm.DB, id string, blocked bool) error {
	res := db.WithContext(ctx).Model(&domain.User{}).
		Where("id = ?", id).
		Updates(map[string]any{"blocked": blocked, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// userSearch narrows a users query by a case-insensitive email or name match.
func userSearch(db *gorm.DB, q string) *gorm.DB {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return db
	}
	like := "%" + q + "%"
	return db.Where("LOWER(email) LIKE ? OR LOWER(display_name) LIKE ? OR id = ?", like, like, q)
}

// CountUsers returns the number of users matching q.
func CountUsers(ctx context.Context, db *gorm.DB, q string) (int64, error) {
	var n int64
	err := userSearch(db.WithContext(ctx).Model(&domain.User{}), q).Count(&n).Error
	return n, err
}

// ListUsersPage returns users matching q, newest first.
func ListUsersPage(ctx context.Context, db *gorm.DB, q string, offset, limit int) ([]domain.User, error) {
	var out []domain.User
	err := userSearch(db.WithContext(ctx).Model(&domain.User{}), q).
		Order("created_at DESC").Order("id").
		Offset(offset).Limit(limit).
		Find(&out).Error
	return out, err
}

// HasRole reports whether userID holds role.
func HasRole(ctx context.Context, db *gorm.DB, userID, role string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.UserRole{}).
		Where("user_id = ? AND role = ?", userID, role).
		Count(&n).Error
	return n > 0, err
}

// GrantRole records role for userID; granting twice is a no-op.
func GrantRole(ctx context.Context, db *gorm.DB, userID, role, grantedBy string) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&domain.UserRole{UserID: userID, Role: role, GrantedBy: grantedBy, CreatedAt: time.Now().UTC()}).Error
}
