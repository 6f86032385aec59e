package domain

import "time"

// Idempotency records the outcome of a previously processed submission,
// keyed by (user_id, scope, key). Scope is the route template, so the same
// key may be reused across endpoints. ResourceID is the created task.
type Idempotency struct {
	ID         string    `gorm:"type:char(36);primaryKey"`
	UserID     string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_user_scope_key,priority:1"`
	Scope      string    `gorm:"type:varchar(128);not null;uniqueIndex:ux_user_scope_key,priority:2"`
	Key        string    `gorm:"type:varchar(200);not null;uniqueIndex:ux_user_scope_key,priority:3"`
	ResourceID string    `gorm:"type:char(36);not null"`
	Status     int       `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null;autoCreateTime"`
	ExpiresAt  time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }

// RateWindow is one fixed window of the sliding-window request counter.
// WindowStart is unix seconds. The estimate for a bucket blends the
// previous and current windows.
type RateWindow struct {
	BucketKey   string    `gorm:"type:varchar(191);primaryKey"`
	WindowStart int64     `gorm:"primaryKey;autoIncrement:false"`
	Hits        int64     `gorm:"not null;default:0"`
	ExpiresAt   time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (RateWindow) TableName() string { return "rate_windows" }
