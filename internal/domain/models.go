// Package domain defines the persistence models for users, credits, orders
// and generation tasks. These types are mapped with GORM and form the core
// data layer of the voice generation backend.
package domain

import (
	"time"
)

// Role names stored in user_roles.
const (
	RoleAdmin = "admin"
)

// User is an identity principal resolved from a verified bearer token. The ID
// is the identity provider's subject claim. Users are never hard-deleted.
//
// Fields:
//   - Credits: non-negative balance; mutated only through the ledger.
//   - Blocked: blocked users are rejected by the auth gate.
type User struct {
	ID          string    `json:"id"           gorm:"type:varchar(64);primaryKey"`
	Email       string    `json:"email"        gorm:"type:varchar(255);index"`
	DisplayName string    `json:"display_name" gorm:"type:varchar(120);not null;default:''"`
	Credits     int64     `json:"credits"      gorm:"not null;default:0;check:chk_users_credits_nonneg,credits >= 0"`
	Blocked     bool      `json:"blocked"      gorm:"not null;default:false"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// UserRole grants a named role to a user. Admin checks read this table
// server-side; roles are never taken from token claims.
type UserRole struct {
	UserID    string    `json:"user_id"    gorm:"type:varchar(64);primaryKey"`
	Role      string    `json:"role"       gorm:"type:varchar(32);primaryKey"`
	GrantedBy string    `json:"granted_by" gorm:"type:varchar(64);not null;default:''"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for UserRole.
func (UserRole) TableName() string { return "user_roles" }

// Ledger operations recorded in CreditAuditLog.Op.
const (
	OpDebit         = "debit"
	OpRefund        = "refund"
	OpSignupGrant   = "signup_grant"
	OpOrderApproval = "order_approval"
	OpAdminSet      = "admin_set"
	OpAdminCredit   = "admin_credit"
)

// CreditAuditLog is an append-only record of a balance mutation. Rows are
// written in the same transaction as the balance change they describe.
type CreditAuditLog struct {
	ID         string    `json:"id"          gorm:"type:char(36);primaryKey"`
	UserID     string    `json:"user_id"     gorm:"type:varchar(64);not null;index:idx_audit_user_created,priority:1"`
	ActorID    string    `json:"actor_id"    gorm:"type:varchar(64);not null"`
	Op         string    `json:"op"          gorm:"type:varchar(32);not null"`
	Delta      int64     `json:"delta"       gorm:"not null"`
	OldBalance int64     `json:"old_balance" gorm:"not null"`
	NewBalance int64     `json:"new_balance" gorm:"not null"`
	Reference  string    `json:"reference"   gorm:"type:varchar(64);not null;default:'';index"`
	Note       string    `json:"note"        gorm:"type:text;not null;default:''"`
	CreatedAt  time.Time `json:"created_at"  gorm:"index:idx_audit_user_created,priority:2"`
}

// TableName returns the database table name for CreditAuditLog.
func (CreditAuditLog) TableName() string { return "credit_audit_logs" }

// UsageLog records work billed against a caller-supplied vendor key rather
// than the credit ledger.
type UsageLog struct {
	ID             string    `json:"id"              gorm:"type:char(36);primaryKey"`
	UserID         string    `json:"user_id"         gorm:"type:varchar(64);not null;index"`
	TaskID         string    `json:"task_id"         gorm:"type:char(36);not null;index"`
	Kind           JobKind   `json:"kind"            gorm:"type:varchar(16);not null"`
	Units          int64     `json:"units"           gorm:"not null"`
	KeyFingerprint string    `json:"key_fingerprint" gorm:"type:varchar(64);not null"`
	CreatedAt      time.Time `json:"created_at"`
}

// TableName returns the database table name for UsageLog.
func (UsageLog) TableName() string { return "usage_logs" }

// CreditPackage is a purchasable bundle of credits shown at checkout.
type CreditPackage struct {
	ID         string    `json:"id"          gorm:"type:char(36);primaryKey"`
	Name       string    `json:"name"        gorm:"type:varchar(80);not null"`
	Credits    int64     `json:"credits"     gorm:"not null;check:chk_packages_credits_pos,credits > 0"`
	PriceCents int64     `json:"price_cents" gorm:"not null;check:chk_packages_price_nonneg,price_cents >= 0"`
	Active     bool      `json:"active"      gorm:"not null;default:true;index"`
	SortOrder  int       `json:"sort_order"  gorm:"not null;default:0"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName returns the database table name for CreditPackage.
func (CreditPackage) TableName() string { return "credit_packages" }

// OrderStatus is the lifecycle state of a CreditOrder.
type OrderStatus string

const (
	OrderPending  OrderStatus = "pending"
	OrderApproved OrderStatus = "approved"
	OrderRejected OrderStatus = "rejected"
)

// CreditOrder is a manual top-up request backed by an out-of-band USDT
// payment. It moves from pending to approved or rejected exactly once.
//
// Fields:
//   - Credits: amount requested at checkout.
//   - CreditsGranted: amount actually credited on approval (admin may adjust).
//   - TxID: payment transaction id; unique across orders.
type CreditOrder struct {
	ID             string      `json:"id"              gorm:"type:char(36);primaryKey"`
	UserID         string      `json:"user_id"         gorm:"type:varchar(64);not null;index:idx_orders_user_created,priority:1"`
	PackageID      *string     `json:"package_id,omitempty" gorm:"type:char(36)"`
	Credits        int64       `json:"credits"         gorm:"not null;check:chk_orders_credits_pos,credits > 0"`
	CreditsGranted int64       `json:"credits_granted" gorm:"not null;default:0"`
	PriceCents     int64       `json:"price_cents"     gorm:"not null"`
	Network        string      `json:"network"         gorm:"type:varchar(16);not null"`
	TxID           string      `json:"tx_id"           gorm:"type:varchar(128);not null;uniqueIndex:ux_orders_tx_id"`
	Status         OrderStatus `json:"status"          gorm:"type:varchar(16);not null;default:'pending';index"`
	UserNote       string      `json:"user_note"       gorm:"type:text;not null;default:''"`
	AdminNotes     string      `json:"admin_notes"     gorm:"type:text;not null;default:''"`
	ProcessedBy    *string     `json:"processed_by,omitempty" gorm:"type:varchar(64)"`
	ProcessedAt    *time.Time  `json:"processed_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"      gorm:"index:idx_orders_user_created,priority:2"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// TableName returns the database table name for CreditOrder.
func (CreditOrder) TableName() string { return "credit_orders" }
