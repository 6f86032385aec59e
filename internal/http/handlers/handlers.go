// Package handlers exposes the REST endpoints of the voice generation API.
//
// Handlers are transport-thin: they bind and check input, call application
// services, and translate results into HTTP responses. Business rules
// (charging, refunds, order transitions) live in the services.
package handlers

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/voicegen-backend/internal/domain"
	"github.com/tbourn/voicegen-backend/internal/http/middleware"
	"github.com/tbourn/voicegen-backend/internal/services"
)

//
// Service contracts (context-aware)
//

// TaskAPI submits, reconciles and lists generation tasks.
type TaskAPI interface {
	Submit(ctx context.Context, req services.SubmitRequest) (*services.SubmitResult, error)
	Poll(ctx context.Context, userID string, caller services.UsageMeter, ref string) (*domain.GenerationTask, error)
	Delete(ctx context.Context, userID string, caller services.UsageMeter, ref string) (*services.DeleteResult, error)
	List(ctx context.Context, userID string, kind domain.JobKind, page, pageSize int) ([]domain.GenerationTask, int64, error)
	Stats(ctx context.Context, userID string) (int64, *time.Time, error)
}

// MeterResolver picks the usage meter for a request from its X-API-Key.
type MeterResolver interface {
	Resolve(apiKey string) services.UsageMeter
}

// AccountAPI covers profiles and the admin user operations.
type AccountAPI interface {
	Profile(ctx context.Context, userID string) (*domain.User, error)
	UpdateProfile(ctx context.Context, userID, displayName string) (*domain.User, error)
	ListUsers(ctx context.Context, q string, page, pageSize int) ([]domain.User, int64, error)
	SetBlocked(ctx context.Context, adminID, userID string, blocked bool) (*domain.User, error)
	SetCredits(ctx context.Context, adminID, userID string, value int64, note string) (services.Movement, error)
	AddCredits(ctx context.Context, adminID, userID string, amount int64, note string) (services.Movement, error)
}

// LedgerAPI reads balances and the audit trail.
type LedgerAPI interface {
	Balance(ctx context.Context, userID string) (int64, error)
	History(ctx context.Context, userID string, page, pageSize int) ([]domain.CreditAuditLog, int64, error)
}

// OrderAPI manages manual credit top-ups.
type OrderAPI interface {
	Create(ctx context.Context, userID string, in services.CreateOrderInput) (*domain.CreditOrder, error)
	ListMine(ctx context.Context, userID string, page, pageSize int) ([]domain.CreditOrder, int64, error)
	List(ctx context.Context, status domain.OrderStatus, page, pageSize int) ([]domain.CreditOrder, int64, error)
	Stats(ctx context.Context, userID string) (int64, *time.Time, error)
	Approve(ctx context.Context, adminID, orderID string, in services.ApproveInput) (*domain.CreditOrder, error)
	Reject(ctx context.Context, adminID, orderID, notes string) (*domain.CreditOrder, error)
}

// PackageAPI manages the credit package catalogue.
type PackageAPI interface {
	List(ctx context.Context, activeOnly bool) ([]domain.CreditPackage, error)
	Create(ctx context.Context, in services.PackageInput) (*domain.CreditPackage, error)
	Update(ctx context.Context, id string, in services.PackageInput) (*domain.CreditPackage, error)
	Deactivate(ctx context.Context, id string) error
}

//
// Handler wiring
//

// Deps bundles the services the handlers call.
type Deps struct {
	Tasks    TaskAPI
	Meters   MeterResolver
	Accounts AccountAPI
	Ledger   LedgerAPI
	Orders   OrderAPI
	Packages PackageAPI

	// MaxUploadBytes caps a single uploaded audio file.
	MaxUploadBytes int64
	// Now is replaced in tests; it decides derived task expiry.
	Now func() time.Time
}

// Handlers groups the HTTP endpoints.
type Handlers struct {
	tasks    TaskAPI
	meters   MeterResolver
	accounts AccountAPI
	ledger   LedgerAPI
	orders   OrderAPI
	packages PackageAPI

	maxUpload int64
	now       func() time.Time
}

// New constructs Handlers from d.
func New(d Deps) *Handlers {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Handlers{
		tasks:     d.Tasks,
		meters:    d.Meters,
		accounts:  d.Accounts,
		ledger:    d.Ledger,
		orders:    d.Orders,
		packages:  d.Packages,
		maxUpload: d.MaxUploadBytes,
		now:       now,
	}
}

// userID is the verified caller set by the Auth middleware.
func userID(c *gin.Context) string {
	return middleware.UserID(c)
}

// meter resolves the usage meter from the X-API-Key header.
func (h *Handlers) meter(c *gin.Context) services.UsageMeter {
	return h.meters.Resolve(c.GetHeader("X-API-Key"))
}
