package services

import (
	"context"
	"errors"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/voicegen-backend/internal/domain"
	"github.com/tbourn/voicegen-backend/internal/observability"
	"github.com/tbourn/voicegen-backend/internal/repo"
	"github.com/tbourn/voicegen-backend/internal/utils"
)

var txIDPattern = regexp.MustCompile(`^[A-Za-z0-9:_\-]{8,128}$`)

// CreateOrderInput is a user's top-up request. Either PackageID or Credits
// selects the amount.
type CreateOrderInput struct {
	PackageID string
	Credits   int64
	Network   string
	TxID      string
	Note      string
}

// ApproveInput carries the admin's decision details.
type ApproveInput struct {
	// TargetUserID, when set, must name the order's owner.
	TargetUserID string
	// Credits overrides the requested amount.
	Credits *int64
	Notes   string
}

// OrderService manages manual credit top-ups.
type OrderService struct {
	DB       *gorm.DB
	Ledger   *Ledger
	Pricing  Pricing
	Networks []string
}

// Create records a pending order.
func (s *OrderService) Create(ctx context.Context, userID string, in CreateOrderInput) (*domain.CreditOrder, error) {
	network := strings.ToUpper(strings.TrimSpace(in.Network))
	if !slices.ContainsFunc(s.Networks, func(n string) bool { return strings.EqualFold(n, network) }) {
		return nil, invalid("network", "must be one of "+strings.Join(s.Networks, ", "))
	}
	txID := strings.TrimSpace(in.TxID)
	if !txIDPattern.MatchString(txID) {
		return nil, invalid("tx_id", "must be 8-128 letters, digits, ':', '_' or '-'")
	}

	order := &domain.CreditOrder{
		ID:       uuid.NewString(),
		UserID:   userID,
		Network:  network,
		TxID:     txID,
		Status:   domain.OrderPending,
		UserNote: strings.TrimSpace(in.Note),
	}
	if id := strings.TrimSpace(in.PackageID); id != "" {
		pkg, err := repo.GetPackage(ctx, s.DB, id)
		if repo.IsNotFound(err) || (err == nil && !pkg.Active) {
			return nil, ErrPackageNotFound
		}
		if err != nil {
			return nil, err
		}
		order.PackageID = &pkg.ID
		order.Credits = pkg.Credits
		order.PriceCents = pkg.PriceCents
	} else {
		if in.Credits <= 0 {
			return nil, invalid("credits", "must be positive")
		}
		if in.Credits > s.Ledger.MaxDelta {
			return nil, ErrDeltaTooLarge
		}
		order.Credits = in.Credits
		order.PriceCents = s.Pricing.OrderPriceCents(in.Credits)
	}

	if err := repo.CreateOrder(ctx, s.DB, order); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return nil, ErrDuplicateTxID
		}
		return nil, err
	}
	return order, nil
}

// ListMine pages through a user's orders.
func (s *OrderService) ListMine(ctx context.Context, userID string, page, pageSize int) ([]domain.CreditOrder, int64, error) {
	return s.list(ctx, repo.OrderFilter{UserID: userID}, page, pageSize)
}

// List pages through all orders, optionally by status.
func (s *OrderService) List(ctx context.Context, status domain.OrderStatus, page, pageSize int) ([]domain.CreditOrder, int64, error) {
	switch status {
	case "", domain.OrderPending, domain.OrderApproved, domain.OrderRejected:
	default:
		return nil, 0, invalid("status", "must be pending, approved or rejected")
	}
	return s.list(ctx, repo.OrderFilter{Status: status}, page, pageSize)
}

func (s *OrderService) list(ctx context.Context, f repo.OrderFilter, page, pageSize int) ([]domain.CreditOrder, int64, error) {
	p := utils.NormalizePage(page, pageSize)
	total, err := repo.CountOrders(ctx, s.DB, f)
	if err != nil {
		return nil, 0, err
	}
	rows, err := repo.ListOrdersPage(ctx, s.DB, f, p.Offset(), p.PageSize)
	return rows, total, err
}

// Stats returns the list fingerprint used for ETags.
func (s *OrderService) Stats(ctx context.Context, userID string) (int64, *time.Time, error) {
	return repo.OrdersStats(ctx, s.DB, userID)
}

// Approve moves a pending order to approved and credits its owner, in one
// transaction. A processed order yields ErrOrderProcessed and no credit.
func (s *OrderService) Approve(ctx context.Context, adminID, orderID string, in ApproveInput) (*domain.CreditOrder, error) {
	tr := otel.Tracer("services/OrderService")
	ctx, span := tr.Start(ctx, "Approve",
		trace.WithAttributes(attribute.String("order.id", orderID), attribute.String("admin.id", adminID)))
	defer span.End()

	if in.Credits != nil && *in.Credits <= 0 {
		return nil, invalid("credits", "must be positive")
	}

	var out *domain.CreditOrder
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := repo.GetOrder(ctx, tx, orderID)
		if repo.IsNotFound(err) {
			return ErrOrderNotFound
		}
		if err != nil {
			return err
		}
		if t := strings.TrimSpace(in.TargetUserID); t != "" && t != order.UserID {
			return invalid("target_user_id", "does not match the order owner")
		}

		err = repo.TransitionOrder(ctx, tx, orderID, repo.OrderTransition{
			To:      domain.OrderApproved,
			ActorID: adminID,
			Notes:   strings.TrimSpace(in.Notes),
			Granted: in.Credits,
			At:      time.Now().UTC(),
		})
		if errors.Is(err, repo.ErrPreconditionFailed) {
			return ErrOrderProcessed
		}
		if err != nil {
			return err
		}

		granted := order.Credits
		if in.Credits != nil {
			granted = *in.Credits
		}
		if _, err := s.Ledger.CreditTx(ctx, tx, order.UserID, granted, Entry{
			Actor:     adminID,
			Op:        domain.OpOrderApproval,
			Reference: order.ID,
			Note:      order.Network + " " + order.TxID,
		}); err != nil {
			return err
		}
		out, err = repo.GetOrder(ctx, tx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	observability.OrdersProcessed.WithLabelValues(string(domain.OrderApproved)).Inc()
	zerolog.Ctx(ctx).Info().
		Str("order_id", orderID).
		Str("user_id", out.UserID).
		Int64("credits", out.CreditsGranted).
		Msg("order approved")
	return out, nil
}

// Reject closes a pending order without crediting.
func (s *OrderService) Reject(ctx context.Context, adminID, orderID, notes string) (*domain.CreditOrder, error) {
	err := repo.TransitionOrder(ctx, s.DB, orderID, repo.OrderTransition{
		To:      domain.OrderRejected,
		ActorID: adminID,
		Notes:   strings.TrimSpace(notes),
		At:      time.Now().UTC(),
	})
	switch {
	case errors.Is(err, repo.ErrPreconditionFailed):
		return nil, ErrOrderProcessed
	case repo.IsNotFound(err):
		return nil, ErrOrderNotFound
	case err != nil:
		return nil, err
	}
	observability.OrdersProcessed.WithLabelValues(string(domain.OrderRejected)).Inc()
	return repo.GetOrder(ctx, s.DB, orderID)
}
