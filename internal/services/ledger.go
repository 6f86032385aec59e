package services

import (
	"context"
	"errors"

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

// Ledger owns every change to a user's credit balance. Each mutation is a
// single conditional UPDATE plus an audit row, in one transaction.
type Ledger struct {
	DB       *gorm.DB
	Ceiling  int64
	MaxDelta int64
}

// Entry describes why a balance moved.
type Entry struct {
	Actor     string
	Op        string
	Reference string
	Note      string
}

// Movement is the balance before and after a mutation.
type Movement struct {
	Old int64 `json:"old_credits"`
	New int64 `json:"new_credits"`
}

// Balance returns the current credits of userID.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	bal, err := repo.GetBalance(ctx, l.DB, userID)
	if repo.IsNotFound(err) {
		return 0, ErrUserNotFound
	}
	return bal, err
}

// Debit takes amount from userID or fails with ErrInsufficientFunds.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64, e Entry) (Movement, error) {
	var mv Movement
	err := l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		mv, err = l.DebitTx(ctx, tx, userID, amount, e)
		return err
	})
	return mv, err
}

// DebitTx is Debit inside the caller's transaction.
func (l *Ledger) DebitTx(ctx context.Context, tx *gorm.DB, userID string, amount int64, e Entry) (Movement, error) {
	ctx, span := otel.Tracer("services/Ledger").Start(ctx, "Debit",
		trace.WithAttributes(attribute.String("user.id", userID), attribute.Int64("amount", amount)))
	defer span.End()

	if amount <= 0 {
		return Movement{}, invalid("amount", "must be positive")
	}
	oldBal, newBal, err := repo.DebitBalance(ctx, tx, userID, amount)
	switch {
	case errors.Is(err, repo.ErrPreconditionFailed):
		return Movement{}, ErrInsufficientFunds
	case repo.IsNotFound(err):
		return Movement{}, ErrUserNotFound
	case err != nil:
		return Movement{}, err
	}
	return l.record(ctx, tx, userID, -amount, oldBal, newBal, e)
}

// Credit adds amount to userID, bounded by MaxDelta and Ceiling.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, e Entry) (Movement, error) {
	var mv Movement
	err := l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		mv, err = l.CreditTx(ctx, tx, userID, amount, e)
		return err
	})
	return mv, err
}

// CreditTx is Credit inside the caller's transaction.
func (l *Ledger) CreditTx(ctx context.Context, tx *gorm.DB, userID string, amount int64, e Entry) (Movement, error) {
	if amount <= 0 {
		return Movement{}, invalid("credits", "must be positive")
	}
	if amount > l.MaxDelta {
		return Movement{}, ErrDeltaTooLarge
	}
	return l.add(ctx, tx, userID, amount, e)
}

// RefundTx returns previously debited credits. It is bounded by the
// ceiling only, since it restores an earlier debit.
func (l *Ledger) RefundTx(ctx context.Context, tx *gorm.DB, userID string, amount int64, e Entry) (Movement, error) {
	if amount <= 0 {
		return Movement{}, invalid("amount", "must be positive")
	}
	return l.add(ctx, tx, userID, amount, e)
}

func (l *Ledger) add(ctx context.Context, tx *gorm.DB, userID string, amount int64, e Entry) (Movement, error) {
	ctx, span := otel.Tracer("services/Ledger").Start(ctx, "Credit",
		trace.WithAttributes(attribute.String("user.id", userID), attribute.Int64("amount", amount), attribute.String("op", e.Op)))
	defer span.End()

	if amount > l.Ceiling {
		return Movement{}, ErrBalanceCeiling
	}
	oldBal, newBal, err := repo.CreditBalance(ctx, tx, userID, amount, l.Ceiling)
	switch {
	case errors.Is(err, repo.ErrPreconditionFailed):
		return Movement{}, ErrBalanceCeiling
	case repo.IsNotFound(err):
		return Movement{}, ErrUserNotFound
	case err != nil:
		return Movement{}, err
	}
	return l.record(ctx, tx, userID, amount, oldBal, newBal, e)
}

// SetBalance overwrites the balance of userID with value in [0, Ceiling].
func (l *Ledger) SetBalance(ctx context.Context, userID string, value int64, e Entry) (Movement, error) {
	if value < 0 {
		return Movement{}, invalid("credits", "must not be negative")
	}
	if value > l.Ceiling {
		return Movement{}, ErrBalanceCeiling
	}
	var mv Movement
	err := l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		oldBal, err := repo.SetBalance(ctx, tx, userID, value)
		if repo.IsNotFound(err) {
			return ErrUserNotFound
		}
		if err != nil {
			return err
		}
		mv, err = l.record(ctx, tx, userID, value-oldBal, oldBal, value, e)
		return err
	})
	return mv, err
}

// History pages through the audit trail of userID, or of everyone when
// userID is empty.
func (l *Ledger) History(ctx context.Context, userID string, page, pageSize int) ([]domain.CreditAuditLog, int64, error) {
	p := utils.NormalizePage(page, pageSize)
	total, err := repo.CountAudit(ctx, l.DB, userID)
	if err != nil {
		return nil, 0, err
	}
	rows, err := repo.ListAuditPage(ctx, l.DB, userID, p.Offset(), p.PageSize)
	return rows, total, err
}

func (l *Ledger) record(ctx context.Context, tx *gorm.DB, userID string, delta, oldBal, newBal int64, e Entry) (Movement, error) {
	row := &domain.CreditAuditLog{
		UserID:     userID,
		ActorID:    e.Actor,
		Op:         e.Op,
		Delta:      delta,
		OldBalance: oldBal,
		NewBalance: newBal,
		Reference:  e.Reference,
		Note:       e.Note,
	}
	if err := repo.AppendAudit(ctx, tx, row); err != nil {
		return Movement{}, err
	}
	if delta < 0 {
		delta = -delta
	}
	observability.CreditsMoved.WithLabelValues(e.Op).Add(float64(delta))
	zerolog.Ctx(ctx).Debug().
		Str("user_id", userID).
		Str("op", e.Op).
		Int64("old", oldBal).
		Int64("new", newBal).
		Msg("ledger")
	return Movement{Old: oldBal, New: newBal}, nil
}
