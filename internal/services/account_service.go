package services

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/voicegen-backend/internal/domain"
	"github.com/tbourn/voicegen-backend/internal/repo"
	"github.com/tbourn/voicegen-backend/internal/utils"
)

const maxDisplayName = 120

// AccountService provisions users, serves profiles and backs the admin gate.
type AccountService struct {
	DB            *gorm.DB
	Ledger        *Ledger
	SignupCredits int64
}

// Provision returns the user for a verified subject, creating the row and
// granting the signup credits on first sight. Concurrent first requests
// grant once.
func (s *AccountService) Provision(ctx context.Context, userID, email string) (*domain.User, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrUnauthorized
	}
	u, err := repo.GetUser(ctx, s.DB, userID)
	if err == nil {
		return u, nil
	}
	if !repo.IsNotFound(err) {
		return nil, err
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		created, err := repo.InsertUserIfAbsent(ctx, tx, &domain.User{ID: userID, Email: email})
		if err != nil || !created || s.SignupCredits <= 0 {
			return err
		}
		_, err = s.Ledger.CreditTx(ctx, tx, userID, s.SignupCredits, Entry{
			Actor:     "system",
			Op:        domain.OpSignupGrant,
			Reference: userID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	zerolog.Ctx(ctx).Info().Str("user_id", userID).Msg("user provisioned")
	return repo.GetUser(ctx, s.DB, userID)
}

// Profile loads a user.
func (s *AccountService) Profile(ctx context.Context, userID string) (*domain.User, error) {
	u, err := repo.GetUser(ctx, s.DB, userID)
	if repo.IsNotFound(err) {
		return nil, ErrUserNotFound
	}
	return u, err
}

// UpdateProfile sets the display name.
func (s *AccountService) UpdateProfile(ctx context.Context, userID, displayName string) (*domain.User, error) {
	name := strings.TrimSpace(displayName)
	if name == "" {
		return nil, invalid("display_name", "is required")
	}
	if utf8.RuneCountInString(name) > maxDisplayName {
		return nil, invalid("display_name", "is too long")
	}
	if err := repo.UpdateDisplayName(ctx, s.DB, userID, name); err != nil {
		if repo.IsNotFound(err) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return s.Profile(ctx, userID)
}

// IsAdmin reads the role table. Token claims are never consulted.
func (s *AccountService) IsAdmin(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	return repo.HasRole(ctx, s.DB, userID, domain.RoleAdmin)
}

// GrantAdmin gives userID the admin role.
func (s *AccountService) GrantAdmin(ctx context.Context, userID, grantedBy string) error {
	if _, err := s.Profile(ctx, userID); err != nil {
		return err
	}
	return repo.GrantRole(ctx, s.DB, userID, domain.RoleAdmin, grantedBy)
}

// ListUsers pages through users matching q.
func (s *AccountService) ListUsers(ctx context.Context, q string, page, pageSize int) ([]domain.User, int64, error) {
	p := utils.NormalizePage(page, pageSize)
	total, err := repo.CountUsers(ctx, s.DB, q)
	if err != nil {
		return nil, 0, err
	}
	rows, err := repo.ListUsersPage(ctx, s.DB, q, p.Offset(), p.PageSize)
	return rows, total, err
}

// SetBlocked blocks or unblocks a user. Admins cannot block themselves.
func (s *AccountService) SetBlocked(ctx context.Context, adminID, userID string, blocked bool) (*domain.User, error) {
	if blocked && adminID == userID {
		return nil, invalid("id", "cannot block yourself")
	}
	if err := repo.SetUserBlocked(ctx, s.DB, userID, blocked); err != nil {
		if repo.IsNotFound(err) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	zerolog.Ctx(ctx).Info().Str("admin_id", adminID).Str("user_id", userID).Bool("blocked", blocked).Msg("user block changed")
	return s.Profile(ctx, userID)
}

// SetCredits overwrites a balance on behalf of an admin.
func (s *AccountService) SetCredits(ctx context.Context, adminID, userID string, value int64, note string) (Movement, error) {
	return s.Ledger.SetBalance(ctx, userID, value, Entry{
		Actor: adminID,
		Op:    domain.OpAdminSet,
		Note:  strings.TrimSpace(note),
	})
}

// AddCredits grants credits on behalf of an admin.
func (s *AccountService) AddCredits(ctx context.Context, adminID, userID string, amount int64, note string) (Movement, error) {
	return s.Ledger.Credit(ctx, userID, amount, Entry{
		Actor: adminID,
		Op:    domain.OpAdminCredit,
		Note:  strings.TrimSpace(note),
	})
}
