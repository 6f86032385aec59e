package services

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/voicegen-backend/internal/domain"
	"github.com/tbourn/voicegen-backend/internal/repo"
)

// PackageInput creates a package or, with nil fields skipped, patches one.
type PackageInput struct {
	Name       *string
	Credits    *int64
	PriceCents *int64
	Active     *bool
	SortOrder  *int
}

// PackageService manages the credit package catalogue.
type PackageService struct {
	DB      *gorm.DB
	Ceiling int64
}

// List returns packages for display; admins may include inactive ones.
func (s *PackageService) List(ctx context.Context, activeOnly bool) ([]domain.CreditPackage, error) {
	return repo.ListPackages(ctx, s.DB, activeOnly)
}

func (s *PackageService) validate(in PackageInput, create bool) error {
	if in.Name != nil || create {
		if in.Name == nil || strings.TrimSpace(*in.Name) == "" {
			return invalid("name", "is required")
		}
		if len(*in.Name) > 80 {
			return invalid("name", "is too long")
		}
	}
	if in.Credits != nil || create {
		if in.Credits == nil || *in.Credits <= 0 {
			return invalid("credits", "must be positive")
		}
		if *in.Credits > s.Ceiling {
			return ErrBalanceCeiling
		}
	}
	if in.PriceCents != nil && *in.PriceCents < 0 {
		return invalid("price_cents", "must not be negative")
	}
	return nil
}

// Create adds a package. New packages are active unless stated otherwise.
func (s *PackageService) Create(ctx context.Context, in PackageInput) (*domain.CreditPackage, error) {
	if err := s.validate(in, true); err != nil {
		return nil, err
	}
	p := &domain.CreditPackage{
		ID:      uuid.NewString(),
		Name:    strings.TrimSpace(*in.Name),
		Credits: *in.Credits,
		Active:  true,
	}
	if in.PriceCents != nil {
		p.PriceCents = *in.PriceCents
	}
	if in.SortOrder != nil {
		p.SortOrder = *in.SortOrder
	}
	if err := repo.CreatePackage(ctx, s.DB, p); err != nil {
		return nil, err
	}
	// The column default would turn a false Active back into true on insert.
	if in.Active != nil && !*in.Active {
		if err := repo.UpdatePackage(ctx, s.DB, p.ID, map[string]any{"active": false}); err != nil {
			return nil, err
		}
		p.Active = false
	}
	return p, nil
}

// Update patches the fields set in in.
func (s *PackageService) Update(ctx context.Context, id string, in PackageInput) (*domain.CreditPackage, error) {
	if err := s.validate(in, false); err != nil {
		return nil, err
	}
	fields := map[string]any{}
	if in.Name != nil {
		fields["name"] = strings.TrimSpace(*in.Name)
	}
	if in.Credits != nil {
		fields["credits"] = *in.Credits
	}
	if in.PriceCents != nil {
		fields["price_cents"] = *in.PriceCents
	}
	if in.Active != nil {
		fields["active"] = *in.Active
	}
	if in.SortOrder != nil {
		fields["sort_order"] = *in.SortOrder
	}
	if len(fields) > 0 {
		if err := repo.UpdatePackage(ctx, s.DB, id, fields); err != nil {
			if repo.IsNotFound(err) {
				return nil, ErrPackageNotFound
			}
			return nil, err
		}
	}
	p, err := repo.GetPackage(ctx, s.DB, id)
	if repo.IsNotFound(err) {
		return nil, ErrPackageNotFound
	}
	return p, err
}

// Deactivate hides a package from checkout. Orders keep their reference.
func (s *PackageService) Deactivate(ctx context.Context, id string) error {
	off := false
	_, err := s.Update(ctx, id, PackageInput{Active: &off})
	return err
}
