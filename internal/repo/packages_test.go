package repo

import (
	"context"
	"testing"

	"github.com/tbourn/voicegen-backend/internal/domain"
)

func TestPackages_CRUD(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	pkgs := []*domain.CreditPackage{
		{ID: "p1", Name: "Large", Credits: 50000, PriceCents: 4000, Active: true, SortOrder: 2},
		{ID: "p2", Name: "Small", Credits: 1000, PriceCents: 100, Active: true, SortOrder: 1},
		{ID: "p3", Name: "Legacy", Credits: 10, PriceCents: 1, Active: true, SortOrder: 0},
	}
	for _, p := range pkgs {
		if err := CreatePackage(ctx, db, p); err != nil {
			t.Fatalf("CreatePackage %s: %v", p.ID, err)
		}
	}
	if err := UpdatePackage(ctx, db, "p3", map[string]any{"active": false}); err != nil {
		t.Fatalf("UpdatePackage: %v", err)
	}
	if err := UpdatePackage(ctx, db, "missing", map[string]any{"name": "x"}); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	active, err := ListPackages(ctx, db, true)
	if err != nil || len(active) != 2 {
		t.Fatalf("expected 2 active packages, got %d err=%v", len(active), err)
	}
	if active[0].ID != "p2" {
		t.Fatalf("expected sort_order to lead, got %s", active[0].ID)
	}
	all, _ := ListPackages(ctx, db, false)
	if len(all) != 3 {
		t.Fatalf("expected 3 packages, got %d", len(all))
	}

	got, err := GetPackage(ctx, db, "p1")
	if err != nil || got.Name != "Large" {
		t.Fatalf("GetPackage: %+v %v", got, err)
	}
	if err := CreatePackage(ctx, db, &domain.CreditPackage{ID: "bad", Name: "zero", Credits: 0}); err == nil {
		t.Fatal("expected zero-credit package to violate the check constraint")
	}
}
