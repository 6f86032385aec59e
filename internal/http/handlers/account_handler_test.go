package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/voicegen-backend/internal/domain"
	"github.com/tbourn/voicegen-backend/internal/services"
	"github.com/tbourn/voicegen-backend/internal/vendor"
)

func accountRouter(d Deps) *gin.Engine {
	h := New(d)
	return testRouter("u1", func(r gin.IRoutes) {
		r.GET("/me", h.GetMe)
		r.PATCH("/me", h.UpdateMe)
		r.GET("/credits", h.GetCredits)
		r.GET("/credits/history", h.CreditHistory)
		r.GET("/vendor/credits", h.VendorCredits)
	})
}

func TestMe(t *testing.T) {
	accounts := stubAccounts{
		profile: func(_ context.Context, uid string) (*domain.User, error) {
			return &domain.User{ID: uid, Email: "u1@example.com", Credits: 40}, nil
		},
		update: func(_ context.Context, uid, name string) (*domain.User, error) {
			if name == "" {
				return nil, &services.ValidationError{Field: "display_name", Reason: "must not be empty"}
			}
			return &domain.User{ID: uid, DisplayName: name}, nil
		},
	}
	r := accountRouter(Deps{Accounts: accounts})

	w := do(r, http.MethodGet, "/me", nil, nil)
	if u := decode[domain.User](t, w); w.Code != http.StatusOK || u.ID != "u1" || u.Credits != 40 {
		t.Fatalf("status=%d user=%+v", w.Code, u)
	}

	w = do(r, http.MethodPatch, "/me", UpdateProfileRequest{DisplayName: "Ada"}, nil)
	if u := decode[domain.User](t, w); w.Code != http.StatusOK || u.DisplayName != "Ada" {
		t.Fatalf("status=%d user=%+v", w.Code, u)
	}

	resp := expectError(t, do(r, http.MethodPatch, "/me", UpdateProfileRequest{}, nil), http.StatusBadRequest, ErrCodeValidation)
	if resp.Field != "display_name" {
		t.Fatalf("field=%q", resp.Field)
	}
	expectError(t, do(r, http.MethodPatch, "/me", "{", nil), http.StatusBadRequest, ErrCodeBadRequest)
}

func TestCreditsAndHistory(t *testing.T) {
	var gotUser string
	ledger := stubLedger{
		balance: func(_ context.Context, uid string) (int64, error) { return 1234, nil },
		history: func(_ context.Context, uid string, page, size int) ([]domain.CreditAuditLog, int64, error) {
			gotUser = uid
			return []domain.CreditAuditLog{{ID: "a1", UserID: uid, Op: domain.OpDebit, Delta: -30}}, 1, nil
		},
	}
	r := accountRouter(Deps{Ledger: ledger})

	w := do(r, http.MethodGet, "/credits", nil, nil)
	if b := decode[BalanceResponse](t, w); b.Credits != 1234 {
		t.Fatalf("balance=%+v", b)
	}

	w = do(r, http.MethodGet, "/credits/history", nil, nil)
	h := decode[HistoryResponse](t, w)
	if gotUser != "u1" || len(h.Entries) != 1 || h.Entries[0].Delta != -30 || h.Pagination.Total != 1 {
		t.Fatalf("user=%q history=%+v", gotUser, h)
	}
}

func TestVendorCredits(t *testing.T) {
	calls := 0
	v := stubVendor{credits: func(context.Context) (*vendor.CreditInfo, error) {
		calls++
		return &vendor.CreditInfo{Credits: 9000, Valid: true}, nil
	}}
	r := accountRouter(Deps{Meters: stubMeters{client: v}})

	resp := expectError(t, do(r, http.MethodGet, "/vendor/credits", nil, nil), http.StatusBadRequest, ErrCodeValidation)
	if resp.Field != "X-API-Key" || calls != 0 {
		t.Fatalf("field=%q calls=%d", resp.Field, calls)
	}

	w := do(r, http.MethodGet, "/vendor/credits", nil, map[string]string{"X-API-Key": "sk-1"})
	if got := decode[VendorCreditsResponse](t, w); !got.Valid || got.Credits != 9000 {
		t.Fatalf("response=%+v", got)
	}

	failing := stubVendor{credits: func(context.Context) (*vendor.CreditInfo, error) { return nil, errors.New("dial tcp") }}
	r = accountRouter(Deps{Meters: stubMeters{client: failing}})
	expectError(t, do(r, http.MethodGet, "/vendor/credits", nil, map[string]string{"X-API-Key": "sk-1"}), http.StatusBadGateway, ErrCodeVendor)
}
