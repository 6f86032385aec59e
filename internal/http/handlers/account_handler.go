// Account HTTP handlers: the caller's profile, balance and credit history,
// and the vendor key check.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/voicegen-backend/internal/domain"
	"github.com/tbourn/voicegen-backend/internal/http/middleware"
)

// UpdateProfileRequest is the JSON payload for PATCH /me.
type UpdateProfileRequest struct {
	DisplayName string `json:"display_name" example:"Ada"`
}

// BalanceResponse is the caller's credit balance.
type BalanceResponse struct {
	Credits int64 `json:"credits" example:"1200"`
}

// HistoryResponse wraps a page of ledger entries.
type HistoryResponse struct {
	Entries    []domain.CreditAuditLog `json:"entries"`
	Pagination Pagination              `json:"pagination"`
}

// VendorCreditsResponse reports the balance behind a vendor key.
type VendorCreditsResponse struct {
	Credits int64 `json:"credits"`
	Valid   bool  `json:"valid"`
}

// GetMe godoc
// @ID          getMe
// @Summary     Current user
// @Tags        Account
// @Produce     json
// @Security    BearerAuth
// @Success     200  {object}  domain.User
// @Router      /me [get]
func (h *Handlers) GetMe(c *gin.Context) {
	u, err := h.accounts.Profile(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusOK, u)
}

// UpdateMe godoc
// @ID          updateMe
// @Summary     Update display name
// @Tags        Account
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       body  body  handlers.UpdateProfileRequest  true  "Profile"
// @Success     200  {object}  domain.User
// @Failure     400  {object}  handlers.ErrorResponse "Validation failed"
// @Router      /me [patch]
func (h *Handlers) UpdateMe(c *gin.Context) {
	var req UpdateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	u, err := h.accounts.UpdateProfile(c.Request.Context(), userID(c), req.DisplayName)
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusOK, u)
}

// GetCredits godoc
// @ID          getCredits
// @Summary     Credit balance
// @Tags        Account
// @Produce     json
// @Security    BearerAuth
// @Success     200  {object}  handlers.BalanceResponse
// @Router      /credits [get]
func (h *Handlers) GetCredits(c *gin.Context) {
	bal, err := h.ledger.Balance(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusOK, BalanceResponse{Credits: bal})
}

// CreditHistory godoc
// @ID          creditHistory
// @Summary     Credit history (paginated)
// @Tags        Account
// @Produce     json
// @Security    BearerAuth
// @Param       page       query  int  false  "Page number"     minimum(1) default(1)
// @Param       page_size  query  int  false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.HistoryResponse
// @Router      /credits/history [get]
func (h *Handlers) CreditHistory(c *gin.Context) {
	h.history(c, userID(c))
}

func (h *Handlers) history(c *gin.Context, uid string) {
	p := pageParams(c)
	rows, total, err := h.ledger.History(c.Request.Context(), uid, p.Page, p.PageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusOK, HistoryResponse{Entries: rows, Pagination: paginate(p, total)})
}

// VendorCredits godoc
// @ID          vendorCredits
// @Summary     Check a vendor key
// @Description Asks the vendor for the balance behind X-API-Key. A rejected key answers valid=false.
// @Tags        Account
// @Produce     json
// @Security    BearerAuth
// @Param       X-API-Key  header  string  true  "Vendor key"
// @Success     200  {object}  handlers.VendorCreditsResponse
// @Failure     400  {object}  handlers.ErrorResponse "Missing key"
// @Failure     502  {object}  handlers.ErrorResponse "Vendor error"
// @Router      /vendor/credits [get]
func (h *Handlers) VendorCredits(c *gin.Context) {
	key := strings.TrimSpace(c.GetHeader("X-API-Key"))
	if key == "" {
		failField(c, http.StatusBadRequest, ErrCodeValidation, "X-API-Key: is required", "X-API-Key")
		return
	}
	info, err := h.meters.Resolve(key).Client().Credits(c.Request.Context())
	if err != nil {
		middleware.LoggerFrom(c).Warn().Err(err).Msg("vendor credits check")
		fail(c, http.StatusBadGateway, ErrCodeVendor, "vendor credits check failed")
		return
	}
	ok(c, http.StatusOK, VendorCreditsResponse{Credits: info.Credits, Valid: info.Valid})
}
