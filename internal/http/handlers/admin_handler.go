// Admin HTTP handlers for users and the ledger. Every route here sits behind
// the admin gate; the acting admin is the verified caller.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/voicegen-backend/internal/domain"
	"github.com/tbourn/voicegen-backend/internal/services"
)

// SetCreditsRequest sets a balance outright.
type SetCreditsRequest struct {
	Credits *int64 `json:"credits" example:"1000"`
	Note    string `json:"note,omitempty"`
}

// AddCreditsRequest grants credits on top of the current balance.
type AddCreditsRequest struct {
	Credits *int64 `json:"credits" example:"250"`
	Note    string `json:"note,omitempty"`
}

// SetBlockedRequest blocks or unblocks a user.
type SetBlockedRequest struct {
	Blocked *bool `json:"blocked"`
}

// ListUsersResponse wraps a page of users.
type ListUsersResponse struct {
	Users      []domain.User `json:"users"`
	Pagination Pagination    `json:"pagination"`
}

// AdminListUsers godoc
// @ID          adminListUsers
// @Summary     List or search users
// @Tags        Admin
// @Produce     json
// @Security    BearerAuth
// @Param       q          query  string  false  "Matches id, email or display name"
// @Param       page       query  int     false  "Page number"     minimum(1) default(1)
// @Param       page_size  query  int     false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListUsersResponse
// @Failure     403  {object}  handlers.ErrorResponse "Admin role required"
// @Router      /admin/users [get]
func (h *Handlers) AdminListUsers(c *gin.Context) {
	p := pageParams(c)
	rows, total, err := h.accounts.ListUsers(c.Request.Context(), strings.TrimSpace(c.Query("q")), p.Page, p.PageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusOK, ListUsersResponse{Users: rows, Pagination: paginate(p, total)})
}

// AdminSetCredits godoc
// @ID          adminSetCredits
// @Summary     Set a user's balance
// @Tags        Admin
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id    path  string                       true  "User id"
// @Param       body  body  handlers.SetCreditsRequest   true  "New balance"
// @Success     200  {object}  services.Movement
// @Failure     400  {object}  handlers.ErrorResponse "Validation failed"
// @Failure     404  {object}  handlers.ErrorResponse "User not found"
// @Router      /admin/users/{id}/credits [put]
func (h *Handlers) AdminSetCredits(c *gin.Context) {
	var req SetCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if req.Credits == nil {
		writeError(c, &services.ValidationError{Field: "credits", Reason: "is required"})
		return
	}
	mv, err := h.accounts.SetCredits(c.Request.Context(), userID(c), c.Param("id"), *req.Credits, req.Note)
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusOK, mv)
}

// AdminAddCredits godoc
// @ID          adminAddCredits
// @Summary     Grant credits to a user
// @Tags        Admin
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id    path  string                       true  "User id"
// @Param       body  body  handlers.AddCreditsRequest   true  "Credits to add"
// @Success     200  {object}  services.Movement
// @Failure     400  {object}  handlers.ErrorResponse "Validation failed"
// @Failure     404  {object}  handlers.ErrorResponse "User not found"
// @Router      /admin/users/{id}/credits [post]
func (h *Handlers) AdminAddCredits(c *gin.Context) {
	var req AddCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if req.Credits == nil {
		writeError(c, &services.ValidationError{Field: "credits", Reason: "is required"})
		return
	}
	mv, err := h.accounts.AddCredits(c.Request.Context(), userID(c), c.Param("id"), *req.Credits, req.Note)
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusOK, mv)
}

// AdminSetBlocked godoc
// @ID          adminSetBlocked
// @Summary     Block or unblock a user
// @Tags        Admin
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id    path  string                       true  "User id"
// @Param       body  body  handlers.SetBlockedRequest   true  "Blocked flag"
// @Success     200  {object}  domain.User
// @Failure     400  {object}  handlers.ErrorResponse "Validation failed"
// @Failure     404  {object}  handlers.ErrorResponse "User not found"
// @Router      /admin/users/{id}/block [put]
func (h *Handlers) AdminSetBlocked(c *gin.Context) {
	var req SetBlockedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	if req.Blocked == nil {
		writeError(c, &services.ValidationError{Field: "blocked", Reason: "is required"})
		return
	}
	u, err := h.accounts.SetBlocked(c.Request.Context(), userID(c), c.Param("id"), *req.Blocked)
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusOK, u)
}

// AdminAudit godoc
// @ID          adminAudit
// @Summary     Browse the ledger audit log
// @Tags        Admin
// @Produce     json
// @Security    BearerAuth
// @Param       user_id    query  string  false  "Only this user's entries"
// @Param       page       query  int     false  "Page number"     minimum(1) default(1)
// @Param       page_size  query  int     false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.HistoryResponse
// @Router      /admin/audit [get]
func (h *Handlers) AdminAudit(c *gin.Context) {
	h.history(c, strings.TrimSpace(c.Query("user_id")))
}
