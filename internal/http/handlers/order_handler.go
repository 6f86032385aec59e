// Credit order HTTP handlers.
//
//   - POST /orders                      (create)
//   - GET  /orders                      (own orders, ETag support)
//   - GET  /admin/orders                (by status)
//   - POST /admin/orders/{id}/approve
//   - POST /admin/orders/{id}/reject
package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/voicegen-backend/internal/domain"
	"github.com/tbourn/voicegen-backend/internal/services"
)

// CreateOrderRequest is the JSON payload for POST /orders. Either PackageID
// or Credits selects the amount.
type CreateOrderRequest struct {
	PackageID string `json:"package_id,omitempty"`
	Credits   int64  `json:"credits,omitempty"    example:"5000"`
	Network   string `json:"network"              example:"TRC20"`
	TxID      string `json:"tx_id"                example:"a1b2c3d4e5f6"`
	Note      string `json:"note,omitempty"`
}

// ApproveOrderRequest is the JSON payload for approving an order.
// TargetUserID, when set, must match the order owner; Credits overrides the
// requested amount.
type ApproveOrderRequest struct {
	TargetUserID string `json:"target_user_id,omitempty"`
	Credits      *int64 `json:"credits,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

// RejectOrderRequest is the JSON payload for rejecting an order.
type RejectOrderRequest struct {
	Notes string `json:"notes,omitempty"`
}

// OrderDecisionResponse is returned by approve and reject.
type OrderDecisionResponse struct {
	Success bool               `json:"success"`
	Order   *domain.CreditOrder `json:"order"`
}

// ListOrdersResponse wraps a page of orders and pagination information.
type ListOrdersResponse struct {
	Orders     []domain.CreditOrder `json:"orders"`
	Pagination Pagination           `json:"pagination"`
}

// CreateOrder godoc
// @ID          createOrder
// @Summary     Create a credit order
// @Description Records a manual USDT top-up for admin review.
// @Tags        Orders
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       body  body  handlers.CreateOrderRequest  true  "Order"
// @Success     201  {object}  domain.CreditOrder
// @Failure     400  {object}  handlers.ErrorResponse "Validation failed"
// @Failure     404  {object}  handlers.ErrorResponse "Package not found"
// @Failure     409  {object}  handlers.ErrorResponse "Transaction id already used"
// @Router      /orders [post]
func (h *Handlers) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	o, err := h.orders.Create(c.Request.Context(), userID(c), services.CreateOrderInput{
		PackageID: strings.TrimSpace(req.PackageID),
		Credits:   req.Credits,
		Network:   req.Network,
		TxID:      req.TxID,
		Note:      req.Note,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusCreated, o)
}

// ListMyOrders godoc
// @ID          listMyOrders
// @Summary     List own orders (paginated)
// @Tags        Orders
// @Produce     json
// @Security    BearerAuth
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Param       page           query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListOrdersResponse
// @Success     304  {string}  string "Not Modified"
// @Router      /orders [get]
func (h *Handlers) ListMyOrders(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)
	if notModified(c, "orders", uid, func() (int64, *time.Time, error) { return h.orders.Stats(ctx, uid) }) {
		return
	}
	p := pageParams(c)
	rows, total, err := h.orders.ListMine(ctx, uid, p.Page, p.PageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusOK, ListOrdersResponse{Orders: rows, Pagination: paginate(p, total)})
}

// AdminListOrders godoc
// @ID          adminListOrders
// @Summary     List orders by status
// @Tags        Admin
// @Produce     json
// @Security    BearerAuth
// @Param       status     query  string  false  "Order status"  Enums(pending, approved, rejected)
// @Param       page       query  int     false  "Page number"     minimum(1) default(1)
// @Param       page_size  query  int     false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListOrdersResponse
// @Failure     400  {object}  handlers.ErrorResponse "Unknown status"
// @Failure     403  {object}  handlers.ErrorResponse "Admin role required"
// @Router      /admin/orders [get]
func (h *Handlers) AdminListOrders(c *gin.Context) {
	p := pageParams(c)
	rows, total, err := h.orders.List(c.Request.Context(), domain.OrderStatus(c.Query("status")), p.Page, p.PageSize)
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusOK, ListOrdersResponse{Orders: rows, Pagination: paginate(p, total)})
}

// ApproveOrder godoc
// @ID          approveOrder
// @Summary     Approve an order
// @Description Moves a pending order to approved and credits the owner in one transaction. An order is processed at most once.
// @Tags        Admin
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id    path  string                          true   "Order id"
// @Param       body  body  handlers.ApproveOrderRequest    false  "Overrides"
// @Success     200  {object}  handlers.OrderDecisionResponse
// @Failure     400  {object}  handlers.ErrorResponse "Validation failed"
// @Failure     404  {object}  handlers.ErrorResponse "Order not found"
// @Failure     409  {object}  handlers.ErrorResponse "Order already processed"
// @Router      /admin/orders/{id}/approve [post]
func (h *Handlers) ApproveOrder(c *gin.Context) {
	var req ApproveOrderRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	o, err := h.orders.Approve(c.Request.Context(), userID(c), c.Param("id"), services.ApproveInput{
		TargetUserID: strings.TrimSpace(req.TargetUserID),
		Credits:      req.Credits,
		Notes:        req.Notes,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusOK, OrderDecisionResponse{Success: true, Order: o})
}

// RejectOrder godoc
// @ID          rejectOrder
// @Summary     Reject an order
// @Tags        Admin
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id    path  string                        true   "Order id"
// @Param       body  body  handlers.RejectOrderRequest   false  "Notes"
// @Success     200  {object}  handlers.OrderDecisionResponse
// @Failure     404  {object}  handlers.ErrorResponse "Order not found"
// @Failure     409  {object}  handlers.ErrorResponse "Order already processed"
// @Router      /admin/orders/{id}/reject [post]
func (h *Handlers) RejectOrder(c *gin.Context) {
	var req RejectOrderRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	o, err := h.orders.Reject(c.Request.Context(), userID(c), c.Param("id"), req.Notes)
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusOK, OrderDecisionResponse{Success: true, Order: o})
}

// bindOptionalJSON binds a body when one was sent. It returns false after
// writing a 400 for a malformed body.
func bindOptionalJSON(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return false
	}
	return true
}
