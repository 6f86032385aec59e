// Credit package HTTP handlers: the public catalogue and its admin CRUD.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/voicegen-backend/internal/domain"
	"github.com/tbourn/voicegen-backend/internal/services"
)

// PackageRequest creates or patches a package. Absent fields are left
// unchanged on update.
type PackageRequest struct {
	Name       *string `json:"name,omitempty"        example:"Starter"`
	Credits    *int64  `json:"credits,omitempty"     example:"10000"`
	PriceCents *int64  `json:"price_cents,omitempty" example:"999"`
	Active     *bool   `json:"active,omitempty"`
	SortOrder  *int    `json:"sort_order,omitempty"`
}

func (r PackageRequest) input() services.PackageInput {
	return services.PackageInput{
		Name:       r.Name,
		Credits:    r.Credits,
		PriceCents: r.PriceCents,
		Active:     r.Active,
		SortOrder:  r.SortOrder,
	}
}

// ListPackagesResponse is the catalogue.
type ListPackagesResponse struct {
	Packages []domain.CreditPackage `json:"packages"`
}

// ListPackages godoc
// @ID          listPackages
// @Summary     List active credit packages
// @Tags        Packages
// @Produce     json
// @Success     200  {object}  handlers.ListPackagesResponse
// @Router      /packages [get]
func (h *Handlers) ListPackages(c *gin.Context) {
	rows, err := h.packages.List(c.Request.Context(), true)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Cache-Control", "public, max-age=60")
	ok(c, http.StatusOK, ListPackagesResponse{Packages: rows})
}

// AdminListPackages godoc
// @ID          adminListPackages
// @Summary     List all packages, inactive included
// @Tags        Admin
// @Produce     json
// @Security    BearerAuth
// @Success     200  {object}  handlers.ListPackagesResponse
// @Router      /admin/packages [get]
func (h *Handlers) AdminListPackages(c *gin.Context) {
	rows, err := h.packages.List(c.Request.Context(), false)
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusOK, ListPackagesResponse{Packages: rows})
}

// CreatePackage godoc
// @ID          createPackage
// @Summary     Create a package
// @Tags        Admin
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       body  body  handlers.PackageRequest  true  "Package"
// @Success     201  {object}  domain.CreditPackage
// @Failure     400  {object}  handlers.ErrorResponse "Validation failed"
// @Router      /admin/packages [post]
func (h *Handlers) CreatePackage(c *gin.Context) {
	var req PackageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	p, err := h.packages.Create(c.Request.Context(), req.input())
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusCreated, p)
}

// UpdatePackage godoc
// @ID          updatePackage
// @Summary     Update a package
// @Tags        Admin
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id    path  string                   true  "Package id"
// @Param       body  body  handlers.PackageRequest  true  "Fields to change"
// @Success     200  {object}  domain.CreditPackage
// @Failure     400  {object}  handlers.ErrorResponse "Validation failed"
// @Failure     404  {object}  handlers.ErrorResponse "Package not found"
// @Router      /admin/packages/{id} [put]
func (h *Handlers) UpdatePackage(c *gin.Context) {
	var req PackageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	p, err := h.packages.Update(c.Request.Context(), c.Param("id"), req.input())
	if err != nil {
		writeError(c, err)
		return
	}
	ok(c, http.StatusOK, p)
}

// DeletePackage godoc
// @ID          deletePackage
// @Summary     Deactivate a package
// @Description Packages are never removed; existing orders keep referencing them.
// @Tags        Admin
// @Security    BearerAuth
// @Param       id  path  string  true  "Package id"
// @Success     204  {string}  string "No Content"
// @Failure     404  {object}  handlers.ErrorResponse "Package not found"
// @Router      /admin/packages/{id} [delete]
func (h *Handlers) DeletePackage(c *gin.Context) {
	if err := h.packages.Deactivate(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	noContent(c)
}
