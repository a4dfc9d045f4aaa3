package upload

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/labportal/labportal/internal/platform/auth"
	"github.com/labportal/labportal/internal/platform/db"
	"github.com/labportal/labportal/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the ledger read routes on the /mc group.
func (h *Handler) RegisterRoutes(mc *echo.Group) {
	staff := mc.Group("", auth.RequireUserType(auth.UserTypeStaff))
	staff.GET("/uploads", h.ListBatches)
	staff.GET("/uploads/:id", h.GetBatch)
	staff.GET("/uploads/:id/file", h.DownloadFile)
}

func (h *Handler) ListBatches(c echo.Context) error {
	actor, err := auth.CurrentActor(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListForOrganization(c.Request().Context(), actor.OrganizationID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list uploads")
	}
	if items == nil {
		items = []*Batch{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetBatch(c echo.Context) error {
	actor, err := auth.CurrentActor(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	b, err := h.svc.GetForOrganization(c.Request().Context(), actor.OrganizationID, id)
	if errors.Is(err, db.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "upload not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load upload")
	}
	if b.ErrorDetails == nil {
		b.ErrorDetails = []ErrorDetail{}
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) DownloadFile(c echo.Context) error {
	actor, err := auth.CurrentActor(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	ctx := c.Request().Context()
	rc, b, obj, err := h.svc.OpenFile(ctx, actor.OrganizationID, id)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "upload not found")
	case errors.Is(err, ErrNoArchive):
		return echo.NewHTTPError(http.StatusNotFound, "source file not archived")
	case err != nil:
		zerolog.Ctx(ctx).Error().Err(err).Str("batch_id", id.String()).Msg("failed to open archived upload")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to open source file")
	}
	defer rc.Close()

	contentType := obj.ContentType
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", b.FileName))
	return c.Stream(http.StatusOK, contentType, rc)
}
