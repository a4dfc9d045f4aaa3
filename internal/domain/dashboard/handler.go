package dashboard

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/labportal/labportal/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(mc *echo.Group) {
	mc.GET("/dashboard", h.GetDashboard, auth.RequireUserType(auth.UserTypeStaff))
}

func (h *Handler) GetDashboard(c echo.Context) error {
	actor, err := auth.CurrentActor(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	sum, hit, err := h.svc.Get(ctx, actor.OrganizationID)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to build dashboard")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load dashboard")
	}
	if hit {
		c.Response().Header().Set("X-Cache", "HIT")
	} else {
		c.Response().Header().Set("X-Cache", "MISS")
	}
	return c.JSON(http.StatusOK, sum)
}
