package patient

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/labportal/labportal/internal/platform/auth"
	"github.com/labportal/labportal/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts staff routes on the /mc group.
func (h *Handler) RegisterRoutes(mc *echo.Group) {
	staff := mc.Group("", auth.RequireUserType(auth.UserTypeStaff))
	staff.GET("/patients", h.ListPatients)
}

func (h *Handler) ListPatients(c echo.Context) error {
	actor, err := auth.CurrentActor(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListForOrganization(c.Request().Context(), actor.OrganizationID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list patients")
	}
	if items == nil {
		items = []*Summary{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
