package result

import (
	"net/http"

	"github.com/google/uuid"
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

// RegisterRoutes mounts patient routes on api and staff routes on mc.
func (h *Handler) RegisterRoutes(api *echo.Group, mc *echo.Group) {
	patient := api.Group("", auth.RequireUserType(auth.UserTypePatient))
	patient.GET("/results", h.ListOwnResults)
	patient.GET("/results/:id", h.GetOwnResult)

	staff := mc.Group("", auth.RequireUserType(auth.UserTypeStaff))
	staff.GET("/results", h.ListOrganizationResults)
	staff.GET("/results/:id", h.GetOrganizationResult)
}

func patientID(c echo.Context) (uuid.UUID, error) {
	actor, err := auth.CurrentActor(c)
	if err != nil {
		return uuid.Nil, err
	}
	id, ok := actor.PatientID()
	if !ok {
		return uuid.Nil, echo.NewHTTPError(http.StatusForbidden, "patient access only")
	}
	return id, nil
}

func (h *Handler) ListOwnResults(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListForPatient(c.Request().Context(), pid, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list results")
	}
	if items == nil {
		items = []*Summary{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetOwnResult(c echo.Context) error {
	pid, err := patientID(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	d, err := h.svc.GetForPatient(c.Request().Context(), pid, id)
	if isNotFound(err) {
		return echo.NewHTTPError(http.StatusNotFound, "result not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load result")
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) ListOrganizationResults(c echo.Context) error {
	actor, err := auth.CurrentActor(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListForOrganization(c.Request().Context(), actor.OrganizationID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list results")
	}
	if items == nil {
		items = []*StaffSummary{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetOrganizationResult(c echo.Context) error {
	actor, err := auth.CurrentActor(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	d, err := h.svc.GetForOrganization(c.Request().Context(), actor.OrganizationID, id)
	if isNotFound(err) {
		return echo.NewHTTPError(http.StatusNotFound, "result not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load result")
	}
	return c.JSON(http.StatusOK, d)
}
