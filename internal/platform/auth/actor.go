package auth

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Actor is the authenticated caller. Staff actors always carry the
// organization they act on behalf of; patient actors never do.
type Actor struct {
	UserID         string
	UserType       string
	OrganizationID uuid.UUID
	Roles          []string
}

func (a Actor) IsStaff() bool   { return a.UserType == UserTypeStaff }
func (a Actor) IsPatient() bool { return a.UserType == UserTypePatient }

// PatientID parses the subject of a patient actor.
func (a Actor) PatientID() (uuid.UUID, bool) {
	if !a.IsPatient() {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(a.UserID)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// WithActor stores the actor on ctx, along with the user id and roles so
// that UserIDFromContext and RolesFromContext keep working.
func WithActor(ctx context.Context, a Actor) context.Context {
	ctx = context.WithValue(ctx, actorKey, a)
	ctx = context.WithValue(ctx, UserIDKey, a.UserID)
	ctx = context.WithValue(ctx, UserRolesKey, a.Roles)
	return ctx
}

func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey).(Actor)
	return a, ok
}

// CurrentActor returns the request's actor or a 401 HTTPError.
func CurrentActor(c echo.Context) (Actor, error) {
	a, ok := ActorFromContext(c.Request().Context())
	if !ok {
		return Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return a, nil
}
