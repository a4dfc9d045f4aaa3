package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/labportal/labportal/internal/platform/auth"
)

// AuditEntry records who touched which patient data, from where.
type AuditEntry struct {
	UserID         string
	UserType       string
	OrganizationID string
	Resource       string
	ResourceID     string
	Action         string // read, create, update, delete
	IPAddress      string
	Path           string
	Method         string
	RequestID      string
	StatusCode     int
	Timestamp      time.Time
}

// Audit emits one "phi_access" log line per request under /api/v1/.
// Entries go to the logger passed in, which the server points at the
// audit sink.
func Audit(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			entry := buildAuditEntry(c)
			if he, ok := err.(*echo.HTTPError); ok {
				entry.StatusCode = he.Code
			}

			logger.Info().
				Str("type", "phi_access").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Str("user_type", entry.UserType).
				Str("organization_id", entry.OrganizationID).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("phi_access")

			return err
		}
	}
}

func buildAuditEntry(c echo.Context) AuditEntry {
	req := c.Request()
	entry := AuditEntry{
		Timestamp:  time.Now().UTC(),
		Path:       req.URL.Path,
		Method:     req.Method,
		IPAddress:  c.RealIP(),
		StatusCode: c.Response().Status,
		Action:     httpMethodToAction(req.Method),
		ResourceID: c.Param("id"),
	}
	entry.RequestID, _ = c.Get("request_id").(string)

	if actor, ok := auth.ActorFromContext(req.Context()); ok {
		entry.UserID = actor.UserID
		entry.UserType = actor.UserType
		if actor.IsStaff() {
			entry.OrganizationID = actor.OrganizationID.String()
		}
	}
	entry.Resource = extractResource(req.URL.Path)
	return entry
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// extractResource returns the first path segment after /api/v1/, skipping
// the "mc" staff prefix:
//
//	/api/v1/results/123       -> results
//	/api/v1/mc/uploads        -> uploads
func extractResource(path string) string {
	segments := strings.Split(strings.TrimPrefix(path, "/api/v1/"), "/")
	if len(segments) > 1 && segments[0] == "mc" {
		segments = segments[1:]
	}
	if len(segments) > 0 && segments[0] != "" {
		return segments[0]
	}
	return "unknown"
}
