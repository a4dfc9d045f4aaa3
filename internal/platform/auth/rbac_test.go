package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextWithActor(a Actor) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(WithActor(req.Context(), a))
	return e.NewContext(req, httptest.NewRecorder())
}

func TestRequireRole_Allowed(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := context.WithValue(req.Context(), UserRolesKey, []string{"uploader"})
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := RequireRole("uploader", "viewer")(okHandler)(c)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestRequireRole_AdminPasses(t *testing.T) {
	c := contextWithActor(Actor{UserID: "a", UserType: UserTypeStaff, Roles: []string{"admin"}})
	if err := RequireRole("uploader")(okHandler)(c); err != nil {
		t.Errorf("expected admin to pass, got %v", err)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	c := contextWithActor(Actor{UserID: "v", UserType: UserTypeStaff, Roles: []string{"viewer"}})
	expectStatus(t, RequireRole("uploader")(okHandler)(c), http.StatusForbidden)
}

func TestRequireUserType(t *testing.T) {
	tests := []struct {
		name     string
		actor    *Actor
		required string
		wantCode int
	}{
		{"staff allowed", &Actor{UserType: UserTypeStaff}, UserTypeStaff, 0},
		{"patient allowed", &Actor{UserType: UserTypePatient}, UserTypePatient, 0},
		{"patient on staff route", &Actor{UserType: UserTypePatient}, UserTypeStaff, http.StatusForbidden},
		{"no actor", nil, UserTypeStaff, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c echo.Context
			if tt.actor != nil {
				c = contextWithActor(*tt.actor)
			} else {
				c = echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
			}
			err := RequireUserType(tt.required)(okHandler)(c)
			if tt.wantCode == 0 {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			expectStatus(t, err, tt.wantCode)
		})
	}
}

func TestActor_PatientID(t *testing.T) {
	if _, ok := (Actor{UserType: UserTypeStaff, UserID: "x"}).PatientID(); ok {
		t.Error("staff actor should not yield a patient id")
	}
	if _, ok := (Actor{UserType: UserTypePatient, UserID: "not-a-uuid"}).PatientID(); ok {
		t.Error("malformed subject should not yield a patient id")
	}
}

func TestIsPublicPath(t *testing.T) {
	if !IsPublicPath("/health") || !IsPublicPath("/health/db") {
		t.Error("health endpoints should be public")
	}
	if IsPublicPath("/api/v1/mc/uploads") {
		t.Error("upload endpoint must not be public")
	}
}
