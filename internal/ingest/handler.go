package ingest

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/labportal/labportal/internal/platform/auth"
)

// RoleUploader may submit batch uploads on behalf of an organization.
const RoleUploader = "uploader"

type Handler struct {
	batches  *Orchestrator
	direct   *DirectImporter
	maxBytes int64
}

func NewHandler(batches *Orchestrator, direct *DirectImporter, maxBytes int64) *Handler {
	return &Handler{batches: batches, direct: direct, maxBytes: maxBytes}
}

// RegisterRoutes mounts the patient upload on api and the batch upload on mc.
// limits run after authorization on both routes.
func (h *Handler) RegisterRoutes(api *echo.Group, mc *echo.Group, limits ...echo.MiddlewareFunc) {
	patientMW := append([]echo.MiddlewareFunc{auth.RequireUserType(auth.UserTypePatient)}, limits...)
	api.POST("/results/upload", h.UploadOwnResults, patientMW...)

	staffMW := append([]echo.MiddlewareFunc{auth.RequireUserType(auth.UserTypeStaff), auth.RequireRole(RoleUploader)}, limits...)
	mc.POST("/uploads", h.UploadBatch, staffMW...)
}

type uploadedFile struct {
	name        string
	contentType string
	data        []byte
}

func failure(c echo.Context, code int, msg string) error {
	return c.JSON(code, map[string]interface{}{
		"success": false,
		"error":   msg,
	})
}

// readFile reads the "file" form part. A missing or empty part is a 400 and
// a part over the configured size is a 413.
func (h *Handler) readFile(c echo.Context) (*uploadedFile, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) && he.Code == http.StatusRequestEntityTooLarge {
			return nil, failure(c, http.StatusRequestEntityTooLarge, "file too large")
		}
		if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
			return nil, failure(c, http.StatusBadRequest, "no file uploaded")
		}
		return nil, failure(c, http.StatusBadRequest, "invalid multipart form")
	}
	if fh.Size == 0 {
		return nil, failure(c, http.StatusBadRequest, "no file uploaded")
	}
	if fh.Size > h.maxBytes {
		return nil, failure(c, http.StatusRequestEntityTooLarge, "file too large")
	}

	data, err := readAll(fh, h.maxBytes)
	if err != nil {
		return nil, failure(c, http.StatusBadRequest, "failed to read uploaded file")
	}
	if len(data) == 0 {
		return nil, failure(c, http.StatusBadRequest, "no file uploaded")
	}
	return &uploadedFile{
		name:        fh.Filename,
		contentType: fh.Header.Get(echo.HeaderContentType),
		data:        data,
	}, nil
}

func readAll(fh *multipart.FileHeader, limit int64) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, limit))
}

// UploadBatch runs a staff upload synchronously and reports its outcome.
func (h *Handler) UploadBatch(c echo.Context) error {
	actor, err := auth.CurrentActor(c)
	if err != nil {
		return err
	}
	file, err := h.readFile(c)
	if file == nil {
		return err
	}

	ctx := c.Request().Context()
	out, err := h.batches.RunBatch(ctx, Request{
		FileName:       file.name,
		ContentType:    file.contentType,
		Data:           file.data,
		OrganizationID: actor.OrganizationID,
		StaffID:        actor.UserID,
	})
	var pe *ParseError
	if errors.As(err, &pe) {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("upload rejected")
		return failure(c, http.StatusUnprocessableEntity, "file could not be processed")
	}
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("upload batch could not be opened")
		return failure(c, http.StatusInternalServerError, "upload could not be recorded")
	}

	return c.JSON(http.StatusOK, struct {
		Success bool `json:"success"`
		*Outcome
	}{true, out})
}

// UploadOwnResults stores a patient's own file as a single result.
func (h *Handler) UploadOwnResults(c echo.Context) error {
	actor, err := auth.CurrentActor(c)
	if err != nil {
		return err
	}
	patientID, ok := actor.PatientID()
	if !ok {
		return echo.NewHTTPError(http.StatusForbidden, "patient access only")
	}
	file, err := h.readFile(c)
	if file == nil {
		return err
	}

	ctx := c.Request().Context()
	tr, err := h.direct.Import(ctx, patientID, file.name, file.data, c.FormValue("test_date"), c.FormValue("notes"))
	var (
		pe *ParseError
		ve *ValidationError
	)
	switch {
	case errors.Is(err, ErrNoItems):
		return failure(c, http.StatusUnprocessableEntity, "invalid CSV format")
	case errors.As(err, &ve):
		return failure(c, http.StatusUnprocessableEntity, ve.Error())
	case errors.As(err, &pe):
		return failure(c, http.StatusUnprocessableEntity, "file could not be processed")
	case err != nil:
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to store patient upload")
		return failure(c, http.StatusInternalServerError, "failed to save test result")
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"success": true,
		"result":  tr,
	})
}
