package result

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/labportal/labportal/internal/platform/db"
)

// Service provides the read paths for patients and staff.
type Service struct {
	results ResultRepository
}

func NewService(r ResultRepository) *Service {
	return &Service{results: r}
}

func (s *Service) ListForPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Summary, int, error) {
	return s.results.ListByPatient(ctx, patientID, limit, offset)
}

// GetForPatient hides results owned by other patients behind db.ErrNotFound.
func (s *Service) GetForPatient(ctx context.Context, patientID, id uuid.UUID) (*Detail, error) {
	d, err := s.results.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.PatientID != patientID {
		return nil, db.ErrNotFound
	}
	return d, nil
}

func (s *Service) ListForOrganization(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*StaffSummary, int, error) {
	return s.results.ListByOrganization(ctx, orgID, limit, offset)
}

// GetForOrganization hides results uploaded by other organizations, and
// patient-entered results, behind db.ErrNotFound.
func (s *Service) GetForOrganization(ctx context.Context, orgID, id uuid.UUID) (*Detail, error) {
	d, err := s.results.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Provenance == nil || d.Provenance.OrganizationID != orgID {
		return nil, db.ErrNotFound
	}
	return d, nil
}

func (s *Service) Stats(ctx context.Context, orgID uuid.UUID) (*OrganizationStats, error) {
	return s.results.StatsByOrganization(ctx, orgID)
}

func isNotFound(err error) bool {
	return errors.Is(err, db.ErrNotFound)
}
