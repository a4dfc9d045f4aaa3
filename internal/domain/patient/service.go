package patient

import (
	"context"

	"github.com/google/uuid"
)

// Service provides staff-facing read access to patients.
type Service struct {
	patients PatientRepository
}

func NewService(p PatientRepository) *Service {
	return &Service{patients: p}
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

// ListForOrganization returns patients that have at least one result
// uploaded by the organization.
func (s *Service) ListForOrganization(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*Summary, int, error) {
	return s.patients.ListByOrganization(ctx, orgID, limit, offset)
}
