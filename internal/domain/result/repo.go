package result

import (
	"context"

	"github.com/google/uuid"
)

type ResultRepository interface {
	Insert(ctx context.Context, r *TestResult) error
	// GetByID returns db.ErrNotFound on miss.
	GetByID(ctx context.Context, id uuid.UUID) (*Detail, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Summary, int, error)
	ListByOrganization(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*StaffSummary, int, error)
	StatsByOrganization(ctx context.Context, orgID uuid.UUID) (*OrganizationStats, error)
}
