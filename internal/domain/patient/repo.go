package patient

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrEmailTaken is returned by Create when another patient already holds the
// email. Callers that raced a concurrent create should re-read.
var ErrEmailTaken = errors.New("patient email already registered")

type PatientRepository interface {
	// FindByEmail matches the email exactly as stored. Returns db.ErrNotFound on miss.
	FindByEmail(ctx context.Context, email string) (*Patient, error)
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	ListByOrganization(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*Summary, int, error)
}
