package upload

import (
	"context"

	"github.com/google/uuid"
)

type BatchRepository interface {
	Create(ctx context.Context, b *Batch) error
	// Update writes the mutable fields of a batch that is not yet completed.
	// It returns ErrFinalized if the stored batch already has a completion time.
	Update(ctx context.Context, b *Batch) error
	GetByID(ctx context.Context, id uuid.UUID) (*Batch, error)
	// ListByOrganization returns batches newest first, without error details.
	ListByOrganization(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*Batch, int, error)
}
