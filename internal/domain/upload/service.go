package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labportal/labportal/internal/platform/blobstore"
	"github.com/labportal/labportal/internal/platform/db"
)

// ErrNoArchive is returned by OpenFile when the batch's source file was not
// archived.
var ErrNoArchive = errors.New("source file not archived")

// Service is the Upload Ledger. It owns the lifecycle of a Batch and the
// archived copy of its source file.
type Service struct {
	batches BatchRepository
	files   blobstore.BlobStore
	now     func() time.Time
}

// NewService returns a ledger. files may be nil, in which case source files
// are not archived.
func NewService(batches BatchRepository, files blobstore.BlobStore) *Service {
	return &Service{batches: batches, files: files, now: time.Now}
}

// Open records a new batch in processing state before any row is handled.
func (s *Service) Open(ctx context.Context, orgID uuid.UUID, staffID, fileName string, size int64, totalRows int) (*Batch, error) {
	started := s.now().UTC()
	b := &Batch{
		ID:             uuid.New(),
		OrganizationID: orgID,
		StaffID:        staffID,
		FileName:       fileName,
		FileSizeBytes:  size,
		TotalRows:      totalRows,
		Status:         StatusProcessing,
		StartedAt:      &started,
	}
	if err := s.batches.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("open upload batch: %w", err)
	}
	return b, nil
}

// ArchiveKey is the blob key of a batch's source file.
func ArchiveKey(orgID, batchID uuid.UUID, fileName string) string {
	name := path.Base(strings.ReplaceAll(fileName, `\`, "/"))
	if name == "." || name == "/" || name == ".." || name == "" {
		name = "upload"
	}
	return fmt.Sprintf("uploads/%s/%s/%s", orgID, batchID, name)
}

// Archive stores the source bytes and records their key on the batch. It is
// a no-op when no blob store is configured.
func (s *Service) Archive(ctx context.Context, b *Batch, contentType string, data []byte) error {
	if s.files == nil {
		return nil
	}
	obj, err := s.files.Put(ctx, ArchiveKey(b.OrganizationID, b.ID, b.FileName), contentType, data)
	if err != nil {
		return fmt.Errorf("archive batch %s: %w", b.ID, err)
	}
	b.FilePath = obj.Key
	if err := s.batches.Update(ctx, b); err != nil {
		b.FilePath = ""
		return fmt.Errorf("record archive of batch %s: %w", b.ID, err)
	}
	return nil
}

// Finalize applies the final counters and persists the terminal status. If
// the store rejects the update, b is left as it was before the call.
func (s *Service) Finalize(ctx context.Context, b *Batch, successRows, errorRows int, details []ErrorDetail) error {
	prev := *b
	if err := b.Finalize(successRows, errorRows, details, s.now().UTC()); err != nil {
		return err
	}
	if err := s.batches.Update(ctx, b); err != nil {
		*b = prev
		return fmt.Errorf("finalize upload batch %s: %w", b.ID, err)
	}

	zerolog.Ctx(ctx).Info().
		Str("batch_id", b.ID.String()).
		Str("organization_id", b.OrganizationID.String()).
		Str("status", b.Status).
		Int("total_rows", b.TotalRows).
		Int("success_rows", b.SuccessRows).
		Int("error_rows", b.ErrorRows).
		Msg("upload batch finalized")
	return nil
}

func (s *Service) ListForOrganization(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]*Batch, int, error) {
	return s.batches.ListByOrganization(ctx, orgID, limit, offset)
}

// GetForOrganization hides batches of other organizations behind db.ErrNotFound.
func (s *Service) GetForOrganization(ctx context.Context, orgID, id uuid.UUID) (*Batch, error) {
	b, err := s.batches.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.OrganizationID != orgID {
		return nil, db.ErrNotFound
	}
	return b, nil
}

// OpenFile returns the archived source file of a batch. The caller closes it.
func (s *Service) OpenFile(ctx context.Context, orgID, id uuid.UUID) (io.ReadCloser, *Batch, *blobstore.Object, error) {
	b, err := s.GetForOrganization(ctx, orgID, id)
	if err != nil {
		return nil, nil, nil, err
	}
	if s.files == nil || b.FilePath == "" {
		return nil, b, nil, ErrNoArchive
	}
	rc, obj, err := s.files.Get(ctx, b.FilePath)
	if errors.Is(err, blobstore.ErrBlobNotFound) {
		return nil, b, nil, ErrNoArchive
	}
	if err != nil {
		return nil, b, nil, err
	}
	return rc, b, obj, nil
}
