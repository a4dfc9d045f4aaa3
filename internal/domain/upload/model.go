package upload

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

var (
	// ErrFinalized is returned when a batch that already has a completion
	// time is modified again.
	ErrFinalized = errors.New("upload batch already finalized")
	// ErrCountMismatch is returned when success and error rows do not add up
	// to the batch's total.
	ErrCountMismatch = errors.New("row counts do not add up to total rows")
)

// ErrorDetail records why one source line was not ingested. Row is the
// 1-based line number in the uploaded file.
type ErrorDetail struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// Batch is one attempt to ingest an uploaded file.
type Batch struct {
	ID             uuid.UUID     `json:"id"`
	OrganizationID uuid.UUID     `json:"organization_id"`
	StaffID        string        `json:"staff_id"`
	FileName       string        `json:"file_name"`
	FilePath       string        `json:"file_path,omitempty"`
	FileSizeBytes  int64         `json:"file_size_bytes"`
	TotalRows      int           `json:"total_rows"`
	SuccessRows    int           `json:"success_rows"`
	ErrorRows      int           `json:"error_rows"`
	ErrorDetails   []ErrorDetail `json:"error_details,omitempty"`
	Status         string        `json:"status"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

func (b *Batch) IsTerminal() bool {
	return b.Status == StatusCompleted || b.Status == StatusFailed
}

// Finalize records the row counters and moves the batch to its terminal
// status. A batch fails only when it had rows and every one of them errored.
func (b *Batch) Finalize(successRows, errorRows int, details []ErrorDetail, now time.Time) error {
	if b.CompletedAt != nil {
		return ErrFinalized
	}
	if successRows < 0 || errorRows < 0 || successRows+errorRows != b.TotalRows {
		return ErrCountMismatch
	}

	b.SuccessRows = successRows
	b.ErrorRows = errorRows
	b.ErrorDetails = details
	b.Status = StatusCompleted
	if b.TotalRows > 0 && errorRows == b.TotalRows {
		b.Status = StatusFailed
	}
	b.CompletedAt = &now
	return nil
}
