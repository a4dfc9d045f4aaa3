package result

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrNoItems = errors.New("test result has no items")

// Writer persists one TestResult per call. It never merges into an
// existing result for the same patient and date.
type Writer struct {
	results ResultRepository
}

func NewWriter(results ResultRepository) *Writer {
	return &Writer{results: results}
}

// Write inserts a new result and returns its id. provenance may be nil.
func (w *Writer) Write(ctx context.Context, patientID uuid.UUID, observedDate time.Time, items Items, provenance *Provenance) (uuid.UUID, error) {
	if len(items) == 0 {
		return uuid.Nil, ErrNoItems
	}
	if patientID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("patient id is required")
	}

	tr := &TestResult{
		ID:           uuid.New(),
		PatientID:    patientID,
		ObservedDate: truncateToDate(observedDate),
		Items:        items,
		Provenance:   provenance,
	}
	if provenance != nil {
		tr.SourceFileName = provenance.SourceFileName
	}

	if err := w.results.Insert(ctx, tr); err != nil {
		return uuid.Nil, err
	}
	return tr.ID, nil
}

// WriteDirect inserts a result a patient uploaded for themselves.
func (w *Writer) WriteDirect(ctx context.Context, patientID uuid.UUID, observedDate time.Time, items Items, sourceFileName, notes string) (*TestResult, error) {
	if len(items) == 0 {
		return nil, ErrNoItems
	}
	tr := &TestResult{
		ID:             uuid.New(),
		PatientID:      patientID,
		ObservedDate:   truncateToDate(observedDate),
		Items:          items,
		SourceFileName: sourceFileName,
		Notes:          notes,
	}
	if err := w.results.Insert(ctx, tr); err != nil {
		return nil, err
	}
	return tr, nil
}

// truncateToDate keeps the calendar date in the value's own location.
func truncateToDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
