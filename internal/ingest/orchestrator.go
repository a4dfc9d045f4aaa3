// Package ingest turns uploaded result files into stored test results. A
// staff upload runs as a batch recorded in the upload ledger; a patient's
// own upload becomes a single result.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/labportal/labportal/internal/domain/patient"
	"github.com/labportal/labportal/internal/domain/result"
	"github.com/labportal/labportal/internal/domain/upload"
)

// msgWriteFailed is recorded for rows whose result could not be stored.
const msgWriteFailed = "failed to save test result"

type PatientResolver interface {
	Resolve(ctx context.Context, email, fallbackName string) (patient.Resolution, error)
}

type ResultWriter interface {
	Write(ctx context.Context, patientID uuid.UUID, observedDate time.Time, items result.Items, provenance *result.Provenance) (uuid.UUID, error)
}

// Ledger records batches. Finalize leaves b unchanged when it fails.
type Ledger interface {
	Open(ctx context.Context, orgID uuid.UUID, staffID, fileName string, size int64, totalRows int) (*upload.Batch, error)
	Archive(ctx context.Context, b *upload.Batch, contentType string, data []byte) error
	Finalize(ctx context.Context, b *upload.Batch, successRows, errorRows int, details []upload.ErrorDetail) error
}

// Notifier is told about every batch that reaches a terminal status.
type Notifier interface {
	BatchFinished(ctx context.Context, b *upload.Batch)
}

// Request is one file submitted by a staff member.
type Request struct {
	FileName       string
	ContentType    string
	Data           []byte
	OrganizationID uuid.UUID
	StaffID        string
}

// Outcome is what the uploader is told once a batch finishes.
type Outcome struct {
	BatchID     uuid.UUID `json:"batch_id"`
	Status      string    `json:"status"`
	TotalRows   int       `json:"total_rows"`
	SuccessRows int       `json:"success_rows"`
	ErrorRows   int       `json:"error_rows"`
	HadErrors   bool      `json:"-"`
	Summary     string    `json:"error_summary,omitempty"`
}

// RowOutcome is the result of processing one data row: a stored result id
// or the reason the row was rejected.
type RowOutcome struct {
	Line     int
	ResultID uuid.UUID
	Err      error
}

func (o RowOutcome) OK() bool { return o.Err == nil }

// message is the text recorded in the ledger for a failed row.
func (o RowOutcome) message() string {
	var (
		ve *ValidationError
		re *patient.ResolutionError
	)
	switch {
	case errors.As(o.Err, &ve):
		return ve.Error()
	case errors.As(o.Err, &re):
		return re.Error()
	default:
		return msgWriteFailed
	}
}

// Orchestrator runs the per-row pipeline over a whole file.
type Orchestrator struct {
	resolver PatientResolver
	writer   ResultWriter
	ledger   Ledger
	notifier Notifier
	loc      *time.Location
	now      func() time.Time
}

// NewOrchestrator wires the pipeline. notifier may be nil. loc is the zone
// whose calendar date is used for rows without a test date.
func NewOrchestrator(resolver PatientResolver, writer ResultWriter, ledger Ledger, notifier Notifier, loc *time.Location) *Orchestrator {
	if loc == nil {
		loc = time.UTC
	}
	return &Orchestrator{
		resolver: resolver,
		writer:   writer,
		ledger:   ledger,
		notifier: notifier,
		loc:      loc,
		now:      time.Now,
	}
}

// RunBatch parses the file, opens a ledger entry, processes every row in
// file order and finalizes the entry. Only a parse failure or a failure to
// open the ledger entry is returned as an error; row failures are counted.
//
// The batch runs to completion even if ctx is cancelled.
func (o *Orchestrator) RunBatch(ctx context.Context, req Request) (*Outcome, error) {
	table, err := Parse(req.FileName, req.Data)
	if err != nil {
		return nil, err
	}

	ctx = context.WithoutCancel(ctx)
	batch, err := o.ledger.Open(ctx, req.OrganizationID, req.StaffID, req.FileName, int64(len(req.Data)), len(table.Rows))
	if err != nil {
		return nil, err
	}

	log := zerolog.Ctx(ctx).With().
		Str("batch_id", batch.ID.String()).
		Str("organization_id", req.OrganizationID.String()).
		Logger()
	ctx = log.WithContext(ctx)
	log.Info().Str("file_name", req.FileName).Int("total_rows", len(table.Rows)).Msg("upload batch started")

	if err := o.ledger.Archive(ctx, batch, req.ContentType, req.Data); err != nil {
		log.Warn().Err(err).Msg("source file not archived")
	}

	today := o.now().In(o.loc)
	outcomes := make([]RowOutcome, 0, len(table.Rows))
	for _, row := range table.Rows {
		outcomes = append(outcomes, o.processRow(ctx, req, batch, row, today))
	}

	successRows, errorRows, details := tally(outcomes)
	if err := o.ledger.Finalize(ctx, batch, successRows, errorRows, details); err != nil {
		log.Error().Err(err).Msg("upload batch could not be finalized")
	} else if o.notifier != nil {
		o.notifier.BatchFinished(ctx, batch)
	}

	out := &Outcome{
		BatchID:     batch.ID,
		Status:      batch.Status,
		TotalRows:   len(table.Rows),
		SuccessRows: successRows,
		ErrorRows:   errorRows,
		HadErrors:   errorRows > 0,
	}
	if out.HadErrors {
		out.Summary = fmt.Sprintf("%d row(s) failed; see upload %s for details", errorRows, batch.ID)
	}
	return out, nil
}

func (o *Orchestrator) processRow(ctx context.Context, req Request, batch *upload.Batch, row Row, today time.Time) RowOutcome {
	out := RowOutcome{Line: row.Line}

	n, err := Normalize(row.Cells, today)
	if err != nil {
		out.Err = err
		return o.rejected(ctx, out)
	}

	res, err := o.resolver.Resolve(ctx, n.Email, n.Name)
	if err != nil {
		out.Err = err
		return o.rejected(ctx, out)
	}

	id, err := o.writer.Write(ctx, res.PatientID, n.ObservedDate, n.Items, &result.Provenance{
		OrganizationID:  req.OrganizationID,
		StaffID:         req.StaffID,
		SourceFileName:  batch.FileName,
		SourceRowNumber: row.Line,
	})
	if err != nil {
		out.Err = err
		return o.rejected(ctx, out)
	}
	out.ResultID = id
	return out
}

func (o *Orchestrator) rejected(ctx context.Context, out RowOutcome) RowOutcome {
	zerolog.Ctx(ctx).Debug().Err(out.Err).Int("row", out.Line).Msg("row rejected")
	return out
}

func tally(outcomes []RowOutcome) (successRows, errorRows int, details []upload.ErrorDetail) {
	for _, o := range outcomes {
		if o.OK() {
			successRows++
			continue
		}
		errorRows++
		details = append(details, upload.ErrorDetail{Row: o.Line, Message: o.message()})
	}
	return successRows, errorRows, details
}
